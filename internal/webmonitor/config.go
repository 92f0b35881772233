package webmonitor

import "time"

// Config defines the runtime configuration for the web monitor server.
type Config struct {
	Addr           string
	StatusInterval time.Duration
	MJPEGInterval  time.Duration
	// SnapshotWidth scales snapshots down to this width; 0 keeps the frame size.
	SnapshotWidth   int
	SnapshotQuality int
}

// DefaultConfig returns the monitor defaults.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		StatusInterval:  2 * time.Second,
		MJPEGInterval:   100 * time.Millisecond,
		SnapshotWidth:   0,
		SnapshotQuality: 75,
	}
}
