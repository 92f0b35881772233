package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/imageconv"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/rpc"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/pkg/types"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/pkg/wire"
)

type options struct {
	target   string
	caFile   string
	timeout  time.Duration
	logLevel string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:          "inference-client",
		Short:        "Command-line client for the inference gateway",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := logger.ParseLevel(opts.logLevel)
			if err != nil {
				return err
			}
			logger.Init(level, os.Stderr, false)
			return nil
		},
	}
	f := cmd.PersistentFlags()
	f.StringVar(&opts.target, "target", "localhost:9001", "Gateway address")
	f.StringVar(&opts.caFile, "ca", "", "CA certificate for TLS (insecure when empty)")
	f.DurationVar(&opts.timeout, "timeout", 10*time.Second, "Per-command timeout")
	f.StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error, silent)")

	cmd.AddCommand(newHealthCmd(opts), newValuesCmd(opts), newSnapshotCmd(opts))
	return cmd
}

// connect dials the gateway and returns a context bounded by the timeout.
func (o *options) connect(cmd *cobra.Command) (*rpc.Client, context.Context, context.CancelFunc, error) {
	creds := insecure.NewCredentials()
	if o.caFile != "" {
		c, err := credentials.NewClientTLSFromFile(o.caFile, "")
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to load CA: %w", err)
		}
		creds = c
	}
	client, err := rpc.Dial(o.target, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
	return client, ctx, cancel, nil
}

func newHealthCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health [service...]",
		Short: "Print the serving status of the gateway services",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, ctx, cancel, err := opts.connect(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			defer client.Close()

			if len(args) == 0 {
				args = []string{"", rpc.PredictionService, rpc.CaptureService, rpc.ParameterService}
			}
			for _, svc := range args {
				name := svc
				if name == "" {
					name = "(server)"
				}
				st, err := client.Health(ctx, svc)
				if err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "%-40s %v\n", name, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-40s %s\n", name, st)
			}
			return nil
		},
	}
}

func newValuesCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "values key...",
		Short: "Look up parameter values",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, ctx, cancel, err := opts.connect(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			defer client.Close()

			values, err := client.GetValues(ctx, args)
			if err != nil {
				return err
			}
			for i, k := range args {
				fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", k, values[i])
			}
			return nil
		},
	}
}

func newSnapshotCmd(opts *options) *cobra.Command {
	var (
		format  string
		width   uint32
		height  uint32
		fps     uint32
		count   int
		out     string
		quality int
	)
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Open a stream, fetch frames and save the last one as JPEG",
		RunE: func(cmd *cobra.Command, args []string) error {
			ff, err := parseFormat(format)
			if err != nil {
				return err
			}
			client, ctx, cancel, err := opts.connect(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			defer client.Close()

			id, err := client.NewStream(ctx, &wire.StreamSettings{
				Format: uint32(ff), Width: width, Height: height, Framerate: fps,
			})
			if err != nil {
				return err
			}
			logger.Info("Client", "Opened stream %d (%s %dx%d)", id, ff, width, height)
			defer func() {
				if err := client.DeleteStream(context.Background(), id); err != nil {
					logger.Warn("Client", "Failed to delete stream %d: %v", id, err)
				}
			}()

			var frame *wire.GetFrameResponse
			for i := 0; i < count; i++ {
				frame, err = client.GetFrame(ctx, id, 0)
				if err != nil {
					return err
				}
				logger.Debug("Client", "Frame seq=%d size=%d ts=%d", frame.SequenceNbr, frame.Size, frame.Timestamp)
			}
			if frame == nil {
				return nil
			}

			img, err := imageconv.Decode(ff, frame.Data, int(width), int(height))
			if err != nil {
				return err
			}
			data, err := imageconv.EncodeJPEG(img, quality)
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved frame %d to %s (%d bytes)\n", frame.SequenceNbr, out, len(data))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&format, "format", "nv12", "Frame format (nv12, rgb, jpeg)")
	f.Uint32Var(&width, "width", 640, "Frame width")
	f.Uint32Var(&height, "height", 480, "Frame height")
	f.Uint32Var(&fps, "fps", 30, "Frame rate")
	f.IntVarP(&count, "count", "n", 1, "Frames to fetch")
	f.StringVarP(&out, "output", "o", "snapshot.jpg", "Output JPEG file")
	f.IntVar(&quality, "quality", 85, "JPEG quality")
	return cmd
}

func parseFormat(s string) (types.FrameFormat, error) {
	for _, f := range []types.FrameFormat{types.FormatNV12, types.FormatRGB, types.FormatJPEG} {
		if f.String() == s {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unsupported format %q", s)
}
