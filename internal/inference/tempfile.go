package inference

import (
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/errdefs"
)

// newBackingFile returns an anonymous read/write file for tensor data. It is
// never visible in the filesystem, so closing it frees the storage.
func (o *Orchestrator) newBackingFile(name string) (*os.File, error) {
	if o.cfg.UseMemfd {
		fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
		if err != nil {
			return nil, errdefs.Wrapf(errdefs.ErrIO, err, "memfd_create %s", name)
		}
		return os.NewFile(uintptr(fd), name), nil
	}

	f, err := os.CreateTemp(o.cfg.TempDir, "inference-"+name+"-*")
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrIO, err, "create temp file for %s", name)
	}
	if err := os.Remove(f.Name()); err != nil {
		f.Close()
		return nil, errdefs.Wrapf(errdefs.ErrIO, err, "unlink %s", f.Name())
	}
	return f, nil
}

// openSharedMemory opens a POSIX shared memory object by name, as shm_open
// would.
func (o *Orchestrator) openSharedMemory(name string) (*os.File, error) {
	clean := strings.TrimPrefix(name, "/")
	if clean == "" || strings.Contains(clean, "/") {
		return nil, errdefs.Kindf(errdefs.ErrInvalidArgument, "invalid shared memory name %q", name)
	}
	f, err := os.OpenFile(filepath.Join(o.cfg.ShmDir, clean), os.O_RDWR, 0)
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrIO, err, "open shared memory %s", name)
	}
	return f, nil
}
