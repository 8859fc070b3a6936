//go:build linux || darwin

package capacity

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// UnixFsyncAller is the default FsyncAller collaborator: it calls the raw
// fsync(2) syscall on each dirty file the connection's storage layer
// registered, the same way utils/mmap/linux.go reaches for golang.org/x/sys/unix
// directly instead of a stdlib wrapper when it wants the bare syscall.
type UnixFsyncAller struct {
	Dirty func() []*os.File
}

func (f *UnixFsyncAller) FsyncAllBackground(_ *FlushSession) error {
	if f.Dirty == nil {
		return nil
	}
	for _, file := range f.Dirty() {
		if err := unix.Fsync(int(file.Fd())); err != nil {
			return errors.Wrapf(err, "fsync %s", file.Name())
		}
	}
	return nil
}
