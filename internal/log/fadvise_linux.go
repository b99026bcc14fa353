//go:build linux

package log

import (
	"os"

	"golang.org/x/sys/unix"
)

// adviseSequential hints that segment files are read front to back.
func adviseSequential(f *os.File) {
	_ = unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_SEQUENTIAL)
}
