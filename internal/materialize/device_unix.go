//go:build !windows

package materialize

import (
	"os"
	"syscall"
)

// deviceOf returns the device number for path's filesystem, used to
// decide whether a hardlink would cross a filesystem boundary.
func deviceOf(path string) (uint64, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, false
	}
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, false
	}
	return uint64(stat.Dev), true
}
