//go:build unix

package cacheinput

import (
	"os"
	"syscall"
)

// inodeOf extracts the inode number spec.md §6's ImageInfo.Inode needs.
// Isolated behind a build tag because only *nix Stat_t exposes it.
func inodeOf(info os.FileInfo) uint64 {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return uint64(st.Ino)
	}
	return 0
}
