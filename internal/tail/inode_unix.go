//go:build unix

package tail

import (
	"os"
	"syscall"
)

// fileInode extracts the inode from stat results where the platform
// exposes one. Rotation detection degrades to size checks elsewhere.
func fileInode(info os.FileInfo) (uint64, bool) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, false
	}
	return uint64(st.Ino), true
}
