//go:build !unix

package tail

import "os"

func fileInode(info os.FileInfo) (uint64, bool) {
	return 0, false
}
