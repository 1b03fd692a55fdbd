//go:build unix

package tailer

import (
	"fmt"
	"os"
	"syscall"
)

// fileKey identifies the file behind path by device and inode, so a rename
// keeps its cursor and a replacement at the same path gets a fresh one.
func fileKey(path string, fi os.FileInfo) string {
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		return fmt.Sprintf("%d-%d", uint64(st.Dev), uint64(st.Ino))
	}
	return pathKey(path)
}
