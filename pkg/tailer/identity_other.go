//go:build !unix

package tailer

import "os"

// fileKey falls back to the path where inodes are unavailable. Rotation is
// then only detected through truncation.
func fileKey(path string, _ os.FileInfo) string {
	return pathKey(path)
}
