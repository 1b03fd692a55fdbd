package tailer

import (
	"fmt"
	"hash/fnv"
	"path/filepath"
	"strconv"
	"strings"
)

func pathKey(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(path))
	return fmt.Sprintf("p%x", h.Sum64())
}

// identity is the cursor key for one content epoch of a file. The epoch grows
// each time the file is truncated, so offsets never repeat within a key.
func identity(key string, epoch int) string {
	return key + "#" + strconv.Itoa(epoch)
}

// splitIdentity is the inverse of identity.
func splitIdentity(id string) (key string, epoch int, ok bool) {
	i := strings.LastIndexByte(id, '#')
	if i <= 0 {
		return "", 0, false
	}
	n, err := strconv.Atoi(id[i+1:])
	if err != nil || n < 0 {
		return "", 0, false
	}
	return id[:i], n, true
}

func sourceID(key string, epoch int, offset int64) string {
	return fmt.Sprintf("tail:%s-%d:%d", key, epoch, offset)
}
