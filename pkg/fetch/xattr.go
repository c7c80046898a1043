package fetch

import (
	"golang.org/x/sys/unix"
)

// Cache validators are stored as extended attributes on the downloaded
// file itself, so moving or rebuilding the cache directory never leaves
// stale validator state behind.
const (
	xattrETag         = "com.github.capuchin.etag"
	xattrLastModified = "com.github.capuchin.last-modified"
)

func getXattr(path, name string) string {
	sz, err := unix.Getxattr(path, name, nil)
	if err != nil || sz <= 0 {
		return ""
	}
	buf := make([]byte, sz)
	n, err := unix.Getxattr(path, name, buf)
	if err != nil || n <= 0 {
		return ""
	}
	return string(buf[:n])
}

func setXattr(path, name, value string) {
	if value == "" {
		unix.Removexattr(path, name)
		return
	}
	unix.Setxattr(path, name, []byte(value), 0)
}

func storeCacheValidators(path, etag, lastModified string) {
	setXattr(path, xattrETag, etag)
	setXattr(path, xattrLastModified, lastModified)
}

func cacheValidators(path string) (etag, lastModified string) {
	return getXattr(path, xattrETag), getXattr(path, xattrLastModified)
}
