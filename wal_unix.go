//go:build linux || darwin

package memfscore

import "golang.org/x/sys/unix"

// mmapAlloc backs the WAL's circular buffer with an anonymous private
// mapping, which msyncFlush below syncs; the mapping has no backing
// file, so the sync persists nothing outside process memory. This
// mirrors the teacher's own linux/darwin build-tag split
// (inode_linux.go/inode_darwin.go) for platform-specific behavior.
func mmapAlloc(size int) ([]byte, error) {
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, newError(ENOMEM, "mmap: "+err.Error())
	}
	return buf, nil
}

// msyncFlush is the §4.F/§5 durability boundary: commit_tx must flush
// before returning success.
func msyncFlush(buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	if err := unix.Msync(buf, unix.MS_SYNC); err != nil {
		return newError(EIO, "msync: "+err.Error())
	}
	return nil
}
