package memfscore

import "errors"

// Error is a core error carrying a POSIX errno-equivalent for callers
// that need to translate it across the mount shim boundary.
type Error struct {
	msg   string
	errno int
}

func (e *Error) Error() string { return e.msg }

// Errno returns the POSIX errno-equivalent numeric code for this error,
// per the mapping in §6/§7 of the core specification.
func (e *Error) Errno() int { return e.errno }

func newError(errno int, msg string) *Error {
	return &Error{msg: msg, errno: errno}
}

// Package-level sentinel errors, matched with errors.Is. Mirrors the
// taxonomy in §7: NotFound, AlreadyExists, Invalid, NoMemory, NoSpace,
// TooManyLinks, NotEmpty, Corrupt, LogFull, Busy.
var (
	// ErrNotFound is returned when a path, inode, or block reference
	// does not resolve to a live entity.
	ErrNotFound = newError(ENOENT, "no such file or directory")

	// ErrExists is returned when an operation would create an entry
	// that already exists in its parent directory.
	ErrExists = newError(EEXIST, "file exists")

	// ErrInvalid is returned for malformed arguments, including
	// operations performed against the wrong node kind (e.g. writing
	// to a directory).
	ErrInvalid = newError(EINVAL, "invalid argument")

	// ErrNoMemory is returned when the inode table is at capacity and
	// a new inode cannot be allocated, or when the WAL buffer's mmap
	// fails.
	ErrNoMemory = newError(ENOMEM, "cannot allocate memory")

	// ErrNoSpace is returned when the block allocator cannot satisfy a
	// request from its fixed backing pool, or when the directory tree
	// has no free node slot or no room for another child.
	ErrNoSpace = newError(ENOSPC, "no space left on device")

	// ErrTooManyLinks is returned when nlink would exceed 65535.
	ErrTooManyLinks = newError(EMLINK, "too many links")

	// ErrNotEmpty is returned by rmdir/delete against a directory
	// that still has children.
	ErrNotEmpty = newError(ENOTEMPTY, "directory not empty")

	// ErrNotDirectory is returned when a path component that should
	// be a directory is not one.
	ErrNotDirectory = newError(ENOTDIR, "not a directory")

	// ErrCorrupt is returned when a WAL image's header has the wrong
	// magic or version, or when a WAL record's payload cannot be
	// decoded during recovery. A record whose checksum fails simply
	// ends the WAL scan.
	ErrCorrupt = newError(EIO, "structure needs cleaning")

	// ErrLogFull is returned when the WAL has no space for a new
	// record; callers may checkpoint and retry once per §7.
	ErrLogFull = newError(ENOSPC, "write-ahead log is full")

	// ErrBusy is the taxonomy's lock-conflict error. Every lock in this
	// package blocks, so no operation here returns it.
	ErrBusy = newError(EBUSY, "resource busy")

	// ErrNameTooLong is returned by the string table when interning
	// a name longer than 255 bytes.
	ErrNameTooLong = newError(ENAMETOOLONG, "file name too long")

	// ErrTableFull is returned by the string table when its 16MiB
	// growth cap has been reached.
	ErrTableFull = newError(ENOSPC, "string table is full")
)

// POSIX errno-equivalent numeric constants, used by Error.Errno and by
// callers mapping core errors onto a VFS/FUSE surface.
const (
	ENOENT       = 2
	EIO          = 5
	ENOMEM       = 12
	EBUSY        = 16
	EEXIST       = 17
	ENOTDIR      = 20
	EINVAL       = 22
	ENAMETOOLONG = 36
	ENOTEMPTY    = 39
	ENOSPC       = 28
	EMLINK       = 31
)

// ErrnoOf returns the POSIX errno for any error, falling back to EIO for
// errors that don't carry one of our own. Exported for callers mapping
// core errors onto an external surface (e.g. a FUSE mount's syscall.Errno).
func ErrnoOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Errno()
	}
	if err == nil {
		return 0
	}
	return EIO
}
