package memfscore

// coreConfig holds every construction-time parameter New/OpenWithWAL
// accept via functional options, with defaults sized for a small
// in-memory filesystem instance.
type coreConfig struct {
	blockSize   uint32
	totalBlocks uint32

	inodeCapacity int
	hashCapacity  uint32

	treeCapacity       int
	overflowChildTable bool

	stringTableCap int

	walSize int

	allocatorHook AllocatorHook

	checkpointCompression bool
}

func defaultCoreConfig() coreConfig {
	return coreConfig{
		blockSize:      DefaultBlockSize,
		totalBlocks:    16384, // 64 MiB pool at the default 4096 B block size
		inodeCapacity:  0,     // unlimited
		hashCapacity:   1024,
		treeCapacity:   4096,
		stringTableCap: 64 << 10,
		walSize:        1 << 20,
	}
}

// Option configures a Core at construction time.
type Option func(cfg *coreConfig) error

// WithBlockSize overrides the block allocator's fixed block size.
func WithBlockSize(size uint32) Option {
	return func(cfg *coreConfig) error {
		if size == 0 {
			return ErrInvalid
		}
		cfg.blockSize = size
		return nil
	}
}

// WithTotalBlocks overrides the block allocator's fixed pool size.
func WithTotalBlocks(total uint32) Option {
	return func(cfg *coreConfig) error {
		cfg.totalBlocks = total
		return nil
	}
}

// WithInodeCapacity overrides the inode table's slot capacity; 0 means
// unlimited, per InodeTable.Alloc's capacity check.
func WithInodeCapacity(capacity int) Option {
	return func(cfg *coreConfig) error {
		if capacity < 0 {
			return ErrInvalid
		}
		cfg.inodeCapacity = capacity
		return nil
	}
}

// WithHashCapacity overrides the inode table's hash bucket count used
// by the multiplicative-hash lookup.
func WithHashCapacity(capacity uint32) Option {
	return func(cfg *coreConfig) error {
		if capacity == 0 {
			return ErrInvalid
		}
		cfg.hashCapacity = capacity
		return nil
	}
}

// WithTreeCapacity overrides the directory tree's flat node array
// capacity.
func WithTreeCapacity(capacity int) Option {
	return func(cfg *coreConfig) error {
		if capacity <= 0 {
			return ErrInvalid
		}
		cfg.treeCapacity = capacity
		return nil
	}
}

// WithOverflowChildTable enables the external overflow child table for
// directories past 12 inline children, per §4.E/§9's spill reservation.
func WithOverflowChildTable(enabled bool) Option {
	return func(cfg *coreConfig) error {
		cfg.overflowChildTable = enabled
		return nil
	}
}

// WithStringTableCapacity overrides the string table's initial backing
// buffer size (it still grows, capped at 16 MiB, per §4.A).
func WithStringTableCapacity(capacity int) Option {
	return func(cfg *coreConfig) error {
		if capacity <= 0 {
			return ErrInvalid
		}
		cfg.stringTableCap = capacity
		return nil
	}
}

// WithWALSize overrides the WAL's fixed circular buffer size in bytes.
func WithWALSize(size int) Option {
	return func(cfg *coreConfig) error {
		if size <= WALHeaderSize {
			return ErrInvalid
		}
		cfg.walSize = size
		return nil
	}
}

// WithAllocatorHook installs a custom AllocatorHook (e.g. a NUMA-aware
// one), per §5's "all core allocations go through a single allocator
// hook."
func WithAllocatorHook(hook AllocatorHook) Option {
	return func(cfg *coreConfig) error {
		cfg.allocatorHook = hook
		return nil
	}
}

// WithCheckpointCompression enables zstd compression of checkpoint
// snapshots (see comp.go); the core's own in-memory state is always
// kept decoded, this only affects the bytes written by a snapshotting
// caller.
func WithCheckpointCompression(enabled bool) Option {
	return func(cfg *coreConfig) error {
		cfg.checkpointCompression = enabled
		return nil
	}
}
