package memfscore

// CoreStats aggregates every component's stats object behind a single
// call, per §9's "expose via explicit stats object" design note rather
// than scattering counters across each component's own exported fields.
type CoreStats struct {
	Strings  StringTableStats
	Alloc    AllocatorStats
	Inodes   InodeTableStats
	Tree     TreeStats
	WAL      WALStats
	Features Features
}

// Stats implements stats().
func (c *Core) Stats() CoreStats {
	return CoreStats{
		Strings:  c.strs.Stats(),
		Alloc:    c.alloc.Stats(),
		Inodes:   c.inodes.Stats(),
		Tree:     c.tree.Stats(),
		WAL:      c.wal.Stats(),
		Features: c.Features(),
	}
}
