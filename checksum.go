package memfscore

import "hash/crc32"

// crc32Table is the IEEE polynomial table, fixed per §9: "implementers
// MUST pick one and use it consistently".
var crc32Table = crc32.MakeTable(crc32.IEEE)

func crc32Of(b []byte) uint32 {
	return crc32.Checksum(b, crc32Table)
}

// nameHash computes the 32-bit hash stored in a TreeNode's name_hash
// field. FNV-1a is cheap, has no external dependency, and the hash is
// only ever used as a short-circuit before a definitive string-table
// comparison (§4.E), so collision resistance beyond "cheap to compute"
// doesn't matter.
func nameHash(name string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(name); i++ {
		h ^= uint32(name[i])
		h *= prime32
	}
	return h
}

// inodeHash is the multiplicative hash spec.md §4.C mandates literally:
// "hash via inode_num * 2654435761 mod hash_capacity".
func inodeHash(inodeNum uint32, capacity uint32) uint32 {
	return (inodeNum * 2654435761) % capacity
}
