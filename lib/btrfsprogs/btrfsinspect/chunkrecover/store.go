// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package chunkrecover

import (
	"errors"
	"fmt"

	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsvol"
	"git.lukeshu.com/btrfs-progs-ng/lib/containers"
	"git.lukeshu.com/btrfs-progs-ng/lib/maps"
)

// ErrInconsistentDuplicate is returned (wrapped) when two records of equal
// generation claim the same interval but disagree past the generation
// field; this is evidence of an actual filesystem bug, not something to
// average over.
var ErrInconsistentDuplicate = errors.New("inconsistent duplicate")

// insert applies the generation-based conflict resolution policy common
// to all three Record Store containers: a colliding record of strictly
// greater generation wins outright; of equal generation, the two records
// must be byte-identical past generation; of lesser generation, it is
// evicted and the search repeats (one submission may span several older
// records).
func insert[K containers.Ordered[K], V any](
	tree *containers.RBTree[K, V],
	keyOf func(V) K,
	cmpRange func(a, b V) int,
	generationOf func(V) uint64,
	equalPastGeneration func(a, b V) bool,
	newRec V,
) error {
	for {
		overlaps := tree.SearchRange(func(old V) int { return cmpRange(newRec, old) })
		if len(overlaps) == 0 {
			break
		}
		old := overlaps[0]
		switch {
		case generationOf(old) > generationOf(newRec):
			return nil
		case generationOf(old) == generationOf(newRec):
			if equalPastGeneration(old, newRec) {
				return nil
			}
			return fmt.Errorf("%w: colliding records at generation %v disagree",
				ErrInconsistentDuplicate, generationOf(old))
		default:
			tree.Delete(keyOf(old))
		}
	}
	tree.Insert(newRec)
	return nil
}

// ChunkStore indexes ChunkRecords by logical offset.
type ChunkStore struct {
	tree *containers.RBTree[containers.NativeOrdered[btrfsvol.LogicalAddr], ChunkRecord]
}

func NewChunkStore() *ChunkStore {
	return &ChunkStore{
		tree: &containers.RBTree[containers.NativeOrdered[btrfsvol.LogicalAddr], ChunkRecord]{
			KeyFn: func(r ChunkRecord) containers.NativeOrdered[btrfsvol.LogicalAddr] {
				return containers.NativeOrdered[btrfsvol.LogicalAddr]{Val: r.LAddr()}
			},
		},
	}
}

func (s *ChunkStore) Insert(rec ChunkRecord) error {
	return insert(s.tree, s.tree.KeyFn, ChunkRecord.cmpRange,
		func(r ChunkRecord) uint64 { return uint64(r.Generation) },
		ChunkRecord.equalPastGeneration, rec)
}

func (s *ChunkStore) Len() int { return s.tree.Len() }

// All returns the stored chunks, sorted by logical offset.
func (s *ChunkStore) All() []ChunkRecord {
	var ret []ChunkRecord
	_ = s.tree.Walk(func(node *containers.RBNode[ChunkRecord]) error {
		ret = append(ret, node.Value)
		return nil
	})
	return ret
}

func (s *ChunkStore) Lookup(laddr btrfsvol.LogicalAddr) (ChunkRecord, bool) {
	node := s.tree.Lookup(containers.NativeOrdered[btrfsvol.LogicalAddr]{Val: laddr})
	if node == nil {
		var zero ChunkRecord
		return zero, false
	}
	return node.Value, true
}

// BlockGroupStore indexes BlockGroupRecords by logical offset.
type BlockGroupStore struct {
	tree *containers.RBTree[containers.NativeOrdered[btrfsvol.LogicalAddr], BlockGroupRecord]
}

func NewBlockGroupStore() *BlockGroupStore {
	return &BlockGroupStore{
		tree: &containers.RBTree[containers.NativeOrdered[btrfsvol.LogicalAddr], BlockGroupRecord]{
			KeyFn: func(r BlockGroupRecord) containers.NativeOrdered[btrfsvol.LogicalAddr] {
				return containers.NativeOrdered[btrfsvol.LogicalAddr]{Val: r.LAddr()}
			},
		},
	}
}

func (s *BlockGroupStore) Insert(rec BlockGroupRecord) error {
	return insert(s.tree, s.tree.KeyFn, BlockGroupRecord.cmpRange,
		func(r BlockGroupRecord) uint64 { return uint64(r.Generation) },
		BlockGroupRecord.equalPastGeneration, rec)
}

func (s *BlockGroupStore) Len() int { return s.tree.Len() }

func (s *BlockGroupStore) All() []BlockGroupRecord {
	var ret []BlockGroupRecord
	_ = s.tree.Walk(func(node *containers.RBNode[BlockGroupRecord]) error {
		ret = append(ret, node.Value)
		return nil
	})
	return ret
}

func (s *BlockGroupStore) Lookup(laddr btrfsvol.LogicalAddr, length btrfsvol.AddrDelta) (BlockGroupRecord, bool) {
	node := s.tree.Search(func(r BlockGroupRecord) int {
		return cmpInterval(laddr, laddr.Add(length), r.LAddr(), r.LAddr().Add(r.Length()))
	})
	if node == nil {
		var zero BlockGroupRecord
		return zero, false
	}
	return node.Value, true
}

// DeviceExtentStore indexes DeviceExtentRecords by (device id, physical
// offset), mirroring btrfsvol.LogicalVolume's own per-device
// physical2logical index.
type DeviceExtentStore struct {
	byDev map[btrfsvol.DeviceID]*containers.RBTree[containers.NativeOrdered[btrfsvol.PhysicalAddr], DeviceExtentRecord]
}

func NewDeviceExtentStore() *DeviceExtentStore {
	return &DeviceExtentStore{
		byDev: make(map[btrfsvol.DeviceID]*containers.RBTree[containers.NativeOrdered[btrfsvol.PhysicalAddr], DeviceExtentRecord]),
	}
}

func (s *DeviceExtentStore) treeFor(devID btrfsvol.DeviceID) *containers.RBTree[containers.NativeOrdered[btrfsvol.PhysicalAddr], DeviceExtentRecord] {
	tree, ok := s.byDev[devID]
	if !ok {
		tree = &containers.RBTree[containers.NativeOrdered[btrfsvol.PhysicalAddr], DeviceExtentRecord]{
			KeyFn: func(r DeviceExtentRecord) containers.NativeOrdered[btrfsvol.PhysicalAddr] {
				return containers.NativeOrdered[btrfsvol.PhysicalAddr]{Val: r.PAddr()}
			},
		}
		s.byDev[devID] = tree
	}
	return tree
}

func (s *DeviceExtentStore) Insert(rec DeviceExtentRecord) error {
	tree := s.treeFor(rec.DeviceID())
	return insert(tree, tree.KeyFn, DeviceExtentRecord.cmpRange,
		func(r DeviceExtentRecord) uint64 { return uint64(r.Generation) },
		DeviceExtentRecord.equalPastGeneration, rec)
}

func (s *DeviceExtentStore) Len() int {
	n := 0
	for _, tree := range s.byDev {
		n += tree.Len()
	}
	return n
}

func (s *DeviceExtentStore) All() []DeviceExtentRecord {
	var ret []DeviceExtentRecord
	for _, devID := range maps.SortedKeys(s.byDev) {
		_ = s.byDev[devID].Walk(func(node *containers.RBNode[DeviceExtentRecord]) error {
			ret = append(ret, node.Value)
			return nil
		})
	}
	return ret
}

func (s *DeviceExtentStore) Lookup(devID btrfsvol.DeviceID, paddr btrfsvol.PhysicalAddr, length btrfsvol.AddrDelta) (DeviceExtentRecord, bool) {
	tree, ok := s.byDev[devID]
	if !ok {
		var zero DeviceExtentRecord
		return zero, false
	}
	node := tree.Search(func(r DeviceExtentRecord) int {
		return cmpInterval(paddr, paddr.Add(length), r.PAddr(), r.PAddr().Add(r.DevExtent.Length))
	})
	if node == nil {
		var zero DeviceExtentRecord
		return zero, false
	}
	return node.Value, true
}

// RecordStore is the aggregate of the three indexed containers that hold
// everything harvested by the Scanner.
type RecordStore struct {
	Chunks        *ChunkStore
	BlockGroups   *BlockGroupStore
	DeviceExtents *DeviceExtentStore
}

func NewRecordStore() *RecordStore {
	return &RecordStore{
		Chunks:        NewChunkStore(),
		BlockGroups:   NewBlockGroupStore(),
		DeviceExtents: NewDeviceExtentStore(),
	}
}

func (s *RecordStore) Empty() bool {
	return s.Chunks.Len() == 0 && s.BlockGroups.Len() == 0 && s.DeviceExtents.Len() == 0
}
