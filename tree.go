package monsoon

import (
	"slices"
)

// nodeRef is a loaded node of either shape; exactly one field is set.
type nodeRef struct {
	leaf     *leafNode
	interior *interiorNode
}

func (r nodeRef) isLeaf() bool { return r.leaf != nil }

func loadNodeRef(log *blockLog, ptr blockPointer) (nodeRef, error) {
	l, i, err := log.getNode(ptr)
	if err != nil {
		return nodeRef{}, err
	}
	return nodeRef{leaf: l, interior: i}, nil
}

func writeLeaf(log *blockLog, n *leafNode) blockPointer {
	return log.putNode(n.id, encodeLeafPayload(n))
}

func writeInterior(log *blockLog, n *interiorNode) blockPointer {
	return log.putNode(0, encodeInteriorPayload(n))
}

// btSearch is the B+tree engine's point lookup (spec.md §4.3 "Search"):
// from the root, descend by separator comparison until a leaf, then scan
// its ordered pairs for key.
func btSearch(log *blockLog, root blockPointer, key []byte) ([]byte, bool, error) {
	if root.isZero() {
		return nil, false, nil
	}
	ref, err := loadNodeRef(log, root)
	if err != nil {
		return nil, false, err
	}
	for {
		if ref.isLeaf() {
			idx, found := ref.leaf.find(key)
			if !found {
				return nil, false, nil
			}
			return ref.leaf.pairs[idx].val, true, nil
		}
		idx := ref.interior.childIndex(key)
		ref, err = loadNodeRef(log, ref.interior.children[idx])
		if err != nil {
			return nil, false, err
		}
	}
}

// idGenerator mints fresh, process-lifetime-unique leaf ids. Leaf ids
// persist across copy-on-write versions of the same logical leaf
// (invariant 4); a fresh id is only minted for the first leaf of an empty
// tree and for both halves of a split. A merge keeps the left leaf's id.
type idGenerator struct {
	next uint64
}

func (g *idGenerator) mint() uint64 {
	g.next++
	return g.next
}

// promotion carries a split result up to the caller: a separator key and
// the two new children that replace the node that split.
type promotion struct {
	sepKey []byte
	left   blockPointer
	right  blockPointer
}

// btInsert performs spec.md §4.3's copy-on-write insert. It returns the
// new tree header and whether an existing key was replaced. The header's
// LeafLinks pointer changes only when a leaf split rewrote leaf-links;
// ordinary value updates keep the old pointer (invariant 4).
func btInsert(log *blockLog, header treeHeader, capacity int, ids *idGenerator, key, val []byte) (treeHeader, bool, error) {
	if header.Root.isZero() {
		leafID := ids.mint()
		leaf := &leafNode{id: leafID, capacity: capacity, pairs: []kv{{key: key, val: val}}}
		rootPtr := writeLeaf(log, leaf)
		links := newLeafLinks()
		links.insertSingleton(leafID)
		linksPtr := log.putLeafLinks(encodeLeafLinksPayload(links))
		return treeHeader{Root: rootPtr, LeafLinks: linksPtr, Metadata: header.Metadata}, false, nil
	}

	links, err := log.getLeafLinks(header.LeafLinks)
	if err != nil {
		return treeHeader{}, false, err
	}
	linksDirty := false
	replaced := false

	var insertRec func(ptr blockPointer) (blockPointer, *promotion, error)
	insertRec = func(ptr blockPointer) (blockPointer, *promotion, error) {
		ref, err := loadNodeRef(log, ptr)
		if err != nil {
			return blockPointer{}, nil, err
		}
		if ref.isLeaf() {
			leaf := ref.leaf
			idx, found := leaf.find(key)
			if found {
				replaced = true
				newPairs := append([]kv(nil), leaf.pairs...)
				newPairs[idx] = kv{key: key, val: val}
				newLeaf := &leafNode{id: leaf.id, capacity: capacity, pairs: newPairs}
				return writeLeaf(log, newLeaf), nil, nil
			}
			newPairs := slices.Insert(append([]kv(nil), leaf.pairs...), idx, kv{key: key, val: val})
			newLeaf := &leafNode{id: leaf.id, capacity: capacity, pairs: newPairs}
			if !newLeaf.overflowed() {
				return writeLeaf(log, newLeaf), nil, nil
			}
			// Full: split at floor(capacity/2).
			splitAt := capacity / 2
			leftID, rightID := ids.mint(), ids.mint()
			left := &leafNode{id: leftID, capacity: capacity, pairs: newPairs[:splitAt]}
			right := &leafNode{id: rightID, capacity: capacity, pairs: newPairs[splitAt:]}
			if err := links.replaceSingle(leaf.id, []uint64{leftID, rightID}); err != nil {
				return blockPointer{}, nil, err
			}
			linksDirty = true
			leftPtr := writeLeaf(log, left)
			rightPtr := writeLeaf(log, right)
			return blockPointer{}, &promotion{sepKey: right.pairs[0].key, left: leftPtr, right: rightPtr}, nil
		}

		interior := ref.interior
		idx := interior.childIndex(key)
		childPtr, prom, err := insertRec(interior.children[idx])
		if err != nil {
			return blockPointer{}, nil, err
		}
		newSeparators := append([][]byte(nil), interior.separators...)
		newChildren := append([]blockPointer(nil), interior.children...)
		if prom == nil {
			newChildren[idx] = childPtr
			newNode := &interiorNode{capacity: capacity, separators: newSeparators, children: newChildren}
			return writeInterior(log, newNode), nil, nil
		}
		newSeparators = slices.Insert(newSeparators, idx, prom.sepKey)
		newChildren[idx] = prom.left
		newChildren = slices.Insert(newChildren, idx+1, prom.right)
		grownNode := &interiorNode{capacity: capacity, separators: newSeparators, children: newChildren}
		if !grownNode.overflowed() {
			return writeInterior(log, grownNode), nil, nil
		}
		// Full interior: the middle key moves up, not down.
		mid := len(newSeparators) / 2
		midKey := newSeparators[mid]
		left := &interiorNode{capacity: capacity, separators: newSeparators[:mid], children: newChildren[:mid+1]}
		right := &interiorNode{capacity: capacity, separators: newSeparators[mid+1:], children: newChildren[mid+1:]}
		return blockPointer{}, &promotion{sepKey: midKey, left: writeInterior(log, left), right: writeInterior(log, right)}, nil
	}

	newRootPtr, prom, err := insertRec(header.Root)
	if err != nil {
		return treeHeader{}, false, err
	}
	if prom != nil {
		newRoot := &interiorNode{capacity: capacity, separators: [][]byte{prom.sepKey}, children: []blockPointer{prom.left, prom.right}}
		newRootPtr = writeInterior(log, newRoot)
	}
	newHeader := treeHeader{Root: newRootPtr, LeafLinks: header.LeafLinks, Metadata: header.Metadata}
	if linksDirty {
		newHeader.LeafLinks = log.putLeafLinks(encodeLeafLinksPayload(links))
	}
	return newHeader, replaced, nil
}

// btRemove performs spec.md §4.3's copy-on-write remove with rotate/merge
// rebalancing. A missing key is a no-op: the original header and pointers
// are returned unchanged, no new blocks are written.
func btRemove(log *blockLog, header treeHeader, capacity int, key []byte) (treeHeader, []byte, bool, error) {
	if header.Root.isZero() {
		return header, nil, false, nil
	}
	links, err := log.getLeafLinks(header.LeafLinks)
	if err != nil {
		return treeHeader{}, nil, false, err
	}
	linksDirty := false
	var removedVal []byte
	found := false

	// removeRec returns the (possibly unchanged) pointer and loaded node
	// for ptr's subtree after removing key, plus whether that subtree's
	// top node is now underflowed (root exempt, checked by the caller).
	var removeRec func(ptr blockPointer) (blockPointer, nodeRef, bool, error)
	removeRec = func(ptr blockPointer) (blockPointer, nodeRef, bool, error) {
		ref, err := loadNodeRef(log, ptr)
		if err != nil {
			return blockPointer{}, nodeRef{}, false, err
		}
		if ref.isLeaf() {
			leaf := ref.leaf
			idx, ok := leaf.find(key)
			if !ok {
				return ptr, ref, false, nil
			}
			found = true
			removedVal = leaf.pairs[idx].val
			newPairs := slices.Delete(append([]kv(nil), leaf.pairs...), idx, idx+1)
			newLeaf := &leafNode{id: leaf.id, capacity: capacity, pairs: newPairs}
			newPtr := writeLeaf(log, newLeaf)
			return newPtr, nodeRef{leaf: newLeaf}, newLeaf.underflowed(), nil
		}

		interior := ref.interior
		idx := interior.childIndex(key)
		childPtr, childNode, childUnderflow, err := removeRec(interior.children[idx])
		if err != nil {
			return blockPointer{}, nodeRef{}, false, err
		}
		if !found {
			return ptr, ref, false, nil
		}
		newSeparators := append([][]byte(nil), interior.separators...)
		newChildren := append([]blockPointer(nil), interior.children...)
		newChildren[idx] = childPtr
		if !childUnderflow {
			newNode := &interiorNode{capacity: capacity, separators: newSeparators, children: newChildren}
			return writeInterior(log, newNode), nodeRef{interior: newNode}, false, nil
		}

		// Rebalance: prefer the right sibling, fall back to the left.
		siblingIdx := idx + 1
		isRight := true
		if siblingIdx >= len(newChildren) {
			siblingIdx = idx - 1
			isRight = false
		}
		siblingPtr := interior.children[siblingIdx]
		siblingRef, err := loadNodeRef(log, siblingPtr)
		if err != nil {
			return blockPointer{}, nodeRef{}, false, err
		}

		if childNode.isLeaf() {
			deficient := childNode.leaf
			sibling := siblingRef.leaf
			if len(sibling.pairs) > capacity/2 {
				// Rotate one pair across the boundary.
				var newDeficient, newSibling *leafNode
				var boundaryKey []byte
				if isRight {
					moved := sibling.pairs[0]
					newSibling = &leafNode{id: sibling.id, capacity: capacity, pairs: append([]kv(nil), sibling.pairs[1:]...)}
					newDeficient = &leafNode{id: deficient.id, capacity: capacity, pairs: append(append([]kv(nil), deficient.pairs...), moved)}
					boundaryKey = newSibling.pairs[0].key
				} else {
					moved := sibling.pairs[len(sibling.pairs)-1]
					newSibling = &leafNode{id: sibling.id, capacity: capacity, pairs: append([]kv(nil), sibling.pairs[:len(sibling.pairs)-1]...)}
					newDeficient = &leafNode{id: deficient.id, capacity: capacity, pairs: append([]kv{moved}, deficient.pairs...)}
					boundaryKey = newDeficient.pairs[0].key
				}
				newChildren[idx] = writeLeaf(log, newDeficient)
				newChildren[siblingIdx] = writeLeaf(log, newSibling)
				sepIdx := idx
				if !isRight {
					sepIdx = siblingIdx
				}
				newSeparators[sepIdx] = boundaryKey
				newNode := &interiorNode{capacity: capacity, separators: newSeparators, children: newChildren}
				return writeInterior(log, newNode), nodeRef{interior: newNode}, false, nil
			}
			// Merge the two leaves into one surviving id.
			var merged *leafNode
			var goneID uint64
			if isRight {
				merged = &leafNode{id: deficient.id, capacity: capacity, pairs: append(append([]kv(nil), deficient.pairs...), sibling.pairs...)}
				goneID = sibling.id
			} else {
				merged = &leafNode{id: sibling.id, capacity: capacity, pairs: append(append([]kv(nil), sibling.pairs...), deficient.pairs...)}
				goneID = deficient.id
			}
			if err := links.removeAndMerge(goneID, merged.id); err != nil {
				return blockPointer{}, nodeRef{}, false, err
			}
			linksDirty = true
			mergedPtr := writeLeaf(log, merged)
			// idx and siblingIdx are adjacent; replace both child pointers
			// with the single merged one and drop the separator between them.
			lo := min(idx, siblingIdx)
			newChildren = append(append([]blockPointer(nil), newChildren[:lo]...), append([]blockPointer{mergedPtr}, newChildren[lo+2:]...)...)
			newSeparators = slices.Delete(newSeparators, lo, lo+1)
			newNode := &interiorNode{capacity: capacity, separators: newSeparators, children: newChildren}
			return writeInterior(log, newNode), nodeRef{interior: newNode}, newNode.underflowed(), nil
		}

		// Interior sibling: same rotate-or-merge shape, pulling the
		// separator down on merge instead of discarding a pair.
		deficient := childNode.interior
		sibling := siblingRef.interior
		if len(sibling.separators) > capacity/2 {
			var newDeficient, newSibling *interiorNode
			var boundaryKey []byte
			if isRight {
				pulled := newSeparators[idx]
				movedChild := sibling.children[0]
				newDeficient = &interiorNode{capacity: capacity,
					separators: append(append([][]byte(nil), deficient.separators...), pulled),
					children:   append(append([]blockPointer(nil), deficient.children...), movedChild)}
				newSibling = &interiorNode{capacity: capacity,
					separators: append([][]byte(nil), sibling.separators[1:]...),
					children:   append([]blockPointer(nil), sibling.children[1:]...)}
				boundaryKey = sibling.separators[0]
			} else {
				pulled := newSeparators[siblingIdx]
				movedChild := sibling.children[len(sibling.children)-1]
				newDeficient = &interiorNode{capacity: capacity,
					separators: append([][]byte{pulled}, deficient.separators...),
					children:   append([]blockPointer{movedChild}, deficient.children...)}
				newSibling = &interiorNode{capacity: capacity,
					separators: append([][]byte(nil), sibling.separators[:len(sibling.separators)-1]...),
					children:   append([]blockPointer(nil), sibling.children[:len(sibling.children)-1]...)}
				boundaryKey = sibling.separators[len(sibling.separators)-1]
			}
			newChildren[idx] = writeInterior(log, newDeficient)
			newChildren[siblingIdx] = writeInterior(log, newSibling)
			sepIdx := idx
			if !isRight {
				sepIdx = siblingIdx
			}
			newSeparators[sepIdx] = boundaryKey
			newNode := &interiorNode{capacity: capacity, separators: newSeparators, children: newChildren}
			return writeInterior(log, newNode), nodeRef{interior: newNode}, false, nil
		}
		// Merge: pull the parent separator down between the two child runs.
		var merged *interiorNode
		lo := min(idx, siblingIdx)
		if isRight {
			pulled := newSeparators[idx]
			merged = &interiorNode{capacity: capacity,
				separators: append(append(append([][]byte(nil), deficient.separators...), pulled), sibling.separators...),
				children:   append(append([]blockPointer(nil), deficient.children...), sibling.children...)}
		} else {
			pulled := newSeparators[siblingIdx]
			merged = &interiorNode{capacity: capacity,
				separators: append(append(append([][]byte(nil), sibling.separators...), pulled), deficient.separators...),
				children:   append(append([]blockPointer(nil), sibling.children...), deficient.children...)}
		}
		mergedPtr := writeInterior(log, merged)
		newChildren = append(append([]blockPointer(nil), newChildren[:lo]...), append([]blockPointer{mergedPtr}, newChildren[lo+2:]...)...)
		newSeparators = slices.Delete(newSeparators, lo, lo+1)
		newNode := &interiorNode{capacity: capacity, separators: newSeparators, children: newChildren}
		return writeInterior(log, newNode), nodeRef{interior: newNode}, newNode.underflowed(), nil
	}

	newRootPtr, rootRef, _, err := removeRec(header.Root)
	if err != nil {
		return treeHeader{}, nil, false, err
	}
	if !found {
		return header, nil, false, nil
	}
	if !rootRef.isLeaf() && len(rootRef.interior.separators) == 0 {
		newRootPtr = rootRef.interior.children[0]
	}
	newHeader := treeHeader{Root: newRootPtr, LeafLinks: header.LeafLinks, Metadata: header.Metadata}
	if linksDirty {
		newHeader.LeafLinks = log.putLeafLinks(encodeLeafLinksPayload(links))
	}
	return newHeader, removedVal, true, nil
}
