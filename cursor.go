package monsoon

import (
	"bytes"
	"iter"
)

// findLeafForKey descends from root by separator comparison to the leaf
// that would hold key, whether or not the key is actually present. It is
// the entry point a range scan uses to locate its starting leaf when a
// lower bound is given.
func findLeafForKey(log *blockLog, root blockPointer, key []byte) (*leafNode, error) {
	ref, err := loadNodeRef(log, root)
	if err != nil {
		return nil, err
	}
	for !ref.isLeaf() {
		idx := ref.interior.childIndex(key)
		ref, err = loadNodeRef(log, ref.interior.children[idx])
		if err != nil {
			return nil, err
		}
	}
	return ref.leaf, nil
}

// scanRange is the engine-agnostic implementation of spec.md §4.3's
// "select": given a captured header and the write frontier as of that same
// instant (the snapshot the scan runs against for its whole lifetime), walk
// leaf-links from the head or from the leaf containing lower, emitting
// decoded pairs in ascending order until upper is exceeded or the chain
// ends. Leaf content is resolved with asOf, not the live frontier, so a
// commit after the snapshot that rewrites a scanned leaf id never leaks
// into the stream (spec.md §8 property 5). Decode or I/O failures end the
// sequence early rather than panic, since iter.Seq2 carries no error
// channel.
func scanRange[K any, V any](log *blockLog, header treeHeader, asOf uint64, keyCodec Codec[K], valCodec Codec[V], lower, upper *K) iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		if header.Root.isZero() {
			return
		}
		links, err := log.getLeafLinks(header.LeafLinks)
		if err != nil {
			return
		}

		var lowerRaw, upperRaw []byte
		if lower != nil {
			lowerRaw, err = keyCodec.Marshal(lower)
			if err != nil {
				return
			}
		}
		if upper != nil {
			upperRaw, err = keyCodec.Marshal(upper)
			if err != nil {
				return
			}
		}

		var id uint64
		if lower != nil {
			leaf, err := findLeafForKey(log, header.Root, lowerRaw)
			if err != nil || leaf == nil {
				return
			}
			id = leaf.id
		} else {
			head, ok := links.head()
			if !ok {
				return
			}
			id = head
		}

		for {
			leaf, _, err := log.getNodeByIDAsOf(id, asOf)
			if err != nil {
				return
			}
			for _, p := range leaf.pairs {
				if lower != nil && bytes.Compare(p.key, lowerRaw) < 0 {
					continue
				}
				if upper != nil && bytes.Compare(p.key, upperRaw) > 0 {
					return
				}
				var k K
				var v V
				if err := keyCodec.Unmarshal(p.key, &k); err != nil {
					return
				}
				if err := valCodec.Unmarshal(p.val, &v); err != nil {
					return
				}
				if !yield(k, v) {
					return
				}
			}
			e, ok := links.entries[id]
			if !ok || e.Next == nil {
				return
			}
			id = *e.Next
		}
	}
}
