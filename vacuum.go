package monsoon

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// copyTree is the vacuum kernel described by spec.md §4.3 "Copy": walk the
// live subgraph reachable from header in src, in post-order, re-appending
// every node into dst and rewriting child pointers as new ones are
// assigned. Leaf ids are preserved; block offsets are not.
func copyTree(src, dst *blockLog, header treeHeader) (treeHeader, error) {
	if header.Root.isZero() {
		return treeHeader{}, nil
	}

	var copyNode func(ptr blockPointer) (blockPointer, error)
	copyNode = func(ptr blockPointer) (blockPointer, error) {
		leaf, interior, err := src.getNode(ptr)
		if err != nil {
			return blockPointer{}, err
		}
		if leaf != nil {
			return dst.putNode(leaf.id, encodeLeafPayload(leaf)), nil
		}
		newChildren := make([]blockPointer, len(interior.children))
		for i, c := range interior.children {
			np, err := copyNode(c)
			if err != nil {
				return blockPointer{}, err
			}
			newChildren[i] = np
		}
		newInterior := &interiorNode{capacity: interior.capacity, separators: interior.separators, children: newChildren}
		return dst.putNode(0, encodeInteriorPayload(newInterior)), nil
	}

	newRoot, err := copyNode(header.Root)
	if err != nil {
		return treeHeader{}, err
	}

	var newLinks blockPointer
	if !header.LeafLinks.isZero() {
		links, err := src.getLeafLinks(header.LeafLinks)
		if err != nil {
			return treeHeader{}, err
		}
		newLinks = dst.putLeafLinks(encodeLeafLinksPayload(links))
	}

	var newMeta blockPointer
	if !header.Metadata.isZero() {
		pairs, err := src.getMetadata(header.Metadata)
		if err != nil {
			return treeHeader{}, err
		}
		newMeta = dst.putMetadata(encodeMetadataPayload(pairs))
	}

	return treeHeader{Root: newRoot, LeafLinks: newLinks, Metadata: newMeta}, nil
}

// runVacuum implements spec.md §4.4: open a fresh temporary log, copy the
// live snapshot into it, commit, and atomically swap it over the primary
// path. It returns the log handle and header the gate should adopt.
func runVacuum(src *blockLog, header treeHeader, rootDir, dbName string, cacheSize int, log *slog.Logger) (*blockLog, treeHeader, error) {
	tmpPath := filepath.Join(rootDir, "tmp."+dbName)
	os.Remove(tmpPath)
	dst, _, _, err := openBlockLog(tmpPath, cacheSize, log)
	if err != nil {
		return nil, treeHeader{}, fmt.Errorf("monsoon: vacuum open temp log: %w", err)
	}

	newHeader, err := copyTree(src, dst, header)
	if err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return nil, treeHeader{}, err
	}
	if _, err := dst.commit(newHeader); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return nil, treeHeader{}, err
	}

	log.Info("monsoon: vacuum copied live set", "srcSize", src.size(), "dstSize", dst.size())
	moved, err := moveBlockLog(src, dst)
	if err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return nil, treeHeader{}, err
	}
	return moved, newHeader, nil
}
