package monsoon

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/nyan233/monsoon/internal/sys"
)

// blockLog is the append-only byte log described in spec.md §4.1: a
// single regular file of fixed-unit blocks, an exclusive advisory lock,
// an in-memory write queue flushed and fsynced on commit, and a
// per-session leaf-id cache consulted by getNodeByID.
type blockLog struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	locked   bool
	frontier uint64 // next write offset; also "end of file" for reads
	qStart   uint64 // offset the current queue begins at
	queue    [][]byte
	cache    *sessionCache
	log      *slog.Logger

	cacheHit  atomic.Uint64
	cacheMiss atomic.Uint64
}

// openBlockLog opens path for read+append, acquiring the exclusive
// advisory lock spec.md §4.1 requires. It reports the most recent commit
// header found by the backward scan (§4.1 "Recovery / latest-commit
// discovery"), or found=false for a fresh database.
func openBlockLog(path string, cacheSize int, log *slog.Logger) (bl *blockLog, header treeHeader, found bool, err error) {
	if log == nil {
		log = slog.Default()
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, treeHeader{}, false, fmt.Errorf("monsoon: open %s: %w", path, err)
	}
	ok, err := sys.TryLockExclusive(f)
	if err != nil {
		f.Close()
		return nil, treeHeader{}, false, fmt.Errorf("monsoon: lock %s: %w", path, err)
	}
	if !ok {
		f.Close()
		return nil, treeHeader{}, false, ErrLockBusy
	}
	stat, err := f.Stat()
	if err != nil {
		sys.Unlock(f)
		f.Close()
		return nil, treeHeader{}, false, fmt.Errorf("monsoon: stat %s: %w", path, err)
	}
	bl = &blockLog{
		path:     path,
		file:     f,
		locked:   true,
		frontier: uint64(stat.Size()),
		qStart:   uint64(stat.Size()),
		cache:    newSessionCache(cacheSize),
		log:      log,
	}
	header, found, err = bl.scanLatestCommit()
	if err != nil {
		bl.Close()
		return nil, treeHeader{}, false, err
	}
	log.Info("monsoon: opened log", "path", path, "size", bl.frontier, "commitFound", found)
	return bl, header, found, nil
}

// scanLatestCommit implements spec.md §4.1's backward commit scan: the
// fixed-unit block immediately before end-of-file, stepping back one unit
// at a time until a well-formed commit block is found or offset 0 is
// reached (fresh database).
func (bl *blockLog) scanLatestCommit() (treeHeader, bool, error) {
	pos := bl.frontier
	for pos >= unit {
		pos -= unit
		buf := make([]byte, unit)
		if _, err := bl.file.ReadAt(buf, int64(pos)); err != nil {
			return treeHeader{}, false, fmt.Errorf("monsoon: commit scan read at %d: %w", pos, ErrIO)
		}
		magic, ok := blockMagic(buf)
		if !ok || magic != magicCommit {
			continue
		}
		h, err := decodeCommitBlock(buf)
		if err != nil {
			// Well-formed node/leaf-links block tail, or garbage from a
			// crash between flush and commit; keep stepping back.
			continue
		}
		return h, true, nil
	}
	return treeHeader{}, false, nil
}

func (bl *blockLog) putNode(leafID uint64, payload []byte) blockPointer {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	ptr := bl.enqueueLocked(encodeNodeBlock(leafID, payload))
	if leafID != 0 {
		bl.cache.put(leafID, ptr)
	}
	return ptr
}

func (bl *blockLog) putLeafLinks(payload []byte) blockPointer {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	return bl.enqueueLocked(encodeLeafLinksBlock(payload))
}

func (bl *blockLog) putMetadata(payload []byte) blockPointer {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	return bl.enqueueLocked(encodeMetadataBlock(payload))
}

func (bl *blockLog) enqueueLocked(block []byte) blockPointer {
	if len(bl.queue) == 0 {
		bl.qStart = bl.frontier
	}
	ptr := blockPointer{Offset: uint32(bl.frontier), Length: uint32(len(block))}
	bl.queue = append(bl.queue, block)
	bl.frontier += uint64(len(block))
	return ptr
}

// flush writes every queued block contiguously at the position recorded
// when the first block was enqueued, per spec.md §4.1. It does not fsync;
// commit() does that after also appending the commit block.
func (bl *blockLog) flush() error {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	return bl.flushLocked()
}

func (bl *blockLog) flushLocked() error {
	if len(bl.queue) == 0 {
		return nil
	}
	total := 0
	for _, b := range bl.queue {
		total += len(b)
	}
	buf := make([]byte, 0, total)
	for _, b := range bl.queue {
		buf = append(buf, b...)
	}
	n, err := bl.file.WriteAt(buf, int64(bl.qStart))
	if err != nil {
		return fmt.Errorf("monsoon: flush write: %w", ErrIO)
	}
	if n != len(buf) {
		return ErrWrongWritePosition
	}
	bl.queue = nil
	return nil
}

// commit appends a commit block naming header, flushes the queue, and
// fsyncs. Only once fsync returns is the snapshot durable (spec.md §4.1,
// §5 "Commit is the linearization point").
func (bl *blockLog) commit(header treeHeader) (blockPointer, error) {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	ptr := bl.enqueueLocked(encodeCommitBlock(header))
	if err := bl.flushLocked(); err != nil {
		return blockPointer{}, err
	}
	if err := bl.file.Sync(); err != nil {
		return blockPointer{}, fmt.Errorf("monsoon: fsync: %w", ErrIO)
	}
	return ptr, nil
}

func (bl *blockLog) readAt(ptr blockPointer) ([]byte, error) {
	buf := make([]byte, ptr.Length)
	if _, err := bl.file.ReadAt(buf, int64(ptr.Offset)); err != nil {
		return nil, fmt.Errorf("monsoon: read at %d: %w", ptr.Offset, ErrIO)
	}
	return buf, nil
}

func (bl *blockLog) getNode(ptr blockPointer) (*leafNode, *interiorNode, error) {
	raw, err := bl.readAt(ptr)
	if err != nil {
		return nil, nil, err
	}
	leafID, payload, err := decodeNodeBlock(raw)
	if err != nil {
		return nil, nil, err
	}
	return decodeNodePayload(leafID, payload)
}

func (bl *blockLog) getLeafLinks(ptr blockPointer) (*leafLinks, error) {
	raw, err := bl.readAt(ptr)
	if err != nil {
		return nil, err
	}
	payload, err := decodeLeafLinksBlock(raw)
	if err != nil {
		return nil, err
	}
	return decodeLeafLinksPayload(payload)
}

func (bl *blockLog) getMetadata(ptr blockPointer) ([]MetaPair, error) {
	if ptr.isZero() {
		return nil, nil
	}
	raw, err := bl.readAt(ptr)
	if err != nil {
		return nil, err
	}
	payload, err := decodeMetadataBlock(raw)
	if err != nil {
		return nil, err
	}
	return decodeMetadataPayload(payload)
}

// frontierSnapshot reports the current write frontier under the same
// mutex a commit advances it with, so a caller that also captured a
// header under gate.mu (nesting bl.mu the same way commit does) gets a
// frontier that is exactly "everything visible in that header, nothing
// committed after it".
func (bl *blockLog) frontierSnapshot() uint64 {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	return bl.frontier
}

// readNodeBlockFull returns the complete node block starting at pos, given
// the first unit already read into head. Node blocks are padded up to a
// whole number of units (spec.md §4.1), so a leaf whose encoded payload
// exceeds roughly one unit spans more than head; this re-reads the full
// padded length before decoding so such leaves are never mistaken for a
// decode failure and skipped over by a backward scan.
func (bl *blockLog) readNodeBlockFull(pos uint64, head []byte) ([]byte, error) {
	n, ok := peekNodeBlockLen(head)
	if !ok {
		return nil, fmt.Errorf("monsoon: not a node block at %d: %w", pos, ErrDecode)
	}
	total := padUp(nodeHeaderSize + n)
	if total <= len(head) {
		return head, nil
	}
	buf := make([]byte, total)
	if _, err := bl.file.ReadAt(buf, int64(pos)); err != nil {
		return nil, fmt.Errorf("monsoon: leaf scan read at %d: %w", pos, ErrIO)
	}
	return buf, nil
}

// getNodeByID addresses a leaf by its stable id against the live frontier,
// with no snapshot bound; range scans use getNodeByIDAsOf instead. It
// first consults the session cache; on
// miss it scans backwards a node-unit at a time, exactly as spec.md
// describes, accepting the small false-positive risk design note §9.3
// flags (mitigated here by requiring the candidate block to fully decode).
func (bl *blockLog) getNodeByID(id uint64) (*leafNode, blockPointer, error) {
	bl.mu.Lock()
	if ptr, ok := bl.cache.get(id); ok {
		bl.mu.Unlock()
		n, _, err := bl.getNode(ptr)
		if err == nil && n != nil && n.id == id {
			bl.cacheHit.Add(1)
			return n, ptr, nil
		}
		// Cache entry stale (leaf id reused in a later version at a new
		// offset); fall through to the backward scan.
		bl.mu.Lock()
	}
	bl.cacheMiss.Add(1)
	frontier := bl.frontier
	bl.mu.Unlock()

	pos := frontier
	for pos >= unit {
		pos -= unit
		head := make([]byte, unit)
		if _, err := bl.file.ReadAt(head, int64(pos)); err != nil {
			return nil, blockPointer{}, fmt.Errorf("monsoon: leaf scan read at %d: %w", pos, ErrIO)
		}
		magic, ok := blockMagic(head)
		if !ok || magic != magicNode {
			continue
		}
		full, err := bl.readNodeBlockFull(pos, head)
		if err != nil {
			continue
		}
		candLeafID, payload, err := decodeNodeBlock(full)
		if err != nil || candLeafID != id {
			continue
		}
		n, _, err := decodeNodePayload(candLeafID, payload)
		if err != nil || n == nil {
			continue
		}
		ptr := blockPointer{Offset: uint32(pos), Length: uint32(len(full))}
		bl.mu.Lock()
		bl.cache.put(id, ptr)
		bl.mu.Unlock()
		return n, ptr, nil
	}
	return nil, blockPointer{}, fmt.Errorf("monsoon: leaf id %d not found: %w", id, ErrDecode)
}

// getNodeByIDAsOf resolves id to the version that was current at asOf, a
// frontier captured alongside a header by gate.snapshotForScan. It never
// consults the session cache, which only ever holds the *latest* offset for
// an id (invariant 4 lets content mutations and merges reuse leaf ids at
// new offsets) and so cannot be trusted for a snapshot read: a commit after
// the snapshot that rewrites a scanned id would leak into the cache and
// break scan isolation (spec.md §8 property 5). Scanning backward from asOf
// instead of the live frontier guarantees every block considered predates
// the snapshot, so the first match walking backward is exactly the version
// visible under the captured header.
func (bl *blockLog) getNodeByIDAsOf(id uint64, asOf uint64) (*leafNode, blockPointer, error) {
	bl.cacheMiss.Add(1)
	pos := asOf
	for pos >= unit {
		pos -= unit
		head := make([]byte, unit)
		if _, err := bl.file.ReadAt(head, int64(pos)); err != nil {
			return nil, blockPointer{}, fmt.Errorf("monsoon: leaf scan read at %d: %w", pos, ErrIO)
		}
		magic, ok := blockMagic(head)
		if !ok || magic != magicNode {
			continue
		}
		full, err := bl.readNodeBlockFull(pos, head)
		if err != nil {
			continue
		}
		candLeafID, payload, err := decodeNodeBlock(full)
		if err != nil || candLeafID != id {
			continue
		}
		n, _, err := decodeNodePayload(candLeafID, payload)
		if err != nil || n == nil {
			continue
		}
		return n, blockPointer{Offset: uint32(pos), Length: uint32(len(full))}, nil
	}
	return nil, blockPointer{}, fmt.Errorf("monsoon: leaf id %d not found as of offset %d: %w", id, asOf, ErrDecode)
}

// moveBlockLog is the atomic publication step for vacuum (spec.md §4.1, §4.4): dst
// is renamed over src's path, dst's handle keeps its lock and becomes the
// engine's primary log, and src's handle is released.
func moveBlockLog(src, dst *blockLog) (*blockLog, error) {
	src.mu.Lock()
	dst.mu.Lock()
	defer dst.mu.Unlock()
	defer src.mu.Unlock()
	if err := os.Rename(dst.path, src.path); err != nil {
		return nil, fmt.Errorf("monsoon: vacuum rename %s -> %s: %w", dst.path, src.path, ErrIO)
	}
	dst.path = src.path
	if src.locked {
		sys.Unlock(src.file)
		src.locked = false
	}
	src.file.Close()
	return dst, nil
}

func (bl *blockLog) Close() error {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	if bl.file == nil {
		return nil
	}
	if bl.locked {
		sys.Unlock(bl.file)
		bl.locked = false
	}
	err := bl.file.Close()
	bl.file = nil
	return err
}

func (bl *blockLog) size() uint64 {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	return bl.frontier
}
