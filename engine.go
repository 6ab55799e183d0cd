package monsoon

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
)

// Config generalizes the teacher's bptree_disk.go Config stub
// (RootDir, Name, MaxPageCacheSize, Logger, Comparator) to the append-only
// engine: Capacity bounds tree fan-out, GenLimit is the commit-generation
// threshold that triggers vacuum (spec.md §4.4). SessionCacheSize is passed
// to the per-session leaf cache (spec.md §4.1), which does not use it: the
// cache keeps every entry and never evicts.
type Config struct {
	RootDir          string
	Name             string
	Capacity         int
	GenLimit         uint64
	SessionCacheSize int
	Logger           *slog.Logger
}

func (c *Config) setDefaults() {
	if c.Name == "" {
		c.Name = "db.monsoon"
	}
	if c.Capacity < 4 {
		c.Capacity = 4
	}
	if c.GenLimit == 0 {
		c.GenLimit = 1000
	}
	if c.SessionCacheSize <= 0 {
		c.SessionCacheSize = 4096
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Engine is Monsoon's embedded key-value store: an append-only block log,
// a copy-on-write B+tree over it, and a single-writer transaction gate,
// addressed through typed keys and values via Codec[K] / Codec[V].
type Engine[K any, V any] struct {
	gate     *gate
	keyCodec Codec[K]
	valCodec Codec[V]
	logger   *slog.Logger
}

// Open opens or creates the database file named by cfg, recovering the
// latest commit via the block log's backward scan (spec.md §4.1).
func Open[K any, V any](cfg Config, keyCodec Codec[K], valCodec Codec[V]) (*Engine[K, V], error) {
	cfg.setDefaults()
	if cfg.RootDir == "" {
		return nil, fmt.Errorf("monsoon: Config.RootDir is required")
	}
	if err := os.MkdirAll(cfg.RootDir, 0755); err != nil {
		return nil, fmt.Errorf("monsoon: mkdir %s: %w", cfg.RootDir, err)
	}

	path := filepath.Join(cfg.RootDir, cfg.Name)
	bl, header, _, err := openBlockLog(path, cfg.SessionCacheSize, cfg.Logger)
	if err != nil {
		return nil, err
	}

	g := newGate(bl, header, cfg.RootDir, cfg.Name, cfg.Capacity, cfg.GenLimit, cfg.SessionCacheSize, cfg.Logger)
	if err := g.bootstrapIDs(); err != nil {
		bl.Close()
		return nil, err
	}

	return &Engine[K, V]{gate: g, keyCodec: keyCodec, valCodec: valCodec, logger: cfg.Logger}, nil
}

// Put inserts or replaces key's value (spec.md §6 "put").
func (e *Engine[K, V]) Put(caller CallerID, key K, value V) error {
	kb, err := e.keyCodec.Marshal(&key)
	if err != nil {
		return fmt.Errorf("monsoon: encode key: %w", err)
	}
	vb, err := e.valCodec.Marshal(&value)
	if err != nil {
		return fmt.Errorf("monsoon: encode value: %w", err)
	}
	return e.gate.mutate(caller, func(h treeHeader) (treeHeader, error) {
		newHeader, _, err := btInsert(e.gate.log, h, e.gate.capacity, e.gate.ids, kb, vb)
		return newHeader, err
	})
}

// Remove deletes key if present (spec.md §6 "remove"); a missing key is a
// no-op that still returns nil.
func (e *Engine[K, V]) Remove(caller CallerID, key K) error {
	kb, err := e.keyCodec.Marshal(&key)
	if err != nil {
		return fmt.Errorf("monsoon: encode key: %w", err)
	}
	return e.gate.mutate(caller, func(h treeHeader) (treeHeader, error) {
		newHeader, _, _, err := btRemove(e.gate.log, h, e.gate.capacity, kb)
		return newHeader, err
	})
}

// Get looks up key under the header caller should currently see: its own
// in-flight transaction if it holds one, else current (spec.md §6 "get").
func (e *Engine[K, V]) Get(caller CallerID, key K) (value V, found bool, err error) {
	var zero V
	kb, err := e.keyCodec.Marshal(&key)
	if err != nil {
		return zero, false, fmt.Errorf("monsoon: encode key: %w", err)
	}
	h := e.gate.headerFor(caller)
	raw, found, err := btSearch(e.gate.log, h.Root, kb)
	if err != nil || !found {
		return zero, found, err
	}
	var v V
	if err := e.valCodec.Unmarshal(raw, &v); err != nil {
		return zero, false, fmt.Errorf("monsoon: decode value: %w", err)
	}
	return v, true, nil
}

// Select returns a lazily produced, ascending, snapshot-isolated sequence
// over [lower, upper] (either bound nil means open on that side), per
// spec.md §4.3 "Range scan". The snapshot is captured once, on the first
// pull, and is unaffected by writes that commit afterward.
func (e *Engine[K, V]) Select(lower, upper *K) iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		header, asOf := e.gate.snapshotForScan()
		defer e.gate.endScan()
		scanRange(e.gate.log, header, asOf, e.keyCodec, e.valCodec, lower, upper)(yield)
	}
}

// PutMetadata replaces the opaque metadata list (spec.md §6
// "put_metadata"), subject to the same transaction gating as Put.
func (e *Engine[K, V]) PutMetadata(caller CallerID, pairs []MetaPair) error {
	return e.gate.mutate(caller, func(h treeHeader) (treeHeader, error) {
		ptr := e.gate.log.putMetadata(encodeMetadataPayload(pairs))
		return treeHeader{Root: h.Root, LeafLinks: h.LeafLinks, Metadata: ptr}, nil
	})
}

// GetMetadata reads the metadata list under caller's current header.
func (e *Engine[K, V]) GetMetadata(caller CallerID) ([]MetaPair, error) {
	h := e.gate.headerFor(caller)
	return e.gate.log.getMetadata(h.Metadata)
}

// StartTransaction opens a transaction for caller (spec.md §4.4 state
// machine). ctx's cancellation is the caller-liveness signal: if ctx is
// done before EndTransaction/CancelTransaction, the transaction is
// discarded automatically (spec.md §9.1 "process-bound transactions").
func (e *Engine[K, V]) StartTransaction(ctx context.Context, caller CallerID) error {
	return e.gate.startTransaction(ctx, caller)
}

// EndTransaction commits caller's transaction, publishing it as current.
func (e *Engine[K, V]) EndTransaction(caller CallerID) error {
	return e.gate.endTransaction(caller)
}

// CancelTransaction discards caller's transaction; nothing it wrote
// becomes visible to any caller (spec.md §8 "Transaction atomicity").
func (e *Engine[K, V]) CancelTransaction(caller CallerID) error {
	return e.gate.cancelTransaction(caller)
}

// Close releases the block log's file handle and advisory lock.
func (e *Engine[K, V]) Close() error {
	return e.gate.log.Close()
}

// Stat reports a point-in-time snapshot of internal counters.
func (e *Engine[K, V]) Stat() ExportStat {
	e.gate.mu.Lock()
	defer e.gate.mu.Unlock()
	return ExportStat{
		SessionCacheHit:  e.gate.log.cacheHit.Load(),
		SessionCacheMiss: e.gate.log.cacheMiss.Load(),
		CommitCount:      e.gate.commitCount.Load(),
		VacuumCount:      e.gate.vacuumCount.Load(),
		Generation:       e.gate.gen,
		LogSizeBytes:     e.gate.log.size(),
	}
}
