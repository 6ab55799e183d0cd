package monsoon

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// CallerID is the opaque caller token spec.md §6 describes: the
// dispatcher's notion of "who is asking", used only for transaction
// gating and never interpreted by the engine.
type CallerID string

// gate is the single-writer MVCC transaction gate of spec.md §4.4: one
// mutable "current" header readers see, an optional in-flight "tx" header
// visible only to its holder, and the per-commit generation counter that
// triggers vacuum. Every exported method takes the gate's mutex, which is
// the mutex-serialized rendering of the "single actor" the teacher's
// tx.go txMgr generalizes to (see DESIGN.md).
type gate struct {
	mu sync.Mutex

	log      *blockLog
	rootDir  string
	dbName   string
	capacity int
	ids      *idGenerator
	logger   *slog.Logger

	current treeHeader

	hasTx    bool
	txHolder CallerID
	txHeader treeHeader
	txToken  uint64
	txStop   chan struct{}

	gen       uint64
	genLimit  uint64
	scanCount atomic.Int32
	txSeq     uint64

	commitCount atomic.Uint64
	vacuumCount atomic.Uint64

	cacheSize int
}

func newGate(log *blockLog, header treeHeader, rootDir, dbName string, capacity int, genLimit uint64, cacheSize int, logger *slog.Logger) *gate {
	if logger == nil {
		logger = slog.Default()
	}
	g := &gate{
		log:       log,
		rootDir:   rootDir,
		dbName:    dbName,
		capacity:  capacity,
		logger:    logger,
		current:   header,
		genLimit:  genLimit,
		cacheSize: cacheSize,
	}
	g.ids = &idGenerator{}
	return g
}

// bootstrapIDs scans the current leaf-links block (if any) so freshly
// minted leaf ids never collide with a leaf id live in the current tree.
// Ids retired by earlier merges are not tracked and may be minted again.
func (g *gate) bootstrapIDs() error {
	if g.current.LeafLinks.isZero() {
		return nil
	}
	links, err := g.log.getLeafLinks(g.current.LeafLinks)
	if err != nil {
		return err
	}
	for id := range links.entries {
		if id > g.ids.next {
			g.ids.next = id
		}
	}
	return nil
}

// headerFor returns the header a read from caller should see: its own
// in-flight transaction header if it holds one, otherwise current.
func (g *gate) headerFor(caller CallerID) treeHeader {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.hasTx && g.txHolder == caller {
		return g.txHeader
	}
	return g.current
}

// snapshotForScan captures current, and the write frontier as of that same
// instant, for a range scan; it marks the scan active, deferring vacuum
// until it finishes (Open Question §9.2, resolved here in favor of "defer
// vacuum while any scan is open" — see DESIGN.md). The frontier lets the
// scan resolve leaf content by backward-scanning from a fixed point instead
// of the live end of file, so commits after the snapshot never leak in.
func (g *gate) snapshotForScan() (treeHeader, uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.scanCount.Add(1)
	return g.current, g.log.frontierSnapshot()
}

func (g *gate) endScan() { g.scanCount.Add(-1) }

// mutate is the shared implementation behind Put and Remove (spec.md §6
// operations table): apply fn to whichever header this caller should
// mutate, per the state machine in spec.md §4.4.
func (g *gate) mutate(caller CallerID, fn func(treeHeader) (treeHeader, error)) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.hasTx {
		if g.txHolder != caller {
			return ErrNotTxProc
		}
		newHeader, err := fn(g.txHeader)
		if err != nil {
			return err
		}
		g.txHeader = newHeader
		// Not committed yet, but every read path resolves pointers against
		// the file, not the queue: flush (no fsync, no commit block) so the
		// holder's own reads and further writes in the same transaction see
		// what they just wrote (spec.md §5 "visible to the holder
		// immediately").
		return g.log.flush()
	}

	newHeader, err := fn(g.current)
	if err != nil {
		return err
	}
	if _, err := g.log.commit(newHeader); err != nil {
		return err
	}
	g.current = newHeader
	g.gen++
	g.commitCount.Add(1)
	g.maybeVacuumLocked()
	return nil
}

// maybeVacuumLocked runs vacuum.go's Copy kernel when the generation
// counter has exceeded gen_limit, no transaction is open (guaranteed by
// every call site), and no scan is in flight. It must be called with g.mu
// held; vacuum blocking other writers is the intended behavior (spec.md
// §4.4: "blocks other writers until it finishes").
func (g *gate) maybeVacuumLocked() {
	if g.gen <= g.genLimit || g.hasTx {
		return
	}
	if g.scanCount.Load() > 0 {
		g.logger.Warn("monsoon: vacuum deferred, scan in progress", "gen", g.gen)
		return
	}
	newLog, newHeader, err := runVacuum(g.log, g.current, g.rootDir, g.dbName, g.cacheSize, g.logger)
	if err != nil {
		g.logger.Error("monsoon: vacuum failed", "err", err)
		return
	}
	g.log = newLog
	g.current = newHeader
	g.gen = 0
	g.vacuumCount.Add(1)
	g.logger.Info("monsoon: vacuum complete", "size", newLog.size())
}

func (g *gate) startTransaction(ctx context.Context, caller CallerID) error {
	g.mu.Lock()
	if g.hasTx {
		holder := g.txHolder
		g.mu.Unlock()
		if holder == caller {
			return ErrTxAlreadyStarted
		}
		return ErrTxOccupied
	}
	g.txSeq++
	token := g.txSeq
	stop := make(chan struct{})
	g.hasTx = true
	g.txHolder = caller
	g.txHeader = g.current
	g.txToken = token
	g.txStop = stop
	g.mu.Unlock()

	// token pins this goroutine to the transaction it opened, not just to
	// caller: without it, a stale watcher from an already-ended transaction
	// would see the same caller's later, unrelated transaction and discard
	// it once the old ctx fires. stop is closed by a normal end/cancel so
	// the watcher exits immediately instead of leaking until ctx fires.
	go func() {
		select {
		case <-ctx.Done():
			g.mu.Lock()
			if g.hasTx && g.txHolder == caller && g.txToken == token {
				g.logger.Info("monsoon: caller liveness lost, cancelling transaction", "caller", caller)
				g.hasTx = false
				g.txHeader = treeHeader{}
			}
			g.mu.Unlock()
		case <-stop:
		}
	}()
	return nil
}

func (g *gate) endTransaction(caller CallerID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.hasTx || g.txHolder != caller {
		return ErrNotTxProc
	}
	if _, err := g.log.commit(g.txHeader); err != nil {
		return err
	}
	g.current = g.txHeader
	g.hasTx = false
	g.txHeader = treeHeader{}
	close(g.txStop)
	g.gen++
	g.commitCount.Add(1)
	g.maybeVacuumLocked()
	return nil
}

func (g *gate) cancelTransaction(caller CallerID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.hasTx || g.txHolder != caller {
		return ErrNotTxProc
	}
	g.hasTx = false
	g.txHeader = treeHeader{}
	close(g.txStop)
	return nil
}
