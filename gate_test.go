package monsoon

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestGate(t *testing.T) *gate {
	dir := t.TempDir()
	bl, header, _, err := openBlockLog(filepath.Join(dir, "gate.monsoon"), 0, nil)
	require.NoError(t, err)
	t.Cleanup(func() { bl.Close() })
	return newGate(bl, header, dir, "gate.monsoon", 4, 1000, 0, nil)
}

func (g *gate) putString(key, value string) error {
	return g.mutate(CallerID("test"), func(h treeHeader) (treeHeader, error) {
		newHeader, _, err := btInsert(g.log, h, g.capacity, g.ids, []byte(key), []byte(value))
		return newHeader, err
	})
}

func TestGateMutateWithoutTransaction(t *testing.T) {
	g := newTestGate(t)
	require.NoError(t, g.putString("k", "v1"))
	require.Equal(t, uint64(1), g.commitCount.Load())

	val, found, err := btSearch(g.log, g.current.Root, []byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v1", string(val))
}

func TestGateTransactionOccupancy(t *testing.T) {
	g := newTestGate(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, g.startTransaction(ctx, "a"))
	require.ErrorIs(t, g.startTransaction(context.Background(), "a"), ErrTxAlreadyStarted)
	require.ErrorIs(t, g.startTransaction(context.Background(), "b"), ErrTxOccupied)

	err := g.mutate("b", func(h treeHeader) (treeHeader, error) { return h, nil })
	require.ErrorIs(t, err, ErrNotTxProc)

	require.NoError(t, g.endTransaction("a"))
	require.ErrorIs(t, g.endTransaction("a"), ErrNotTxProc)
}

func TestGateAutoCancelsOnCallerDeath(t *testing.T) {
	g := newTestGate(t)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, g.startTransaction(ctx, "a"))
	cancel()

	require.Eventually(t, func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		return !g.hasTx
	}, time.Second, time.Millisecond)

	// The gate is idle again; a fresh caller can now start a transaction.
	require.NoError(t, g.startTransaction(context.Background(), "b"))
}

func TestGateStaleWatcherDoesNotCancelNewTransaction(t *testing.T) {
	g := newTestGate(t)

	ctxA, cancelA := context.WithCancel(context.Background())
	require.NoError(t, g.startTransaction(ctxA, "a"))
	require.NoError(t, g.endTransaction("a"))

	require.NoError(t, g.startTransaction(context.Background(), "a"))
	require.NoError(t, g.mutate("a", func(h treeHeader) (treeHeader, error) {
		newHeader, _, err := btInsert(g.log, h, g.capacity, g.ids, []byte("k"), []byte("v"))
		return newHeader, err
	}))

	// cancelA's watcher is long done (endTransaction closed its stop
	// channel); firing it now must not touch the second, unrelated
	// transaction the same caller opened afterward.
	cancelA()
	time.Sleep(10 * time.Millisecond)

	g.mu.Lock()
	stillOpen := g.hasTx && g.txHolder == CallerID("a")
	g.mu.Unlock()
	require.True(t, stillOpen)

	require.NoError(t, g.endTransaction("a"))
}

func TestGateVacuumDeferredWhileScanOpen(t *testing.T) {
	g := newTestGate(t)
	g.genLimit = 1

	g.snapshotForScan()
	require.NoError(t, g.putString("k1", "v1"))
	require.NoError(t, g.putString("k2", "v2"))
	require.Greater(t, g.gen, g.genLimit)
	require.Equal(t, uint64(0), g.vacuumCount.Load())

	g.endScan()
	require.NoError(t, g.putString("k3", "v3"))
	require.Equal(t, uint64(1), g.vacuumCount.Load())
	require.Equal(t, uint64(0), g.gen)
}
