package monsoon

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T, name string) *blockLog {
	dir := t.TempDir()
	bl, _, found, err := openBlockLog(filepath.Join(dir, name), 0, nil)
	require.NoError(t, err)
	require.False(t, found)
	t.Cleanup(func() { bl.Close() })
	return bl
}

func TestBTreeInsertSearchRemove(t *testing.T) {
	t.Run("InsertAndReplace", func(t *testing.T) {
		bl := openTestLog(t, "a.monsoon")
		ids := &idGenerator{}
		header := treeHeader{}

		header, replaced, err := btInsert(bl, header, 4, ids, []byte("k1"), []byte("v1"))
		require.NoError(t, err)
		require.False(t, replaced)
		require.NoError(t, bl.flush())

		header, replaced, err = btInsert(bl, header, 4, ids, []byte("k1"), []byte("v1-updated"))
		require.NoError(t, err)
		require.True(t, replaced)
		require.NoError(t, bl.flush())

		v, found, err := btSearch(bl, header.Root, []byte("k1"))
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, "v1-updated", string(v))
	})

	t.Run("SplitsProduceOrderedScan", func(t *testing.T) {
		bl := openTestLog(t, "b.monsoon")
		ids := &idGenerator{}
		header := treeHeader{}

		const n = 50
		for i := 0; i < n; i++ {
			var err error
			header, _, err = btInsert(bl, header, 4, ids, []byte(fmt.Sprintf("k%03d", i)), []byte(fmt.Sprintf("v%03d", i)))
			require.NoError(t, err)
			require.NoError(t, bl.flush())
		}
		for i := 0; i < n; i++ {
			v, found, err := btSearch(bl, header.Root, []byte(fmt.Sprintf("k%03d", i)))
			require.NoError(t, err)
			require.True(t, found)
			require.Equal(t, fmt.Sprintf("v%03d", i), string(v))
		}

		links, err := bl.getLeafLinks(header.LeafLinks)
		require.NoError(t, err)
		head, ok := links.head()
		require.True(t, ok)

		var gathered []string
		id := head
		for {
			leaf, _, err := bl.getNodeByID(id)
			require.NoError(t, err)
			for _, p := range leaf.pairs {
				gathered = append(gathered, string(p.key))
			}
			e := links.entries[id]
			if e.Next == nil {
				break
			}
			id = *e.Next
		}
		require.Len(t, gathered, n)
		for i := 0; i < n; i++ {
			require.Equal(t, fmt.Sprintf("k%03d", i), gathered[i])
		}
	})

	t.Run("RemoveMissingKeyIsNoop", func(t *testing.T) {
		bl := openTestLog(t, "c.monsoon")
		ids := &idGenerator{}
		header := treeHeader{}
		header, _, err := btInsert(bl, header, 4, ids, []byte("only"), []byte("value"))
		require.NoError(t, err)
		require.NoError(t, bl.flush())

		before := header
		header, val, found, err := btRemove(bl, header, 4, []byte("absent"))
		require.NoError(t, err)
		require.False(t, found)
		require.Nil(t, val)
		require.Equal(t, before, header)
	})

	t.Run("RemoveDrivesMergesAndCollapsesRoot", func(t *testing.T) {
		bl := openTestLog(t, "d.monsoon")
		ids := &idGenerator{}
		header := treeHeader{}

		const n = 40
		for i := 0; i < n; i++ {
			var err error
			header, _, err = btInsert(bl, header, 4, ids, []byte(fmt.Sprintf("k%03d", i)), []byte("v"))
			require.NoError(t, err)
			require.NoError(t, bl.flush())
		}
		for i := 0; i < n; i++ {
			var (
				val   []byte
				found bool
				err   error
			)
			header, val, found, err = btRemove(bl, header, 4, []byte(fmt.Sprintf("k%03d", i)))
			require.NoError(t, err)
			require.True(t, found)
			require.Equal(t, "v", string(val))
			require.NoError(t, bl.flush())
		}
		require.True(t, header.Root.isZero() || mustLeafEmpty(t, bl, header.Root))
	})
}

func mustLeafEmpty(t *testing.T, bl *blockLog, root blockPointer) bool {
	leaf, interior, err := bl.getNode(root)
	require.NoError(t, err)
	require.Nil(t, interior)
	return len(leaf.pairs) == 0
}

func TestIDGenerator(t *testing.T) {
	g := &idGenerator{}
	require.Equal(t, uint64(1), g.mint())
	require.Equal(t, uint64(2), g.mint())
	g.next = 99
	require.Equal(t, uint64(100), g.mint())
}

func TestBlockLogOpenRejectsSecondOwner(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lock.monsoon")
	bl, _, _, err := openBlockLog(path, 0, nil)
	require.NoError(t, err)
	defer bl.Close()

	_, _, _, err = openBlockLog(path, 0, nil)
	require.ErrorIs(t, err, ErrLockBusy)
}

func TestBlockLogRecoversLatestCommit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "recover.monsoon")
	bl, _, found, err := openBlockLog(path, 0, nil)
	require.NoError(t, err)
	require.False(t, found)

	ids := &idGenerator{}
	header, _, err := btInsert(bl, treeHeader{}, 4, ids, []byte("a"), []byte("1"))
	require.NoError(t, err)
	_, err = bl.commit(header)
	require.NoError(t, err)
	header, _, err = btInsert(bl, header, 4, ids, []byte("b"), []byte("2"))
	require.NoError(t, err)
	_, err = bl.commit(header)
	require.NoError(t, err)
	require.NoError(t, bl.Close())

	reopened, recovered, found, err := openBlockLog(path, 0, nil)
	require.NoError(t, err)
	require.True(t, found)
	defer reopened.Close()

	v, found, err := btSearch(reopened, recovered.Root, []byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "1", string(v))
	v, found, err = btSearch(reopened, recovered.Root, []byte("b"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "2", string(v))
}

func TestVacuumPreservesContentAndShrinksGarbage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vac.monsoon")
	bl, _, _, err := openBlockLog(path, 0, nil)
	require.NoError(t, err)

	ids := &idGenerator{}
	header := treeHeader{}
	for i := 0; i < 40; i++ {
		var err error
		header, _, err = btInsert(bl, header, 4, ids, []byte(fmt.Sprintf("k%03d", i)), []byte("garbage-producing-value"))
		require.NoError(t, err)
		_, err = bl.commit(header)
		require.NoError(t, err)
	}
	garbageSize := bl.size()

	dst, _, _, err := openBlockLog(filepath.Join(dir, "tmp.vac.monsoon"), 0, nil)
	require.NoError(t, err)
	newHeader, err := copyTree(bl, dst, header)
	require.NoError(t, err)
	_, err = dst.commit(newHeader)
	require.NoError(t, err)
	compactSize := dst.size()
	require.Less(t, compactSize, garbageSize)

	for i := 0; i < 40; i++ {
		v, found, err := btSearch(dst, newHeader.Root, []byte(fmt.Sprintf("k%03d", i)))
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, "garbage-producing-value", string(v))
	}
	require.NoError(t, dst.Close())
	require.NoError(t, bl.Close())
	require.NoError(t, os.Remove(path))
}
