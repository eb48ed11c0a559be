package syncengine

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseLedgerBackend(t *testing.T, backend LedgerBackend) {
	t.Helper()
	l, err := NewLedger(backend)
	require.NoError(t, err)
	assert.Empty(t, l.Snapshot())

	require.NoError(t, l.Record("ND3EA4-CASTLEVANIA", "1-a", []byte{1, 2}))
	require.NoError(t, l.Record("ND3EA4-DRACULA", "2-b", []byte{3}))
	require.NoError(t, l.Forget("ND3EA4-DRACULA"))
	require.NoError(t, l.Forget("missing"))

	reopened, err := NewLedger(backend)
	require.NoError(t, err)
	snap := reopened.Snapshot()
	require.Len(t, snap, 1)
	e := snap["ND3EA4-CASTLEVANIA"]
	assert.Equal(t, "1-a", e.Revision)
	assert.Equal(t, HashPayload([]byte{1, 2}), e.Hash)
	assert.Equal(t, []byte{1, 2}, e.Payload)
}

func TestInMemoryLedger(t *testing.T) {
	exerciseLedgerBackend(t, NewInMemoryLedgerBackend())
}

func TestJSONFileLedger(t *testing.T) {
	exerciseLedgerBackend(t, NewJSONFileLedgerBackend(filepath.Join(t.TempDir(), "nested", "ledger.json")))
}

func TestBoltLedger(t *testing.T) {
	backend, err := NewBoltLedgerBackend(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	exerciseLedgerBackend(t, backend)
}

func TestLedgerSnapshotIsACopy(t *testing.T) {
	l, err := NewLedger(nil)
	require.NoError(t, err)
	require.NoError(t, l.Record("a", "1-a", []byte{1}))
	snap := l.Snapshot()
	snap["a"].Payload[0] = 9
	delete(snap, "a")
	e, ok := l.Get("a")
	require.True(t, ok)
	assert.Equal(t, []byte{1}, e.Payload)
}

func TestBuildLedgerBackendFromDSN(t *testing.T) {
	dir := t.TempDir()

	b, err := BuildLedgerBackendFromDSN("")
	require.NoError(t, err)
	assert.IsType(t, &InMemoryLedgerBackend{}, b)

	b, err = BuildLedgerBackendFromDSN(filepath.Join(dir, "plain.json"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "plain.json"), b.(*JSONFileLedgerBackend).Path)

	b, err = BuildLedgerBackendFromDSN("file://" + filepath.Join(dir, "f.json"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "f.json"), b.(*JSONFileLedgerBackend).Path)

	b, err = BuildLedgerBackendFromDSN("bolt://" + filepath.Join(dir, "l.db"))
	require.NoError(t, err)
	require.IsType(t, &BoltLedgerBackend{}, b)
	require.NoError(t, b.(*BoltLedgerBackend).Close())

	b, err = BuildLedgerBackendFromDSN("postgres://u:p@localhost/paksync?sslmode=disable&ledger=castle")
	require.NoError(t, err)
	pg := b.(*PostgresLedgerBackend)
	assert.Equal(t, "castle", pg.ledgerKey)
	assert.NotContains(t, pg.dsn, "ledger=")

	for _, dsn := range []string{"mysql://h/db", "sqlite:///tmp/l.db"} {
		_, err = BuildLedgerBackendFromDSN(dsn)
		assert.ErrorIs(t, err, ErrNotImplemented)
	}
	_, err = BuildLedgerBackendFromDSN("gopher://x")
	assert.Error(t, err)

	custom := NewInMemoryLedgerBackend()
	RegisterLedgerBackendFactory("test-ledger", func(string) (LedgerBackend, error) { return custom, nil })
	b, err = BuildLedgerBackendFromDSN("test-ledger://x")
	require.NoError(t, err)
	assert.Same(t, custom, b)
}
