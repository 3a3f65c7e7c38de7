package ledger

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreMissingFileLoadsDefaults(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "db.json"))

	state, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &State{}, state)
}

func TestFileStoreMalformedFileLoadsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	state, err := NewFileStore(path).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &State{}, state)
}

func TestFileStorePerFieldFallback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.json")
	// balance is negative, earnings is a string, one coin counter is valid.
	record := `{"balance": -5, "earnings": "lots", "coinStats": {"ten": 4}}`
	require.NoError(t, os.WriteFile(path, []byte(record), 0o644))

	state, err := NewFileStore(path).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &State{}, state, "a mistyped field discards the whole record")
}

func TestFileStoreNegativeCountersFallBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.json")
	record := `{"balance": -5, "earnings": 12, "coinStats": {"ten": 4, "one": -1}}`
	require.NoError(t, os.WriteFile(path, []byte(record), 0o644))

	state, err := NewFileStore(path).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), state.Balance)
	assert.Equal(t, int64(12), state.Earnings)
	assert.Equal(t, int64(4), state.CoinStats.Ten)
	assert.Equal(t, int64(0), state.CoinStats.One)
}

func TestFileStoreSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "db.json")
	store := NewFileStore(path)
	ctx := context.Background()

	want := &State{
		Balance:   42,
		Earnings:  107,
		CoinStats: CoinStats{One: 2, Five: 1, Ten: 3, Twenty: 1},
		JobStats:  JobStats{Total: 4, Print: 3, Copy: 1},
	}
	require.NoError(t, store.Save(ctx, want))

	got, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestFileStoreSaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(filepath.Join(dir, "db.json"))
	require.NoError(t, store.Save(context.Background(), &State{Balance: 1}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "db.json", entries[0].Name())
}
