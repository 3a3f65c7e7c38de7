package admin

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "admin.db"), discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpenSeedsDefaultSettings(t *testing.T) {
	store := openTestStore(t)
	assert.Equal(t, DefaultSettings(), store.Settings())
}

func TestUpdateSettingsPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "admin.db")
	ctx := context.Background()

	store, err := Open(ctx, path, discardLogger())
	require.NoError(t, err)

	want := Settings{
		Pricing:            Pricing{PrintPerPage: 8, CopyPerPage: 4, ColorSurcharge: 3},
		IdleTimeoutSeconds: 300,
		AdminPin:           "98765",
		AdminLocalOnly:     false,
	}
	require.NoError(t, store.UpdateSettings(ctx, want))
	assert.Equal(t, want, store.Settings())
	require.NoError(t, store.Close())

	reopened, err := Open(ctx, path, discardLogger())
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, want, reopened.Settings())
}

func TestAppendAndLogs(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	store.Append(ctx, "session_created", "Upload session created.", map[string]interface{}{
		"sessionId": "ses_1",
	})
	store.Append(ctx, "payment_confirmed", "Payment confirmed.", map[string]interface{}{
		"amount": 7,
	})

	entries, err := store.Logs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// Newest first.
	assert.Equal(t, "payment_confirmed", entries[0].Type)
	assert.Equal(t, float64(7), entries[0].Meta["amount"])
	assert.Equal(t, "session_created", entries[1].Type)
	assert.Equal(t, "ses_1", entries[1].Meta["sessionId"])
	assert.False(t, entries[0].Timestamp.IsZero())
}

func TestLogsLimitIsClamped(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	store.Append(ctx, "a", "one", nil)
	store.Append(ctx, "b", "two", nil)

	entries, err := store.Logs(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestEarningsSince(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	store.Append(ctx, "payment_confirmed", "Payment confirmed.", map[string]interface{}{"amount": 7})
	store.Append(ctx, "payment_confirmed", "Payment confirmed.", map[string]interface{}{"amount": 5})
	store.Append(ctx, "balance_reset", "Balance reset.", map[string]interface{}{"amount": 99})

	total, err := store.EarningsSince(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, float64(12), total)

	total, err = store.EarningsSince(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, float64(0), total)
}
