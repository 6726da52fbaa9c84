package ledger

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainerrors "custodyd/internal/errors"
	"custodyd/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return NewService(st, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRecordAndQueryInsertionOrder(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for _, units := range []string{"1", "2", "3"} {
		_, err := svc.Record(ctx, "org1", json.RawMessage(`{"units":`+units+`}`))
		require.NoError(t, err)
	}
	_, err := svc.Record(ctx, "org2", json.RawMessage(`{}`))
	require.NoError(t, err)

	entries, total, err := svc.Query(ctx, "org1", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, entries, 3)
	assert.JSONEq(t, `{"units":1}`, string(entries[0].Payload))
	assert.JSONEq(t, `{"units":3}`, string(entries[2].Payload))

	all, total, err := svc.Query(ctx, "", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Len(t, all, 4)
}

func TestQueryPagination(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := svc.Record(ctx, "org1", json.RawMessage(`{}`))
		require.NoError(t, err)
	}

	page, total, err := svc.Query(ctx, "org1", 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, page, 2)
}

func TestRecordRequiresOrg(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Record(context.Background(), "", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, domainerrors.ErrMalformedInput)
}

func TestRecordLifecycle(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	entry, err := svc.RecordLifecycle(ctx, "org1", EntryTypeSiteCreated, "site_a")
	require.NoError(t, err)
	assert.Equal(t, EntryTypeSiteCreated, entry.EntryType)
	assert.Equal(t, "site_a", entry.SiteID)
	assert.Empty(t, entry.Payload)
}
