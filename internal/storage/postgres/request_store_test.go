package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/crawlkit/crawlkit/internal/crawler"
	"github.com/crawlkit/crawlkit/internal/storage"
)

func newMockStore(t *testing.T) (pgxmock.PgxPoolIface, *RequestStore) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewRequestStoreWithPool(mock, "news", "client-1")
	require.NoError(t, err)
	return mock, store
}

func TestNewRequestStoreWithPoolValidation(t *testing.T) {
	t.Parallel()

	_, err := NewRequestStoreWithPool(nil, "news", "client-1")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewRequestStoreWithPool(mock, "", "client-1")
	require.Error(t, err)
}

func TestAddRequestInsertsRow(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	req, err := crawler.NewRequest(crawler.RequestOptions{URL: "https://example.com/a"})
	require.NoError(t, err)
	id := crawler.UniqueKeyToRequestID(req.UniqueKey)

	mock.ExpectExec("INSERT INTO frontier_requests").
		WithArgs("news", id, req.UniqueKey, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO frontier_queues").
		WithArgs("news", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	info, err := store.AddRequest(context.Background(), req, false)
	require.NoError(t, err)
	require.False(t, info.WasAlreadyPresent)
	require.Equal(t, id, info.RequestID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddRequestReportsExistingRow(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	req, err := crawler.NewRequest(crawler.RequestOptions{URL: "https://example.com/a"})
	require.NoError(t, err)

	handledAt := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec("INSERT INTO frontier_requests").
		WithArgs("news", pgxmock.AnyArg(), req.UniqueKey, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery("SELECT id, handled_at FROM frontier_requests").
		WithArgs("news", req.UniqueKey).
		WillReturnRows(pgxmock.NewRows([]string{"id", "handled_at"}).AddRow("existing-id", &handledAt))

	info, err := store.AddRequest(context.Background(), req, false)
	require.NoError(t, err)
	require.True(t, info.WasAlreadyPresent)
	require.True(t, info.WasAlreadyHandled)
	require.Equal(t, "existing-id", info.RequestID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRequestDecodesStoredData(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	stored := &crawler.Request{
		ID:        "req-1",
		URL:       "https://example.com/a",
		UniqueKey: "https://example.com/a",
	}
	data, err := json.Marshal(stored)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT data FROM frontier_requests").
		WithArgs("news", "req-1").
		WillReturnRows(pgxmock.NewRows([]string{"data"}).AddRow(data))

	got, err := store.GetRequest(context.Background(), "req-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, stored.URL, got.URL)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRequestUnknownIDReturnsNil(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	mock.ExpectQuery("SELECT data FROM frontier_requests").
		WithArgs("news", "ghost").
		WillReturnError(pgx.ErrNoRows)

	got, err := store.GetRequest(context.Background(), "ghost")
	require.NoError(t, err)
	require.Nil(t, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRequestMarksHandled(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	req := &crawler.Request{
		ID:        "req-1",
		URL:       "https://example.com/a",
		UniqueKey: "https://example.com/a",
		HandledAt: &now,
	}

	mock.ExpectQuery("SELECT handled_at FROM frontier_requests").
		WithArgs("news", "req-1").
		WillReturnRows(pgxmock.NewRows([]string{"handled_at"}).AddRow(nil))
	mock.ExpectExec("UPDATE frontier_requests").
		WithArgs("news", "req-1", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO frontier_queues").
		WithArgs("news", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	info, err := store.UpdateRequest(context.Background(), req, false)
	require.NoError(t, err)
	require.True(t, info.WasAlreadyPresent)
	require.False(t, info.WasAlreadyHandled)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateUnknownRequestFails(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	req := &crawler.Request{ID: "ghost", URL: "https://example.com/a", UniqueKey: "k"}

	mock.ExpectQuery("SELECT handled_at FROM frontier_requests").
		WithArgs("news", "ghost").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.UpdateRequest(context.Background(), req, false)
	require.ErrorIs(t, err, storage.ErrQueueNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListHeadReportsClientsAndOrder(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	modifiedAt := time.Unix(1700000000, 0).UTC()

	mock.ExpectQuery("SELECT q.modified_at").
		WithArgs("news").
		WillReturnRows(pgxmock.NewRows([]string{"modified_at", "count"}).AddRow(modifiedAt, 2))
	mock.ExpectQuery("SELECT id, unique_key FROM frontier_requests").
		WithArgs("news", 100).
		WillReturnRows(pgxmock.NewRows([]string{"id", "unique_key"}).
			AddRow("id-1", "key-1").
			AddRow("id-2", "key-2"))

	head, err := store.ListHead(context.Background(), 100)
	require.NoError(t, err)
	require.True(t, head.HadMultipleClients)
	require.Equal(t, modifiedAt, head.QueueModifiedAt)
	require.Len(t, head.Items, 2)
	require.Equal(t, "id-1", head.Items[0].ID)
	require.Equal(t, "key-2", head.Items[1].UniqueKey)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMetadataCounts(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	modifiedAt := time.Unix(1700000000, 0).UTC()

	mock.ExpectQuery("SELECT COUNT").
		WithArgs("news").
		WillReturnRows(pgxmock.NewRows([]string{"total", "handled"}).AddRow(10, 4))
	mock.ExpectQuery("SELECT q.modified_at").
		WithArgs("news").
		WillReturnRows(pgxmock.NewRows([]string{"modified_at", "count"}).AddRow(modifiedAt, 1))

	meta, err := store.Metadata(context.Background())
	require.NoError(t, err)
	require.Equal(t, 10, meta.TotalRequestCount)
	require.Equal(t, 4, meta.HandledRequestCount)
	require.Equal(t, 6, meta.PendingRequestCount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDropDeletesQueueRows(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	mock.ExpectExec("DELETE FROM frontier_requests").
		WithArgs("news").
		WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectExec("DELETE FROM frontier_queue_clients").
		WithArgs("news").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("DELETE FROM frontier_queues").
		WithArgs("news").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	require.NoError(t, store.Drop(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
