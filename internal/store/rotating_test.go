package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/TheBoringRats/ratcrowler/internal/crawler"
	"github.com/TheBoringRats/ratcrowler/internal/rotation"
)

func newRotatingFixture(t *testing.T) (*RotatingStore, *rotation.Manager, pgxmock.PgxPoolIface, pgxmock.PgxPoolIface) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 5, 20, 12, 0, 0, 0, time.UTC)}

	mockA, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockA.Close)
	mockB, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockB.Close)

	storeA := NewWithDB("db-a", mockA, 7*24*time.Hour, clock, zap.NewNop())
	storeB := NewWithDB("db-b", mockB, 7*24*time.Hour, clock, zap.NewNop())

	manager := rotation.New([]rotation.Target{
		{Name: "db-a", MonthlyWriteLimit: 1000, StorageQuotaBytes: 1 << 30},
		{Name: "db-b", MonthlyWriteLimit: 1000, StorageQuotaBytes: 1 << 30},
	}, clock, zap.NewNop())

	return NewRotating([]*SQLStore{storeA, storeB}, manager, zap.NewNop()), manager, mockA, mockB
}

func expectPageWrite(mock pgxmock.PgxPoolIface, page crawler.Page) {
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO pages").
		WithArgs(page.URL, page.Title, page.CleanedText, page.HTMLSize, page.WordCount,
			page.HTTPStatus, page.ResponseTimeMs, page.ContentHash, page.CrawledAt, page.SessionID).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
}

func TestRotating_WritesLandOnLeastLoaded(t *testing.T) {
	t.Parallel()

	r, manager, _, mockB := newRotatingFixture(t)
	manager.RecordWrite("db-a", 840, 0) // 84%, db-b at 0%

	page := crawler.Page{URL: "https://example.com/p", SessionID: "s"}
	expectPageWrite(mockB, page)

	require.NoError(t, r.WritePageWithLinks(context.Background(), page, nil))
	require.NoError(t, mockB.ExpectationsWereMet())

	snap := manager.Snapshot()
	assert.EqualValues(t, 1, snap[1].WritesThisMonth)
}

func TestRotating_ReRoutesOnTargetFailure(t *testing.T) {
	t.Parallel()

	r, _, mockA, mockB := newRotatingFixture(t)
	page := crawler.Page{URL: "https://example.com/p", SessionID: "s"}

	// db-a (first eligible at equal load) fails; the write diverts to db-b.
	mockA.ExpectBegin().WillReturnError(errors.New("connection refused"))
	expectPageWrite(mockB, page)

	require.NoError(t, r.WritePageWithLinks(context.Background(), page, nil))
	require.NoError(t, mockA.ExpectationsWereMet())
	require.NoError(t, mockB.ExpectationsWereMet())
}

func TestRotating_NoCapacityWhenAllExcluded(t *testing.T) {
	t.Parallel()

	r, manager, _, _ := newRotatingFixture(t)
	manager.RecordWrite("db-a", 900, 0)
	manager.RecordWrite("db-b", 880, 0)

	err := r.WritePageWithLinks(context.Background(), crawler.Page{URL: "https://x"}, nil)
	assert.ErrorIs(t, err, crawler.ErrNoCapacity)
}

func TestRotating_AlreadyCrawledChecksAllTargets(t *testing.T) {
	t.Parallel()

	r, _, mockA, mockB := newRotatingFixture(t)

	mockA.ExpectQuery("SELECT EXISTS").
		WithArgs("https://example.com/a", pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mockB.ExpectQuery("SELECT EXISTS").
		WithArgs("https://example.com/a", pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	found, err := r.AlreadyCrawled(context.Background(), "https://example.com/a")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestRotating_SessionsWrittenEverywhere(t *testing.T) {
	t.Parallel()

	r, _, mockA, mockB := newRotatingFixture(t)
	session := crawler.Session{ID: "s-1", Status: crawler.SessionActive, StartedAt: time.Now().UTC()}

	for _, mock := range []pgxmock.PgxPoolIface{mockA, mockB} {
		mock.ExpectExec("INSERT INTO sessions").
			WithArgs(session.ID, session.StartedAt, string(session.Status), session.ConfigJSON, session.TargetDB).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}
	require.NoError(t, r.CreateSession(context.Background(), session))
	require.NoError(t, mockA.ExpectationsWereMet())
	require.NoError(t, mockB.ExpectationsWereMet())
}
