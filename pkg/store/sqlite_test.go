package store

import (
	"context"
	"testing"
	"time"

	"mailproof/pkg/config"
	"mailproof/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore opens an in-memory database. The pool is pinned to one
// connection because each in-memory connection gets its own database.
func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	cfg := &config.DatabaseConfig{
		Path:                ":memory:",
		PoolConnectionLimit: 1,
		AcquireTimeout:      time.Second,
		ConnectTimeout:      time.Second,
		QueryRetryCount:     1,
		QueryRetryDelay:     time.Millisecond,
	}
	s, err := NewSQLiteStore(cfg, logging.NewDefault())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func insertTestRequest(t *testing.T, s *SQLiteStore, target string, typ RequestType) *Request {
	t.Helper()
	req, err := s.InsertRequest(context.Background(), &NewRequest{
		Target:    target,
		Type:      typ,
		ExpiresAt: time.Now().Add(72 * time.Hour),
	})
	require.NoError(t, err)
	return req
}

func TestInsertAndFind(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created := insertTestRequest(t, s, "example.com", TypeEmail)
	assert.Equal(t, StatusPending, created.Status)
	assert.NotZero(t, created.ID)

	byID, err := s.FindByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "example.com", byID.Target)
	assert.Equal(t, TypeEmail, byID.Type)
	assert.Nil(t, byID.LastCheckedAt)
	assert.Nil(t, byID.ActivatedAt)

	byTarget, err := s.FindByTarget(ctx, "example.com", TypeEmail)
	require.NoError(t, err)
	assert.Equal(t, created.ID, byTarget.ID)

	_, err = s.FindByID(ctx, 99999)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.FindByTarget(ctx, "example.com", TypeUI)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInsertDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	insertTestRequest(t, s, "example.com", TypeEmail)

	_, err := s.InsertRequest(ctx, &NewRequest{
		Target:    "example.com",
		Type:      TypeEmail,
		ExpiresAt: time.Now().Add(time.Hour),
	})
	assert.ErrorIs(t, err, ErrDuplicate)

	// Same target, other product: allowed.
	_, err = s.InsertRequest(ctx, &NewRequest{
		Target:    "example.com",
		Type:      TypeUI,
		ExpiresAt: time.Now().Add(time.Hour),
	})
	assert.NoError(t, err)
}

func TestFindByTargetAll(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	insertTestRequest(t, s, "example.com", TypeEmail)
	insertTestRequest(t, s, "example.com", TypeUI)
	insertTestRequest(t, s, "other.example", TypeEmail)

	rows, err := s.FindByTargetAll(ctx, "example.com")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	// Newest first.
	assert.Greater(t, rows[0].ID, rows[1].ID)

	rows, err = s.FindByTargetAll(ctx, "absent.example")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestFindLastCreated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created := insertTestRequest(t, s, "example.com", TypeEmail)

	got, err := s.FindLastCreated(ctx, "example.com", TypeEmail)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)

	_, err = s.FindLastCreated(ctx, "absent.example", TypeEmail)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateCheckResultGuard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	req := insertTestRequest(t, s, "example.com", TypeEmail)
	now := time.Now().UTC()
	next := now.Add(30 * time.Second)

	ok, err := s.UpdateCheckResult(ctx, req.ID, `{"ok":false}`, now, next)
	require.NoError(t, err)
	assert.True(t, ok)

	loaded, err := s.FindByID(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":false}`, loaded.LastCheckResultJSON)
	require.NotNil(t, loaded.LastCheckedAt)
	require.NotNil(t, loaded.NextCheckAt)
	assert.WithinDuration(t, next, *loaded.NextCheckAt, time.Second)

	// Once the row leaves PENDING the write is refused.
	promoted, err := s.TransitionActive(ctx, req.ID)
	require.NoError(t, err)
	require.True(t, promoted)

	ok, err = s.UpdateCheckResult(ctx, req.ID, `{"ok":true}`, now, next)
	require.NoError(t, err)
	assert.False(t, ok)

	loaded, err = s.FindByID(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":false}`, loaded.LastCheckResultJSON)
}

func TestTransitionActiveOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	req := insertTestRequest(t, s, "example.com", TypeEmail)

	ok, err := s.TransitionActive(ctx, req.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	loaded, err := s.FindByID(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, loaded.Status)
	assert.NotNil(t, loaded.ActivatedAt)

	// Second promotion and late expiry both lose the guard.
	ok, err = s.TransitionActive(ctx, req.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.TransitionExpired(ctx, req.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	loaded, err = s.FindByID(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, loaded.Status)
}

func TestTransitionExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	req := insertTestRequest(t, s, "example.com", TypeEmail)

	ok, err := s.TransitionExpired(ctx, req.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	loaded, err := s.FindByID(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, loaded.Status)
	assert.Equal(t, "Request expired", loaded.FailReason)

	// Terminal states never come back.
	ok, err = s.TransitionActive(ctx, req.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFindPendingNotExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	live := insertTestRequest(t, s, "live.example", TypeEmail)

	overdue, err := s.InsertRequest(ctx, &NewRequest{
		Target:    "overdue.example",
		Type:      TypeEmail,
		ExpiresAt: time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)

	done := insertTestRequest(t, s, "done.example", TypeEmail)
	_, err = s.TransitionActive(ctx, done.ID)
	require.NoError(t, err)

	rows, err := s.FindPendingNotExpired(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, live.ID, rows[0].ID)
	assert.NotEqual(t, overdue.ID, rows[0].ID)
}

func TestRecordCheckErrorKeepsStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	req := insertTestRequest(t, s, "example.com", TypeEmail)

	require.NoError(t, s.RecordCheckError(ctx, req.ID, "DNS timeout after 5s"))

	loaded, err := s.FindByID(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, loaded.Status)
	assert.Equal(t, "DNS timeout after 5s", loaded.FailReason)
}

func TestSetFailReason(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	req := insertTestRequest(t, s, "example.com", TypeEmail)

	require.NoError(t, s.SetFailReason(ctx, req.ID, "abuse report"))

	loaded, err := s.FindByID(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, loaded.Status)
	assert.Equal(t, "abuse report", loaded.FailReason)

	assert.ErrorIs(t, s.SetFailReason(ctx, 99999, "x"), ErrNotFound)
}

func TestTouchLastChecked(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	req := insertTestRequest(t, s, "example.com", TypeEmail)
	stamp := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.TouchLastChecked(ctx, req.ID, stamp))

	loaded, err := s.FindByID(ctx, req.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.LastCheckedAt)
	assert.WithinDuration(t, stamp, *loaded.LastCheckedAt, time.Second)
	assert.Equal(t, StatusPending, loaded.Status)
	assert.Empty(t, loaded.LastCheckResultJSON)
}

func TestMarkDomainActiveIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.MarkDomainActive(ctx, "example.com"))
	require.NoError(t, s.MarkDomainActive(ctx, "example.com"))
}

func TestCleanupOld(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	expired := insertTestRequest(t, s, "expired.example", TypeEmail)
	_, err := s.TransitionExpired(ctx, expired.ID)
	require.NoError(t, err)

	failed := insertTestRequest(t, s, "failed.example", TypeEmail)
	require.NoError(t, s.SetFailReason(ctx, failed.ID, "operator"))

	pending := insertTestRequest(t, s, "pending.example", TypeEmail)

	removed, err := s.CleanupOld(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	_, err = s.FindByID(ctx, expired.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.FindByID(ctx, pending.ID)
	assert.NoError(t, err)
}

func TestClosedStore(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Close())

	_, err := s.FindByID(context.Background(), 1)
	assert.ErrorIs(t, err, ErrClosed)

	// Double close is fine.
	assert.NoError(t, s.Close())
}
