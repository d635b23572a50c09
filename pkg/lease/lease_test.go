package lease

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaylabs/batchrelay/internal/testutil"
)

func newTestStore(db *testutil.FakeDynamo) *Store {
	s := NewStore(db, "leases")
	s.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return s
}

func TestLock_FreshRow(t *testing.T) {
	db := testutil.NewFakeDynamo()
	s := newTestStore(db)
	l := s.Lease("k1")

	ok, err := l.Lock(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	row := db.Get("k1")
	require.NotNil(t, row)
	assert.Equal(t, l.Owner(), row.Owner)
	assert.Equal(t, int64(1_700_000_000), row.UpdateTime)
}

func TestLock_SameOwnerReentrant(t *testing.T) {
	db := testutil.NewFakeDynamo()
	s := newTestStore(db)
	l := s.Lease("k1")

	ok, err := l.Lock(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.Lock(context.Background())
	require.NoError(t, err)
	assert.True(t, ok, "same owner must be able to re-assert the lock")
}

func TestLock_ForeignLiveLockFails(t *testing.T) {
	db := testutil.NewFakeDynamo()
	s := newTestStore(db)

	// Another invocation holds a lease younger than the timeout.
	db.Seed("k1", testutil.Row{Owner: "someone-else", UpdateTime: 1_700_000_000 - 1})

	ok, err := s.Lease("k1").Lock(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	// No side effects on contention.
	assert.Equal(t, "someone-else", db.Get("k1").Owner)
}

func TestLock_StaleTakeover(t *testing.T) {
	db := testutil.NewFakeDynamo()
	s := newTestStore(db)

	// Simulated crash: the recorded holder stopped refreshing past the
	// timeout, so any owner may take over.
	stale := 1_700_000_000 - int64(Timeout/time.Second) - 1
	db.Seed("k1", testutil.Row{Owner: "crashed-owner", UpdateTime: stale})

	l := s.Lease("k1")
	ok, err := l.Lock(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, l.Owner(), db.Get("k1").Owner)
}

func TestPut_WritesStateUnderLock(t *testing.T) {
	db := testutil.NewFakeDynamo()
	s := newTestStore(db)
	l := s.Lease("k1")

	ok, err := l.Put(context.Background(), []byte(`{"job_id":"j-1"}`))
	require.NoError(t, err)
	require.True(t, ok)

	got, err := l.Get(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"job_id":"j-1"}`, string(got))
}

func TestPut_ForeignLiveLockFails(t *testing.T) {
	db := testutil.NewFakeDynamo()
	s := newTestStore(db)
	db.Seed("k1", testutil.Row{Owner: "someone-else", UpdateTime: 1_700_000_000, State: "original", HasState: true})

	ok, err := s.Lease("k1").Put(context.Background(), []byte("overwrite"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "original", db.Get("k1").State)
}

func TestGet_AbsentRow(t *testing.T) {
	db := testutil.NewFakeDynamo()
	s := newTestStore(db)

	got, err := s.Lease("missing").Get(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGet_RowWithoutState(t *testing.T) {
	db := testutil.NewFakeDynamo()
	s := newTestStore(db)
	db.Seed("k1", testutil.Row{Owner: "x", UpdateTime: 1})

	got, err := s.Lease("k1").Get(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestUnlock_OwnerOnly(t *testing.T) {
	db := testutil.NewFakeDynamo()
	s := newTestStore(db)
	l := s.Lease("k1")

	ok, err := l.Lock(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.Unlock(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, db.Get("k1").Owner)
}

func TestUnlock_StrangerFails(t *testing.T) {
	db := testutil.NewFakeDynamo()
	s := newTestStore(db)
	db.Seed("k1", testutil.Row{Owner: "holder", UpdateTime: 1})

	// Even a stale lock must not be released by a non-owner.
	ok, err := s.Lease("k1").Unlock(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "holder", db.Get("k1").Owner)
}

func TestDelete_RespectsLiveForeignLock(t *testing.T) {
	db := testutil.NewFakeDynamo()
	s := newTestStore(db)
	db.Seed("k1", testutil.Row{Owner: "holder", UpdateTime: 1_700_000_000})

	ok, err := s.Lease("k1").Delete(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NotNil(t, db.Get("k1"))
}

func TestDelete_OwnerRemovesRow(t *testing.T) {
	db := testutil.NewFakeDynamo()
	s := newTestStore(db)
	l := s.Lease("k1")

	_, err := l.Put(context.Background(), []byte("{}"))
	require.NoError(t, err)

	ok, err := l.Delete(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Nil(t, db.Get("k1"))
}

func TestStoreError_Propagates(t *testing.T) {
	db := testutil.NewFakeDynamo()
	db.Err = errors.New("throttled")
	s := newTestStore(db)

	_, err := s.Lease("k1").Lock(context.Background())
	require.Error(t, err)

	var storeErr *StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, "Lock", storeErr.Op)
	assert.Equal(t, "k1", storeErr.CacheKey)
}
