package redlock

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLease_Acquire(t *testing.T) {
	db, mock := redismock.NewClientMock()
	lease := NewLease(db, "courier:scheduler:tick", "node_1")

	mock.ExpectSetNX("courier:scheduler:tick", "node_1", 30*time.Second).SetVal(true)
	assert.NoError(t, lease.Acquire(context.Background(), 30*time.Second))

	mock.ExpectSetNX("courier:scheduler:tick", "node_1", 30*time.Second).SetVal(false)
	err := lease.Acquire(context.Background(), 30*time.Second)
	assert.ErrorIs(t, err, ErrLockHeld)
	assert.EqualError(t, err, "lock is already held: courier:scheduler:tick")

	mock.ExpectSetNX("courier:scheduler:tick", "node_1", 30*time.Second).SetErr(errors.New("connection refused"))
	err = lease.Acquire(context.Background(), 30*time.Second)
	assert.EqualError(t, err, "connection refused")
	assert.False(t, errors.Is(err, ErrLockHeld))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLease_ReleaseAndExtend(t *testing.T) {
	db, mock := redismock.NewClientMock()
	lease := NewLease(db, "courier:ack-poller", "node_1")

	mock.ExpectEval(releaseScript, []string{"courier:ack-poller"}, "node_1").SetVal(int64(1))
	assert.NoError(t, lease.Release(context.Background()))

	mock.ExpectEval(releaseScript, []string{"courier:ack-poller"}, "node_1").SetVal(int64(0))
	assert.EqualError(t, lease.Release(context.Background()), "cannot release courier:ack-poller: lease expired or held by someone else")

	mock.ExpectEval(extendScript, []string{"courier:ack-poller"}, "node_1", int64(5000)).SetVal(int64(1))
	assert.NoError(t, lease.Extend(context.Background(), 5*time.Second))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func newMiniredisClient(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	mr := miniredis.RunT(t)
	return mr, redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestLease_ExclusiveAcrossHolders(t *testing.T) {
	mr, client := newMiniredisClient(t)
	ctx := context.Background()

	first := NewLease(client, "courier:scheduler:tick", "node_1")
	second := NewLease(client, "courier:scheduler:tick", "node_2")

	var calls int32
	ran, err := first.Exclusive(ctx, time.Minute, func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)

		ran, err := second.Exclusive(ctx, time.Minute, func(context.Context) error {
			atomic.AddInt32(&calls, 1)
			return nil
		})
		assert.False(t, ran)
		assert.NoError(t, err)

		// only the holder may release
		assert.Error(t, second.Release(ctx))
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.False(t, mr.Exists("courier:scheduler:tick"), "lease is released after fn returns")
}

func TestLease_ExclusiveReturnsFnError(t *testing.T) {
	mr, client := newMiniredisClient(t)
	lease := NewLease(client, "courier:ack-poller", "node_1")

	boom := errors.New("partner endpoint down")
	ran, err := lease.Exclusive(context.Background(), time.Minute, func(context.Context) error { return boom })
	assert.True(t, ran)
	assert.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists("courier:ack-poller"))
}

func TestLease_ExclusiveKeepsLeaseAlive(t *testing.T) {
	mr, client := newMiniredisClient(t)
	lease := NewLease(client, "courier:scheduler:tick", "node_1")

	ran, err := lease.Exclusive(context.Background(), 100*time.Millisecond, func(context.Context) error {
		mr.FastForward(80 * time.Millisecond)
		time.Sleep(120 * time.Millisecond)
		mr.FastForward(80 * time.Millisecond)
		assert.True(t, mr.Exists("courier:scheduler:tick"), "a long sweep keeps its lease")
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}
