package memcache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pior/memcache-binary/internal/testutils"
)

func mockConstructor(mocks *[]*testutils.ConnectionMock) func(ctx context.Context) (*Connection, error) {
	return func(ctx context.Context) (*Connection, error) {
		mock := testutils.NewConnectionMock()
		*mocks = append(*mocks, mock)
		return NewConnection(mock), nil
	}
}

func TestPuddlePool_AcquireRelease(t *testing.T) {
	var mocks []*testutils.ConnectionMock
	pool, err := NewPuddlePool(mockConstructor(&mocks), 2)
	require.NoError(t, err)
	defer pool.Close()

	ctx := context.Background()

	res, err := pool.Acquire(ctx)
	require.NoError(t, err)
	require.NotNil(t, res.Value())

	stats := pool.Stats()
	require.Equal(t, int32(1), stats.TotalConns)
	require.Equal(t, int32(1), stats.ActiveConns)
	require.Equal(t, uint64(1), stats.CreatedConns)

	res.Release()

	again, err := pool.Acquire(ctx)
	require.NoError(t, err)
	require.Same(t, res.Value(), again.Value(), "the idle connection is reused")
	again.Release()

	require.Len(t, mocks, 1)
	require.Equal(t, uint64(2), pool.Stats().AcquireCount)
}

func TestPuddlePool_Destroy(t *testing.T) {
	var mocks []*testutils.ConnectionMock
	pool, err := NewPuddlePool(mockConstructor(&mocks), 2)
	require.NoError(t, err)
	defer pool.Close()

	res, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	res.Destroy()

	require.Eventually(t, func() bool { return mocks[0].Closed() }, time.Second, 5*time.Millisecond)
	require.Equal(t, uint64(1), pool.Stats().DestroyedConns)
	require.Equal(t, int32(0), pool.Stats().TotalConns)
}

func TestPuddlePool_AcquireAllIdle(t *testing.T) {
	var mocks []*testutils.ConnectionMock
	pool, err := NewPuddlePool(mockConstructor(&mocks), 3)
	require.NoError(t, err)
	defer pool.Close()

	ctx := context.Background()
	a, err := pool.Acquire(ctx)
	require.NoError(t, err)
	b, err := pool.Acquire(ctx)
	require.NoError(t, err)
	a.Release()
	b.Release()

	idle := pool.AcquireAllIdle()
	require.Len(t, idle, 2)
	for _, res := range idle {
		res.ReleaseUnused()
	}
	require.Equal(t, int32(2), pool.Stats().IdleConns)
}

func TestPuddlePool_ConstructorError(t *testing.T) {
	boom := errors.New("boom")
	pool, err := NewPuddlePool(func(ctx context.Context) (*Connection, error) { return nil, boom }, 1)
	require.NoError(t, err)
	defer pool.Close()

	_, err = pool.Acquire(context.Background())
	require.ErrorIs(t, err, boom)
	require.Equal(t, uint64(0), pool.Stats().CreatedConns)
}

func TestPuddlePool_Closed(t *testing.T) {
	var mocks []*testutils.ConnectionMock
	pool, err := NewPuddlePool(mockConstructor(&mocks), 1)
	require.NoError(t, err)
	pool.Close()

	_, err = pool.Acquire(context.Background())
	require.ErrorIs(t, err, ErrPoolClosed)
}
