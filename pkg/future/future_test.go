package future

import (
	"context"
	"testing"
	"time"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/hanfei1991/workerplacement/pkg/loop"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestFutureResolveOnce(t *testing.T) {
	t.Parallel()

	f := New[int]()
	require.True(t, f.Resolve(1))
	require.False(t, f.Resolve(2))
	require.False(t, f.Reject(errors.New("late")))

	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, v)
}

func TestFutureThenDispatchesToExecutor(t *testing.T) {
	t.Parallel()

	l := loop.New("then")
	defer l.Close()

	f := New[string]()
	results := make(chan string, 2)
	f.Then(l, func(v string, err error) {
		require.NoError(t, err)
		results <- "before:" + v
	})
	f.Resolve("x")
	// Registered after settlement, still asynchronous.
	f.Then(l, func(v string, err error) {
		results <- "after:" + v
	})

	require.Equal(t, "before:x", <-results)
	require.Equal(t, "after:x", <-results)
}

func TestFutureRejected(t *testing.T) {
	t.Parallel()

	l := loop.New("rejected")
	defer l.Close()

	f := Rejected[int](errors.New("boom"))
	errCh := make(chan error, 1)
	f.Then(l, func(_ int, err error) {
		errCh <- err
	})
	require.EqualError(t, <-errCh, "boom")
}

func TestFutureWaitTimeout(t *testing.T) {
	t.Parallel()

	f := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.Wait(ctx)
	require.Error(t, err)
	require.True(t, errors.Cause(err) == context.DeadlineExceeded)
}
