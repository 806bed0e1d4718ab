package guard

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunInvokesCleanupOnce(t *testing.T) {
	calls := 0
	g := Register(func() error {
		calls++
		return nil
	})
	defer g.Stop()

	require.NoError(t, g.Run())
	require.NoError(t, g.Run())
	require.Equal(t, 1, calls, "cleanup should run exactly once")
}

func TestRunReturnsCleanupError(t *testing.T) {
	want := errors.New("boom")
	g := Register(func() error { return want })
	defer g.Stop()

	require.ErrorIs(t, g.Run(), want)
	// second call is a no-op, not a repeat of the error
	require.NoError(t, g.Run())
}

func TestStopDisarmsWithoutRunning(t *testing.T) {
	calls := 0
	g := Register(func() error {
		calls++
		return nil
	})
	g.Stop()

	require.Zero(t, calls, "cleanup should not run on Stop")
}

func TestErrorsAggregatesNonNil(t *testing.T) {
	e1 := errors.New("first")
	e2 := errors.New("second")

	require.Error(t, Errors(nil, e1, nil, e2))
	require.NoError(t, Errors(nil, nil))
}
