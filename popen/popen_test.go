//go:build unix

package popen

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"testing"
	"time"

	"github.com/miguelsm/chroagh/internal/fdcount"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEcho(t *testing.T) {
	cases := []struct {
		name     string
		input    []byte
		capacity int
	}{
		{
			name:     "small",
			input:    []byte("hello, filter"),
			capacity: 64,
		},
		{
			name:     "empty input",
			input:    nil,
			capacity: 64,
		},
		{
			// larger than a pipe buffer, so writes and reads interleave
			name:     "large",
			input:    bytes.Repeat([]byte("0123456789abcdef"), 16384),
			capacity: 16*16384 + 1,
		},
	}

	runner := New()
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			output := make([]byte, c.capacity)
			n, err := runner.Run(context.Background(), "cat", nil, c.input, output)
			require.NoError(t, err)
			require.Equal(t, len(c.input), n)
			assert.Equal(t, c.input, append([]byte(nil), output[:n]...))
		})
	}
}

func TestOutputCapacityBoundary(t *testing.T) {
	input := bytes.Repeat([]byte("x"), 100)
	runner := New()

	t.Run("exact fit succeeds", func(t *testing.T) {
		output := make([]byte, 100)
		n, err := runner.Run(context.Background(), "cat", nil, input, output)
		require.NoError(t, err)
		assert.Equal(t, 100, n)
		assert.Equal(t, input, output)
	})

	t.Run("one byte over fails", func(t *testing.T) {
		output := make([]byte, 99)
		_, err := runner.Run(context.Background(), "cat", nil, input, output)
		require.ErrorIs(t, err, ErrCapacityExceeded)
	})
}

func TestOverflowWhileStreaming(t *testing.T) {
	// A child with unbounded output must hit the capacity error and then be
	// forced down by the severed stdout pipe, without the call hanging.
	runner := New()
	output := make([]byte, 4096)
	_, err := runner.Run(context.Background(), "yes", nil, nil, output)
	require.ErrorIs(t, err, ErrCapacityExceeded)
}

func TestExitStatusPropagation(t *testing.T) {
	runner := New()
	for _, code := range []int{1, 3, 42, 125} {
		t.Run(fmt.Sprintf("status %d", code), func(t *testing.T) {
			output := make([]byte, 64)
			_, err := runner.Run(context.Background(), "sh", []string{"-c", fmt.Sprintf("exit %d", code)}, nil, output)
			var exitErr *exec.ExitError
			require.ErrorAs(t, err, &exitErr)
			require.True(t, exitErr.Exited())
			assert.Equal(t, code, exitErr.ExitCode())
		})
	}
}

func TestExecFailure(t *testing.T) {
	runner := New()
	output := make([]byte, 64)
	_, err := runner.Run(context.Background(), "definitely-not-a-real-command", nil, nil, output)
	require.Error(t, err)

	var execErr *exec.Error
	require.ErrorAs(t, err, &execErr)

	// must not look like an ordinary nonzero exit
	var exitErr *exec.ExitError
	assert.False(t, errors.As(err, &exitErr))
}

func TestEmptyInput(t *testing.T) {
	runner := New()
	output := make([]byte, 64)
	n, err := runner.Run(context.Background(), "sh", []string{"-c", "echo ok"}, nil, output)
	require.NoError(t, err)
	assert.Equal(t, "ok\n", string(output[:n]))
}

func TestIncompleteInputDelivery(t *testing.T) {
	// Input far larger than a pipe buffer, and a child that exits zero
	// without reading any of it. The clean exit must not mask the failure.
	runner := New()
	input := bytes.Repeat([]byte("y"), 1<<20)
	output := make([]byte, 64)
	_, err := runner.Run(context.Background(), "sh", []string{"-c", "exit 0"}, input, output)
	require.ErrorIs(t, err, ErrIncompleteInput)
}

func TestPartialConsumptionWithOutput(t *testing.T) {
	// The child produces valid output and exits zero but leaves input
	// unread; the call still fails.
	runner := New()
	input := bytes.Repeat([]byte("z"), 1<<20)
	output := make([]byte, 64)
	_, err := runner.Run(context.Background(), "sh", []string{"-c", "head -c 10; echo done"}, input, output)
	require.ErrorIs(t, err, ErrIncompleteInput)
}

func TestCancellation(t *testing.T) {
	// A child that produces nothing and never exits would block the call
	// forever under the default contract; cancellation must unblock it.
	runner := New()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	output := make([]byte, 64)
	_, err := runner.Run(ctx, "sleep", []string{"30"}, nil, output)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestZeroCapacityOutput(t *testing.T) {
	runner := New()

	t.Run("silent child succeeds", func(t *testing.T) {
		n, err := runner.Run(context.Background(), "true", nil, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("any output overflows", func(t *testing.T) {
		_, err := runner.Run(context.Background(), "echo", []string{"x"}, nil, nil)
		require.ErrorIs(t, err, ErrCapacityExceeded)
	})
}

func TestNoDescriptorLeak(t *testing.T) {
	if _, err := fdcount.Open(); err != nil {
		t.Skipf("descriptor accounting unavailable: %s", err)
	}

	runner := New()
	run := func() {
		output := make([]byte, 64)

		// success
		_, err := runner.Run(context.Background(), "cat", nil, []byte("hi"), output)
		require.NoError(t, err)
		// nonzero exit
		_, err = runner.Run(context.Background(), "sh", []string{"-c", "exit 9"}, nil, output)
		require.Error(t, err)
		// exec failure
		_, err = runner.Run(context.Background(), "definitely-not-a-real-command", nil, nil, output)
		require.Error(t, err)
		// overflow
		_, err = runner.Run(context.Background(), "yes", nil, nil, output)
		require.ErrorIs(t, err, ErrCapacityExceeded)
	}

	// Warm up once so lazily created runtime descriptors don't skew the
	// baseline.
	run()

	baseline, err := fdcount.Open()
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		run()
		count, err := fdcount.Open()
		require.NoError(t, err)
		assert.Equal(t, baseline, count)
	}
}
