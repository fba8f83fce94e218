//go:build unix

package popen

import (
	"context"
	"errors"
	"os/exec"
)

// ExecFailureStatus is the reserved exit status reported when the command
// itself could not be executed, so that callers of Invoke can tell "command
// not found or not executable" apart from an ordinary nonzero exit.
const ExecFailureStatus = 127

// Invoke is the coarse single-integer contract around Run:
//
//   - n >= 0: number of bytes written into output.
//   - -k for 1 <= k <= 255: the child exited with status k. k ==
//     ExecFailureStatus means the command could not be executed at all.
//   - -1: any infrastructure failure (pipe creation, poll, transfer error,
//     output overflow, incomplete input delivery, abnormal termination).
//     These are deliberately indistinguishable here; the distinguishing
//     detail is available only through the injected logger.
//
// Invoke never retries. The caller decides whether the whole call is worth
// repeating.
func (r *Runner) Invoke(command string, args []string, input, output []byte) int {
	n, err := r.Run(context.Background(), command, args, input, output)
	if err == nil {
		return n
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.Exited() {
		return -exitErr.ExitCode()
	}
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return -ExecFailureStatus
	}
	return -1
}

var defaultRunner = New()

// Run invokes the command with a silent default Runner. See Runner.Run.
func Run(ctx context.Context, command string, args []string, input, output []byte) (int, error) {
	return defaultRunner.Run(ctx, command, args, input, output)
}

// Invoke invokes the command with a silent default Runner. See Runner.Invoke.
func Invoke(command string, args []string, input, output []byte) int {
	return defaultRunner.Invoke(command, args, input, output)
}
