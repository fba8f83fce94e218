//go:build unix

package popen

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

var (
	// ErrCapacityExceeded means the child produced more output than the
	// caller's buffer can hold. The call never truncates silently.
	ErrCapacityExceeded = errors.New("child output exceeds output buffer capacity")

	// ErrIncompleteInput means the child exited cleanly without consuming
	// all of the supplied input.
	ErrIncompleteInput = errors.New("child exited before consuming all input")

	// ErrPollEvent means poll reported an event bit this package does not
	// expect on either pipe, which violates the multiplexing contract.
	ErrPollEvent = errors.New("unexpected poll event")

	// ErrAbnormalExit means the child was killed by a signal or otherwise
	// did not exit normally.
	ErrAbnormalExit = errors.New("child did not exit normally")
)

// Runner runs filter commands. The zero-configured Runner from New is silent;
// inject a logger with WithLogger to see per-transfer diagnostics.
type Runner struct {
	log *zap.SugaredLogger
}

type Option func(r *Runner)

// WithLogger sets the logger used for transfer diagnostics. Logging has no
// effect on behavior, only on noise.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) {
		r.log = l.Sugar()
	}
}

func New(opts ...Option) *Runner {
	r := &Runner{log: zap.NewNop().Sugar()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run invokes command with args, writes all of input to its stdin, and reads
// its stdout into output. It returns the number of bytes read, which is only
// meaningful when the error is nil.
//
// A nil args invokes the command with no arguments. len(output) bounds how
// many bytes the call will accept from the child; one byte more is
// ErrCapacityExceeded. A child exiting with nonzero status surfaces as the
// *exec.ExitError from its reap. A child exiting zero without consuming all
// of input is ErrIncompleteInput, even when its output was read completely.
//
// ctx cancellation force-kills the child and returns the context error.
// context.Background gives the unbounded blocking behavior the contract
// assumes: the call returns only once the child's stdout hangs up and the
// child is reaped.
func (r *Runner) Run(ctx context.Context, command string, args []string, input, output []byte) (int, error) {
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return 0, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return 0, fmt.Errorf("creating stdout pipe: %w", err)
	}

	r.log.Debugf("pipes: in %d/%d; out %d/%d", stdinR.Fd(), stdinW.Fd(), stdoutR.Fd(), stdoutW.Fd())

	cmd := exec.Command(command, args...)
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW

	if err := cmd.Start(); err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		return 0, fmt.Errorf("starting %q: %w", command, err)
	}

	// The child holds its own copies of these now. Ours must go away or the
	// stdout pipe keeps a writer after the child exits and hangup detection
	// never fires.
	stdinR.Close()
	stdoutW.Close()

	t := &transfer{
		log:    r.log,
		stdin:  stdinW,
		stdout: stdoutR,
		input:  input,
		output: output,
	}
	n, loopErr := t.run(ctx)

	// Closing the stdout read end also forces a still-running child to die
	// on its next write.
	t.close()

	if ctx.Err() != nil {
		cmd.Process.Kill()
	}

	waitErr := cmd.Wait()

	if loopErr != nil {
		// The loop verdict wins: the child's exit state after a forced
		// shutdown carries no information.
		return n, loopErr
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			if exitErr.Exited() {
				r.log.Debugf("child exited with status %d", exitErr.ExitCode())
				return n, waitErr
			}
			return n, fmt.Errorf("%w: %s", ErrAbnormalExit, exitErr.ProcessState)
		}
		return n, fmt.Errorf("waiting for child: %w", waitErr)
	}
	if t.written < len(input) {
		return n, fmt.Errorf("%w: wrote %d of %d bytes", ErrIncompleteInput, t.written, len(input))
	}
	r.log.Debugf("transfer done: wrote %d, read %d", t.written, n)
	return n, nil
}

// transfer is the per-call multiplexing state. It lives for exactly one Run.
type transfer struct {
	log *zap.SugaredLogger

	stdin  *os.File // write end of the child's stdin pipe; nil once closed
	stdout *os.File // read end of the child's stdout pipe; nil once closed

	input  []byte
	output []byte

	written int
	read    int
}

func (t *transfer) closeStdin() {
	if t.stdin != nil {
		t.stdin.Close()
		t.stdin = nil
	}
}

func (t *transfer) close() {
	t.closeStdin()
	if t.stdout != nil {
		t.stdout.Close()
		t.stdout = nil
	}
}

// run drives a single poll loop over the two pipe ends until the child's
// stdout hangs up, the output buffer overflows, or something fails. It
// returns the number of bytes read so far alongside any error.
func (t *transfer) run(ctx context.Context) (int, error) {
	stdinFd := int(t.stdin.Fd())
	stdoutFd := int(t.stdout.Fd())
	unix.SetNonblock(stdinFd, true)
	unix.SetNonblock(stdoutFd, true)

	// The wakeup pipe joins the interest set so that context cancellation
	// can interrupt an otherwise unbounded poll.
	var wakeR, wakeW *os.File
	if done := ctx.Done(); done != nil {
		var err error
		wakeR, wakeW, err = os.Pipe()
		if err != nil {
			return 0, fmt.Errorf("creating wakeup pipe: %w", err)
		}
		defer wakeR.Close()
		defer wakeW.Close()

		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-done:
				wakeW.Close()
			case <-stop:
			}
		}()
	}

	// Empty input: the child learns immediately that nothing is coming.
	if t.written == len(t.input) {
		t.closeStdin()
	}

	for {
		fds := make([]unix.PollFd, 1, 3)
		fds[0] = unix.PollFd{Fd: int32(stdoutFd), Events: unix.POLLIN}
		stdinIdx := -1
		if t.stdin != nil {
			stdinIdx = len(fds)
			fds = append(fds, unix.PollFd{Fd: int32(stdinFd), Events: unix.POLLOUT})
		}
		wakeIdx := -1
		if wakeR != nil {
			wakeIdx = len(fds)
			fds = append(fds, unix.PollFd{Fd: int32(wakeR.Fd()), Events: unix.POLLIN})
		}

		polln, err := unix.Poll(fds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return t.read, fmt.Errorf("polling pipes: %w", err)
		}
		t.log.Debugf("poll=%d", polln)

		if wakeIdx >= 0 && fds[wakeIdx].Revents != 0 {
			err := ctx.Err()
			if err == nil {
				err = context.Canceled
			}
			return t.read, err
		}

		if stdinIdx >= 0 {
			cont, err := t.serviceStdin(stdinFd, fds[stdinIdx].Revents)
			if err != nil {
				return t.read, err
			}
			if cont {
				continue
			}
		}

		done, err := t.serviceStdout(stdoutFd, fds[0].Revents)
		if done || err != nil {
			return t.read, err
		}
	}
}

// serviceStdin handles one readiness report for the stdin write end. It
// returns true when the caller should re-poll before looking at stdout.
func (t *transfer) serviceStdin(fd int, revents int16) (bool, error) {
	if revents&unix.POLLOUT != 0 {
		if t.written < len(t.input) {
			n, err := unix.Write(fd, t.input[t.written:])
			switch err {
			case nil:
				t.log.Debugf("write n=%d/%d", n, len(t.input))
				t.written += n
			case unix.EAGAIN, unix.EINTR:
			case unix.EPIPE:
				// The child stopped reading. Whether that matters depends on
				// its exit status, so keep draining stdout.
				t.log.Debugf("stdin EPIPE after %d/%d bytes", t.written, len(t.input))
				t.closeStdin()
				return true, nil
			default:
				return false, fmt.Errorf("writing to child stdin: %w", err)
			}
		}
		if t.written == len(t.input) {
			// Closing the write end is the only end-of-input signal the
			// child gets.
			t.closeStdin()
			return true, nil
		}
		revents &^= unix.POLLOUT
	}
	if revents&unix.POLLERR != 0 {
		// The read side is gone; same as EPIPE above.
		t.log.Debugf("stdin POLLERR after %d/%d bytes", t.written, len(t.input))
		t.closeStdin()
		return true, nil
	}
	if revents != 0 {
		return false, fmt.Errorf("%w: stdin revents %#x", ErrPollEvent, revents)
	}
	return false, nil
}

// serviceStdout handles one readiness report for the stdout read end. It
// returns done=true on hangup, which is the sole end-of-output signal.
func (t *transfer) serviceStdout(fd int, revents int16) (bool, error) {
	if revents&unix.POLLIN != 0 {
		if t.read < len(t.output) {
			n, err := unix.Read(fd, t.output[t.read:])
			switch err {
			case nil:
			case unix.EAGAIN, unix.EINTR:
				return false, nil
			default:
				return false, fmt.Errorf("reading from child stdout: %w", err)
			}
			t.log.Debugf("read n=%d", n)
			if n == 0 {
				return true, nil
			}
			t.read += n
			if t.read == len(t.output) {
				// Full buffer plus leftover hangup is ambiguous until the
				// probe below distinguishes exact fit from overflow.
				return false, nil
			}
		} else {
			// Buffer full: one probe byte decides between an exact fit and
			// an overflow, independent of how the child chunked its writes.
			var probe [1]byte
			n, err := unix.Read(fd, probe[:])
			switch err {
			case nil:
			case unix.EAGAIN, unix.EINTR:
				return false, nil
			default:
				return false, fmt.Errorf("reading from child stdout: %w", err)
			}
			if n > 0 {
				return false, ErrCapacityExceeded
			}
			return true, nil
		}
		revents &^= unix.POLLIN
	}
	if revents == unix.POLLHUP {
		t.log.Debug("pollhup")
		return true, nil
	}
	if revents != 0 {
		return false, fmt.Errorf("%w: stdout revents %#x", ErrPollEvent, revents)
	}
	return false, nil
}
