/*
Package popen runs a short-lived filter command, streaming a caller-supplied
input buffer to its stdin and collecting its stdout into a caller-supplied
output buffer, synchronously.

The calling goroutine blocks until the child has produced all of its output
and exited. End of output is detected by pipe hangup: once the child's last
stdout writer closes, the read side reports hangup. There is no protocol
terminator and no timeout; the design assumes a well-behaved child that exits
promptly once its stdout pipe is severed. Callers who cannot assume that can
pass a cancelable context to Run.

Each call owns exactly one child process and one pair of pipes. Nothing is
pooled or reused across calls, so a Runner is safe for concurrent use.

Two entry points cover the two calling conventions:

  - Run returns (bytesProduced, error) with typed errors for each failure
    mode, in the usual Go style.
  - Invoke collapses the same outcomes into a single integer: bytes produced
    when non-negative, the negated child exit status on a nonzero exit (127
    reserved for commands that could not be executed at all), and -1 for
    every infrastructure failure.
*/
package popen
