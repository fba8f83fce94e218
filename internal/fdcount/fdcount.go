package fdcount

import (
	"fmt"
	"os"
)

// Open returns the number of file descriptors the current process holds
// open. It relies on /proc, so it only works on Linux; callers elsewhere
// get an error and should skip whatever check they were about to make.
func Open() (int, error) {
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		return 0, fmt.Errorf("listing /proc/self/fd: %w", err)
	}
	// Listing the directory holds a descriptor of its own; don't count it.
	return len(entries) - 1, nil
}
