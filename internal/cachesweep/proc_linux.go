//go:build linux

package cachesweep

import (
	"bytes"
	"os"
	"strconv"
)

// processRSSBytes reads the daemon's resident set size from statm, for the
// pass summary and the resident_memory_bytes gauge.
func processRSSBytes() (int64, bool) {
	b, err := os.ReadFile("/proc/self/statm")
	if err != nil {
		return 0, false
	}
	fields := bytes.Fields(b)
	if len(fields) < 2 {
		return 0, false
	}
	pages, err := strconv.ParseInt(string(fields[1]), 10, 64)
	if err != nil || pages < 0 {
		return 0, false
	}
	return pages * int64(os.Getpagesize()), true
}
