package cachesweep

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testNow is the fixed clock used by eviction tests.
var testNow = time.Unix(1_700_000_000, 0)

func fixedClock() time.Time { return testNow }

// putEntry stores an entry for url with the given use count and body and
// returns its name.
func putEntry(t *testing.T, dir, url string, useCount int32, body []byte) string {
	t.Helper()
	cmd, err := StoreEntry(dir, Entry{
		Header: Header{
			UseCount:     useCount,
			ServedAt:     testNow.Unix() - 60,
			LastModified: testNow.Unix() - 3600,
			ExpiresAt:    testNow.Unix() + 3600,
		},
		URL:             url,
		ETag:            `"v1"`,
		MIMEType:        "text/plain",
		ResponseHeaders: []string{"HTTP/1.1 200 OK", "Content-Type: text/plain"},
	}, body, 0)
	require.NoError(t, err)
	return cmd.Name
}

// age sets the mtime of name to testNow minus d.
func age(t *testing.T, dir, name string, d time.Duration) {
	t.Helper()
	ts := testNow.Add(-d)
	require.NoError(t, os.Chtimes(filepath.Join(dir, name), ts, ts))
}

func fileSize(t *testing.T, dir, name string) int64 {
	t.Helper()
	st, err := os.Stat(filepath.Join(dir, name))
	require.NoError(t, err)
	return st.Size()
}

func exists(dir, name string) bool {
	_, err := os.Lstat(filepath.Join(dir, name))
	return err == nil
}

func dirNames(t *testing.T, dir string) []string {
	t.Helper()
	names, err := listDir(dir)
	require.NoError(t, err)
	return names
}
