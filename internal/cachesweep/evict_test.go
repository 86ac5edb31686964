package cachesweep

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func runPass(t *testing.T, dir string, sb *Scoreboard, maxBytes int64) PassStats {
	t.Helper()
	p, err := NewPass(dir, sb, PassOptions{
		MaxBytes: maxBytes,
		Now:      fixedClock,
		Logger:   zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	st := p.Run()
	require.True(t, p.Done())
	return st
}

// scenario stores three entries of equal size: two used ten seconds ago
// with use counts 1 and 5, and one used 1000 seconds ago with use count 1.
func scenario(t *testing.T, dir string) (recent1, recent5, old1 string, size int64) {
	t.Helper()
	body := []byte("0123456789")
	recent1 = putEntry(t, dir, "http://example.com/a", 1, body)
	recent5 = putEntry(t, dir, "http://example.com/b", 5, body)
	old1 = putEntry(t, dir, "http://example.com/c", 1, body)
	age(t, dir, recent1, 10*time.Second)
	age(t, dir, recent5, 10*time.Second)
	age(t, dir, old1, 1000*time.Second)

	size = fileSize(t, dir, recent1)
	require.Equal(t, size, fileSize(t, dir, recent5))
	require.Equal(t, size, fileSize(t, dir, old1))
	return
}

func TestEvictionOrder(t *testing.T) {
	t.Run("one over budget", func(t *testing.T) {
		dir := t.TempDir()
		recent1, recent5, old1, size := scenario(t, dir)

		st := runPass(t, dir, NewScoreboard(dir, nil), 2*size)
		assert.Equal(t, 3, st.Scanned)
		assert.Equal(t, 1, st.Evicted)
		assert.Equal(t, 2*size, st.RemainingBytes)
		assert.False(t, exists(dir, old1))
		assert.True(t, exists(dir, recent1))
		assert.True(t, exists(dir, recent5))
	})

	t.Run("two over budget", func(t *testing.T) {
		dir := t.TempDir()
		recent1, recent5, old1, size := scenario(t, dir)

		st := runPass(t, dir, NewScoreboard(dir, nil), size+size/2)
		assert.Equal(t, 2, st.Evicted)
		assert.Equal(t, 2*size, st.EvictedBytes)
		assert.False(t, exists(dir, old1))
		assert.False(t, exists(dir, recent1))
		assert.True(t, exists(dir, recent5))
	})
}

func TestUsefulness(t *testing.T) {
	now := testNow.Unix()
	tests := []struct {
		useCount int32
		age      int64
		want     int64
	}{
		{1, 10, 0},
		{5, 10, 0},
		{100, 10, 10},
		{7, 0, 7},
		{7, -30, 7},
		{0, 1, 0},
	}
	for _, tt := range tests {
		fi := FileInfo{UseCount: tt.useCount, LastUsed: now - tt.age}
		assert.Equal(t, tt.want, usefulness(fi, now), "useCount=%d age=%d", tt.useCount, tt.age)
	}

	busy := FileInfo{Name: "a", UseCount: 100, LastUsed: now - 10}
	idle := FileInfo{Name: "b", UseCount: 1, LastUsed: now - 10}
	assert.Negative(t, compareUsefulness(idle, busy, now))
	assert.Positive(t, compareUsefulness(busy, idle, now))
	assert.Zero(t, compareUsefulness(busy, busy, now))
}

func TestPassBudgetAndIdempotence(t *testing.T) {
	dir := t.TempDir()
	var total int64
	for i := 0; i < 20; i++ {
		name := putEntry(t, dir, fmt.Sprintf("http://example.com/page/%02d", i), int32(i%4), make([]byte, 100*(i+1)))
		age(t, dir, name, time.Duration(i)*time.Minute)
		total += fileSize(t, dir, name)
	}
	budget := total / 3
	sb := NewScoreboard(dir, nil)

	first := runPass(t, dir, sb, budget)
	assert.LessOrEqual(t, first.RemainingBytes, budget)
	assert.Positive(t, first.Evicted)

	var onDisk int64
	var entries []string
	for _, name := range dirNames(t, dir) {
		if IsHashName(name) {
			onDisk += fileSize(t, dir, name)
			entries = append(entries, name)
		}
	}
	assert.Equal(t, first.RemainingBytes, onDisk)

	// The scoreboard holds exactly the surviving entries.
	loaded := LoadScoreboard(dir, nil)
	assert.Equal(t, len(entries), loaded.Len())
	for _, name := range entries {
		_, ok := loaded.Lookup(name)
		assert.True(t, ok, name)
	}

	second := runPass(t, dir, loaded, budget)
	assert.Zero(t, second.Evicted)
	assert.Equal(t, first.RemainingBytes, second.RemainingBytes)
	assert.Equal(t, len(entries), second.Scanned)
}

func TestPassHousekeeping(t *testing.T) {
	dir := t.TempDir()
	live := putEntry(t, dir, "http://example.com/live", 1, []byte("x"))

	staleTmp := live + "123456"
	freshTmp := live + "654321"
	for _, name := range []string{staleTmp, freshTmp, "README", "0123"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("partial"), 0600))
	}
	age(t, dir, staleTmp, 16*time.Minute)
	age(t, dir, freshTmp, 14*time.Minute)

	corrupt := HashURL([]byte("http://example.com/corrupt")).String()
	require.NoError(t, os.WriteFile(filepath.Join(dir, corrupt), []byte("garbage that is not an entry at all"), 0600))

	hexDir := HashURL([]byte("http://example.com/dir")).String()
	tmpDir := hexDir + "000"
	for _, d := range []string{hexDir, tmpDir} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, d, "inner"), 0700))
	}
	age(t, dir, tmpDir, time.Hour)

	st := runPass(t, dir, NewScoreboard(dir, nil), 1<<20)
	assert.Equal(t, 1, st.TempsRemoved)
	assert.Equal(t, 1, st.Corrupt)
	assert.Equal(t, 1, st.Scanned)
	assert.Zero(t, st.Evicted)

	names := dirNames(t, dir)
	slices.Sort(names)
	want := []string{"0123", "README", freshTmp, hexDir, tmpDir, live, scoreboardName}
	slices.Sort(want)
	assert.Equal(t, want, names)
}

func TestPassToleratesConcurrentDelete(t *testing.T) {
	dir := t.TempDir()
	recent1, recent5, old1, size := scenario(t, dir)

	p, err := NewPass(dir, NewScoreboard(dir, nil), PassOptions{MaxBytes: 2 * size, Now: fixedClock})
	require.NoError(t, err)
	for len(p.names) > 0 {
		name := p.names[len(p.names)-1]
		p.names = p.names[:len(p.names)-1]
		p.gather(name)
	}
	require.NoError(t, os.Remove(filepath.Join(dir, old1)))

	st := p.Run()
	assert.Zero(t, st.Evicted)
	assert.Equal(t, 2*size, st.RemainingBytes)
	assert.True(t, exists(dir, recent1))
	assert.True(t, exists(dir, recent5))
}

func TestPassTimeSlices(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 10; i++ {
		putEntry(t, dir, fmt.Sprintf("http://example.com/%d", i), 1, []byte("x"))
	}
	p, err := NewPass(dir, NewScoreboard(dir, nil), PassOptions{
		MaxBytes:    0,
		SliceBudget: time.Nanosecond,
		Now:         fixedClock,
	})
	require.NoError(t, err)

	steps := 1
	for !p.Step() {
		steps++
		require.Less(t, steps, 1000)
	}
	assert.Greater(t, steps, 10, "each slice does a bounded amount of work")
	assert.Equal(t, 10, p.Stats().Evicted)
	assert.True(t, p.Step(), "a finished pass stays finished")
}

func TestClearAll(t *testing.T) {
	dir := t.TempDir()
	var names []string
	for i := 0; i < 5; i++ {
		names = append(names, putEntry(t, dir, fmt.Sprintf("http://example.com/%d", i), 1, []byte("body")))
	}
	tmp := names[0] + "999"
	require.NoError(t, os.WriteFile(filepath.Join(dir, tmp), nil, 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "keep.txt"), nil, 0600))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "a", "old"), 0700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, legacyMarker), nil, 0600))
	sb := NewScoreboard(dir, nil)
	require.NoError(t, sb.Persist())

	core, logs := observer.New(zap.InfoLevel)
	st, err := ClearAll(dir, zap.New(core))
	require.NoError(t, err)
	assert.Equal(t, 5, st.Evicted)
	assert.Equal(t, 1, st.TempsRemoved)
	assert.Equal(t, []string{"keep.txt"}, dirNames(t, dir))
	assert.Zero(t, logs.Len())

	st, err = ClearAll(dir, nil)
	require.NoError(t, err)
	assert.Zero(t, st.Evicted)
}
