package cachesweep

import (
	"cmp"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/creachadair/mds/heapq"
	"github.com/creachadair/mds/mapset"
	"go.uber.org/zap"
)

const (
	DefaultSliceBudget = 100 * time.Millisecond
	DefaultTempMaxAge  = 15 * time.Minute
)

// PassOptions configures an eviction pass.
type PassOptions struct {
	MaxBytes    int64
	SliceBudget time.Duration // defaults to DefaultSliceBudget
	TempMaxAge  time.Duration // defaults to DefaultTempMaxAge

	// Now supplies the reference time, read once per pass.
	Now func() time.Time

	Logger  *zap.Logger
	Metrics *Metrics
}

func (o *PassOptions) init() {
	if o.SliceBudget <= 0 {
		o.SliceBudget = DefaultSliceBudget
	}
	if o.TempMaxAge <= 0 {
		o.TempMaxAge = DefaultTempMaxAge
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// PassStats summarizes a completed pass.
type PassStats struct {
	Scanned        int
	Evicted        int
	EvictedBytes   int64
	TempsRemoved   int
	Corrupt        int
	RemainingBytes int64
	Duration       time.Duration
}

type passPhase int

const (
	phaseGather passPhase = iota
	phaseEvict
	phaseDone
)

// Pass is one run of the eviction algorithm. It gathers metadata for every
// entry, then deletes the least useful entries until the cache fits the
// budget. Work is done in slices so the caller can keep serving
// notifications in between.
type Pass struct {
	dir  string
	sb   *Scoreboard
	opts PassOptions
	log  *zap.Logger

	now     int64 // unix seconds, fixed for the whole pass
	started time.Time

	names []string
	live  mapset.Set[Hash]
	cands *heapq.Queue[FileInfo]
	total int64
	phase passPhase
	stats PassStats
}

// NewPass lists dir and prepares a pass over it. sb is consulted and kept
// up to date; it is persisted when the pass completes.
func NewPass(dir string, sb *Scoreboard, opts PassOptions) (*Pass, error) {
	opts.init()
	names, err := listDir(dir)
	if err != nil {
		return nil, err
	}
	now := opts.Now().Unix()
	return &Pass{
		dir:     dir,
		sb:      sb,
		opts:    opts,
		log:     opts.Logger,
		now:     now,
		started: time.Now(),
		names:   names,
		live:    mapset.New[Hash](),
		cands: heapq.New(func(a, b FileInfo) int {
			return compareUsefulness(a, b, now)
		}),
	}, nil
}

func listDir(dir string) ([]string, error) {
	f, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.Readdirnames(-1)
}

// usefulness scores an entry by uses per second since it was last used,
// in whole units. The age is at least one second.
func usefulness(fi FileInfo, now int64) int64 {
	age := max(now-fi.LastUsed, 1)
	return int64(fi.UseCount) / age
}

// compareUsefulness orders eviction candidates, least useful first. Equal
// scores evict the entry used longest ago, then the one used least.
func compareUsefulness(a, b FileInfo, now int64) int {
	if c := cmp.Compare(usefulness(a, now), usefulness(b, now)); c != 0 {
		return c
	}
	if c := cmp.Compare(a.LastUsed, b.LastUsed); c != 0 {
		return c
	}
	if c := cmp.Compare(a.UseCount, b.UseCount); c != 0 {
		return c
	}
	return strings.Compare(a.Name, b.Name)
}

// Step runs the pass for at most one slice and reports whether the pass is
// complete. Each call does at least one unit of work.
func (p *Pass) Step() bool {
	deadline := time.Now().Add(p.opts.SliceBudget)
	for {
		switch p.phase {
		case phaseGather:
			if len(p.names) == 0 {
				p.phase = phaseEvict
				p.log.Debug("gather done",
					zap.Int("candidates", p.cands.Len()), zap.String("total", formatBytes(p.total)))
				break
			}
			name := p.names[len(p.names)-1]
			p.names = p.names[:len(p.names)-1]
			p.gather(name)

		case phaseEvict:
			if p.total <= p.opts.MaxBytes || p.cands.Len() == 0 {
				p.finish()
				return true
			}
			fi, _ := p.cands.Pop()
			p.evict(fi)

		case phaseDone:
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
	}
}

// Done reports whether the pass has completed.
func (p *Pass) Done() bool { return p.phase == phaseDone }

// Stats returns the statistics gathered so far.
func (p *Pass) Stats() PassStats { return p.stats }

// Run steps the pass to completion.
func (p *Pass) Run() PassStats {
	for !p.Step() {
	}
	return p.stats
}

func (p *Pass) gather(name string) {
	if len(name) < hashNameLen || !hasHashPrefix(name) {
		return
	}
	path := filepath.Join(p.dir, name)
	st, err := os.Lstat(path)
	if err != nil || !st.Mode().IsRegular() {
		return
	}

	if len(name) > hashNameLen {
		if p.now-st.ModTime().Unix() > int64(p.opts.TempMaxAge/time.Second) {
			if err := os.Remove(path); err == nil {
				p.stats.TempsRemoved++
				p.log.Debug("removed stale temporary", zap.String("name", name))
			}
		}
		return
	}

	fi, ok := p.sb.Lookup(name)
	if !ok {
		fi, err = ReadEntry(p.dir, name, ModeClean)
		if err != nil {
			var ce *CorruptError
			if errors.As(err, &ce) {
				p.stats.Corrupt++
				p.log.Info("removed corrupt entry", zap.String("name", name), zap.Error(ce.Err))
			}
			return
		}
		p.sb.Upsert(fi)
	}
	p.stats.Scanned++
	p.live.Add(fi.Hash)
	p.total += fi.Size
	p.cands.Add(fi)
}

func (p *Pass) evict(fi FileInfo) {
	err := os.Remove(filepath.Join(p.dir, fi.Name))
	switch {
	case err == nil:
		p.stats.Evicted++
		p.stats.EvictedBytes += fi.Size
	case errors.Is(err, fs.ErrNotExist):
	default:
		p.log.Debug("evict failed", zap.String("name", fi.Name), zap.Error(err))
	}
	p.total -= fi.Size
	p.sb.Remove(fi.Name)
}

func (p *Pass) finish() {
	p.phase = phaseDone
	p.sb.MaybePrune(p.live)
	if err := p.sb.Persist(); err != nil {
		p.log.Warn("persist scoreboard", zap.Error(err))
	}
	p.stats.RemainingBytes = p.total
	p.stats.Duration = time.Since(p.started)
	if p.opts.Metrics != nil {
		p.opts.Metrics.observePass(p.stats, p.sb.Len())
	}

	fields := []zap.Field{
		zap.Int("scanned", p.stats.Scanned),
		zap.Int("evicted", p.stats.Evicted),
		zap.String("evicted_bytes", formatBytes(p.stats.EvictedBytes)),
		zap.String("remaining", formatBytes(p.stats.RemainingBytes)),
		zap.String("budget", formatBytes(p.opts.MaxBytes)),
		zap.Duration("took", p.stats.Duration),
	}
	if rss, ok := processRSSBytes(); ok {
		fields = append(fields, zap.String("rss", formatBytes(rss)))
	}
	p.log.Info("eviction pass done", fields...)
}

// ClearAll deletes every cache entry, every writer temporary, the
// scoreboard and any leftovers of the old layout in dir, regardless of age
// or use. It logs nothing above debug level on success.
func ClearAll(dir string, logger *zap.Logger) (PassStats, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	started := time.Now()
	removeLegacy(dir, logger)
	names, err := listDir(dir)
	if err != nil {
		return PassStats{}, err
	}

	var st PassStats
	var errs []error
	for _, name := range names {
		if !hasHashPrefix(name) {
			continue
		}
		path := filepath.Join(dir, name)
		fi, err := os.Lstat(path)
		if err != nil || !fi.Mode().IsRegular() {
			continue
		}
		if err := os.Remove(path); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, err)
			}
			continue
		}
		if len(name) > hashNameLen {
			st.TempsRemoved++
		} else {
			st.Evicted++
			st.EvictedBytes += fi.Size()
		}
	}
	if err := os.Remove(filepath.Join(dir, scoreboardName)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		errs = append(errs, err)
	}
	st.Duration = time.Since(started)
	logger.Debug("cache cleared",
		zap.Int("entries", st.Evicted),
		zap.Int("temporaries", st.TempsRemoved),
		zap.String("bytes", formatBytes(st.EvictedBytes)))
	if err := errors.Join(errs...); err != nil {
		return st, fmt.Errorf("clear %s: %w", dir, err)
	}
	return st, nil
}
