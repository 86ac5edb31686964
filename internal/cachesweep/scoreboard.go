package cachesweep

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"slices"

	"github.com/creachadair/atomicfile"
	"github.com/creachadair/mds/mapset"
	"go.uber.org/zap"
)

const (
	scoreboardName = "scoreboard"
	recordSize     = hashBytes + 4 + 8 + 4

	// staleSlack is how many more records than live entries the scoreboard
	// may hold before a prune.
	staleSlack = 100
)

type scoreRecord struct {
	useCount int32
	lastUsed int64 // unix seconds
	size     int32
}

// Scoreboard is the persistent index of per-entry metadata kept next to the
// cache entries. It lets eviction skip opening files whose size and mtime
// have not changed. It is not safe for concurrent use; the daemon loop owns
// it.
type Scoreboard struct {
	dir  string
	log  *zap.Logger
	recs map[Hash]scoreRecord
}

// NewScoreboard returns an empty scoreboard for dir.
func NewScoreboard(dir string, logger *zap.Logger) *Scoreboard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scoreboard{dir: dir, log: logger, recs: map[Hash]scoreRecord{}}
}

// LoadScoreboard reads the scoreboard file in dir. Records for missing files
// are dropped and records that disagree with the file on disk are refreshed.
// An unreadable index yields an empty scoreboard.
func LoadScoreboard(dir string, logger *zap.Logger) *Scoreboard {
	sb := NewScoreboard(dir, logger)
	b, err := os.ReadFile(filepath.Join(dir, scoreboardName))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			sb.log.Warn("scoreboard unreadable, starting empty", zap.Error(err))
		}
		return sb
	}

	var skipped int
	for len(b) >= recordSize {
		var h Hash
		copy(h[:], b[:hashBytes])
		rec := scoreRecord{
			useCount: int32(binary.BigEndian.Uint32(b[hashBytes:])),
			lastUsed: int64(binary.BigEndian.Uint64(b[hashBytes+4:])),
			size:     int32(binary.BigEndian.Uint32(b[hashBytes+12:])),
		}
		b = b[recordSize:]

		if rec, ok := sb.validate(h, rec); ok {
			sb.recs[h] = rec
		} else {
			skipped++
		}
	}
	sb.log.Debug("scoreboard loaded", zap.Int("records", len(sb.recs)), zap.Int("skipped", skipped))
	return sb
}

// validate checks rec against the entry file. On a size or mtime mismatch the
// use count is reread from the file. It reports false if the entry is gone or
// unreadable.
func (sb *Scoreboard) validate(h Hash, rec scoreRecord) (scoreRecord, bool) {
	name := h.String()
	st, err := os.Stat(filepath.Join(sb.dir, name))
	if err != nil {
		return rec, false
	}
	mtime, size := st.ModTime().Unix(), clampSize(st.Size())
	if mtime == rec.lastUsed && size == rec.size {
		return rec, true
	}
	hdr, err := ReadHeader(sb.dir, name)
	if err != nil {
		return rec, false
	}
	return scoreRecord{useCount: hdr.UseCount, lastUsed: mtime, size: size}, true
}

// Lookup returns the metadata for the entry called name. It misses when
// there is no record or the entry file no longer exists.
func (sb *Scoreboard) Lookup(name string) (FileInfo, bool) {
	h, err := ParseHash(name)
	if err != nil {
		return FileInfo{}, false
	}
	rec, ok := sb.recs[h]
	if !ok {
		return FileInfo{}, false
	}
	rec, ok = sb.validate(h, rec)
	if !ok {
		delete(sb.recs, h)
		return FileInfo{}, false
	}
	sb.recs[h] = rec
	return FileInfo{
		Name:     name,
		Hash:     h,
		UseCount: rec.useCount,
		LastUsed: rec.lastUsed,
		Size:     int64(rec.size),
	}, true
}

// Upsert records fi, replacing any previous record for the same entry.
func (sb *Scoreboard) Upsert(fi FileInfo) {
	sb.recs[fi.Hash] = scoreRecord{
		useCount: fi.UseCount,
		lastUsed: fi.LastUsed,
		size:     clampSize(fi.Size),
	}
}

// Remove drops the record for name, if any.
func (sb *Scoreboard) Remove(name string) {
	if h, err := ParseHash(name); err == nil {
		delete(sb.recs, h)
	}
}

func (sb *Scoreboard) Len() int { return len(sb.recs) }

// MaybePrune drops every record not in live once the scoreboard holds at
// least staleSlack more records than there are live entries. It returns the
// number of records dropped.
func (sb *Scoreboard) MaybePrune(live mapset.Set[Hash]) int {
	if sb.Len() < live.Len()+staleSlack {
		return 0
	}
	var n int
	for h := range sb.recs {
		if !live.Has(h) {
			delete(sb.recs, h)
			n++
		}
	}
	sb.log.Debug("scoreboard pruned", zap.Int("dropped", n), zap.Int("kept", len(sb.recs)))
	return n
}

// Persist atomically replaces the scoreboard file with the current records.
func (sb *Scoreboard) Persist() error {
	keys := make([]Hash, 0, len(sb.recs))
	for h := range sb.recs {
		keys = append(keys, h)
	}
	slices.SortFunc(keys, func(a, b Hash) int { return bytes.Compare(a[:], b[:]) })

	buf := make([]byte, 0, len(keys)*recordSize)
	for _, h := range keys {
		rec := sb.recs[h]
		buf = append(buf, h[:]...)
		buf = binary.BigEndian.AppendUint32(buf, uint32(rec.useCount))
		buf = binary.BigEndian.AppendUint64(buf, uint64(rec.lastUsed))
		buf = binary.BigEndian.AppendUint32(buf, uint32(rec.size))
	}
	return atomicfile.WriteData(filepath.Join(sb.dir, scoreboardName), buf, 0600)
}

func clampSize(n int64) int32 {
	if n > math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(n)
}
