package cachesweep

// Header is the fixed binary prefix shared by cache entry files and
// notification commands.
type Header struct {
	Compression  uint8 // always 0 for now
	UseCount     int32
	ServedAt     int64 // unix seconds
	LastModified int64 // unix seconds
	ExpiresAt    int64 // unix seconds
	BytesCached  int32
}

// Entry is a decoded cache entry file without its body.
type Entry struct {
	Header

	URL      string
	ETag     string
	MIMEType string

	// ResponseHeaders includes the status line, e.g. "HTTP/1.1 200 OK".
	ResponseHeaders []string
}

// FileInfo describes one cache entry for eviction purposes. It is built from
// the scoreboard when possible and from the entry file otherwise.
type FileInfo struct {
	Name     string
	Hash     Hash
	UseCount int32
	LastUsed int64 // unix seconds, mtime of the entry file
	Size     int64 // bytes on disk

	// Entry is only populated by ModeFileInfo reads.
	Entry *Entry
}

// ReadMode selects how much of an entry file ReadEntry decodes and whether a
// corrupt file may be deleted.
type ReadMode int

const (
	// ModeClean decodes the binary header and the URL line, which is all
	// eviction needs. Corrupt files are deleted.
	ModeClean ReadMode = iota

	// ModeFileInfo decodes every field and never modifies the file.
	ModeFileInfo
)
