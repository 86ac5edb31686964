package cachesweep

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	// HeaderSize is the size of the binary entry header.
	HeaderSize = 36

	useCountOffset = 4
	maxLineLen     = 8192
)

var formatVersion = [2]byte{'A', '\n'}

var (
	ErrShortHeader  = errors.New("header too short")
	ErrBadVersion   = errors.New("unknown format version")
	ErrHashMismatch = errors.New("stored url does not match entry name")
	ErrLineTooLong  = errors.New("unterminated or overlong header line")
	ErrSizeMismatch = errors.New("cached body size changed")
)

// CorruptError reports a structurally invalid entry file.
type CorruptError struct {
	Name string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupt cache entry %s: %v", e.Name, e.Err)
}
func (e *CorruptError) Unwrap() error { return e.Err }

// EncodeHeader writes h into b, which must hold at least HeaderSize bytes.
func EncodeHeader(b []byte, h Header) {
	_ = b[HeaderSize-1]
	b[0], b[1] = formatVersion[0], formatVersion[1]
	b[2] = h.Compression
	b[3] = 0
	binary.BigEndian.PutUint32(b[4:8], uint32(h.UseCount))
	binary.BigEndian.PutUint64(b[8:16], uint64(h.ServedAt))
	binary.BigEndian.PutUint64(b[16:24], uint64(h.LastModified))
	binary.BigEndian.PutUint64(b[24:32], uint64(h.ExpiresAt))
	binary.BigEndian.PutUint32(b[32:36], uint32(h.BytesCached))
}

// DecodeHeader parses the binary header at the start of b.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrShortHeader
	}
	if b[0] != formatVersion[0] || b[1] != formatVersion[1] {
		return Header{}, ErrBadVersion
	}
	return Header{
		Compression:  b[2],
		UseCount:     int32(binary.BigEndian.Uint32(b[4:8])),
		ServedAt:     int64(binary.BigEndian.Uint64(b[8:16])),
		LastModified: int64(binary.BigEndian.Uint64(b[16:24])),
		ExpiresAt:    int64(binary.BigEndian.Uint64(b[24:32])),
		BytesCached:  int32(binary.BigEndian.Uint32(b[32:36])),
	}, nil
}

// WriteEntry writes the header and text part of e to w. The body, if any,
// follows and is written by the caller.
func WriteEntry(w io.Writer, e Entry) error {
	var buf bytes.Buffer
	var hdr [HeaderSize]byte
	EncodeHeader(hdr[:], e.Header)
	buf.Write(hdr[:])
	for _, line := range append([]string{e.URL, e.ETag, e.MIMEType}, e.ResponseHeaders...) {
		if len(line)+1 > maxLineLen || strings.IndexByte(line, '\n') >= 0 {
			return fmt.Errorf("write entry: %w", ErrLineTooLong)
		}
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	_, err := w.Write(buf.Bytes())
	return err
}

// ReadEntry decodes the entry file called name in dir.
//
// In ModeClean a corrupt file is deleted before the error is returned. In
// ModeFileInfo the file is never touched.
func ReadEntry(dir, name string, mode ReadMode) (FileInfo, error) {
	path := filepath.Join(dir, name)
	f, err := os.Open(path)
	if err != nil {
		return FileInfo{}, err
	}
	fi, perr := parseEntry(f, name, mode)
	st, serr := f.Stat()
	f.Close()

	if perr != nil {
		if mode != ModeFileInfo {
			_ = os.Remove(path)
		}
		return FileInfo{}, &CorruptError{Name: name, Err: perr}
	}
	if serr != nil {
		return FileInfo{}, serr
	}
	fi.LastUsed = st.ModTime().Unix()
	fi.Size = st.Size()
	return fi, nil
}

func parseEntry(r io.Reader, name string, mode ReadMode) (FileInfo, error) {
	var raw [HeaderSize]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return FileInfo{}, ErrShortHeader
	}
	hdr, err := DecodeHeader(raw[:])
	if err != nil {
		return FileInfo{}, err
	}

	br := bufio.NewReaderSize(r, maxLineLen)
	u, err := readLineChecked(br)
	if err != nil {
		return FileInfo{}, err
	}
	h := HashURL(u)
	if h.String() != name {
		return FileInfo{}, ErrHashMismatch
	}
	fi := FileInfo{Name: name, Hash: h, UseCount: hdr.UseCount}
	if mode != ModeFileInfo {
		return fi, nil
	}

	e := &Entry{Header: hdr, URL: string(u)}
	etag, err := readLineChecked(br)
	if err != nil {
		return FileInfo{}, err
	}
	e.ETag = string(etag)
	mime, err := readLineChecked(br)
	if err != nil {
		return FileInfo{}, err
	}
	e.MIMEType = string(mime)
	for {
		line, err := readLineChecked(br)
		if err != nil {
			return FileInfo{}, err
		}
		if len(line) == 0 {
			break
		}
		e.ResponseHeaders = append(e.ResponseHeaders, string(line))
	}
	fi.Entry = e
	return fi, nil
}

// readLineChecked returns the next line without its newline. A line that is
// empty at EOF, unterminated, or longer than maxLineLen is an error.
func readLineChecked(br *bufio.Reader) ([]byte, error) {
	line, err := br.ReadSlice('\n')
	if err != nil {
		return nil, ErrLineTooLong
	}
	return bytes.Clone(line[:len(line)-1]), nil
}

// WriteUseCount overwrites the use count of an entry in place, provided the
// cached body size still equals expectedBytes.
func WriteUseCount(dir, name string, count, expectedBytes int32) error {
	_, err := updateUseCount(filepath.Join(dir, name), expectedBytes, func(int32) int32 { return count })
	return err
}

// BumpUseCount increments the on-disk use count of an entry by one, provided
// the cached body size still equals expectedBytes. It returns the updated
// header.
func BumpUseCount(dir, name string, expectedBytes int32) (Header, error) {
	return updateUseCount(filepath.Join(dir, name), expectedBytes, func(n int32) int32 { return n + 1 })
}

func updateUseCount(path string, expectedBytes int32, next func(int32) int32) (Header, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return Header{}, err
	}
	defer f.Close()

	var raw [HeaderSize]byte
	if _, err := io.ReadFull(f, raw[:]); err != nil {
		return Header{}, ErrShortHeader
	}
	hdr, err := DecodeHeader(raw[:])
	if err != nil {
		return Header{}, err
	}
	if hdr.BytesCached != expectedBytes {
		return Header{}, ErrSizeMismatch
	}

	hdr.UseCount = next(hdr.UseCount)
	var cnt [4]byte
	binary.BigEndian.PutUint32(cnt[:], uint32(hdr.UseCount))
	if _, err := f.WriteAt(cnt[:], useCountOffset); err != nil {
		return Header{}, err
	}
	return hdr, f.Close()
}

// ReadHeader decodes only the binary header of an entry file.
func ReadHeader(dir, name string) (Header, error) {
	f, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		return Header{}, err
	}
	defer f.Close()

	var raw [HeaderSize]byte
	if _, err := io.ReadFull(f, raw[:]); err != nil {
		return Header{}, ErrShortHeader
	}
	return DecodeHeader(raw[:])
}
