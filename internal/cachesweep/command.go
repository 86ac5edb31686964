package cachesweep

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// CommandSize is the fixed length of a notification on the wire.
const CommandSize = HeaderSize + 4 + hashNameLen

// Opcode identifies what a notification asks the daemon to do.
type Opcode uint32

const (
	OpInvalid    Opcode = 0
	OpCreateFile Opcode = 1
	OpUpdateFile Opcode = 2
)

func (op Opcode) String() string {
	switch op {
	case OpCreateFile:
		return "create"
	case OpUpdateFile:
		return "update"
	default:
		return fmt.Sprintf("invalid(%d)", uint32(op))
	}
}

var (
	ErrUnknownOpcode = errors.New("unknown opcode")
	ErrBadName       = errors.New("invalid entry name")
)

// Command is a decoded notification. Header is the entry header as the
// worker knows it.
type Command struct {
	Header
	Op   Opcode
	Name string
}

// DecodeCommand parses one wire frame.
func DecodeCommand(b [CommandSize]byte) (Command, error) {
	hdr, err := DecodeHeader(b[:HeaderSize])
	if err != nil {
		return Command{}, err
	}
	cmd := Command{
		Header: hdr,
		Op:     Opcode(binary.BigEndian.Uint32(b[HeaderSize:])),
		Name:   string(b[HeaderSize+4:]),
	}
	if cmd.Op != OpCreateFile && cmd.Op != OpUpdateFile {
		return cmd, fmt.Errorf("%w %d", ErrUnknownOpcode, uint32(cmd.Op))
	}
	if !IsHashName(cmd.Name) {
		return cmd, fmt.Errorf("%w %q", ErrBadName, cmd.Name)
	}
	return cmd, nil
}

// Encode returns the wire frame for c.
func (c Command) Encode() [CommandSize]byte {
	var b [CommandSize]byte
	EncodeHeader(b[:HeaderSize], c.Header)
	binary.BigEndian.PutUint32(b[HeaderSize:], uint32(c.Op))
	copy(b[HeaderSize+4:], c.Name)
	return b
}

// CommandReader frames a byte stream into fixed-size commands. A frame that
// is interrupted by a read error, such as a deadline, is kept and completed
// by the next call to Next.
type CommandReader struct {
	r   io.Reader
	buf [CommandSize]byte
	n   int
}

func NewCommandReader(r io.Reader) *CommandReader {
	return &CommandReader{r: r}
}

// Next returns the next complete frame. It returns io.EOF at a clean end of
// stream and io.ErrUnexpectedEOF if the stream ends inside a frame.
func (cr *CommandReader) Next() ([CommandSize]byte, error) {
	for cr.n < CommandSize {
		n, err := cr.r.Read(cr.buf[cr.n:])
		cr.n += n
		if cr.n == CommandSize {
			break
		}
		if err != nil {
			if errors.Is(err, io.EOF) && cr.n > 0 {
				err = io.ErrUnexpectedEOF
			}
			return [CommandSize]byte{}, err
		}
	}
	cr.n = 0
	return cr.buf, nil
}

// Buffered reports how many bytes of an incomplete frame are held.
func (cr *CommandReader) Buffered() int { return cr.n }

// Handler applies notifications to the scoreboard and the entry files.
type Handler struct {
	dir     string
	sb      *Scoreboard
	log     *zap.Logger
	noise   *rateLimitedLogger
	metrics *Metrics
}

func NewHandler(dir string, sb *Scoreboard, logger *zap.Logger, m *Metrics) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = NewMetrics()
	}
	return &Handler{
		dir:     dir,
		sb:      sb,
		log:     logger,
		noise:   newRateLimitedLogger(logger, 10*time.Second),
		metrics: m,
	}
}

// Apply executes cmd and returns the number of bytes it added to the cache.
func (h *Handler) Apply(cmd Command) (int64, error) {
	switch cmd.Op {
	case OpCreateFile:
		st, err := os.Stat(filepath.Join(h.dir, cmd.Name))
		if err != nil {
			return 0, err
		}
		hash, err := ParseHash(cmd.Name)
		if err != nil {
			return 0, err
		}
		h.sb.Upsert(FileInfo{
			Name:     cmd.Name,
			Hash:     hash,
			UseCount: cmd.UseCount,
			LastUsed: st.ModTime().Unix(),
			Size:     st.Size(),
		})
		return st.Size(), nil

	case OpUpdateFile:
		hdr, err := BumpUseCount(h.dir, cmd.Name, cmd.BytesCached)
		if err != nil {
			return 0, err
		}
		st, err := os.Stat(filepath.Join(h.dir, cmd.Name))
		if err != nil {
			return 0, err
		}
		hash, err := ParseHash(cmd.Name)
		if err != nil {
			return 0, err
		}
		h.sb.Upsert(FileInfo{
			Name:     cmd.Name,
			Hash:     hash,
			UseCount: hdr.UseCount,
			LastUsed: st.ModTime().Unix(),
			Size:     st.Size(),
		})
		return 0, nil

	default:
		return 0, fmt.Errorf("%w %d", ErrUnknownOpcode, uint32(cmd.Op))
	}
}

// ApplyRaw decodes and applies one frame. Failures are counted and logged,
// never returned: a bad notification must not stop the daemon.
func (h *Handler) ApplyRaw(b [CommandSize]byte) int64 {
	cmd, err := DecodeCommand(b)
	if err == nil {
		var added int64
		added, err = h.Apply(cmd)
		if err == nil {
			h.metrics.commands.WithLabelValues(cmd.Op.String()).Inc()
			return added
		}
	}
	h.metrics.dropped.Inc()
	h.noise.Warn("dropped notification",
		zap.Stringer("op", cmd.Op), zap.String("name", cmd.Name), zap.Error(err))
	return 0
}
