package cachesweep

import (
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrTooLarge is returned by StoreEntry for bodies that could never fit the
// cache budget.
var ErrTooLarge = errors.New("entry larger than cache budget")

// DisableNotifyEnv, when set to a non-empty value, turns Notifier.Send into
// a no-op.
const DisableNotifyEnv = "CACHESWEEP_DISABLE_NOTIFY"

// StoreEntry writes a complete entry for e.URL into dir and returns the
// notification announcing it. The file is written under a temporary name
// and renamed into place, so readers never see a partial entry. A positive
// maxBytes rejects bodies larger than that.
func StoreEntry(dir string, e Entry, body []byte, maxBytes int64) (Command, error) {
	if (maxBytes > 0 && int64(len(body)) > maxBytes) || len(body) > math.MaxInt32 {
		return Command{}, ErrTooLarge
	}
	name := HashURL([]byte(e.URL)).String()
	e.BytesCached = int32(len(body))

	f, err := os.CreateTemp(dir, name+"*")
	if err != nil {
		return Command{}, err
	}
	tmp := f.Name()
	err = WriteEntry(f, e)
	if err == nil {
		_, err = f.Write(body)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, filepath.Join(dir, name))
	}
	if err != nil {
		_ = os.Remove(tmp)
		return Command{}, fmt.Errorf("store %s: %w", name, err)
	}
	return Command{Header: e.Header, Op: OpCreateFile, Name: name}, nil
}

// MarkUsed returns the notification recording one more use of the entry
// called name.
func MarkUsed(dir, name string) (Command, error) {
	hdr, err := ReadHeader(dir, name)
	if err != nil {
		return Command{}, err
	}
	return Command{Header: hdr, Op: OpUpdateFile, Name: name}, nil
}

// Notifier sends notifications to the daemon. Delivery is best effort: the
// daemon may be down, and workers never wait for it.
type Notifier struct {
	socket   string
	disabled bool

	mu   sync.Mutex
	conn net.Conn
}

func NewNotifier(socket string) *Notifier {
	return &Notifier{
		socket:   socket,
		disabled: os.Getenv(DisableNotifyEnv) != "",
	}
}

// Send writes cmd to the daemon, dialing on first use and redialing once if
// the connection went away.
func (n *Notifier) Send(cmd Command) error {
	if n.disabled {
		return nil
	}
	frame := cmd.Encode()

	n.mu.Lock()
	defer n.mu.Unlock()
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		if n.conn == nil {
			n.conn, err = net.DialTimeout("unix", n.socket, time.Second)
			if err != nil {
				return fmt.Errorf("dial %s: %w", n.socket, err)
			}
		}
		_ = n.conn.SetWriteDeadline(time.Now().Add(time.Second))
		if _, err = n.conn.Write(frame[:]); err == nil {
			return nil
		}
		n.conn.Close()
		n.conn = nil
	}
	return fmt.Errorf("notify %s: %w", cmd.Name, err)
}

func (n *Notifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn == nil {
		return nil
	}
	err := n.conn.Close()
	n.conn = nil
	return err
}
