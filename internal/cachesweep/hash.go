package cachesweep

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/url"
)

const (
	hashBytes   = sha1.Size
	hashNameLen = 2 * hashBytes
)

// Hash is the packed binary form of an entry name.
type Hash [hashBytes]byte

// HashURL returns the cache key of a stored URL.
func HashURL(u []byte) Hash {
	return Hash(sha1.Sum(u))
}

// String returns the lowercase hex form used as the entry filename.
func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// ParseHash decodes an entry filename.
func ParseHash(name string) (Hash, error) {
	var h Hash
	if !IsHashName(name) {
		return h, fmt.Errorf("invalid entry name %q", name)
	}
	if _, err := hex.Decode(h[:], []byte(name)); err != nil {
		return h, err
	}
	return h, nil
}

// IsHashName reports whether name is exactly a lowercase hex entry name.
func IsHashName(name string) bool {
	return len(name) == hashNameLen && hasHashPrefix(name)
}

// hasHashPrefix reports whether the first hashNameLen bytes of name are
// lowercase hex digits. Writers create temporaries named by the entry name
// followed by a random suffix.
func hasHashPrefix(name string) bool {
	if len(name) < hashNameLen {
		return false
	}
	for i := 0; i < hashNameLen; i++ {
		c := name[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// StorableURL strips the parts of u that must not end up in the cache: the
// password and the fragment. The result is what workers hash and store.
func StorableURL(u *url.URL) string {
	c := *u
	if c.User != nil {
		c.User = url.User(c.User.Username())
	}
	c.Fragment = ""
	c.RawFragment = ""
	return c.String()
}
