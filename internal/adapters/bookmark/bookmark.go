// Package bookmark mints and redeems scoped bookmarks: signed tokens that let
// the host open exactly one file the worker vouched for, read-only, for a
// limited time.
//
// Token format: base64url(claims JSON) "." base64url(HMAC-SHA256(claims)).
// The key is generated by the host per session and handed to the workers it
// launches.
package bookmark

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/corey/mediabridge/internal/domain/messenger"
)

// DefaultTTL is how long a bookmark stays redeemable.
const DefaultTTL = 10 * time.Minute

// KeyEnv is the environment variable a launched worker reads its key from.
const KeyEnv = "MEDIABRIDGE_BOOKMARK_KEY"

const keySize = 32

// Key is the shared signing secret.
type Key []byte

// NewKey returns a random key.
func NewKey() (Key, error) {
	k := make(Key, keySize)
	if _, err := rand.Read(k); err != nil {
		return nil, fmt.Errorf("generate bookmark key: %w", err)
	}
	return k, nil
}

// String returns the hex form passed to workers.
func (k Key) String() string {
	return hex.EncodeToString(k)
}

// ParseKey decodes a key produced by Key.String.
func ParseKey(s string) (Key, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("parse bookmark key: %w", err)
	}
	if len(b) < keySize {
		return nil, fmt.Errorf("parse bookmark key: want %d bytes, got %d", keySize, len(b))
	}
	return Key(b), nil
}

// Claims is what a bookmark grants.
type Claims struct {
	Path     string    `json:"path"`
	Object   string    `json:"object"`
	IssuedAt time.Time `json:"issued_at"`
	Nonce    string    `json:"nonce"`
}

// Minter signs and checks bookmarks with one key.
type Minter struct {
	key Key
	ttl time.Duration
	now func() time.Time
}

// NewMinter returns a minter. A non-positive ttl means DefaultTTL.
func NewMinter(key Key, ttl time.Duration) *Minter {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Minter{key: key, ttl: ttl, now: time.Now}
}

// Mint issues a bookmark for path on behalf of objectID.
func (m *Minter) Mint(path, objectID string) ([]byte, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("mint bookmark: %w", err)
	}
	claims, err := json.Marshal(Claims{
		Path:     filepath.Clean(abs),
		Object:   objectID,
		IssuedAt: m.now().UTC(),
		Nonce:    uuid.NewString(),
	})
	if err != nil {
		return nil, fmt.Errorf("mint bookmark: %w", err)
	}
	enc := base64.RawURLEncoding
	var buf bytes.Buffer
	buf.WriteString(enc.EncodeToString(claims))
	buf.WriteByte('.')
	buf.WriteString(enc.EncodeToString(m.sign(claims)))
	return buf.Bytes(), nil
}

// Verify checks the signature and age of token and returns its claims.
func (m *Minter) Verify(token []byte) (Claims, error) {
	body, sig, ok := bytes.Cut(token, []byte("."))
	if !ok {
		return Claims{}, messenger.Errorf(messenger.ErrAccessDenied, "redeem bookmark", "malformed token")
	}
	enc := base64.RawURLEncoding
	claimsJSON, err := enc.DecodeString(string(body))
	if err != nil {
		return Claims{}, messenger.Wrap(messenger.ErrAccessDenied, "redeem bookmark", "malformed claims", err)
	}
	gotSig, err := enc.DecodeString(string(sig))
	if err != nil {
		return Claims{}, messenger.Wrap(messenger.ErrAccessDenied, "redeem bookmark", "malformed signature", err)
	}
	if !hmac.Equal(gotSig, m.sign(claimsJSON)) {
		return Claims{}, messenger.Errorf(messenger.ErrAccessDenied, "redeem bookmark", "signature mismatch")
	}

	var c Claims
	if err := json.Unmarshal(claimsJSON, &c); err != nil {
		return Claims{}, messenger.Wrap(messenger.ErrAccessDenied, "redeem bookmark", "claims", err)
	}
	age := m.now().Sub(c.IssuedAt)
	if age > m.ttl {
		return Claims{}, messenger.Errorf(messenger.ErrAccessDenied, "redeem bookmark", "bookmark for %s expired %s ago", c.Object, (age - m.ttl).Round(time.Second))
	}
	if age < -time.Minute {
		return Claims{}, messenger.Errorf(messenger.ErrAccessDenied, "redeem bookmark", "bookmark issued in the future")
	}
	return c, nil
}

// Redeem verifies token and opens the file it names read-only. Only regular
// files are handed out.
func (m *Minter) Redeem(token []byte) (*os.File, Claims, error) {
	c, err := m.Verify(token)
	if err != nil {
		return nil, Claims{}, err
	}
	f, err := os.Open(c.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, Claims{}, messenger.Wrap(messenger.ErrNotFound, "redeem bookmark", c.Object, err)
		}
		return nil, Claims{}, messenger.Wrap(messenger.ErrAccessDenied, "redeem bookmark", c.Object, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, Claims{}, messenger.Wrap(messenger.ErrAccessDenied, "redeem bookmark", c.Object, err)
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, Claims{}, messenger.Errorf(messenger.ErrAccessDenied, "redeem bookmark", "%s is not a regular file", c.Path)
	}
	return f, c, nil
}

func (m *Minter) sign(data []byte) []byte {
	mac := hmac.New(sha256.New, m.key)
	mac.Write(data)
	return mac.Sum(nil)
}
