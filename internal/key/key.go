// Package key describes segment encryption (#EXT-X-KEY) and resolves key
// material lazily, reusing the last resolved key across segments.
package key

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/agleyzer/hlsabr/internal/decrypt"
	"github.com/agleyzer/hlsabr/internal/transport"
)

var (
	// ErrKeyUnavailable is returned when key material cannot be obtained.
	ErrKeyUnavailable = errors.New("key unavailable")

	// ErrUnsupportedMethod is returned for key methods that cannot be
	// decrypted, such as the CTR mode of SAMPLE-AES.
	ErrUnsupportedMethod = errors.New("unsupported key method")
)

// Method is the cipher a segment is protected with.
type Method uint8

const (
	MethodNone Method = iota
	MethodAES128
	MethodSampleAES
)

// ParseMethod parses the METHOD attribute of #EXT-X-KEY.
func ParseMethod(s string) (Method, error) {
	switch strings.ToUpper(s) {
	case "", "NONE":
		return MethodNone, nil
	case "AES-128":
		return MethodAES128, nil
	case "SAMPLE-AES":
		return MethodSampleAES, nil
	default:
		return MethodNone, fmt.Errorf("%w: %q", ErrUnsupportedMethod, s)
	}
}

func (m Method) String() string {
	switch m {
	case MethodAES128:
		return "AES-128"
	case MethodSampleAES:
		return "SAMPLE-AES"
	default:
		return "NONE"
	}
}

// ParseIV decodes a 0x-prefixed hexadecimal IV into 16 bytes.
func ParseIV(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) == 0 || len(s) > 32 {
		return nil, fmt.Errorf("%w: %q", decrypt.ErrBadIV, s)
	}
	if len(s)%2 == 1 {
		s = "0" + s
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", decrypt.ErrBadIV, err)
	}
	iv := make([]byte, 16)
	copy(iv[16-len(raw):], raw)
	return iv, nil
}

// Fetcher downloads key URIs.
type Fetcher interface {
	Fetch(ctx context.Context, req transport.Request) (*transport.Response, error)
}

// EncryptionKey is shared by every segment following one #EXT-X-KEY tag.
type EncryptionKey struct {
	Method    Method
	URI       string
	IV        []byte
	KeyFormat string

	mu       sync.Mutex
	resolved decrypt.Key
}

// Encrypted reports whether segments under this key need decryption.
func (k *EncryptionKey) Encrypted() bool {
	return k != nil && k.Method != MethodNone
}

// IVFor returns the IV for a segment: the manifest IV when present, else the
// big-endian sequence number in a 16-byte block.
func (k *EncryptionKey) IVFor(sequence uint64) []byte {
	if len(k.IV) == 16 {
		return k.IV
	}
	iv := make([]byte, 16)
	binary.BigEndian.PutUint64(iv[8:], sequence)
	return iv
}

// Resolve returns the key material, fetching and deriving it on first use.
// The cache is consulted before any network access.
func (k *EncryptionKey) Resolve(ctx context.Context, f Fetcher, d decrypt.Decryptor, cache *Cache) (decrypt.Key, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.resolved != nil {
		return k.resolved, nil
	}
	if k.URI == "" {
		return nil, fmt.Errorf("%w: no key URI", ErrKeyUnavailable)
	}
	if cached, ok := cache.Get(k.URI); ok {
		k.resolved = cached
		return cached, nil
	}

	resp, err := f.Fetch(ctx, transport.Request{URI: k.URI})
	if err != nil {
		if transport.IsCanceled(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}
	material, err := d.DeriveKey(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}

	k.resolved = material
	cache.Put(k.URI, material)
	return material, nil
}

// Forget drops resolved material and evicts it from cache, forcing the
// next Resolve to refetch.
func (k *EncryptionKey) Forget(cache *Cache) {
	k.mu.Lock()
	k.resolved = nil
	k.mu.Unlock()
	cache.Delete(k.URI)
}

// Cache remembers the last resolved key of a presentation. Consecutive
// segments almost always share one key, so one entry is enough.
type Cache struct {
	mu   sync.Mutex
	uri  string
	key  decrypt.Key
	hits int
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{}
}

// Get returns the cached key for uri.
func (c *Cache) Get(uri string) (decrypt.Key, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.key == nil || c.uri != uri {
		return nil, false
	}
	c.hits++
	return c.key, true
}

// Put replaces the cached key.
func (c *Cache) Put(uri string, key decrypt.Key) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.uri, c.key = uri, key
	c.mu.Unlock()
}

// Delete evicts the key cached for uri.
func (c *Cache) Delete(uri string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	if c.uri == uri {
		c.uri, c.key = "", nil
	}
	c.mu.Unlock()
}

// Hits returns how many lookups were served from the cache.
func (c *Cache) Hits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits
}
