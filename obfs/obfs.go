// Package obfs implements the relay's wire obfuscation: a symmetric,
// repeating-key XOR applied to an optional prefix of each datagram.
package obfs

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/templexxx/xorsimd"
)

// Config describes one obfuscation profile: the repeating key and an
// optional limit on how many leading bytes of a buffer get transformed.
// A nil First means "transform the whole buffer".
type Config struct {
	Key   []byte
	First *int
}

// ErrEmptyKey is returned by Validate when Key has zero length. A
// zero-length key cannot XOR anything and is rejected before any
// ServerCore starts, per spec.
var ErrEmptyKey = errors.New("obfs: key must not be empty")

// Validate checks the precondition len(key) >= 1. Everything else
// (First being out of range, etc.) is not an error: Transform clamps.
func (c Config) Validate() error {
	if len(c.Key) == 0 {
		return ErrEmptyKey
	}
	return nil
}

// limit returns the number of leading bytes of a buffer of length n
// that should be transformed under this config.
func (c Config) limit(n int) int {
	if c.First == nil {
		return n
	}
	if *c.First < n {
		return *c.First
	}
	return n
}

// keyBufPool holds scratch buffers used to tile the key out to the
// length of the region being transformed, so the hot path can hand
// xorsimd a same-length slice instead of looping byte-by-byte.
var keyBufPool = sync.Pool{
	New: func() any {
		buf := make([]byte, 0, 2048)
		return &buf
	},
}

// Transform XORs buf in place against cfg's repeating key, limited to
// cfg's First bytes (or the whole buffer when First is unset). It is its
// own inverse: calling Transform twice with the same cfg restores the
// original bytes. Bytes beyond the limit are left untouched.
func Transform(buf []byte, cfg Config) {
	n := cfg.limit(len(buf))
	if n <= 0 {
		return
	}
	region := buf[:n]

	key := cfg.Key
	if len(key) == 1 {
		// Single-byte key: every byte XORs against the same value, no
		// tiling needed.
		k := key[0]
		for i := range region {
			region[i] ^= k
		}
		return
	}

	tiled := tileKey(key, n)
	defer releaseTileBuf(tiled)
	xorsimd.Bytes(region, region, *tiled)
}

func tileKey(key []byte, n int) *[]byte {
	bufp := keyBufPool.Get().(*[]byte)
	buf := (*bufp)[:0]
	if cap(buf) < n {
		buf = make([]byte, 0, n)
	}
	for len(buf) < n {
		remaining := n - len(buf)
		if remaining >= len(key) {
			buf = append(buf, key...)
		} else {
			buf = append(buf, key[:remaining]...)
		}
	}
	*bufp = buf
	return bufp
}

func releaseTileBuf(bufp *[]byte) {
	keyBufPool.Put(bufp)
}
