package internal

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/zeebo/blake3"
)

// HashAlgorithm identifies the digest used for a file's content hash.
// Values are persisted in the manifest cache and must not change.
type HashAlgorithm uint8

const (
	HashNone   HashAlgorithm = 0
	HashMD5    HashAlgorithm = 1
	HashXXH64  HashAlgorithm = 2
	HashBLAKE3 HashAlgorithm = 3
)

func (a HashAlgorithm) String() string {
	switch a {
	case HashMD5:
		return "md5"
	case HashXXH64:
		return "xxh64"
	case HashBLAKE3:
		return "blake3"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(a))
	}
}

// digestSize returns the expected digest length in bytes, or 0 if unknown
func (a HashAlgorithm) digestSize() int {
	switch a {
	case HashMD5:
		return md5.Size
	case HashXXH64:
		return 8
	case HashBLAKE3:
		return 32
	default:
		return 0
	}
}

// New returns a fresh hasher for the algorithm
func (a HashAlgorithm) New() (hash.Hash, error) {
	switch a {
	case HashMD5:
		return md5.New(), nil
	case HashXXH64:
		return xxhash.New(), nil
	case HashBLAKE3:
		return blake3.New(), nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm: %v", a)
	}
}

func parseHashAlgorithm(name string) (HashAlgorithm, error) {
	switch strings.ToLower(name) {
	case "md5":
		return HashMD5, nil
	case "xxh64", "xxhash", "xxhash64":
		return HashXXH64, nil
	case "blake3":
		return HashBLAKE3, nil
	default:
		return HashNone, fmt.Errorf("unsupported hash algorithm %q", name)
	}
}

// ContentHash is the expected digest of a file's decoded content
type ContentHash struct {
	Algorithm HashAlgorithm
	Digest    []byte
}

// ParseContentHash parses "algo:hex". A bare hex digest is accepted and the
// algorithm is inferred from its length.
func ParseContentHash(s string) (ContentHash, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ContentHash{}, errors.New("content hash is empty")
	}

	var alg HashAlgorithm
	digestHex := s
	if name, rest, ok := strings.Cut(s, ":"); ok {
		var err error
		if alg, err = parseHashAlgorithm(name); err != nil {
			return ContentHash{}, err
		}
		digestHex = rest
	} else {
		switch len(s) {
		case md5.Size * 2:
			alg = HashMD5
		case 16:
			alg = HashXXH64
		case 64:
			alg = HashBLAKE3
		default:
			return ContentHash{}, fmt.Errorf("cannot infer hash algorithm from %d hex characters", len(s))
		}
	}

	digest, err := HexToBytes(digestHex)
	if err != nil {
		return ContentHash{}, fmt.Errorf("invalid %v digest: %w", alg, err)
	}
	h := ContentHash{Algorithm: alg, Digest: digest}
	return h, h.validate()
}

func (h ContentHash) validate() error {
	size := h.Algorithm.digestSize()
	if size == 0 {
		return fmt.Errorf("unsupported hash algorithm: %v", h.Algorithm)
	}
	if len(h.Digest) != size {
		return fmt.Errorf("%v digest must be %d bytes, got %d", h.Algorithm, size, len(h.Digest))
	}
	return nil
}

// IsZero reports whether no hash is set
func (h ContentHash) IsZero() bool {
	return h.Algorithm == HashNone && len(h.Digest) == 0
}

func (h ContentHash) String() string {
	if h.IsZero() {
		return ""
	}
	return h.Algorithm.String() + ":" + BytesToHex(h.Digest)
}

// Equal reports whether two hashes have the same algorithm and digest
func (h ContentHash) Equal(other ContentHash) bool {
	return h.Algorithm == other.Algorithm && bytes.Equal(h.Digest, other.Digest)
}

// Matches reports whether sum is the digest this hash expects
func (h ContentHash) Matches(sum []byte) bool {
	return bytes.Equal(h.Digest, sum)
}

// CheckContentHash reads r to EOF and compares its digest with expected.
// It also reports the number of bytes read.
func CheckContentHash(r io.Reader, expected ContentHash) (bool, int64, error) {
	hasher, err := expected.Algorithm.New()
	if err != nil {
		return false, 0, err
	}
	n, err := io.Copy(hasher, r)
	if err != nil {
		return false, n, err
	}
	return expected.Matches(hasher.Sum(nil)), n, nil
}

// BytesToHex converts a byte slice to a hexadecimal string
func BytesToHex(b []byte) string {
	return hex.EncodeToString(b)
}

// HexToBytes converts a hexadecimal string to a byte slice
func HexToBytes(hexStr string) ([]byte, error) {
	if len(hexStr) == 0 {
		return []byte{}, nil
	}
	if len(hexStr)%2 == 1 {
		return nil, fmt.Errorf("hex string must have even length")
	}
	return hex.DecodeString(hexStr)
}
