// Package cms builds, parses and verifies the detached CMS SignedData
// containers embedded in PDF signature dictionaries.
package cms

import (
	"crypto"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/asn1"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/sha3"
)

// DigestAlgorithm identifies a message digest usable for byte range
// digests and signed attributes.
type DigestAlgorithm int

const (
	SHA256 DigestAlgorithm = iota + 1
	SHA384
	SHA512
	SHA3_256
	SHA3_384
	SHA3_512
	// SHAKE256 is used with its 512 bit output length.
	SHAKE256
)

// shake256Size is the output length in bytes used for SHAKE256.
const shake256Size = 64

var digestOIDs = map[DigestAlgorithm]asn1.ObjectIdentifier{
	SHA256:   {2, 16, 840, 1, 101, 3, 4, 2, 1},
	SHA384:   {2, 16, 840, 1, 101, 3, 4, 2, 2},
	SHA512:   {2, 16, 840, 1, 101, 3, 4, 2, 3},
	SHA3_256: {2, 16, 840, 1, 101, 3, 4, 2, 8},
	SHA3_384: {2, 16, 840, 1, 101, 3, 4, 2, 9},
	SHA3_512: {2, 16, 840, 1, 101, 3, 4, 2, 10},
	SHAKE256: {2, 16, 840, 1, 101, 3, 4, 2, 12},
}

var digestNames = map[DigestAlgorithm]string{
	SHA256:   "SHA-256",
	SHA384:   "SHA-384",
	SHA512:   "SHA-512",
	SHA3_256: "SHA3-256",
	SHA3_384: "SHA3-384",
	SHA3_512: "SHA3-512",
	SHAKE256: "SHAKE256",
}

// Available reports whether d is a known digest algorithm.
func (d DigestAlgorithm) Available() bool {
	_, ok := digestOIDs[d]
	return ok
}

// New returns a fresh hash for d. It panics for unknown algorithms, call
// Available first when d comes from untrusted input.
func (d DigestAlgorithm) New() hash.Hash {
	switch d {
	case SHA256:
		return sha256.New()
	case SHA384:
		return sha512.New384()
	case SHA512:
		return sha512.New()
	case SHA3_256:
		return sha3.New256()
	case SHA3_384:
		return sha3.New384()
	case SHA3_512:
		return sha3.New512()
	case SHAKE256:
		return sha3.NewShake256()
	}
	panic("cms: unknown digest algorithm " + d.String())
}

// Size returns the digest length in bytes.
func (d DigestAlgorithm) Size() int {
	switch d {
	case SHA256, SHA3_256:
		return 32
	case SHA384, SHA3_384:
		return 48
	case SHA512, SHA3_512:
		return 64
	case SHAKE256:
		return shake256Size
	}
	return 0
}

// Sum digests data in one call.
func (d DigestAlgorithm) Sum(data []byte) []byte {
	h := d.New()
	h.Write(data)
	return h.Sum(nil)
}

// OID returns the object identifier of the digest algorithm.
func (d DigestAlgorithm) OID() asn1.ObjectIdentifier {
	return digestOIDs[d]
}

// IsSHA3 reports whether d belongs to the SHA-3 family, SHAKE256 included.
func (d DigestAlgorithm) IsSHA3() bool {
	switch d {
	case SHA3_256, SHA3_384, SHA3_512, SHAKE256:
		return true
	}
	return false
}

// HashFunc maps d onto crypto.Hash. SHAKE256 has no crypto.Hash value and
// maps to zero.
func (d DigestAlgorithm) HashFunc() crypto.Hash {
	switch d {
	case SHA256:
		return crypto.SHA256
	case SHA384:
		return crypto.SHA384
	case SHA512:
		return crypto.SHA512
	case SHA3_256:
		return crypto.SHA3_256
	case SHA3_384:
		return crypto.SHA3_384
	case SHA3_512:
		return crypto.SHA3_512
	}
	return 0
}

func (d DigestAlgorithm) String() string {
	if name, ok := digestNames[d]; ok {
		return name
	}
	return fmt.Sprintf("DigestAlgorithm(%d)", int(d))
}

// ParseDigestAlgorithm accepts names like "SHA-256", "sha256", "SHA3-512"
// or "shake256".
func ParseDigestAlgorithm(name string) (DigestAlgorithm, error) {
	normalized := strings.NewReplacer("-", "", "_", "", " ", "").Replace(strings.ToUpper(name))
	for d, n := range digestNames {
		if strings.ReplaceAll(n, "-", "") == normalized {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown digest algorithm %q", name)
}

// DigestAlgorithmFromOID resolves a digest object identifier.
func DigestAlgorithmFromOID(oid asn1.ObjectIdentifier) (DigestAlgorithm, error) {
	for d, o := range digestOIDs {
		if o.Equal(oid) {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unsupported digest algorithm %s", oid)
}

// DigestAlgorithmFromHash maps a crypto.Hash onto a DigestAlgorithm.
func DigestAlgorithmFromHash(h crypto.Hash) (DigestAlgorithm, bool) {
	for d := SHA256; d <= SHA3_512; d++ {
		if d.HashFunc() == h {
			return d, true
		}
	}
	return 0, false
}
