package cms

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"

	"github.com/cloudflare/circl/sign/ed448"
)

var (
	// ErrUnsupportedDigestForKeyType is matched by every UnsupportedDigestError.
	ErrUnsupportedDigestForKeyType = errors.New("unsupported digest for key type")
	ErrUnsupportedKey              = errors.New("unsupported key type")
	ErrInvalidSignature            = errors.New("invalid signature")
)

var (
	oidPublicKeyRSA     = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
	oidPublicKeyEd25519 = asn1.ObjectIdentifier{1, 3, 101, 112}
	oidPublicKeyEd448   = asn1.ObjectIdentifier{1, 3, 101, 113}

	oidSignatureRSASHA3_256   = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 3, 14}
	oidSignatureRSASHA3_384   = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 3, 15}
	oidSignatureRSASHA3_512   = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 3, 16}
	oidSignatureECDSASHA256   = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
	oidSignatureECDSASHA384   = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 3}
	oidSignatureECDSASHA512   = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 4}
	oidSignatureECDSASHA3_256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 3, 10}
	oidSignatureECDSASHA3_384 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 3, 11}
	oidSignatureECDSASHA3_512 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 3, 12}
)

// UnsupportedDigestError reports a digest algorithm that cannot be combined
// with the signing key. Signing and verification return the same value for
// the same key and digest.
type UnsupportedDigestError struct {
	KeyType  string
	Required DigestAlgorithm
	Got      DigestAlgorithm
}

func (e *UnsupportedDigestError) Error() string {
	if e.Required == 0 {
		return fmt.Sprintf("%s signatures do not support %s digest", e.KeyType, e.Got)
	}
	return fmt.Sprintf("%s signatures require %s digest, got %s", e.KeyType, e.Required, e.Got)
}

func (e *UnsupportedDigestError) Is(target error) bool {
	return target == ErrUnsupportedDigestForKeyType
}

// KeyType returns a short name for the public key algorithm.
func KeyType(pub crypto.PublicKey) string {
	switch pub.(type) {
	case *rsa.PublicKey:
		return "RSA"
	case *ecdsa.PublicKey:
		return "ECDSA"
	case ed25519.PublicKey:
		return "Ed25519"
	case ed448.PublicKey:
		return "Ed448"
	}
	return fmt.Sprintf("%T", pub)
}

// IsEdDSA reports whether pub is an Ed25519 or Ed448 key.
func IsEdDSA(pub crypto.PublicKey) bool {
	switch pub.(type) {
	case ed25519.PublicKey, ed448.PublicKey:
		return true
	}
	return false
}

// CheckKeyDigest enforces the digest rules of the key type: Ed25519 pairs
// with SHA-512 and Ed448 with SHAKE256, RSA and ECDSA accept the SHA-2 and
// SHA-3 fixed length digests.
func CheckKeyDigest(pub crypto.PublicKey, alg DigestAlgorithm) error {
	switch pub.(type) {
	case ed25519.PublicKey:
		if alg != SHA512 {
			return &UnsupportedDigestError{KeyType: "Ed25519", Required: SHA512, Got: alg}
		}
	case ed448.PublicKey:
		if alg != SHAKE256 {
			return &UnsupportedDigestError{KeyType: "Ed448", Required: SHAKE256, Got: alg}
		}
	case *rsa.PublicKey, *ecdsa.PublicKey:
		if !alg.Available() || alg == SHAKE256 {
			return &UnsupportedDigestError{KeyType: KeyType(pub), Got: alg}
		}
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedKey, pub)
	}
	return nil
}

// SignatureAlgorithm returns the signature algorithm identifier written to
// SignerInfo for the key and digest.
func SignatureAlgorithm(pub crypto.PublicKey, alg DigestAlgorithm) (pkix.AlgorithmIdentifier, error) {
	if err := CheckKeyDigest(pub, alg); err != nil {
		return pkix.AlgorithmIdentifier{}, err
	}

	switch pub.(type) {
	case *rsa.PublicKey:
		switch alg {
		case SHA3_256:
			return pkix.AlgorithmIdentifier{Algorithm: oidSignatureRSASHA3_256}, nil
		case SHA3_384:
			return pkix.AlgorithmIdentifier{Algorithm: oidSignatureRSASHA3_384}, nil
		case SHA3_512:
			return pkix.AlgorithmIdentifier{Algorithm: oidSignatureRSASHA3_512}, nil
		}
		return pkix.AlgorithmIdentifier{Algorithm: oidPublicKeyRSA, Parameters: asn1.NullRawValue}, nil
	case *ecdsa.PublicKey:
		oid := map[DigestAlgorithm]asn1.ObjectIdentifier{
			SHA256:   oidSignatureECDSASHA256,
			SHA384:   oidSignatureECDSASHA384,
			SHA512:   oidSignatureECDSASHA512,
			SHA3_256: oidSignatureECDSASHA3_256,
			SHA3_384: oidSignatureECDSASHA3_384,
			SHA3_512: oidSignatureECDSASHA3_512,
		}[alg]
		return pkix.AlgorithmIdentifier{Algorithm: oid}, nil
	case ed25519.PublicKey:
		return pkix.AlgorithmIdentifier{Algorithm: oidPublicKeyEd25519}, nil
	default:
		return pkix.AlgorithmIdentifier{Algorithm: oidPublicKeyEd448}, nil
	}
}

// SignatureSize returns the maximum signature size in bytes for pub.
func SignatureSize(pub crypto.PublicKey) (int, error) {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		if k.N == nil {
			return 0, fmt.Errorf("%w: RSA key has nil modulus", ErrUnsupportedKey)
		}
		return k.Size(), nil
	case *ecdsa.PublicKey:
		if k.Curve == nil {
			return 0, fmt.Errorf("%w: ECDSA key has nil curve", ErrUnsupportedKey)
		}
		// SEQUENCE of two INTEGERs, each possibly carrying a padding byte.
		coordSize := (k.Curve.Params().BitSize + 7) / 8
		return 2*coordSize + 9, nil
	case ed25519.PublicKey:
		return ed25519.SignatureSize, nil
	case ed448.PublicKey:
		return ed448.SignatureSize, nil
	}
	return 0, fmt.Errorf("%w: %T", ErrUnsupportedKey, pub)
}

type subjectPublicKeyInfo struct {
	Algorithm pkix.AlgorithmIdentifier
	PublicKey asn1.BitString
}

// PublicKey returns the public key of cert. The standard library leaves
// PublicKey nil for Ed448 certificates, those are decoded here.
func PublicKey(cert *x509.Certificate) (crypto.PublicKey, error) {
	if cert == nil {
		return nil, errors.New("certificate cannot be nil")
	}
	if cert.PublicKey != nil {
		return cert.PublicKey, nil
	}

	var spki subjectPublicKeyInfo
	if _, err := asn1.Unmarshal(cert.RawSubjectPublicKeyInfo, &spki); err != nil {
		return nil, fmt.Errorf("failed to parse subject public key info: %w", err)
	}
	if !spki.Algorithm.Algorithm.Equal(oidPublicKeyEd448) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKey, spki.Algorithm.Algorithm)
	}
	if len(spki.PublicKey.Bytes) != ed448.PublicKeySize {
		return nil, fmt.Errorf("%w: Ed448 key has %d bytes", ErrUnsupportedKey, len(spki.PublicKey.Bytes))
	}
	return ed448.PublicKey(spki.PublicKey.Bytes), nil
}

// MatchesCertificate checks that signer holds the private key of cert.
func MatchesCertificate(signer crypto.Signer, cert *x509.Certificate) error {
	pub, err := PublicKey(cert)
	if err != nil {
		return err
	}
	type equaler interface {
		Equal(crypto.PublicKey) bool
	}
	k, ok := signer.Public().(equaler)
	if !ok {
		return fmt.Errorf("%w: %T", ErrUnsupportedKey, signer.Public())
	}
	if !k.Equal(pub) {
		return errors.New("signer public key does not match certificate")
	}
	return nil
}

// DefaultDigest returns the digest used for pub when none is configured.
func DefaultDigest(pub crypto.PublicKey) DigestAlgorithm {
	switch pub.(type) {
	case ed25519.PublicKey:
		return SHA512
	case ed448.PublicKey:
		return SHAKE256
	}
	return SHA256
}
