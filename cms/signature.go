package cms

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"

	"github.com/cloudflare/circl/sign/ed448"
)

// SignerInput prepares message for crypto.Signer.Sign. EdDSA keys sign the
// message itself, RSA and ECDSA sign its digest. RSA with a SHA-3 digest
// gets a complete PKCS #1 DigestInfo and a zero hash option so any RSA
// signer can produce it.
func SignerInput(pub crypto.PublicKey, alg DigestAlgorithm, message []byte) ([]byte, crypto.SignerOpts, error) {
	if err := CheckKeyDigest(pub, alg); err != nil {
		return nil, nil, err
	}

	switch pub.(type) {
	case ed25519.PublicKey, ed448.PublicKey:
		return message, crypto.Hash(0), nil
	case *rsa.PublicKey:
		digest := alg.Sum(message)
		if alg.IsSHA3() {
			info, err := digestInfo(alg, digest)
			if err != nil {
				return nil, nil, err
			}
			return info, crypto.Hash(0), nil
		}
		return digest, alg.HashFunc(), nil
	default:
		return alg.Sum(message), alg.HashFunc(), nil
	}
}

func digestInfo(alg DigestAlgorithm, digest []byte) ([]byte, error) {
	return asn1.Marshal(struct {
		Algorithm pkix.AlgorithmIdentifier
		Digest    []byte
	}{
		Algorithm: pkix.AlgorithmIdentifier{Algorithm: alg.OID(), Parameters: asn1.NullRawValue},
		Digest:    digest,
	})
}

// VerifySignatureValue checks sig over message with pub.
func VerifySignatureValue(pub crypto.PublicKey, alg DigestAlgorithm, message, sig []byte) error {
	if err := CheckKeyDigest(pub, alg); err != nil {
		return err
	}

	switch k := pub.(type) {
	case ed25519.PublicKey:
		if !ed25519.Verify(k, message, sig) {
			return fmt.Errorf("%w: Ed25519 verification failed", ErrInvalidSignature)
		}
	case ed448.PublicKey:
		if !ed448.Verify(k, message, sig, "") {
			return fmt.Errorf("%w: Ed448 verification failed", ErrInvalidSignature)
		}
	case *rsa.PublicKey:
		digest := alg.Sum(message)
		var err error
		if alg.IsSHA3() {
			var info []byte
			if info, err = digestInfo(alg, digest); err != nil {
				return err
			}
			err = rsa.VerifyPKCS1v15(k, 0, info, sig)
		} else {
			err = rsa.VerifyPKCS1v15(k, alg.HashFunc(), digest, sig)
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(k, alg.Sum(message), sig) {
			return fmt.Errorf("%w: ECDSA verification failed", ErrInvalidSignature)
		}
	}
	return nil
}
