// Package azure signs with keys held in Azure Key Vault.
//
// Key Vault returns ECDSA signatures as the concatenation of r and s. They
// are converted to the DER encoding CMS expects.
package azure

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azkeys"
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

var (
	ErrClientRequired       = errors.New("azure: client is required")
	ErrKeyNameRequired      = errors.New("azure: key name is required")
	ErrCertificateRequired  = errors.New("azure: certificate is required")
	ErrUnsupportedAlgorithm = errors.New("azure: unsupported key type or hash")
)

// KeyClient is the part of *azkeys.Client used by the signer.
type KeyClient interface {
	Sign(ctx context.Context, name string, version string, parameters azkeys.SignParameters, options *azkeys.SignOptions) (azkeys.SignResponse, error)
}

type Config struct {
	Client  KeyClient
	KeyName string
	// KeyVersion selects a key version, the latest when empty.
	KeyVersion  string
	Certificate *x509.Certificate
	Chain       []*x509.Certificate
}

// Signer is a crypto.Signer backed by a Key Vault key.
type Signer struct {
	cfg Config
}

func NewSigner(cfg Config) (*Signer, error) {
	switch {
	case cfg.Client == nil:
		return nil, ErrClientRequired
	case cfg.KeyName == "":
		return nil, ErrKeyNameRequired
	case cfg.Certificate == nil:
		return nil, ErrCertificateRequired
	}
	return &Signer{cfg: cfg}, nil
}

func (s *Signer) Certificate() *x509.Certificate {
	return s.cfg.Certificate
}

func (s *Signer) Chain() []*x509.Certificate {
	return s.cfg.Chain
}

func (s *Signer) Public() crypto.PublicKey {
	return s.cfg.Certificate.PublicKey
}

func (s *Signer) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	return s.SignContext(context.Background(), digest, opts)
}

// SignContext signs digest with the Key Vault key within ctx.
func (s *Signer) SignContext(ctx context.Context, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	algo, err := signingAlgorithm(s.Public(), opts)
	if err != nil {
		return nil, err
	}

	resp, err := s.cfg.Client.Sign(ctx, s.cfg.KeyName, s.cfg.KeyVersion, azkeys.SignParameters{
		Algorithm: &algo,
		Value:     digest,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("azure: sign failed: %w", err)
	}

	if _, ok := s.Public().(*ecdsa.PublicKey); ok {
		return ecdsaDER(resp.Result)
	}
	return resp.Result, nil
}

func signingAlgorithm(pub crypto.PublicKey, opts crypto.SignerOpts) (azkeys.SignatureAlgorithm, error) {
	_, pss := opts.(*rsa.PSSOptions)
	hash := opts.HashFunc()

	switch pub.(type) {
	case *rsa.PublicKey:
		switch {
		case hash == crypto.SHA256 && pss:
			return azkeys.SignatureAlgorithmPS256, nil
		case hash == crypto.SHA384 && pss:
			return azkeys.SignatureAlgorithmPS384, nil
		case hash == crypto.SHA512 && pss:
			return azkeys.SignatureAlgorithmPS512, nil
		case hash == crypto.SHA256:
			return azkeys.SignatureAlgorithmRS256, nil
		case hash == crypto.SHA384:
			return azkeys.SignatureAlgorithmRS384, nil
		case hash == crypto.SHA512:
			return azkeys.SignatureAlgorithmRS512, nil
		}
	case *ecdsa.PublicKey:
		switch hash {
		case crypto.SHA256:
			return azkeys.SignatureAlgorithmES256, nil
		case crypto.SHA384:
			return azkeys.SignatureAlgorithmES384, nil
		case crypto.SHA512:
			return azkeys.SignatureAlgorithmES512, nil
		}
	}
	return "", fmt.Errorf("%w: %T with %s", ErrUnsupportedAlgorithm, pub, hash)
}

// ecdsaDER converts an r || s signature to ECDSA-Sig-Value.
func ecdsaDER(raw []byte) ([]byte, error) {
	if len(raw) == 0 || len(raw)%2 != 0 {
		return nil, fmt.Errorf("azure: malformed ECDSA signature of %d bytes", len(raw))
	}
	n := len(raw) / 2
	r := new(big.Int).SetBytes(raw[:n])
	sv := new(big.Int).SetBytes(raw[n:])

	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1BigInt(r)
		b.AddASN1BigInt(sv)
	})
	return b.Bytes()
}
