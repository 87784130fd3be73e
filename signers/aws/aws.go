// Package aws signs with keys held in AWS KMS.
//
// Only the digest leaves the process. The signer implements SignContext so
// the signing engine passes its context to the KMS call.
package aws

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
)

var (
	ErrClientRequired       = errors.New("aws: client is required")
	ErrKeyIDRequired        = errors.New("aws: key id is required")
	ErrCertificateRequired  = errors.New("aws: certificate is required")
	ErrUnsupportedAlgorithm = errors.New("aws: unsupported key type or hash")
)

// KMSClient is the part of *kms.Client used by the signer.
type KMSClient interface {
	Sign(ctx context.Context, params *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error)
}

// Config locates the KMS key and the certificate issued for it.
type Config struct {
	Client      KMSClient
	KeyID       string
	Certificate *x509.Certificate
	// Chain holds the issuer certificates, nearest first.
	Chain []*x509.Certificate
}

// Signer is a crypto.Signer backed by an asymmetric KMS key.
type Signer struct {
	client KMSClient
	keyID  string
	cert   *x509.Certificate
	chain  []*x509.Certificate
}

func NewSigner(cfg Config) (*Signer, error) {
	switch {
	case cfg.Client == nil:
		return nil, ErrClientRequired
	case cfg.KeyID == "":
		return nil, ErrKeyIDRequired
	case cfg.Certificate == nil:
		return nil, ErrCertificateRequired
	}
	return &Signer{client: cfg.Client, keyID: cfg.KeyID, cert: cfg.Certificate, chain: cfg.Chain}, nil
}

func (s *Signer) Certificate() *x509.Certificate {
	return s.cert
}

func (s *Signer) Chain() []*x509.Certificate {
	return s.chain
}

func (s *Signer) Public() crypto.PublicKey {
	return s.cert.PublicKey
}

func (s *Signer) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	return s.SignContext(context.Background(), digest, opts)
}

// SignContext signs digest with the KMS key. RSA keys use PSS when opts
// is *rsa.PSSOptions and PKCS #1 v1.5 otherwise. ECDSA signatures are
// returned DER encoded.
func (s *Signer) SignContext(ctx context.Context, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	algo, err := signingAlgorithm(s.Public(), opts)
	if err != nil {
		return nil, err
	}
	if len(digest) != opts.HashFunc().Size() {
		return nil, fmt.Errorf("aws: digest length %d does not match %s", len(digest), opts.HashFunc())
	}

	out, err := s.client.Sign(ctx, &kms.SignInput{
		KeyId:            aws.String(s.keyID),
		Message:          digest,
		MessageType:      types.MessageTypeDigest,
		SigningAlgorithm: algo,
	})
	if err != nil {
		return nil, fmt.Errorf("aws: sign failed: %w", err)
	}
	if len(out.Signature) == 0 {
		return nil, errors.New("aws: empty signature")
	}
	return out.Signature, nil
}

func signingAlgorithm(pub crypto.PublicKey, opts crypto.SignerOpts) (types.SigningAlgorithmSpec, error) {
	_, pss := opts.(*rsa.PSSOptions)
	hash := opts.HashFunc()

	switch pub.(type) {
	case *rsa.PublicKey:
		switch {
		case hash == crypto.SHA256 && pss:
			return types.SigningAlgorithmSpecRsassaPssSha256, nil
		case hash == crypto.SHA384 && pss:
			return types.SigningAlgorithmSpecRsassaPssSha384, nil
		case hash == crypto.SHA512 && pss:
			return types.SigningAlgorithmSpecRsassaPssSha512, nil
		case hash == crypto.SHA256:
			return types.SigningAlgorithmSpecRsassaPkcs1V15Sha256, nil
		case hash == crypto.SHA384:
			return types.SigningAlgorithmSpecRsassaPkcs1V15Sha384, nil
		case hash == crypto.SHA512:
			return types.SigningAlgorithmSpecRsassaPkcs1V15Sha512, nil
		}
	case *ecdsa.PublicKey:
		switch hash {
		case crypto.SHA256:
			return types.SigningAlgorithmSpecEcdsaSha256, nil
		case crypto.SHA384:
			return types.SigningAlgorithmSpecEcdsaSha384, nil
		case crypto.SHA512:
			return types.SigningAlgorithmSpecEcdsaSha512, nil
		}
	}
	return "", fmt.Errorf("%w: %T with %s", ErrUnsupportedAlgorithm, pub, hash)
}
