// Package gcp signs with keys held in Google Cloud KMS.
//
// Requests and responses carry CRC32C checksums, a corrupted digest or
// signature is rejected before it reaches the document.
package gcp

import (
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

var (
	ErrClientRequired      = errors.New("gcp: client is required")
	ErrKeyNameRequired     = errors.New("gcp: key name is required")
	ErrCertificateRequired = errors.New("gcp: certificate is required")
	ErrIntegrity           = errors.New("gcp: response failed integrity check")
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// KMSClient is the part of *kms.KeyManagementClient used by the signer.
type KMSClient interface {
	AsymmetricSign(ctx context.Context, req *kmspb.AsymmetricSignRequest, opts ...gax.CallOption) (*kmspb.AsymmetricSignResponse, error)
}

type Config struct {
	Client KMSClient
	// KeyName is the resource name of the key version,
	// projects/*/locations/*/keyRings/*/cryptoKeys/*/cryptoKeyVersions/*.
	KeyName     string
	Certificate *x509.Certificate
	Chain       []*x509.Certificate
}

// Signer is a crypto.Signer backed by a Cloud KMS key version. The
// signature scheme is fixed by the key version.
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

func (s *Signer) SignContext(ctx context.Context, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	d := &kmspb.Digest{}
	switch opts.HashFunc() {
	case crypto.SHA256:
		d.Digest = &kmspb.Digest_Sha256{Sha256: digest}
	case crypto.SHA384:
		d.Digest = &kmspb.Digest_Sha384{Sha384: digest}
	case crypto.SHA512:
		d.Digest = &kmspb.Digest_Sha512{Sha512: digest}
	default:
		return nil, fmt.Errorf("gcp: unsupported hash function: %v", opts.HashFunc())
	}

	resp, err := s.cfg.Client.AsymmetricSign(ctx, &kmspb.AsymmetricSignRequest{
		Name:         s.cfg.KeyName,
		Digest:       d,
		DigestCrc32C: wrapperspb.Int64(checksum(digest)),
	})
	if err != nil {
		return nil, fmt.Errorf("gcp: sign failed: %w", err)
	}

	if !resp.VerifiedDigestCrc32C {
		return nil, fmt.Errorf("%w: digest checksum not verified", ErrIntegrity)
	}
	if resp.Name != "" && resp.Name != s.cfg.KeyName {
		return nil, fmt.Errorf("%w: signed by %s", ErrIntegrity, resp.Name)
	}
	if resp.SignatureCrc32C == nil || resp.SignatureCrc32C.GetValue() != checksum(resp.Signature) {
		return nil, fmt.Errorf("%w: signature checksum mismatch", ErrIntegrity)
	}
	return resp.Signature, nil
}

func checksum(data []byte) int64 {
	return int64(crc32.Checksum(data, castagnoli))
}
