package gcp

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"testing"
	"time"

	"cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const keyName = "projects/p/locations/global/keyRings/r/cryptoKeys/pades/cryptoKeyVersions/1"

type mockKMSClient struct {
	asymmetricSignFunc func(ctx context.Context, req *kmspb.AsymmetricSignRequest, opts ...gax.CallOption) (*kmspb.AsymmetricSignResponse, error)
}

func (m *mockKMSClient) AsymmetricSign(ctx context.Context, req *kmspb.AsymmetricSignRequest, opts ...gax.CallOption) (*kmspb.AsymmetricSignResponse, error) {
	return m.asymmetricSignFunc(ctx, req, opts...)
}

func newTestSigner(t *testing.T, fn func(*ecdsa.PrivateKey, *kmspb.AsymmetricSignRequest) (*kmspb.AsymmetricSignResponse, error)) (*Signer, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "Cloud KMS Signer"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}

	mock := &mockKMSClient{
		asymmetricSignFunc: func(_ context.Context, req *kmspb.AsymmetricSignRequest, _ ...gax.CallOption) (*kmspb.AsymmetricSignResponse, error) {
			return fn(key, req)
		},
	}
	s, err := NewSigner(Config{Client: mock, KeyName: keyName, Certificate: cert})
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	return s, key
}

func honest(key *ecdsa.PrivateKey, req *kmspb.AsymmetricSignRequest) (*kmspb.AsymmetricSignResponse, error) {
	digest := req.GetDigest().GetSha256()
	if req.GetDigestCrc32C().GetValue() != checksum(digest) {
		return nil, errors.New("digest corrupted in transit")
	}
	sig, err := ecdsa.SignASN1(rand.Reader, key, digest)
	if err != nil {
		return nil, err
	}
	return &kmspb.AsymmetricSignResponse{
		Name:                 req.Name,
		Signature:            sig,
		SignatureCrc32C:      wrapperspb.Int64(checksum(sig)),
		VerifiedDigestCrc32C: true,
	}, nil
}

func TestSign(t *testing.T) {
	signer, key := newTestSigner(t, honest)

	digest := sha256.Sum256([]byte("signed attributes"))
	sig, err := signer.Sign(nil, digest[:], crypto.SHA256)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !ecdsa.VerifyASN1(&key.PublicKey, digest[:], sig) {
		t.Error("signature does not verify")
	}
}

func TestSignIntegrity(t *testing.T) {
	tests := []struct {
		name   string
		tamper func(*kmspb.AsymmetricSignResponse)
	}{
		{"digest not verified", func(r *kmspb.AsymmetricSignResponse) { r.VerifiedDigestCrc32C = false }},
		{"signature corrupted", func(r *kmspb.AsymmetricSignResponse) { r.Signature[0] ^= 0xff }},
		{"missing checksum", func(r *kmspb.AsymmetricSignResponse) { r.SignatureCrc32C = nil }},
		{"other key", func(r *kmspb.AsymmetricSignResponse) { r.Name = "projects/other" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			signer, _ := newTestSigner(t, func(key *ecdsa.PrivateKey, req *kmspb.AsymmetricSignRequest) (*kmspb.AsymmetricSignResponse, error) {
				resp, err := honest(key, req)
				if err == nil {
					tt.tamper(resp)
				}
				return resp, err
			})
			digest := sha256.Sum256(nil)
			if _, err := signer.Sign(nil, digest[:], crypto.SHA256); !errors.Is(err, ErrIntegrity) {
				t.Errorf("Sign() error = %v, want ErrIntegrity", err)
			}
		})
	}
}

func TestSignErrors(t *testing.T) {
	signer, _ := newTestSigner(t, func(*ecdsa.PrivateKey, *kmspb.AsymmetricSignRequest) (*kmspb.AsymmetricSignResponse, error) {
		return nil, errors.New("kms error")
	})
	if _, err := signer.Sign(nil, make([]byte, 32), crypto.SHA256); err == nil {
		t.Fatal("expected error")
	}
	if _, err := signer.Sign(nil, make([]byte, 28), crypto.SHA224); err == nil {
		t.Fatal("expected unsupported hash error")
	}
	if _, err := NewSigner(Config{Client: &mockKMSClient{}}); !errors.Is(err, ErrKeyNameRequired) {
		t.Errorf("NewSigner() error = %v", err)
	}
}
