package certs

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/digitorus/pades/internal/testpki"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"software.sslmate.com/src/go-pkcs12"
)

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func pemCerts(certs ...*x509.Certificate) []byte {
	var out []byte
	for _, c := range certs {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.Raw})...)
	}
	return out
}

func TestReadFirstChainPEM(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	_, leaf := pki.IssueLeaf("Chain")
	chain := append([]*x509.Certificate{leaf}, pki.Chain()...)

	// Keys and other blocks in the same file are skipped.
	data := append(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: []byte{1}}), pemCerts(chain...)...)
	got, err := ReadFirstChain(writeFile(t, "chain.pem", data))
	require.NoError(t, err)
	require.Len(t, got, len(chain))
	for i := range chain {
		assert.Equal(t, chain[i].Raw, got[i].Raw)
	}
}

func TestReadFirstChainDER(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	_, leaf := pki.IssueLeaf("DER")

	got, err := ReadFirstChain(writeFile(t, "leaf.cer", leaf.Raw))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, leaf.Raw, got[0].Raw)
}

func TestReadFirstChainErrors(t *testing.T) {
	_, err := ReadFirstChain(filepath.Join(t.TempDir(), "missing.pem"))
	assert.Error(t, err)

	_, err = ReadFirstChain(writeFile(t, "key.pem", pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: []byte{1}})))
	assert.ErrorIs(t, err, ErrNoCertificate)

	_, err = ReadFirstChain(writeFile(t, "garbage.bin", []byte("garbage")))
	assert.ErrorIs(t, err, ErrNoCertificate)
}

func TestReadFirstKey(t *testing.T) {
	key := testpki.GenerateKey(t, testpki.ECDSA_P256)
	ecKey := key.(*ecdsa.PrivateKey)

	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	sec1, err := x509.MarshalECPrivateKey(ecKey)
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
	}{
		{"PKCS#8 PEM", pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8})},
		{"SEC 1 PEM", pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: sec1})},
		{"PKCS#8 DER", pkcs8},
		{"SEC 1 DER", sec1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ReadFirstKey(writeFile(t, "key", tt.data), "")
			require.NoError(t, err)
			assert.True(t, ecKey.Equal(got))
		})
	}
}

func TestReadFirstKeyRSA(t *testing.T) {
	key := testpki.GenerateKey(t, testpki.RSA_2048)
	data := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key.(*rsa.PrivateKey))})

	got, err := ReadFirstKey(writeFile(t, "rsa.pem", data), "")
	require.NoError(t, err)
	assert.Equal(t, key.Public(), got.Public())
}

func TestReadFirstKeyErrors(t *testing.T) {
	_, err := ReadFirstKey(writeFile(t, "cert.pem", []byte("-----BEGIN CERTIFICATE-----\nAAAA\n-----END CERTIFICATE-----\n")), "")
	assert.ErrorIs(t, err, ErrNoPrivateKey)

	_, err = ReadFirstKey(writeFile(t, "garbage.bin", []byte("garbage")), "")
	assert.ErrorIs(t, err, ErrNoPrivateKey)
}

func TestPKCS12(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	key, leaf := pki.IssueLeaf("Bundle")

	data, err := pkcs12.Modern.Encode(key, leaf, pki.Chain(), "secret")
	require.NoError(t, err)
	path := writeFile(t, "bundle.p12", data)

	gotKey, gotChain, err := ReadPKCS12(path, "secret")
	require.NoError(t, err)
	assert.Equal(t, key.Public(), gotKey.Public())
	require.Len(t, gotChain, 1+len(pki.Chain()))
	assert.Equal(t, leaf.Raw, gotChain[0].Raw)

	gotKey, err = ReadFirstKey(path, "secret")
	require.NoError(t, err)
	assert.Equal(t, key.Public(), gotKey.Public())

	_, err = ReadFirstKey(path, "wrong")
	assert.ErrorIs(t, err, ErrNoPrivateKey)

	_, _, err = ReadPKCS12(path, "wrong")
	assert.Error(t, err)

	open, err := pkcs12.Modern.Encode(key, leaf, pki.Chain(), "")
	require.NoError(t, err)
	chain, err := ReadFirstChain(writeFile(t, "open.p12", open))
	require.NoError(t, err)
	assert.Equal(t, leaf.Raw, chain[0].Raw)
}
