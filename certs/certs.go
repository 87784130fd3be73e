// Package certs reads signing certificates and private keys from PEM, DER
// and PKCS#12 files.
package certs

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"software.sslmate.com/src/go-pkcs12"
)

var (
	ErrNoCertificate  = errors.New("no certificate found")
	ErrNoPrivateKey   = errors.New("no private key found")
	ErrUnsupportedKey = errors.New("private key cannot be used for signing")
)

// ReadFirstChain returns the certificates of the first chain stored in path,
// the signing certificate first. PKCS#12 files are read without a password,
// use ReadPKCS12 for protected files.
func ReadFirstChain(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	certs, err := ParseChain(data, "")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return certs, nil
}

// ReadFirstKey returns the first private key stored in path. The passphrase
// decrypts legacy encrypted PEM blocks and PKCS#12 files.
func ReadFirstKey(path, passphrase string) (crypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	key, err := ParseKey(data, passphrase)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return key, nil
}

// ReadPKCS12 returns the key and chain of a PKCS#12 file.
func ReadPKCS12(path, password string) (crypto.Signer, []*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return decodePKCS12(data, password)
}

// ParseChain parses PEM encoded certificates, DER certificates or a PKCS#12
// bundle.
func ParseChain(data []byte, password string) ([]*x509.Certificate, error) {
	if isPEM(data) {
		var certs []*x509.Certificate
		rest := data
		for {
			var block *pem.Block
			block, rest = pem.Decode(rest)
			if block == nil {
				break
			}
			if block.Type != "CERTIFICATE" {
				continue
			}
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("failed to parse certificate: %w", err)
			}
			certs = append(certs, cert)
		}
		if len(certs) == 0 {
			return nil, ErrNoCertificate
		}
		return certs, nil
	}

	if certs, err := x509.ParseCertificates(data); err == nil && len(certs) > 0 {
		return certs, nil
	}

	_, certs, err := decodePKCS12(data, password)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoCertificate, err)
	}
	return certs, nil
}

// ParseKey parses a PEM or DER encoded private key (PKCS#1, SEC 1 or
// PKCS#8) or the key of a PKCS#12 bundle.
func ParseKey(data []byte, passphrase string) (crypto.Signer, error) {
	if isPEM(data) {
		rest := data
		for {
			var block *pem.Block
			block, rest = pem.Decode(rest)
			if block == nil {
				return nil, ErrNoPrivateKey
			}
			if !strings.HasSuffix(block.Type, "PRIVATE KEY") {
				continue
			}
			der := block.Bytes
			if x509.IsEncryptedPEMBlock(block) { //nolint:staticcheck
				if passphrase == "" {
					return nil, errors.New("private key is encrypted but no passphrase provided")
				}
				var err error
				der, err = x509.DecryptPEMBlock(block, []byte(passphrase)) //nolint:staticcheck
				if err != nil {
					return nil, fmt.Errorf("failed to decrypt private key: %w", err)
				}
			}
			return parseDERKey(der)
		}
	}

	if key, err := parseDERKey(data); err == nil {
		return key, nil
	}

	key, _, err := decodePKCS12(data, passphrase)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoPrivateKey, err)
	}
	return key, nil
}

func parseDERKey(der []byte) (crypto.Signer, error) {
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		return signer(key)
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	return nil, ErrNoPrivateKey
}

func decodePKCS12(data []byte, password string) (crypto.Signer, []*x509.Certificate, error) {
	key, cert, caCerts, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decode PKCS#12: %w", err)
	}
	s, err := signer(key)
	if err != nil {
		return nil, nil, err
	}
	return s, append([]*x509.Certificate{cert}, caCerts...), nil
}

func signer(key any) (crypto.Signer, error) {
	s, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, key)
	}
	return s, nil
}

func isPEM(data []byte) bool {
	return bytes.Contains(data, []byte("-----BEGIN "))
}
