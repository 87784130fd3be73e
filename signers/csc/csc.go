// Package csc provides a Cloud Signature Consortium (CSC) API client
// that implements crypto.Signer for remote signing.
//
// This package implements the CSC API v2 specification, which is the
// current standard for cloud-based digital signatures. It should be
// compatible with CSC v1.0.4, v2.0, v2.1, and v2.2 compliant services.
//
// Usage:
//
//	signer, _ := csc.NewSigner(ctx, csc.Config{
//	    BaseURL:      "https://signing-service.example.com/csc/v1",
//	    CredentialID: "my-signing-key",
//	    AuthToken:    "Bearer ey...",
//	})
//
//	container := &sign.ExternalSignerContainer{
//	    DirectContainer: sign.DirectContainer{Certificate: signer.Certificate(), Chain: signer.Chain()},
//	    SignFunc:        signer.SignFunc(),
//	}
//
// See https://cloudsignatureconsortium.org/ for the CSC API specification.
package csc

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/digitorus/pades/cms"
	"github.com/digitorus/pades/sign"
	"go.uber.org/zap"
)

var (
	ErrMissingBaseURL      = errors.New("csc: BaseURL is required")
	ErrMissingCredentialID = errors.New("csc: CredentialID is required")
	ErrNoCertificate       = errors.New("csc: credential has no certificate")
)

// Config configures the CSC signer.
type Config struct {
	// BaseURL is the CSC API base URL (e.g., "https://example.com/csc/v1")
	BaseURL string

	// CredentialID is the ID of the signing credential
	CredentialID string

	// AuthToken is the authorization token (e.g., "Bearer token...")
	AuthToken string

	// PIN is the optional PIN for credential authorization
	PIN string

	// OTP is the optional one-time password
	OTP string

	// Timeout bounds each API request, 30 seconds when unset.
	Timeout time.Duration

	// HTTPClient is an optional custom HTTP client
	HTTPClient *http.Client

	Logger *zap.Logger
}

// Signer implements crypto.Signer using the CSC API.
type Signer struct {
	config     Config
	cert       *x509.Certificate
	chain      []*x509.Certificate
	algos      []string
	httpClient *http.Client
	log        *zap.Logger
}

// NewSigner creates a new CSC signer.
// It fetches credential info to determine the certificate and supported
// algorithms.
func NewSigner(ctx context.Context, cfg Config) (*Signer, error) {
	if cfg.BaseURL == "" {
		return nil, ErrMissingBaseURL
	}
	if cfg.CredentialID == "" {
		return nil, ErrMissingCredentialID
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	s := &Signer{
		config:     cfg,
		httpClient: cfg.HTTPClient,
		log:        cfg.Logger,
	}
	if s.httpClient == nil {
		s.httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	s.log = s.log.With(zap.String("credential", cfg.CredentialID))

	if err := s.fetchCredentialInfo(ctx); err != nil {
		return nil, fmt.Errorf("csc: failed to fetch credential info: %w", err)
	}
	return s, nil
}

type credentialInfoRequest struct {
	CredentialID string `json:"credentialID"`
	Certificates string `json:"certificates,omitempty"`
}

type credentialInfoResponse struct {
	Key struct {
		Status string   `json:"status"`
		Algo   []string `json:"algo"`
		Len    int      `json:"len"`
	} `json:"key"`
	Cert struct {
		Status       string   `json:"status"`
		Certificates []string `json:"certificates"`
	} `json:"cert"`
	AuthMode string `json:"authMode"`
}

func (s *Signer) fetchCredentialInfo(ctx context.Context) error {
	respBody, err := s.doRequest(ctx, "credentials/info", credentialInfoRequest{
		CredentialID: s.config.CredentialID,
		Certificates: "chain",
	})
	if err != nil {
		return err
	}

	var info credentialInfoResponse
	if err := json.Unmarshal(respBody, &info); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if len(info.Cert.Certificates) == 0 {
		return ErrNoCertificate
	}

	for i, enc := range info.Cert.Certificates {
		der, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return fmt.Errorf("failed to decode certificate %d: %w", i, err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return fmt.Errorf("failed to parse certificate %d: %w", i, err)
		}
		if i == 0 {
			s.cert = cert
			continue
		}
		s.chain = append(s.chain, cert)
	}
	if info.Key.Status != "" && info.Key.Status != "enabled" {
		s.log.Warn("credential key is not enabled", zap.String("status", info.Key.Status))
	}
	s.algos = info.Key.Algo
	return nil
}

// Certificate returns the signing certificate of the credential.
func (s *Signer) Certificate() *x509.Certificate {
	return s.cert
}

// Chain returns the issuer certificates returned by the service.
func (s *Signer) Chain() []*x509.Certificate {
	return s.chain
}

// Public returns the public key.
func (s *Signer) Public() crypto.PublicKey {
	return s.cert.PublicKey
}

type signHashRequest struct {
	CredentialID string   `json:"credentialID"`
	SAD          string   `json:"SAD,omitempty"`
	Hashes       []string `json:"hash"`
	HashAlgo     string   `json:"hashAlgo"`
	SignAlgo     string   `json:"signAlgo"`
}

type signHashResponse struct {
	Signatures []string `json:"signatures"`
}

// Sign signs the digest using the CSC API.
func (s *Signer) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	return s.SignHash(context.Background(), digest, opts.HashFunc())
}

// SignContext signs the digest using the CSC API within ctx.
func (s *Signer) SignContext(ctx context.Context, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	return s.SignHash(ctx, digest, opts.HashFunc())
}

// SignHash asks the service to sign digest, a hash computed with h.
func (s *Signer) SignHash(ctx context.Context, digest []byte, h crypto.Hash) ([]byte, error) {
	hashAlgo := hashAlgoName(h)
	if hashAlgo == "" {
		return nil, fmt.Errorf("csc: unsupported hash algorithm: %v", h)
	}

	sad, err := s.authorizeCredential(ctx, digest)
	if err != nil {
		return nil, fmt.Errorf("csc: failed to authorize credential: %w", err)
	}

	respBody, err := s.doRequest(ctx, "signatures/signHash", signHashRequest{
		CredentialID: s.config.CredentialID,
		SAD:          sad,
		Hashes:       []string{base64.StdEncoding.EncodeToString(digest)},
		HashAlgo:     hashAlgo,
		SignAlgo:     s.signAlgorithm(h),
	})
	if err != nil {
		return nil, fmt.Errorf("csc: sign request failed: %w", err)
	}

	var resp signHashResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("csc: failed to parse sign response: %w", err)
	}
	if len(resp.Signatures) == 0 {
		return nil, fmt.Errorf("csc: no signatures returned")
	}

	sig, err := base64.StdEncoding.DecodeString(resp.Signatures[0])
	if err != nil {
		return nil, fmt.Errorf("csc: failed to decode signature: %w", err)
	}
	s.log.Debug("hash signed", zap.String("hash", h.String()))
	return sig, nil
}

// SignFunc adapts the signer to sign.ExternalSignFunc: the message is
// hashed locally and only the digest leaves the process.
func (s *Signer) SignFunc() sign.ExternalSignFunc {
	return func(ctx context.Context, alg cms.DigestAlgorithm, message []byte) ([]byte, error) {
		if err := cms.CheckKeyDigest(s.Public(), alg); err != nil {
			return nil, err
		}
		return s.SignHash(ctx, alg.Sum(message), alg.HashFunc())
	}
}

type authorizeCredentialRequest struct {
	CredentialID  string   `json:"credentialID"`
	NumSignatures int      `json:"numSignatures"`
	Hashes        []string `json:"hash,omitempty"`
	PIN           string   `json:"PIN,omitempty"`
	OTP           string   `json:"OTP,omitempty"`
}

type authorizeCredentialResponse struct {
	SAD string `json:"SAD"`
}

// authorizeCredential gets the Signature Activation Data (SAD). Services
// with implicit authorization reject the call, signing then proceeds
// without SAD.
func (s *Signer) authorizeCredential(ctx context.Context, digest []byte) (string, error) {
	respBody, err := s.doRequest(ctx, "credentials/authorize", authorizeCredentialRequest{
		CredentialID:  s.config.CredentialID,
		NumSignatures: 1,
		Hashes:        []string{base64.StdEncoding.EncodeToString(digest)},
		PIN:           s.config.PIN,
		OTP:           s.config.OTP,
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		s.log.Debug("credential authorization skipped", zap.Error(err))
		return "", nil
	}

	var resp authorizeCredentialResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("failed to parse authorize response: %w", err)
	}
	return resp.SAD, nil
}

// doRequest performs an HTTP POST request to the CSC API.
func (s *Signer) doRequest(ctx context.Context, endpoint string, body interface{}) ([]byte, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	url := strings.TrimSuffix(s.config.BaseURL, "/") + "/" + endpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	if s.config.AuthToken != "" {
		req.Header.Set("Authorization", s.config.AuthToken)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

// signAlgorithm picks the signature algorithm for h among those the
// credential supports, falling back to the first one.
func (s *Signer) signAlgorithm(h crypto.Hash) string {
	want := signAlgoName(s.Public(), h)
	for _, algo := range s.algos {
		if algo == want {
			return algo
		}
	}
	if len(s.algos) > 0 {
		return s.algos[0]
	}
	return want
}

var (
	oidSHA256WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}
	oidSHA384WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 12}
	oidSHA512WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 13}
	oidECDSAWithSHA256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
	oidECDSAWithSHA384 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 3}
	oidECDSAWithSHA512 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 4}
)

func signAlgoName(pub crypto.PublicKey, h crypto.Hash) string {
	var oid asn1.ObjectIdentifier
	switch pub.(type) {
	case *rsa.PublicKey:
		oid = map[crypto.Hash]asn1.ObjectIdentifier{
			crypto.SHA256: oidSHA256WithRSA,
			crypto.SHA384: oidSHA384WithRSA,
			crypto.SHA512: oidSHA512WithRSA,
		}[h]
	case *ecdsa.PublicKey:
		oid = map[crypto.Hash]asn1.ObjectIdentifier{
			crypto.SHA256: oidECDSAWithSHA256,
			crypto.SHA384: oidECDSAWithSHA384,
			crypto.SHA512: oidECDSAWithSHA512,
		}[h]
	}
	if oid == nil {
		return ""
	}
	return oid.String()
}

// hashAlgoName converts crypto.Hash to CSC algorithm name
func hashAlgoName(h crypto.Hash) string {
	switch h {
	case crypto.SHA256:
		return "2.16.840.1.101.3.4.2.1" // OID for SHA-256
	case crypto.SHA384:
		return "2.16.840.1.101.3.4.2.2" // OID for SHA-384
	case crypto.SHA512:
		return "2.16.840.1.101.3.4.2.3" // OID for SHA-512
	case crypto.SHA1:
		return "1.3.14.3.2.26" // OID for SHA-1
	default:
		return ""
	}
}
