// Package testpki runs a throwaway PKI for tests: a root and intermediate
// CAs, an HTTP server answering OCSP, CRL, CA issuer and RFC 3161
// time-stamp requests, and leaf certificates for every supported key type.
package testpki

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha512"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"fmt"
	"io"
	"log"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudflare/circl/sign/ed448"
	"github.com/digitorus/timestamp"
	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"
	"golang.org/x/crypto/ocsp"
)

// BytesReader implements io.ReaderAt for in-memory byte slices.
type BytesReader struct {
	Data []byte
}

func NewBytesReader(data []byte) *BytesReader {
	return &BytesReader{Data: data}
}

func (r *BytesReader) ReadAt(p []byte, off int64) (n int, err error) {
	if off >= int64(len(r.Data)) {
		return 0, io.EOF
	}
	n = copy(p, r.Data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// KeyProfile defines the key type of issued leaf certificates.
type KeyProfile string

const (
	RSA_2048   KeyProfile = "RSA_2048"
	RSA_3072   KeyProfile = "RSA_3072"
	ECDSA_P256 KeyProfile = "ECDSA_P256"
	ECDSA_P384 KeyProfile = "ECDSA_P384"
	ECDSA_P521 KeyProfile = "ECDSA_P521"
	ED25519    KeyProfile = "ED25519"
	ED448      KeyProfile = "ED448"
)

var (
	oidOCSPNoCheck     = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 1, 5}
	oidPublicKeyEd448  = asn1.ObjectIdentifier{1, 3, 101, 113}
	oidTimeStampPolicy = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 99999, 1}
)

type TestPKIConfig struct {
	Profile         KeyProfile
	IntermediateCAs int
	// ResponderCert makes OCSP responses come from a delegated responder
	// carrying the OCSP no-check extension.
	ResponderCert bool
}

// TestPKI manages a temporary PKI hierarchy for testing.
type TestPKI struct {
	T       *testing.T
	Profile KeyProfile
	Server  *httptest.Server

	// CAKeys and CACerts hold the root at index 0 followed by the
	// intermediates, each issued by its predecessor.
	CAKeys  []crypto.Signer
	CACerts []*x509.Certificate

	ResponderKey  crypto.Signer
	ResponderCert *x509.Certificate

	TSAKey  crypto.Signer
	TSACert *x509.Certificate

	// Now is the clock of the OCSP responder and the time-stamp authority.
	Now func() time.Time

	CRLRequests  atomic.Int32
	OCSPRequests atomic.Int32
	TSARequests  atomic.Int32
	CARequests   atomic.Int32

	FailOCSP bool
	FailCRL  bool
	FailTSA  bool

	mu      sync.Mutex
	revoked map[string]time.Time
}

// NewTestPKI creates a root, one intermediate and an ECDSA P-384 profile.
func NewTestPKI(t *testing.T) *TestPKI {
	return NewTestPKIWithConfig(t, TestPKIConfig{
		Profile:         ECDSA_P384,
		IntermediateCAs: 1,
	})
}

// NewTestPKIWithConfig starts the HTTP server and builds the hierarchy.
// The server is stopped through t.Cleanup.
func NewTestPKIWithConfig(t *testing.T, config TestPKIConfig) *TestPKI {
	p := &TestPKI{
		T:       t,
		Profile: config.Profile,
		Now:     time.Now,
		revoked: make(map[string]time.Time),
	}
	p.Server = httptest.NewServer(http.HandlerFunc(p.serveHTTP))
	if t != nil {
		t.Cleanup(p.Close)
	}

	rootKey := GenerateKey(t, caProfile(config.Profile))
	rootTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName:   "PAdES Test Root CA",
			Organization: []string{"PAdES Test Org"},
		},
		NotBefore:             time.Now().Add(-1 * time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SubjectKeyId:          []byte{1, 2, 3, 4},
	}
	rootBytes, err := x509.CreateCertificate(rand.Reader, rootTemplate, rootTemplate, rootKey.Public(), rootKey)
	if err != nil {
		Fail(t, "failed to create root cert: %v", err)
	}
	rootCert, err := x509.ParseCertificate(rootBytes)
	if err != nil {
		Fail(t, "failed to parse root cert: %v", err)
	}
	p.CAKeys = []crypto.Signer{rootKey}
	p.CACerts = []*x509.Certificate{rootCert}

	for i := 0; i < config.IntermediateCAs; i++ {
		key := GenerateKey(t, caProfile(config.Profile))
		template := &x509.Certificate{
			SerialNumber: big.NewInt(int64(i + 2)),
			Subject: pkix.Name{
				CommonName:   fmt.Sprintf("PAdES Test Intermediate CA %d", i+1),
				Organization: []string{"PAdES Test Org"},
			},
			NotBefore:             time.Now().Add(-1 * time.Hour),
			NotAfter:              time.Now().Add(24 * time.Hour),
			KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
			BasicConstraintsValid: true,
			IsCA:                  true,
			SubjectKeyId:          []byte{5, 6, 7, 8, byte(i)},
		}
		cert := p.issueWithURLs(template, key.Public(), len(p.CACerts)-1)
		p.CAKeys = append(p.CAKeys, key)
		p.CACerts = append(p.CACerts, cert)
	}

	if config.ResponderCert {
		p.ResponderKey = GenerateKey(t, ECDSA_P256)
		p.ResponderCert = p.issue(&x509.Certificate{
			SerialNumber:    p.serial(),
			Subject:         pkix.Name{CommonName: "PAdES Test OCSP Responder"},
			NotBefore:       time.Now().Add(-1 * time.Hour),
			NotAfter:        time.Now().Add(24 * time.Hour),
			KeyUsage:        x509.KeyUsageDigitalSignature,
			ExtKeyUsage:     []x509.ExtKeyUsage{x509.ExtKeyUsageOCSPSigning},
			ExtraExtensions: []pkix.Extension{{Id: oidOCSPNoCheck, Value: asn1.NullBytes}},
		}, p.ResponderKey.Public(), len(p.CACerts)-1)
	}

	p.TSAKey = GenerateKey(t, ECDSA_P256)
	p.TSACert = p.issueWithURLs(&x509.Certificate{
		SerialNumber: p.serial(),
		Subject:      pkix.Name{CommonName: "PAdES Test TSA", Organization: []string{"PAdES Test Org"}},
		NotBefore:    time.Now().Add(-1 * time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageTimeStamping},
	}, p.TSAKey.Public(), len(p.CACerts)-1)

	return p
}

func caProfile(profile KeyProfile) KeyProfile {
	switch profile {
	case ED25519, ED448:
		// OCSP responses can only be signed with RSA or ECDSA keys.
		return ECDSA_P384
	}
	return profile
}

func (p *TestPKI) serial() *big.Int {
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		Fail(p.T, "failed to generate serial: %v", err)
	}
	return serialNumber
}

// URL returns the absolute URL of path on the test server.
func (p *TestPKI) URL(path string) string {
	return p.Server.URL + path
}

// TSAURL is the time-stamp endpoint.
func (p *TestPKI) TSAURL() string {
	return p.URL("/tsa")
}

func (p *TestPKI) issueWithURLs(template *x509.Certificate, pub crypto.PublicKey, issuer int) *x509.Certificate {
	template.CRLDistributionPoints = []string{p.URL("/crl/" + strconv.Itoa(issuer))}
	template.OCSPServer = []string{p.URL("/ocsp")}
	template.IssuingCertificateURL = []string{p.URL("/ca/" + strconv.Itoa(issuer))}
	return p.issue(template, pub, issuer)
}

func (p *TestPKI) issue(template *x509.Certificate, pub crypto.PublicKey, issuer int) *x509.Certificate {
	if k, ok := pub.(ed448.PublicKey); ok {
		return p.issueEd448(template, k, issuer)
	}

	certBytes, err := x509.CreateCertificate(rand.Reader, template, p.CACerts[issuer], pub, p.CAKeys[issuer])
	if err != nil {
		Fail(p.T, "failed to issue cert %q: %v", template.Subject.CommonName, err)
	}
	cert, err := x509.ParseCertificate(certBytes)
	if err != nil {
		Fail(p.T, "failed to parse cert %q: %v", template.Subject.CommonName, err)
	}
	return cert
}

// issueEd448 creates the certificate for a placeholder Ed25519 key, swaps
// the subject public key info for the Ed448 key and signs the result again.
func (p *TestPKI) issueEd448(template *x509.Certificate, pub ed448.PublicKey, issuer int) *x509.Certificate {
	placeholder, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		Fail(p.T, "failed to generate placeholder key: %v", err)
	}
	template.SignatureAlgorithm = x509.ECDSAWithSHA384

	der, err := x509.CreateCertificate(rand.Reader, template, p.CACerts[issuer], placeholder, p.CAKeys[issuer])
	if err != nil {
		Fail(p.T, "failed to issue Ed448 template cert: %v", err)
	}

	spki, err := asn1.Marshal(struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}{
		Algorithm: pkix.AlgorithmIdentifier{Algorithm: oidPublicKeyEd448},
		PublicKey: asn1.BitString{Bytes: pub, BitLength: len(pub) * 8},
	})
	if err != nil {
		Fail(p.T, "failed to marshal Ed448 key: %v", err)
	}

	input := cryptobyte.String(der)
	var certificate, tbs, sigAlg cryptobyte.String
	if !input.ReadASN1(&certificate, cryptobyte_asn1.SEQUENCE) ||
		!certificate.ReadASN1(&tbs, cryptobyte_asn1.SEQUENCE) ||
		!certificate.ReadASN1Element(&sigAlg, cryptobyte_asn1.SEQUENCE) {
		Fail(p.T, "malformed template certificate")
	}

	// version, serial, signature, issuer, validity, subject, then the key.
	var tb cryptobyte.Builder
	tb.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		for i := 0; !tbs.Empty(); i++ {
			var element cryptobyte.String
			var tag cryptobyte_asn1.Tag
			if !tbs.ReadAnyASN1Element(&element, &tag) {
				b.SetError(fmt.Errorf("malformed tbsCertificate"))
				return
			}
			if i == 6 {
				b.AddBytes(spki)
				continue
			}
			b.AddBytes(element)
		}
	})
	newTBS, err := tb.Bytes()
	if err != nil {
		Fail(p.T, "failed to rebuild tbsCertificate: %v", err)
	}

	digest := sha512.Sum384(newTBS)
	sig, err := p.CAKeys[issuer].Sign(rand.Reader, digest[:], crypto.SHA384)
	if err != nil {
		Fail(p.T, "failed to sign Ed448 certificate: %v", err)
	}

	var cb cryptobyte.Builder
	cb.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddBytes(newTBS)
		b.AddBytes(sigAlg)
		b.AddASN1BitString(sig)
	})
	certBytes, err := cb.Bytes()
	if err != nil {
		Fail(p.T, "failed to assemble Ed448 certificate: %v", err)
	}

	cert, err := x509.ParseCertificate(certBytes)
	if err != nil {
		Fail(p.T, "failed to parse Ed448 certificate: %v", err)
	}
	return cert
}

// LeafOptions tunes IssueLeafWithOptions.
type LeafOptions struct {
	Profile KeyProfile
	// NoCheck adds the OCSP no-check extension.
	NoCheck bool
	// NoRevocationURLs leaves out OCSP and CRL pointers.
	NoRevocationURLs bool
}

// IssueLeaf generates a new leaf certificate signed by the last CA.
func (p *TestPKI) IssueLeaf(commonName string) (crypto.Signer, *x509.Certificate) {
	return p.IssueLeafWithOptions(commonName, LeafOptions{})
}

func (p *TestPKI) IssueLeafWithOptions(commonName string, opts LeafOptions) (crypto.Signer, *x509.Certificate) {
	profile := opts.Profile
	if profile == "" {
		profile = p.Profile
	}
	priv := GenerateKey(p.T, profile)

	template := &x509.Certificate{
		SerialNumber: p.serial(),
		Subject: pkix.Name{
			CommonName:   commonName,
			Organization: []string{"PAdES Test Org"},
		},
		NotBefore:          time.Now().Add(-1 * time.Hour),
		NotAfter:           time.Now().Add(1 * time.Hour),
		KeyUsage:           x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment,
		UnknownExtKeyUsage: []asn1.ObjectIdentifier{{1, 3, 6, 1, 5, 5, 7, 3, 36}},
	}
	if opts.NoCheck {
		template.ExtraExtensions = []pkix.Extension{{Id: oidOCSPNoCheck, Value: asn1.NullBytes}}
	}

	issuer := len(p.CACerts) - 1
	if opts.NoRevocationURLs {
		template.IssuingCertificateURL = []string{p.URL("/ca/" + strconv.Itoa(issuer))}
		template.CRLDistributionPoints = []string{}
		return priv, p.issue(template, priv.Public(), issuer)
	}
	return priv, p.issueWithURLs(template, priv.Public(), issuer)
}

// Chain returns the CA certificates for a leaf, nearest issuer first.
func (p *TestPKI) Chain() []*x509.Certificate {
	var chain []*x509.Certificate
	for i := len(p.CACerts) - 1; i >= 0; i-- {
		chain = append(chain, p.CACerts[i])
	}
	return chain
}

// RootCert is the trust anchor.
func (p *TestPKI) RootCert() *x509.Certificate {
	return p.CACerts[0]
}

// Roots returns a pool holding the root certificate.
func (p *TestPKI) Roots() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(p.CACerts[0])
	return pool
}

// Revoke marks cert as revoked in OCSP responses and CRLs.
func (p *TestPKI) Revoke(cert *x509.Certificate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.revoked[cert.SerialNumber.String()] = p.Now()
}

func (p *TestPKI) revokedAt(serial *big.Int) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.revoked[serial.String()]
	return t, ok
}

// Close stops the mock server.
func (p *TestPKI) Close() {
	if p.Server != nil {
		p.Server.Close()
	}
}

func (p *TestPKI) serveHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasPrefix(r.URL.Path, "/crl/"):
		p.CRLRequests.Add(1)
		if p.FailCRL {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		idx, ok := p.caIndex(strings.TrimPrefix(r.URL.Path, "/crl/"))
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		crl, err := p.CRL(idx)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/pkix-crl")
		_, _ = w.Write(crl)
	case strings.HasPrefix(r.URL.Path, "/ocsp"):
		p.OCSPRequests.Add(1)
		if p.FailOCSP {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		p.serveOCSP(w, r)
	case strings.HasPrefix(r.URL.Path, "/ca/"):
		p.CARequests.Add(1)
		idx, ok := p.caIndex(strings.TrimPrefix(r.URL.Path, "/ca/"))
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/pkix-cert")
		_, _ = w.Write(p.CACerts[idx].Raw)
	case r.URL.Path == "/tsa":
		p.TSARequests.Add(1)
		if p.FailTSA {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		p.serveTSA(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (p *TestPKI) caIndex(s string) (int, bool) {
	idx, err := strconv.Atoi(s)
	if err != nil || idx < 0 || idx >= len(p.CACerts) {
		return 0, false
	}
	return idx, true
}

// CRL returns a freshly signed CRL of CA idx.
func (p *TestPKI) CRL(idx int) ([]byte, error) {
	p.mu.Lock()
	var entries []x509.RevocationListEntry
	for serial, at := range p.revoked {
		n, _ := new(big.Int).SetString(serial, 10)
		entries = append(entries, x509.RevocationListEntry{SerialNumber: n, RevocationTime: at})
	}
	p.mu.Unlock()

	now := p.Now()
	return x509.CreateRevocationList(rand.Reader, &x509.RevocationList{
		Number:                    big.NewInt(now.Unix()),
		ThisUpdate:                now.Add(-1 * time.Minute),
		NextUpdate:                now.Add(24 * time.Hour),
		RevokedCertificateEntries: entries,
	}, p.CACerts[idx], p.CAKeys[idx])
}

func (p *TestPKI) serveOCSP(w http.ResponseWriter, r *http.Request) {
	var reqBytes []byte
	var err error
	if r.Method == http.MethodPost {
		reqBytes, err = io.ReadAll(r.Body)
	} else {
		reqBytes, err = base64.StdEncoding.DecodeString(strings.TrimPrefix(r.URL.Path, "/ocsp/"))
	}
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	ocspReq, err := ocsp.ParseRequest(reqBytes)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	idx := -1
	for i, ca := range p.CACerts {
		h := ocspReq.HashAlgorithm.New()
		h.Write(ca.RawSubject)
		if bytes.Equal(h.Sum(nil), ocspReq.IssuerNameHash) {
			idx = i
		}
	}
	if idx < 0 {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	now := p.Now()
	template := ocsp.Response{
		Status:       ocsp.Good,
		SerialNumber: ocspReq.SerialNumber,
		ThisUpdate:   now.Add(-1 * time.Minute),
		NextUpdate:   now.Add(24 * time.Hour),
	}
	if at, ok := p.revokedAt(ocspReq.SerialNumber); ok {
		template.Status = ocsp.Revoked
		template.RevokedAt = at
		template.RevocationReason = ocsp.KeyCompromise
	}

	responderCert, responderKey := p.CACerts[idx], p.CAKeys[idx]
	if p.ResponderCert != nil && idx == len(p.CACerts)-1 {
		responderCert, responderKey = p.ResponderCert, p.ResponderKey
		template.Certificate = p.ResponderCert
	}

	respBytes, err := ocsp.CreateResponse(p.CACerts[idx], responderCert, template, responderKey)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/ocsp-response")
	_, _ = w.Write(respBytes)
}

func (p *TestPKI) serveTSA(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	req, err := timestamp.ParseRequest(body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	ts := &timestamp.Timestamp{
		HashAlgorithm:     req.HashAlgorithm,
		HashedMessage:     req.HashedMessage,
		Time:              p.Now().UTC(),
		Policy:            oidTimeStampPolicy,
		Nonce:             req.Nonce,
		AddTSACertificate: true,
		Certificates:      p.Chain(),
	}
	resp, err := ts.CreateResponseWithOpts(p.TSACert, p.TSAKey, crypto.SHA256)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/timestamp-reply")
	_, _ = w.Write(resp)
}

func Fail(t *testing.T, format string, args ...interface{}) {
	if t != nil {
		t.Helper()
		t.Fatalf(format, args...)
	} else {
		log.Fatalf(format, args...)
	}
}

func GenerateKey(t *testing.T, profile KeyProfile) crypto.Signer {
	switch profile {
	case RSA_2048, RSA_3072:
		bits := 2048
		if profile == RSA_3072 {
			bits = 3072
		}
		k, err := rsa.GenerateKey(rand.Reader, bits)
		if err != nil {
			Fail(t, "failed to generate RSA %d key: %v", bits, err)
		}
		return k
	case ECDSA_P256, ECDSA_P384, ECDSA_P521:
		curve := map[KeyProfile]elliptic.Curve{
			ECDSA_P256: elliptic.P256(),
			ECDSA_P384: elliptic.P384(),
			ECDSA_P521: elliptic.P521(),
		}[profile]
		k, err := ecdsa.GenerateKey(curve, rand.Reader)
		if err != nil {
			Fail(t, "failed to generate %s key: %v", profile, err)
		}
		return k
	case ED25519:
		_, k, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			Fail(t, "failed to generate Ed25519 key: %v", err)
		}
		return k
	case ED448:
		_, k, err := ed448.GenerateKey(rand.Reader)
		if err != nil {
			Fail(t, "failed to generate Ed448 key: %v", err)
		}
		return k
	default:
		Fail(t, "unknown key profile: %s", profile)
		return nil
	}
}
