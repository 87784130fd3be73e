package revocation

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/crypto/ocsp"
)

var ErrNoRevocationDataForSigningCertificate = errors.New("no revocation data for signing certificate")

var (
	// OIDOCSPNoCheck marks certificates that need no revocation checking.
	OIDOCSPNoCheck = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 1, 5}
	// OIDValidityAssured is the ETSI extension for short-term certificates.
	OIDValidityAssured = asn1.ObjectIdentifier{0, 4, 0, 194121, 2, 1}
)

// Level selects which kinds of revocation data are gathered.
type Level int

const (
	// LevelOCSPOptionalCRL fetches OCSP and falls back to a CRL when no OCSP
	// response is available.
	LevelOCSPOptionalCRL Level = iota
	LevelOCSP
	LevelCRL
	// LevelOCSPAndCRL fetches both kinds.
	LevelOCSPAndCRL
)

func (l Level) String() string {
	switch l {
	case LevelOCSP:
		return "ocsp"
	case LevelCRL:
		return "crl"
	case LevelOCSPAndCRL:
		return "ocsp_crl"
	default:
		return "ocsp_optional_crl"
	}
}

// ParseLevel maps the names returned by Level.String back to a Level.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "", "ocsp_optional_crl":
		return LevelOCSPOptionalCRL, nil
	case "ocsp":
		return LevelOCSP, nil
	case "crl":
		return LevelCRL, nil
	case "ocsp_crl":
		return LevelOCSPAndCRL, nil
	}
	return 0, fmt.Errorf("unknown revocation level %q", s)
}

// CertOption selects which certificates of the path are checked.
type CertOption int

const (
	WholeChain CertOption = iota
	SigningCertificateOnly
)

type CollectOptions struct {
	CertOption CertOption
	Level      Level
	// BestEffort turns missing data for the first certificate into a
	// warning. Used for time-stamp authority certificates.
	BestEffort bool
}

// Collector gathers OCSP responses, CRLs and the certificates needed to
// validate a certification path.
type Collector struct {
	OCSP    OCSPClient
	CRL     CRLClient
	Issuers IssuerResolver
	Logger  *zap.Logger
}

// NewCollector returns a Collector using the HTTP clients with a shared
// in-memory cache.
func NewCollector(logger *zap.Logger) *Collector {
	cache := NewMemoryCache()
	return &Collector{
		OCSP:    &HTTPOCSPClient{Cache: cache, Logger: logger},
		CRL:     &HTTPCRLClient{Cache: cache, Logger: logger},
		Issuers: &HTTPIssuerResolver{Cache: cache, Logger: logger},
		Logger:  logger,
	}
}

func (c *Collector) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

// Collect walks the path starting at chain[0] and returns the gathered
// material. The remaining chain entries are used as issuer candidates,
// missing issuers are resolved through their caIssuers URL.
func (c *Collector) Collect(ctx context.Context, chain []*x509.Certificate, opts CollectOptions) (*MaterialSet, error) {
	if len(chain) == 0 || chain[0] == nil {
		return nil, errors.New("empty certificate chain")
	}
	set := NewMaterialSet()
	pool := append([]*x509.Certificate{}, chain[1:]...)
	queue := []*x509.Certificate{chain[0]}
	done := map[string]bool{}

	for len(queue) > 0 {
		cert := queue[0]
		queue = queue[1:]
		if done[string(cert.Raw)] {
			continue
		}
		done[string(cert.Raw)] = true
		set.AddCertificate(cert)

		if isSelfSigned(cert) {
			continue
		}

		issuer := c.findIssuer(ctx, cert, &pool)
		if issuer != nil {
			set.AddCertificate(issuer)
			queue = append(queue, issuer)
		}

		signing := cert == chain[0]
		if !signing && opts.CertOption == SigningCertificateOnly {
			continue
		}

		responders, err := c.collect(ctx, cert, issuer, opts.Level, signing && !opts.BestEffort, set)
		if err != nil {
			return nil, err
		}
		queue = append(queue, responders...)
	}
	return set, nil
}

// collect gathers revocation data for a single certificate and returns the
// certificates of delegated OCSP responders.
func (c *Collector) collect(ctx context.Context, cert, issuer *x509.Certificate, level Level, required bool, set *MaterialSet) ([]*x509.Certificate, error) {
	log := c.logger().With(zap.String("subject", cert.Subject.String()))

	if hasExtension(cert, OIDOCSPNoCheck) || hasExtension(cert, OIDValidityAssured) {
		log.Info("certificate exempt from revocation checking")
		return nil, nil
	}

	var (
		responders []*x509.Certificate
		haveOCSP   bool
		haveCRL    bool
		failures   []error
	)

	if level != LevelCRL && c.OCSP != nil && issuer != nil && len(cert.OCSPServer) > 0 {
		data, err := c.OCSP.GetOCSPResponse(ctx, cert, issuer)
		switch {
		case errors.Is(err, ErrRevoked):
			if required {
				return nil, err
			}
			log.Warn("certificate revoked", zap.Error(err))
		case err != nil:
			failures = append(failures, err)
		case data != nil:
			haveOCSP = true
			set.AddOCSP(cert, data)
			if resp, err := ocsp.ParseResponse(data, nil); err == nil && resp.Certificate != nil {
				set.AddCertificate(resp.Certificate)
				responders = append(responders, resp.Certificate)
			}
		}
	}

	wantCRL := level == LevelCRL || level == LevelOCSPAndCRL || (level == LevelOCSPOptionalCRL && !haveOCSP)
	if wantCRL && c.CRL != nil {
		if data := set.crlFor(cert, issuer); data != nil {
			if err := checkListed(data, cert, "a crl of the same issuer"); err != nil {
				if required {
					return nil, err
				}
				failures = append(failures, err)
			} else {
				haveCRL = true
				set.AddCRL(cert, issuer, data)
			}
		} else {
			for _, uri := range cert.CRLDistributionPoints {
				data, err := c.fetchCRL(ctx, cert, issuer, uri)
				if err != nil {
					if errors.Is(err, ErrRevoked) && required {
						return nil, err
					}
					failures = append(failures, err)
					continue
				}
				haveCRL = true
				set.AddCRL(cert, issuer, data)
				break
			}
		}
	}

	complete := haveOCSP || haveCRL
	if level == LevelOCSPAndCRL {
		complete = haveOCSP && haveCRL
	}
	if complete {
		return responders, nil
	}

	err := errors.Join(failures...)
	if required {
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrNoRevocationDataForSigningCertificate, cert.Subject, err)
		}
		return nil, fmt.Errorf("%w: %s", ErrNoRevocationDataForSigningCertificate, cert.Subject)
	}
	log.Warn("no revocation data", zap.Stringer("level", level), zap.Error(err))
	return responders, nil
}

func (c *Collector) fetchCRL(ctx context.Context, cert, issuer *x509.Certificate, uri string) ([]byte, error) {
	data, err := c.CRL.GetCRL(ctx, cert, uri)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, fmt.Errorf("%w: empty crl from %s", ErrFetchFailed, uri)
	}
	crl, err := x509.ParseRevocationList(data)
	if err != nil {
		return nil, fmt.Errorf("%w: parse crl from %s: %v", ErrFetchFailed, uri, err)
	}
	if issuer != nil {
		if err := crl.CheckSignatureFrom(issuer); err != nil {
			return nil, fmt.Errorf("%w: crl from %s not signed by issuer: %v", ErrFetchFailed, uri, err)
		}
	} else {
		c.logger().Warn("crl signature not checked, issuer unknown", zap.String("url", uri))
	}
	if listed(crl, cert) {
		return nil, fmt.Errorf("%w: %s listed on %s", ErrRevoked, cert.Subject, uri)
	}
	return data, nil
}

// checkListed fails with ErrRevoked when cert is on the CRL in data.
func checkListed(data []byte, cert *x509.Certificate, source string) error {
	crl, err := x509.ParseRevocationList(data)
	if err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrFetchFailed, source, err)
	}
	if listed(crl, cert) {
		return fmt.Errorf("%w: %s listed on %s", ErrRevoked, cert.Subject, source)
	}
	return nil
}

func listed(crl *x509.RevocationList, cert *x509.Certificate) bool {
	for _, entry := range crl.RevokedCertificateEntries {
		if entry.SerialNumber.Cmp(cert.SerialNumber) == 0 {
			return true
		}
	}
	return false
}

func (c *Collector) findIssuer(ctx context.Context, cert *x509.Certificate, pool *[]*x509.Certificate) *x509.Certificate {
	for _, candidate := range *pool {
		if isIssuer(candidate, cert) {
			return candidate
		}
	}
	if c.Issuers == nil {
		return nil
	}
	for _, uri := range cert.IssuingCertificateURL {
		candidate, err := c.Issuers.GetIssuerCertificate(ctx, uri)
		if err != nil {
			c.logger().Warn("failed to fetch issuer certificate", zap.String("url", uri), zap.Error(err))
			continue
		}
		if isIssuer(candidate, cert) {
			*pool = append(*pool, candidate)
			return candidate
		}
	}
	c.logger().Warn("issuer not found", zap.String("subject", cert.Subject.String()))
	return nil
}

func isIssuer(candidate, cert *x509.Certificate) bool {
	return bytes.Equal(candidate.RawSubject, cert.RawIssuer) && cert.CheckSignatureFrom(candidate) == nil
}

func isSelfSigned(cert *x509.Certificate) bool {
	return bytes.Equal(cert.RawSubject, cert.RawIssuer) && cert.CheckSignatureFrom(cert) == nil
}

func hasExtension(cert *x509.Certificate, oid asn1.ObjectIdentifier) bool {
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(oid) {
			return true
		}
	}
	return false
}

// Material is the revocation data gathered for one certificate.
type Material struct {
	Certificate *x509.Certificate
	OCSPs       [][]byte
	CRLs        [][]byte
}

// MaterialSet holds validation material deduplicated by DER encoding.
type MaterialSet struct {
	Certificates []*x509.Certificate
	OCSPs        [][]byte
	CRLs         [][]byte

	entries     []*Material
	seen        map[[32]byte]bool
	crlByIssuer map[string][]byte
}

func NewMaterialSet() *MaterialSet {
	return &MaterialSet{
		seen:        map[[32]byte]bool{},
		crlByIssuer: map[string][]byte{},
	}
}

func (s *MaterialSet) init() {
	if s.seen == nil {
		s.seen = map[[32]byte]bool{}
	}
	if s.crlByIssuer == nil {
		s.crlByIssuer = map[string][]byte{}
	}
}

// first reports whether data has not been added before.
func (s *MaterialSet) first(kind byte, data []byte) bool {
	s.init()
	h := sha256.New()
	h.Write([]byte{kind})
	h.Write(data)
	var key [32]byte
	copy(key[:], h.Sum(nil))
	if s.seen[key] {
		return false
	}
	s.seen[key] = true
	return true
}

func (s *MaterialSet) AddCertificate(cert *x509.Certificate) {
	if cert != nil && s.first('c', cert.Raw) {
		s.Certificates = append(s.Certificates, cert)
	}
}

func (s *MaterialSet) entry(cert *x509.Certificate) *Material {
	for _, m := range s.entries {
		if m.Certificate.Equal(cert) {
			return m
		}
	}
	m := &Material{Certificate: cert}
	s.entries = append(s.entries, m)
	return m
}

// AddOCSP records an OCSP response gathered for cert.
func (s *MaterialSet) AddOCSP(cert *x509.Certificate, data []byte) {
	m := s.entry(cert)
	m.OCSPs = appendUnique(m.OCSPs, data)
	if s.first('o', data) {
		s.OCSPs = append(s.OCSPs, data)
	}
}

// AddCRL records a CRL covering cert. issuer may be nil.
func (s *MaterialSet) AddCRL(cert, issuer *x509.Certificate, data []byte) {
	m := s.entry(cert)
	m.CRLs = appendUnique(m.CRLs, data)
	s.init()
	s.crlByIssuer[issuerKey(cert, issuer)] = data
	if s.first('r', data) {
		s.CRLs = append(s.CRLs, data)
	}
}

func appendUnique(list [][]byte, data []byte) [][]byte {
	for _, d := range list {
		if bytes.Equal(d, data) {
			return list
		}
	}
	return append(list, data)
}

// crlFor returns a CRL already gathered for another certificate of the
// same issuer.
func (s *MaterialSet) crlFor(cert, issuer *x509.Certificate) []byte {
	s.init()
	return s.crlByIssuer[issuerKey(cert, issuer)]
}

func issuerKey(cert, issuer *x509.Certificate) string {
	if issuer != nil {
		return string(issuer.Raw)
	}
	return string(cert.RawIssuer)
}

// Materials returns the per-certificate material in collection order.
func (s *MaterialSet) Materials() []*Material {
	return s.entries
}

// For returns the material gathered for cert, or nil.
func (s *MaterialSet) For(cert *x509.Certificate) *Material {
	for _, m := range s.entries {
		if m.Certificate.Equal(cert) {
			return m
		}
	}
	return nil
}

// Merge adds the contents of o to s.
func (s *MaterialSet) Merge(o *MaterialSet) {
	if o == nil {
		return
	}
	for _, cert := range o.Certificates {
		s.AddCertificate(cert)
	}
	for _, m := range o.entries {
		for _, d := range m.OCSPs {
			s.AddOCSP(m.Certificate, d)
		}
		for _, d := range m.CRLs {
			s.AddCRL(m.Certificate, nil, d)
		}
	}
	for _, d := range o.OCSPs {
		if s.first('o', d) {
			s.OCSPs = append(s.OCSPs, d)
		}
	}
	for _, d := range o.CRLs {
		if s.first('r', d) {
			s.CRLs = append(s.CRLs, d)
		}
	}
}

// Empty reports whether the set holds no revocation data.
func (s *MaterialSet) Empty() bool {
	return s == nil || len(s.OCSPs) == 0 && len(s.CRLs) == 0
}

// InfoArchival converts the revocation data for embedding as the
// adbe-revocationInfoArchival attribute.
func (s *MaterialSet) InfoArchival() *InfoArchival {
	info := &InfoArchival{}
	for _, d := range s.CRLs {
		_ = info.AddCRL(d)
	}
	for _, d := range s.OCSPs {
		_ = info.AddOCSP(d)
	}
	return info
}
