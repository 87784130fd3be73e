package revocation

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/digitorus/pkcs7"
	"go.uber.org/zap"
	"golang.org/x/crypto/ocsp"
)

var (
	ErrFetchFailed = errors.New("revocation fetch failed")
	ErrRevoked     = errors.New("certificate is revoked")
)

// OCSPClient returns a DER encoded OCSP response for cert. A nil response
// without error means no data is available.
type OCSPClient interface {
	GetOCSPResponse(ctx context.Context, cert, issuer *x509.Certificate) ([]byte, error)
}

// CRLClient returns the DER encoded CRL published at uri for cert.
type CRLClient interface {
	GetCRL(ctx context.Context, cert *x509.Certificate, uri string) ([]byte, error)
}

// IssuerResolver downloads the issuer certificate named by an Authority
// Information Access URL.
type IssuerResolver interface {
	GetIssuerCertificate(ctx context.Context, uri string) (*x509.Certificate, error)
}

type OCSPClientFunc func(ctx context.Context, cert, issuer *x509.Certificate) ([]byte, error)

func (f OCSPClientFunc) GetOCSPResponse(ctx context.Context, cert, issuer *x509.Certificate) ([]byte, error) {
	return f(ctx, cert, issuer)
}

type CRLClientFunc func(ctx context.Context, cert *x509.Certificate, uri string) ([]byte, error)

func (f CRLClientFunc) GetCRL(ctx context.Context, cert *x509.Certificate, uri string) ([]byte, error) {
	return f(ctx, cert, uri)
}

type IssuerResolverFunc func(ctx context.Context, uri string) (*x509.Certificate, error)

func (f IssuerResolverFunc) GetIssuerCertificate(ctx context.Context, uri string) (*x509.Certificate, error) {
	return f(ctx, uri)
}

// maxGETRequestLength follows RFC 5019, longer requests are POSTed.
const maxGETRequestLength = 255

// fetcher holds the HTTP plumbing shared by the clients.
type fetcher struct {
	HTTPClient *http.Client
	Cache      Cache
	Timeout    time.Duration
	Logger     *zap.Logger
}

func (f *fetcher) logger() *zap.Logger {
	if f.Logger == nil {
		return zap.NewNop()
	}
	return f.Logger
}

func (f *fetcher) do(ctx context.Context, method, target, contentType string, body []byte) ([]byte, error) {
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	if contentType != "" {
		req.Header.Add("Content-Type", contentType)
	}

	client := f.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	f.logger().Debug("fetching", zap.String("method", method), zap.String("url", target))
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrFetchFailed, target, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned %d", ErrFetchFailed, target, resp.StatusCode)
	}
	return data, nil
}

func (f *fetcher) cached(key string) ([]byte, bool) {
	if f.Cache == nil {
		return nil, false
	}
	return f.Cache.Get(key)
}

func (f *fetcher) store(key string, data []byte) {
	if f.Cache != nil {
		f.Cache.Put(key, data)
	}
}

// HTTPOCSPClient queries the responders listed in a certificate.
type HTTPOCSPClient struct {
	HTTPClient *http.Client
	Cache      Cache
	Timeout    time.Duration
	Logger     *zap.Logger
}

func (c *HTTPOCSPClient) GetOCSPResponse(ctx context.Context, cert, issuer *x509.Certificate) ([]byte, error) {
	if len(cert.OCSPServer) == 0 {
		return nil, nil
	}
	if issuer == nil {
		return nil, fmt.Errorf("%w: ocsp request needs the issuer of %s", ErrFetchFailed, cert.Subject)
	}

	req, err := ocsp.CreateRequest(cert, issuer, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: create ocsp request: %v", ErrFetchFailed, err)
	}

	f := &fetcher{HTTPClient: c.HTTPClient, Cache: c.Cache, Timeout: c.Timeout, Logger: c.Logger}

	var lastErr error
	for _, server := range cert.OCSPServer {
		encoded := base64.StdEncoding.EncodeToString(req)
		key := "ocsp:" + server + "/" + encoded
		if data, ok := f.cached(key); ok {
			return data, nil
		}

		var data []byte
		if len(encoded) <= maxGETRequestLength {
			data, err = f.do(ctx, http.MethodGet, strings.TrimSuffix(server, "/")+"/"+url.PathEscape(encoded), "", nil)
		} else {
			data, err = f.do(ctx, http.MethodPost, server, "application/ocsp-request", req)
		}
		if err != nil {
			lastErr = err
			continue
		}

		resp, err := ocsp.ParseResponseForCert(data, cert, issuer)
		if err != nil {
			lastErr = fmt.Errorf("%w: parse ocsp response from %s: %v", ErrFetchFailed, server, err)
			continue
		}
		switch resp.Status {
		case ocsp.Good:
		case ocsp.Revoked:
			return nil, fmt.Errorf("%w: %s revoked at %s", ErrRevoked, cert.Subject, resp.RevokedAt)
		default:
			lastErr = fmt.Errorf("%w: ocsp status unknown for %s", ErrFetchFailed, cert.Subject)
			continue
		}

		f.store(key, data)
		return data, nil
	}
	return nil, lastErr
}

// HTTPCRLClient downloads CRLs from distribution points.
type HTTPCRLClient struct {
	HTTPClient *http.Client
	Cache      Cache
	Timeout    time.Duration
	Logger     *zap.Logger
}

func (c *HTTPCRLClient) GetCRL(ctx context.Context, cert *x509.Certificate, uri string) ([]byte, error) {
	f := &fetcher{HTTPClient: c.HTTPClient, Cache: c.Cache, Timeout: c.Timeout, Logger: c.Logger}

	key := "crl:" + uri
	if data, ok := f.cached(key); ok {
		return data, nil
	}
	data, err := f.do(ctx, http.MethodGet, uri, "", nil)
	if err != nil {
		return nil, err
	}
	if _, err := x509.ParseRevocationList(data); err != nil {
		return nil, fmt.Errorf("%w: parse crl from %s: %v", ErrFetchFailed, uri, err)
	}
	f.store(key, data)
	return data, nil
}

// HTTPIssuerResolver downloads certificates from caIssuers URLs. DER, PEM
// and certs-only PKCS#7 bundles are accepted.
type HTTPIssuerResolver struct {
	HTTPClient *http.Client
	Cache      Cache
	Timeout    time.Duration
	Logger     *zap.Logger
}

func (c *HTTPIssuerResolver) GetIssuerCertificate(ctx context.Context, uri string) (*x509.Certificate, error) {
	f := &fetcher{HTTPClient: c.HTTPClient, Cache: c.Cache, Timeout: c.Timeout, Logger: c.Logger}

	key := "cert:" + uri
	data, ok := f.cached(key)
	if !ok {
		var err error
		data, err = f.do(ctx, http.MethodGet, uri, "", nil)
		if err != nil {
			return nil, err
		}
	}

	cert, err := parseCertificate(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFetchFailed, uri, err)
	}
	f.store(key, data)
	return cert, nil
}

func parseCertificate(data []byte) (*x509.Certificate, error) {
	if block, _ := pem.Decode(data); block != nil {
		data = block.Bytes
	}
	if cert, err := x509.ParseCertificate(data); err == nil {
		return cert, nil
	}
	p7, err := pkcs7.Parse(data)
	if err != nil {
		return nil, errors.New("no certificate found")
	}
	if len(p7.Certificates) == 0 {
		return nil, errors.New("empty certificate bundle")
	}
	return p7.Certificates[0], nil
}
