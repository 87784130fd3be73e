package sign

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"io"
	"time"

	"github.com/digitorus/pades/cms"
	"github.com/digitorus/pades/revocation"
	"github.com/digitorus/pades/tsa"
	"go.uber.org/zap"
)

// SignatureContainer produces the container embedded in /Contents. The
// data passed to Sign is the byte range of the prepared revision.
type SignatureContainer interface {
	// ModifySigningDictionary is called once before the placeholder is
	// reserved.
	ModifySigningDictionary(d *SignatureDictionary)
	Sign(ctx context.Context, data io.Reader) ([]byte, error)
}

// SizeEstimator is implemented by containers that know how many bytes the
// placeholder needs.
type SizeEstimator interface {
	EstimatedSize() (int, error)
}

// ExtensionDeclarer is implemented by containers whose algorithms require
// ISO_ developer extensions.
type ExtensionDeclarer interface {
	ExtensionLevels() ExtensionLevels
}

// DirectContainer signs the byte range with a local or injected signer.
type DirectContainer struct {
	Signer      crypto.Signer
	Certificate *x509.Certificate
	// Chain holds the issuer certificates, the signer certificate is left
	// out when present.
	Chain []*x509.Certificate
	// Digest defaults to the key type's digest, SHA-256 for RSA and ECDSA.
	Digest    cms.DigestAlgorithm
	SubFilter string
	// Provider defaults to cms.DefaultProvider.
	Provider cms.Provider
	// TSA adds a signature time-stamp token when set.
	TSA tsa.Client
	// RevocationData is embedded as adbe-revocationInfoArchival for
	// adbe.pkcs7.detached signatures.
	RevocationData *revocation.InfoArchival
	Policy         *cms.SignaturePolicy
	Logger         *zap.Logger

	signingTime time.Time
}

func (c *DirectContainer) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

func (c *DirectContainer) subFilter() string {
	if c.SubFilter == "" {
		return SubFilterCAdES
	}
	return c.SubFilter
}

func (c *DirectContainer) digest() (cms.DigestAlgorithm, error) {
	pub, err := cms.PublicKey(c.Certificate)
	if err != nil {
		return 0, err
	}
	alg := c.Digest
	if alg == 0 {
		alg = cms.DefaultDigest(pub)
	}
	if err := cms.CheckKeyDigest(pub, alg); err != nil {
		return 0, err
	}
	return alg, nil
}

func (c *DirectContainer) ModifySigningDictionary(d *SignatureDictionary) {
	d.Filter = FilterAdobePPKLite
	d.SubFilter = c.subFilter()
	c.signingTime = d.SigningTime
}

// ExtensionLevels returns the levels required by the key and digest.
func (c *DirectContainer) ExtensionLevels() ExtensionLevels {
	alg, err := c.digest()
	if err != nil {
		return nil
	}
	pub, _ := cms.PublicKey(c.Certificate)
	return RequiredExtensions(pub, alg)
}

// EstimatedSize returns the placeholder size for the container.
func (c *DirectContainer) EstimatedSize() (int, error) {
	alg, err := c.digest()
	if err != nil {
		return 0, err
	}
	return EstimateContainerSize(ContainerEstimate{
		Certificate:    c.Certificate,
		Chain:          c.chain(),
		Digest:         alg,
		Policy:         c.Policy,
		RevocationData: c.revocationData(),
		Timestamp:      c.TSA != nil,
	})
}

func (c *DirectContainer) chain() []*x509.Certificate {
	var chain []*x509.Certificate
	for _, cert := range c.Chain {
		if cert != nil && !cert.Equal(c.Certificate) {
			chain = append(chain, cert)
		}
	}
	return chain
}

func (c *DirectContainer) revocationData() *revocation.InfoArchival {
	if c.subFilter() != SubFilterPKCS7 {
		return nil
	}
	return c.RevocationData
}

// build creates the unsigned CMS for a byte range digest.
func (c *DirectContainer) build(alg cms.DigestAlgorithm, contentDigest []byte) (*cms.Container, error) {
	params := cms.Params{
		Certificate:   c.Certificate,
		Chain:         c.chain(),
		Digest:        alg,
		ContentDigest: contentDigest,
		Policy:        c.Policy,
	}
	// CAdES forbids the signing-time attribute, /M carries the claimed time.
	if c.subFilter() == SubFilterPKCS7 {
		params.SigningTime = c.signingTime
		if info := c.revocationData(); info != nil {
			value, err := asn1.Marshal(*info)
			if err != nil {
				return nil, fmt.Errorf("encode revocation data: %w", err)
			}
			params.ExtraSignedAttributes = append(params.ExtraSignedAttributes, cms.Attribute{
				Type:  cms.OIDAttributeAdobeRevocation,
				Value: value,
			})
		}
	}
	return cms.New(params)
}

func (c *DirectContainer) Sign(ctx context.Context, data io.Reader) ([]byte, error) {
	if c.Certificate == nil {
		return nil, cms.ErrMissingCertificate
	}
	alg, err := c.digest()
	if err != nil {
		return nil, err
	}

	h := alg.New()
	if _, err := io.Copy(h, data); err != nil {
		return nil, fmt.Errorf("digest byte range: %w", err)
	}

	container, err := c.build(alg, h.Sum(nil))
	if err != nil {
		return nil, err
	}

	provider := c.Provider
	if provider == nil {
		provider = cms.DefaultProvider{}
	}
	if err := container.Sign(ctx, provider, c.Signer); err != nil {
		return nil, err
	}

	if err := c.timestamp(ctx, container); err != nil {
		return nil, err
	}
	return container.Marshal()
}

func (c *DirectContainer) timestamp(ctx context.Context, container *cms.Container) error {
	if c.TSA == nil {
		return nil
	}
	token, err := c.TSA.Timestamp(ctx, bytes.NewReader(container.Signature), timestampHash(container.Digest))
	if err != nil {
		return fmt.Errorf("signature timestamp: %w", err)
	}
	container.AddTimestampToken(token)
	c.logger().Debug("signature timestamp added", zap.Int("size", len(token)))
	return nil
}

// timestampHash picks the message imprint hash, SHA-512 unless the
// signature digest is a SHA-2 hash.
func timestampHash(alg cms.DigestAlgorithm) crypto.Hash {
	switch alg {
	case cms.SHA256, cms.SHA384, cms.SHA512:
		return alg.HashFunc()
	}
	return crypto.SHA512
}

// DefaultExternalSize is reserved for external containers without a size.
const DefaultExternalSize = 8192

// ExternalContainer embeds a container produced elsewhere. Without
// Container the placeholder stays zero filled and the byte range digest is
// handed to OnDigest, CompleteDeferred fills it in later.
type ExternalContainer struct {
	Filter    string
	SubFilter string
	// Container is returned verbatim when set.
	Container []byte
	// Size of the placeholder, DefaultExternalSize when unset.
	Size     int
	Digest   cms.DigestAlgorithm
	OnDigest func(digest []byte)
}

func (c *ExternalContainer) ModifySigningDictionary(d *SignatureDictionary) {
	if c.Filter != "" {
		d.Filter = c.Filter
	}
	if c.SubFilter != "" {
		d.SubFilter = c.SubFilter
	}
}

func (c *ExternalContainer) EstimatedSize() (int, error) {
	switch {
	case c.Size > 0:
		return c.Size, nil
	case len(c.Container) > 0:
		return len(c.Container), nil
	}
	return DefaultExternalSize, nil
}

func (c *ExternalContainer) Sign(ctx context.Context, data io.Reader) ([]byte, error) {
	if c.OnDigest != nil {
		alg := c.Digest
		if alg == 0 {
			alg = cms.SHA256
		}
		h := alg.New()
		if _, err := io.Copy(h, data); err != nil {
			return nil, fmt.Errorf("digest byte range: %w", err)
		}
		c.OnDigest(h.Sum(nil))
	}
	if c.Container == nil {
		return nil, nil
	}
	return c.Container, nil
}

// DefaultExternalTimeout bounds ExternalProvider calls without a timeout.
const DefaultExternalTimeout = time.Minute

// ExternalSignFunc returns the raw signature value over message, the DER
// encoded signed attributes.
type ExternalSignFunc func(ctx context.Context, alg cms.DigestAlgorithm, message []byte) ([]byte, error)

// ExternalProvider is a cms.Provider delegating to an out of process
// signer. The call is abandoned after Timeout.
type ExternalProvider struct {
	Func    ExternalSignFunc
	Timeout time.Duration
}

func (p ExternalProvider) Sign(ctx context.Context, _ crypto.Signer, alg cms.DigestAlgorithm, message []byte) ([]byte, error) {
	if p.Func == nil {
		return nil, fmt.Errorf("external signer not configured")
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultExternalTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		sig []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		sig, err := p.Func(ctx, alg, message)
		done <- result{sig, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("external signer: %w", ctx.Err())
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("external signer: %w", r.err)
		}
		if len(r.sig) == 0 {
			return nil, fmt.Errorf("external signer returned an empty signature")
		}
		return r.sig, nil
	}
}

// ExternalSignerContainer builds the CMS locally and obtains the signature
// value from SignFunc.
type ExternalSignerContainer struct {
	DirectContainer
	SignFunc ExternalSignFunc
	Timeout  time.Duration
}

func (c *ExternalSignerContainer) Sign(ctx context.Context, data io.Reader) ([]byte, error) {
	d := c.DirectContainer
	d.Provider = ExternalProvider{Func: c.SignFunc, Timeout: c.Timeout}
	return d.Sign(ctx, data)
}

// TimestampContainer produces a document time-stamp.
type TimestampContainer struct {
	TSA tsa.Client
	// Hash defaults to SHA-256.
	Hash crypto.Hash
	Size int
}

func (c *TimestampContainer) ModifySigningDictionary(d *SignatureDictionary) {
	d.Type = TypeDocTimeStamp
	d.Filter = FilterAdobePPKLite
	d.SubFilter = SubFilterRFC3161
	d.SigningTime = time.Time{}
	d.DocMDP = 0
}

func (c *TimestampContainer) EstimatedSize() (int, error) {
	if c.Size > 0 {
		return c.Size, nil
	}
	return baseContainerSize + timestampReserve, nil
}

func (c *TimestampContainer) Sign(ctx context.Context, data io.Reader) ([]byte, error) {
	if c.TSA == nil {
		return nil, ErrTSAClientMissing
	}
	hash := c.Hash
	if hash == 0 {
		hash = crypto.SHA256
	}
	token, err := c.TSA.Timestamp(ctx, data, hash)
	if err != nil {
		return nil, fmt.Errorf("document timestamp: %w", err)
	}
	return token, nil
}
