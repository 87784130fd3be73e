package cms

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"

	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"
)

var (
	ErrMissingCertificate   = errors.New("signer certificate not found in container")
	ErrMessageDigest        = errors.New("message digest does not match content")
	ErrUnsupportedContainer = errors.New("unsupported signature container")
)

type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

type encapsulatedContentInfo struct {
	EContentType asn1.ObjectIdentifier
	EContent     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

type signedData struct {
	Version          int
	DigestAlgorithms []pkix.AlgorithmIdentifier `asn1:"set"`
	EncapContentInfo encapsulatedContentInfo
	Certificates     []asn1.RawValue `asn1:"optional,tag:0,set"`
	CRLs             []asn1.RawValue `asn1:"optional,tag:1,set"`
	SignerInfos      []signerInfo    `asn1:"set"`
}

type issuerAndSerialNumber struct {
	Issuer       asn1.RawValue
	SerialNumber *big.Int
}

type signerInfo struct {
	Version            int
	SID                issuerAndSerialNumber
	DigestAlgorithm    pkix.AlgorithmIdentifier
	SignedAttrs        asn1.RawValue `asn1:"optional,tag:0"`
	SignatureAlgorithm pkix.AlgorithmIdentifier
	Signature          []byte
	UnsignedAttrs      asn1.RawValue `asn1:"optional,tag:1"`
}

// Params describes a detached signature over an externally digested
// content.
type Params struct {
	Certificate *x509.Certificate
	// Chain holds the remaining certificates to embed, the signer
	// certificate excluded.
	Chain         []*x509.Certificate
	Digest        DigestAlgorithm
	ContentDigest []byte
	// SigningTime adds the signing-time attribute when set.
	SigningTime           time.Time
	Policy                *SignaturePolicy
	ExtraSignedAttributes []Attribute
}

// Container is a detached CMS SignedData with exactly one signer.
type Container struct {
	Digest             DigestAlgorithm
	SignatureAlgorithm pkix.AlgorithmIdentifier
	Signature          []byte

	certificates []*x509.Certificate
	crls         [][]byte
	sid          issuerAndSerialNumber
	signedAttrs  []byte
	unsigned     []Attribute
}

// New builds an unsigned container. The signature value is added with Sign
// or SetSignature.
func New(p Params) (*Container, error) {
	if p.Certificate == nil {
		return nil, ErrMissingCertificate
	}
	pub, err := PublicKey(p.Certificate)
	if err != nil {
		return nil, err
	}
	sigAlg, err := SignatureAlgorithm(pub, p.Digest)
	if err != nil {
		return nil, err
	}
	if len(p.ContentDigest) != p.Digest.Size() {
		return nil, fmt.Errorf("content digest has %d bytes, %s needs %d", len(p.ContentDigest), p.Digest, p.Digest.Size())
	}

	attrs := []Attribute{contentTypeAttribute(), messageDigestAttribute(p.ContentDigest)}
	if !p.SigningTime.IsZero() {
		a, err := signingTimeAttribute(p.SigningTime)
		if err != nil {
			return nil, fmt.Errorf("signing time: %w", err)
		}
		attrs = append(attrs, a)
	}
	signingCert, err := signingCertificateV2Attribute(p.Certificate, p.Digest)
	if err != nil {
		return nil, fmt.Errorf("signing certificate: %w", err)
	}
	attrs = append(attrs, signingCert)
	if p.Policy != nil {
		a, err := p.Policy.attribute()
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, a)
	}
	attrs = append(attrs, p.ExtraSignedAttributes...)

	signed, err := marshalAttributes(attrs)
	if err != nil {
		return nil, err
	}

	certs := append([]*x509.Certificate{p.Certificate}, p.Chain...)
	return &Container{
		Digest:             p.Digest,
		SignatureAlgorithm: sigAlg,
		certificates:       certs,
		sid: issuerAndSerialNumber{
			Issuer:       asn1.RawValue{FullBytes: p.Certificate.RawIssuer},
			SerialNumber: p.Certificate.SerialNumber,
		},
		signedAttrs: signed,
	}, nil
}

// SignedAttributes returns the DER encoded SET of signed attributes, the
// message covered by the signature value.
func (c *Container) SignedAttributes() []byte {
	var b cryptobyte.Builder
	b.AddASN1(cryptobyte_asn1.SET, func(b *cryptobyte.Builder) {
		b.AddBytes(c.signedAttrs)
	})
	return b.BytesOrPanic()
}

// SignedAttributesDigest is the digest of SignedAttributes, the value an
// external RSA or ECDSA signer signs.
func (c *Container) SignedAttributesDigest() []byte {
	return c.Digest.Sum(c.SignedAttributes())
}

// Sign computes the signature value through p.
func (c *Container) Sign(ctx context.Context, p Provider, signer crypto.Signer) error {
	sig, err := p.Sign(ctx, signer, c.Digest, c.SignedAttributes())
	if err != nil {
		return err
	}
	c.Signature = sig
	return nil
}

func (c *Container) SetSignature(sig []byte) {
	c.Signature = sig
}

func (c *Container) AddUnsignedAttribute(a Attribute) {
	c.unsigned = append(c.unsigned, a)
}

// AddTimestampToken attaches an RFC 3161 token over the signature value.
func (c *Container) AddTimestampToken(token []byte) {
	c.AddUnsignedAttribute(Attribute{Type: OIDAttributeTimeStampToken, Value: token})
}

// TimestampToken returns the signature time-stamp token, if any.
func (c *Container) TimestampToken() []byte {
	if a, ok := findAttribute(c.unsigned, OIDAttributeTimeStampToken); ok {
		return a.Value
	}
	return nil
}

func (c *Container) UnsignedAttributes() []Attribute {
	return c.unsigned
}

// Attributes decodes the signed attributes.
func (c *Container) Attributes() ([]Attribute, error) {
	return parseAttributes(c.signedAttrs)
}

// Attribute returns the value of the signed attribute oid.
func (c *Container) Attribute(oid asn1.ObjectIdentifier) ([]byte, bool) {
	attrs, err := c.Attributes()
	if err != nil {
		return nil, false
	}
	a, ok := findAttribute(attrs, oid)
	return a.Value, ok
}

// MessageDigest returns the digest of the signed content.
func (c *Container) MessageDigest() ([]byte, error) {
	value, ok := c.Attribute(OIDAttributeMessageDigest)
	if !ok {
		return nil, errors.New("message digest attribute missing")
	}
	var digest []byte
	if _, err := asn1.Unmarshal(value, &digest); err != nil {
		return nil, fmt.Errorf("message digest attribute: %w", err)
	}
	return digest, nil
}

// SigningTime returns the claimed signing time, if present.
func (c *Container) SigningTime() (time.Time, bool) {
	value, ok := c.Attribute(OIDAttributeSigningTime)
	if !ok {
		return time.Time{}, false
	}
	var t time.Time
	if _, err := asn1.Unmarshal(value, &t); err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (c *Container) Certificates() []*x509.Certificate {
	return c.certificates
}

// CRLs returns the raw CRLs carried in the SignedData.
func (c *Container) CRLs() [][]byte {
	return c.crls
}

// SignerCertificate finds the certificate identified by the signer info.
func (c *Container) SignerCertificate() *x509.Certificate {
	for _, cert := range c.certificates {
		if cert.SerialNumber.Cmp(c.sid.SerialNumber) == 0 && bytes.Equal(cert.RawIssuer, c.sid.Issuer.FullBytes) {
			return cert
		}
	}
	return nil
}

// VerifySignature checks the signature value over the signed attributes
// against the signer certificate.
func (c *Container) VerifySignature() error {
	cert, pub, err := c.signerKey()
	if err != nil {
		return err
	}
	if err := c.checkSigningCertificate(cert); err != nil {
		return err
	}
	return VerifySignatureValue(pub, c.Digest, c.SignedAttributes(), c.Signature)
}

// signerKey returns the signer certificate and its key once the digest
// algorithm is known to suit the key.
func (c *Container) signerKey() (*x509.Certificate, crypto.PublicKey, error) {
	cert := c.SignerCertificate()
	if cert == nil {
		return nil, nil, ErrMissingCertificate
	}
	pub, err := PublicKey(cert)
	if err != nil {
		return nil, nil, err
	}
	if err := CheckKeyDigest(pub, c.Digest); err != nil {
		return nil, nil, err
	}
	return cert, pub, nil
}

// Verify digests content and checks it against the message digest before
// verifying the signature value.
func (c *Container) Verify(content io.Reader) error {
	h := c.Digest.New()
	if _, err := io.Copy(h, content); err != nil {
		return err
	}
	return c.VerifyDigest(h.Sum(nil))
}

// VerifyDigest is Verify for an already computed content digest.
func (c *Container) VerifyDigest(digest []byte) error {
	if _, _, err := c.signerKey(); err != nil {
		return err
	}
	expected, err := c.MessageDigest()
	if err != nil {
		return err
	}
	if !bytes.Equal(expected, digest) {
		return ErrMessageDigest
	}
	return c.VerifySignature()
}

func (c *Container) checkSigningCertificate(cert *x509.Certificate) error {
	value, ok := c.Attribute(OIDAttributeSigningCertificateV2)
	if !ok {
		return nil
	}

	alg := SHA256
	s := cryptobyte.String(value)
	var outer, certs, id cryptobyte.String
	if !s.ReadASN1(&outer, cryptobyte_asn1.SEQUENCE) ||
		!outer.ReadASN1(&certs, cryptobyte_asn1.SEQUENCE) ||
		!certs.ReadASN1(&id, cryptobyte_asn1.SEQUENCE) {
		return errors.New("malformed signing certificate attribute")
	}
	if id.PeekASN1Tag(cryptobyte_asn1.SEQUENCE) {
		var algID cryptobyte.String
		var oid asn1.ObjectIdentifier
		if !id.ReadASN1(&algID, cryptobyte_asn1.SEQUENCE) || !algID.ReadASN1ObjectIdentifier(&oid) {
			return errors.New("malformed signing certificate attribute")
		}
		var err error
		if alg, err = DigestAlgorithmFromOID(oid); err != nil {
			return err
		}
	}
	var certHash []byte
	if !id.ReadASN1Bytes(&certHash, cryptobyte_asn1.OCTET_STRING) {
		return errors.New("malformed signing certificate attribute")
	}
	if !bytes.Equal(certHash, alg.Sum(cert.Raw)) {
		return errors.New("signing certificate attribute does not match signer certificate")
	}
	return nil
}

// Marshal encodes the container as a ContentInfo.
func (c *Container) Marshal() ([]byte, error) {
	si := signerInfo{
		Version:            1,
		SID:                c.sid,
		DigestAlgorithm:    pkix.AlgorithmIdentifier{Algorithm: c.Digest.OID()},
		SignedAttrs:        asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: c.signedAttrs},
		SignatureAlgorithm: c.SignatureAlgorithm,
		Signature:          c.Signature,
	}
	if si.Signature == nil {
		si.Signature = []byte{}
	}
	if len(c.unsigned) > 0 {
		unsigned, err := marshalAttributes(c.unsigned)
		if err != nil {
			return nil, err
		}
		si.UnsignedAttrs = asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 1, IsCompound: true, Bytes: unsigned}
	}

	sd := signedData{
		Version:          1,
		DigestAlgorithms: []pkix.AlgorithmIdentifier{{Algorithm: c.Digest.OID()}},
		EncapContentInfo: encapsulatedContentInfo{EContentType: OIDData},
		SignerInfos:      []signerInfo{si},
	}
	for _, cert := range c.certificates {
		sd.Certificates = append(sd.Certificates, asn1.RawValue{FullBytes: cert.Raw})
	}
	for _, crl := range c.crls {
		sd.CRLs = append(sd.CRLs, asn1.RawValue{FullBytes: crl})
	}

	inner, err := asn1.Marshal(sd)
	if err != nil {
		return nil, fmt.Errorf("marshal signed data: %w", err)
	}
	return asn1.Marshal(contentInfo{
		ContentType: OIDSignedData,
		Content:     asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: inner},
	})
}

// Parse decodes a container. Trailing bytes, such as the zero padding of a
// PDF /Contents entry, are ignored.
func Parse(der []byte) (*Container, error) {
	var ci contentInfo
	if _, err := asn1.Unmarshal(der, &ci); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedContainer, err)
	}
	if !ci.ContentType.Equal(OIDSignedData) {
		return nil, fmt.Errorf("%w: content type %s", ErrUnsupportedContainer, ci.ContentType)
	}

	var sd signedData
	if _, err := asn1.Unmarshal(ci.Content.Bytes, &sd); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedContainer, err)
	}
	if len(sd.SignerInfos) != 1 {
		return nil, fmt.Errorf("%w: %d signer infos", ErrUnsupportedContainer, len(sd.SignerInfos))
	}
	si := sd.SignerInfos[0]
	if si.SignedAttrs.Class != asn1.ClassContextSpecific || si.SignedAttrs.Tag != 0 || len(si.SignedAttrs.Bytes) == 0 {
		return nil, fmt.Errorf("%w: signed attributes missing", ErrUnsupportedContainer)
	}

	digest, err := DigestAlgorithmFromOID(si.DigestAlgorithm.Algorithm)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedContainer, err)
	}

	c := &Container{
		Digest:             digest,
		SignatureAlgorithm: si.SignatureAlgorithm,
		Signature:          si.Signature,
		sid:                si.SID,
		signedAttrs:        si.SignedAttrs.Bytes,
	}
	for _, raw := range sd.Certificates {
		cert, err := x509.ParseCertificate(raw.FullBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse embedded certificate: %w", err)
		}
		c.certificates = append(c.certificates, cert)
	}
	for _, raw := range sd.CRLs {
		c.crls = append(c.crls, raw.FullBytes)
	}
	if len(si.UnsignedAttrs.Bytes) > 0 {
		if c.unsigned, err = parseAttributes(si.UnsignedAttrs.Bytes); err != nil {
			return nil, err
		}
	}
	return c, nil
}
