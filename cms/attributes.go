package cms

import (
	"bytes"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"
)

var (
	OIDData       = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	OIDSignedData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}

	OIDAttributeContentType          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	OIDAttributeMessageDigest        = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
	OIDAttributeSigningTime          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 5}
	OIDAttributeSigningCertificateV2 = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 47}
	OIDAttributeSignaturePolicy      = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 15}
	OIDAttributeTimeStampToken       = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 14}
	// OIDAttributeAdobeRevocation is Adobe's revocation information archival
	// attribute.
	OIDAttributeAdobeRevocation = asn1.ObjectIdentifier{1, 2, 840, 113583, 1, 1, 8}
)

var errMalformedAttributes = errors.New("malformed attributes")

// Attribute is a CMS attribute with a single value. Value holds the DER
// encoding of that value.
type Attribute struct {
	Type  asn1.ObjectIdentifier
	Value []byte
}

func (a Attribute) marshal() ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1ObjectIdentifier(a.Type)
		b.AddASN1(cryptobyte_asn1.SET, func(b *cryptobyte.Builder) {
			b.AddBytes(a.Value)
		})
	})
	return b.Bytes()
}

// marshalAttributes returns the DER encoded attributes in SET OF order,
// without the outer SET header.
func marshalAttributes(attrs []Attribute) ([]byte, error) {
	encoded := make([][]byte, 0, len(attrs))
	for _, a := range attrs {
		der, err := a.marshal()
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", a.Type, err)
		}
		encoded = append(encoded, der)
	}
	sort.Slice(encoded, func(i, j int) bool {
		return bytes.Compare(encoded[i], encoded[j]) < 0
	})
	return bytes.Join(encoded, nil), nil
}

// parseAttributes reads the content of a SET OF Attribute.
func parseAttributes(content []byte) ([]Attribute, error) {
	var attrs []Attribute
	s := cryptobyte.String(content)
	for !s.Empty() {
		var attr, set cryptobyte.String
		var oid asn1.ObjectIdentifier
		if !s.ReadASN1(&attr, cryptobyte_asn1.SEQUENCE) ||
			!attr.ReadASN1ObjectIdentifier(&oid) ||
			!attr.ReadASN1(&set, cryptobyte_asn1.SET) {
			return nil, errMalformedAttributes
		}
		var value cryptobyte.String
		var tag cryptobyte_asn1.Tag
		if !set.ReadAnyASN1Element(&value, &tag) {
			return nil, errMalformedAttributes
		}
		attrs = append(attrs, Attribute{Type: oid, Value: []byte(value)})
	}
	return attrs, nil
}

func findAttribute(attrs []Attribute, oid asn1.ObjectIdentifier) (Attribute, bool) {
	for _, a := range attrs {
		if a.Type.Equal(oid) {
			return a, true
		}
	}
	return Attribute{}, false
}

func mustMarshal(v any) []byte {
	b, err := asn1.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func contentTypeAttribute() Attribute {
	return Attribute{Type: OIDAttributeContentType, Value: mustMarshal(OIDData)}
}

func messageDigestAttribute(digest []byte) Attribute {
	return Attribute{Type: OIDAttributeMessageDigest, Value: mustMarshal(digest)}
}

func signingTimeAttribute(t time.Time) (Attribute, error) {
	value, err := asn1.Marshal(t.UTC().Truncate(time.Second))
	if err != nil {
		return Attribute{}, err
	}
	return Attribute{Type: OIDAttributeSigningTime, Value: value}, nil
}

// signingCertificateV2Attribute binds the signer certificate to the
// signature (RFC 5035). The hash algorithm is omitted for SHA-256, its
// default value.
func signingCertificateV2Attribute(cert *x509.Certificate, alg DigestAlgorithm) (Attribute, error) {
	certHash := alg.Sum(cert.Raw)

	var b cryptobyte.Builder
	b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) { // SigningCertificateV2
		b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) { // certs
			b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) { // ESSCertIDv2
				if alg != SHA256 {
					b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
						b.AddASN1ObjectIdentifier(alg.OID())
					})
				}
				b.AddASN1OctetString(certHash)
				b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) { // IssuerSerial
					b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) { // GeneralNames
						b.AddASN1(cryptobyte_asn1.Tag(4).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
							b.AddBytes(cert.RawIssuer)
						})
					})
					b.AddASN1BigInt(cert.SerialNumber)
				})
			})
		})
	})

	value, err := b.Bytes()
	if err != nil {
		return Attribute{}, err
	}
	return Attribute{Type: OIDAttributeSigningCertificateV2, Value: value}, nil
}

// SignaturePolicy identifies an explicit signature policy (CAdES-EPES).
type SignaturePolicy struct {
	ID            asn1.ObjectIdentifier
	HashAlgorithm DigestAlgorithm
	Hash          []byte
}

func (p SignaturePolicy) attribute() (Attribute, error) {
	if len(p.ID) == 0 || !p.HashAlgorithm.Available() || len(p.Hash) == 0 {
		return Attribute{}, errors.New("signature policy requires an identifier and a hash")
	}

	var b cryptobyte.Builder
	b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) { // SignaturePolicyId
		b.AddASN1ObjectIdentifier(p.ID)
		b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) { // OtherHashAlgAndValue
			b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
				b.AddASN1ObjectIdentifier(p.HashAlgorithm.OID())
			})
			b.AddASN1OctetString(p.Hash)
		})
	})

	value, err := b.Bytes()
	if err != nil {
		return Attribute{}, err
	}
	return Attribute{Type: OIDAttributeSignaturePolicy, Value: value}, nil
}
