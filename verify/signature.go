package verify

import (
	"bytes"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/digitorus/pades/cms"
	"github.com/digitorus/pades/revocation"
	"github.com/digitorus/pades/sign"
	"github.com/digitorus/pades/tsa"
	"github.com/digitorus/pdf"
	"github.com/digitorus/pkcs7"
)

// verifySignature processes a single signature field of the document.
// later holds the signatures of subsequent revisions.
func verifySignature(field sign.SignatureField, later []sign.SignatureField, file io.ReaderAt, size int64, material *validationMaterial, options *VerifyOptions) Signature {
	d := field.Dictionary
	sig := Signature{Info: SignatureInfo{
		FieldName:         field.Name,
		Name:              d.Key("Name").Text(),
		Reason:            d.Key("Reason").Text(),
		Location:          d.Key("Location").Text(),
		ContactInfo:       d.Key("ContactInfo").Text(),
		SubFilter:         field.SubFilter,
		DocumentTimestamp: field.IsDocumentTimestamp(),
	}}
	val := &sig.Validation
	fail := func(err error) Signature {
		val.Errors = append(val.Errors, err)
		return sig
	}

	if err := field.ByteRange.Check(size); err != nil {
		return fail(&ValidationError{Field: field.Name, Msg: "invalid byte range", Err: err})
	}
	val.CoversWholeDocument = field.ByteRange.CoversWholeDocument(size)

	if m := d.Key("M"); m.Kind() == pdf.String {
		if t, err := parseDate(m.Text()); err == nil {
			sig.Info.SignatureTime = &t
		}
	}

	if err := checkDocMDP(field, later, size, val); err != nil {
		val.Errors = append(val.Errors, err)
	}

	var (
		s   *signedContent
		err error
	)
	switch {
	case field.IsDocumentTimestamp():
		s, err = verifyDocumentTimestamp(field, file, &sig.Info)
	default:
		s, err = verifyContainer(field, file, &sig.Info)
	}
	if err != nil {
		return fail(err)
	}
	val.ValidSignature = true

	verificationTime, source := verificationTime(sig.Info, options)
	val.VerificationTime = &verificationTime
	val.TimeSource = source

	buildCertificateChains(s, material, verificationTime, &sig, options)
	return sig
}

// signedContent is what a verified container contributes to path
// validation.
type signedContent struct {
	signer       *x509.Certificate
	certificates []*x509.Certificate
	embedded     revocation.InfoArchival
}

// verifyContainer checks a CMS signature over the byte range. Containers the
// CAdES parser does not handle are verified as classic PKCS#7.
func verifyContainer(field sign.SignatureField, file io.ReaderAt, info *SignatureInfo) (*signedContent, error) {
	data := field.Container()
	c, err := cms.Parse(data)
	if err != nil {
		return verifyPKCS7(field, file, info, err)
	}

	info.HashAlgorithm = c.Digest.String()
	if err := c.Verify(field.ByteRange.Reader(file)); err != nil {
		return nil, &InvalidSignatureError{Msg: fmt.Sprintf("%s: signature verification failed", field.Name), Err: err}
	}

	if info.SignatureTime == nil {
		if t, ok := c.SigningTime(); ok {
			info.SignatureTime = &t
		}
	}

	if token := c.TimestampToken(); token != nil {
		ts, err := tsa.Verify(token, bytes.NewReader(c.Signature))
		if err != nil {
			return nil, &InvalidSignatureError{Msg: fmt.Sprintf("%s: signature time-stamp", field.Name), Err: err}
		}
		info.TimeStamp = ts
	}

	s := &signedContent{
		signer:       c.SignerCertificate(),
		certificates: c.Certificates(),
	}
	if v, ok := c.Attribute(cms.OIDAttributeAdobeRevocation); ok {
		if _, err := asn1.Unmarshal(v, &s.embedded); err != nil {
			return nil, &ValidationError{Field: field.Name, Msg: "malformed revocation information attribute", Err: err}
		}
	}
	return s, nil
}

func verifyPKCS7(field sign.SignatureField, file io.ReaderAt, info *SignatureInfo, cause error) (*signedContent, error) {
	p7, err := pkcs7.Parse(field.Container())
	if err != nil {
		return nil, &ValidationError{Field: field.Name, Msg: "failed to parse signature container", Err: errors.Join(cause, err)}
	}
	content, err := io.ReadAll(field.ByteRange.Reader(file))
	if err != nil {
		return nil, &ValidationError{Field: field.Name, Msg: "failed to read byte range", Err: err}
	}
	p7.Content = content

	if err := p7.Verify(); err != nil {
		return nil, &InvalidSignatureError{Msg: fmt.Sprintf("%s: signature verification failed", field.Name), Err: err}
	}

	s := &signedContent{
		signer:       p7.GetOnlySigner(),
		certificates: p7.Certificates,
	}
	_ = p7.UnmarshalSignedAttribute(cms.OIDAttributeAdobeRevocation, &s.embedded)

	for _, signer := range p7.Signers {
		for _, attr := range signer.UnauthenticatedAttributes {
			if !attr.Type.Equal(cms.OIDAttributeTimeStampToken) {
				continue
			}
			ts, err := tsa.Verify(attr.Value.Bytes, bytes.NewReader(signer.EncryptedDigest))
			if err != nil {
				return nil, &InvalidSignatureError{Msg: fmt.Sprintf("%s: signature time-stamp", field.Name), Err: err}
			}
			info.TimeStamp = ts
		}
	}
	return s, nil
}

// verifyDocumentTimestamp checks an RFC 3161 token whose message imprint
// covers the byte range.
func verifyDocumentTimestamp(field sign.SignatureField, file io.ReaderAt, info *SignatureInfo) (*signedContent, error) {
	token := field.Container()
	ts, err := tsa.Verify(token, field.ByteRange.Reader(file))
	if err != nil {
		return nil, &InvalidSignatureError{Msg: fmt.Sprintf("%s: document time-stamp does not match", field.Name), Err: err}
	}
	info.TimeStamp = ts
	info.HashAlgorithm = ts.HashAlgorithm.String()

	p7, err := pkcs7.Parse(token)
	if err != nil {
		return nil, &ValidationError{Field: field.Name, Msg: "failed to parse time-stamp token", Err: err}
	}
	if err := p7.Verify(); err != nil {
		return nil, &InvalidSignatureError{Msg: fmt.Sprintf("%s: time-stamp signature verification failed", field.Name), Err: err}
	}
	return &signedContent{
		signer:       p7.GetOnlySigner(),
		certificates: p7.Certificates,
	}, nil
}

func verificationTime(info SignatureInfo, options *VerifyOptions) (time.Time, string) {
	switch {
	case info.TimeStamp != nil && !info.DocumentTimestamp:
		return info.TimeStamp.Time, "signature_timestamp"
	case info.TimeStamp != nil:
		return info.TimeStamp.Time, "document_timestamp"
	case options.TrustSignatureTime && info.SignatureTime != nil:
		return *info.SignatureTime, "signature_time"
	}
	return options.now(), "current_time"
}

// checkDocMDP applies the permissions of a certification signature to the
// revisions that follow it. Revision content is not compared, only the
// signatures added later are.
func checkDocMDP(field sign.SignatureField, later []sign.SignatureField, size int64, val *SignatureValidation) error {
	refs := field.Dictionary.Key("Reference")
	for i := 0; i < refs.Len(); i++ {
		ref := refs.Index(i)
		if ref.Key("TransformMethod").Name() != "DocMDP" {
			continue
		}
		if field.ByteRange.CoversWholeDocument(size) {
			return nil
		}
		perms := int64(2)
		if p := ref.Key("TransformParams").Key("P"); p.Kind() == pdf.Integer {
			perms = p.Int64()
		}
		if perms == 1 {
			// Only validation data and document time-stamps may follow.
			for _, l := range later {
				if !l.IsDocumentTimestamp() {
					return &PolicyError{Msg: fmt.Sprintf("%s: signature %s added but DocMDP P=1 permits no changes", field.Name, l.Name)}
				}
			}
		}
		val.Warnings = append(val.Warnings, fmt.Sprintf("DocMDP P=%d: incremental update found, content not compared", perms))
	}
	return nil
}
