package pades

import (
	"crypto/x509"
	"fmt"
	"time"

	"github.com/digitorus/pades/cms"
	"github.com/digitorus/pades/internal/render"
	"github.com/digitorus/pades/sign"
)

// SignerProperties configures the signature dictionary and the field of
// a new signature.
type SignerProperties struct {
	fieldName   string
	signerName  string
	reason      string
	location    string
	contact     string
	signingTime time.Time
	sigType     SignatureType
	permission  Permission
	widget      *sign.Appearance
	visual      *Appearance
	page        int
	x, y        float64
	digest      cms.DigestAlgorithm
	policy      *cms.SignaturePolicy
}

// NewSignerProperties returns properties for an invisible approval
// signature in the first free field.
func NewSignerProperties() *SignerProperties {
	return &SignerProperties{}
}

// FieldName selects the signature field. An existing unsigned field is
// filled, otherwise a new field is created.
func (p *SignerProperties) FieldName(name string) *SignerProperties {
	p.fieldName = name
	return p
}

// SignerName sets /Name. It defaults to the common name of the signing
// certificate.
func (p *SignerProperties) SignerName(name string) *SignerProperties {
	p.signerName = name
	return p
}

// Reason sets the signing reason (e.g., "I agree to the terms", "I am the author").
func (p *SignerProperties) Reason(reason string) *SignerProperties {
	p.reason = reason
	return p
}

// Location specifies the physical location of the signer (e.g., "New York, USA").
func (p *SignerProperties) Location(location string) *SignerProperties {
	p.location = location
	return p
}

// Contact provides contact information for the signer (e.g., email address or phone number).
func (p *SignerProperties) Contact(contact string) *SignerProperties {
	p.contact = contact
	return p
}

// SigningTime sets /M and the signing-time attribute. The engine clock is
// used when unset.
func (p *SignerProperties) SigningTime(t time.Time) *SignerProperties {
	p.signingTime = t
	return p
}

// Type specifies the type of signature. Default is ApprovalSignature.
func (p *SignerProperties) Type(t SignatureType) *SignerProperties {
	p.sigType = t
	return p
}

// Permission limits what changes are allowed to the document after signing.
// This is only applicable for CertificationSignatures.
// Default is AllowFormFilling if not specified for certification.
func (p *SignerProperties) Permission(perm Permission) *SignerProperties {
	p.permission = perm
	return p
}

// Appearance makes the signature visible with its lower left corner at
// x, y on page (1-based).
func (p *SignerProperties) Appearance(a *Appearance, page int, x, y float64) *SignerProperties {
	p.visual = a
	p.page = page
	p.x, p.y = x, y
	return p
}

// Widget binds the field to a widget whose appearance stream is rendered
// by the caller. It is ignored when Appearance is set.
func (p *SignerProperties) Widget(w *sign.Appearance) *SignerProperties {
	p.widget = w
	return p
}

// Digest overrides the digest algorithm of the engine.
func (p *SignerProperties) Digest(alg cms.DigestAlgorithm) *SignerProperties {
	p.digest = alg
	return p
}

// Policy adds a signature policy identifier to the signed attributes.
func (p *SignerProperties) Policy(policy *cms.SignaturePolicy) *SignerProperties {
	p.policy = policy
	return p
}

// appearance returns the widget for the signature. now is the signing
// time when none is set.
func (p *SignerProperties) appearance(cert *x509.Certificate, now time.Time) (*sign.Appearance, error) {
	if p.visual == nil {
		return p.widget, nil
	}
	d := p.dictionary(cert)
	if !d.SigningTime.IsZero() {
		now = d.SigningTime
	}
	w, err := p.visual.widget(p.page, p.x, p.y, render.TemplateContext{
		Name:     d.Name,
		Reason:   d.Reason,
		Location: d.Location,
		Date:     now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render appearance: %w", err)
	}
	return w, nil
}

func (p *SignerProperties) dictionary(cert *x509.Certificate) sign.SignatureDictionary {
	d := sign.SignatureDictionary{
		Name:        p.signerName,
		Reason:      p.reason,
		Location:    p.location,
		ContactInfo: p.contact,
		SigningTime: p.signingTime,
	}
	if d.Name == "" && cert != nil {
		d.Name = cert.Subject.CommonName
	}
	if p.sigType == CertificationSignature {
		d.DocMDP = p.permission.docMDP()
	}
	return d
}
