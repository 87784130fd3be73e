package dss

import (
	"bytes"
	"context"
	"crypto"
	_ "crypto/sha1"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/digitorus/pades/cms"
	"github.com/digitorus/pades/revocation"
	"github.com/digitorus/pades/sign"
	"github.com/digitorus/pdf"
	"github.com/digitorus/pkcs7"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

var ErrSignatureNotFound = errors.New("signature not found")

// CertInclusion selects whether certificates are stored next to the
// revocation data.
type CertInclusion int

const (
	IncludeCertificates CertInclusion = iota
	OmitCertificates
)

// MergeOptions select the part of the gathered material stored for a
// signature.
type MergeOptions struct {
	// CertOption limits the revocation data to the signing certificate or
	// covers the whole chain.
	CertOption revocation.CertOption
	Level      revocation.Level
	// CertInclusion controls whether the certificates of the material are
	// stored in /Certs and the /Cert entry of the VRI.
	CertInclusion CertInclusion
}

// Updater merges validation material for several signatures of a document
// into a single new revision.
type Updater struct {
	// VRIHash keys the VRI entries, SHA-1 unless set.
	VRIHash crypto.Hash
	Clock   clockwork.Clock
	Logger  *zap.Logger

	input  io.ReaderAt
	size   int64
	fields []sign.SignatureField
	store  *DSS
}

// NewUpdater loads the document and its current DSS.
func NewUpdater(input io.ReaderAt, size int64) (*Updater, error) {
	rdr, err := pdf.NewReader(input, size)
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}
	fields, err := sign.SignatureFields(rdr)
	if err != nil {
		return nil, err
	}
	store, err := Load(rdr)
	if err != nil {
		return nil, err
	}
	return &Updater{
		input:  input,
		size:   size,
		fields: fields,
		store:  store,
	}, nil
}

func (u *Updater) logger() *zap.Logger {
	if u.Logger == nil {
		return zap.NewNop()
	}
	return u.Logger
}

func (u *Updater) clock() clockwork.Clock {
	if u.Clock == nil {
		return clockwork.NewRealClock()
	}
	return u.Clock
}

// Signatures returns the signature fields of the document, oldest first.
func (u *Updater) Signatures() []sign.SignatureField {
	return u.fields
}

// DSS returns the store being built.
func (u *Updater) DSS() *DSS {
	return u.store
}

// AddSignature records the material gathered for the named signature.
func (u *Updater) AddSignature(name string, material *revocation.MaterialSet, opts MergeOptions) error {
	var field *sign.SignatureField
	for i := range u.fields {
		if u.fields[i].Name == name {
			field = &u.fields[i]
		}
	}
	if field == nil {
		return fmt.Errorf("%w: %q", ErrSignatureNotFound, name)
	}

	key, err := u.vriKey(field.Contents)
	if err != nil {
		return err
	}

	signer, err := SignerCertificate(*field)
	if err != nil {
		u.logger().Warn("signer certificate not found", zap.String("field", name), zap.Error(err))
	}

	vri := Select(material, signer, opts)
	vri.TU = strings.Trim(sign.DateString(u.clock().Now().UTC()), "()")
	u.store.AddVRI(key, vri)

	u.logger().Debug("merged validation material",
		zap.String("field", name),
		zap.String("vri", key),
		zap.Int("certificates", len(vri.Certificates)),
		zap.Int("ocsps", len(vri.OCSPs)),
		zap.Int("crls", len(vri.CRLs)),
	)
	return nil
}

func (u *Updater) vriKey(contents []byte) (string, error) {
	h := u.VRIHash
	if h == 0 {
		h = crypto.SHA1
	}
	if !h.Available() {
		return "", fmt.Errorf("vri hash %v not available", h)
	}
	d := h.New()
	d.Write(contents)
	return strings.ToUpper(hex.EncodeToString(d.Sum(nil))), nil
}

// Write appends a revision holding the merged DSS.
func (u *Updater) Write() ([]byte, error) {
	rev, err := u.Revision()
	if err != nil {
		return nil, err
	}
	return rev.Bytes()
}

// WriteTo writes the document with the merged DSS revision to out.
func (u *Updater) WriteTo(out io.Writer) (int64, error) {
	rev, err := u.Revision()
	if err != nil {
		return 0, err
	}
	return rev.WriteTo(out)
}

// Revision appends the DSS revision without reading the input into memory.
func (u *Updater) Revision() (*sign.Revision, error) {
	w, err := sign.NewIncrementalWriter(u.input, u.size)
	if err != nil {
		return nil, err
	}
	ref, err := u.store.Write(w)
	if err != nil {
		return nil, err
	}
	root, err := w.UpdateCatalog(sign.CatalogUpdate{DSS: &ref})
	if err != nil {
		return nil, err
	}
	return w.CloseRevision(root)
}

// Merge appends a revision to the document adding the material of one
// signature to its DSS.
func Merge(ctx context.Context, input io.ReaderAt, size int64, signatureName string, material *revocation.MaterialSet, opts MergeOptions) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	u, err := NewUpdater(input, size)
	if err != nil {
		return nil, err
	}
	if err := u.AddSignature(signatureName, material, opts); err != nil {
		return nil, err
	}
	return u.Write()
}

// Select picks the material stored for a signature made with signer. A
// nil signer selects the first certificate of the material.
func Select(material *revocation.MaterialSet, signer *x509.Certificate, opts MergeOptions) VRI {
	var vri VRI
	if material == nil {
		return vri
	}
	entries := material.Materials()
	if signer == nil && len(entries) > 0 {
		signer = entries[0].Certificate
	}

	for _, m := range entries {
		if opts.CertOption == revocation.SigningCertificateOnly && (signer == nil || !m.Certificate.Equal(signer)) {
			continue
		}
		switch opts.Level {
		case revocation.LevelOCSP:
			vri.OCSPs = append(vri.OCSPs, m.OCSPs...)
		case revocation.LevelCRL:
			vri.CRLs = append(vri.CRLs, m.CRLs...)
		case revocation.LevelOCSPAndCRL:
			vri.OCSPs = append(vri.OCSPs, m.OCSPs...)
			vri.CRLs = append(vri.CRLs, m.CRLs...)
		default:
			if len(m.OCSPs) > 0 {
				vri.OCSPs = append(vri.OCSPs, m.OCSPs...)
			} else {
				vri.CRLs = append(vri.CRLs, m.CRLs...)
			}
		}
	}

	if opts.CertInclusion == IncludeCertificates {
		for _, c := range material.Certificates {
			vri.Certificates = append(vri.Certificates, c.Raw)
		}
	}
	return vri
}

// SignerCertificate returns the certificate that made the signature of a
// field, a time-stamp authority for document time-stamps.
func SignerCertificate(field sign.SignatureField) (*x509.Certificate, error) {
	data := field.Container()
	if field.IsDocumentTimestamp() {
		p7, err := pkcs7.Parse(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse time-stamp token: %w", err)
		}
		if signer := p7.GetOnlySigner(); signer != nil {
			return signer, nil
		}
		return nil, errors.New("time-stamp token has no signer certificate")
	}

	c, err := cms.Parse(data)
	if err != nil {
		return nil, err
	}
	if signer := c.SignerCertificate(); signer != nil {
		return signer, nil
	}
	return nil, cms.ErrMissingCertificate
}

// Chain returns the signer certificate of a field followed by the other
// certificates embedded in its container.
func Chain(field sign.SignatureField) ([]*x509.Certificate, error) {
	signer, err := SignerCertificate(field)
	if err != nil {
		return nil, err
	}
	chain := []*x509.Certificate{signer}

	var certs []*x509.Certificate
	if field.IsDocumentTimestamp() {
		p7, err := pkcs7.Parse(field.Container())
		if err != nil {
			return nil, err
		}
		certs = p7.Certificates
	} else {
		c, err := cms.Parse(field.Container())
		if err != nil {
			return nil, err
		}
		certs = c.Certificates()
	}
	for _, cert := range certs {
		if !bytes.Equal(cert.Raw, signer.Raw) {
			chain = append(chain, cert)
		}
	}
	return chain, nil
}
