// Package verify checks the signatures and document time-stamps of a PDF
// document together with the validation material it carries.
package verify

import (
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/digitorus/pades/dss"
	"github.com/digitorus/pades/sign"
	"github.com/digitorus/pdf"
	"go.uber.org/zap"
)

var ErrNoSignatures = errors.New("no digital signature in document")

// File verifies the document at path.
func File(path string, options *VerifyOptions) (*Response, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return Reader(f, info.Size(), options)
}

// Reader verifies every signature of the document in input.
func Reader(input io.ReaderAt, size int64, options *VerifyOptions) (resp *Response, err error) {
	// The PDF reader panics on some malformed input.
	defer func() {
		if r := recover(); r != nil {
			resp = nil
			err = fmt.Errorf("failed to verify document: %v", r)
		}
	}()

	if options == nil {
		options = DefaultVerifyOptions()
	}

	rdr, err := pdf.NewReader(input, size)
	if err != nil {
		return nil, fmt.Errorf("failed to open document: %w", err)
	}

	fields, err := sign.SignatureFields(rdr)
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrNoSignatures
	}

	resp = &Response{}
	parseDocumentInfo(rdr.Trailer().Key("Info"), &resp.DocumentInfo)
	resp.DocumentInfo.Pages = rdr.NumPage()

	store, err := dss.Load(rdr)
	if err != nil {
		return nil, fmt.Errorf("failed to read dss: %w", err)
	}
	resp.DSS = DSSInfo{
		Certificates: len(store.Certificates()),
		OCSPs:        len(store.OCSPs()),
		CRLs:         len(store.CRLs()),
		VRI:          len(store.VRI()),
	}
	material := newValidationMaterial(store, options.logger())

	for i, field := range fields {
		sig := verifySignature(field, fields[i+1:], input, size, material, options)
		options.logger().Debug("signature verified",
			zap.String("field", field.Name),
			zap.Bool("valid", sig.Validation.Valid()),
			zap.Bool("ltv", sig.Validation.LTV),
		)
		resp.Signatures = append(resp.Signatures, sig)
	}
	return resp, nil
}

// validationMaterial is the content of the document security store in
// parsed form.
type validationMaterial struct {
	certificates []*x509.Certificate
	ocsps        [][]byte
	crls         [][]byte
}

func newValidationMaterial(store *dss.DSS, log *zap.Logger) *validationMaterial {
	m := &validationMaterial{
		ocsps: store.OCSPs(),
		crls:  store.CRLs(),
	}
	for _, der := range store.Certificates() {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			log.Warn("invalid certificate in dss", zap.Error(err))
			continue
		}
		m.certificates = append(m.certificates, cert)
	}
	return m
}
