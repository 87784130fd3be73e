// Package pades produces PAdES baseline signatures on PDF documents.
//
// An Engine signs at one of the four baseline levels and extends signed
// documents to B-LTA:
//
//	engine, err := pades.New(pades.Options{TSA: &tsa.HTTPClient{URL: tsaURL}})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	props := pades.NewSignerProperties().
//	    Reason("Approved").
//	    Location("Amsterdam")
//
//	result, err := engine.SignWithBaselineLTA(ctx, input, size, output, props, chain, key)
//
// Every level appends incremental revisions, earlier signatures stay
// intact. See https://www.etsi.org/deliver/etsi_en/319100_319199/31914201/
// for the PAdES specification.
package pades

import (
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/digitorus/pades/cms"
	"github.com/digitorus/pades/dss"
	"github.com/digitorus/pades/revocation"
	"github.com/digitorus/pades/sign"
	"github.com/digitorus/pades/tsa"
	"github.com/digitorus/pdf"
	"github.com/digitorus/pkcs7"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

var (
	ErrPathIsNotDirectory = errors.New("path is not a directory")
	ErrNoCertificate      = errors.New("certificate chain is empty")
	ErrNoSigner           = errors.New("signer is required")
	ErrNoSignatures       = errors.New("document has no signatures")
)

// Options configure an Engine.
type Options struct {
	// TempDir keeps intermediate revisions on disk instead of in memory.
	TempDir string

	// TSA is required from B-T on.
	TSA tsa.Client
	// Collector gathers validation material for B-LT, NewCollector when
	// unset.
	Collector *revocation.Collector
	Level     revocation.Level
	// CertOption limits the validation material to the signing
	// certificates.
	CertOption    revocation.CertOption
	CertInclusion dss.CertInclusion

	Digest    cms.DigestAlgorithm
	SubFilter string
	// Size fixes the placeholder of new signatures.
	Size int

	Clock  clockwork.Clock
	Logger *zap.Logger
}

// Engine produces PAdES signatures. It holds no per document state and
// can be shared.
type Engine struct {
	opts      Options
	log       *zap.Logger
	clock     clockwork.Clock
	collector *revocation.Collector
}

// New validates opts and returns an Engine.
func New(opts Options) (*Engine, error) {
	if opts.TempDir != "" {
		info, err := os.Stat(opts.TempDir)
		if err != nil || !info.IsDir() {
			return nil, fmt.Errorf("%w: %s", ErrPathIsNotDirectory, opts.TempDir)
		}
	}

	e := &Engine{
		opts:      opts,
		log:       opts.Logger,
		clock:     opts.Clock,
		collector: opts.Collector,
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	if e.clock == nil {
		e.clock = clockwork.NewRealClock()
	}
	if e.collector == nil {
		e.collector = revocation.NewCollector(e.log)
	}
	return e, nil
}

// SignWithBaselineB signs with a PAdES-B-B signature. chain starts with
// the signing certificate followed by its issuers.
func (e *Engine) SignWithBaselineB(ctx context.Context, input io.ReaderAt, size int64, output io.Writer, props *SignerProperties, chain []*x509.Certificate, signer crypto.Signer) (*Result, error) {
	return e.Sign(ctx, PAdES_B, input, size, output, props, chain, signer)
}

// SignWithBaselineT signs with a PAdES-B-T signature.
func (e *Engine) SignWithBaselineT(ctx context.Context, input io.ReaderAt, size int64, output io.Writer, props *SignerProperties, chain []*x509.Certificate, signer crypto.Signer) (*Result, error) {
	return e.Sign(ctx, PAdES_B_T, input, size, output, props, chain, signer)
}

// SignWithBaselineLT signs with a PAdES-B-T signature and stores the
// validation material of all signatures of the document.
func (e *Engine) SignWithBaselineLT(ctx context.Context, input io.ReaderAt, size int64, output io.Writer, props *SignerProperties, chain []*x509.Certificate, signer crypto.Signer) (*Result, error) {
	return e.Sign(ctx, PAdES_B_LT, input, size, output, props, chain, signer)
}

// SignWithBaselineLTA signs at B-LT and adds a document time-stamp.
func (e *Engine) SignWithBaselineLTA(ctx context.Context, input io.ReaderAt, size int64, output io.Writer, props *SignerProperties, chain []*x509.Certificate, signer crypto.Signer) (*Result, error) {
	return e.Sign(ctx, PAdES_B_LTA, input, size, output, props, chain, signer)
}

// Sign signs input at the given level and writes the resulting document to
// output. Nothing is written when signing fails.
func (e *Engine) Sign(ctx context.Context, format Format, input io.ReaderAt, size int64, output io.Writer, props *SignerProperties, chain []*x509.Certificate, signer crypto.Signer) (*Result, error) {
	if len(chain) == 0 || chain[0] == nil {
		return nil, ErrNoCertificate
	}
	if signer == nil {
		return nil, ErrNoSigner
	}
	if err := e.checkTSA(format); err != nil {
		return nil, err
	}
	if props == nil {
		props = NewSignerProperties()
	}

	log := e.log.With(zap.Stringer("format", format), zap.String("signer", chain[0].Subject.CommonName))
	s := newSession(format, StateUnsigned, log)

	container := &sign.DirectContainer{
		Signer:      signer,
		Certificate: chain[0],
		Chain:       chain[1:],
		Digest:      e.digest(props),
		SubFilter:   e.opts.SubFilter,
		Policy:      props.policy,
		Logger:      e.log,
	}
	if format.timestamped() {
		container.TSA = e.opts.TSA
	}

	var err error
	if container.RevocationData, err = e.revocationData(ctx, chain); err != nil {
		return nil, err
	}
	appearance, err := props.appearance(chain[0], e.clock.Now())
	if err != nil {
		return nil, err
	}

	signed, err := sign.SignRevision(ctx, input, size, sign.SignOptions{
		FieldName:  props.fieldName,
		Dictionary: props.dictionary(chain[0]),
		Appearance: appearance,
		Container:  container,
		Size:       e.opts.Size,
		Clock:      e.clock,
		Logger:     e.log,
		OnStep:     s.onStep,
	})
	if err != nil {
		return nil, err
	}

	field, err := lastSignature(signed, signed.Size())
	if err != nil {
		return nil, err
	}
	result := &Result{FieldName: field, Format: format}
	return e.finish(ctx, s, signed, signed.Size(), output, result)
}

// ProlongSignatures stores fresh validation material for every signature
// of a signed document and time-stamps it, extending an existing B-LTA
// document or raising a B-T document to B-LTA.
func (e *Engine) ProlongSignatures(ctx context.Context, input io.ReaderAt, size int64, output io.Writer) (*Result, error) {
	if err := e.checkTSA(PAdES_B_LTA); err != nil {
		return nil, err
	}
	rdr, err := pdf.NewReader(input, size)
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}
	fields, err := sign.SignatureFields(rdr)
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrNoSignatures
	}

	s := newSession(PAdES_B_LTA, StateFinalized, e.log.With(zap.Bool("prolong", true)))
	return e.finish(ctx, s, input, size, output, &Result{Format: PAdES_B_LTA})
}

// finish runs the long-term steps of the session format and writes the
// document.
func (e *Engine) finish(ctx context.Context, s *session, doc io.ReaderAt, size int64, output io.Writer, result *Result) (*Result, error) {
	ws := &workspace{dir: e.opts.TempDir, log: e.log}
	defer func() {
		if err := ws.close(); err != nil {
			e.log.Warn("failed to remove temporary files", zap.Error(err))
		}
	}()

	if s.format >= PAdES_B_LT {
		rev, names, err := e.mergeValidation(ctx, doc, size)
		if err != nil {
			return nil, err
		}
		result.ValidationFields = names
		if doc, size, err = ws.keep(rev); err != nil {
			return nil, err
		}
		s.transition(StateRevocationMerged)
	}

	if s.format == PAdES_B_LTA {
		rev, err := sign.SignRevision(ctx, doc, size, sign.SignOptions{
			Container: &sign.TimestampContainer{TSA: e.opts.TSA},
			Clock:     e.clock,
			Logger:    e.log,
		})
		if err != nil {
			return nil, err
		}
		if result.TimestampField, err = lastSignature(rev, rev.Size()); err != nil {
			return nil, err
		}
		doc, size = rev, rev.Size()
		s.transition(StateTimestamped)
	}

	if _, err := io.Copy(output, io.NewSectionReader(doc, 0, size)); err != nil {
		return nil, fmt.Errorf("failed to write document: %w", err)
	}
	result.States = s.states
	s.log.Info("document signed",
		zap.String("field", result.FieldName),
		zap.Stringer("state", s.state),
		zap.Int64("size", size),
	)
	return result, nil
}

// mergeValidation appends a revision holding the validation material of
// every signature and document time-stamp of the document.
func (e *Engine) mergeValidation(ctx context.Context, input io.ReaderAt, size int64) (*sign.Revision, []string, error) {
	u, err := dss.NewUpdater(input, size)
	if err != nil {
		return nil, nil, err
	}
	u.Clock = e.clock
	u.Logger = e.log

	opts := dss.MergeOptions{
		CertOption:    e.opts.CertOption,
		Level:         e.opts.Level,
		CertInclusion: e.opts.CertInclusion,
	}
	var names []string
	for _, field := range u.Signatures() {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		material, err := e.collect(ctx, field)
		if err != nil {
			return nil, nil, fmt.Errorf("signature %q: %w", field.Name, err)
		}
		if err := u.AddSignature(field.Name, material, opts); err != nil {
			return nil, nil, err
		}
		names = append(names, field.Name)
	}

	rev, err := u.Revision()
	if err != nil {
		return nil, nil, err
	}
	return rev, names, nil
}

// collect gathers the material of one field. Time-stamp authorities are
// collected on a best effort basis.
func (e *Engine) collect(ctx context.Context, field sign.SignatureField) (*revocation.MaterialSet, error) {
	log := e.log.With(zap.String("field", field.Name))

	chain, err := dss.Chain(field)
	if err != nil {
		if field.IsDocumentTimestamp() {
			log.Warn("skipping document time-stamp", zap.Error(err))
			return revocation.NewMaterialSet(), nil
		}
		return nil, err
	}

	set, err := e.collector.Collect(ctx, chain, revocation.CollectOptions{
		CertOption: e.opts.CertOption,
		Level:      e.opts.Level,
		BestEffort: field.IsDocumentTimestamp(),
	})
	if err != nil {
		return nil, err
	}
	if field.IsDocumentTimestamp() {
		return set, nil
	}

	c, err := cms.Parse(field.Container())
	if err != nil {
		return nil, err
	}
	token := c.TimestampToken()
	if token == nil {
		return set, nil
	}
	tsaChain, err := tokenChain(token)
	if err != nil {
		log.Warn("failed to read signature time-stamp", zap.Error(err))
		return set, nil
	}
	ts, err := e.collector.Collect(ctx, tsaChain, revocation.CollectOptions{
		CertOption: e.opts.CertOption,
		Level:      e.opts.Level,
		BestEffort: true,
	})
	if err != nil {
		log.Warn("no validation material for time-stamp authority", zap.Error(err))
		return set, nil
	}
	set.Merge(ts)
	return set, nil
}

// revocationData gathers the revocation data embedded in
// adbe.pkcs7.detached signatures. Missing data is not fatal, from B-LT on
// the DSS carries it.
func (e *Engine) revocationData(ctx context.Context, chain []*x509.Certificate) (*revocation.InfoArchival, error) {
	if e.opts.SubFilter != sign.SubFilterPKCS7 {
		return nil, nil
	}
	set, err := e.collector.Collect(ctx, chain, revocation.CollectOptions{
		CertOption: e.opts.CertOption,
		Level:      e.opts.Level,
		BestEffort: true,
	})
	if err != nil {
		return nil, fmt.Errorf("revocation data: %w", err)
	}
	if set.Empty() {
		e.log.Warn("no revocation data to embed", zap.String("signer", chain[0].Subject.CommonName))
		return nil, nil
	}
	info := set.InfoArchival()
	e.log.Debug("embedding revocation data", zap.Int("ocsp", len(info.OCSP)), zap.Int("crl", len(info.CRL)))
	return info, nil
}

func (e *Engine) checkTSA(format Format) error {
	if format.timestamped() && e.opts.TSA == nil {
		return fmt.Errorf("PAdES %s: %w", format, sign.ErrTSAClientMissing)
	}
	return nil
}

func (e *Engine) digest(props *SignerProperties) cms.DigestAlgorithm {
	if props.digest != 0 {
		return props.digest
	}
	return e.opts.Digest
}

// tokenChain returns the signer of a time-stamp token followed by the
// certificates it embeds.
func tokenChain(token []byte) ([]*x509.Certificate, error) {
	p7, err := pkcs7.Parse(token)
	if err != nil {
		return nil, err
	}
	signer := p7.GetOnlySigner()
	if signer == nil {
		return nil, errors.New("time-stamp token has no signer certificate")
	}
	chain := []*x509.Certificate{signer}
	for _, cert := range p7.Certificates {
		if !cert.Equal(signer) {
			chain = append(chain, cert)
		}
	}
	return chain, nil
}

// lastSignature returns the name of the most recent signature field.
func lastSignature(doc io.ReaderAt, size int64) (string, error) {
	rdr, err := pdf.NewReader(doc, size)
	if err != nil {
		return "", err
	}
	fields, err := sign.SignatureFields(rdr)
	if err != nil {
		return "", err
	}
	if len(fields) == 0 {
		return "", ErrNoSignatures
	}
	return fields[len(fields)-1].Name, nil
}
