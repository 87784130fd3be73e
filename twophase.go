package pades

import (
	"bytes"
	"context"
	"crypto/x509"
	"io"

	"github.com/digitorus/pades/sign"
	"go.uber.org/zap"
)

// PrepareTwoPhase reserves and digests a signature for chain[0] without
// signing it. The returned document and digest are handed to the party
// holding the key; CompleteTwoPhase inserts the signature value later,
// possibly in another process.
func (e *Engine) PrepareTwoPhase(ctx context.Context, format Format, input io.ReaderAt, size int64, props *SignerProperties, chain []*x509.Certificate) (*sign.PreparedDocument, error) {
	if len(chain) == 0 || chain[0] == nil {
		return nil, ErrNoCertificate
	}
	if err := e.checkTSA(format); err != nil {
		return nil, err
	}
	if props == nil {
		props = NewSignerProperties()
	}

	revocationData, err := e.revocationData(ctx, chain)
	if err != nil {
		return nil, err
	}
	appearance, err := props.appearance(chain[0], e.clock.Now())
	if err != nil {
		return nil, err
	}

	s := newSession(format, StateUnsigned, e.log.With(zap.Stringer("format", format), zap.Bool("prepare", true)))
	prepared, err := sign.Prepare(ctx, input, size, sign.PrepareParams{
		FieldName:      props.fieldName,
		Dictionary:     props.dictionary(chain[0]),
		Appearance:     appearance,
		Certificate:    chain[0],
		Chain:          chain[1:],
		Digest:         e.digest(props),
		SubFilter:      e.opts.SubFilter,
		Policy:         props.policy,
		RevocationData: revocationData,
		Timestamp:      format.timestamped(),
		Size:           e.opts.Size,
		Clock:          e.clock,
		Logger:         e.log,
	})
	if err != nil {
		return nil, err
	}
	s.transition(StatePlaceholderReserved)
	s.transition(StateDigested)
	s.log.Info("signature prepared",
		zap.String("field", prepared.FieldName),
		zap.Stringer("digest", prepared.DigestAlgorithm),
	)
	return prepared, nil
}

// CompleteTwoPhase inserts an externally computed signature value into the
// prepared field and runs the remaining steps of format.
func (e *Engine) CompleteTwoPhase(ctx context.Context, format Format, prepared io.ReaderAt, size int64, output io.Writer, fieldName string, sig sign.ExternalSignature) (*Result, error) {
	if err := e.checkTSA(format); err != nil {
		return nil, err
	}

	log := e.log.With(zap.Stringer("format", format), zap.String("field", fieldName))
	s := newSession(format, StateDigested, log)

	opts := sign.CompleteOptions{
		RequireTimestamp: format.timestamped(),
		Logger:           e.log,
	}
	if format.timestamped() {
		opts.TSA = e.opts.TSA
	}
	signed, err := sign.Complete(ctx, prepared, size, fieldName, sig, opts)
	if err != nil {
		return nil, err
	}
	s.transition(StateContainerBuilt)
	s.transition(StateFinalized)

	return e.finish(ctx, s, bytes.NewReader(signed), int64(len(signed)), output, &Result{FieldName: fieldName, Format: format})
}
