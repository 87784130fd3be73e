package sign

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"

	"github.com/digitorus/pades/cms"
	"github.com/digitorus/pades/revocation"
	"github.com/digitorus/pades/tsa"
	"github.com/digitorus/pdf"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// PrepareParams describe the signature a prepared document is waiting for.
type PrepareParams struct {
	FieldName  string
	Dictionary SignatureDictionary
	Appearance *Appearance

	Certificate    *x509.Certificate
	Chain          []*x509.Certificate
	Digest         cms.DigestAlgorithm
	SubFilter      string
	Policy         *cms.SignaturePolicy
	RevocationData *revocation.InfoArchival
	// Timestamp reserves room for a signature time-stamp added on
	// completion.
	Timestamp bool
	Size      int

	Clock  clockwork.Clock
	Logger *zap.Logger
}

// PreparedDocument is handed from Prepare to Complete. Only Data and
// FieldName are needed to complete, the remaining fields are for the
// party producing the signature value.
type PreparedDocument struct {
	Data      []byte
	FieldName string
	// SignedAttributes is the DER message the signature value covers.
	SignedAttributes []byte
	// Digest of SignedAttributes, the input of RSA and ECDSA signers.
	Digest          []byte
	DigestAlgorithm cms.DigestAlgorithm
}

// ExternalSignature is a signature value computed over the signed
// attributes of a prepared document.
type ExternalSignature struct {
	Value           []byte
	DigestAlgorithm cms.DigestAlgorithm
}

type CompleteOptions struct {
	TSA tsa.Client
	// RequireTimestamp fails completion without a TSA client.
	RequireTimestamp bool
	Logger           *zap.Logger
}

// preparingContainer embeds an unsigned CMS and keeps it for the caller.
type preparingContainer struct {
	DirectContainer
	timestamp bool
	prepared  *cms.Container
}

func (c *preparingContainer) EstimatedSize() (int, error) {
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
		Timestamp:      c.timestamp,
	})
}

func (c *preparingContainer) Sign(ctx context.Context, data io.Reader) ([]byte, error) {
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
	c.prepared = container
	return container.Marshal()
}

// Prepare appends a revision holding an unsigned CMS container and returns
// it with the data to be signed externally.
func Prepare(ctx context.Context, input io.ReaderAt, size int64, params PrepareParams) (*PreparedDocument, error) {
	if params.Certificate == nil {
		return nil, cms.ErrMissingCertificate
	}
	c := &preparingContainer{
		DirectContainer: DirectContainer{
			Certificate:    params.Certificate,
			Chain:          params.Chain,
			Digest:         params.Digest,
			SubFilter:      params.SubFilter,
			Policy:         params.Policy,
			RevocationData: params.RevocationData,
			Logger:         params.Logger,
		},
		timestamp: params.Timestamp,
	}

	fieldName := params.FieldName
	doc, err := SignDocument(ctx, input, size, SignOptions{
		FieldName:  fieldName,
		Dictionary: params.Dictionary,
		Appearance: params.Appearance,
		Container:  c,
		Size:       params.Size,
		Clock:      params.Clock,
		Logger:     params.Logger,
	})
	if err != nil {
		return nil, err
	}

	if fieldName == "" {
		rdr, err := pdf.NewReader(bytes.NewReader(doc), int64(len(doc)))
		if err != nil {
			return nil, err
		}
		fields, err := SignatureFields(rdr)
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			return nil, ErrFieldNameMismatch
		}
		fieldName = fields[len(fields)-1].Name
	}

	return &PreparedDocument{
		Data:             doc,
		FieldName:        fieldName,
		SignedAttributes: c.prepared.SignedAttributes(),
		Digest:           c.prepared.SignedAttributesDigest(),
		DigestAlgorithm:  c.prepared.Digest,
	}, nil
}

// Complete inserts sig into the container prepared for fieldName and
// returns the signed document. The field must be the last signature and
// cover the whole document.
func Complete(ctx context.Context, prepared io.ReaderAt, size int64, fieldName string, sig ExternalSignature, opts CompleteOptions) ([]byte, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	doc, field, placeholder, err := completionTarget(prepared, size, fieldName)
	if err != nil {
		return nil, err
	}

	container, err := cms.Parse(field.Contents)
	if err != nil {
		return nil, fmt.Errorf("prepared container: %w", err)
	}
	if sig.DigestAlgorithm != 0 && sig.DigestAlgorithm != container.Digest {
		return nil, fmt.Errorf("%w: prepared with %s, signed with %s", ErrDigestAlgorithmMismatch, container.Digest, sig.DigestAlgorithm)
	}
	if opts.RequireTimestamp && opts.TSA == nil {
		return nil, ErrTSAClientMissing
	}

	container.SetSignature(sig.Value)
	if err := container.Verify(field.ByteRange.Reader(bytes.NewReader(doc))); err != nil {
		return nil, fmt.Errorf("signature value does not verify: %w", err)
	}

	if opts.TSA != nil {
		token, err := opts.TSA.Timestamp(ctx, bytes.NewReader(container.Signature), timestampHash(container.Digest))
		if err != nil {
			return nil, fmt.Errorf("signature timestamp: %w", err)
		}
		container.AddTimestampToken(token)
	}

	der, err := container.Marshal()
	if err != nil {
		return nil, err
	}
	if err := placeholder.Patch(doc, der); err != nil {
		return nil, err
	}
	log.Info("prepared signature completed", zap.String("field", fieldName), zap.Int("container", len(der)))
	return doc, nil
}

// CompleteDeferred embeds container, produced elsewhere over the byte range
// of fieldName, into the zero filled placeholder left by an
// ExternalContainer without Container. The field must be the last
// signature and cover the whole document.
func CompleteDeferred(ctx context.Context, input io.ReaderAt, size int64, fieldName string, container []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(container) == 0 {
		return nil, fmt.Errorf("empty signature container")
	}

	doc, field, placeholder, err := completionTarget(input, size, fieldName)
	if err != nil {
		return nil, err
	}
	if len(bytes.Trim(field.Contents, "\x00")) > 0 {
		return nil, fmt.Errorf("%w: %q", ErrContainerPresent, fieldName)
	}
	if err := placeholder.Patch(doc, container); err != nil {
		return nil, err
	}
	return doc, nil
}

// completionTarget reads the document and locates the placeholder of
// fieldName.
func completionTarget(input io.ReaderAt, size int64, fieldName string) ([]byte, *SignatureField, *Placeholder, error) {
	doc := make([]byte, size)
	if _, err := input.ReadAt(doc, 0); err != nil && !errors.Is(err, io.EOF) {
		return nil, nil, nil, fmt.Errorf("failed to read prepared document: %w", err)
	}

	rdr, err := pdf.NewReader(bytes.NewReader(doc), size)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to read document: %w", err)
	}
	fields, err := SignatureFields(rdr)
	if err != nil {
		return nil, nil, nil, err
	}

	var field *SignatureField
	for i := range fields {
		if fields[i].Name == fieldName {
			field = &fields[i]
		}
	}
	if field == nil {
		return nil, nil, nil, fmt.Errorf("%w: %q", ErrFieldNameMismatch, fieldName)
	}
	if fields[len(fields)-1].Name != fieldName || !field.ByteRange.CoversWholeDocument(size) {
		return nil, nil, nil, fmt.Errorf("%w: %q", ErrNotLastSignature, fieldName)
	}

	placeholder, err := placeholderAt(doc, field.ByteRange)
	if err != nil {
		return nil, nil, nil, err
	}
	return doc, field, placeholder, nil
}
