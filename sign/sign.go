package sign

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

var (
	ErrFieldExists        = errors.New("signature field already exists")
	ErrVisibleNotAllowed  = errors.New("visible signatures are only allowed for approval signatures")
	ErrCertificationOrder = errors.New("certification signature must be the first signature")
)

// Step is a stage of SignDocument reported through SignOptions.OnStep.
type Step int

const (
	StepPlaceholderReserved Step = iota + 1
	StepDigested
	StepContainerBuilt
	StepFinalized
)

func (s Step) String() string {
	switch s {
	case StepPlaceholderReserved:
		return "PLACEHOLDER_RESERVED"
	case StepDigested:
		return "DIGESTED"
	case StepContainerBuilt:
		return "CONTAINER_BUILT"
	case StepFinalized:
		return "FINALIZED"
	}
	return fmt.Sprintf("Step(%d)", int(s))
}

type SignOptions struct {
	// FieldName defaults to the first free "SignatureN".
	FieldName  string
	Dictionary SignatureDictionary
	Appearance *Appearance
	Container  SignatureContainer
	// Size fixes the placeholder size. Without it the container estimate is
	// used and signing is retried with a larger placeholder when needed.
	Size   int
	Clock  clockwork.Clock
	Logger *zap.Logger
	OnStep func(Step)
}

const maxSignAttempts = 3

// SignFile signs input into output.
func SignFile(ctx context.Context, input, output string, opts SignOptions) error {
	f, err := os.Open(input)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()

	finfo, err := f.Stat()
	if err != nil {
		return err
	}

	rev, err := SignRevision(ctx, f, finfo.Size(), opts)
	if err != nil {
		return err
	}
	// output may be the input itself, which is read until the rename.
	out, err := os.CreateTemp(filepath.Dir(output), ".pades-*.pdf")
	if err != nil {
		return err
	}
	defer func() {
		_ = os.Remove(out.Name())
	}()
	if _, err := rev.WriteTo(out); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	if err := os.Chmod(out.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(out.Name(), output)
}

// SignDocument appends a signed revision to the document in input and
// returns the complete signed document.
func SignDocument(ctx context.Context, input io.ReaderAt, size int64, opts SignOptions) ([]byte, error) {
	rev, err := SignRevision(ctx, input, size, opts)
	if err != nil {
		return nil, err
	}
	return rev.Bytes()
}

// SignDocumentTo is SignDocument writing the signed document to output.
// Nothing is written unless signing succeeds.
func SignDocumentTo(ctx context.Context, input io.ReaderAt, size int64, output io.Writer, opts SignOptions) (int64, error) {
	rev, err := SignRevision(ctx, input, size, opts)
	if err != nil {
		return 0, err
	}
	return rev.WriteTo(output)
}

// SignRevision appends a signed revision to the document in input. Only
// the appended bytes are held in memory, input is read again when the
// revision is written out.
func SignRevision(ctx context.Context, input io.ReaderAt, size int64, opts SignOptions) (*Revision, error) {
	if opts.Container == nil {
		return nil, errors.New("signature container is required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	dict := opts.Dictionary
	if dict.SigningTime.IsZero() {
		dict.SigningTime = clock.Now()
	}
	opts.Container.ModifySigningDictionary(&dict)
	dict = dict.withDefaults()

	estimate := opts.Size
	if estimate == 0 {
		estimate = DefaultExternalSize
		if e, ok := opts.Container.(SizeEstimator); ok {
			n, err := e.EstimatedSize()
			if err != nil {
				return nil, fmt.Errorf("estimate container size: %w", err)
			}
			estimate = n
		}
	}

	for attempt := 1; ; attempt++ {
		s := &session{opts: opts, dict: dict, log: log}
		rev, err := s.sign(ctx, input, size, estimate)
		if err == nil {
			return rev, nil
		}
		if !errors.Is(err, ErrNotEnoughSpace) || opts.Size != 0 || attempt >= maxSignAttempts || s.containerSize == 0 {
			return nil, err
		}
		estimate = s.containerSize + s.containerSize/10
		log.Info("container did not fit, retrying", zap.Int("attempt", attempt), zap.Int("size", estimate))
	}
}

// session is a single signing attempt.
type session struct {
	opts SignOptions
	dict SignatureDictionary
	log  *zap.Logger

	containerSize int
}

func (s *session) step(st Step) {
	s.log.Debug("signing step", zap.Stringer("state", st))
	if s.opts.OnStep != nil {
		s.opts.OnStep(st)
	}
}

func (s *session) sign(ctx context.Context, input io.ReaderAt, size int64, estimate int) (*Revision, error) {
	w, err := NewIncrementalWriter(input, size)
	if err != nil {
		return nil, err
	}

	certification := s.dict.DocMDP != 0 && s.dict.Type != TypeDocTimeStamp
	if s.opts.Appearance.Visible() && (certification || s.dict.Type == TypeDocTimeStamp) {
		return nil, ErrVisibleNotAllowed
	}
	if certification {
		existing, err := SignatureFields(w.Reader)
		if err != nil {
			return nil, err
		}
		if len(existing) > 0 {
			return nil, ErrCertificationOrder
		}
	}

	name := s.opts.FieldName
	if name == "" {
		name = newFieldName(w.Reader, defaultFieldBaseName)
	} else if fieldNames(w.Reader)[name] {
		return nil, fmt.Errorf("%w: %s", ErrFieldExists, name)
	}
	log := s.log.With(zap.String("field", name))
	s.log = log

	placeholder, err := Reserve(w, s.dict, estimate)
	if err != nil {
		return nil, err
	}
	sigRef := Reference{ID: placeholder.ObjectID}
	s.step(StepPlaceholderReserved)

	field, err := w.addSignatureField(name, sigRef, s.opts.Appearance)
	if err != nil {
		return nil, err
	}

	update := CatalogUpdate{Fields: []Reference{field}}
	if d, ok := s.opts.Container.(ExtensionDeclarer); ok {
		update.Extensions = d.ExtensionLevels()
	}
	if certification {
		update.DocMDP = &sigRef
	}
	root, err := w.UpdateCatalog(update)
	if err != nil {
		return nil, err
	}

	rev, err := w.CloseRevision(root)
	if err != nil {
		return nil, err
	}
	br, err := placeholder.FinalizeRevision(rev)
	if err != nil {
		return nil, fmt.Errorf("failed to update byte range: %w", err)
	}

	data := &notifyReader{r: br.Reader(rev), onEOF: func() { s.step(StepDigested) }}
	container, err := s.opts.Container.Sign(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("failed to create signature: %w", err)
	}
	if !data.eof {
		// Containers that do not read the byte range still pass the step.
		s.step(StepDigested)
	}
	s.containerSize = len(container)
	s.step(StepContainerBuilt)

	if err := placeholder.PatchRevision(rev, container); err != nil {
		return nil, fmt.Errorf("failed to replace signature: %w", err)
	}
	s.step(StepFinalized)
	log.Info("document signed", zap.Int("container", len(container)), zap.Int("reserved", placeholder.Size()))
	return rev, nil
}

// notifyReader calls onEOF once the wrapped reader is exhausted.
type notifyReader struct {
	r     io.Reader
	onEOF func()
	eof   bool
}

func (n *notifyReader) Read(p []byte) (int, error) {
	c, err := n.r.Read(p)
	if err == io.EOF && !n.eof {
		n.eof = true
		n.onEOF()
	}
	return c, err
}
