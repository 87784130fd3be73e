package pades

import (
	"errors"
	"io"
	"os"

	"github.com/digitorus/pades/sign"
	"go.uber.org/zap"
)

// workspace holds the intermediate revisions of one operation. Without a
// directory each revision keeps only its appended bytes in memory and
// reads the earlier ones from the revision before it. With a directory
// every revision is written to a temporary file and the next step reads
// from that file.
type workspace struct {
	dir   string
	files []*os.File
	log   *zap.Logger
}

// keep stores rev and returns a reader for the next step.
func (w *workspace) keep(rev *sign.Revision) (io.ReaderAt, int64, error) {
	if w.dir == "" {
		return rev, rev.Size(), nil
	}

	f, err := os.CreateTemp(w.dir, "pades-*.pdf")
	if err != nil {
		return nil, 0, err
	}
	w.files = append(w.files, f)
	n, err := rev.WriteTo(f)
	if err != nil {
		return nil, 0, err
	}
	w.log.Debug("stored revision", zap.String("path", f.Name()), zap.Int64("size", n), zap.Int("appended", rev.Appended()))
	return f, n, nil
}

// close releases and removes the temporary files.
func (w *workspace) close() error {
	var errs []error
	for _, f := range w.files {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := os.Remove(f.Name()); err != nil {
			errs = append(errs, err)
		}
	}
	w.files = nil
	return errors.Join(errs...)
}
