package sign

import (
	"errors"
	"io"
)

// Revision is a document made of unchanged prior revisions followed by the
// bytes of one incremental update. The prior revisions are only read when
// the revision is read or written out.
type Revision struct {
	prior     io.ReaderAt
	priorSize int64
	tail      []byte
}

// Size returns the size of the complete document.
func (r *Revision) Size() int64 {
	return r.priorSize + int64(len(r.tail))
}

// Appended returns the number of bytes added on top of the prior revisions.
func (r *Revision) Appended() int {
	return len(r.tail)
}

// ReadAt reads the complete document.
func (r *Revision) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("negative offset")
	}
	if off >= r.Size() {
		return 0, io.EOF
	}

	n := 0
	if off < r.priorSize {
		m := int(min(int64(len(p)), r.priorSize-off))
		k, err := r.prior.ReadAt(p[:m], off)
		n += k
		if k < m {
			if err == nil || err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return n, err
		}
	}
	if n < len(p) {
		n += copy(p[n:], r.tail[off+int64(n)-r.priorSize:])
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteTo writes the complete document to w.
func (r *Revision) WriteTo(w io.Writer) (int64, error) {
	n, err := io.Copy(w, io.NewSectionReader(r.prior, 0, r.priorSize))
	if err != nil {
		return n, err
	}
	m, err := w.Write(r.tail)
	return n + int64(m), err
}

// Bytes reads the complete document into memory.
func (r *Revision) Bytes() ([]byte, error) {
	doc := make([]byte, r.Size())
	if _, err := r.ReadAt(doc, 0); err != nil && err != io.EOF {
		return nil, err
	}
	return doc, nil
}

// window returns the appended bytes and the document offset they start at.
func (r *Revision) window() ([]byte, int64) {
	return r.tail, r.priorSize
}
