package sign

import (
	"bytes"
	"fmt"
	"io"
	"strconv"

	"github.com/digitorus/pdf"
	"github.com/mattetti/filebuffer"
)

// Reference identifies an indirect object.
type Reference struct {
	ID  uint32
	Gen uint16
}

func (r Reference) String() string {
	return strconv.FormatUint(uint64(r.ID), 10) + " " + strconv.FormatUint(uint64(r.Gen), 10) + " R"
}

type xrefEntry struct {
	ID     uint32
	Gen    uint16
	Offset int64
}

// IncrementalWriter appends a revision to an existing document. The prior
// revisions are read from the input and never copied, objects written
// through the writer are buffered and Close adds the cross-reference section
// and the trailer.
type IncrementalWriter struct {
	Reader *pdf.Reader

	input    io.ReaderAt
	buf      *filebuffer.Buffer
	size     int64
	xrefType string
	prevXref int64
	prevSize int64
	nextID   uint32
	entries  []xrefEntry
	pending  map[uint32]bool
	closed   bool
}

// startXrefWindow is how far from the end of a document startxref is
// searched for.
const startXrefWindow = 4096

// NewIncrementalWriter opens the document in input and prepares a new
// revision on top of it. input must stay readable until the revision has
// been written out.
func NewIncrementalWriter(input io.ReaderAt, size int64) (*IncrementalWriter, error) {
	rdr, err := pdf.NewReader(input, size)
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}

	w := &IncrementalWriter{
		Reader:  rdr,
		input:   input,
		buf:     filebuffer.New([]byte{}),
		size:    size,
		pending: map[uint32]bool{},
	}

	window := min(size, startXrefWindow)
	tail := make([]byte, window)
	if _, err := input.ReadAt(tail, size-window); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}
	// The previous revision must end on a line boundary.
	if len(tail) > 0 && tail[len(tail)-1] != '\n' && tail[len(tail)-1] != '\r' {
		if _, err := w.buf.Write([]byte("\n")); err != nil {
			return nil, err
		}
	}

	w.prevXref, err = parseStartXref(tail, size)
	if err != nil {
		return nil, err
	}
	head := make([]byte, 64)
	n, err := input.ReadAt(head, w.prevXref)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read xref: %w", err)
	}
	w.xrefType = "stream"
	if bytes.HasPrefix(bytes.TrimLeft(head[:n], " \r\n\t"), []byte("xref")) {
		w.xrefType = "table"
	}

	w.prevSize = rdr.Trailer().Key("Size").Int64()
	if w.prevSize <= 0 {
		return nil, fmt.Errorf("%w: trailer has no /Size", ErrUnsupportedXref)
	}
	w.nextID = uint32(w.prevSize)

	return w, nil
}

// lastStartXref returns the offset recorded by the last startxref keyword.
func lastStartXref(b []byte) (int64, error) {
	return parseStartXref(b, int64(len(b)))
}

// parseStartXref reads the last startxref keyword in tail, the final bytes
// of a document of size bytes.
func parseStartXref(tail []byte, size int64) (int64, error) {
	i := bytes.LastIndex(tail, []byte("startxref"))
	if i < 0 {
		return 0, fmt.Errorf("%w: startxref not found", ErrUnsupportedXref)
	}
	fields := bytes.Fields(tail[i+len("startxref"):])
	if len(fields) == 0 {
		return 0, fmt.Errorf("%w: startxref has no offset", ErrUnsupportedXref)
	}
	off, err := strconv.ParseInt(string(fields[0]), 10, 64)
	if err != nil || off < 0 || off >= size {
		return 0, fmt.Errorf("%w: invalid startxref offset %q", ErrUnsupportedXref, fields[0])
	}
	return off, nil
}

// XrefType reports whether the revision will be closed with a
// cross-reference "table" or "stream", following the previous revision.
func (w *IncrementalWriter) XrefType() string {
	return w.xrefType
}

// Root returns the reference of the current document catalog.
func (w *IncrementalWriter) Root() (Reference, error) {
	return reference(w.Reader.Trailer().Key("Root"))
}

// Len returns the size of the document written so far, prior revisions
// included.
func (w *IncrementalWriter) Len() int64 {
	return w.size + int64(w.buf.Buff.Len())
}

// ReserveObject allocates an object number to be written later with
// WriteObject.
func (w *IncrementalWriter) ReserveObject() uint32 {
	id := w.nextID
	w.nextID++
	w.pending[id] = true
	return id
}

// AddObject writes body as a new object and returns its number.
func (w *IncrementalWriter) AddObject(body []byte) (uint32, error) {
	id := w.ReserveObject()
	if _, err := w.WriteObject(id, 0, body); err != nil {
		return 0, err
	}
	return id, nil
}

// AddStream writes data as a new stream object. dict holds additional
// dictionary entries, /Length is added by the writer.
func (w *IncrementalWriter) AddStream(dict string, data []byte) (uint32, error) {
	var b bytes.Buffer
	b.WriteString("<<")
	if dict != "" {
		b.WriteString(" " + dict)
	}
	fmt.Fprintf(&b, " /Length %d >>\nstream\n", len(data))
	b.Write(data)
	b.WriteString("\nendstream")
	return w.AddObject(b.Bytes())
}

// UpdateObject writes a new version of an existing object.
func (w *IncrementalWriter) UpdateObject(ref Reference, body []byte) error {
	if ref.ID == 0 || int64(ref.ID) >= w.prevSize {
		return fmt.Errorf("object %d does not exist in the previous revision", ref.ID)
	}
	_, err := w.WriteObject(ref.ID, ref.Gen, body)
	return err
}

// WriteObject writes object id with the given body and returns the offset
// of the body within the output.
func (w *IncrementalWriter) WriteObject(id uint32, gen uint16, body []byte) (int64, error) {
	if w.closed {
		return 0, fmt.Errorf("writer closed")
	}
	for _, e := range w.entries {
		if e.ID == id {
			return 0, fmt.Errorf("object %d written twice", id)
		}
	}
	if int64(id) >= w.prevSize && !w.pending[id] {
		return 0, fmt.Errorf("object %d was not reserved", id)
	}
	delete(w.pending, id)

	offset := w.Len()
	header := fmt.Sprintf("%d %d obj\n", id, gen)
	if _, err := w.buf.Write([]byte(header)); err != nil {
		return 0, err
	}
	if _, err := w.buf.Write(body); err != nil {
		return 0, err
	}
	if _, err := w.buf.Write([]byte("\nendobj\n")); err != nil {
		return 0, err
	}

	w.entries = append(w.entries, xrefEntry{ID: id, Gen: gen, Offset: offset})
	return offset + int64(len(header)), nil
}

// Close writes the cross-reference section and trailer of the revision with
// root as the document catalog and returns the complete document.
func (w *IncrementalWriter) Close(root Reference) ([]byte, error) {
	rev, err := w.CloseRevision(root)
	if err != nil {
		return nil, err
	}
	return rev.Bytes()
}

// CloseRevision is Close without reading the prior revisions into memory.
func (w *IncrementalWriter) CloseRevision(root Reference) (*Revision, error) {
	if w.closed {
		return nil, fmt.Errorf("writer closed")
	}
	if len(w.pending) > 0 {
		return nil, fmt.Errorf("%d reserved objects were never written", len(w.pending))
	}

	var err error
	switch w.xrefType {
	case "table":
		err = w.writeXrefTable(root)
	case "stream":
		err = w.writeXrefStream(root)
	default:
		err = fmt.Errorf("%w: %s", ErrUnsupportedXref, w.xrefType)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to write xref: %w", err)
	}
	w.closed = true

	return &Revision{prior: w.input, priorSize: w.size, tail: w.buf.Buff.Bytes()}, nil
}

// newSize returns the /Size of the new revision.
func (w *IncrementalWriter) newSize() int64 {
	size := w.prevSize
	if int64(w.nextID) > size {
		size = int64(w.nextID)
	}
	return size
}
