package sign

import (
	"fmt"
	"strings"

	"github.com/digitorus/pdf"
)

// trailerEntries returns the trailer keys shared by cross-reference tables
// and streams. /Info and /ID are carried over from the previous revision.
func (w *IncrementalWriter) trailerEntries(root Reference) string {
	var b strings.Builder
	fmt.Fprintf(&b, "/Size %d /Root %s /Prev %d", w.newSize(), root, w.prevXref)

	trailer := w.Reader.Trailer()
	if info, err := reference(trailer.Key("Info")); err == nil {
		b.WriteString(" /Info " + info.String())
	}

	id := trailer.Key("ID")
	if id.Kind() == pdf.Array && id.Len() == 2 {
		b.WriteString(" /ID [")
		b.WriteString(pdfHexString([]byte(id.Index(0).RawString())))
		b.WriteString(pdfHexString([]byte(id.Index(1).RawString())))
		b.WriteString("]")
	}
	return b.String()
}

func (w *IncrementalWriter) writeTrailer(root Reference, xrefStart int64) error {
	if _, err := fmt.Fprintf(w.buf, "trailer\n<< %s >>\n", w.trailerEntries(root)); err != nil {
		return err
	}
	return w.writeStartXref(xrefStart)
}

func (w *IncrementalWriter) writeStartXref(xrefStart int64) error {
	// Write the new xref start position and the PDF ending.
	_, err := fmt.Fprintf(w.buf, "startxref\n%d\n%%%%EOF\n", xrefStart)
	return err
}
