// Package testpdf writes small but complete PDF files used as signing
// input in tests.
package testpdf

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
)

type Options struct {
	// XrefStream writes a cross-reference stream instead of a table.
	XrefStream bool
	Pages      int
	// NoInfo leaves out the document information dictionary.
	NoInfo bool
}

// Simple returns a one page document with a classic cross-reference table.
func Simple() []byte {
	return New(Options{})
}

// New writes a document following opts.
func New(opts Options) []byte {
	if opts.Pages <= 0 {
		opts.Pages = 1
	}

	var objects []string
	// 1 catalog, 2 pages, then one page and one content stream per page.
	objects = append(objects, "<< /Type /Catalog /Pages 2 0 R >>")

	kids := ""
	for i := 0; i < opts.Pages; i++ {
		kids += fmt.Sprintf(" %d 0 R", 3+2*i)
	}
	objects = append(objects, fmt.Sprintf("<< /Type /Pages /Kids [%s ] /Count %d >>", kids, opts.Pages))

	for i := 0; i < opts.Pages; i++ {
		content := fmt.Sprintf("0 0 m %d 100 l S", 100+i)
		objects = append(objects,
			fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << >> /Contents %d 0 R >>", 4+2*i),
			fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content),
		)
	}

	infoID := 0
	if !opts.NoInfo {
		objects = append(objects, "<< /Producer (testpdf) /Title (Test document) >>")
		infoID = len(objects)
	}

	var b bytes.Buffer
	b.WriteString("%PDF-1.7\n%\xe2\xe3\xcf\xd3\n")

	offsets := make([]int, len(objects)+1)
	for i, obj := range objects {
		offsets[i+1] = b.Len()
		fmt.Fprintf(&b, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}

	trailer := "/Root 1 0 R /ID [<0123456789ABCDEF0123456789ABCDEF><0123456789ABCDEF0123456789ABCDEF>]"
	if infoID > 0 {
		trailer += fmt.Sprintf(" /Info %d 0 R", infoID)
	}

	xrefStart := b.Len()
	if opts.XrefStream {
		writeXrefStream(&b, offsets, trailer)
	} else {
		fmt.Fprintf(&b, "xref\n0 %d\n", len(offsets))
		b.WriteString("0000000000 65535 f\r\n")
		for _, off := range offsets[1:] {
			fmt.Fprintf(&b, "%010d 00000 n\r\n", off)
		}
		fmt.Fprintf(&b, "trailer\n<< /Size %d %s >>\n", len(offsets), trailer)
	}
	fmt.Fprintf(&b, "startxref\n%d\n%%%%EOF\n", xrefStart)

	return b.Bytes()
}

func writeXrefStream(b *bytes.Buffer, offsets []int, trailer string) {
	id := len(offsets)
	offsets = append(offsets, b.Len())

	var rows bytes.Buffer
	for i, off := range offsets {
		if i == 0 {
			rows.Write([]byte{0, 0, 0, 0, 0, 255})
			continue
		}
		rows.WriteByte(1)
		var o [4]byte
		binary.BigEndian.PutUint32(o[:], uint32(off))
		rows.Write(o[:])
		rows.WriteByte(0)
	}

	var z bytes.Buffer
	zw := zlib.NewWriter(&z)
	_, _ = zw.Write(rows.Bytes())
	_ = zw.Close()

	fmt.Fprintf(b, "%d 0 obj\n<< /Type /XRef /Size %d /W [1 4 1] /Filter /FlateDecode /Length %d %s >>\nstream\n",
		id, len(offsets), z.Len(), trailer)
	b.Write(z.Bytes())
	b.WriteString("\nendstream\nendobj\n")
}
