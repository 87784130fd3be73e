package sign

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// Column widths of the cross-reference stream rows: type, offset, generation.
var xrefStreamWidths = [3]int{1, 4, 1}

// writeXrefStream writes a cross-reference stream object that lists the
// objects of this revision and itself, followed by startxref.
func (w *IncrementalWriter) writeXrefStream(root Reference) error {
	id := w.ReserveObject()
	start := w.Len()

	entries := append(append([]xrefEntry{}, w.entries...), xrefEntry{ID: id, Offset: start})
	sections := xrefSubsections(entries)

	var rows bytes.Buffer
	var index []string
	for _, section := range sections {
		index = append(index, fmt.Sprintf("%d %d", section[0].ID, len(section)))
		for _, entry := range section {
			if err := writeXrefStreamLine(&rows, 1, entry.Offset, entry.Gen); err != nil {
				return err
			}
		}
	}

	streamBytes, err := encodeXrefStream(rows.Bytes())
	if err != nil {
		return fmt.Errorf("failed to encode xref stream: %w", err)
	}

	var header bytes.Buffer
	header.WriteString("<< /Type /XRef")
	fmt.Fprintf(&header, " /W [%d %d %d]", xrefStreamWidths[0], xrefStreamWidths[1], xrefStreamWidths[2])
	header.WriteString(" /Index [" + strings.Join(index, " ") + "]")
	header.WriteString(" /Filter /FlateDecode")
	fmt.Fprintf(&header, " /Length %d ", len(streamBytes))
	header.WriteString(w.trailerEntries(root))
	header.WriteString(" >>\nstream\n")
	header.Write(streamBytes)
	header.WriteString("\nendstream")

	if _, err := w.WriteObject(id, 0, header.Bytes()); err != nil {
		return fmt.Errorf("failed to add xref stream object: %w", err)
	}

	return w.writeStartXref(start)
}

// encodeXrefStream compresses the rows without a predictor.
func encodeXrefStream(data []byte) ([]byte, error) {
	var b bytes.Buffer
	zw := zlib.NewWriter(&b)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// writeXrefStreamLine writes a single row of the cross-reference stream.
func writeXrefStreamLine(b *bytes.Buffer, xreftype byte, offset int64, gen uint16) error {
	if offset > math.MaxUint32 {
		return fmt.Errorf("offset %d does not fit the cross-reference stream", offset)
	}
	if gen > math.MaxUint8 {
		return fmt.Errorf("generation %d does not fit the cross-reference stream", gen)
	}

	b.WriteByte(xreftype)

	var o [4]byte
	binary.BigEndian.PutUint32(o[:], uint32(offset))
	b.Write(o[:])

	b.WriteByte(byte(gen))
	return nil
}
