package sign

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"
)

// MaxContentsSize is the largest /Contents reservation in bytes.
const MaxContentsSize = 1 << 20

// Placeholder records where the signature dictionary of an unfinished
// revision keeps its /ByteRange and /Contents entries.
type Placeholder struct {
	// ObjectID is the object number of the signature dictionary.
	ObjectID uint32

	byteRangeOffset int64
	contentsOffset  int64
	size            int
}

// Size returns the number of container bytes the placeholder can hold.
func (p *Placeholder) Size() int {
	return p.size
}

// withDefaults fills in the entries every signature dictionary needs.
func (d SignatureDictionary) withDefaults() SignatureDictionary {
	if d.Type == "" {
		d.Type = TypeSignature
	}
	if d.Filter == "" {
		d.Filter = FilterAdobePPKLite
	}
	if d.SubFilter == "" {
		d.SubFilter = SubFilterCAdES
	}
	return d
}

// body serializes the dictionary with a placeholder for size bytes of
// container and returns the positions of the /ByteRange and /Contents
// values within it.
func (d SignatureDictionary) body(size int) (body []byte, byteRangeIndex, contentsIndex int) {
	d = d.withDefaults()

	// Using a buffer because it's way faster than concatenating.
	var b bytes.Buffer
	b.WriteString("<< /Type " + pdfName(d.Type))
	b.WriteString(" /Filter " + pdfName(d.Filter))
	b.WriteString(" /SubFilter " + pdfName(d.SubFilter))

	b.WriteString(" ")
	byteRangeIndex = b.Len()
	b.WriteString(signatureByteRangePlaceholder)

	b.WriteString(" /Contents")
	contentsIndex = b.Len()
	b.WriteString("<")
	b.Write(bytes.Repeat([]byte("0"), hex.EncodedLen(size)))
	b.WriteString(">")

	if d.Type != TypeDocTimeStamp {
		if d.DocMDP != 0 {
			b.WriteString(" /Reference [ << /Type /SigRef /TransformMethod /DocMDP")
			b.WriteString(" /TransformParams << /Type /TransformParams /P " + strconv.Itoa(int(d.DocMDP)) + " /V /1.2 >>")
			b.WriteString(" >> ]")
		}
		if d.Name != "" {
			b.WriteString(" /Name " + pdfString(d.Name))
		}
		if d.Location != "" {
			b.WriteString(" /Location " + pdfString(d.Location))
		}
		if d.Reason != "" {
			b.WriteString(" /Reason " + pdfString(d.Reason))
		}
		if d.ContactInfo != "" {
			b.WriteString(" /ContactInfo " + pdfString(d.ContactInfo))
		}
		if !d.SigningTime.IsZero() {
			b.WriteString(" /M " + pdfDateTime(d.SigningTime))
		}
	}
	b.WriteString(" >>")

	return b.Bytes(), byteRangeIndex, contentsIndex
}

// Reserve appends the signature dictionary to w with room for a container
// of estimatedSize bytes.
func Reserve(w *IncrementalWriter, dict SignatureDictionary, estimatedSize int) (*Placeholder, error) {
	if estimatedSize <= 0 {
		return nil, fmt.Errorf("%w: invalid placeholder size %d", ErrNotEnoughSpace, estimatedSize)
	}
	if estimatedSize > MaxContentsSize {
		return nil, fmt.Errorf("%w: placeholder size %d exceeds maximum of %d", ErrNotEnoughSpace, estimatedSize, MaxContentsSize)
	}

	body, byteRangeIndex, contentsIndex := dict.body(estimatedSize)

	id := w.ReserveObject()
	offset, err := w.WriteObject(id, 0, body)
	if err != nil {
		return nil, fmt.Errorf("failed to add signature object: %w", err)
	}

	return &Placeholder{
		ObjectID:        id,
		byteRangeOffset: offset + int64(byteRangeIndex),
		contentsOffset:  offset + int64(contentsIndex),
		size:            estimatedSize,
	}, nil
}

// contentsEnd returns the offset just past the closing '>' of /Contents.
func (p *Placeholder) contentsEnd() int64 {
	return p.contentsOffset + int64(hex.EncodedLen(p.size)) + 2
}

// ByteRange returns the ranges covering doc except the /Contents value.
func (p *Placeholder) ByteRange(doc []byte) ByteRange {
	return p.byteRange(int64(len(doc)))
}

func (p *Placeholder) byteRange(size int64) ByteRange {
	end := p.contentsEnd()
	return ByteRange{0, p.contentsOffset, end, size - end}
}

// Finalize writes the byte range into the closed revision doc and returns
// it.
func (p *Placeholder) Finalize(doc []byte) (ByteRange, error) {
	return p.finalize(doc, 0, int64(len(doc)))
}

// FinalizeRevision is Finalize for a revision written by CloseRevision.
func (p *Placeholder) FinalizeRevision(rev *Revision) (ByteRange, error) {
	buf, base := rev.window()
	return p.finalize(buf, base, rev.Size())
}

// finalize works on buf, the bytes of a document of size bytes starting at
// offset base.
func (p *Placeholder) finalize(buf []byte, base, size int64) (ByteRange, error) {
	if err := p.check(buf, base); err != nil {
		return ByteRange{}, err
	}
	at := p.byteRangeOffset - base
	if at < 0 || !bytes.HasPrefix(buf[at:], []byte(signatureByteRangePlaceholder)) {
		return ByteRange{}, fmt.Errorf("byte range placeholder not found at offset %d", p.byteRangeOffset)
	}

	br := p.byteRange(size)
	s, err := br.placeholderString()
	if err != nil {
		return ByteRange{}, err
	}
	copy(buf[at:], s)
	return br, nil
}

// Patch writes container hex encoded into the /Contents placeholder of
// doc. The remainder of the placeholder is zero filled.
func (p *Placeholder) Patch(doc []byte, container []byte) error {
	return p.patch(doc, 0, container)
}

// PatchRevision is Patch for a revision written by CloseRevision.
func (p *Placeholder) PatchRevision(rev *Revision, container []byte) error {
	buf, base := rev.window()
	return p.patch(buf, base, container)
}

func (p *Placeholder) patch(buf []byte, base int64, container []byte) error {
	if err := p.check(buf, base); err != nil {
		return err
	}
	if len(container) > p.size {
		return fmt.Errorf("%w: container needs %d bytes, %d reserved", ErrNotEnoughSpace, len(container), p.size)
	}

	start := p.contentsOffset + 1 - base
	n := hex.Encode(buf[start:], container)
	for i := start + int64(n); i < p.contentsEnd()-1-base; i++ {
		buf[i] = '0'
	}
	return nil
}

// check verifies the /Contents delimiters in buf, which starts at document
// offset base.
func (p *Placeholder) check(buf []byte, base int64) error {
	start, end := p.contentsOffset-base, p.contentsEnd()-base
	if start < 0 || end > int64(len(buf)) || buf[start] != '<' || buf[end-1] != '>' {
		return fmt.Errorf("contents placeholder not found at offset %d", p.contentsOffset)
	}
	return nil
}

// placeholderAt locates the placeholder of an existing signature from its
// byte range.
func placeholderAt(doc []byte, br ByteRange) (*Placeholder, error) {
	if err := br.Check(int64(len(doc))); err != nil {
		return nil, err
	}
	gap := br[2] - br[1] - 2
	if gap <= 0 || gap%2 != 0 {
		return nil, fmt.Errorf("invalid contents length in byte range %v", br)
	}
	p := &Placeholder{contentsOffset: br[1], size: int(gap / 2)}
	if err := p.check(doc, 0); err != nil {
		return nil, err
	}
	return p, nil
}
