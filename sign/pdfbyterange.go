package sign

import (
	"fmt"
	"io"
	"strings"

	"github.com/digitorus/pades/cms"
)

const signatureByteRangePlaceholder = "/ByteRange[0 ********** ********** **********]"

// ByteRange lists the two spans of a document covered by a signature as
// offset and length pairs. The gap between them holds the /Contents hex
// string, delimiters included.
type ByteRange [4]int64

// Check validates the ranges against a document of size bytes.
func (br ByteRange) Check(size int64) error {
	for _, v := range br {
		if v < 0 {
			return fmt.Errorf("invalid byte range %v: negative value", br)
		}
	}
	if br[0]+br[1] > br[2] {
		return fmt.Errorf("invalid byte range %v: overlapping spans", br)
	}
	if br[2]+br[3] > size {
		return fmt.Errorf("invalid byte range %v: exceeds document size %d", br, size)
	}
	return nil
}

// CoversWholeDocument reports whether the ranges start at the first byte
// and end at the last byte of a document of size bytes.
func (br ByteRange) CoversWholeDocument(size int64) bool {
	return br[0] == 0 && br[2]+br[3] == size
}

// Reader returns the covered bytes of r.
func (br ByteRange) Reader(r io.ReaderAt) io.Reader {
	return io.MultiReader(
		io.NewSectionReader(r, br[0], br[1]),
		io.NewSectionReader(r, br[2], br[3]),
	)
}

func (br ByteRange) String() string {
	return fmt.Sprintf("/ByteRange[%d %d %d %d]", br[0], br[1], br[2], br[3])
}

// placeholderString renders br padded with spaces to the placeholder width.
func (br ByteRange) placeholderString() (string, error) {
	s := br.String()
	if len(s) > len(signatureByteRangePlaceholder) {
		return "", fmt.Errorf("byte range %s does not fit its placeholder", s)
	}
	return s + strings.Repeat(" ", len(signatureByteRangePlaceholder)-len(s)), nil
}

// DigestByteRange digests the spans of br in r. Bytes outside the ranges
// never reach the hash.
func DigestByteRange(r io.ReaderAt, br ByteRange, alg cms.DigestAlgorithm) ([]byte, error) {
	if !alg.Available() {
		return nil, fmt.Errorf("unsupported digest algorithm %s", alg)
	}
	h := alg.New()
	if _, err := io.Copy(h, br.Reader(r)); err != nil {
		return nil, fmt.Errorf("failed to read byte range: %w", err)
	}
	return h.Sum(nil), nil
}
