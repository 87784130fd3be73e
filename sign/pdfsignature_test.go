package sign

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/digitorus/pades/internal/testpdf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignatureDictionaryBody(t *testing.T) {
	signingTime := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		dict     SignatureDictionary
		contains []string
		excludes []string
	}{
		{
			name: "defaults",
			dict: SignatureDictionary{SigningTime: signingTime},
			contains: []string{
				"/Type /Sig",
				"/Filter /Adobe.PPKLite",
				"/SubFilter /ETSI.CAdES.detached",
				"/M (D:20240301120000+00'00')",
			},
			excludes: []string{"/Reference"},
		},
		{
			name: "approval details",
			dict: SignatureDictionary{
				SubFilter:   SubFilterPKCS7,
				Name:        "John Doe",
				Location:    "Amsterdam",
				Reason:      "Approved",
				ContactInfo: "john@example.com",
			},
			contains: []string{
				"/SubFilter /adbe.pkcs7.detached",
				"/Name (John Doe)",
				"/Location (Amsterdam)",
				"/Reason (Approved)",
				"/ContactInfo (john@example.com)",
			},
			excludes: []string{"/M "},
		},
		{
			name: "certification",
			dict: SignatureDictionary{DocMDP: AllowFillingExistingFormFieldsAndSignaturesPerms},
			contains: []string{
				"/TransformMethod /DocMDP",
				"/P 2 /V /1.2",
			},
		},
		{
			name: "document timestamp",
			dict: SignatureDictionary{
				Type:        TypeDocTimeStamp,
				SubFilter:   SubFilterRFC3161,
				Reason:      "ignored",
				SigningTime: signingTime,
				DocMDP:      DoNotAllowAnyChangesPerms,
			},
			contains: []string{"/Type /DocTimeStamp", "/SubFilter /ETSI.RFC3161"},
			excludes: []string{"/M ", "/Reason", "/Reference"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, brIndex, contentsIndex := tt.dict.body(16)
			s := string(body)

			assert.True(t, strings.HasPrefix(s[brIndex:], signatureByteRangePlaceholder))
			assert.True(t, strings.HasPrefix(s[contentsIndex:], "<"+strings.Repeat("0", 32)+">"))
			for _, c := range tt.contains {
				assert.Contains(t, s, c)
			}
			for _, e := range tt.excludes {
				assert.NotContains(t, s, e)
			}
		})
	}
}

func reserveTestPlaceholder(t *testing.T, size int) ([]byte, *Placeholder) {
	t.Helper()
	w := newWriter(t, testpdf.Simple())
	p, err := Reserve(w, SignatureDictionary{}, size)
	require.NoError(t, err)
	root, err := w.Root()
	require.NoError(t, err)
	doc, err := w.Close(root)
	require.NoError(t, err)
	return doc, p
}

func TestReserveAndFinalize(t *testing.T) {
	doc, p := reserveTestPlaceholder(t, 64)
	assert.Equal(t, 64, p.Size())

	br, err := p.Finalize(doc)
	require.NoError(t, err)
	require.NoError(t, br.Check(int64(len(doc))))
	assert.True(t, br.CoversWholeDocument(int64(len(doc))))

	// The gap is exactly the hex string, delimiters included.
	assert.Equal(t, int64(2*64+2), br[2]-br[1])
	assert.Equal(t, byte('<'), doc[br[1]])
	assert.Equal(t, byte('>'), doc[br[2]-1])

	assert.NotContains(t, string(doc), signatureByteRangePlaceholder)
	assert.Contains(t, string(doc), br.String())

	// The document still parses with the patched byte range.
	openDocument(t, doc)

	_, err = p.Finalize(doc)
	assert.Error(t, err, "finalizing twice")
}

func TestPatch(t *testing.T) {
	doc, p := reserveTestPlaceholder(t, 8)
	br, err := p.Finalize(doc)
	require.NoError(t, err)
	before := append([]byte{}, doc...)

	require.NoError(t, p.Patch(doc, []byte{0xde, 0xad, 0xbe, 0xef}))
	assert.Equal(t, "<DEADBEEF00000000>", strings.ToUpper(string(doc[br[1]:br[2]])))

	// Bytes outside the placeholder are untouched.
	assert.Equal(t, before[:br[1]], doc[:br[1]])
	assert.Equal(t, before[br[2]:], doc[br[2]:])

	// A shorter container clears the remains of the previous one.
	require.NoError(t, p.Patch(doc, []byte{0x01}))
	assert.Equal(t, "<0100000000000000>", string(doc[br[1]:br[2]]))

	err = p.Patch(doc, bytes.Repeat([]byte{1}, 9))
	assert.ErrorIs(t, err, ErrNotEnoughSpace)
	assert.ErrorIs(t, err, ErrTooBigKey)
}

func TestReserveInvalidSize(t *testing.T) {
	w := newWriter(t, testpdf.Simple())

	_, err := Reserve(w, SignatureDictionary{}, 0)
	assert.ErrorIs(t, err, ErrNotEnoughSpace)

	_, err = Reserve(w, SignatureDictionary{}, MaxContentsSize+1)
	assert.ErrorIs(t, err, ErrNotEnoughSpace)
}

func TestPlaceholderAt(t *testing.T) {
	doc, p := reserveTestPlaceholder(t, 32)
	br, err := p.Finalize(doc)
	require.NoError(t, err)

	found, err := placeholderAt(doc, br)
	require.NoError(t, err)
	assert.Equal(t, 32, found.Size())
	require.NoError(t, found.Patch(doc, []byte{0xff}))
	assert.True(t, strings.HasPrefix(string(doc[br[1]:]), "<ff00"))

	_, err = placeholderAt(doc, ByteRange{0, br[1] + 1, br[2], br[3]})
	assert.Error(t, err)
}
