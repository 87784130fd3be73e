package sign

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/digitorus/pades/internal/testpdf"
	"github.com/digitorus/pdf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openDocument(t *testing.T, doc []byte) *pdf.Reader {
	t.Helper()
	rdr, err := pdf.NewReader(bytes.NewReader(doc), int64(len(doc)))
	require.NoError(t, err)
	return rdr
}

func newWriter(t *testing.T, doc []byte) *IncrementalWriter {
	t.Helper()
	w, err := NewIncrementalWriter(bytes.NewReader(doc), int64(len(doc)))
	require.NoError(t, err)
	return w
}

func TestIncrementalWriter(t *testing.T) {
	tests := []struct {
		name     string
		opts     testpdf.Options
		xrefType string
	}{
		{"table", testpdf.Options{}, "table"},
		{"stream", testpdf.Options{XrefStream: true}, "stream"},
		{"stream without info", testpdf.Options{XrefStream: true, NoInfo: true}, "stream"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := testpdf.New(tt.opts)
			w := newWriter(t, original)
			assert.Equal(t, tt.xrefType, w.XrefType())

			id, err := w.AddObject([]byte("<< /Test (added) >>"))
			require.NoError(t, err)

			streamID, err := w.AddStream("/Type /Test", []byte("stream data"))
			require.NoError(t, err)
			assert.Equal(t, id+1, streamID)

			root, err := w.Root()
			require.NoError(t, err)
			require.NoError(t, w.UpdateObject(root, []byte("<< /Type /Catalog /Pages 2 0 R /Added "+Reference{ID: id}.String()+" >>")))

			doc, err := w.Close(root)
			require.NoError(t, err)

			assert.True(t, bytes.HasPrefix(doc, original), "prior revision changed")
			assert.True(t, bytes.HasSuffix(doc, []byte("%%EOF\n")))

			rdr := openDocument(t, doc)
			catalog := rdr.Trailer().Key("Root")
			assert.Equal(t, "added", catalog.Key("Added").Key("Test").Text())
			assert.Equal(t, 1, rdr.NumPage())
			assert.Greater(t, rdr.Trailer().Key("Size").Int64(), int64(streamID))
			assert.Equal(t, mustStartXref(t, original), rdr.Trailer().Key("Prev").Int64())

			if !tt.opts.NoInfo {
				assert.Equal(t, "Test document", rdr.Trailer().Key("Info").Key("Title").Text())
			}
		})
	}
}

func mustStartXref(t *testing.T, doc []byte) int64 {
	t.Helper()
	off, err := lastStartXref(doc)
	require.NoError(t, err)
	return off
}

func TestIncrementalWriterChained(t *testing.T) {
	doc := testpdf.Simple()
	for i := 0; i < 3; i++ {
		w := newWriter(t, doc)
		_, err := w.AddObject([]byte("<< /Revision true >>"))
		require.NoError(t, err)
		root, err := w.Root()
		require.NoError(t, err)
		next, err := w.Close(root)
		require.NoError(t, err)
		require.True(t, bytes.HasPrefix(next, doc))
		doc = next
	}
	assert.Equal(t, 4, bytes.Count(doc, []byte("%%EOF")))
	assert.Equal(t, 1, openDocument(t, doc).NumPage())
}

func TestIncrementalWriterAppendsNewline(t *testing.T) {
	doc := bytes.TrimRight(testpdf.Simple(), "\n")
	w := newWriter(t, doc)
	root, err := w.Root()
	require.NoError(t, err)
	out, err := w.Close(root)
	require.NoError(t, err)
	assert.Equal(t, byte('\n'), out[len(doc)])
	assert.True(t, bytes.HasPrefix(out, doc))
}

func TestIncrementalWriterErrors(t *testing.T) {
	t.Run("not a pdf", func(t *testing.T) {
		data := []byte("hello")
		_, err := NewIncrementalWriter(bytes.NewReader(data), int64(len(data)))
		assert.Error(t, err)
	})

	t.Run("object written twice", func(t *testing.T) {
		w := newWriter(t, testpdf.Simple())
		id := w.ReserveObject()
		_, err := w.WriteObject(id, 0, []byte("null"))
		require.NoError(t, err)
		_, err = w.WriteObject(id, 0, []byte("null"))
		assert.Error(t, err)
	})

	t.Run("unreserved object", func(t *testing.T) {
		w := newWriter(t, testpdf.Simple())
		_, err := w.WriteObject(999, 0, []byte("null"))
		assert.Error(t, err)
	})

	t.Run("update of unknown object", func(t *testing.T) {
		w := newWriter(t, testpdf.Simple())
		assert.Error(t, w.UpdateObject(Reference{ID: 500}, []byte("null")))
	})

	t.Run("pending reservation", func(t *testing.T) {
		w := newWriter(t, testpdf.Simple())
		w.ReserveObject()
		root, err := w.Root()
		require.NoError(t, err)
		_, err = w.Close(root)
		assert.Error(t, err)
	})

	t.Run("write after close", func(t *testing.T) {
		w := newWriter(t, testpdf.Simple())
		root, err := w.Root()
		require.NoError(t, err)
		_, err = w.Close(root)
		require.NoError(t, err)
		_, err = w.AddObject([]byte("null"))
		assert.Error(t, err)
		_, err = w.Close(root)
		assert.Error(t, err)
	})
}

func TestXrefSubsections(t *testing.T) {
	sections := xrefSubsections([]xrefEntry{
		{ID: 9, Offset: 90},
		{ID: 1, Offset: 10},
		{ID: 8, Offset: 80},
		{ID: 10, Offset: 100},
	})
	require.Len(t, sections, 2)
	assert.Equal(t, uint32(1), sections[0][0].ID)
	assert.Len(t, sections[1], 3)
	assert.Equal(t, uint32(8), sections[1][0].ID)
}

func TestXrefTableEntries(t *testing.T) {
	w := newWriter(t, testpdf.Simple())
	root, err := w.Root()
	require.NoError(t, err)
	require.NoError(t, w.UpdateObject(root, []byte("<< /Type /Catalog /Pages 2 0 R >>")))
	id, err := w.AddObject([]byte("null"))
	require.NoError(t, err)
	doc, err := w.Close(root)
	require.NoError(t, err)

	tail := string(doc[mustStartXref(t, doc):])
	assert.Contains(t, tail, "xref\n1 1\n")
	assert.Contains(t, tail, fmt.Sprintf("\n%d 1\n", id))
	assert.Contains(t, tail, "trailer\n<< /Size ")
	assert.Contains(t, tail, "/ID [<0123456789ABCDEF0123456789ABCDEF><0123456789ABCDEF0123456789ABCDEF>]")
}

func TestWriteXrefStreamLine(t *testing.T) {
	tests := []struct {
		name     string
		xreftype byte
		offset   int64
		gen      uint16
		expected []byte
		wantErr  bool
	}{
		{
			name:     "basic entry",
			xreftype: 1,
			offset:   1234,
			expected: []byte{1, 0, 0, 4, 210, 0},
		},
		{
			name:     "zero entry",
			expected: []byte{0, 0, 0, 0, 0, 0},
		},
		{
			name:     "max offset",
			xreftype: 1,
			offset:   16777215, // 2^24 - 1
			gen:      255,
			expected: []byte{1, 0, 255, 255, 255, 255},
		},
		{
			name:     "offset too large",
			xreftype: 1,
			offset:   1 << 32,
			wantErr:  true,
		},
		{
			name:     "generation too large",
			xreftype: 1,
			gen:      256,
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := writeXrefStreamLine(&buf, tt.xreftype, tt.offset, tt.gen)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, buf.Bytes())
		})
	}
}
