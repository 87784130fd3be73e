package sign

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/digitorus/pades/cms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestByteRangeCheck(t *testing.T) {
	tests := []struct {
		name    string
		br      ByteRange
		size    int64
		wantErr bool
	}{
		{"valid", ByteRange{0, 10, 20, 5}, 25, false},
		{"shorter than document", ByteRange{0, 10, 20, 5}, 30, false},
		{"negative", ByteRange{0, -1, 20, 5}, 25, true},
		{"overlap", ByteRange{0, 21, 20, 5}, 25, true},
		{"beyond end", ByteRange{0, 10, 20, 6}, 25, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.br.Check(tt.size)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestByteRangeCoversWholeDocument(t *testing.T) {
	br := ByteRange{0, 10, 20, 5}
	assert.True(t, br.CoversWholeDocument(25))
	assert.False(t, br.CoversWholeDocument(26))
	assert.False(t, ByteRange{1, 9, 20, 5}.CoversWholeDocument(25))
}

func TestByteRangePlaceholderString(t *testing.T) {
	s, err := ByteRange{0, 1234, 5678, 90}.placeholderString()
	require.NoError(t, err)
	assert.Len(t, s, len(signatureByteRangePlaceholder))
	assert.Equal(t, "/ByteRange[0 1234 5678 90]", string(bytes.TrimRight([]byte(s), " ")))

	_, err = ByteRange{0, 1 << 40, 1 << 41, 1 << 42}.placeholderString()
	assert.Error(t, err)
}

func TestDigestByteRange(t *testing.T) {
	doc := []byte("covered<SKIPPED>also covered")
	br := ByteRange{0, 7, 16, int64(len(doc)) - 16}

	digest, err := DigestByteRange(bytes.NewReader(doc), br, cms.SHA256)
	require.NoError(t, err)
	expected := sha256.Sum256([]byte("coveredalso covered"))
	assert.Equal(t, expected[:], digest)

	// Bytes in the gap do not change the digest.
	copy(doc[7:], "<CHANGED>")
	again, err := DigestByteRange(bytes.NewReader(doc), br, cms.SHA256)
	require.NoError(t, err)
	assert.Equal(t, digest, again)

	_, err = DigestByteRange(bytes.NewReader(doc), br, cms.DigestAlgorithm(0))
	assert.Error(t, err)
}
