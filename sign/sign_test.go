package sign

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/digitorus/pades/cms"
	"github.com/digitorus/pades/internal/testpdf"
	"github.com/digitorus/pades/internal/testpki"
	"github.com/digitorus/pades/revocation"
	"github.com/digitorus/pades/tsa"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSigningTime = time.Date(2024, 5, 17, 9, 30, 0, 0, time.UTC)

func signDocument(t *testing.T, doc []byte, opts SignOptions) []byte {
	t.Helper()
	if opts.Clock == nil {
		opts.Clock = clockwork.NewFakeClockAt(testSigningTime)
	}
	signed, err := SignDocument(context.Background(), bytes.NewReader(doc), int64(len(doc)), opts)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(signed, doc), "prior revision changed")
	return signed
}

func signatureFields(t *testing.T, doc []byte) []SignatureField {
	t.Helper()
	fields, err := SignatureFields(openDocument(t, doc))
	require.NoError(t, err)
	return fields
}

// verifyField checks the container of field against the document and
// returns it.
func verifyField(t *testing.T, doc []byte, field SignatureField) *cms.Container {
	t.Helper()
	require.NoError(t, field.ByteRange.Check(int64(len(doc))))
	container, err := cms.Parse(field.Contents)
	require.NoError(t, err)
	require.NoError(t, container.Verify(field.ByteRange.Reader(bytes.NewReader(doc))))
	return container
}

func TestSignDocumentKeyProfiles(t *testing.T) {
	pki := testpki.NewTestPKI(t)

	tests := []struct {
		profile    testpki.KeyProfile
		digest     cms.DigestAlgorithm
		extensions ExtensionLevels
	}{
		{testpki.RSA_2048, cms.SHA256, nil},
		{testpki.RSA_3072, cms.SHA3_256, ExtensionLevels{ExtensionLevelSHA3}},
		{testpki.ECDSA_P256, cms.SHA256, nil},
		{testpki.ECDSA_P384, cms.SHA384, nil},
		{testpki.ECDSA_P521, cms.SHA3_512, ExtensionLevels{ExtensionLevelSHA3}},
		{testpki.ED25519, 0, ExtensionLevels{ExtensionLevelEdDSA}},
		{testpki.ED448, 0, ExtensionLevels{ExtensionLevelEdDSA}},
	}

	for _, tt := range tests {
		t.Run(string(tt.profile), func(t *testing.T) {
			key, cert := pki.IssueLeafWithOptions("Signer "+string(tt.profile), testpki.LeafOptions{Profile: tt.profile})

			doc := signDocument(t, testpdf.Simple(), SignOptions{
				Dictionary: SignatureDictionary{Name: "Test Signer", Reason: "Testing"},
				Container: &DirectContainer{
					Signer:      key,
					Certificate: cert,
					Chain:       pki.Chain(),
					Digest:      tt.digest,
				},
			})

			fields := signatureFields(t, doc)
			require.Len(t, fields, 1)
			field := fields[0]
			assert.Equal(t, "Signature1", field.Name)
			assert.Equal(t, SubFilterCAdES, field.SubFilter)
			assert.True(t, field.ByteRange.CoversWholeDocument(int64(len(doc))))
			assert.Equal(t, "D:20240517093000+00'00'", field.Dictionary.Key("M").Text())
			assert.Equal(t, "Testing", field.Dictionary.Key("Reason").Text())

			container := verifyField(t, doc, field)
			assert.True(t, container.SignerCertificate().Equal(cert))
			_, hasSigningTime := container.SigningTime()
			assert.False(t, hasSigningTime, "CAdES signatures carry no signing-time attribute")

			assert.Equal(t, tt.extensions, ReadExtensions(openDocument(t, doc)))
		})
	}
}

func TestSignDocumentXrefStream(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	key, cert := pki.IssueLeaf("Stream Signer")

	original := testpdf.New(testpdf.Options{XrefStream: true, Pages: 2})
	doc := signDocument(t, original, SignOptions{
		Container:  &DirectContainer{Signer: key, Certificate: cert, Chain: pki.Chain()},
		Appearance: &Appearance{Page: 2},
	})

	fields := signatureFields(t, doc)
	require.Len(t, fields, 1)
	verifyField(t, doc, fields[0])

	rdr := openDocument(t, doc)
	assert.Equal(t, 2, rdr.NumPage())
	assert.Equal(t, 1, rdr.Page(2).V.Key("Annots").Len())
	assert.Equal(t, 0, rdr.Page(1).V.Key("Annots").Len())
}

func TestSignDocumentTwice(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	key, cert := pki.IssueLeaf("First")
	key2, cert2 := pki.IssueLeaf("Second")

	first := signDocument(t, testpdf.Simple(), SignOptions{
		Container: &DirectContainer{Signer: key, Certificate: cert},
	})
	second := signDocument(t, first, SignOptions{
		Container: &DirectContainer{Signer: key2, Certificate: cert2},
	})

	fields := signatureFields(t, second)
	require.Len(t, fields, 2)
	assert.Equal(t, "Signature1", fields[0].Name)
	assert.Equal(t, "Signature2", fields[1].Name)

	// The first signature still verifies but no longer covers the document.
	c1 := verifyField(t, second, fields[0])
	assert.True(t, c1.SignerCertificate().Equal(cert))
	assert.True(t, fields[0].ByteRange.CoversWholeDocument(int64(len(first))))
	assert.False(t, fields[0].ByteRange.CoversWholeDocument(int64(len(second))))

	c2 := verifyField(t, second, fields[1])
	assert.True(t, c2.SignerCertificate().Equal(cert2))
	assert.True(t, fields[1].ByteRange.CoversWholeDocument(int64(len(second))))

	form := openDocument(t, second).Trailer().Key("Root").Key("AcroForm")
	assert.Equal(t, 2, form.Key("Fields").Len())
}

func TestSignDocumentSteps(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	key, cert := pki.IssueLeaf("Steps")

	var steps []Step
	signDocument(t, testpdf.Simple(), SignOptions{
		Container: &DirectContainer{Signer: key, Certificate: cert},
		OnStep:    func(s Step) { steps = append(steps, s) },
	})

	assert.Equal(t, []Step{StepPlaceholderReserved, StepDigested, StepContainerBuilt, StepFinalized}, steps)
	assert.Equal(t, "CONTAINER_BUILT", StepContainerBuilt.String())
}

// growingContainer underestimates its size and returns size bytes.
type growingContainer struct {
	estimate int
	size     int
	calls    int
}

func (c *growingContainer) ModifySigningDictionary(*SignatureDictionary) {}

func (c *growingContainer) EstimatedSize() (int, error) { return c.estimate, nil }

func (c *growingContainer) Sign(_ context.Context, data io.Reader) ([]byte, error) {
	c.calls++
	if _, err := io.Copy(io.Discard, data); err != nil {
		return nil, err
	}
	return bytes.Repeat([]byte{0x30}, c.size), nil
}

func TestSignDocumentRetriesWithLargerPlaceholder(t *testing.T) {
	c := &growingContainer{estimate: 100, size: 150}
	doc := signDocument(t, testpdf.Simple(), SignOptions{Container: c})

	assert.Equal(t, 2, c.calls)
	fields := signatureFields(t, doc)
	require.Len(t, fields, 1)
	assert.Equal(t, 165, len(fields[0].Contents))
	assert.Equal(t, bytes.Repeat([]byte{0x30}, 150), fields[0].Contents[:150])
}

func TestSignDocumentFixedSizeTooSmall(t *testing.T) {
	c := &growingContainer{estimate: 100, size: 150}
	doc := testpdf.Simple()
	_, err := SignDocument(context.Background(), bytes.NewReader(doc), int64(len(doc)), SignOptions{
		Container: c,
		Size:      100,
	})
	assert.ErrorIs(t, err, ErrNotEnoughSpace)
	assert.Equal(t, 1, c.calls)
}

func TestSignDocumentFieldNames(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	key, cert := pki.IssueLeaf("Named")
	container := func() *DirectContainer { return &DirectContainer{Signer: key, Certificate: cert} }

	doc := signDocument(t, testpdf.Simple(), SignOptions{FieldName: "Approval", Container: container()})
	assert.Equal(t, "Approval", signatureFields(t, doc)[0].Name)

	_, err := SignDocument(context.Background(), bytes.NewReader(doc), int64(len(doc)), SignOptions{
		FieldName: "Approval",
		Container: container(),
	})
	assert.ErrorIs(t, err, ErrFieldExists)

	doc = signDocument(t, doc, SignOptions{Container: container()})
	assert.Equal(t, "Signature1", signatureFields(t, doc)[1].Name)
}

func TestSignDocumentCertification(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	key, cert := pki.IssueLeaf("Certifier")

	doc := signDocument(t, testpdf.Simple(), SignOptions{
		Dictionary: SignatureDictionary{DocMDP: AllowFillingExistingFormFieldsAndSignaturesPerms},
		Container:  &DirectContainer{Signer: key, Certificate: cert},
	})

	rdr := openDocument(t, doc)
	perms := rdr.Trailer().Key("Root").Key("Perms").Key("DocMDP")
	assert.Equal(t, int64(2), perms.Key("Reference").Index(0).Key("TransformParams").Key("P").Int64())

	// A certification signature must come first.
	_, err := SignDocument(context.Background(), bytes.NewReader(doc), int64(len(doc)), SignOptions{
		Dictionary: SignatureDictionary{DocMDP: DoNotAllowAnyChangesPerms},
		Container:  &DirectContainer{Signer: key, Certificate: cert},
	})
	assert.ErrorIs(t, err, ErrCertificationOrder)

	_, err = SignDocument(context.Background(), bytes.NewReader(testpdf.Simple()), int64(len(testpdf.Simple())), SignOptions{
		Dictionary: SignatureDictionary{DocMDP: DoNotAllowAnyChangesPerms},
		Appearance: &Appearance{Rect: [4]float64{0, 0, 100, 50}},
		Container:  &DirectContainer{Signer: key, Certificate: cert},
	})
	assert.ErrorIs(t, err, ErrVisibleNotAllowed)
}

func TestSignDocumentVisibleAppearance(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	key, cert := pki.IssueLeaf("Visible")

	doc := signDocument(t, testpdf.Simple(), SignOptions{
		Appearance: &Appearance{
			Rect:   [4]float64{10, 20, 210, 80},
			Stream: []byte("0 0 1 rg 0 0 200 60 re f"),
		},
		Container: &DirectContainer{Signer: key, Certificate: cert},
	})

	rdr := openDocument(t, doc)
	annots := rdr.Page(1).V.Key("Annots")
	require.Equal(t, 1, annots.Len())
	widget := annots.Index(0)
	assert.Equal(t, "Widget", widget.Key("Subtype").Name())
	assert.Equal(t, int64(4), widget.Key("F").Int64())
	assert.Equal(t, float64(210), widget.Key("Rect").Index(2).Float64())

	ap := widget.Key("AP").Key("N")
	assert.Equal(t, "Form", ap.Key("Subtype").Name())
	assert.Equal(t, float64(200), ap.Key("BBox").Index(2).Float64())
	stream, err := io.ReadAll(ap.Reader())
	require.NoError(t, err)
	assert.Equal(t, "0 0 1 rg 0 0 200 60 re f", string(stream))

	verifyField(t, doc, signatureFields(t, doc)[0])
}

func TestSignDocumentInvisibleWidget(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	key, cert := pki.IssueLeaf("Invisible")

	doc := signDocument(t, testpdf.Simple(), SignOptions{
		Container: &DirectContainer{Signer: key, Certificate: cert},
	})
	widget := openDocument(t, doc).Page(1).V.Key("Annots").Index(0)
	assert.Equal(t, int64(132), widget.Key("F").Int64())
	assert.Equal(t, float64(0), widget.Key("Rect").Index(2).Float64())
	assert.True(t, widget.Key("AP").IsNull())
}

func TestSignDocumentExtensionsUnion(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	edKey, edCert := pki.IssueLeafWithOptions("Ed25519", testpki.LeafOptions{Profile: testpki.ED25519})
	key, cert := pki.IssueLeafWithOptions("SHA3", testpki.LeafOptions{Profile: testpki.ECDSA_P256})

	doc := signDocument(t, testpdf.Simple(), SignOptions{
		Container: &DirectContainer{Signer: edKey, Certificate: edCert},
	})
	doc = signDocument(t, doc, SignOptions{
		Container: &DirectContainer{Signer: key, Certificate: cert, Digest: cms.SHA3_256},
	})

	assert.Equal(t, ExtensionLevels{ExtensionLevelSHA3, ExtensionLevelEdDSA}, ReadExtensions(openDocument(t, doc)))
	for _, f := range signatureFields(t, doc) {
		verifyField(t, doc, f)
	}
}

func TestSignDocumentUnsupportedDigest(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	key, cert := pki.IssueLeafWithOptions("Ed25519", testpki.LeafOptions{Profile: testpki.ED25519})

	doc := testpdf.Simple()
	_, err := SignDocument(context.Background(), bytes.NewReader(doc), int64(len(doc)), SignOptions{
		Container: &DirectContainer{Signer: key, Certificate: cert, Digest: cms.SHA256},
	})
	assert.ErrorIs(t, err, cms.ErrUnsupportedDigestForKeyType)
}

func TestSignDocumentPKCS7(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	key, cert := pki.IssueLeaf("Legacy")

	crl, err := pki.CRL(len(pki.CACerts) - 1)
	require.NoError(t, err)
	var info revocation.InfoArchival
	require.NoError(t, info.AddCRL(crl))

	doc := signDocument(t, testpdf.Simple(), SignOptions{
		Container: &DirectContainer{
			Signer:         key,
			Certificate:    cert,
			Chain:          pki.Chain(),
			SubFilter:      SubFilterPKCS7,
			RevocationData: &info,
		},
	})

	field := signatureFields(t, doc)[0]
	assert.Equal(t, SubFilterPKCS7, field.SubFilter)
	container := verifyField(t, doc, field)

	signingTime, ok := container.SigningTime()
	require.True(t, ok)
	assert.True(t, signingTime.Equal(testSigningTime))

	_, ok = container.Attribute(cms.OIDAttributeAdobeRevocation)
	assert.True(t, ok)
}

func TestSignDocumentSignatureTimestamp(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	key, cert := pki.IssueLeaf("Timestamped")

	doc := signDocument(t, testpdf.Simple(), SignOptions{
		Container: &DirectContainer{
			Signer:      key,
			Certificate: cert,
			TSA:         &tsa.HTTPClient{URL: pki.TSAURL()},
		},
	})

	container := verifyField(t, doc, signatureFields(t, doc)[0])
	token := container.TimestampToken()
	require.NotNil(t, token)
	_, err := tsa.Verify(token, bytes.NewReader(container.Signature))
	assert.NoError(t, err)
	assert.Equal(t, int32(1), pki.TSARequests.Load())
}

func TestSignDocumentDocumentTimestamp(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	key, cert := pki.IssueLeaf("Signer")

	doc := signDocument(t, testpdf.Simple(), SignOptions{
		Container: &DirectContainer{Signer: key, Certificate: cert},
	})
	doc = signDocument(t, doc, SignOptions{
		Container: &TimestampContainer{TSA: &tsa.HTTPClient{URL: pki.TSAURL()}},
	})

	fields := signatureFields(t, doc)
	require.Len(t, fields, 2)
	ts := fields[1]
	assert.True(t, ts.IsDocumentTimestamp())
	assert.Equal(t, TypeDocTimeStamp, ts.Type)
	assert.Equal(t, SubFilterRFC3161, ts.SubFilter)
	assert.True(t, ts.Dictionary.Key("M").IsNull())

	token, err := tsa.Verify(ts.Container(), ts.ByteRange.Reader(bytes.NewReader(doc)))
	require.NoError(t, err)
	assert.Equal(t, crypto.SHA256, token.HashAlgorithm)

	_, err = SignDocument(context.Background(), bytes.NewReader(doc), int64(len(doc)), SignOptions{
		Container: &TimestampContainer{},
	})
	assert.ErrorIs(t, err, ErrTSAClientMissing)
}

func TestSignDocumentExternalContainer(t *testing.T) {
	t.Run("blank", func(t *testing.T) {
		var digest []byte
		doc := signDocument(t, testpdf.Simple(), SignOptions{
			Container: &ExternalContainer{
				Size:     512,
				OnDigest: func(d []byte) { digest = d },
			},
		})

		field := signatureFields(t, doc)[0]
		assert.Equal(t, make([]byte, 512), field.Contents)
		expected, err := DigestByteRange(bytes.NewReader(doc), field.ByteRange, cms.SHA256)
		require.NoError(t, err)
		assert.Equal(t, expected, digest)
	})

	t.Run("ready", func(t *testing.T) {
		pki := testpki.NewTestPKI(t)
		key, cert := pki.IssueLeaf("Ready")

		// Produce a real container for the blank revision, then embed it.
		blank := signDocument(t, testpdf.Simple(), SignOptions{
			Container: &ExternalContainer{Size: 4096},
		})
		field := signatureFields(t, blank)[0]
		direct := &DirectContainer{Signer: key, Certificate: cert}
		der, err := direct.Sign(context.Background(), field.ByteRange.Reader(bytes.NewReader(blank)))
		require.NoError(t, err)

		blank, err = CompleteDeferred(context.Background(), bytes.NewReader(blank), int64(len(blank)), field.Name, der)
		require.NoError(t, err)
		verifyField(t, blank, signatureFields(t, blank)[0])

		doc := signDocument(t, testpdf.Simple(), SignOptions{
			Container: &ExternalContainer{
				Filter:    "Custom.Handler",
				SubFilter: SubFilterPKCS7,
				Container: []byte{0x30, 0x03, 0x02, 0x01, 0x01},
			},
		})
		ready := signatureFields(t, doc)[0]
		assert.Equal(t, "Custom.Handler", ready.Filter)
		assert.Equal(t, SubFilterPKCS7, ready.SubFilter)
		assert.Equal(t, []byte{0x30, 0x03, 0x02, 0x01, 0x01}, ready.Container())
	})
}

func TestSignDocumentExternalSigner(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	key, cert := pki.IssueLeafWithOptions("Remote", testpki.LeafOptions{Profile: testpki.RSA_2048})

	calls := 0
	remote := func(ctx context.Context, alg cms.DigestAlgorithm, message []byte) ([]byte, error) {
		calls++
		return cms.DefaultProvider{}.Sign(ctx, key, alg, message)
	}

	doc := signDocument(t, testpdf.Simple(), SignOptions{
		Container: &ExternalSignerContainer{
			DirectContainer: DirectContainer{Certificate: cert, Chain: pki.Chain()},
			SignFunc:        remote,
		},
	})
	assert.Equal(t, 1, calls)
	verifyField(t, doc, signatureFields(t, doc)[0])
}

func TestSignDocumentExternalSignerTimeout(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	_, cert := pki.IssueLeaf("Slow")

	release := make(chan struct{})
	defer close(release)
	slow := func(ctx context.Context, _ cms.DigestAlgorithm, _ []byte) ([]byte, error) {
		<-release
		return nil, errors.New("too late")
	}

	doc := testpdf.Simple()
	start := time.Now()
	_, err := SignDocument(context.Background(), bytes.NewReader(doc), int64(len(doc)), SignOptions{
		Container: &ExternalSignerContainer{
			DirectContainer: DirectContainer{Certificate: cert},
			SignFunc:        slow,
			Timeout:         50 * time.Millisecond,
		},
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestSignDocumentWithoutContainer(t *testing.T) {
	doc := testpdf.Simple()
	_, err := SignDocument(context.Background(), bytes.NewReader(doc), int64(len(doc)), SignOptions{})
	assert.Error(t, err)
}

func TestSignFile(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	key, cert := pki.IssueLeaf("File")

	dir := t.TempDir()
	input := filepath.Join(dir, "input.pdf")
	output := filepath.Join(dir, "output.pdf")
	require.NoError(t, os.WriteFile(input, testpdf.Simple(), 0o600))

	err := SignFile(context.Background(), input, output, SignOptions{
		Container: &DirectContainer{Signer: key, Certificate: cert, Chain: []*x509.Certificate{cert}},
	})
	require.NoError(t, err)

	doc, err := os.ReadFile(output)
	require.NoError(t, err)
	container := verifyField(t, doc, signatureFields(t, doc)[0])
	// The signer certificate is never duplicated in the chain.
	assert.Len(t, container.Certificates(), 1)
}
