package verify

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/digitorus/pades/cms"
	"github.com/digitorus/pades/dss"
	"github.com/digitorus/pades/internal/testpdf"
	"github.com/digitorus/pades/internal/testpki"
	"github.com/digitorus/pades/revocation"
	"github.com/digitorus/pades/sign"
	"github.com/digitorus/pades/tsa"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signDoc(t *testing.T, doc []byte, opts sign.SignOptions) []byte {
	t.Helper()
	out, err := sign.SignDocument(context.Background(), bytes.NewReader(doc), int64(len(doc)), opts)
	require.NoError(t, err)
	return out
}

func verifyDoc(t *testing.T, doc []byte, options *VerifyOptions) *Response {
	t.Helper()
	resp, err := Reader(bytes.NewReader(doc), int64(len(doc)), options)
	require.NoError(t, err)
	return resp
}

func optionsFor(pki *testpki.TestPKI) *VerifyOptions {
	options := DefaultVerifyOptions()
	options.Roots = pki.Roots()
	return options
}

func TestVerifySignedDocument(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	key, cert := pki.IssueLeaf("Verify Signer")

	doc := signDoc(t, testpdf.Simple(), sign.SignOptions{
		Dictionary: sign.SignatureDictionary{Name: "Verify Signer", Reason: "Approval", Location: "Utrecht"},
		Container:  &sign.DirectContainer{Signer: key, Certificate: cert, Chain: pki.Chain()},
	})

	resp := verifyDoc(t, doc, optionsFor(pki))
	assert.Equal(t, "Test document", resp.DocumentInfo.Title)
	assert.Equal(t, "testpdf", resp.DocumentInfo.Producer)
	assert.Equal(t, 1, resp.DocumentInfo.Pages)

	require.Len(t, resp.Signatures, 1)
	sig := resp.Signatures[0]
	assert.Equal(t, "Verify Signer", sig.Info.Name)
	assert.Equal(t, "Approval", sig.Info.Reason)
	assert.Equal(t, "Utrecht", sig.Info.Location)
	assert.Equal(t, sign.SubFilterCAdES, sig.Info.SubFilter)
	assert.Equal(t, "SHA-256", sig.Info.HashAlgorithm)
	require.NotNil(t, sig.Info.SignatureTime)
	assert.False(t, sig.Info.DocumentTimestamp)

	v := sig.Validation
	assert.True(t, v.Valid(), "errors: %v", v.Errors)
	assert.True(t, v.ValidSignature)
	assert.True(t, v.TrustedIssuer)
	assert.True(t, v.CoversWholeDocument)
	assert.False(t, v.RevokedCertificate)
	assert.False(t, v.LTV)
	assert.Equal(t, "signature_time", v.TimeSource)

	require.Len(t, v.Certificates, 3)
	leaf := v.Certificates[0]
	assert.Equal(t, cert.Raw, leaf.Certificate.Raw)
	assert.True(t, leaf.KeyUsageValid)
	assert.True(t, leaf.ExtKeyUsageValid)
	assert.Empty(t, leaf.ExtKeyUsageError)
	assert.NotEmpty(t, leaf.RevocationWarning)
	assert.Equal(t, pki.RootCert().Raw, v.Certificates[2].Certificate.Raw)
}

func TestVerifyFile(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	key, cert := pki.IssueLeaf("File Signer")
	doc := signDoc(t, testpdf.Simple(), sign.SignOptions{
		Container: &sign.DirectContainer{Signer: key, Certificate: cert, Chain: pki.Chain()},
	})

	path := filepath.Join(t.TempDir(), "signed.pdf")
	require.NoError(t, os.WriteFile(path, doc, 0o600))

	resp, err := File(path, optionsFor(pki))
	require.NoError(t, err)
	require.Len(t, resp.Signatures, 1)
	assert.True(t, resp.Signatures[0].Validation.Valid())

	_, err = File(filepath.Join(t.TempDir(), "missing.pdf"), nil)
	assert.Error(t, err)
}

func TestVerifyNoSignatures(t *testing.T) {
	doc := testpdf.Simple()
	_, err := Reader(bytes.NewReader(doc), int64(len(doc)), nil)
	assert.ErrorIs(t, err, ErrNoSignatures)
}

func TestVerifyNotAPDF(t *testing.T) {
	data := []byte("this is not a document")
	_, err := Reader(bytes.NewReader(data), int64(len(data)), nil)
	assert.Error(t, err)
}

func TestVerifyTamperedDocument(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	key, cert := pki.IssueLeaf("Tamper Signer")
	doc := signDoc(t, testpdf.Simple(), sign.SignOptions{
		Container: &sign.DirectContainer{Signer: key, Certificate: cert, Chain: pki.Chain()},
	})

	tampered := bytes.Replace(doc, []byte("(Test document)"), []byte("(Best document)"), 1)
	require.NotEqual(t, doc, tampered)

	resp := verifyDoc(t, tampered, optionsFor(pki))
	require.Len(t, resp.Signatures, 1)
	v := resp.Signatures[0].Validation
	assert.False(t, v.ValidSignature)
	assert.False(t, v.Valid())
	require.NotEmpty(t, v.Errors)

	var invalid *InvalidSignatureError
	assert.True(t, errors.As(v.Errors[0], &invalid))
}

func TestVerifyUntrustedRoot(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	key, cert := pki.IssueLeaf("Untrusted Signer")
	doc := signDoc(t, testpdf.Simple(), sign.SignOptions{
		Container: &sign.DirectContainer{Signer: key, Certificate: cert, Chain: pki.Chain()},
	})

	options := DefaultVerifyOptions()
	options.Roots = x509.NewCertPool()
	v := verifyDoc(t, doc, options).Signatures[0].Validation
	assert.True(t, v.ValidSignature)
	assert.False(t, v.TrustedIssuer)
	require.NotEmpty(t, v.Errors)
	var verr *ValidationError
	assert.True(t, errors.As(v.Errors[0], &verr))
	assert.NotEmpty(t, v.Certificates[0].VerifyError)
	// The path is still reported through the embedded issuers.
	assert.Len(t, v.Certificates, 3)

	options.AllowUntrustedRoots = true
	v = verifyDoc(t, doc, options).Signatures[0].Validation
	assert.True(t, v.TrustedIssuer)
	assert.True(t, v.Valid())
}

func TestVerifyLongTermValidation(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	key, cert := pki.IssueLeaf("LTV Signer")
	doc := signDoc(t, testpdf.Simple(), sign.SignOptions{
		Container: &sign.DirectContainer{Signer: key, Certificate: cert, Chain: pki.Chain()},
	})

	set, err := revocation.NewCollector(nil).Collect(context.Background(), append([]*x509.Certificate{cert}, pki.Chain()...), revocation.CollectOptions{})
	require.NoError(t, err)

	resp := verifyDoc(t, doc, optionsFor(pki))
	name := resp.Signatures[0].Info.FieldName

	merged, err := dss.Merge(context.Background(), bytes.NewReader(doc), int64(len(doc)), name, set, dss.MergeOptions{})
	require.NoError(t, err)

	resp = verifyDoc(t, merged, optionsFor(pki))
	assert.Equal(t, 1, resp.DSS.VRI)
	assert.Equal(t, 2, resp.DSS.OCSPs)
	assert.GreaterOrEqual(t, resp.DSS.Certificates, 3)

	v := resp.Signatures[0].Validation
	assert.True(t, v.Valid(), "errors: %v", v.Errors)
	assert.True(t, v.LTV)
	// The DSS revision follows the signed revision.
	assert.False(t, v.CoversWholeDocument)
	assert.True(t, v.Certificates[0].OCSPEmbedded)
	assert.Empty(t, v.Certificates[0].RevocationWarning)
}

func TestVerifyEmbeddedRevocationInfo(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	key, cert := pki.IssueLeaf("Legacy Signer")

	crl, err := pki.CRL(len(pki.CACerts) - 1)
	require.NoError(t, err)
	var info revocation.InfoArchival
	require.NoError(t, info.AddCRL(crl))

	doc := signDoc(t, testpdf.Simple(), sign.SignOptions{
		Container: &sign.DirectContainer{
			Signer:         key,
			Certificate:    cert,
			Chain:          pki.Chain(),
			SubFilter:      sign.SubFilterPKCS7,
			RevocationData: &info,
		},
	})

	sig := verifyDoc(t, doc, optionsFor(pki)).Signatures[0]
	assert.Equal(t, sign.SubFilterPKCS7, sig.Info.SubFilter)
	assert.True(t, sig.Validation.Valid(), "errors: %v", sig.Validation.Errors)
	assert.True(t, sig.Validation.Certificates[0].CRLEmbedded)
	assert.Nil(t, sig.Validation.Certificates[0].RevocationTime)
}

func TestVerifySignatureTimestamp(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	key, cert := pki.IssueLeaf("Timestamped Signer")
	doc := signDoc(t, testpdf.Simple(), sign.SignOptions{
		Container: &sign.DirectContainer{
			Signer:      key,
			Certificate: cert,
			Chain:       pki.Chain(),
			TSA:         &tsa.HTTPClient{URL: pki.TSAURL()},
		},
	})

	sig := verifyDoc(t, doc, optionsFor(pki)).Signatures[0]
	require.NotNil(t, sig.Info.TimeStamp)
	assert.Equal(t, "signature_timestamp", sig.Validation.TimeSource)
	assert.True(t, sig.Validation.VerificationTime.Equal(sig.Info.TimeStamp.Time))
	assert.True(t, sig.Validation.Valid(), "errors: %v", sig.Validation.Errors)
}

func TestVerifyDocumentTimestamp(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	key, cert := pki.IssueLeaf("Archive Signer")
	doc := signDoc(t, testpdf.Simple(), sign.SignOptions{
		Container: &sign.DirectContainer{Signer: key, Certificate: cert, Chain: pki.Chain()},
	})
	doc = signDoc(t, doc, sign.SignOptions{
		Container: &sign.TimestampContainer{TSA: &tsa.HTTPClient{URL: pki.TSAURL()}},
	})

	options := optionsFor(pki)
	resp := verifyDoc(t, doc, options)
	require.Len(t, resp.Signatures, 2)

	first, second := resp.Signatures[0], resp.Signatures[1]
	assert.False(t, first.Validation.CoversWholeDocument)
	assert.True(t, first.Validation.ValidSignature)

	assert.True(t, second.Info.DocumentTimestamp)
	assert.Equal(t, sign.SubFilterRFC3161, second.Info.SubFilter)
	require.NotNil(t, second.Info.TimeStamp)
	assert.True(t, second.Validation.ValidSignature)
	assert.True(t, second.Validation.CoversWholeDocument)
	assert.Equal(t, "document_timestamp", second.Validation.TimeSource)
	require.NotEmpty(t, second.Validation.Certificates)
	assert.Equal(t, pki.TSACert.Raw, second.Validation.Certificates[0].Certificate.Raw)
	// Document time-stamps carry no key usage policy.
	assert.False(t, second.Validation.Certificates[0].ExtKeyUsageValid)
	assert.Empty(t, second.Validation.Certificates[0].ExtKeyUsageError)
}

func TestVerifyCertificationNoChanges(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	key, cert := pki.IssueLeaf("Author")
	key2, cert2 := pki.IssueLeaf("Reviewer")

	certified := signDoc(t, testpdf.Simple(), sign.SignOptions{
		Dictionary: sign.SignatureDictionary{DocMDP: sign.DoNotAllowAnyChangesPerms},
		Container:  &sign.DirectContainer{Signer: key, Certificate: cert, Chain: pki.Chain()},
	})
	sig := verifyDoc(t, certified, optionsFor(pki)).Signatures[0]
	assert.True(t, sig.Validation.Valid(), "errors: %v", sig.Validation.Errors)

	approved := signDoc(t, certified, sign.SignOptions{
		Container: &sign.DirectContainer{Signer: key2, Certificate: cert2, Chain: pki.Chain()},
	})
	resp := verifyDoc(t, approved, optionsFor(pki))
	require.Len(t, resp.Signatures, 2)

	v := resp.Signatures[0].Validation
	assert.True(t, v.ValidSignature)
	assert.False(t, v.Valid())
	var policy *PolicyError
	require.NotEmpty(t, v.Errors)
	assert.True(t, errors.As(v.Errors[0], &policy))
	assert.True(t, resp.Signatures[1].Validation.Valid())
}

func TestVerifyCertificationAllowsDocumentTimestamp(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	key, cert := pki.IssueLeaf("Author")

	doc := signDoc(t, testpdf.Simple(), sign.SignOptions{
		Dictionary: sign.SignatureDictionary{DocMDP: sign.DoNotAllowAnyChangesPerms},
		Container:  &sign.DirectContainer{Signer: key, Certificate: cert, Chain: pki.Chain()},
	})
	doc = signDoc(t, doc, sign.SignOptions{
		Container: &sign.TimestampContainer{TSA: &tsa.HTTPClient{URL: pki.TSAURL()}},
	})

	v := verifyDoc(t, doc, optionsFor(pki)).Signatures[0].Validation
	assert.True(t, v.Valid(), "errors: %v", v.Errors)
	assert.NotEmpty(t, v.Warnings)
}

func TestVerifyRevokedBeforeSigning(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	key, cert := pki.IssueLeaf("Revoked Signer")

	now := pki.Now
	pki.Now = func() time.Time { return time.Now().Add(-30 * time.Minute) }
	pki.Revoke(cert)
	pki.Now = now

	doc := signDoc(t, testpdf.Simple(), sign.SignOptions{
		Container: &sign.DirectContainer{Signer: key, Certificate: cert, Chain: pki.Chain()},
	})
	crl, err := pki.CRL(len(pki.CACerts) - 1)
	require.NoError(t, err)

	updater, err := dss.NewUpdater(bytes.NewReader(doc), int64(len(doc)))
	require.NoError(t, err)
	updater.DSS().AddCRL(crl)
	merged, err := updater.Write()
	require.NoError(t, err)

	v := verifyDoc(t, merged, optionsFor(pki)).Signatures[0].Validation
	assert.True(t, v.ValidSignature)
	assert.True(t, v.RevokedCertificate)
	assert.False(t, v.Valid())
	var rerr *RevocationError
	require.NotEmpty(t, v.Errors)
	assert.True(t, errors.As(v.Errors[len(v.Errors)-1], &rerr))
	require.NotNil(t, v.Certificates[0].RevocationTime)
	assert.True(t, v.Certificates[0].CRLEmbedded)
}

func TestVerifyRevokedAfterSigning(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	key, cert := pki.IssueLeaf("Later Revoked")
	doc := signDoc(t, testpdf.Simple(), sign.SignOptions{
		Dictionary: sign.SignatureDictionary{SigningTime: time.Now().Add(-10 * time.Minute)},
		Container:  &sign.DirectContainer{Signer: key, Certificate: cert, Chain: pki.Chain()},
	})
	pki.Revoke(cert)

	options := optionsFor(pki)
	options.ExternalRevocation = &revocation.HTTPOCSPClient{}
	v := verifyDoc(t, doc, options).Signatures[0].Validation
	assert.False(t, v.RevokedCertificate)
	assert.True(t, v.Certificates[0].OCSPExternal)
	assert.NotEmpty(t, v.Certificates[0].RevocationWarning)
}

func TestCheckRevocationExternal(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	_, cert := pki.IssueLeaf("External")
	issuer := pki.Chain()[0]

	options := DefaultVerifyOptions()
	options.ExternalRevocation = &revocation.HTTPOCSPClient{}

	c := Certificate{Certificate: cert}
	checkRevocation(&c, issuer, revocation.InfoArchival{}, &validationMaterial{}, options)
	assert.True(t, c.OCSPExternal)
	assert.False(t, c.OCSPEmbedded)
	require.NotNil(t, c.OCSPResponse)
	assert.Nil(t, c.RevocationTime)
	assert.Empty(t, c.RevocationWarning)

	pki.FailOCSP = true
	c = Certificate{Certificate: cert}
	checkRevocation(&c, issuer, revocation.InfoArchival{}, &validationMaterial{}, options)
	assert.False(t, c.OCSPExternal)
	assert.Equal(t, "no embedded revocation data, certificate has distribution points", c.RevocationWarning)
}

func TestExempt(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	_, plain := pki.IssueLeaf("Plain")
	_, noCheck := pki.IssueLeafWithOptions("Responder", testpki.LeafOptions{NoCheck: true})
	assert.False(t, exempt(plain))
	assert.True(t, exempt(noCheck))
}

func TestVerifyKeyDigestMismatch(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	key, cert := pki.IssueLeafWithOptions("Ed25519 Signer", testpki.LeafOptions{Profile: testpki.ED25519})

	_, signErr := sign.SignDocument(context.Background(), bytes.NewReader(testpdf.Simple()), int64(len(testpdf.Simple())), sign.SignOptions{
		Container: &sign.DirectContainer{Signer: key, Certificate: cert, Digest: cms.SHA256},
	})
	var expected *cms.UnsupportedDigestError
	require.ErrorAs(t, signErr, &expected)

	// Sign with SHA-512, then relabel the container as SHA-256.
	var digest []byte
	blank := signDoc(t, testpdf.Simple(), sign.SignOptions{
		FieldName: "Ed25519",
		Container: &sign.ExternalContainer{
			Size:     8192,
			Digest:   cms.SHA512,
			OnDigest: func(d []byte) { digest = d },
		},
	})
	c, err := cms.New(cms.Params{Certificate: cert, Chain: pki.Chain(), Digest: cms.SHA512, ContentDigest: digest})
	require.NoError(t, err)
	require.NoError(t, c.Sign(context.Background(), cms.DefaultProvider{}, key))
	c.Digest = cms.SHA256
	der, err := c.Marshal()
	require.NoError(t, err)
	doc, err := sign.CompleteDeferred(context.Background(), bytes.NewReader(blank), int64(len(blank)), "Ed25519", der)
	require.NoError(t, err)

	resp := verifyDoc(t, doc, optionsFor(pki))
	require.Len(t, resp.Signatures, 1)
	v := resp.Signatures[0].Validation
	assert.False(t, v.Valid())
	assert.False(t, v.ValidSignature)
	require.Len(t, v.Errors, 1)
	assert.ErrorIs(t, v.Errors[0], cms.ErrUnsupportedDigestForKeyType)

	var got *cms.UnsupportedDigestError
	require.ErrorAs(t, v.Errors[0], &got)
	assert.Equal(t, expected.Error(), got.Error())
	assert.Equal(t, "Ed25519 signatures require SHA-512 digest, got SHA-256", got.Error())
	assert.Contains(t, v.Errors[0].Error(), expected.Error())
}
