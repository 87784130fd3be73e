package revocation

import (
	"context"
	"crypto/x509"
	"errors"
	"testing"

	"github.com/digitorus/pades/internal/testpki"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestInfoArchivalIsRevoked(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	_, good := pki.IssueLeaf("good")
	_, bad := pki.IssueLeaf("bad")
	pki.Revoke(bad)

	issuer := pki.Chain()[0]
	ocspClient := &HTTPOCSPClient{}

	t.Run("crl", func(t *testing.T) {
		crl, err := pki.CRL(len(pki.CACerts) - 1)
		require.NoError(t, err)

		info := InfoArchival{}
		require.NoError(t, info.AddCRL(crl))
		assert.True(t, info.IsRevoked(bad))
		assert.False(t, info.IsRevoked(good))
	})

	t.Run("ocsp", func(t *testing.T) {
		resp, err := ocspClient.GetOCSPResponse(context.Background(), good, issuer)
		require.NoError(t, err)

		info := InfoArchival{}
		require.NoError(t, info.AddOCSP(resp))
		assert.False(t, info.IsRevoked(good))
		assert.Greater(t, info.Size(), 0)
	})

	t.Run("garbage", func(t *testing.T) {
		info := InfoArchival{}
		require.NoError(t, info.AddCRL([]byte("crl")))
		require.NoError(t, info.AddOCSP([]byte("ocsp")))
		assert.False(t, info.IsRevoked(&x509.Certificate{}))
		assert.Len(t, info.CRL, 1)
		assert.Len(t, info.OCSP, 1)
	})
}

func TestHTTPOCSPClient(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	_, leaf := pki.IssueLeaf("signer")
	issuer := pki.Chain()[0]

	cache := NewMemoryCache()
	client := &HTTPOCSPClient{Cache: cache}

	first, err := client.GetOCSPResponse(context.Background(), leaf, issuer)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := client.GetOCSPResponse(context.Background(), leaf, issuer)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), pki.OCSPRequests.Load())
	assert.Equal(t, 1, cache.Len())

	pki.Revoke(leaf)
	_, err = (&HTTPOCSPClient{}).GetOCSPResponse(context.Background(), leaf, issuer)
	assert.ErrorIs(t, err, ErrRevoked)
}

func TestHTTPOCSPClientWithoutResponder(t *testing.T) {
	resp, err := (&HTTPOCSPClient{}).GetOCSPResponse(context.Background(), &x509.Certificate{}, nil)
	require.NoError(t, err)
	assert.Nil(t, resp)
}

func TestHTTPCRLClient(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	_, leaf := pki.IssueLeaf("signer")

	client := &HTTPCRLClient{Cache: NewMemoryCache()}
	crl, err := client.GetCRL(context.Background(), leaf, leaf.CRLDistributionPoints[0])
	require.NoError(t, err)

	again, err := client.GetCRL(context.Background(), leaf, leaf.CRLDistributionPoints[0])
	require.NoError(t, err)
	assert.Equal(t, crl, again)
	assert.Equal(t, int32(1), pki.CRLRequests.Load())

	pki.FailCRL = true
	_, err = (&HTTPCRLClient{}).GetCRL(context.Background(), leaf, leaf.CRLDistributionPoints[0])
	assert.ErrorIs(t, err, ErrFetchFailed)
}

func TestHTTPIssuerResolver(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	_, leaf := pki.IssueLeaf("signer")

	cert, err := (&HTTPIssuerResolver{}).GetIssuerCertificate(context.Background(), leaf.IssuingCertificateURL[0])
	require.NoError(t, err)
	assert.True(t, cert.Equal(pki.Chain()[0]))

	_, err = (&HTTPIssuerResolver{}).GetIssuerCertificate(context.Background(), pki.URL("/ca/99"))
	assert.ErrorIs(t, err, ErrFetchFailed)
}

func TestCollectWholeChain(t *testing.T) {
	pki := testpki.NewTestPKIWithConfig(t, testpki.TestPKIConfig{
		Profile:         testpki.ECDSA_P256,
		IntermediateCAs: 2,
	})
	_, leaf := pki.IssueLeaf("signer")

	collector := NewCollector(nil)
	set, err := collector.Collect(context.Background(), append([]*x509.Certificate{leaf}, pki.Chain()...), CollectOptions{})
	require.NoError(t, err)

	// leaf, two intermediates, root
	assert.Len(t, set.Certificates, 4)
	// OCSP for the leaf and both intermediates, roots are not checked
	assert.Len(t, set.OCSPs, 3)
	assert.Empty(t, set.CRLs)
	assert.Empty(t, set.For(pki.RootCert()))
	require.NotNil(t, set.For(leaf))
	assert.Len(t, set.For(leaf).OCSPs, 1)

	info := set.InfoArchival()
	assert.Len(t, info.OCSP, 3)
	assert.False(t, info.IsRevoked(leaf))
}

func TestCollectResolvesMissingIssuers(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	_, leaf := pki.IssueLeaf("signer")

	set, err := NewCollector(nil).Collect(context.Background(), []*x509.Certificate{leaf}, CollectOptions{})
	require.NoError(t, err)
	assert.Len(t, set.Certificates, 3)
	assert.Equal(t, int32(2), pki.CARequests.Load())
}

func TestCollectLevels(t *testing.T) {
	tests := []struct {
		name     string
		level    Level
		failOCSP bool
		ocsps    int
		crls     int
	}{
		{"ocsp optional crl", LevelOCSPOptionalCRL, false, 2, 0},
		{"ocsp optional crl fallback", LevelOCSPOptionalCRL, true, 0, 2},
		{"ocsp only", LevelOCSP, false, 2, 0},
		{"crl only", LevelCRL, false, 0, 2},
		{"ocsp and crl", LevelOCSPAndCRL, false, 2, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pki := testpki.NewTestPKI(t)
			pki.FailOCSP = tt.failOCSP
			_, leaf := pki.IssueLeaf("signer")

			set, err := NewCollector(nil).Collect(context.Background(), append([]*x509.Certificate{leaf}, pki.Chain()...), CollectOptions{Level: tt.level})
			require.NoError(t, err)
			assert.Len(t, set.OCSPs, tt.ocsps)
			assert.Len(t, set.CRLs, tt.crls)
		})
	}
}

func TestCollectSigningCertificateOnly(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	_, leaf := pki.IssueLeaf("signer")

	set, err := NewCollector(nil).Collect(context.Background(), append([]*x509.Certificate{leaf}, pki.Chain()...), CollectOptions{
		CertOption: SigningCertificateOnly,
	})
	require.NoError(t, err)
	assert.Len(t, set.OCSPs, 1)
	assert.Len(t, set.Certificates, 3)
}

func TestCollectMissingLeafData(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	pki.FailOCSP = true
	pki.FailCRL = true
	_, leaf := pki.IssueLeaf("signer")
	chain := append([]*x509.Certificate{leaf}, pki.Chain()...)

	_, err := NewCollector(nil).Collect(context.Background(), chain, CollectOptions{})
	require.ErrorIs(t, err, ErrNoRevocationDataForSigningCertificate)
	assert.ErrorIs(t, err, ErrFetchFailed)

	core, logs := observer.New(zapcore.WarnLevel)
	set, err := NewCollector(zap.New(core)).Collect(context.Background(), chain, CollectOptions{BestEffort: true})
	require.NoError(t, err)
	assert.True(t, set.Empty())
	assert.Equal(t, 2, logs.FilterMessage("no revocation data").Len())
}

func TestCollectOCSPAndCRLRequiresBoth(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	pki.FailCRL = true
	_, leaf := pki.IssueLeaf("signer")

	_, err := NewCollector(nil).Collect(context.Background(), append([]*x509.Certificate{leaf}, pki.Chain()...), CollectOptions{Level: LevelOCSPAndCRL})
	assert.ErrorIs(t, err, ErrNoRevocationDataForSigningCertificate)
}

func TestCollectRevokedSigner(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	_, leaf := pki.IssueLeaf("signer")
	pki.Revoke(leaf)

	_, err := NewCollector(nil).Collect(context.Background(), append([]*x509.Certificate{leaf}, pki.Chain()...), CollectOptions{})
	assert.ErrorIs(t, err, ErrRevoked)

	_, err = NewCollector(nil).Collect(context.Background(), append([]*x509.Certificate{leaf}, pki.Chain()...), CollectOptions{Level: LevelCRL})
	assert.ErrorIs(t, err, ErrRevoked)
}

func TestCollectReusedCRL(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	_, good := pki.IssueLeaf("good")
	_, bad := pki.IssueLeaf("bad")
	pki.Revoke(bad)
	issuer := pki.Chain()[0]
	c := NewCollector(nil)

	set := NewMaterialSet()
	_, err := c.collect(context.Background(), good, issuer, LevelCRL, true, set)
	require.NoError(t, err)
	require.Len(t, set.CRLs, 1)
	requests := pki.CRLRequests.Load()

	_, err = c.collect(context.Background(), bad, issuer, LevelCRL, false, set)
	require.NoError(t, err)
	assert.Nil(t, set.For(bad), "crl embedded for a revoked certificate")
	assert.Equal(t, requests, pki.CRLRequests.Load())

	_, err = c.collect(context.Background(), bad, issuer, LevelCRL, true, set)
	assert.ErrorIs(t, err, ErrRevoked)
}

func TestCollectExemptions(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	_, leaf := pki.IssueLeafWithOptions("short lived", testpki.LeafOptions{NoCheck: true})

	core, logs := observer.New(zapcore.InfoLevel)
	set, err := NewCollector(zap.New(core)).Collect(context.Background(), append([]*x509.Certificate{leaf}, pki.Chain()...), CollectOptions{
		CertOption: SigningCertificateOnly,
	})
	require.NoError(t, err)
	assert.True(t, set.Empty())
	assert.Equal(t, 1, logs.FilterMessage("certificate exempt from revocation checking").Len())
	assert.Equal(t, int32(0), pki.OCSPRequests.Load())
}

func TestCollectAddsResponderCertificate(t *testing.T) {
	pki := testpki.NewTestPKIWithConfig(t, testpki.TestPKIConfig{
		Profile:         testpki.ECDSA_P256,
		IntermediateCAs: 1,
		ResponderCert:   true,
	})
	_, leaf := pki.IssueLeaf("signer")

	set, err := NewCollector(nil).Collect(context.Background(), append([]*x509.Certificate{leaf}, pki.Chain()...), CollectOptions{
		CertOption: SigningCertificateOnly,
	})
	require.NoError(t, err)

	var found bool
	for _, cert := range set.Certificates {
		if cert.Equal(pki.ResponderCert) {
			found = true
		}
	}
	assert.True(t, found, "responder certificate not collected")
}

func TestCollectCustomClients(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	_, leaf := pki.IssueLeaf("signer")

	var calls int
	collector := &Collector{
		OCSP: OCSPClientFunc(func(ctx context.Context, cert, issuer *x509.Certificate) ([]byte, error) {
			calls++
			return nil, errors.New("offline")
		}),
		CRL: CRLClientFunc(func(ctx context.Context, cert *x509.Certificate, uri string) ([]byte, error) {
			return pki.CRL(len(pki.CACerts) - 1)
		}),
	}
	set, err := collector.Collect(context.Background(), append([]*x509.Certificate{leaf}, pki.Chain()...), CollectOptions{
		CertOption: SigningCertificateOnly,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Len(t, set.CRLs, 1)
}

func TestMaterialSetMerge(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	_, a := pki.IssueLeaf("a")
	_, b := pki.IssueLeaf("b")
	collector := NewCollector(nil)
	opts := CollectOptions{CertOption: SigningCertificateOnly, Level: LevelOCSPAndCRL}

	first, err := collector.Collect(context.Background(), append([]*x509.Certificate{a}, pki.Chain()...), opts)
	require.NoError(t, err)
	second, err := collector.Collect(context.Background(), append([]*x509.Certificate{b}, pki.Chain()...), opts)
	require.NoError(t, err)

	first.Merge(second)
	assert.Len(t, first.OCSPs, 2)
	// Both leaves share one issuer and the cached CRL.
	assert.Len(t, first.CRLs, 1)
	assert.Len(t, first.Certificates, 4)
}

func TestParseLevel(t *testing.T) {
	for _, l := range []Level{LevelOCSPOptionalCRL, LevelOCSP, LevelCRL, LevelOCSPAndCRL} {
		got, err := ParseLevel(l.String())
		require.NoError(t, err)
		assert.Equal(t, l, got)
	}
	_, err := ParseLevel("bogus")
	assert.Error(t, err)
}
