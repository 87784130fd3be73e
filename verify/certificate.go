package verify

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"time"

	"github.com/digitorus/pades/revocation"
	"go.uber.org/zap"
	"golang.org/x/crypto/ocsp"
)

// buildCertificateChains validates the path of the signer at t and checks
// the revocation status of every certificate on it.
func buildCertificateChains(s *signedContent, material *validationMaterial, t time.Time, sig *Signature, options *VerifyOptions) {
	val := &sig.Validation
	if s.signer == nil {
		val.Errors = append(val.Errors, &ValidationError{Field: sig.Info.FieldName, Msg: "signer certificate not found"})
		return
	}

	intermediates := x509.NewCertPool()
	for _, cert := range s.certificates {
		intermediates.AddCert(cert)
	}
	for _, cert := range material.certificates {
		intermediates.AddCert(cert)
	}

	roots := options.Roots
	if options.AllowUntrustedRoots {
		roots = embeddedRoots(roots, append(append([]*x509.Certificate{}, s.certificates...), material.certificates...))
	}

	// Key usages are reported per certificate below, not enforced by the
	// path builder.
	path := []*x509.Certificate{s.signer}
	chains, err := s.signer.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		CurrentTime:   t,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	verifyError := ""
	if err != nil {
		verifyError = err.Error()
		val.Errors = append(val.Errors, &ValidationError{Field: sig.Info.FieldName, Msg: "certificate chain", Err: err})
		path = append(path, issuers(s.signer, s.certificates, material.certificates)...)
	} else {
		val.TrustedIssuer = true
		path = chains[0]
	}

	ltv := true
	for i, cert := range path {
		c := Certificate{Certificate: cert}
		if i == 0 {
			c.VerifyError = verifyError
			if !sig.Info.DocumentTimestamp {
				c.KeyUsageValid, c.KeyUsageError, c.ExtKeyUsageValid, c.ExtKeyUsageError = validateKeyUsage(cert, options)
			}
		}

		if i+1 < len(path) && !exempt(cert) {
			issuer := path[i+1]
			checkRevocation(&c, issuer, s.embedded, material, options)
			if c.RevocationTime != nil && !c.RevocationTime.After(t) {
				val.RevokedCertificate = true
				val.Errors = append(val.Errors, &RevocationError{Msg: fmt.Sprintf("%s revoked at %s", cert.Subject, c.RevocationTime.Format(time.RFC3339))})
			} else if c.RevocationTime != nil {
				val.Warnings = append(val.Warnings, fmt.Sprintf("%s revoked after the signature was made", cert.Subject))
			}
			if !c.OCSPEmbedded && !c.CRLEmbedded {
				ltv = false
			}
		}
		val.Certificates = append(val.Certificates, c)
	}
	val.LTV = ltv && val.TrustedIssuer
}

// embeddedRoots adds the self-signed certificates among certs to roots.
func embeddedRoots(roots *x509.CertPool, certs []*x509.Certificate) *x509.CertPool {
	var pool *x509.CertPool
	if roots != nil {
		pool = roots.Clone()
	} else if system, err := x509.SystemCertPool(); err == nil {
		pool = system
	} else {
		pool = x509.NewCertPool()
	}
	for _, cert := range certs {
		if bytes.Equal(cert.RawIssuer, cert.RawSubject) && cert.CheckSignatureFrom(cert) == nil {
			pool.AddCert(cert)
		}
	}
	return pool
}

// issuers follows issuer links through the available certificates. Used to
// report the path when it could not be validated.
func issuers(cert *x509.Certificate, lists ...[]*x509.Certificate) []*x509.Certificate {
	var path []*x509.Certificate
	seen := map[string]bool{string(cert.Raw): true}
	for {
		var next *x509.Certificate
		for _, list := range lists {
			for _, c := range list {
				if !seen[string(c.Raw)] && bytes.Equal(c.RawSubject, cert.RawIssuer) && cert.CheckSignatureFrom(c) == nil {
					next = c
					break
				}
			}
			if next != nil {
				break
			}
		}
		if next == nil {
			return path
		}
		seen[string(next.Raw)] = true
		path = append(path, next)
		cert = next
	}
}

func exempt(cert *x509.Certificate) bool {
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(revocation.OIDOCSPNoCheck) || ext.Id.Equal(revocation.OIDValidityAssured) {
			return true
		}
	}
	return false
}

// checkRevocation looks for OCSP responses and CRLs covering cert in the
// signature and the document security store, and optionally online.
func checkRevocation(c *Certificate, issuer *x509.Certificate, embedded revocation.InfoArchival, material *validationMaterial, options *VerifyOptions) {
	cert := c.Certificate

	ocsps := append(rawValues(embedded.OCSP), material.ocsps...)
	for _, der := range ocsps {
		resp, err := ocsp.ParseResponseForCert(der, cert, issuer)
		if err != nil {
			continue
		}
		c.OCSPResponse = resp
		c.OCSPEmbedded = true
		if resp.Status == ocsp.Revoked {
			revokedAt := resp.RevokedAt
			c.RevocationTime = &revokedAt
		}
		break
	}

	crls := append(rawValues(embedded.CRL), material.crls...)
	for _, der := range crls {
		crl, err := x509.ParseRevocationList(der)
		if err != nil {
			continue
		}
		if !bytes.Equal(crl.RawIssuer, cert.RawIssuer) || crl.CheckSignatureFrom(issuer) != nil {
			continue
		}
		c.CRLEmbedded = true
		for _, entry := range crl.RevokedCertificateEntries {
			if entry.SerialNumber.Cmp(cert.SerialNumber) == 0 {
				revokedAt := entry.RevocationTime
				c.RevocationTime = &revokedAt
			}
		}
	}

	if c.OCSPEmbedded || c.CRLEmbedded {
		return
	}

	if options.ExternalRevocation != nil {
		der, err := options.ExternalRevocation.GetOCSPResponse(context.Background(), cert, issuer)
		if errors.Is(err, revocation.ErrRevoked) {
			c.OCSPExternal = true
			c.RevocationWarning = err.Error()
			return
		}
		if err == nil && der != nil {
			if resp, err := ocsp.ParseResponseForCert(der, cert, issuer); err == nil {
				c.OCSPResponse = resp
				c.OCSPExternal = true
				if resp.Status == ocsp.Revoked {
					revokedAt := resp.RevokedAt
					c.RevocationTime = &revokedAt
				}
				return
			}
		}
		options.logger().Warn("external revocation check failed", zap.String("subject", cert.Subject.String()), zap.Error(err))
	}

	if len(cert.OCSPServer) > 0 || len(cert.CRLDistributionPoints) > 0 {
		c.RevocationWarning = "no embedded revocation data, certificate has distribution points"
	} else {
		c.RevocationWarning = "no revocation data available"
	}
}

func rawValues(list []asn1.RawValue) [][]byte {
	out := make([][]byte, 0, len(list))
	for _, v := range list {
		out = append(out, v.FullBytes)
	}
	return out
}
