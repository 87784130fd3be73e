package revocation

import (
	"crypto/x509"
	"encoding/asn1"

	"golang.org/x/crypto/ocsp"
)

// InfoArchival is the adbe-revocationInfoArchival signed attribute holding
// the revocation information of the embedded certificates.
type InfoArchival struct {
	CRL   CRL   `asn1:"tag:0,optional,explicit"`
	OCSP  OCSP  `asn1:"tag:1,optional,explicit"`
	Other Other `asn1:"tag:2,optional,explicit"`
}

// AddCRL is used to embed an CRL to revocation.InfoArchival object. You directly
// pass the bytes of a downloaded CRL to this function.
func (r *InfoArchival) AddCRL(b []byte) error {
	r.CRL = append(r.CRL, asn1.RawValue{FullBytes: b})
	return nil
}

// AddOCSP is used to embed the raw bytes of an OCSP response.
func (r *InfoArchival) AddOCSP(b []byte) error {
	r.OCSP = append(r.OCSP, asn1.RawValue{FullBytes: b})
	return nil
}

// Size returns the number of encoded bytes of the embedded responses.
func (r *InfoArchival) Size() int {
	n := 0
	for _, c := range r.CRL {
		n += len(c.FullBytes)
	}
	for _, o := range r.OCSP {
		n += len(o.FullBytes)
	}
	return n
}

// IsRevoked reports whether an embedded CRL or OCSP response marks c as
// revoked. Response signatures are not checked here.
func (r *InfoArchival) IsRevoked(c *x509.Certificate) bool {
	for _, crlRaw := range r.CRL {
		crl, err := x509.ParseRevocationList(crlRaw.FullBytes)
		if err != nil {
			continue
		}
		if !matchesIssuer(crl.RawIssuer, c) {
			continue
		}
		for _, rc := range crl.RevokedCertificateEntries {
			if rc.SerialNumber.Cmp(c.SerialNumber) == 0 {
				return true
			}
		}
	}

	for _, ocspRaw := range r.OCSP {
		resp, err := ocsp.ParseResponse(ocspRaw.FullBytes, nil)
		if err != nil {
			continue
		}
		if resp.SerialNumber != nil && resp.SerialNumber.Cmp(c.SerialNumber) == 0 && resp.Status == ocsp.Revoked {
			return true
		}
	}

	return false
}

func matchesIssuer(rawIssuer []byte, c *x509.Certificate) bool {
	return len(rawIssuer) == 0 || string(rawIssuer) == string(c.RawIssuer)
}

// CRL contains the raw bytes of a pkix.CertificateList and can be parsed with
// x509.ParseRevocationList.
type CRL []asn1.RawValue

// OCSP contains the raw bytes of an OCSP response and can be parsed with
// x/crypto/ocsp.ParseResponse.
type OCSP []asn1.RawValue

// ANS.1 Object OtherRevInfo.
type Other struct {
	Type  asn1.ObjectIdentifier
	Value []byte
}
