package verify

import (
	"crypto/x509"
	"encoding/asn1"
	"strings"
)

// ExtKeyUsageDocumentSigning stands for id-kp-documentSigning, which the
// x509 package reports as an unknown extended key usage.
const ExtKeyUsageDocumentSigning = x509.ExtKeyUsage(36)

var oidExtKeyUsageDocumentSigning = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 36}

// validateKeyUsage checks the Key Usage and Extended Key Usage of a signing
// certificate against the options, following RFC 9336 for the document
// signing purpose.
func validateKeyUsage(cert *x509.Certificate, options *VerifyOptions) (kuValid bool, kuError string, ekuValid bool, ekuError string) {
	var kuErrors []string
	if options.RequireDigitalSignatureKU && cert.KeyUsage&x509.KeyUsageDigitalSignature == 0 {
		kuErrors = append(kuErrors, "certificate does not have Digital Signature key usage")
	}
	if options.RequireNonRepudiation && cert.KeyUsage&x509.KeyUsageContentCommitment == 0 {
		kuErrors = append(kuErrors, "certificate does not have Non-Repudiation key usage")
	}
	kuValid = len(kuErrors) == 0
	kuError = strings.Join(kuErrors, "; ")

	// No EKU extension means the key is not restricted.
	if len(cert.ExtKeyUsage) == 0 && len(cert.UnknownExtKeyUsage) == 0 {
		return kuValid, kuError, true, ""
	}

	switch {
	case hasEKU(cert, options.RequiredEKUs):
		return kuValid, kuError, true, ""
	case hasEKU(cert, options.AllowedEKUs):
		if len(options.RequiredEKUs) > 0 {
			ekuError = "certificate uses acceptable but not preferred Extended Key Usage"
		}
		return kuValid, kuError, true, ekuError
	case hasEKU(cert, []x509.ExtKeyUsage{x509.ExtKeyUsageAny}):
		return kuValid, kuError, true, "certificate uses ExtKeyUsageAny which is too permissive for PDF signing"
	case len(options.RequiredEKUs) == 0 && len(options.AllowedEKUs) == 0:
		return kuValid, kuError, true, ""
	}
	return kuValid, kuError, false, "certificate does not have suitable Extended Key Usage for PDF signing"
}

func hasEKU(cert *x509.Certificate, ekus []x509.ExtKeyUsage) bool {
	for _, want := range ekus {
		if want == ExtKeyUsageDocumentSigning {
			for _, oid := range cert.UnknownExtKeyUsage {
				if oid.Equal(oidExtKeyUsageDocumentSigning) {
					return true
				}
			}
			continue
		}
		for _, got := range cert.ExtKeyUsage {
			if got == want {
				return true
			}
		}
	}
	return false
}
