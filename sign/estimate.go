package sign

import (
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/digitorus/pades/cms"
	"github.com/digitorus/pades/revocation"
	"github.com/digitorus/pkcs7"
)

const (
	// baseContainerSize covers the SignedData structure and attribute
	// headers.
	baseContainerSize = 512
	// timestampReserve is added for a time-stamp token. Different TSA
	// servers provide different response sizes.
	timestampReserve = 9000
	// DefaultSignatureSize is the fallback for unrecognized key types.
	DefaultSignatureSize = 8192
)

// ContainerEstimate lists what goes into a CMS container.
type ContainerEstimate struct {
	Certificate    *x509.Certificate
	Chain          []*x509.Certificate
	Digest         cms.DigestAlgorithm
	Policy         *cms.SignaturePolicy
	RevocationData *revocation.InfoArchival
	Timestamp      bool
}

// EstimateContainerSize returns the number of container bytes to reserve.
// Do not use Certificate.SignatureAlgorithm for the signature size, that is
// how the CA signed the certificate.
func EstimateContainerSize(e ContainerEstimate) (int, error) {
	if e.Certificate == nil {
		return 0, errors.New("certificate cannot be nil")
	}
	size := baseContainerSize

	sigSize := DefaultSignatureSize
	if pub, err := cms.PublicKey(e.Certificate); err == nil {
		if n, err := cms.SignatureSize(pub); err == nil {
			sigSize = n
		}
	}
	size += sigSize

	// Message digest and signing certificate attribute.
	size += e.Digest.Size() * 2

	for _, cert := range append([]*x509.Certificate{e.Certificate}, e.Chain...) {
		degenerated, err := pkcs7.DegenerateCertificate(cert.Raw)
		if err != nil {
			return 0, fmt.Errorf("failed to degenerate certificate: %w", err)
		}
		size += len(degenerated)
	}

	// Issuer of the signer identifier and of the ESS certificate reference.
	size += 2 * len(e.Certificate.RawIssuer)

	if e.Policy != nil {
		size += len(e.Policy.Hash) + 64
	}
	if e.RevocationData != nil {
		size += e.RevocationData.Size() + 64
	}
	if e.Timestamp {
		size += timestampReserve
	}
	return size, nil
}
