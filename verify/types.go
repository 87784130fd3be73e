package verify

import (
	"crypto/x509"
	"time"

	"github.com/digitorus/pades/revocation"
	"github.com/digitorus/timestamp"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/crypto/ocsp"
)

// VerifyOptions contains options for PDF signature verification
type VerifyOptions struct {
	// Roots are the trust anchors. Nil uses the system roots.
	Roots *x509.CertPool

	// RequiredEKUs specifies the Extended Key Usages that must be present
	// Default: Document Signing EKU (1.3.6.1.5.5.7.3.36) per RFC 9336
	RequiredEKUs []x509.ExtKeyUsage

	// AllowedEKUs specifies additional Extended Key Usages that are acceptable
	AllowedEKUs []x509.ExtKeyUsage

	// RequireDigitalSignatureKU requires the Digital Signature bit in Key Usage
	RequireDigitalSignatureKU bool

	// RequireNonRepudiation requires the Non-Repudiation bit in Key Usage
	RequireNonRepudiation bool

	// TrustSignatureTime validates the chain at the /M or signing-time of
	// the signature when no time-stamp is present. The signer supplies
	// that time.
	TrustSignatureTime bool

	// AllowUntrustedRoots accepts self-signed certificates embedded in the
	// document as trust anchors.
	AllowUntrustedRoots bool

	// ExternalRevocation fetches OCSP responses for certificates without
	// embedded revocation data.
	ExternalRevocation revocation.OCSPClient

	Clock  clockwork.Clock
	Logger *zap.Logger
}

// DefaultVerifyOptions returns the options used when none are given.
func DefaultVerifyOptions() *VerifyOptions {
	return &VerifyOptions{
		RequiredEKUs: []x509.ExtKeyUsage{ExtKeyUsageDocumentSigning},
		AllowedEKUs: []x509.ExtKeyUsage{
			x509.ExtKeyUsageEmailProtection,
			x509.ExtKeyUsageClientAuth,
		},
		RequireDigitalSignatureKU: true,
		TrustSignatureTime:        true,
	}
}

func (o *VerifyOptions) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

func (o *VerifyOptions) now() time.Time {
	if o.Clock == nil {
		return time.Now()
	}
	return o.Clock.Now()
}

// SignatureInfo contains information about the signer and signature
// (not related to validation)
type SignatureInfo struct {
	FieldName     string               `json:"field_name"`
	Name          string               `json:"name"`
	Reason        string               `json:"reason"`
	Location      string               `json:"location"`
	ContactInfo   string               `json:"contact_info"`
	SubFilter     string               `json:"sub_filter"`
	SignatureTime *time.Time           `json:"signature_time,omitempty"`
	TimeStamp     *timestamp.Timestamp `json:"time_stamp"`
	HashAlgorithm string               `json:"hash_algorithm"`
	// DocumentTimestamp is set for /DocTimeStamp fields.
	DocumentTimestamp bool `json:"document_timestamp"`
}

// SignatureValidation contains validation results and technical details
// (not about the signer's intent)
type SignatureValidation struct {
	ValidSignature      bool          `json:"valid_signature"`
	TrustedIssuer       bool          `json:"trusted_issuer"`
	RevokedCertificate  bool          `json:"revoked_certificate"`
	CoversWholeDocument bool          `json:"covers_whole_document"`
	Certificates        []Certificate `json:"certificates"`
	// LTV is set when revocation data is available for every certificate
	// of the path that needs it.
	LTV              bool       `json:"ltv"`
	VerificationTime *time.Time `json:"verification_time"`
	TimeSource       string     `json:"time_source"`
	Warnings         []string   `json:"warnings,omitempty"`
	Errors           []error    `json:"-"`
}

// Valid reports whether the signature verified without errors.
func (v SignatureValidation) Valid() bool {
	return v.ValidSignature && len(v.Errors) == 0
}

type Signature struct {
	Info       SignatureInfo       `json:"info"`
	Validation SignatureValidation `json:"validation"`
}

type Response struct {
	DocumentInfo DocumentInfo `json:"document_info"`
	Signatures   []Signature  `json:"signatures"`
	// DSS counts the validation material of the document security store.
	DSS DSSInfo `json:"dss"`
}

// DSSInfo summarises the document security store.
type DSSInfo struct {
	Certificates int `json:"certificates"`
	OCSPs        int `json:"ocsps"`
	CRLs         int `json:"crls"`
	VRI          int `json:"vri"`
}

type Certificate struct {
	Certificate       *x509.Certificate `json:"certificate"`
	VerifyError       string            `json:"verify_error"`
	KeyUsageValid     bool              `json:"key_usage_valid"`
	KeyUsageError     string            `json:"key_usage_error,omitempty"`
	ExtKeyUsageValid  bool              `json:"ext_key_usage_valid"`
	ExtKeyUsageError  string            `json:"ext_key_usage_error,omitempty"`
	OCSPResponse      *ocsp.Response    `json:"ocsp_response"`
	OCSPEmbedded      bool              `json:"ocsp_embedded"`
	OCSPExternal      bool              `json:"ocsp_external"`
	CRLEmbedded       bool              `json:"crl_embedded"`
	RevocationTime    *time.Time        `json:"revocation_time,omitempty"`
	RevocationWarning string            `json:"revocation_warning,omitempty"`
}

// DocumentInfo contains document information.
type DocumentInfo struct {
	Author   string `json:"author"`
	Creator  string `json:"creator"`
	Producer string `json:"producer"`
	Subject  string `json:"subject"`
	Title    string `json:"title"`

	Pages        int       `json:"pages"`
	Keywords     []string  `json:"keywords"`
	ModDate      time.Time `json:"mod_date"`
	CreationDate time.Time `json:"creation_date"`
}
