package pades

import (
	"fmt"
	"strings"

	"github.com/digitorus/pades/sign"
)

// SignatureType represents the type of signature.
type SignatureType int

const (
	// ApprovalSignature indicates that the signer approves the content of the document.
	// This is the most common type of signature.
	ApprovalSignature SignatureType = iota

	// CertificationSignature indicates that the signer is the author of the document
	// and specifies what changes are permitted after signing.
	// Certification signatures must be the first signature in the document.
	CertificationSignature
)

// Permission represents document modification permissions for certification signatures.
type Permission int

const (
	// NoChanges guarantees that the document has not been modified in any way.
	// Any subsequent change will invalidate the signature.
	NoChanges Permission = iota + 1

	// AllowFormFilling permits the user to fill in form fields and sign the document,
	// but not to add comments or annotations.
	AllowFormFilling

	// AllowFormFillingAndAnnotations permits the user to fill forms, sign, and add
	// comments or annotations (e.g., sticky notes).
	AllowFormFillingAndAnnotations
)

func (p Permission) docMDP() sign.DocMDPPerm {
	switch p {
	case NoChanges:
		return sign.DoNotAllowAnyChangesPerms
	case AllowFormFillingAndAnnotations:
		return sign.AllowFillingExistingFormFieldsAndSignaturesAndCRUDAnnotationsPerms
	default:
		return sign.AllowFillingExistingFormFieldsAndSignaturesPerms
	}
}

// Format represents the PAdES baseline level of a signature.
type Format int

const (
	// PAdES_B (Baseline-Basic) creates a lightweight signature containing only the signer's
	// certificate chain and the signed attributes. It DOES NOT embed revocation information.
	PAdES_B Format = iota

	// PAdES_B_T (Baseline-Timestamp) extends PAdES-B with a signature time-stamp from a
	// Time-Stamp Authority (TSA). This proves the signature existed at a specific time.
	// Requires a TSA client.
	PAdES_B_T

	// PAdES_B_LT (Baseline-Long-Term) extends PAdES-B-T by storing validation material
	// (certificates, OCSP responses and CRLs) for every signature of the document in the
	// document security store.
	PAdES_B_LT

	// PAdES_B_LTA (Baseline-Long-Term-Availability) extends PAdES-B-LT with a document
	// time-stamp protecting the validation material. Repeating the long-term and time-stamp
	// steps later prolongs the validity of the document.
	PAdES_B_LTA
)

func (f Format) String() string {
	switch f {
	case PAdES_B:
		return "B-B"
	case PAdES_B_T:
		return "B-T"
	case PAdES_B_LT:
		return "B-LT"
	case PAdES_B_LTA:
		return "B-LTA"
	}
	return fmt.Sprintf("Format(%d)", int(f))
}

// ParseFormat accepts the level names B, T, LT and LTA, optionally
// prefixed with "PAdES-B-" or "B-".
func ParseFormat(s string) (Format, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	name = strings.TrimPrefix(name, "PADES-")
	if name != "B" {
		name = strings.TrimPrefix(name, "B-")
	}
	switch name {
	case "", "B":
		return PAdES_B, nil
	case "T":
		return PAdES_B_T, nil
	case "LT":
		return PAdES_B_LT, nil
	case "LTA":
		return PAdES_B_LTA, nil
	}
	return 0, fmt.Errorf("unknown PAdES level %q", s)
}

func (f Format) timestamped() bool { return f >= PAdES_B_T }

// Result contains the outcome of a signing operation.
type Result struct {
	// FieldName is the signature field that was signed, empty when only
	// existing signatures were prolonged.
	FieldName string
	Format    Format
	// States lists the states the operation passed through.
	States []State
	// ValidationFields are the signature fields validation material was
	// stored for.
	ValidationFields []string
	// TimestampField is the document time-stamp added by B-LTA.
	TimestampField string
}
