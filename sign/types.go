package sign

import (
	"errors"
	"time"
)

var (
	// ErrNotEnoughSpace is returned when a container does not fit the
	// reserved /Contents placeholder.
	ErrNotEnoughSpace = errors.New("not enough space reserved for signature container")
	// ErrTooBigKey is the historical name of ErrNotEnoughSpace.
	ErrTooBigKey = ErrNotEnoughSpace

	ErrDigestAlgorithmMismatch = errors.New("digest algorithm does not match prepared signature")
	ErrTSAClientMissing        = errors.New("timestamp required but no TSA client configured")
	ErrFieldNameMismatch       = errors.New("signature field not found")
	ErrNotLastSignature        = errors.New("signature field is not the last signature covering the whole document")
	ErrContainerPresent        = errors.New("signature field already holds a container")
	ErrUnsupportedXref         = errors.New("unsupported cross-reference section")
)

const (
	SubFilterCAdES       = "ETSI.CAdES.detached"
	SubFilterPKCS7       = "adbe.pkcs7.detached"
	SubFilterRFC3161     = "ETSI.RFC3161"
	FilterAdobePPKLite   = "Adobe.PPKLite"
	TypeSignature        = "Sig"
	TypeDocTimeStamp     = "DocTimeStamp"
	defaultFieldBaseName = "Signature"
)

//go:generate stringer -type=DocMDPPerm
type DocMDPPerm uint

const (
	DoNotAllowAnyChangesPerms DocMDPPerm = iota + 1
	AllowFillingExistingFormFieldsAndSignaturesPerms
	AllowFillingExistingFormFieldsAndSignaturesAndCRUDAnnotationsPerms
)

// SignatureDictionary holds the entries of the signature value dictionary
// besides /ByteRange and /Contents.
type SignatureDictionary struct {
	Type      string
	Filter    string
	SubFilter string

	Name        string
	Location    string
	Reason      string
	ContactInfo string
	// SigningTime is written as /M. Document timestamps leave it out.
	SigningTime time.Time

	// DocMDP turns the signature into a certification signature.
	DocMDP DocMDPPerm
}
