package sign

import (
	"encoding/asn1"
	"fmt"
	"sort"

	"github.com/digitorus/pdf"
)

// SignatureField describes a signed signature field of a document.
type SignatureField struct {
	Name      string
	Type      string
	Filter    string
	SubFilter string
	ByteRange ByteRange
	// Contents is the decoded /Contents string, zero padding included.
	Contents []byte
	// Dictionary is the signature dictionary.
	Dictionary pdf.Value
}

// IsDocumentTimestamp reports whether the field holds an RFC 3161 document
// time-stamp.
func (f SignatureField) IsDocumentTimestamp() bool {
	return f.Type == TypeDocTimeStamp || f.SubFilter == SubFilterRFC3161
}

// Container returns /Contents without the zero padding that follows the
// DER encoded container.
func (f SignatureField) Container() []byte {
	var raw asn1.RawValue
	if _, err := asn1.Unmarshal(f.Contents, &raw); err != nil {
		return f.Contents
	}
	return raw.FullBytes
}

// SignatureFields returns the signed signature fields of the document
// ordered by the end of their byte range, the most recent last. Fields
// without a value are skipped.
func SignatureFields(rdr *pdf.Reader) ([]SignatureField, error) {
	var fields []SignatureField

	var walk func(v pdf.Value, parentName, inheritedFT string, depth int) error
	walk = func(v pdf.Value, parentName, inheritedFT string, depth int) error {
		if depth > 32 {
			return fmt.Errorf("form field hierarchy too deep")
		}
		name := parentName
		if t := v.Key("T"); t.Kind() == pdf.String {
			if name != "" {
				name += "."
			}
			name += t.Text()
		}
		ft := inheritedFT
		if f := v.Key("FT"); f.Kind() == pdf.Name {
			ft = f.Name()
		}

		kids := v.Key("Kids")
		if kids.Kind() == pdf.Array && kids.Len() > 0 && kids.Index(0).Key("T").Kind() == pdf.String {
			for i := 0; i < kids.Len(); i++ {
				if err := walk(kids.Index(i), name, ft, depth+1); err != nil {
					return err
				}
			}
			return nil
		}

		if ft != "Sig" {
			return nil
		}
		sig := v.Key("V")
		if sig.Kind() != pdf.Dict {
			return nil
		}
		field, err := readSignatureField(name, sig)
		if err != nil {
			return fmt.Errorf("signature field %q: %w", name, err)
		}
		fields = append(fields, field)
		return nil
	}

	form := rdr.Trailer().Key("Root").Key("AcroForm").Key("Fields")
	for i := 0; i < form.Len(); i++ {
		if err := walk(form.Index(i), "", "", 0); err != nil {
			return nil, err
		}
	}

	sort.SliceStable(fields, func(i, j int) bool {
		return fields[i].ByteRange[2]+fields[i].ByteRange[3] < fields[j].ByteRange[2]+fields[j].ByteRange[3]
	})
	return fields, nil
}

func readSignatureField(name string, sig pdf.Value) (SignatureField, error) {
	f := SignatureField{
		Name:       name,
		Type:       sig.Key("Type").Name(),
		Filter:     sig.Key("Filter").Name(),
		SubFilter:  sig.Key("SubFilter").Name(),
		Contents:   []byte(sig.Key("Contents").RawString()),
		Dictionary: sig,
	}

	br := sig.Key("ByteRange")
	if br.Kind() != pdf.Array || br.Len() != 4 {
		return f, fmt.Errorf("invalid /ByteRange")
	}
	for i := 0; i < 4; i++ {
		f.ByteRange[i] = br.Index(i).Int64()
	}
	return f, nil
}

// fieldNames returns the fully qualified names of all form fields.
func fieldNames(rdr *pdf.Reader) map[string]bool {
	names := map[string]bool{}

	var walk func(v pdf.Value, parentName string, depth int)
	walk = func(v pdf.Value, parentName string, depth int) {
		if depth > 32 {
			return
		}
		name := parentName
		if t := v.Key("T"); t.Kind() == pdf.String {
			if name != "" {
				name += "."
			}
			name += t.Text()
		}
		names[name] = true
		kids := v.Key("Kids")
		for i := 0; i < kids.Len(); i++ {
			walk(kids.Index(i), name, depth+1)
		}
	}

	form := rdr.Trailer().Key("Root").Key("AcroForm").Key("Fields")
	for i := 0; i < form.Len(); i++ {
		walk(form.Index(i), "", 0)
	}
	return names
}

// newFieldName returns the first unused name of the form base followed by a
// counter.
func newFieldName(rdr *pdf.Reader, base string) string {
	names := fieldNames(rdr)
	for i := 1; ; i++ {
		name := fmt.Sprintf("%s%d", base, i)
		if !names[name] {
			return name
		}
	}
}
