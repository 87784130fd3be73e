package sign

import (
	"bytes"
	"fmt"

	"github.com/digitorus/pdf"
)

// CatalogUpdate lists the changes a revision applies to the document
// catalog. Every other catalog entry is copied, indirect references
// included.
type CatalogUpdate struct {
	// Fields are appended to /AcroForm /Fields.
	Fields []Reference
	// DSS replaces the /DSS reference when set.
	DSS *Reference
	// Extensions are merged with the ISO_ levels already declared.
	Extensions ExtensionLevels
	// DocMDP points /Perms /DocMDP at a certification signature.
	DocMDP *Reference
}

// UpdateCatalog writes a new version of the document catalog and returns its
// reference, to be passed to Close.
func (w *IncrementalWriter) UpdateCatalog(u CatalogUpdate) (Reference, error) {
	root := w.Reader.Trailer().Key("Root")
	if root.Kind() != pdf.Dict {
		return Reference{}, fmt.Errorf("document catalog not found")
	}
	ref, err := reference(root)
	if err != nil {
		return Reference{}, fmt.Errorf("document catalog: %w", err)
	}

	override := map[string]string{}

	if len(u.Fields) > 0 {
		override["AcroForm"] = acroForm(root.Key("AcroForm"), u.Fields)
	}

	if u.DSS != nil {
		override["DSS"] = u.DSS.String()
	}

	if len(u.Extensions) > 0 {
		levels := ReadExtensions(w.Reader).Union(u.Extensions)
		ext := root.Key("Extensions")
		if ext.Kind() == pdf.Dict {
			override["Extensions"] = serializeDict(ext, map[string]string{"ISO_": levels.iso()})
		} else {
			override["Extensions"] = "<< /ISO_ " + levels.iso() + " >>"
		}
	}

	if u.DocMDP != nil {
		perms := root.Key("Perms")
		if perms.Kind() == pdf.Dict {
			override["Perms"] = serializeDict(perms, map[string]string{"DocMDP": u.DocMDP.String()})
		} else {
			override["Perms"] = "<< /DocMDP " + u.DocMDP.String() + " >>"
		}
	}

	if err := w.UpdateObject(ref, []byte(serializeDict(root, override))); err != nil {
		return Reference{}, fmt.Errorf("failed to write catalog: %w", err)
	}
	return ref, nil
}

// acroForm merges fields into the interactive form dictionary and marks the
// document as containing signatures that may only be updated incrementally.
func acroForm(form pdf.Value, fields []Reference) string {
	var b bytes.Buffer
	b.WriteString("[")
	existing := form.Key("Fields")
	for i := 0; i < existing.Len(); i++ {
		writeChild(&b, existing, existing.Index(i))
		b.WriteString(" ")
	}
	for i, f := range fields {
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(f.String())
	}
	b.WriteString("]")

	// SignaturesExist | AppendOnly
	override := map[string]string{
		"Fields":   b.String(),
		"SigFlags": "3",
	}
	if form.Kind() != pdf.Dict {
		return "<< /Fields " + override["Fields"] + " /SigFlags 3 >>"
	}
	return serializeDict(form, override)
}
