package sign

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/digitorus/pdf"
)

// Annotation flags of the signature widget.
const (
	annotationFlagPrint  = 4
	annotationFlagLocked = 128
)

// Appearance binds the signature field to a page. The zero value is an
// invisible field on the first page.
type Appearance struct {
	// Page is 1-based, zero selects the first page.
	Page int
	// Rect is the widget rectangle [llx lly urx ury] in default user space.
	Rect [4]float64
	// Stream is a rendered content stream used as the normal appearance of
	// a visible field. Rendering it is up to the caller.
	Stream []byte
	// Resources is the serialized resource dictionary used by Stream.
	Resources string
}

// Visible reports whether the widget has an area.
func (a *Appearance) Visible() bool {
	if a == nil {
		return false
	}
	return a.Rect[2]-a.Rect[0] != 0 && a.Rect[3]-a.Rect[1] != 0
}

func (a *Appearance) page() int {
	if a == nil || a.Page <= 0 {
		return 1
	}
	return a.Page
}

func formatRect(r [4]float64) string {
	return "[" + formatNumber(r[0]) + " " + formatNumber(r[1]) + " " + formatNumber(r[2]) + " " + formatNumber(r[3]) + "]"
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// addSignatureField writes the merged field and widget annotation for the
// signature dictionary sig and registers the widget with its page.
func (w *IncrementalWriter) addSignatureField(name string, sig Reference, a *Appearance) (Reference, error) {
	pageNumber := a.page()
	if pageNumber > w.Reader.NumPage() {
		return Reference{}, fmt.Errorf("page %d not found, document has %d pages", pageNumber, w.Reader.NumPage())
	}
	page := w.Reader.Page(pageNumber).V
	pageRef, err := reference(page)
	if err != nil {
		return Reference{}, fmt.Errorf("page %d: %w", pageNumber, err)
	}

	var widget bytes.Buffer
	widget.WriteString("<< /Type /Annot /Subtype /Widget /FT /Sig")
	widget.WriteString(" /T " + pdfString(name))
	widget.WriteString(" /V " + sig.String())
	widget.WriteString(" /P " + pageRef.String())

	if a.Visible() {
		xobject, err := w.addAppearanceStream(a)
		if err != nil {
			return Reference{}, fmt.Errorf("failed to write appearance stream: %w", err)
		}
		widget.WriteString(" /F " + strconv.Itoa(annotationFlagPrint))
		widget.WriteString(" /Rect " + formatRect(a.Rect))
		widget.WriteString(" /AP << /N " + Reference{ID: xobject}.String() + " >>")
	} else {
		widget.WriteString(" /F " + strconv.Itoa(annotationFlagPrint|annotationFlagLocked))
		widget.WriteString(" /Rect [0 0 0 0]")
	}
	widget.WriteString(" >>")

	id, err := w.AddObject(widget.Bytes())
	if err != nil {
		return Reference{}, fmt.Errorf("failed to add signature field: %w", err)
	}
	field := Reference{ID: id}

	if err := w.addAnnotation(page, pageRef, field); err != nil {
		return Reference{}, fmt.Errorf("failed to update page %d: %w", pageNumber, err)
	}
	return field, nil
}

// addAppearanceStream writes the form XObject holding the rendered
// appearance.
func (w *IncrementalWriter) addAppearanceStream(a *Appearance) (uint32, error) {
	width := a.Rect[2] - a.Rect[0]
	height := a.Rect[3] - a.Rect[1]
	if width < 0 {
		width = -width
	}
	if height < 0 {
		height = -height
	}

	resources := a.Resources
	if resources == "" {
		resources = "<< >>"
	}
	dict := "/Type /XObject /Subtype /Form /FormType 1" +
		" /BBox [0 0 " + formatNumber(width) + " " + formatNumber(height) + "]" +
		" /Matrix [1 0 0 1 0 0]" +
		" /Resources " + resources
	return w.AddStream(dict, a.Stream)
}

// addAnnotation writes a new version of page with annot appended to
// /Annots.
func (w *IncrementalWriter) addAnnotation(page pdf.Value, pageRef Reference, annot Reference) error {
	var annots bytes.Buffer
	annots.WriteString("[")
	existing := page.Key("Annots")
	for i := 0; i < existing.Len(); i++ {
		writeChild(&annots, existing, existing.Index(i))
		annots.WriteString(" ")
	}
	annots.WriteString(annot.String() + "]")

	body := serializeDict(page, map[string]string{"Annots": annots.String()})
	return w.UpdateObject(pageRef, []byte(body))
}
