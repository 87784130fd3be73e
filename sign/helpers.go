package sign

import (
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/digitorus/pdf"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// TextString encodes text as a PDF string object for use in other packages
// writing objects through an IncrementalWriter.
func TextString(text string) string {
	return pdfString(text)
}

// DateString encodes t as a PDF date string object.
func DateString(t time.Time) string {
	return pdfDateTime(t)
}

// ObjectReference returns the reference of an indirect object read from
// the document.
func ObjectReference(v pdf.Value) (Reference, error) {
	return reference(v)
}

// pdfString encodes text as a PDF text string. Non ASCII text is written as
// UTF-16BE with a byte order mark, in hexadecimal form.
func pdfString(text string) string {
	if !isASCII(text) {
		enc := unicode.UTF16(unicode.BigEndian, unicode.UseBOM).NewEncoder()
		res, _, err := transform.String(enc, text)
		if err == nil {
			return "<" + strings.ToUpper(hex.EncodeToString([]byte(res))) + ">"
		}
	}

	// PDFDocEncoded
	text = strings.ReplaceAll(text, "\\", "\\\\")
	text = strings.ReplaceAll(text, ")", "\\)")
	text = strings.ReplaceAll(text, "(", "\\(")
	text = strings.ReplaceAll(text, "\r", "\\r")
	return "(" + text + ")"
}

// pdfHexString writes raw bytes as a hexadecimal string.
func pdfHexString(b []byte) string {
	return "<" + strings.ToUpper(hex.EncodeToString(b)) + ">"
}

func pdfDateTime(date time.Time) string {
	// Calculate timezone offset from GMT.
	_, original_offset := date.Zone()
	offset := original_offset
	if offset < 0 {
		offset = -offset
	}

	offset_duration := time.Duration(offset) * time.Second
	offset_hours := int(math.Floor(offset_duration.Hours()))
	offset_minutes := int(math.Floor(offset_duration.Minutes())) - offset_hours*60

	dateString := "D:" + date.Format("20060102150405")

	// The PDF timezone format isn't supported by Go.
	if original_offset < 0 {
		dateString += "-"
	} else {
		dateString += "+"
	}
	dateString += fmt.Sprintf("%02d'%02d'", offset_hours, offset_minutes)

	return pdfString(dateString)
}

// pdfName escapes a name object, the leading solidus included.
func pdfName(name string) string {
	var b strings.Builder
	b.WriteByte('/')
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c < '!' || c > '~' || strings.IndexByte("#()<>[]{}/%", c) >= 0 {
			fmt.Fprintf(&b, "#%02X", c)
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func isASCII(s string) bool {
	for _, r := range s {
		if r > '\u007F' {
			return false
		}
	}
	return true
}
