package sign

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"

	"github.com/digitorus/pdf"
)

// reference returns the object v was loaded from. Direct values inherit the
// reference of their container, so it is only meaningful for values read
// through an indirect reference.
func reference(v pdf.Value) (Reference, error) {
	if v.IsNull() {
		return Reference{}, fmt.Errorf("value is null")
	}
	ptr := v.GetPtr()
	if ptr.GetID() == 0 {
		return Reference{}, fmt.Errorf("value is not an indirect object")
	}
	return Reference{ID: ptr.GetID(), Gen: uint16(ptr.GetGen())}, nil
}

// isIndirect reports whether child is stored as its own object rather than
// inline in parent.
func isIndirect(parent, child pdf.Value) bool {
	p := child.GetPtr()
	return p.GetID() != 0 && p != parent.GetPtr()
}

// writeValue serializes v. Nested values stored as separate objects are
// written as references so that the object graph is preserved.
func writeValue(b *bytes.Buffer, v pdf.Value) {
	switch v.Kind() {
	case pdf.Null:
		b.WriteString("null")
	case pdf.Bool:
		b.WriteString(strconv.FormatBool(v.Bool()))
	case pdf.Integer:
		b.WriteString(strconv.FormatInt(v.Int64(), 10))
	case pdf.Real:
		b.WriteString(strconv.FormatFloat(v.Float64(), 'f', -1, 64))
	case pdf.String:
		b.WriteString(pdfHexString([]byte(v.RawString())))
	case pdf.Name:
		b.WriteString(pdfName(v.Name()))
	case pdf.Array:
		b.WriteString("[")
		for i := 0; i < v.Len(); i++ {
			if i > 0 {
				b.WriteString(" ")
			}
			writeChild(b, v, v.Index(i))
		}
		b.WriteString("]")
	case pdf.Dict:
		writeDict(b, v, nil)
	case pdf.Stream:
		// Streams are always indirect and reached through writeChild.
		if ref, err := reference(v); err == nil {
			b.WriteString(ref.String())
			return
		}
		b.WriteString("null")
	}
}

func writeChild(b *bytes.Buffer, parent, child pdf.Value) {
	if isIndirect(parent, child) {
		ref, _ := reference(child)
		b.WriteString(ref.String())
		return
	}
	writeValue(b, child)
}

// writeDict serializes the dictionary d. Keys present in override are
// replaced by the given serialized value, an empty value drops the key.
// Override keys missing from d are appended.
func writeDict(b *bytes.Buffer, d pdf.Value, override map[string]string) {
	b.WriteString("<<")
	seen := map[string]bool{}
	for _, key := range d.Keys() {
		seen[key] = true
		if v, ok := override[key]; ok {
			if v != "" {
				b.WriteString(" " + pdfName(key) + " " + v)
			}
			continue
		}
		b.WriteString(" " + pdfName(key) + " ")
		writeChild(b, d, d.Key(key))
	}
	for _, key := range sortedKeys(override) {
		if seen[key] || override[key] == "" {
			continue
		}
		b.WriteString(" " + pdfName(key) + " " + override[key])
	}
	b.WriteString(" >>")
}

// serializeDict is writeDict returning a string.
func serializeDict(d pdf.Value, override map[string]string) string {
	var b bytes.Buffer
	writeDict(&b, d, override)
	return b.String()
}

// serializeChild serializes the value of key in parent, as a reference
// when it is stored as a separate object.
func serializeChild(parent pdf.Value, key string) string {
	var b bytes.Buffer
	writeChild(&b, parent, parent.Key(key))
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
