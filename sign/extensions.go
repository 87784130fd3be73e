package sign

import (
	"crypto"
	"fmt"
	"sort"
	"strings"

	"github.com/digitorus/pades/cms"
	"github.com/digitorus/pdf"
)

// ISO developer extension levels declared in Catalog/Extensions/ISO_.
const (
	// ExtensionLevelSHA3 is ISO/TS 32001, SHA-3 digests.
	ExtensionLevelSHA3 = 32001
	// ExtensionLevelEdDSA is ISO/TS 32002, Ed25519 and Ed448 signatures.
	ExtensionLevelEdDSA = 32002
)

var extensionURLs = map[int]string{
	ExtensionLevelSHA3:  "https://www.iso.org/standard/45874.html",
	ExtensionLevelEdDSA: "https://www.iso.org/standard/45875.html",
}

// ExtensionLevels is a sorted set of ISO_ extension levels.
type ExtensionLevels []int

// RequiredExtensions returns the levels a signature made with pub and alg
// must declare.
func RequiredExtensions(pub crypto.PublicKey, alg cms.DigestAlgorithm) ExtensionLevels {
	var levels ExtensionLevels
	if cms.IsEdDSA(pub) {
		levels = append(levels, ExtensionLevelEdDSA)
	} else if alg.IsSHA3() {
		levels = append(levels, ExtensionLevelSHA3)
	}
	return levels
}

// ReadExtensions returns the ISO_ levels declared by the catalog. The
// entry may hold a single developer extensions dictionary or an array.
func ReadExtensions(rdr *pdf.Reader) ExtensionLevels {
	iso := rdr.Trailer().Key("Root").Key("Extensions").Key("ISO_")

	var levels ExtensionLevels
	switch iso.Kind() {
	case pdf.Dict:
		levels = append(levels, int(iso.Key("ExtensionLevel").Int64()))
	case pdf.Array:
		for i := 0; i < iso.Len(); i++ {
			levels = append(levels, int(iso.Index(i).Key("ExtensionLevel").Int64()))
		}
	}
	return levels.Union(nil)
}

// Union returns the sorted levels present in e or o.
func (e ExtensionLevels) Union(o ExtensionLevels) ExtensionLevels {
	seen := map[int]bool{}
	var out ExtensionLevels
	for _, l := range append(append(ExtensionLevels{}, e...), o...) {
		if l <= 0 || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	sort.Ints(out)
	return out
}

func (e ExtensionLevels) Contains(level int) bool {
	for _, l := range e {
		if l == level {
			return true
		}
	}
	return false
}

// iso serializes the ISO_ array.
func (e ExtensionLevels) iso() string {
	var b strings.Builder
	b.WriteString("[")
	for i, l := range e {
		if i > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "<< /Type /DeveloperExtensions /BaseVersion /2.0 /ExtensionLevel %d", l)
		if url, ok := extensionURLs[l]; ok {
			b.WriteString(" /URL " + pdfString(url) + " /ExtensionRevision (:2022)")
		}
		b.WriteString(" >>")
	}
	b.WriteString("]")
	return b.String()
}
