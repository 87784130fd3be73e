package verify

import (
	"strings"
	"time"

	"github.com/digitorus/pdf"
)

// parseDocumentInfo parses document information from PDF Info dictionary.
func parseDocumentInfo(v pdf.Value, info *DocumentInfo) {
	if v.Kind() != pdf.Dict {
		return
	}
	info.Author = v.Key("Author").Text()
	info.Creator = v.Key("Creator").Text()
	info.Producer = v.Key("Producer").Text()
	info.Subject = v.Key("Subject").Text()
	info.Title = v.Key("Title").Text()

	if kw := v.Key("Keywords"); kw.Kind() == pdf.String {
		info.Keywords = parseKeywords(kw.Text())
	}
	if t, err := parseDate(v.Key("CreationDate").Text()); err == nil {
		info.CreationDate = t
	}
	if t, err := parseDate(v.Key("ModDate").Text()); err == nil {
		info.ModDate = t
	}
}

// parseDate parses PDF formatted dates.
func parseDate(v string) (time.Time, error) {
	// (D:YYYYMMDDHHmmSSOHH'mm')
	//
	// O is the relationship of local time to Universal Time (UT), denoted by
	// one of the characters +, -, or Z. The offset may be omitted, and
	// writers disagree on the trailing apostrophe.
	v = strings.TrimSuffix(v, "'")
	for _, layout := range []string{
		"D:20060102150405Z07'00",
		"D:20060102150405Z0700",
		"D:20060102150405Z07",
		"D:20060102150405",
	} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Parse("D:20060102150405Z07'00'", v)
}

// parseKeywords parses keywords PDF metadata.
func parseKeywords(value string) []string {
	// keywords must be separated by commas or semicolons or could be just separated with spaces, after the semicolon could be a space
	// https://stackoverflow.com/questions/44608608/the-separator-between-keywords-in-pdf-meta-data
	separators := []string{", ", ": ", ",", ":", " ", "; ", ";", " ;"}
	for _, s := range separators {
		if strings.Contains(value, s) {
			return strings.Split(value, s)
		}
	}

	return []string{value}
}
