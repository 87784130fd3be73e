package render

import (
	"regexp"
	"strings"
	"time"
)

var templateVarRegex = regexp.MustCompile(`\{\{(\w+)\}\}`)

// TemplateContext holds the values substituted into text elements.
type TemplateContext struct {
	Name     string
	Date     time.Time
	Reason   string
	Location string
}

// ExpandTemplateVariables replaces {{Name}}, {{Date}}, {{Reason}},
// {{Location}} and {{Initials}} in text. Unknown variables are kept.
func ExpandTemplateVariables(text string, ctx TemplateContext) string {
	return templateVarRegex.ReplaceAllStringFunc(text, func(match string) string {
		switch match[2 : len(match)-2] {
		case "Name":
			return ctx.Name
		case "Date":
			if ctx.Date.IsZero() {
				return ""
			}
			return ctx.Date.Format("2006-01-02 15:04:05 Z07:00")
		case "Reason":
			return ctx.Reason
		case "Location":
			return ctx.Location
		case "Initials":
			return ExtractInitials(ctx.Name)
		default:
			return match
		}
	})
}

// ExtractInitials returns the upper-cased first letter of every word:
// "John Doe" becomes "JD".
func ExtractInitials(name string) string {
	var initials strings.Builder
	for _, part := range strings.Fields(name) {
		for _, r := range part {
			initials.WriteRune(r)
			break
		}
	}
	return strings.ToUpper(initials.String())
}
