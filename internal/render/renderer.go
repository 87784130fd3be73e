// Package render draws signature appearances as PDF content streams.
package render

import (
	"bytes"
	"compress/zlib"
	"encoding/hex"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"sort"
	"strconv"
	"strings"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// maxImageSide bounds inline images, larger images are downscaled.
const maxImageSide = 256

const minFontSize = 4.0

// Render returns the content stream of a and the resource dictionary it
// uses. Text is encoded in WinAnsiEncoding, characters outside it are
// replaced.
func Render(a *AppearanceInfo, tpl TemplateContext) ([]byte, string, error) {
	var stream bytes.Buffer
	fonts := map[Font]string{}

	if a.BGColor != nil {
		fmt.Fprintf(&stream, "q %s rg 0 0 %s %s re f Q\n", a.BGColor.operands(), formatNumber(a.Width), formatNumber(a.Height))
	}

	for i, el := range a.Elements {
		switch e := el.(type) {
		case TextElement:
			if err := writeText(&stream, a, e, tpl, fonts); err != nil {
				return nil, "", fmt.Errorf("element %d: %w", i, err)
			}
		case LineElement:
			fmt.Fprintf(&stream, "q %s w %s RG %s %s m %s %s l S Q\n",
				formatNumber(e.StrokeWidth), e.StrokeColor.operands(),
				formatNumber(e.X1), formatNumber(e.Y1), formatNumber(e.X2), formatNumber(e.Y2))
		case RectElement:
			writeRect(&stream, e)
		case ImageElement:
			if err := writeImage(&stream, e); err != nil {
				return nil, "", fmt.Errorf("element %d: %w", i, err)
			}
		default:
			return nil, "", fmt.Errorf("element %d: unsupported element %T", i, el)
		}
	}

	if a.BorderWidth > 0 && a.BorderColor != nil {
		// The stroke is centered on the path, inset it to stay in the box.
		half := a.BorderWidth / 2
		fmt.Fprintf(&stream, "q %s RG %s w %s %s %s %s re S Q\n",
			a.BorderColor.operands(), formatNumber(a.BorderWidth),
			formatNumber(half), formatNumber(half), formatNumber(a.Width-a.BorderWidth), formatNumber(a.Height-a.BorderWidth))
	}

	return stream.Bytes(), resources(fonts), nil
}

func writeText(stream *bytes.Buffer, a *AppearanceInfo, e TextElement, tpl TemplateContext, fonts map[Font]string) error {
	font := e.Font
	if font == "" {
		font = Helvetica
	}
	name, ok := fonts[font]
	if !ok {
		name = "F" + strconv.Itoa(len(fonts)+1)
		fonts[font] = name
	}

	content := ExpandTemplateVariables(e.Content, tpl)
	encoded, err := encoding.ReplaceUnsupported(charmap.Windows1252.NewEncoder()).String(content)
	if err != nil {
		return fmt.Errorf("failed to encode text: %w", err)
	}

	size := e.Size
	if size <= 0 {
		size = 10
	}
	if e.AutoSize {
		for size > minFontSize && (textWidth(font, encoded, size) > a.Width-e.X-2 || size > a.Height-2) {
			size--
		}
	}

	x := e.X
	switch e.Align {
	case AlignCenter:
		x -= textWidth(font, encoded, size) / 2
	case AlignRight:
		x -= textWidth(font, encoded, size)
	}

	fmt.Fprintf(stream, "q BT /%s %s Tf %s rg %s %s Td (%s) Tj ET Q\n",
		name, formatNumber(size), e.Color.operands(), formatNumber(x), formatNumber(e.Y), escapeString(encoded))
	return nil
}

// textWidth estimates the advance of s. Courier is monospaced, the
// proportional fonts use an average glyph width.
func textWidth(font Font, s string, size float64) float64 {
	per := 0.5
	if strings.HasPrefix(string(font), "Courier") {
		per = 0.6
	}
	return float64(len(s)) * size * per
}

func writeRect(stream *bytes.Buffer, e RectElement) {
	stream.WriteString("q ")
	if e.StrokeWidth > 0 {
		stream.WriteString(formatNumber(e.StrokeWidth) + " w ")
	}
	if e.FillColor != nil {
		stream.WriteString(e.FillColor.operands() + " rg ")
	}
	if e.StrokeColor != nil {
		stream.WriteString(e.StrokeColor.operands() + " RG ")
	}
	fmt.Fprintf(stream, "%s %s %s %s re ", formatNumber(e.X), formatNumber(e.Y), formatNumber(e.Width), formatNumber(e.Height))
	switch {
	case e.FillColor != nil && e.StrokeColor != nil:
		stream.WriteString("B")
	case e.FillColor != nil:
		stream.WriteString("f")
	case e.StrokeColor != nil:
		stream.WriteString("S")
	default:
		stream.WriteString("n")
	}
	stream.WriteString(" Q\n")
}

// writeImage draws e as an inline image. Transparent pixels are composed
// on white.
func writeImage(stream *bytes.Buffer, e ImageElement) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("image data is empty")
	}
	src, _, err := image.Decode(bytes.NewReader(e.Data))
	if err != nil {
		return fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w > maxImageSide || h > maxImageSide {
		if w >= h {
			w, h = maxImageSide, max(1, h*maxImageSide/w)
		} else {
			w, h = max(1, w*maxImageSide/h), maxImageSide
		}
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)

	var raw bytes.Buffer
	zw := zlib.NewWriter(&raw)
	for i := 0; i < len(dst.Pix); i += 4 {
		if _, err := zw.Write(dst.Pix[i : i+3]); err != nil {
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return err
	}

	fmt.Fprintf(stream, "q %s 0 0 %s %s %s cm\n", formatNumber(e.Width), formatNumber(e.Height), formatNumber(e.X), formatNumber(e.Y))
	fmt.Fprintf(stream, "BI /W %d /H %d /CS /RGB /BPC 8 /F [/AHx /Fl] ID\n", w, h)
	stream.WriteString(hex.EncodeToString(raw.Bytes()))
	stream.WriteString(">\nEI Q\n")
	return nil
}

func resources(fonts map[Font]string) string {
	if len(fonts) == 0 {
		return "<< >>"
	}
	names := make([]string, 0, len(fonts))
	byName := make(map[string]Font, len(fonts))
	for font, name := range fonts {
		names = append(names, name)
		byName[name] = font
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("<< /Font <<")
	for _, name := range names {
		fmt.Fprintf(&b, " /%s << /Type /Font /Subtype /Type1 /BaseFont /%s /Encoding /WinAnsiEncoding >>", name, byName[name])
	}
	b.WriteString(" >> >>")
	return b.String()
}

func escapeString(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `(`, `\(`, `)`, `\)`, "\r", `\r`, "\n", `\n`)
	return r.Replace(s)
}

// formatNumber writes f with at most three decimals.
func formatNumber(f float64) string {
	s := strconv.FormatFloat(f, 'f', 3, 64)
	s = strings.TrimRight(strings.TrimRight(s, "0"), ".")
	if s == "-0" || s == "" {
		return "0"
	}
	return s
}
