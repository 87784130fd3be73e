package pades

import (
	"github.com/digitorus/pades/internal/render"
	"github.com/digitorus/pades/sign"
)

// Millimeter converts millimeters to PDF user space units (1/72 inch).
const Millimeter = 72 / 25.4

// Font is a standard Type 1 font, available in every reader without
// embedding.
type Font = render.Font

const (
	Helvetica        = render.Helvetica
	HelveticaBold    = render.HelveticaBold
	HelveticaOblique = render.HelveticaOblique
	TimesRoman       = render.TimesRoman
	TimesBold        = render.TimesBold
	Courier          = render.Courier
	CourierBold      = render.CourierBold
)

// TextAlign positions text relative to its X coordinate.
type TextAlign = render.TextAlign

const (
	AlignLeft   = render.AlignLeft
	AlignCenter = render.AlignCenter
	AlignRight  = render.AlignRight
)

// Appearance is the visible content of a signature widget. Coordinates are
// in PDF user space units relative to the lower left corner of the box.
//
// Text may contain {{Name}}, {{Reason}}, {{Location}}, {{Date}} and
// {{Initials}}, expanded from the signature properties at signing time.
type Appearance struct {
	width, height float64
	elements      []render.Element
	bgColor       *render.Color
	borderWidth   float64
	borderColor   *render.Color
}

// NewAppearance returns an empty width by height appearance.
func NewAppearance(width, height float64) *Appearance {
	return &Appearance{width: width, height: height}
}

// Standard lays out the signer name followed by the reason, location and
// signing date.
//
//	app := pades.NewAppearance(200, 60).Standard()
func (a *Appearance) Standard() *Appearance {
	line := a.height / 5
	padding := 4.0

	a.Text("{{Name}}").Font(HelveticaBold, 12).Position(padding, a.height-line-padding).AutoSize()
	a.Text("Reason: {{Reason}}").Font(Helvetica, 8).Position(padding, a.height-2*line-padding)
	a.Text("Location: {{Location}}").Font(Helvetica, 8).Position(padding, a.height-3*line-padding)
	a.Text("Date: {{Date}}").Font(Helvetica, 8).Position(padding, a.height-4*line-padding)
	return a
}

func (a *Appearance) Width() float64 {
	return a.width
}

func (a *Appearance) Height() float64 {
	return a.height
}

// Background fills the box.
func (a *Appearance) Background(r, g, b uint8) *Appearance {
	a.bgColor = &render.Color{R: r, G: g, B: b}
	return a
}

// Border strokes the edge of the box.
func (a *Appearance) Border(width float64, r, g, b uint8) *Appearance {
	a.borderWidth = width
	a.borderColor = &render.Color{R: r, G: g, B: b}
	return a
}

// Text adds a line of 10 point black Helvetica at the origin.
func (a *Appearance) Text(content string) *TextBuilder {
	a.elements = append(a.elements, render.TextElement{Content: content, Font: Helvetica, Size: 10})
	return &TextBuilder{appearance: a, index: len(a.elements) - 1}
}

// Image adds a PNG, JPEG, GIF, BMP, TIFF or WebP image stretched over the
// whole box. Large images are downscaled.
func (a *Appearance) Image(data []byte) *ImageBuilder {
	a.elements = append(a.elements, render.ImageElement{Data: data, Width: a.width, Height: a.height})
	return &ImageBuilder{appearance: a, index: len(a.elements) - 1}
}

// Line adds a black line of width 1.
func (a *Appearance) Line(x1, y1, x2, y2 float64) *LineBuilder {
	a.elements = append(a.elements, render.LineElement{X1: x1, Y1: y1, X2: x2, Y2: y2, StrokeWidth: 1})
	return &LineBuilder{appearance: a, index: len(a.elements) - 1}
}

// Rect adds a rectangle stroked in black.
func (a *Appearance) Rect(x, y, width, height float64) *RectBuilder {
	a.elements = append(a.elements, render.RectElement{X: x, Y: y, Width: width, Height: height, StrokeColor: &render.Color{}, StrokeWidth: 1})
	return &RectBuilder{appearance: a, index: len(a.elements) - 1}
}

// widget renders the appearance at x, y on page.
func (a *Appearance) widget(page int, x, y float64, tpl render.TemplateContext) (*sign.Appearance, error) {
	stream, resources, err := render.Render(&render.AppearanceInfo{
		Width:       a.width,
		Height:      a.height,
		Elements:    a.elements,
		BGColor:     a.bgColor,
		BorderWidth: a.borderWidth,
		BorderColor: a.borderColor,
	}, tpl)
	if err != nil {
		return nil, err
	}
	return &sign.Appearance{
		Page:      page,
		Rect:      [4]float64{x, y, x + a.width, y + a.height},
		Stream:    stream,
		Resources: resources,
	}, nil
}

// TextBuilder configures a text element added by Appearance.Text.
type TextBuilder struct {
	appearance *Appearance
	index      int
}

func (b *TextBuilder) update(f func(e *render.TextElement)) *TextBuilder {
	e := b.appearance.elements[b.index].(render.TextElement)
	f(&e)
	b.appearance.elements[b.index] = e
	return b
}

func (b *TextBuilder) Font(font Font, size float64) *TextBuilder {
	return b.update(func(e *render.TextElement) {
		e.Font = font
		e.Size = size
	})
}

// Position sets the baseline origin of the text.
func (b *TextBuilder) Position(x, y float64) *TextBuilder {
	return b.update(func(e *render.TextElement) {
		e.X = x
		e.Y = y
	})
}

func (b *TextBuilder) Color(r, g, bl uint8) *TextBuilder {
	return b.update(func(e *render.TextElement) {
		e.Color = render.Color{R: r, G: g, B: bl}
	})
}

func (b *TextBuilder) Align(align TextAlign) *TextBuilder {
	return b.update(func(e *render.TextElement) {
		e.Align = align
	})
}

// AutoSize shrinks the font until the text fits the box.
func (b *TextBuilder) AutoSize() *TextBuilder {
	return b.update(func(e *render.TextElement) {
		e.AutoSize = true
	})
}

// ImageBuilder configures an image added by Appearance.Image.
type ImageBuilder struct {
	appearance *Appearance
	index      int
}

// Rect places the image in a rectangle of the box.
func (b *ImageBuilder) Rect(x, y, width, height float64) *ImageBuilder {
	e := b.appearance.elements[b.index].(render.ImageElement)
	e.X, e.Y, e.Width, e.Height = x, y, width, height
	b.appearance.elements[b.index] = e
	return b
}

// LineBuilder configures a line added by Appearance.Line.
type LineBuilder struct {
	appearance *Appearance
	index      int
}

func (b *LineBuilder) Stroke(width float64, r, g, bl uint8) *LineBuilder {
	e := b.appearance.elements[b.index].(render.LineElement)
	e.StrokeWidth = width
	e.StrokeColor = render.Color{R: r, G: g, B: bl}
	b.appearance.elements[b.index] = e
	return b
}

// RectBuilder configures a rectangle added by Appearance.Rect.
type RectBuilder struct {
	appearance *Appearance
	index      int
}

func (b *RectBuilder) Stroke(width float64, r, g, bl uint8) *RectBuilder {
	e := b.appearance.elements[b.index].(render.RectElement)
	e.StrokeWidth = width
	e.StrokeColor = &render.Color{R: r, G: g, B: bl}
	b.appearance.elements[b.index] = e
	return b
}

// NoStroke leaves the outline of the rectangle undrawn.
func (b *RectBuilder) NoStroke() *RectBuilder {
	e := b.appearance.elements[b.index].(render.RectElement)
	e.StrokeColor = nil
	e.StrokeWidth = 0
	b.appearance.elements[b.index] = e
	return b
}

func (b *RectBuilder) Fill(r, g, bl uint8) *RectBuilder {
	e := b.appearance.elements[b.index].(render.RectElement)
	e.FillColor = &render.Color{R: r, G: g, B: bl}
	b.appearance.elements[b.index] = e
	return b
}
