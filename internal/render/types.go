package render

// Color is an RGB color.
type Color struct {
	R, G, B uint8
}

func (c Color) operands() string {
	return formatNumber(float64(c.R)/255) + " " + formatNumber(float64(c.G)/255) + " " + formatNumber(float64(c.B)/255)
}

// TextAlign positions text relative to its X coordinate.
type TextAlign int

const (
	// AlignLeft starts the text at X.
	AlignLeft TextAlign = iota
	// AlignCenter centers the text on X.
	AlignCenter
	// AlignRight ends the text at X.
	AlignRight
)

// Font is one of the standard Type 1 fonts every reader provides. Fonts are
// referenced by name and never embedded.
type Font string

const (
	Helvetica        Font = "Helvetica"
	HelveticaBold    Font = "Helvetica-Bold"
	HelveticaOblique Font = "Helvetica-Oblique"
	TimesRoman       Font = "Times-Roman"
	TimesBold        Font = "Times-Bold"
	Courier          Font = "Courier"
	CourierBold      Font = "Courier-Bold"
)

// AppearanceInfo is the content of a signature widget in a Width by Height
// box.
type AppearanceInfo struct {
	Width, Height float64
	Elements      []Element
	BGColor       *Color
	BorderWidth   float64
	BorderColor   *Color
}

// Element is drawn into an appearance in order.
type Element interface {
	isElement()
}

// TextElement draws a single line. Content may hold template variables.
type TextElement struct {
	Content string
	Font    Font
	Size    float64
	X, Y    float64
	Color   Color
	Align   TextAlign
	// AutoSize shrinks the font until the line fits the box.
	AutoSize bool
}

func (TextElement) isElement() {}

// LineElement draws a straight line.
type LineElement struct {
	X1, Y1, X2, Y2 float64
	StrokeColor    Color
	StrokeWidth    float64
}

func (LineElement) isElement() {}

// RectElement draws a rectangle, filled, stroked or both.
type RectElement struct {
	X, Y, Width, Height    float64
	StrokeColor, FillColor *Color
	StrokeWidth            float64
}

func (RectElement) isElement() {}

// ImageElement draws an encoded raster image (PNG, JPEG, GIF, BMP, TIFF or
// WebP) scaled into the rectangle.
type ImageElement struct {
	Data                []byte
	X, Y, Width, Height float64
}

func (ImageElement) isElement() {}
