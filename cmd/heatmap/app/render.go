package app

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/golang/freetype"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
)

const (
	dpi             = 96.0
	fontSize        = 10.0
	tickMarkLength  = 5
	pixelsPerLabel  = 60
	stripWidth      = 14
	stripGap        = 4
	legendSwatch    = 10
	legendSpacing   = 16
	timeLabelMargin = 6

	defaultTopBorder    = 40
	defaultLeftBorder   = 110
	defaultBottomBorder = 56
	defaultRightBorder  = 24

	timeFormat = "15:04:05"
)

// BorderConfig defines the sizes of white space around the heat map
type BorderConfig struct {
	Top    int // Space for subcarrier scale
	Left   int // Space for time scale and activity strip
	Bottom int // Space for information bar and legend
	Right  int
}

// RenderConfig holds the visualization options
type RenderConfig struct {
	Session       string
	Scale         int // Pixels per cell
	FontSize      float64
	ColorTheme    ColorTheme
	Bounds        AmplitudeBounds
	NoAnnotations bool
	BorderConfig  BorderConfig
}

// ActivityRenderer draws journaled windows as an amplitude heat map with an
// activity strip
type ActivityRenderer struct {
	colorMap *ColorMapper
	config   RenderConfig
}

func NewActivityRenderer(config RenderConfig) (*ActivityRenderer, error) {
	if config.Scale <= 0 {
		config.Scale = defaultScale
	}
	if config.FontSize == 0 {
		config.FontSize = fontSize
	}
	if config.Bounds.Max <= config.Bounds.Min {
		return nil, fmt.Errorf("invalid amplitude bounds %.2f - %.2f", config.Bounds.Min, config.Bounds.Max)
	}

	if config.NoAnnotations {
		config.BorderConfig = BorderConfig{Left: stripWidth + stripGap}
	} else {
		if config.BorderConfig.Top == 0 {
			config.BorderConfig.Top = defaultTopBorder
		}
		if config.BorderConfig.Left == 0 {
			config.BorderConfig.Left = defaultLeftBorder
		}
		if config.BorderConfig.Bottom == 0 {
			config.BorderConfig.Bottom = defaultBottomBorder
		}
		if config.BorderConfig.Right == 0 {
			config.BorderConfig.Right = defaultRightBorder
		}
	}

	return &ActivityRenderer{
		colorMap: NewColorMapper(config.ColorTheme, config.Bounds),
		config:   config,
	}, nil
}

// Render creates an image of the activity data with annotations
func (r *ActivityRenderer) Render(data *ActivityData) (*image.RGBA, error) {
	if data.Width == 0 || data.Height == 0 {
		return nil, fmt.Errorf("nothing to render")
	}

	borders := r.config.BorderConfig
	scale := r.config.Scale

	fullWidth := data.Width*scale + borders.Left + borders.Right
	fullHeight := data.Height*scale + borders.Top + borders.Bottom
	img := image.NewRGBA(image.Rect(0, 0, fullWidth, fullHeight))

	draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)

	area := image.Rect(borders.Left, borders.Top, borders.Left+data.Width*scale, borders.Top+data.Height*scale)

	activityColors := ActivityColors(data.LabelIndexes())

	if !r.config.NoAnnotations {
		ann, err := newAnnotator(r.config.FontSize, borders, scale)
		if err != nil {
			return nil, fmt.Errorf("creating annotator: %w", err)
		}
		defer ann.Close()

		if err = ann.annotate(img, area, data, r.config.Session, r.config.Bounds, activityColors); err != nil {
			return nil, fmt.Errorf("drawing annotations: %w", err)
		}
	}

	r.renderStrip(img, area, data, activityColors)
	r.renderHeatmap(img, area, data)

	return img, nil
}

func (r *ActivityRenderer) renderHeatmap(img *image.RGBA, area image.Rectangle, data *ActivityData) {
	scale := r.config.Scale
	for y, row := range data.Rows {
		for x := 0; x < data.Width; x++ {
			var amplitude *float64
			if x < len(row) {
				amplitude = row[x]
			}
			cell := image.Rect(area.Min.X+x*scale, area.Min.Y+y*scale, area.Min.X+(x+1)*scale, area.Min.Y+(y+1)*scale)
			draw.Draw(img, cell, image.NewUniform(r.colorMap.GetColor(amplitude)), image.Point{}, draw.Src)
		}
	}
}

func (r *ActivityRenderer) renderStrip(img *image.RGBA, area image.Rectangle, data *ActivityData, colors map[int]color.Color) {
	scale := r.config.Scale
	x1 := area.Min.X - stripGap
	x0 := x1 - stripWidth

	for _, w := range data.Windows {
		c, ok := colors[w.LabelIndex]
		if !ok {
			c = noDataColor
		}
		band := image.Rect(x0, area.Min.Y+w.Row*scale, x1, area.Min.Y+(w.Row+w.Rows)*scale)
		draw.Draw(img, band, image.NewUniform(c), image.Point{}, draw.Src)
	}
}

type annotator struct {
	context  *freetype.Context
	fontFace font.Face
	borders  BorderConfig
	scale    int
}

func newAnnotator(size float64, borders BorderConfig, scale int) (*annotator, error) {
	parsedFont, err := freetype.ParseFont(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("parsing font: %w", err)
	}

	ctx := freetype.NewContext()
	ctx.SetDPI(dpi)
	ctx.SetFont(parsedFont)
	ctx.SetFontSize(size)
	ctx.SetHinting(font.HintingNone)
	ctx.SetSrc(image.Black)

	return &annotator{
		context: ctx,
		fontFace: truetype.NewFace(parsedFont, &truetype.Options{
			Size:    size,
			DPI:     dpi,
			Hinting: font.HintingNone,
		}),
		borders: borders,
		scale:   scale,
	}, nil
}

func (a *annotator) Close() error {
	if a.fontFace != nil {
		return a.fontFace.Close()
	}
	return nil
}

func (a *annotator) fontHeight() int {
	metrics := a.fontFace.Metrics()
	return (metrics.Ascent + metrics.Descent).Round()
}

func (a *annotator) annotate(img *image.RGBA, area image.Rectangle, data *ActivityData, session string, bounds AmplitudeBounds, colors map[int]color.Color) error {
	a.context.SetClip(img.Bounds())
	a.context.SetDst(img)

	ops := []struct {
		msg string
		fn  func() error
	}{
		{"drawing subcarrier scale", func() error { return a.drawSubcarrierScale(img, area, data) }},
		{"drawing time scale", func() error { return a.drawTimeScale(img, area, data) }},
		{"drawing info bar", func() error { return a.drawInfoBar(img, data, session, bounds) }},
		{"drawing legend", func() error { return a.drawLegend(img, data, colors) }},
	}
	for _, op := range ops {
		if err := op.fn(); err != nil {
			return fmt.Errorf("%s: %w", op.msg, err)
		}
	}
	return nil
}

func (a *annotator) drawSubcarrierScale(img *image.RGBA, area image.Rectangle, data *ActivityData) error {
	step := max(1, pixelsPerLabel/a.scale)
	textY := a.borders.Top - tickMarkLength - a.fontHeight()/2

	for col := 0; col < data.Width; col += step {
		x := area.Min.X + col*a.scale + a.scale/2

		for y := a.borders.Top - tickMarkLength; y < a.borders.Top; y++ {
			img.Set(x, y, color.Black)
		}

		label := data.Subcarriers[col]
		width := font.MeasureString(a.fontFace, label)
		if _, err := a.context.DrawString(label, freetype.Pt(x-width.Round()/2, textY)); err != nil {
			return err
		}
	}
	return nil
}

// drawTimeScale labels window starts, skipping windows too close to the
// previous label
func (a *annotator) drawTimeScale(img *image.RGBA, area image.Rectangle, data *ActivityData) error {
	fontHeight := a.fontHeight()
	descent := a.fontFace.Metrics().Descent.Round()
	tickX := area.Min.X - stripWidth - stripGap

	last := -fontHeight * 2
	for _, w := range data.Windows {
		y := area.Min.Y + w.Row*a.scale
		if y-last < fontHeight+timeLabelMargin {
			continue
		}
		last = y

		for x := tickX - tickMarkLength; x < tickX; x++ {
			img.Set(x, y, color.Black)
		}

		pt := freetype.Pt(timeLabelMargin, y+fontHeight/2-descent)
		if _, err := a.context.DrawString(w.Start.Format(timeFormat), pt); err != nil {
			return err
		}
	}
	return nil
}

func (a *annotator) drawInfoBar(img *image.RGBA, data *ActivityData, session string, bounds AmplitudeBounds) error {
	var sb strings.Builder

	if session != "" {
		sb.WriteString(fmt.Sprintf("Session: %s; ", session))
	}
	sb.WriteString(fmt.Sprintf("Windows: %s; ", humanize.Comma(int64(len(data.Windows)))))
	sb.WriteString(fmt.Sprintf("Time: %s - %s; ", data.TimestampStart.Format(timeFormat), data.TimestampEnd.Format(timeFormat)))
	sb.WriteString(fmt.Sprintf("Subcarriers: %d; ", data.Width))
	sb.WriteString(fmt.Sprintf("Amplitude: %.2f - %.2f", bounds.Min, bounds.Max))

	textY := img.Bounds().Max.Y - a.borders.Bottom + a.fontHeight() + 4
	_, err := a.context.DrawString(sb.String(), freetype.Pt(timeLabelMargin, textY))
	return err
}

func (a *annotator) drawLegend(img *image.RGBA, data *ActivityData, colors map[int]color.Color) error {
	fontHeight := a.fontHeight()
	descent := a.fontFace.Metrics().Descent.Round()

	y := img.Bounds().Max.Y - a.borders.Bottom + 2*fontHeight + 10
	x := timeLabelMargin

	for _, index := range data.LabelIndexes() {
		swatch := image.Rect(x, y-legendSwatch, x+legendSwatch, y)
		draw.Draw(img, swatch, image.NewUniform(colors[index]), image.Point{}, draw.Src)
		x += legendSwatch + 4

		label := fmt.Sprintf("%d %s", index, data.Labels[index])
		if _, err := a.context.DrawString(label, freetype.Pt(x, y-descent)); err != nil {
			return err
		}
		x += font.MeasureString(a.fontFace, label).Round() + legendSpacing
	}
	return nil
}
