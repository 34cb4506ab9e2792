package app

import (
	"image/color"
	"math"

	"github.com/lucasb-eyer/go-colorful"
)

// ColorTheme represents a predefined color scheme for amplitude visualization
type ColorTheme string

const (
	DefaultTheme   ColorTheme = "default"   // Dark blue through cyan and yellow to red
	ClassicTheme   ColorTheme = "classic"   // Blue to red transition
	GrayscaleTheme ColorTheme = "grayscale" // Black to white transition
	JungleTheme    ColorTheme = "jungle"    // Dark green to yellow transition
	ThermalTheme   ColorTheme = "thermal"   // Black to red to yellow to white
	MarineTheme    ColorTheme = "marine"    // Deep blue to cyan to white

	DefaultColorMapSize = 256
)

var noDataColor = color.RGBA{R: 0x30, G: 0x30, B: 0x30, A: 0xff}

// ColorMapper maps amplitudes onto a pre-computed gradient
type ColorMapper struct {
	colorMap    []color.Color
	theme       func(float64) colorful.Color
	themeName   ColorTheme
	size        int
	perIndex    float64 // Amplitude range per index step
	boundsMin   float64
	boundsRange float64
}

// NewColorMapper creates a color mapper with the default size
func NewColorMapper(theme ColorTheme, bounds AmplitudeBounds) *ColorMapper {
	return NewColorMapperWithSize(theme, bounds, DefaultColorMapSize)
}

// NewColorMapperWithSize creates a color mapper with size pre-computed colors
func NewColorMapperWithSize(theme ColorTheme, bounds AmplitudeBounds, size int) *ColorMapper {
	if size <= 1 {
		size = DefaultColorMapSize
	}

	cm := &ColorMapper{
		colorMap:  make([]color.Color, size),
		theme:     getColorTheme(theme),
		themeName: theme,
		size:      size,
	}
	for i := 0; i < cm.size; i++ {
		cm.colorMap[i] = cm.theme(float64(i) / float64(cm.size-1)).Clamped()
	}
	cm.UpdateBounds(bounds)
	return cm
}

// UpdateBounds changes the amplitude range covered by the gradient
func (cm *ColorMapper) UpdateBounds(bounds AmplitudeBounds) {
	cm.boundsMin = bounds.Min
	cm.boundsRange = bounds.Max - bounds.Min
	cm.perIndex = cm.boundsRange / float64(cm.size-1)
}

// GetColor returns the color for amplitude; nil means no data
func (cm *ColorMapper) GetColor(amplitude *float64) color.Color {
	if amplitude == nil || cm.perIndex <= 0 {
		return noDataColor
	}

	index := int((*amplitude - cm.boundsMin) / cm.perIndex)
	if index < 0 {
		return cm.colorMap[0]
	}
	if index >= cm.size {
		return cm.colorMap[cm.size-1]
	}
	return cm.colorMap[index]
}

// Gradient returns the color at position p in [0, 1]
func (cm *ColorMapper) Gradient(p float64) color.Color {
	p = math.Max(0, math.Min(1, p))
	return cm.colorMap[int(p*float64(cm.size-1))]
}

func (cm *ColorMapper) ThemeName() ColorTheme {
	return cm.themeName
}

func (cm *ColorMapper) Size() int {
	return cm.size
}

func getColorTheme(theme ColorTheme) func(float64) colorful.Color {
	switch theme {
	case ClassicTheme:
		return func(v float64) colorful.Color {
			return colorful.Hsv(240-(v*240), 0.9+(v*0.1), math.Pow(v, 0.7))
		}

	case GrayscaleTheme:
		return func(v float64) colorful.Color {
			g := math.Pow(v, 0.7)
			return colorful.Color{R: g, G: g, B: g}
		}

	case JungleTheme:
		return func(v float64) colorful.Color {
			return colorful.Hsv(120-(v*60), 1, 0.3+(math.Pow(v, 0.6)*0.7))
		}

	case ThermalTheme:
		return func(v float64) colorful.Color {
			switch {
			case v < 0.33:
				return colorful.Color{R: v * 3}
			case v < 0.66:
				return colorful.Color{R: 1, G: (v - 0.33) * 3}
			default:
				return colorful.Color{R: 1, G: 1, B: (v - 0.66) * 3}
			}
		}

	case MarineTheme:
		return func(v float64) colorful.Color {
			return colorful.Hsv(240-(v*60), 1-(v*0.8), 0.3+(math.Pow(v, 0.6)*0.7))
		}

	default:
		// blend in perceptual space between fixed stops
		stops := []colorful.Color{
			colorful.Hsv(240, 1, 0.25),
			colorful.Hsv(200, 1, 0.8),
			colorful.Hsv(60, 1, 1),
			colorful.Hsv(0, 1, 1),
		}
		return func(v float64) colorful.Color {
			v = math.Max(0, math.Min(1, v))
			pos := v * float64(len(stops)-1)
			i := min(int(pos), len(stops)-2)
			return stops[i].BlendLab(stops[i+1], pos-float64(i))
		}
	}
}

// ActivityColors assigns each class index an evenly spaced hue
func ActivityColors(indexes []int) map[int]color.Color {
	colors := make(map[int]color.Color, len(indexes))
	for i, index := range indexes {
		hue := 360 * float64(i) / float64(max(len(indexes), 1))
		colors[index] = colorful.Hcl(hue, 0.6, 0.7).Clamped()
	}
	return colors
}
