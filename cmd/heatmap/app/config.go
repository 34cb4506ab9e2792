package app

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
)

const (
	ImagePNG  = "png"
	ImageJPEG = "jpeg"

	defaultScale = 4
)

type ImageFormat string

type Config struct {
	DBPath        string
	Session       string // Database ID or UUID
	OutputFile    string
	Format        ImageFormat
	Theme         ColorTheme
	Scale         int // Pixels per cell
	MinAmplitude  *float64
	MaxAmplitude  *float64
	MinConfidence float64
	Verbose       bool
	NoAnnotations bool
}

var validImageFormats = map[ImageFormat]struct{}{
	ImagePNG:  {},
	ImageJPEG: {},
}

var validThemes = map[ColorTheme]struct{}{
	DefaultTheme:   {},
	ClassicTheme:   {},
	GrayscaleTheme: {},
	JungleTheme:    {},
	ThermalTheme:   {},
	MarineTheme:    {},
}

func NewConfig() *Config {
	return &Config{
		Format: ImagePNG,
		Theme:  DefaultTheme,
		Scale:  defaultScale,
	}
}

func NewConfigFromCLI() (*Config, error) {
	return parseFlags(flag.CommandLine, os.Args[1:])
}

func parseFlags(fs *flag.FlagSet, args []string) (*Config, error) {
	c := NewConfig()

	var imageFormat, theme string
	var minAmplitude, maxAmplitude float64
	fs.StringVar(&c.DBPath, "db", "", "Path to the journal database file")
	fs.StringVar(&c.Session, "s", "1", "Session ID or UUID")
	fs.StringVar(&c.OutputFile, "o", "", "Path to the output file, without extension")
	fs.StringVar(&imageFormat, "f", string(ImagePNG), "Output image format. [png, jpeg]")
	fs.StringVar(&theme, "theme", string(DefaultTheme), "Color theme. [default, classic, grayscale, jungle, thermal, marine]")
	fs.IntVar(&c.Scale, "scale", defaultScale, "Pixels per window cell")
	fs.Float64Var(&minAmplitude, "min-amp", 0, "Define a manual minimum amplitude")
	fs.Float64Var(&maxAmplitude, "max-amp", 0, "Define a manual maximum amplitude")
	fs.Float64Var(&c.MinConfidence, "min-confidence", 0, "Skip windows classified below this confidence")
	fs.BoolVar(&c.Verbose, "verbose", false, "Enable more verbose output")
	fs.BoolVar(&c.NoAnnotations, "no-annotations", false, "Disable annotations such as time and subcarrier scales")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	imageFormat = strings.ToLower(imageFormat)
	theme = strings.ToLower(theme)

	fs.Visit(func(f *flag.Flag) {
		if f.Name == "min-amp" {
			c.MinAmplitude = &minAmplitude
		}
		if f.Name == "max-amp" {
			c.MaxAmplitude = &maxAmplitude
		}
	})

	var err error
	if c.DBPath == "" {
		err = errors.New("db path is required")
	} else if c.Session == "" {
		err = errors.New("session is required")
	} else if c.OutputFile == "" {
		err = errors.New("output file is required")
	} else if _, ok := validImageFormats[ImageFormat(imageFormat)]; !ok {
		err = fmt.Errorf("invalid image format: %s", imageFormat)
	} else if _, ok := validThemes[ColorTheme(theme)]; !ok {
		err = fmt.Errorf("invalid color theme: %s", theme)
	} else if c.Scale < 1 {
		err = fmt.Errorf("invalid scale: %d", c.Scale)
	} else if c.MinAmplitude != nil && c.MaxAmplitude != nil && *c.MinAmplitude >= *c.MaxAmplitude {
		err = errors.New("min amplitude must be below max amplitude")
	}

	if err != nil {
		fs.Usage()
		return nil, err
	}

	c.Format = ImageFormat(imageFormat)
	c.Theme = ColorTheme(theme)
	c.OutputFile = fmt.Sprintf("%s.%s", c.OutputFile, c.Format)
	return c, nil
}
