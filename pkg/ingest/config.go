package ingest

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// RGB is an opaque background colour.
type RGB struct {
	R uint8 `yaml:"r" json:"r"`
	G uint8 `yaml:"g" json:"g"`
	B uint8 `yaml:"b" json:"b"`
}

// Output formats.
const (
	FormatJPEG = "jpeg"
	FormatPNG  = "png"
	FormatWEBP = "webp"
)

// Config is the processing configuration of one session. It is immutable once
// a session has been built from it.
type Config struct {
	CanvasSize      int           `yaml:"canvasSize" json:"canvasSize" validate:"gte=1,lte=10000"`
	Quality         int           `yaml:"quality" json:"quality" validate:"gte=1,lte=100"`
	Background      RGB           `yaml:"background" json:"background"`
	OutputFormat    string        `yaml:"outputFormat" json:"outputFormat" validate:"oneof=jpeg png webp"`
	MaxConcurrency  int           `yaml:"maxConcurrency" json:"maxConcurrency" validate:"gte=1,lte=4"`
	MaxRetries      int           `yaml:"maxRetries" json:"maxRetries" validate:"gte=0,lte=5"`
	SizeLimitBytes  int64         `yaml:"sizeLimitBytes" json:"sizeLimitBytes" validate:"gte=1"`
	// MaxSourcePixels caps width*height of a source image before it is
	// decoded. 0 means DefaultMaxSourcePixels.
	MaxSourcePixels int64         `yaml:"maxSourcePixels" json:"maxSourcePixels" validate:"gte=0"`
	RetryBaseDelay  time.Duration `yaml:"retryBaseDelay" json:"retryBaseDelay"`
	DryRun          bool          `yaml:"dryRun" json:"dryRun"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		CanvasSize:     1200,
		Quality:        90,
		Background:     RGB{R: 255, G: 255, B: 255},
		OutputFormat:   FormatJPEG,
		MaxConcurrency: 1,
		MaxRetries:     3,
		SizeLimitBytes: 10 * 1024 * 1024,
		RetryBaseDelay: time.Second,
	}
}

var validate = validator.New()

// Validate checks ranges and enumerations.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s=%s (got %v)", fe.Field(), fe.Tag(), fe.Param(), fe.Value()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.RetryBaseDelay < 0 {
		return fmt.Errorf("%w: retryBaseDelay must not be negative", ErrInvalidConfig)
	}
	return nil
}

// MaxAttempts is the per-item upload attempt budget.
func (c Config) MaxAttempts() int {
	if c.MaxRetries < 1 {
		return 1
	}
	return c.MaxRetries
}

// DefaultMaxSourcePixels is the source pixel cap used when the config leaves
// MaxSourcePixels at zero.
const DefaultMaxSourcePixels = 50_000_000

// PixelLimit is the effective source pixel cap.
func (c Config) PixelLimit() int64 {
	if c.MaxSourcePixels <= 0 {
		return DefaultMaxSourcePixels
	}
	return c.MaxSourcePixels
}

// OutputExtension is the file extension (with dot) of processed outputs.
func (c Config) OutputExtension() string {
	switch c.OutputFormat {
	case FormatPNG:
		return ".png"
	case FormatWEBP:
		return ".webp"
	}
	return ".jpg"
}

// OutputMediaType is the MIME type of processed outputs.
func (c Config) OutputMediaType() string {
	switch c.OutputFormat {
	case FormatPNG:
		return "image/png"
	case FormatWEBP:
		return "image/webp"
	}
	return "image/jpeg"
}

// ParseConfig decodes YAML over the defaults and validates the result.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: decode yaml: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads a YAML config file. An empty path yields the defaults.
func LoadConfig(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultConfig(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return ParseConfig(data)
}
