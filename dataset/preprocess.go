package dataset

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"sync"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
)

// CLIP channel statistics.
var (
	CLIPMean = [3]float32{0.48145466, 0.4578275, 0.40821073}
	CLIPStd  = [3]float32{0.26862954, 0.26130258, 0.27577711}
)

// PreprocessConfig defines how images are turned into model input.
type PreprocessConfig struct {
	// Size is the square side the image is resized to.
	Size int `json:"size" yaml:"size"`
	// Mean and Std standardise each RGB channel after scaling to [0, 1].
	Mean [3]float32 `json:"mean" yaml:"mean"`
	Std  [3]float32 `json:"std" yaml:"std"`
}

// DefaultPreprocessConfig returns the CLIP preprocessing at 768x768.
func DefaultPreprocessConfig() PreprocessConfig {
	return PreprocessConfig{Size: 768, Mean: CLIPMean, Std: CLIPStd}
}

// Validate checks the preprocessing parameters.
func (c PreprocessConfig) Validate() error {
	if c.Size <= 0 {
		return fmt.Errorf("size must be positive, got %d", c.Size)
	}
	for i, s := range c.Std {
		if s <= 0 {
			return fmt.Errorf("std[%d] must be positive, got %f", i, s)
		}
	}
	return nil
}

// Preprocessed is one image ready for the backbone.
type Preprocessed struct {
	// Data is the [3, Size, Size] CHW tensor data.
	Data []float32
	// OriginalWidth and OriginalHeight are the decoded image dimensions.
	OriginalWidth  int
	OriginalHeight int
}

// Preprocessor decodes, resizes and normalises images.
type Preprocessor struct {
	cfg        PreprocessConfig
	bufferPool *sync.Pool
}

// NewPreprocessor creates a preprocessor.
//
// Arguments:
//   - cfg: The target size and channel statistics.
//
// Returns:
//   - *Preprocessor: A preprocessor safe for concurrent use.
//   - error: An error if the configuration is invalid.
//
// @example
// p, err := dataset.NewPreprocessor(dataset.DefaultPreprocessConfig())
//
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// out, err := p.Load("data/images/0001.jpg")
func NewPreprocessor(cfg PreprocessConfig) (*Preprocessor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid preprocess config")
	}
	return &Preprocessor{
		cfg: cfg,
		bufferPool: &sync.Pool{
			New: func() interface{} {
				return new(bytes.Buffer)
			},
		},
	}, nil
}

// Config returns the preprocessing configuration.
func (p *Preprocessor) Config() PreprocessConfig {
	return p.cfg
}

// Load reads and preprocesses an image file.
func (p *Preprocessor) Load(path string) (*Preprocessed, error) {
	img, err := p.Decode(path)
	if err != nil {
		return nil, err
	}
	return p.Preprocess(img), nil
}

// Decode reads an image file without preprocessing it.
func (p *Preprocessor) Decode(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	buf := p.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		p.bufferPool.Put(buf)
	}()
	if _, err := buf.ReadFrom(f); err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}

	img, _, err := image.Decode(bytes.NewReader(buf.Bytes()))
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	return img, nil
}

// Preprocess resizes an image to Size x Size, ignoring the aspect ratio, and returns the
// standardised CHW tensor.
func (p *Preprocessor) Preprocess(img image.Image) *Preprocessed {
	bounds := img.Bounds()
	size := p.cfg.Size

	resized := img
	if bounds.Dx() != size || bounds.Dy() != size {
		resized = resize.Resize(uint(size), uint(size), img, resize.Bicubic)
	}

	return &Preprocessed{
		Data:           p.toTensor(resized),
		OriginalWidth:  bounds.Dx(),
		OriginalHeight: bounds.Dy(),
	}
}

// toTensor converts an image to CHW float32 and applies (x / 255 - mean) / std.
func (p *Preprocessor) toTensor(img image.Image) []float32 {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	plane := width * height
	out := make([]float32, 3*plane)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			px := [3]float32{float32(r>>8) / 255, float32(g>>8) / 255, float32(b>>8) / 255}
			for c := 0; c < 3; c++ {
				out[c*plane+y*width+x] = (px[c] - p.cfg.Mean[c]) / p.cfg.Std[c]
			}
		}
	}
	return out
}
