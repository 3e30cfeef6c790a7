// Package onnx - Frozen image encoder served by ONNX Runtime.
package onnx

import (
	"fmt"
	"runtime"
)

// Provider is an ONNX Runtime execution provider.
type Provider string

const (
	// ProviderCPU runs on the default CPU provider.
	ProviderCPU Provider = "cpu"
	// ProviderCUDA uses NVIDIA CUDA for GPU acceleration.
	ProviderCUDA Provider = "cuda"
	// ProviderCoreML uses Apple CoreML for macOS acceleration.
	ProviderCoreML Provider = "coreml"
	// ProviderOpenVINO uses Intel OpenVINO.
	ProviderOpenVINO Provider = "openvino"
)

// Config describes the exported encoder graph and how to run it.
//
// The graph takes one normalised [Batch, 3, ImageSize, ImageSize] input and produces the
// per-patch features [Batch, Grid*Grid, Width] and the raw box-head outputs
// [Batch, Grid*Grid, 4].
type Config struct {
	// ModelPath is the path to the .onnx file.
	ModelPath string `json:"model_path" yaml:"model_path"`
	// LibraryPath overrides the platform default ONNX Runtime shared library.
	LibraryPath string `json:"library_path" yaml:"library_path"`
	// Provider selects the execution provider.
	Provider Provider `json:"provider" yaml:"provider"`
	// DeviceID selects the GPU for CUDA and OpenVINO.
	DeviceID int `json:"device_id" yaml:"device_id"`
	// Batch is the fixed batch size the session is allocated for.
	Batch int `json:"batch" yaml:"batch"`
	// ImageSize is the square input side in pixels.
	ImageSize int `json:"image_size" yaml:"image_size"`
	// Grid is the number of patches per side.
	Grid int `json:"grid" yaml:"grid"`
	// Width is the feature width.
	Width int `json:"width" yaml:"width"`
	// Input is the name of the pixel input node.
	Input string `json:"input" yaml:"input"`
	// FeaturesOutput is the name of the per-patch feature output node.
	FeaturesOutput string `json:"features_output" yaml:"features_output"`
	// BoxesOutput is the name of the box-head output node.
	BoxesOutput string `json:"boxes_output" yaml:"boxes_output"`
	// IntraOpThreads and InterOpThreads size the runtime thread pools; 0 lets the runtime decide.
	IntraOpThreads int `json:"intra_op_threads" yaml:"intra_op_threads"`
	InterOpThreads int `json:"inter_op_threads" yaml:"inter_op_threads"`
	// Verbose turns on the runtime's own logging.
	Verbose bool `json:"verbose" yaml:"verbose"`
}

// DefaultConfig returns the settings of a ViT-B/32 encoder at 768x768.
func DefaultConfig() Config {
	return Config{
		Provider:       ProviderCPU,
		Batch:          1,
		ImageSize:      768,
		Grid:           24,
		Width:          768,
		Input:          "pixel_values",
		FeaturesOutput: "image_feats",
		BoxesOutput:    "box_logits",
	}
}

// Patches returns the number of patches P.
func (c Config) Patches() int {
	return c.Grid * c.Grid
}

// Validate checks that the configuration can describe a session.
func (c Config) Validate() error {
	if c.ModelPath == "" {
		return fmt.Errorf("model_path is required")
	}
	if c.Batch <= 0 {
		return fmt.Errorf("batch must be positive, got %d", c.Batch)
	}
	if c.ImageSize <= 0 || c.Grid <= 0 || c.Width <= 0 {
		return fmt.Errorf("image_size, grid and width must be positive, got %d, %d, %d",
			c.ImageSize, c.Grid, c.Width)
	}
	if c.ImageSize%c.Grid != 0 {
		return fmt.Errorf("image_size %d is not a multiple of grid %d", c.ImageSize, c.Grid)
	}
	if c.Input == "" || c.FeaturesOutput == "" || c.BoxesOutput == "" {
		return fmt.Errorf("input and output node names are required")
	}
	switch c.Provider {
	case ProviderCPU, ProviderCUDA, ProviderCoreML, ProviderOpenVINO:
	default:
		return fmt.Errorf("unsupported provider: %q", c.Provider)
	}
	return nil
}

// libraryPath returns the configured library or the platform default.
func (c Config) libraryPath() (string, error) {
	if c.LibraryPath != "" {
		return c.LibraryPath, nil
	}
	return SharedLibPath()
}

// SharedLibPath returns the default ONNX Runtime shared library for the current platform.
//
// Returns:
//   - string: The path to the shared library.
//   - error: An error if the platform has no bundled library.
func SharedLibPath() (string, error) {
	switch runtime.GOOS {
	case "windows":
		if runtime.GOARCH == "amd64" {
			return "./third_party/onnxruntime.dll", nil
		}
	case "darwin":
		return "./third_party/libonnxruntime.1.23.0.dylib", nil
	case "linux":
		if runtime.GOARCH == "arm64" {
			return "./third_party/onnxruntime_arm64.so", nil
		}
		return "./third_party/onnxruntime.so", nil
	}
	return "", fmt.Errorf("no onnxruntime library for %s/%s", runtime.GOOS, runtime.GOARCH)
}
