package onnx

import (
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/nvr-ai/go-ml-finetune/model"
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"gorgonia.org/tensor"
)

var (
	envMu    sync.Mutex
	envUsers int
)

// acquireEnvironment initialises the process-wide runtime on first use.
func acquireEnvironment(libPath string, verbose bool) error {
	envMu.Lock()
	defer envMu.Unlock()

	if envUsers == 0 && !ort.IsInitialized() {
		if verbose {
			ort.SetEnvironmentLogLevel(ort.LoggingLevelVerbose)
		}
		ort.SetSharedLibraryPath(libPath)
		if err := ort.InitializeEnvironment(); err != nil {
			return errors.Wrap(err, "initialize onnxruntime environment")
		}
	}
	envUsers++
	return nil
}

// releaseEnvironment tears the runtime down when its last user goes away.
func releaseEnvironment() error {
	envMu.Lock()
	defer envMu.Unlock()

	envUsers--
	if envUsers > 0 {
		return nil
	}
	envUsers = 0
	return ort.DestroyEnvironment()
}

// Backbone runs a frozen encoder graph and implements model.Backbone.
//
// The input and output tensors are allocated once for the configured batch size and are
// reused by every call; Embed copies the outputs out before returning.
type Backbone struct {
	mu      sync.Mutex
	cfg     Config
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	feats   *ort.Tensor[float32]
	boxes   *ort.Tensor[float32]
}

var _ model.Backbone = (*Backbone)(nil)

// NewBackbone loads the encoder graph into an ONNX Runtime session.
//
// Order of operations:
//  1. Library path check: the native runtime must be present.
//  2. Environment setup, once per process.
//  3. Tensor allocation for the fixed batch shape.
//  4. Session options and execution provider.
//  5. Session creation, binding the preallocated tensors.
//
// Arguments:
//   - cfg: The graph layout and runtime settings.
//
// Returns:
//   - *Backbone: The loaded backbone. Close must be called to release native memory.
//   - error: An error if the library, model or session cannot be set up.
func NewBackbone(cfg Config) (*Backbone, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid onnx config")
	}

	libPath, err := cfg.libraryPath()
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(libPath); os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "onnxruntime library not found at %s", libPath)
	}
	if _, err := os.Stat(cfg.ModelPath); os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "model file not found at %s", cfg.ModelPath)
	}

	if err := acquireEnvironment(libPath, cfg.Verbose); err != nil {
		return nil, err
	}

	b := &Backbone{cfg: cfg}
	if err := b.allocate(); err != nil {
		b.destroyTensors()
		_ = releaseEnvironment()
		return nil, err
	}

	options, err := newSessionOptions(cfg)
	if err != nil {
		b.destroyTensors()
		_ = releaseEnvironment()
		return nil, err
	}
	defer options.Destroy()

	b.session, err = ort.NewAdvancedSession(
		cfg.ModelPath,
		[]string{cfg.Input},
		[]string{cfg.FeaturesOutput, cfg.BoxesOutput},
		[]ort.Value{b.input},
		[]ort.Value{b.feats, b.boxes},
		options,
	)
	if err != nil {
		b.destroyTensors()
		_ = releaseEnvironment()
		return nil, errors.Wrap(err, "create onnxruntime session")
	}

	log.Printf("✅ backbone loaded from %s", cfg.ModelPath)
	log.Printf("📋 input %s [%d, 3, %d, %d], %d patches of width %d, provider %s",
		cfg.Input, cfg.Batch, cfg.ImageSize, cfg.ImageSize, cfg.Patches(), cfg.Width, cfg.Provider)

	return b, nil
}

func (b *Backbone) allocate() error {
	var err error
	side := int64(b.cfg.ImageSize)
	batch := int64(b.cfg.Batch)
	patches := int64(b.cfg.Patches())

	if b.input, err = ort.NewEmptyTensor[float32](ort.NewShape(batch, 3, side, side)); err != nil {
		return errors.Wrap(err, "allocate input tensor")
	}
	if b.feats, err = ort.NewEmptyTensor[float32](ort.NewShape(batch, patches, int64(b.cfg.Width))); err != nil {
		return errors.Wrap(err, "allocate feature tensor")
	}
	if b.boxes, err = ort.NewEmptyTensor[float32](ort.NewShape(batch, patches, 4)); err != nil {
		return errors.Wrap(err, "allocate box tensor")
	}
	return nil
}

// newSessionOptions applies threading, graph optimisation and the execution provider.
func newSessionOptions(cfg Config) (*ort.SessionOptions, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "create session options")
	}

	fail := func(err error, what string) (*ort.SessionOptions, error) {
		options.Destroy()
		return nil, errors.Wrap(err, what)
	}

	if err := options.SetIntraOpNumThreads(cfg.IntraOpThreads); err != nil {
		return fail(err, "set intra-op threads")
	}
	if err := options.SetInterOpNumThreads(cfg.InterOpThreads); err != nil {
		return fail(err, "set inter-op threads")
	}
	if err := options.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableExtended); err != nil {
		return fail(err, "set graph optimization level")
	}

	switch cfg.Provider {
	case ProviderCUDA:
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return fail(err, "create CUDA options")
		}
		defer cuda.Destroy()
		if err := cuda.Update(map[string]string{"device_id": fmt.Sprintf("%d", cfg.DeviceID)}); err != nil {
			return fail(err, "configure CUDA")
		}
		if err := options.AppendExecutionProviderCUDA(cuda); err != nil {
			return fail(err, "enable CUDA")
		}
	case ProviderCoreML:
		if err := options.AppendExecutionProviderCoreML(0); err != nil {
			return fail(err, "enable CoreML")
		}
	case ProviderOpenVINO:
		if err := options.AppendExecutionProviderOpenVINO(map[string]string{
			"device_id": fmt.Sprintf("%d", cfg.DeviceID),
		}); err != nil {
			return fail(err, "enable OpenVINO")
		}
	}

	return options, nil
}

// Config returns the configuration the backbone was loaded with.
func (b *Backbone) Config() Config {
	return b.cfg
}

// Embed implements model.Backbone.
func (b *Backbone) Embed(pixels *tensor.Dense) (*model.FeatureMap, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.session == nil {
		return nil, errors.New("backbone is closed")
	}
	want := tensor.Shape{b.cfg.Batch, 3, b.cfg.ImageSize, b.cfg.ImageSize}
	if pixels == nil || !pixels.Shape().Eq(want) {
		return nil, errors.Wrapf(model.ErrFeatureShape, "pixels must be %v", want)
	}
	data, ok := pixels.Data().([]float32)
	if !ok {
		return nil, errors.Wrapf(model.ErrFeatureShape, "pixels must be float32, got %v", pixels.Dtype())
	}

	copy(b.input.GetData(), data)
	if err := b.session.Run(); err != nil {
		return nil, errors.Wrap(err, "run backbone")
	}

	patches := b.cfg.Patches()
	return &model.FeatureMap{
		Features:  denseCopy(b.feats.GetData(), b.cfg.Batch, patches, b.cfg.Width),
		BoxLogits: denseCopy(b.boxes.GetData(), b.cfg.Batch, patches, 4),
		Grid:      b.cfg.Grid,
	}, nil
}

// Close releases the session, its tensors and, for the last backbone, the environment.
func (b *Backbone) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.session == nil {
		return nil
	}
	err := b.session.Destroy()
	b.session = nil
	b.destroyTensors()
	if envErr := releaseEnvironment(); err == nil {
		err = envErr
	}
	if err != nil {
		return errors.Wrap(err, "close backbone")
	}

	log.Printf("🔒 backbone %s closed", b.cfg.ModelPath)
	return nil
}

func (b *Backbone) destroyTensors() {
	for _, t := range []*ort.Tensor[float32]{b.input, b.feats, b.boxes} {
		if t != nil {
			_ = t.Destroy()
		}
	}
	b.input, b.feats, b.boxes = nil, nil, nil
}

// denseCopy copies a runtime buffer into a fresh tensor of the given shape.
func denseCopy(src []float32, shape ...int) *tensor.Dense {
	dst := make([]float32, len(src))
	copy(dst, src)
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(dst))
}
