package model

import (
	"encoding/gob"
	"fmt"
	"io"
	"math"
	"math/rand"
	"sync"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

const (
	// headLayers is the number of linear layers in the classification head.
	headLayers = 4
	// geluScale is the slope of the sigmoid approximation x * sigmoid(1.702 x) of GELU.
	geluScale = 1.702
)

// HeadConfig configures a ClassHead.
type HeadConfig struct {
	// Width is the feature width W; every hidden layer has the same width.
	Width int `json:"width" yaml:"width"`
	// Classes is the number of output logits C.
	Classes int `json:"classes" yaml:"classes"`
	// Rows is the number of feature rows per forward pass, B * P.
	Rows int `json:"rows" yaml:"rows"`
	// LearnRate is the Adam step size.
	LearnRate float64 `json:"learn_rate" yaml:"learn_rate"`
	// Clip bounds every gradient element before the step. Zero disables clipping.
	Clip float64 `json:"clip" yaml:"clip"`
	// Seed drives the weight initialisation.
	Seed int64 `json:"seed" yaml:"seed"`
}

// Validate checks the head dimensions.
func (c HeadConfig) Validate() error {
	if c.Width <= 0 || c.Classes <= 0 || c.Rows <= 0 {
		return fmt.Errorf("head dimensions must be positive, got width=%d classes=%d rows=%d",
			c.Width, c.Classes, c.Rows)
	}
	if c.LearnRate <= 0 {
		return fmt.Errorf("learn_rate must be positive, got %f", c.LearnRate)
	}
	if c.Clip < 0 {
		return fmt.Errorf("clip must be non-negative, got %f", c.Clip)
	}
	return nil
}

// ClassHead is the trainable classification head: four linear layers with a GELU-like
// activation between them, mapping [B, P, W] features to [B, P, C] logits.
//
// The graph is built once for a fixed number of rows. The gradient of the loss with
// respect to the logits is fed back in through an upstream node, so that
//
//	d sum(logits * upstream) / d theta = d loss / d theta
//
// and a single symbolic differentiation serves every step.
type ClassHead struct {
	mu  sync.Mutex
	cfg HeadConfig

	g          *G.ExprGraph
	input      *G.Node
	upstream   *G.Node
	logits     *G.Node
	learnables G.Nodes
	vm         G.VM
	solver     G.Solver

	inputValue    *tensor.Dense
	upstreamValue *tensor.Dense
	forwarded     bool
	steps         int
}

// NewClassHead builds the head graph and its Adam solver.
//
// Weights and biases are drawn from U(-1/sqrt(in), 1/sqrt(in)) with the configured seed,
// so two heads with the same configuration start identical.
//
// Arguments:
//   - cfg: The head dimensions and optimiser settings.
//
// Returns:
//   - *ClassHead: The head, ready for Forward.
//   - error: An error if the configuration is invalid or the graph cannot be built.
func NewClassHead(cfg HeadConfig) (*ClassHead, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid head config")
	}

	h := &ClassHead{
		cfg:           cfg,
		g:             G.NewGraph(),
		inputValue:    tensor.New(tensor.WithShape(cfg.Rows, cfg.Width), tensor.Of(tensor.Float32)),
		upstreamValue: tensor.New(tensor.WithShape(cfg.Rows, cfg.Classes), tensor.Of(tensor.Float32)),
	}

	h.input = G.NewMatrix(h.g, tensor.Float32, G.WithShape(cfg.Rows, cfg.Width), G.WithName("features"))
	h.upstream = G.NewMatrix(h.g, tensor.Float32, G.WithShape(cfg.Rows, cfg.Classes), G.WithName("upstream"))

	rng := rand.New(rand.NewSource(cfg.Seed))
	dims := []int{cfg.Width, cfg.Width, cfg.Width, cfg.Width, cfg.Classes}

	out := h.input
	for l := 0; l < headLayers; l++ {
		in, width := dims[l], dims[l+1]
		bound := float32(1 / math.Sqrt(float64(in)))

		w := G.NewMatrix(h.g, tensor.Float32, G.WithShape(in, width),
			G.WithName(fmt.Sprintf("w%d", l)), G.WithValue(uniform(rng, bound, in, width)))
		b := G.NewMatrix(h.g, tensor.Float32, G.WithShape(1, width),
			G.WithName(fmt.Sprintf("b%d", l)), G.WithValue(uniform(rng, bound, 1, width)))
		h.learnables = append(h.learnables, w, b)

		var err error
		if out, err = G.Mul(out, w); err != nil {
			return nil, errors.Wrapf(err, "layer %d matmul", l)
		}
		if out, err = G.BroadcastAdd(out, b, nil, []byte{0}); err != nil {
			return nil, errors.Wrapf(err, "layer %d bias", l)
		}
		if l < headLayers-1 {
			if out, err = gelu(out); err != nil {
				return nil, errors.Wrapf(err, "layer %d activation", l)
			}
		}
	}
	h.logits = out

	weighted, err := G.HadamardProd(h.logits, h.upstream)
	if err != nil {
		return nil, errors.Wrap(err, "upstream product")
	}
	surrogate, err := G.Sum(weighted)
	if err != nil {
		return nil, errors.Wrap(err, "upstream sum")
	}
	if _, err := G.Grad(surrogate, h.learnables...); err != nil {
		return nil, errors.Wrap(err, "symbolic gradient")
	}

	h.vm = G.NewTapeMachine(h.g, G.BindDualValues(h.learnables...))

	opts := []G.SolverOpt{G.WithLearnRate(cfg.LearnRate)}
	if cfg.Clip > 0 {
		opts = append(opts, G.WithClip(cfg.Clip))
	}
	h.solver = G.NewAdamSolver(opts...)

	return h, nil
}

// Config returns the head configuration.
func (h *ClassHead) Config() HeadConfig {
	return h.cfg
}

// Steps returns the number of optimiser steps taken so far.
func (h *ClassHead) Steps() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.steps
}

// Forward computes [B, P, C] logits for [B, P, W] features. The features are kept for the
// next Backward.
func (h *ClassHead) Forward(features *tensor.Dense) (*tensor.Dense, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if features == nil {
		return nil, errors.Wrap(ErrFeatureShape, "nil features")
	}
	s := features.Shape()
	if len(s) != 3 || s[0]*s[1] != h.cfg.Rows || s[2] != h.cfg.Width {
		return nil, errors.Wrapf(ErrFeatureShape,
			"head expects %d rows of width %d, got %v", h.cfg.Rows, h.cfg.Width, s)
	}
	data, ok := features.Data().([]float32)
	if !ok || len(data) != h.cfg.Rows*h.cfg.Width {
		return nil, errors.Wrap(ErrFeatureShape, "features must be contiguous float32")
	}

	copy(h.inputValue.Data().([]float32), data)
	clear(h.upstreamValue.Data().([]float32))

	if err := h.run(); err != nil {
		return nil, err
	}
	logits := make([]float32, h.cfg.Rows*h.cfg.Classes)
	copy(logits, h.logits.Value().Data().([]float32))
	h.vm.Reset()
	h.forwarded = true

	return tensor.New(tensor.WithShape(s[0], s[1], h.cfg.Classes), tensor.WithBacking(logits)), nil
}

// Backward takes one optimiser step from d loss / d logits, shaped like the last Forward
// output. The features of the last Forward are used.
func (h *ClassHead) Backward(grad *tensor.Dense) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.forwarded {
		return ErrNoForward
	}
	if grad == nil || grad.Shape().TotalSize() != h.cfg.Rows*h.cfg.Classes {
		var shape tensor.Shape
		if grad != nil {
			shape = grad.Shape()
		}
		return errors.Wrapf(ErrFeatureShape,
			"gradient must hold %d x %d values, got %v", h.cfg.Rows, h.cfg.Classes, shape)
	}
	data, ok := grad.Data().([]float32)
	if !ok {
		return errors.Wrapf(ErrFeatureShape, "gradient must be float32, got %v", grad.Dtype())
	}

	copy(h.upstreamValue.Data().([]float32), data)
	if err := h.run(); err != nil {
		return err
	}
	defer h.vm.Reset()
	if err := h.solver.Step(G.NodesToValueGrads(h.learnables)); err != nil {
		return errors.Wrap(err, "optimiser step")
	}
	h.steps++

	return nil
}

// run binds the input values and executes the tape once. The caller resets the machine
// after reading what it needs.
func (h *ClassHead) run() error {
	if err := G.Let(h.input, h.inputValue); err != nil {
		return errors.Wrap(err, "bind features")
	}
	if err := G.Let(h.upstream, h.upstreamValue); err != nil {
		return errors.Wrap(err, "bind upstream gradient")
	}
	if err := h.vm.RunAll(); err != nil {
		h.vm.Reset()
		return errors.Wrap(err, "run head")
	}
	return nil
}

// Close releases the tape machine.
func (h *ClassHead) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.vm.Close()
}

// headWeights is the serialised form of a ClassHead's parameters.
type headWeights struct {
	Width   int
	Classes int
	Params  [][]float32
}

// Save writes the head parameters to w.
func (h *ClassHead) Save(w io.Writer) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	hw := headWeights{Width: h.cfg.Width, Classes: h.cfg.Classes}
	for _, n := range h.learnables {
		src := n.Value().Data().([]float32)
		p := make([]float32, len(src))
		copy(p, src)
		hw.Params = append(hw.Params, p)
	}
	return errors.Wrap(gob.NewEncoder(w).Encode(hw), "encode head weights")
}

// Load replaces the head parameters with those read from r. The widths and class count
// must match; the row count may differ.
func (h *ClassHead) Load(r io.Reader) error {
	var hw headWeights
	if err := gob.NewDecoder(r).Decode(&hw); err != nil {
		return errors.Wrap(err, "decode head weights")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if hw.Width != h.cfg.Width || hw.Classes != h.cfg.Classes || len(hw.Params) != len(h.learnables) {
		return errors.Wrapf(ErrFeatureShape, "weights are for width=%d classes=%d, head is width=%d classes=%d",
			hw.Width, hw.Classes, h.cfg.Width, h.cfg.Classes)
	}
	for i, n := range h.learnables {
		dst := n.Value().Data().([]float32)
		if len(dst) != len(hw.Params[i]) {
			return errors.Wrapf(ErrFeatureShape, "parameter %s has %d values, file has %d",
				n.Name(), len(dst), len(hw.Params[i]))
		}
		copy(dst, hw.Params[i])
	}
	return nil
}

// gelu approximates GELU as x * sigmoid(1.702 x).
func gelu(x *G.Node) (*G.Node, error) {
	scaled, err := G.Mul(x, G.NewConstant(float32(geluScale)))
	if err != nil {
		return nil, err
	}
	gate, err := G.Sigmoid(scaled)
	if err != nil {
		return nil, err
	}
	return G.HadamardProd(x, gate)
}

func uniform(rng *rand.Rand, bound float32, rows, cols int) *tensor.Dense {
	data := make([]float32, rows*cols)
	for i := range data {
		data[i] = (2*rng.Float32() - 1) * bound
	}
	return tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(data))
}
