package dataset

import (
	"fmt"
	"log"
	"math/rand"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/nvr-ai/go-ml-finetune/boxes"
	"github.com/nvr-ai/go-ml-finetune/loss"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// CollatorConfig configures batch assembly.
type CollatorConfig struct {
	// Root is the directory image file names are relative to.
	Root string `json:"root" yaml:"root"`
	// BatchSize is the number of images per batch.
	BatchSize int `json:"batch_size" yaml:"batch_size"`
	// Predictions is the model's prediction count P. Images with more annotations are skipped.
	Predictions int `json:"predictions" yaml:"predictions"`
	// Shuffle reorders samples every epoch.
	Shuffle bool `json:"shuffle" yaml:"shuffle"`
	// Seed drives the per-epoch shuffle.
	Seed int64 `json:"seed" yaml:"seed"`
	// Workers is the number of images decoded concurrently; 0 uses GOMAXPROCS.
	Workers int `json:"workers" yaml:"workers"`
	// Augment jitters every collated image; the boxes follow geometric transforms.
	Augment AugmentConfig `json:"augment" yaml:"augment"`
}

// Batch is one collated batch.
type Batch struct {
	// Pixels is the [B, 3, S, S] input tensor.
	Pixels *tensor.Dense
	// Targets holds the normalised corner boxes and labels of every image.
	Targets []loss.Target
	// Files holds the image paths in batch order.
	Files []string
}

// Collator turns split samples into fixed-size batches.
type Collator struct {
	cfg     CollatorConfig
	pre     *Preprocessor
	samples []Sample
	skipped int

	mu  sync.Mutex
	rng *rand.Rand
}

// NewCollator creates a Collator over samples.
//
// Samples with more annotations than predictions cannot be matched one-to-one and are
// dropped here, each with a log line, so every batch satisfies G <= P.
//
// Arguments:
//   - samples: The split samples, usually from LoadSplit.
//   - pre: The image preprocessor.
//   - cfg: Batch size, prediction count and shuffling.
//
// Returns:
//   - *Collator: The collator.
//   - error: An error if the configuration is invalid or no sample is usable.
func NewCollator(samples []Sample, pre *Preprocessor, cfg CollatorConfig) (*Collator, error) {
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch_size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.Predictions <= 0 {
		return nil, fmt.Errorf("predictions must be positive, got %d", cfg.Predictions)
	}
	if err := cfg.Augment.Validate(); err != nil {
		return nil, errors.Wrap(err, "augment")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}

	c := &Collator{cfg: cfg, pre: pre, rng: rand.New(rand.NewSource(cfg.Seed))}
	for _, s := range samples {
		if len(s.Annotations) > cfg.Predictions {
			log.Printf("⚠️ skipping %s: %d annotations for %d predictions",
				s.File, len(s.Annotations), cfg.Predictions)
			c.skipped++
			continue
		}
		c.samples = append(c.samples, s)
	}
	if len(c.samples) < cfg.BatchSize {
		return nil, fmt.Errorf("%d usable samples, need at least one batch of %d",
			len(c.samples), cfg.BatchSize)
	}
	return c, nil
}

// Len returns the number of usable samples.
func (c *Collator) Len() int {
	return len(c.samples)
}

// Skipped returns the number of samples dropped for having too many annotations.
func (c *Collator) Skipped() int {
	return c.skipped
}

// Steps returns the number of full batches per epoch.
func (c *Collator) Steps() int {
	return len(c.samples) / c.cfg.BatchSize
}

// Batches returns the samples of every full batch of an epoch. The order depends only on
// the seed and the epoch; an incomplete trailing batch is dropped.
func (c *Collator) Batches(epoch int) [][]Sample {
	order := make([]Sample, len(c.samples))
	copy(order, c.samples)
	if c.cfg.Shuffle {
		rng := rand.New(rand.NewSource(c.cfg.Seed + int64(epoch)))
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	out := make([][]Sample, 0, c.Steps())
	for start := 0; start+c.cfg.BatchSize <= len(order); start += c.cfg.BatchSize {
		out = append(out, order[start:start+c.cfg.BatchSize])
	}
	return out
}

// Collate loads and stacks the images of one batch.
//
// With augmentation enabled the transforms are drawn in batch order from a generator
// seeded with Seed, so a run that collates the same batches is reproducible.
func (c *Collator) Collate(samples []Sample) (*Batch, error) {
	if len(samples) != c.cfg.BatchSize {
		return nil, fmt.Errorf("batch has %d samples, want %d", len(samples), c.cfg.BatchSize)
	}

	size := c.pre.Config().Size
	plane := 3 * size * size
	pixels := make([]float32, len(samples)*plane)
	batch := &Batch{
		Targets: make([]loss.Target, len(samples)),
		Files:   make([]string, len(samples)),
	}

	augs := c.draw(len(samples))
	errs := make([]error, len(samples))
	sem := make(chan struct{}, c.cfg.Workers)
	var wg sync.WaitGroup
	for i, s := range samples {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, s Sample) {
			defer wg.Done()
			defer func() { <-sem }()

			path := filepath.Join(c.cfg.Root, s.File)
			decoded, err := c.pre.Decode(path)
			if err != nil {
				errs[i] = err
				return
			}
			target := toTarget(s.Annotations, decoded.Bounds().Dx(), decoded.Bounds().Dy())
			if augs != nil {
				decoded = augs[i].image(decoded)
				target = augs[i].target(target)
			}
			img := c.pre.Preprocess(decoded)
			copy(pixels[i*plane:(i+1)*plane], img.Data)
			batch.Targets[i] = target
			batch.Files[i] = path
		}(i, s)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, errors.Wrap(err, "collate batch")
		}
	}

	batch.Pixels = tensor.New(tensor.WithShape(len(samples), 3, size, size), tensor.WithBacking(pixels))
	return batch, nil
}

// draw samples the augmentation of n images, or returns nil when augmentation is off.
func (c *Collator) draw(n int) []augmentation {
	if !c.cfg.Augment.Enabled() {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	augs := make([]augmentation, n)
	for i := range augs {
		augs[i] = c.cfg.Augment.draw(c.rng)
	}
	return augs
}

// toTarget converts pixel xywh annotations into a loss target.
func toTarget(anns []Annotation, width, height int) loss.Target {
	t := loss.Target{
		Boxes:  make([]boxes.Box, len(anns)),
		Labels: make([]int, len(anns)),
	}
	for i, a := range anns {
		t.Boxes[i] = a.Box(width, height)
		t.Labels[i] = a.Label
	}
	return t
}
