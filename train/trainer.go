// Package train - Fine-tunes the classification head of a detector against the focal box loss.
package train

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/nvr-ai/go-ml-finetune/dataset"
	"github.com/nvr-ai/go-ml-finetune/loss"
	"github.com/nvr-ai/go-ml-finetune/model"
	"github.com/nvr-ai/go-ml-finetune/postprocess"
	"github.com/nvr-ai/go-ml-finetune/profiler"
	"github.com/nvr-ai/go-ml-finetune/visualize"
	"github.com/pkg/errors"
)

// Config drives a Trainer.
type Config struct {
	// Epochs is the number of passes over the training split.
	Epochs int `json:"epochs" yaml:"epochs"`
	// LogEvery logs the running losses every n steps; zero only logs epoch summaries.
	LogEvery int `json:"log_every" yaml:"log_every"`
	// EvalEvery evaluates every n epochs; zero disables evaluation.
	EvalEvery int `json:"eval_every" yaml:"eval_every"`
	// OutputDir receives head checkpoints and overlays; empty disables both.
	OutputDir string `json:"output_dir" yaml:"output_dir"`
	// Overlays is the number of evaluation images drawn per evaluation.
	Overlays int `json:"overlays" yaml:"overlays"`
	// Detections filters predictions drawn on overlays.
	Detections postprocess.Config `json:"detections" yaml:"detections"`
	// ReportInterval logs step timings and losses periodically while Run is active; zero
	// disables the report.
	ReportInterval time.Duration `json:"report_interval" yaml:"report_interval"`
}

// Metrics are mean losses over a number of batches.
type Metrics struct {
	BoxLoss   float32
	ClassLoss float32
	// Batches is the number of batches averaged.
	Batches int
	// Matched is the number of matched prediction/ground-truth pairs.
	Matched int
	// Degenerate counts images without background slots.
	Degenerate int
}

// Total returns BoxLoss + ClassLoss.
func (m Metrics) Total() float32 {
	return m.BoxLoss + m.ClassLoss
}

func (m Metrics) String() string {
	return fmt.Sprintf("box=%.4f class=%.4f total=%.4f batches=%d matched=%d",
		m.BoxLoss, m.ClassLoss, m.Total(), m.Batches, m.Matched)
}

// meter accumulates loss results into Metrics.
type meter struct {
	box, class float64
	m          Metrics
}

func (a *meter) add(r *loss.Result) {
	a.box += float64(r.BoxLoss)
	a.class += float64(r.ClassLoss)
	a.m.Batches++
	for _, m := range r.Matchings {
		a.m.Matched += m.Len()
	}
	for _, im := range r.Images {
		if im.DegenerateRatio {
			a.m.Degenerate++
		}
	}
}

func (a *meter) metrics() Metrics {
	m := a.m
	if m.Batches > 0 {
		m.BoxLoss = float32(a.box / float64(m.Batches))
		m.ClassLoss = float32(a.class / float64(m.Batches))
	}
	return m
}

// Epoch records the outcome of one training epoch.
type Epoch struct {
	Index      int
	Train      Metrics
	Eval       *Metrics
	Checkpoint string
	Duration   time.Duration
}

// Recorder receives every completed epoch, e.g. to persist the run history.
type Recorder interface {
	RecordEpoch(e Epoch) error
}

// Trainer drives the detector through the loss and updates its head.
type Trainer struct {
	cfg       Config
	detector  *model.Detector
	criterion *loss.FocalBoxLoss
	trainSet  *dataset.Collator
	evalSet   *dataset.Collator
	catalog   *dataset.Catalog
	prof      *profiler.Profiler
	recorder  Recorder
	steps     int
}

// New creates a Trainer.
//
// Arguments:
//   - cfg: The loop settings.
//   - detector: The detector whose head is trained.
//   - criterion: The loss.
//   - trainSet: The training batches.
//   - evalSet: The evaluation batches; nil disables evaluation.
//   - catalog: Names classes on overlays.
//
// Returns:
//   - *Trainer: The trainer.
//   - error: An error if a required part is missing or the settings are invalid.
func New(
	cfg Config,
	detector *model.Detector,
	criterion *loss.FocalBoxLoss,
	trainSet, evalSet *dataset.Collator,
	catalog *dataset.Catalog,
) (*Trainer, error) {
	if detector == nil || criterion == nil || trainSet == nil || catalog == nil {
		return nil, fmt.Errorf("detector, criterion, training set and catalog are required")
	}
	if cfg.Epochs <= 0 {
		return nil, fmt.Errorf("epochs must be positive, got %d", cfg.Epochs)
	}
	if cfg.LogEvery < 0 || cfg.EvalEvery < 0 || cfg.Overlays < 0 {
		return nil, fmt.Errorf("log_every, eval_every and overlays must be non-negative")
	}
	if catalog.HasClassAt(criterion.Config().BackgroundID) {
		log.Printf("⚠️ class %q shares the background id %d",
			catalog.Name(criterion.Config().BackgroundID), criterion.Config().BackgroundID)
	}

	return &Trainer{
		cfg:       cfg,
		detector:  detector,
		criterion: criterion,
		trainSet:  trainSet,
		evalSet:   evalSet,
		catalog:   catalog,
		prof:      profiler.New(profiler.Options{ReportInterval: cfg.ReportInterval}),
	}, nil
}

// Profiler returns the profiler recording step timings and losses.
func (t *Trainer) Profiler() *profiler.Profiler {
	return t.prof
}

// SetRecorder registers a recorder for completed epochs. A failing recorder is logged
// and does not stop training.
func (t *Trainer) SetRecorder(r Recorder) {
	t.recorder = r
}

// Steps returns the number of optimisation steps taken so far.
func (t *Trainer) Steps() int {
	return t.steps
}

// Step runs one batch forward, computes the loss and updates the head.
//
// Only the classification head is trained: the backbone and box decoder are frozen, so the
// box gradient is reported in the result but not applied.
func (t *Trainer) Step(batch *dataset.Batch) (*loss.Result, error) {
	done := t.prof.StartOperation("infer")
	predBoxes, predClasses, err := t.detector.Infer(batch.Pixels)
	done()
	if err != nil {
		return nil, errors.Wrap(err, "infer")
	}

	done = t.prof.StartOperation("loss")
	res, err := t.criterion.Compute(predBoxes, predClasses, batch.Targets)
	done()
	if err != nil {
		return nil, errors.Wrap(err, "loss")
	}

	done = t.prof.StartOperation("update")
	err = t.detector.Update(res.ClassGrad)
	done()
	if err != nil {
		return nil, errors.Wrap(err, "update")
	}

	t.steps++
	t.prof.RecordMetric("box_loss", float64(res.BoxLoss))
	t.prof.RecordMetric("class_loss", float64(res.ClassLoss))
	return res, nil
}

// Run trains for the configured number of epochs.
//
// Cancellation is checked between steps; the epochs completed so far are returned
// together with the context error.
//
// Arguments:
//   - ctx: Cancels training between steps.
//
// Returns:
//   - []Epoch: One record per completed epoch.
//   - error: The first collate, inference, loss, update or checkpoint error.
func (t *Trainer) Run(ctx context.Context) ([]Epoch, error) {
	log.Printf("📋 training %d epochs of %d steps (%d samples, %d skipped)",
		t.cfg.Epochs, t.trainSet.Steps(), t.trainSet.Len(), t.trainSet.Skipped())

	if t.cfg.ReportInterval > 0 {
		t.prof.Start(ctx)
		defer t.prof.Stop()
	}

	history := make([]Epoch, 0, t.cfg.Epochs)
	for epoch := 0; epoch < t.cfg.Epochs; epoch++ {
		start := time.Now()
		var acc meter

		for i, samples := range t.trainSet.Batches(epoch) {
			if err := ctx.Err(); err != nil {
				return history, err
			}

			done := t.prof.StartOperation("collate")
			batch, err := t.trainSet.Collate(samples)
			done()
			if err != nil {
				return history, err
			}
			res, err := t.Step(batch)
			if err != nil {
				return history, errors.Wrapf(err, "epoch %d step %d", epoch, i)
			}
			acc.add(res)

			if t.cfg.LogEvery > 0 && t.steps%t.cfg.LogEvery == 0 {
				log.Printf("🔄 epoch %d step %d: box=%.4f class=%.4f", epoch, t.steps, res.BoxLoss, res.ClassLoss)
			}
		}

		record := Epoch{Index: epoch, Train: acc.metrics()}
		log.Printf("✅ epoch %d: %s", epoch, record.Train)

		if t.cfg.OutputDir != "" {
			path, err := t.checkpoint(epoch)
			if err != nil {
				return history, err
			}
			record.Checkpoint = path
		}

		if t.evalSet != nil && t.cfg.EvalEvery > 0 && (epoch+1)%t.cfg.EvalEvery == 0 {
			m, err := t.Evaluate(ctx, epoch)
			if err != nil {
				return history, err
			}
			record.Eval = &m
		}

		record.Duration = time.Since(start)
		history = append(history, record)
		if t.recorder != nil {
			if err := t.recorder.RecordEpoch(record); err != nil {
				log.Printf("⚠️ record epoch %d: %v", epoch, err)
			}
		}
	}
	return history, nil
}

// Evaluate computes mean losses over the evaluation split without updating the head.
//
// The first Overlays images are drawn into OutputDir/overlays/epoch_NNN.
func (t *Trainer) Evaluate(ctx context.Context, epoch int) (Metrics, error) {
	if t.evalSet == nil {
		return Metrics{}, fmt.Errorf("no evaluation set")
	}

	var acc meter
	drawn := 0
	for _, samples := range t.evalSet.Batches(epoch) {
		if err := ctx.Err(); err != nil {
			return Metrics{}, err
		}

		batch, err := t.evalSet.Collate(samples)
		if err != nil {
			return Metrics{}, err
		}
		predBoxes, predClasses, err := t.detector.Infer(batch.Pixels)
		if err != nil {
			return Metrics{}, errors.Wrap(err, "infer")
		}
		res, err := t.criterion.Compute(predBoxes, predClasses, batch.Targets)
		if err != nil {
			return Metrics{}, errors.Wrap(err, "loss")
		}
		acc.add(res)

		if t.cfg.OutputDir == "" || drawn >= t.cfg.Overlays {
			continue
		}
		dets, err := postprocess.Detections(predBoxes, predClasses, t.cfg.Detections)
		if err != nil {
			return Metrics{}, err
		}
		for i := range batch.Files {
			if drawn >= t.cfg.Overlays {
				break
			}
			if err := t.overlay(epoch, batch, res, dets, i); err != nil {
				log.Printf("⚠️ overlay %s: %v", batch.Files[i], err)
			}
			drawn++
		}
	}

	m := acc.metrics()
	log.Printf("📊 eval epoch %d: %s", epoch, m)
	return m, nil
}

func (t *Trainer) overlay(epoch int, batch *dataset.Batch, res *loss.Result, dets [][]postprocess.Result, i int) error {
	dir := filepath.Join(t.cfg.OutputDir, "overlays", fmt.Sprintf("epoch_%03d", epoch))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	layers := visualize.Layers{
		GroundTruth: batch.Targets[i].Boxes,
		Labels:      batch.Targets[i].Labels,
		Matched:     res.MatchedPerImage[i],
		Detections:  dets[i],
	}
	return visualize.Overlay(batch.Files[i], filepath.Join(dir, filepath.Base(batch.Files[i])), layers, t.catalog.Name)
}

// checkpoint saves the head weights of an epoch.
func (t *Trainer) checkpoint(epoch int) (string, error) {
	if err := os.MkdirAll(t.cfg.OutputDir, 0o755); err != nil {
		return "", errors.Wrap(err, "create output dir")
	}
	path := filepath.Join(t.cfg.OutputDir, fmt.Sprintf("head_epoch_%03d.gob", epoch))
	f, err := os.Create(path)
	if err != nil {
		return "", errors.Wrap(err, "create checkpoint")
	}
	if err := t.detector.Head().Save(f); err != nil {
		f.Close()
		return "", errors.Wrap(err, "save head")
	}
	if err := f.Close(); err != nil {
		return "", errors.Wrap(err, "close checkpoint")
	}
	log.Printf("💾 saved %s", path)
	return path, nil
}
