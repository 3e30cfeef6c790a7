package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/nvr-ai/go-ml-finetune/config"
	"github.com/nvr-ai/go-ml-finetune/dataset"
	"github.com/nvr-ai/go-ml-finetune/history"
	"github.com/nvr-ai/go-ml-finetune/loss"
	"github.com/nvr-ai/go-ml-finetune/model"
	"github.com/nvr-ai/go-ml-finetune/onnx"
	"github.com/nvr-ai/go-ml-finetune/train"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is the configuration read when -config is not given.
const DefaultConfigPath = "finetune.yaml"

func main() {
	var (
		configPath string
		epochs     int
		outputDir  string
	)
	flag.StringVar(&configPath, "config", DefaultConfigPath, "Path to the YAML configuration")
	flag.IntVar(&epochs, "epochs", 0, "Override training.epochs")
	flag.StringVar(&outputDir, "output-dir", "", "Override training.output_dir")
	flag.Parse()

	if err := run(configPath, epochs, outputDir); err != nil {
		log.Fatalf("❌ %v", err)
	}
}

// run builds the detector from the configuration and trains its head.
func run(configPath string, epochs int, outputDir string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if epochs > 0 {
		cfg.Training.Epochs = epochs
	}
	if outputDir != "" {
		cfg.Training.OutputDir = outputDir
	}

	catalog, err := cfg.Catalog()
	if err != nil {
		return err
	}
	log.Printf("📋 %d classes: %v", catalog.Classes(), catalog.LabelMap())

	pre, err := dataset.NewPreprocessor(cfg.Data.Preprocess)
	if err != nil {
		return err
	}
	trainSet, err := collator(cfg.Data.Train, pre, cfg.Collator(true))
	if err != nil {
		return errors.Wrap(err, "training split")
	}
	var evalSet *dataset.Collator
	if cfg.Data.Test != "" && cfg.Training.EvalEvery > 0 {
		if _, err := os.Stat(cfg.Data.Test); err == nil {
			evalSet, err = collator(cfg.Data.Test, pre, cfg.Collator(false))
			if err != nil {
				return errors.Wrap(err, "test split")
			}
		} else {
			log.Printf("⚠️ no test split at %s, evaluation disabled", cfg.Data.Test)
		}
	}

	backbone, err := onnx.NewBackbone(cfg.Model.Backbone)
	if err != nil {
		return err
	}
	defer backbone.Close()

	head, err := model.NewClassHead(cfg.Head(catalog.Classes()))
	if err != nil {
		return err
	}
	defer head.Close()
	if cfg.Model.Checkpoint != "" {
		if err := restore(head, cfg.Model.Checkpoint); err != nil {
			return err
		}
	}

	criterion, err := loss.New(cfg.Loss)
	if err != nil {
		return err
	}

	trainer, err := train.New(train.Config{
		Epochs:         cfg.Training.Epochs,
		LogEvery:       cfg.Training.LogEvery,
		EvalEvery:      cfg.Training.EvalEvery,
		OutputDir:      cfg.Training.OutputDir,
		Overlays:       cfg.Training.Overlays,
		Detections:     cfg.Training.Detections,
		ReportInterval: cfg.Training.ReportInterval,
	}, model.NewDetector(backbone, model.NewGridBoxDecoder(), head), criterion, trainSet, evalSet, catalog)
	if err != nil {
		return err
	}

	if cfg.Training.HistoryDB != "" {
		store, err := history.Open(cfg.Training.HistoryDB)
		if err != nil {
			return err
		}
		defer store.Close()

		snapshot, err := yaml.Marshal(cfg)
		if err != nil {
			return errors.Wrap(err, "marshal config")
		}
		run, err := store.StartRun(filepath.Base(configPath), string(snapshot))
		if err != nil {
			return err
		}
		trainer.SetRecorder(run)
		log.Printf("📋 recording run %d in %s", run.ID, cfg.Training.HistoryDB)
		defer func() {
			if best, err := store.Best(run.ID); err == nil {
				log.Printf("📊 best epoch %d: score=%.4f checkpoint=%s", best.Epoch, best.Score(), best.Checkpoint)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	history, err := trainer.Run(ctx)
	switch {
	case errors.Is(err, context.Canceled):
		log.Printf("🛑 interrupted after %d epochs, %d steps", len(history), trainer.Steps())
	case err != nil:
		return errors.Wrap(err, "training failed")
	}

	if n := len(history); n > 0 {
		last := history[n-1]
		log.Printf("✅ done: %d steps, last epoch %s", trainer.Steps(), last.Train)
		if last.Checkpoint != "" {
			log.Printf("💾 head weights: %s", last.Checkpoint)
		}
	}
	return nil
}

// collator loads a split file and wraps it in a Collator.
func collator(path string, pre *dataset.Preprocessor, cfg dataset.CollatorConfig) (*dataset.Collator, error) {
	samples, err := dataset.LoadSplit(path)
	if err != nil {
		return nil, err
	}
	c, err := dataset.NewCollator(samples, pre, cfg)
	if err != nil {
		return nil, err
	}
	log.Printf("📋 %s: %d samples, %d steps, %d skipped", path, c.Len(), c.Steps(), c.Skipped())
	return c, nil
}

// restore loads head weights from a checkpoint if it exists.
func restore(head *model.ClassHead, path string) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		log.Printf("⚠️ checkpoint %s not found, starting from scratch", path)
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	if err := head.Load(f); err != nil {
		return err
	}
	log.Printf("✅ restored head from %s", path)
	return nil
}
