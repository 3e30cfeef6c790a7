package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nvr-ai/go-ml-finetune/config"
	"github.com/nvr-ai/go-ml-finetune/dataset"
	"github.com/pkg/errors"
)

func main() {
	var (
		configPath string
		outputDir  string
		accept     bool
		seed       int64
	)
	flag.StringVar(&configPath, "config", "finetune.yaml", "Path to the YAML configuration")
	flag.StringVar(&outputDir, "output-dir", "", "Directory for the split files (default: directory of data.train)")
	flag.BoolVar(&accept, "yes", false, "Accept the first subset without prompting")
	flag.Int64Var(&seed, "seed", 0, "Shuffle seed (default: current time)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
	if outputDir == "" {
		outputDir = filepath.Dir(cfg.Data.Train)
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	if err := run(cfg, outputDir, rand.New(rand.NewSource(seed)), accept, os.Stdin, os.Stdout); err != nil {
		log.Fatalf("❌ %v", err)
	}
}

// run draws subsets until one is accepted, then writes it to outputDir.
//
// Arguments:
//   - cfg: Supplies the annotation file, the split sizes and the label catalog.
//   - outputDir: Receives train.json, test.json, counts.json and labelmap.json.
//   - rng: Drives every draw.
//   - accept: Skips the prompt and keeps the first draw.
//   - in: The answers to the prompt.
//   - out: Receives the class counts and prompts.
//
// Returns:
//   - error: An error if the annotations cannot be read, the input ends before a subset
//     is accepted, or the files cannot be written.
func run(cfg *config.Config, outputDir string, rng *rand.Rand, accept bool, in io.Reader, out io.Writer) error {
	if cfg.Data.AnnotationsFile == "" {
		return fmt.Errorf("data.annotations_file is required")
	}
	catalog, err := cfg.Catalog()
	if err != nil {
		return err
	}
	coco, err := dataset.LoadCOCO(cfg.Data.AnnotationsFile)
	if err != nil {
		return err
	}
	log.Printf("📋 %d images, %d annotations", len(coco.Images), len(coco.Annotations))

	reader := bufio.NewReader(in)
	fmt.Fprintln(out, "Searching for a valid subset...")
	for {
		subset, err := dataset.Draw(coco, catalog, cfg.Data.TrainImages, cfg.Data.TestImages, rng)
		if err != nil {
			return err
		}
		counts, err := json.MarshalIndent(subset.Counts, "", "  ")
		if err != nil {
			return errors.Wrap(err, "encode counts")
		}
		fmt.Fprintln(out, string(counts))

		if !accept {
			fmt.Fprint(out, "accept? (y/n) >")
			line, err := reader.ReadString('\n')
			if err != nil && strings.TrimSpace(line) == "" {
				return errors.Wrap(err, "no subset accepted")
			}
			if strings.TrimSpace(line) != "y" {
				fmt.Fprintln(out, "Searching for a valid subset (this might take a few seconds)...")
				continue
			}
		}

		if err := dataset.WriteSubset(outputDir, subset, catalog); err != nil {
			return err
		}
		log.Printf("✅ wrote %d train and %d test images to %s", len(subset.Train), len(subset.Test), outputDir)
		return nil
	}
}
