package main

import (
	"bytes"
	"encoding/json"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nvr-ai/go-ml-finetune/config"
	"github.com/nvr-ai/go-ml-finetune/dataset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func subsetConfig(t *testing.T) *config.Config {
	t.Helper()

	coco := dataset.COCO{
		Images: []dataset.COCOImage{
			{ID: 1, FileName: "a.jpg", Width: 10, Height: 10},
			{ID: 2, FileName: "b.jpg", Width: 10, Height: 10},
			{ID: 3, FileName: "c.jpg", Width: 10, Height: 10},
		},
		Annotations: []dataset.COCOAnnotation{
			{ID: 1, ImageID: 1, CategoryID: 1, BBox: [4]float64{0, 0, 5, 5}},
			{ID: 2, ImageID: 2, CategoryID: 2, BBox: [4]float64{1, 1, 2, 2}},
			{ID: 3, ImageID: 3, CategoryID: 2, BBox: [4]float64{2, 2, 3, 3}},
		},
	}
	data, err := json.Marshal(coco)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "annotations.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg := config.Default()
	cfg.Data.AnnotationsFile = path
	cfg.Data.TrainImages = 2
	cfg.Data.TestImages = 1
	return cfg
}

// TestRun_Prompt checks that rejected draws are retried and the accepted one is written.
func TestRun_Prompt(t *testing.T) {
	cfg := subsetConfig(t)
	dir := t.TempDir()
	var out bytes.Buffer

	err := run(cfg, dir, rand.New(rand.NewSource(1)), false, strings.NewReader("n\nmaybe\ny\n"), &out)
	require.NoError(t, err)

	assert.Equal(t, 3, strings.Count(out.String(), "accept? (y/n) >"))
	assert.Equal(t, 2, strings.Count(out.String(), "this might take a few seconds"))
	assert.Contains(t, out.String(), `"Oddset": 2`)

	for _, name := range []string{dataset.TrainFile, dataset.TestFile, dataset.CountsFile, dataset.LabelMapFile} {
		assert.FileExists(t, filepath.Join(dir, name))
	}
	train, err := dataset.LoadSplit(filepath.Join(dir, dataset.TrainFile))
	require.NoError(t, err)
	assert.Len(t, train, 2)
	test, err := dataset.LoadSplit(filepath.Join(dir, dataset.TestFile))
	require.NoError(t, err)
	assert.Len(t, test, 1)
}

// TestRun_Accept checks that -yes writes the first draw without reading input.
func TestRun_Accept(t *testing.T) {
	cfg := subsetConfig(t)
	dir := t.TempDir()
	var out bytes.Buffer

	require.NoError(t, run(cfg, dir, rand.New(rand.NewSource(1)), true, strings.NewReader(""), &out))
	assert.NotContains(t, out.String(), "accept?")
	assert.FileExists(t, filepath.Join(dir, dataset.CountsFile))
}

// TestRun_Errors checks missing annotations and input that ends without acceptance.
func TestRun_Errors(t *testing.T) {
	cfg := subsetConfig(t)
	var out bytes.Buffer

	err := run(cfg, t.TempDir(), rand.New(rand.NewSource(1)), false, strings.NewReader("n\n"), &out)
	assert.Error(t, err)

	cfg.Data.AnnotationsFile = ""
	assert.Error(t, run(cfg, t.TempDir(), rand.New(rand.NewSource(1)), true, strings.NewReader(""), &out))

	cfg.Data.AnnotationsFile = filepath.Join(t.TempDir(), "missing.json")
	assert.Error(t, run(cfg, t.TempDir(), rand.New(rand.NewSource(1)), true, strings.NewReader(""), &out))
}
