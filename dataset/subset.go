package dataset

import (
	"bytes"
	"encoding/json"
	"math/rand"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
)

// Subset file names written by WriteSubset.
const (
	TrainFile    = "train.json"
	TestFile     = "test.json"
	CountsFile   = "counts.json"
	LabelMapFile = "labelmap.json"
)

// ClassCount is the number of annotations of one class in a subset.
type ClassCount struct {
	Name  string
	Count int
}

// ClassCounts is a list of class counts, most frequent first. It marshals to a JSON object
// that keeps this order.
type ClassCounts []ClassCount

// MarshalJSON implements json.Marshaler.
func (cc ClassCounts) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, c := range cc {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(c.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.WriteString(jsonInt(c.Count))
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func jsonInt(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

// Subset is a train/test draw of annotated images keyed by file name.
type Subset struct {
	Train  map[string][]Annotation
	Test   map[string][]Annotation
	Counts ClassCounts
}

// Split shuffles a copy of ids and returns the first train ids and the next test ids.
// Both counts are clamped to what is available.
func Split(ids []int, train, test int, rng *rand.Rand) ([]int, []int) {
	shuffled := append([]int(nil), ids...)
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	train = min(max(train, 0), len(shuffled))
	test = min(max(test, 0), len(shuffled)-train)
	return shuffled[:train], shuffled[train : train+test]
}

// Draw builds one random subset of a COCO file.
//
// Images without annotations are kept with an empty annotation list. Class counts cover
// both halves of the subset.
//
// Arguments:
//   - coco: The parsed annotation file.
//   - catalog: The category mapping.
//   - train: The number of training images.
//   - test: The number of test images.
//   - rng: The shuffle source.
//
// Returns:
//   - *Subset: The drawn subset.
//   - error: ErrUnknownCategory when an annotation cannot be converted.
func Draw(coco *COCO, catalog *Catalog, train, test int, rng *rand.Rand) (*Subset, error) {
	grouped, err := coco.Group(catalog)
	if err != nil {
		return nil, err
	}

	ids := make([]int, len(coco.Images))
	files := make(map[int]string, len(coco.Images))
	for i, img := range coco.Images {
		ids[i] = img.ID
		files[img.ID] = img.FileName
	}
	trainIDs, testIDs := Split(ids, train, test, rng)

	s := &Subset{
		Train: make(map[string][]Annotation, len(trainIDs)),
		Test:  make(map[string][]Annotation, len(testIDs)),
	}
	var labels []int
	for _, id := range trainIDs {
		anns := append([]Annotation{}, grouped[id]...)
		s.Train[files[id]] = anns
		for _, a := range anns {
			labels = append(labels, a.Label)
		}
	}
	for _, id := range testIDs {
		anns := append([]Annotation{}, grouped[id]...)
		s.Test[files[id]] = anns
		for _, a := range anns {
			labels = append(labels, a.Label)
		}
	}
	s.Counts = countClasses(labels, catalog)

	return s, nil
}

// countClasses counts labels by class name, most frequent first and ties in order of first
// appearance.
func countClasses(labels []int, catalog *Catalog) ClassCounts {
	index := make(map[string]int)
	var counts ClassCounts
	for _, l := range labels {
		name := catalog.Name(l)
		i, ok := index[name]
		if !ok {
			i = len(counts)
			index[name] = i
			counts = append(counts, ClassCount{Name: name})
		}
		counts[i].Count++
	}
	sort.SliceStable(counts, func(a, b int) bool { return counts[a].Count > counts[b].Count })
	return counts
}

// WriteSubset writes train.json, test.json, counts.json and labelmap.json into dir.
func WriteSubset(dir string, s *Subset, catalog *Catalog) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "create %s", dir)
	}

	files := []struct {
		name string
		v    any
	}{
		{TrainFile, s.Train},
		{TestFile, s.Test},
		{CountsFile, s.Counts},
		{LabelMapFile, catalog.LabelMap()},
	}
	for _, f := range files {
		data, err := json.Marshal(f.v)
		if err != nil {
			return errors.Wrapf(err, "encode %s", f.name)
		}
		if err := os.WriteFile(filepath.Join(dir, f.name), data, 0o644); err != nil {
			return errors.Wrapf(err, "write %s", f.name)
		}
	}
	return nil
}

// Sample is one image of a split file and its annotations.
type Sample struct {
	File        string
	Annotations []Annotation
}

// LoadSplit reads a train.json or test.json file. Samples are ordered by file name.
func LoadSplit(path string) ([]Sample, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read split %s", path)
	}
	var m map[string][]Annotation
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrapf(err, "parse split %s", path)
	}

	samples := make([]Sample, 0, len(m))
	for file, anns := range m {
		samples = append(samples, Sample{File: file, Annotations: anns})
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].File < samples[j].File })
	return samples, nil
}
