package dataset

import (
	"encoding/json"
	"os"

	"github.com/nvr-ai/go-ml-finetune/boxes"
	"github.com/pkg/errors"
)

// COCO is the subset of a COCO annotation file this package reads.
type COCO struct {
	Images      []COCOImage      `json:"images"`
	Annotations []COCOAnnotation `json:"annotations"`
	Categories  []COCOCategory   `json:"categories"`
}

// COCOImage is one entry of the "images" array.
type COCOImage struct {
	ID       int    `json:"id"`
	FileName string `json:"file_name"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

// COCOAnnotation is one entry of the "annotations" array. BBox is [x, y, w, h] in pixels.
type COCOAnnotation struct {
	ID         int        `json:"id"`
	ImageID    int        `json:"image_id"`
	CategoryID int        `json:"category_id"`
	BBox       [4]float64 `json:"bbox"`
}

// COCOCategory is one entry of the "categories" array.
type COCOCategory struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Annotation is one ground-truth object of a subset file: a COCO pixel box and a class
// index.
type Annotation struct {
	BBox  [4]float64 `json:"bbox"`
	Label int        `json:"label"`
}

// Box returns the annotation as a normalised corner box for an image of the given size.
func (a Annotation) Box(width, height int) boxes.Box {
	return boxes.FromXYWH(a.BBox, width, height)
}

// LoadCOCO reads a COCO annotation file.
func LoadCOCO(path string) (*COCO, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read annotations %s", path)
	}
	var c COCO
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrapf(err, "parse annotations %s", path)
	}
	return &c, nil
}

// Group collects the annotations of every image, converting category ids through the
// catalog. Images without annotations are absent from the result.
//
// Arguments:
//   - catalog: The source category to class index mapping.
//
// Returns:
//   - map[int][]Annotation: Annotations keyed by image id, in file order.
//   - error: ErrUnknownCategory when an annotation's category is not in the catalog.
func (c *COCO) Group(catalog *Catalog) (map[int][]Annotation, error) {
	grouped := make(map[int][]Annotation)
	for _, a := range c.Annotations {
		label, err := catalog.Convert(a.CategoryID)
		if err != nil {
			return nil, errors.Wrapf(err, "annotation %d", a.ID)
		}
		grouped[a.ImageID] = append(grouped[a.ImageID], Annotation{BBox: a.BBox, Label: label})
	}
	return grouped, nil
}
