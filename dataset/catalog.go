// Package dataset - Detection datasets: label catalog, COCO annotations, train/test subsets
// and batch collation.
package dataset

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

// ErrUnknownCategory is returned when an annotation refers to a category the catalog does
// not map.
var ErrUnknownCategory = errors.New("unknown category")

// Category maps a source annotation category to a dense class index.
type Category struct {
	// SourceID is the category id used in the source annotation file.
	SourceID int `json:"source_id" yaml:"source_id"`
	// Index is the dense class index used for training.
	Index int `json:"index" yaml:"index"`
	// Name is the human readable class name.
	Name string `json:"name" yaml:"name"`
}

// Catalog is an immutable mapping from source categories to class indices.
type Catalog struct {
	bySource map[int]Category
	byIndex  map[int]Category
	classes  int
}

// DefaultCategories is the two-class catalog of the reference dataset.
func DefaultCategories() []Category {
	return []Category{
		{SourceID: 1, Index: 0, Name: "ceres"},
		{SourceID: 2, Index: 1, Name: "Oddset"},
	}
}

// NewCatalog builds a Catalog. Source ids and indices must be unique and indices
// non-negative.
func NewCatalog(categories []Category) (*Catalog, error) {
	if len(categories) == 0 {
		return nil, fmt.Errorf("catalog needs at least one category")
	}

	c := &Catalog{
		bySource: make(map[int]Category, len(categories)),
		byIndex:  make(map[int]Category, len(categories)),
	}
	for _, cat := range categories {
		if cat.Index < 0 {
			return nil, fmt.Errorf("category %q has negative index %d", cat.Name, cat.Index)
		}
		if _, ok := c.bySource[cat.SourceID]; ok {
			return nil, fmt.Errorf("duplicate source id %d", cat.SourceID)
		}
		if _, ok := c.byIndex[cat.Index]; ok {
			return nil, fmt.Errorf("duplicate class index %d", cat.Index)
		}
		c.bySource[cat.SourceID] = cat
		c.byIndex[cat.Index] = cat
		c.classes = max(c.classes, cat.Index+1)
	}
	return c, nil
}

// Convert returns the class index of a source category.
func (c *Catalog) Convert(sourceID int) (int, error) {
	cat, ok := c.bySource[sourceID]
	if !ok {
		return 0, errors.Wrapf(ErrUnknownCategory, "source category %d", sourceID)
	}
	return cat.Index, nil
}

// Name returns the name of a class index, or an empty string.
func (c *Catalog) Name(index int) string {
	return c.byIndex[index].Name
}

// Classes returns the number of class slots, one more than the largest index.
func (c *Catalog) Classes() int {
	return c.classes
}

// HasClassAt reports whether a real class uses the given index.
func (c *Catalog) HasClassAt(index int) bool {
	_, ok := c.byIndex[index]
	return ok
}

// LabelMap returns a fresh index -> name map.
func (c *Catalog) LabelMap() map[int]string {
	m := make(map[int]string, len(c.byIndex))
	for idx, cat := range c.byIndex {
		m[idx] = cat.Name
	}
	return m
}

// Categories returns the categories ordered by class index.
func (c *Catalog) Categories() []Category {
	out := make([]Category, 0, len(c.byIndex))
	for _, cat := range c.byIndex {
		out = append(out, cat)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}
