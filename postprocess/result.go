// Package postprocess - Turns raw detector outputs into scored detections.
package postprocess

import (
	"sort"

	"github.com/chewxy/math32"
	"github.com/nvr-ai/go-ml-finetune/boxes"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// ErrShape is returned when the box and logit tensors do not describe the same predictions.
var ErrShape = errors.New("prediction shape mismatch")

// Result represents a single detection result.
type Result struct {
	// The bounding box of the result, normalised corners.
	Box boxes.Box
	// The confidence score of the result.
	Score float32
	// The predicted class index of the result.
	Class int
	// The prediction slot the result came from.
	Slot int
}

// Config controls how predictions become detections.
type Config struct {
	// ScoreThreshold drops predictions whose best class probability is below it.
	ScoreThreshold float32 `json:"score_threshold" yaml:"score_threshold"`
	// MaxDetections keeps only the highest scoring predictions of each image; zero keeps all.
	MaxDetections int `json:"max_detections" yaml:"max_detections"`
	// SkipBackground excludes BackgroundID from the class argmax.
	SkipBackground bool `json:"skip_background" yaml:"skip_background"`
	// BackgroundID is the class id used for unmatched predictions during training.
	BackgroundID int `json:"background_id" yaml:"background_id"`
}

// DefaultConfig returns a 0.3 score threshold and at most 20 detections per image.
func DefaultConfig() Config {
	return Config{
		ScoreThreshold: 0.3,
		MaxDetections:  20,
	}
}

// Detections scores every prediction slot and filters the results per image.
//
// The score of a slot is the sigmoid of its best class logit. Overlapping slots are not
// suppressed.
//
// Arguments:
//   - predBoxes: Corner boxes, [B, P, 4].
//   - predClasses: Raw class logits, [B, P, C].
//   - cfg: Threshold and detection limit.
//
// Returns:
//   - [][]Result: The detections of each image, highest score first.
//   - error: ErrShape if the tensors disagree.
func Detections(predBoxes, predClasses *tensor.Dense, cfg Config) ([][]Result, error) {
	if predBoxes == nil || predClasses == nil {
		return nil, errors.Wrap(ErrShape, "nil predictions")
	}
	bs, cs := predBoxes.Shape(), predClasses.Shape()
	if len(bs) != 3 || len(cs) != 3 || bs[2] != 4 || bs[0] != cs[0] || bs[1] != cs[1] {
		return nil, errors.Wrapf(ErrShape, "boxes %v, classes %v", bs, cs)
	}
	boxData, ok := predBoxes.Data().([]float32)
	if !ok {
		return nil, errors.Wrap(ErrShape, "boxes must be float32")
	}
	logits, ok := predClasses.Data().([]float32)
	if !ok {
		return nil, errors.Wrap(ErrShape, "classes must be float32")
	}

	batch, preds, classes := bs[0], bs[1], cs[2]
	out := make([][]Result, batch)
	for b := 0; b < batch; b++ {
		var dets []Result
		for p := 0; p < preds; p++ {
			row := logits[(b*preds+p)*classes : (b*preds+p+1)*classes]
			class, logit := argmax(row, cfg)
			if class < 0 {
				continue
			}
			score := sigmoid(logit)
			if score < cfg.ScoreThreshold {
				continue
			}
			off := (b*preds + p) * 4
			dets = append(dets, Result{
				Box:   boxes.FromCoords(boxData[off : off+4]),
				Score: score,
				Class: class,
				Slot:  p,
			})
		}

		sort.SliceStable(dets, func(i, j int) bool { return dets[i].Score > dets[j].Score })
		if cfg.MaxDetections > 0 && len(dets) > cfg.MaxDetections {
			dets = dets[:cfg.MaxDetections]
		}
		out[b] = dets
	}
	return out, nil
}

// argmax returns the best class of a logit row, or -1 when every class is excluded.
func argmax(row []float32, cfg Config) (int, float32) {
	best, bestLogit := -1, float32(math32.Inf(-1))
	for c, l := range row {
		if cfg.SkipBackground && c == cfg.BackgroundID {
			continue
		}
		if best < 0 || l > bestLogit {
			best, bestLogit = c, l
		}
	}
	return best, bestLogit
}

func sigmoid(x float32) float32 {
	if x >= 0 {
		return 1 / (1 + math32.Exp(-x))
	}
	e := math32.Exp(x)
	return e / (1 + e)
}
