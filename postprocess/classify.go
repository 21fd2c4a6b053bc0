package postprocess

import (
	"sort"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-detect/images"
)

// Classifier decodes a (1, nc) logit head into a softmax distribution.
type Classifier struct{}

// Classifications applies a stable-max softmax and returns every class at or
// above the confidence floor, ordered by descending probability.
//
// Arguments:
//   - raw: The logit tensor data.
//   - shape: The output shape (1, nc).
//   - cfg: The decoding configuration.
//
// Returns:
//   - []Classification: Surviving classes, probabilities summing to at most 1.
//   - error: ErrShapeMismatch for layouts this decoder cannot read.
func (p *Classifier) Classifications(raw []float32, shape []int64, cfg Config) ([]Classification, error) {
	if len(shape) != 2 || shape[0] != 1 {
		return nil, errors.Wrapf(ErrShapeMismatch, "expected (1, nc), got %v", shape)
	}
	nc := int(shape[1])
	if nc <= 0 || len(raw) < nc {
		return nil, errors.Wrapf(ErrShapeMismatch,
			"tensor has %d floats, shape %v needs %d", len(raw), shape, nc)
	}
	logits := raw[:nc]

	// Subtract the max before exponentiating so large logits cannot
	// overflow. Non-finite logits are excluded from the distribution the
	// same way detection decoders drop non-finite anchors.
	maxLogit := math32.Inf(-1)
	for _, v := range logits {
		if finite(v) && v > maxLogit {
			maxLogit = v
		}
	}
	if math32.IsInf(maxLogit, -1) {
		return []Classification{}, nil
	}

	probs := make([]float32, nc)
	var sum float32
	for i, v := range logits {
		if !finite(v) {
			continue
		}
		probs[i] = math32.Exp(v - maxLogit)
		sum += probs[i]
	}

	results := make([]Classification, nc)
	for i := range probs {
		results[i] = Classification{
			ClassID:     i,
			Probability: probs[i] / sum,
			ClassName:   cfg.className(i),
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Probability > results[j].Probability
	})

	// The slice is sorted, so the cut is the first below-threshold entry.
	cut := len(results)
	for i, r := range results {
		if r.Probability < cfg.Confidence {
			cut = i
			break
		}
	}
	return results[:cut], nil
}

// Detections is not produced by classifier heads.
func (p *Classifier) Detections([]float32, []int64, images.Context, Config) ([]Detection, error) {
	return nil, nil
}
