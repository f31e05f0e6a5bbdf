package inference

import (
	"fmt"

	"github.com/Brownie44l1/lesion-api/internal/hooks"
	"github.com/Brownie44l1/lesion-api/internal/model"
	"github.com/chewxy/math32"
)

// Prediction is the outcome of classifying one image
type Prediction struct {
	ClassIndex    int
	Label         string // eg "nv"
	LesionType    string // eg "Melanocytic nevi"
	Confidence    float32
	Probabilities []float32 // in class order
	Classes       []string
}

// ConfidenceScores returns the probability of every class as a percentage, keyed by lesion type
func (p *Prediction) ConfidenceScores() map[string]float64 {
	scores := make(map[string]float64, len(p.Probabilities))
	for i, prob := range p.Probabilities {
		scores[model.LesionType(p.Classes[i])] = float64(prob) * 100
	}
	return scores
}

// Softmax converts logits into probabilities that sum to 1
func Softmax(logits []float32) []float32 {
	if len(logits) == 0 {
		return nil
	}
	maxLogit := logits[0]
	for _, v := range logits[1:] {
		if v > maxLogit {
			maxLogit = v
		}
	}
	probs := make([]float32, len(logits))
	var sum float32
	for i, v := range logits {
		probs[i] = math32.Exp(v - maxLogit)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

// ArgMax returns the index of the largest value (the first one, on ties)
func ArgMax(values []float32) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}

type Engine struct {
	classes []string
}

func NewEngine(classes []string) *Engine {
	return &Engine{
		classes: append([]string(nil), classes...),
	}
}

func (e *Engine) Classes() []string {
	return e.classes
}

// Predict runs one forward pass inside the cycle
func (e *Engine) Predict(cy *hooks.Cycle, input *model.Tensor) (*Prediction, error) {
	logits, err := cy.Forward(input)
	if err != nil {
		return nil, err
	}
	return e.FromLogits(logits)
}

func (e *Engine) FromLogits(logits []float32) (*Prediction, error) {
	if len(logits) != len(e.classes) {
		return nil, fmt.Errorf("classifier produced %v logits, expected %v", len(logits), len(e.classes))
	}
	for i, v := range logits {
		if math32.IsNaN(v) || math32.IsInf(v, 0) {
			return nil, fmt.Errorf("classifier produced non-finite logit %v for class %v", v, e.classes[i])
		}
	}
	probs := Softmax(logits)
	best := ArgMax(probs)
	return &Prediction{
		ClassIndex:    best,
		Label:         e.classes[best],
		LesionType:    model.LesionType(e.classes[best]),
		Confidence:    probs[best],
		Probabilities: probs,
		Classes:       e.classes,
	}, nil
}
