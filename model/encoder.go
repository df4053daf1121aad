package model

import (
	"sort"

	"github.com/pkg/errors"
)

// LabelEncoder maps identity labels to one-hot vectors. Classes are kept
// sorted so the same label set always yields the same indices.
type LabelEncoder struct {
	PairID  string   `msgpack:"pair_id"`
	Classes []string `msgpack:"classes"`

	index map[string]int
}

// FitEncoder collects the distinct labels.
func FitEncoder(labels []string) *LabelEncoder {
	seen := make(map[string]bool, len(labels))
	var classes []string
	for _, l := range labels {
		if !seen[l] {
			seen[l] = true
			classes = append(classes, l)
		}
	}
	sort.Strings(classes)
	return &LabelEncoder{Classes: classes}
}

func (e *LabelEncoder) Len() int {
	return len(e.Classes)
}

func (e *LabelEncoder) Index(label string) (int, error) {
	if e.index == nil {
		e.index = make(map[string]int, len(e.Classes))
		for i, c := range e.Classes {
			e.index[c] = i
		}
	}
	i, ok := e.index[label]
	if !ok {
		return -1, errors.Wrapf(ErrUnknownLabel, "%q", label)
	}
	return i, nil
}

// Encode returns the one-hot vector for label.
func (e *LabelEncoder) Encode(label string) ([]float32, error) {
	i, err := e.Index(label)
	if err != nil {
		return nil, err
	}
	v := make([]float32, e.Len())
	v[i] = 1
	return v, nil
}

// Transform one-hot encodes labels into one row-major N x Len() slice.
func (e *LabelEncoder) Transform(labels []string) ([]float32, error) {
	out := make([]float32, len(labels)*e.Len())
	for n, l := range labels {
		i, err := e.Index(l)
		if err != nil {
			return nil, err
		}
		out[n*e.Len()+i] = 1
	}
	return out, nil
}

func (e *LabelEncoder) Decode(i int) (string, error) {
	if i < 0 || i >= len(e.Classes) {
		return "", errors.Wrapf(ErrUnknownLabel, "class index %d", i)
	}
	return e.Classes[i], nil
}

// DecodeOneHot returns the label of the largest component of v.
func (e *LabelEncoder) DecodeOneHot(v []float32) (string, error) {
	if len(v) != e.Len() {
		return "", errors.Wrapf(ErrShapeMismatch, "vector of %d for %d classes", len(v), e.Len())
	}
	i, _ := argmax(v)
	return e.Decode(i)
}

func argmax(v []float32) (int, float32) {
	best := 0
	for i := range v {
		if v[i] > v[best] {
			best = i
		}
	}
	if len(v) == 0 {
		return -1, 0
	}
	return best, v[best]
}
