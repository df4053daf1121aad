package model

import (
	"image"
	"sync"

	"github.com/abihf/facedetective/dataset"
	"github.com/abihf/facedetective/utils/grayimg"
	"github.com/pkg/errors"
)

type Prediction struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Recognizer classifies single face crops with a loaded model pair.
type Recognizer struct {
	mu     sync.Mutex
	params *Params
	enc    *LabelEncoder
	net    *network
}

func NewRecognizer(p *Params, enc *LabelEncoder) (*Recognizer, error) {
	if p == nil || enc == nil {
		return nil, ErrModelNotLoaded
	}
	if enc.Len() != p.Classes {
		return nil, errors.Wrapf(ErrShapeMismatch, "%d labels for %d outputs", enc.Len(), p.Classes)
	}
	net, err := newNetwork(p, 1, false)
	if err != nil {
		return nil, err
	}
	return &Recognizer{params: p, enc: enc, net: net}, nil
}

// LoadRecognizer reads the pair at a and prepares it for prediction.
func LoadRecognizer(a *Artifacts) (*Recognizer, error) {
	p, enc, err := a.Load()
	if err != nil {
		return nil, err
	}
	return NewRecognizer(p, enc)
}

func (r *Recognizer) Classes() []string {
	return append([]string(nil), r.enc.Classes...)
}

func (r *Recognizer) PairID() string {
	return r.params.PairID
}

// Predict resizes crop to the model input, runs it and returns the most
// likely label with its softmax probability.
func (r *Recognizer) Predict(crop *image.Gray) (Prediction, error) {
	if r == nil {
		return Prediction{}, ErrModelNotLoaded
	}
	if crop == nil || crop.Bounds().Empty() {
		return Prediction{}, errors.New("empty face crop")
	}

	x := dataset.Pixels(grayimg.Resize(crop, r.params.InputSize))
	for i := range x {
		x[i] /= 255
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.net == nil {
		return Prediction{}, ErrModelNotLoaded
	}
	prob, err := r.net.run(x, nil)
	if err != nil {
		return Prediction{}, err
	}

	i, p := argmax(prob)
	label, err := r.enc.Decode(i)
	if err != nil {
		return Prediction{}, err
	}
	return Prediction{Label: label, Confidence: float64(p)}, nil
}

func (r *Recognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.net == nil {
		return nil
	}
	err := r.net.Close()
	r.net = nil
	return err
}
