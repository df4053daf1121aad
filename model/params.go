package model

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
)

const kernel = 3

type Weight struct {
	Shape []int     `msgpack:"shape"`
	Data  []float32 `msgpack:"data"`
}

func (w *Weight) size() int {
	n := 1
	for _, d := range w.Shape {
		n *= d
	}
	return n
}

func (w *Weight) clone() Weight {
	return Weight{
		Shape: append([]int(nil), w.Shape...),
		Data:  append([]float32(nil), w.Data...),
	}
}

// Params holds the learned weights of the classifier network.
//
// Layout is channel first: the input is (N, 1, InputSize, InputSize),
// both convolutions use 3x3 kernels without padding and the dense layer
// maps Conv2 * (InputSize-4)^2 features onto Classes outputs.
type Params struct {
	PairID    string `msgpack:"pair_id"`
	InputSize int    `msgpack:"input_size"`
	Conv1     int    `msgpack:"conv1"`
	Conv2     int    `msgpack:"conv2"`
	Classes   int    `msgpack:"classes"`

	Conv1W Weight `msgpack:"conv1_w"`
	Conv1B Weight `msgpack:"conv1_b"`
	Conv2W Weight `msgpack:"conv2_w"`
	Conv2B Weight `msgpack:"conv2_b"`
	DenseW Weight `msgpack:"dense_w"`
	DenseB Weight `msgpack:"dense_b"`
}

func (p *Params) features() int {
	s := p.InputSize - 2*(kernel-1)
	return p.Conv2 * s * s
}

func (p *Params) weights() []*Weight {
	return []*Weight{&p.Conv1W, &p.Conv1B, &p.Conv2W, &p.Conv2B, &p.DenseW, &p.DenseB}
}

func (p *Params) expectedShapes() [][]int {
	return [][]int{
		{p.Conv1, 1, kernel, kernel},
		{1, p.Conv1, 1, 1},
		{p.Conv2, p.Conv1, kernel, kernel},
		{1, p.Conv2, 1, 1},
		{p.features(), p.Classes},
		{1, p.Classes},
	}
}

// Validate checks that every weight matches the declared dimensions.
func (p *Params) Validate() error {
	if p.InputSize < 2*(kernel-1)+1 || p.Conv1 <= 0 || p.Conv2 <= 0 || p.Classes <= 0 {
		return errors.Wrapf(ErrShapeMismatch, "input %d, filters %d/%d, classes %d",
			p.InputSize, p.Conv1, p.Conv2, p.Classes)
	}
	for i, w := range p.weights() {
		want := p.expectedShapes()[i]
		if !sameShape(w.Shape, want) {
			return errors.Wrapf(ErrShapeMismatch, "weight %d has shape %v, want %v", i, w.Shape, want)
		}
		if len(w.Data) != w.size() {
			return errors.Wrapf(ErrShapeMismatch, "weight %d has %d values for shape %v", i, len(w.Data), w.Shape)
		}
	}
	return nil
}

func (p *Params) clone() *Params {
	c := *p
	for i, w := range c.weights() {
		*w = p.weights()[i].clone()
	}
	return &c
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// newParams draws Glorot uniform kernels and zero biases.
func newParams(inputSize, conv1, conv2, classes int, rng *rand.Rand) *Params {
	p := &Params{InputSize: inputSize, Conv1: conv1, Conv2: conv2, Classes: classes}
	shapes := p.expectedShapes()
	area := kernel * kernel

	p.Conv1W = glorot(shapes[0], area, area*conv1, rng)
	p.Conv1B = zeros(shapes[1])
	p.Conv2W = glorot(shapes[2], area*conv1, area*conv2, rng)
	p.Conv2B = zeros(shapes[3])
	p.DenseW = glorot(shapes[4], p.features(), classes, rng)
	p.DenseB = zeros(shapes[5])
	return p
}

func glorot(shape []int, fanIn, fanOut int, rng *rand.Rand) Weight {
	w := zeros(shape)
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	for i := range w.Data {
		w.Data[i] = float32((rng.Float64()*2 - 1) * limit)
	}
	return w
}

func zeros(shape []int) Weight {
	w := Weight{Shape: append([]int(nil), shape...)}
	w.Data = make([]float32, w.size())
	return w
}
