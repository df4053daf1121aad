package model

import (
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

const logEpsilon = 1e-7

// network is one compiled graph of the classifier for a fixed batch size.
// A training network also carries the targets and the cross-entropy cost.
type network struct {
	g       *G.ExprGraph
	vm      G.VM
	batch   int
	size    int
	classes int

	x, y    *G.Node
	learn   G.Nodes
	prob    *G.Node
	cost    *G.Node
	probVal G.Value
	costVal G.Value
}

func newNetwork(p *Params, batch int, training bool) (*network, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	n := &network{
		g:       G.NewGraph(),
		batch:   batch,
		size:    p.InputSize,
		classes: p.Classes,
	}

	n.x = G.NewTensor(n.g, tensor.Float32, 4, G.WithShape(batch, 1, p.InputSize, p.InputSize), G.WithName("x"))

	names := []string{"conv1_w", "conv1_b", "conv2_w", "conv2_b", "dense_w", "dense_b"}
	for i, w := range p.weights() {
		t := tensor.New(tensor.WithShape(w.Shape...), tensor.WithBacking(append([]float32(nil), w.Data...)))
		n.learn = append(n.learn, G.NewTensor(n.g, tensor.Float32, len(w.Shape),
			G.WithShape(w.Shape...), G.WithName(names[i]), G.WithValue(t)))
	}

	if err := n.fwd(); err != nil {
		return nil, errors.Wrap(err, "build network")
	}
	G.Read(n.prob, &n.probVal)

	if !training {
		n.vm = G.NewTapeMachine(n.g)
		return n, nil
	}

	n.y = G.NewMatrix(n.g, tensor.Float32, G.WithShape(batch, p.Classes), G.WithName("y"))
	if err := n.loss(); err != nil {
		return nil, errors.Wrap(err, "build loss")
	}
	G.Read(n.cost, &n.costVal)
	if _, err := G.Grad(n.cost, n.learn...); err != nil {
		return nil, errors.Wrap(err, "differentiate loss")
	}
	n.vm = G.NewTapeMachine(n.g, G.BindDualValues(n.learn...))
	return n, nil
}

func (n *network) fwd() error {
	conv := func(in, w, b *G.Node) (*G.Node, error) {
		out, err := G.Conv2d(in, w, tensor.Shape{kernel, kernel}, []int{0, 0}, []int{1, 1}, []int{1, 1})
		if err != nil {
			return nil, errors.Wrap(err, "conv2d")
		}
		if out, err = G.BroadcastAdd(out, b, nil, []byte{0, 2, 3}); err != nil {
			return nil, errors.Wrap(err, "conv bias")
		}
		return G.Rectify(out)
	}

	h, err := conv(n.x, n.learn[0], n.learn[1])
	if err != nil {
		return err
	}
	if h, err = conv(h, n.learn[2], n.learn[3]); err != nil {
		return err
	}

	s := n.size - 2*(kernel-1)
	features := h.Shape()[1] * s * s
	if h, err = G.Reshape(h, tensor.Shape{n.batch, features}); err != nil {
		return errors.Wrap(err, "flatten")
	}

	logits, err := G.Mul(h, n.learn[4])
	if err != nil {
		return errors.Wrap(err, "dense")
	}
	if logits, err = G.BroadcastAdd(logits, n.learn[5], nil, []byte{0}); err != nil {
		return errors.Wrap(err, "dense bias")
	}
	n.prob, err = G.SoftMax(logits)
	return errors.Wrap(err, "softmax")
}

// loss is the mean categorical cross-entropy between y and prob.
func (n *network) loss() error {
	eps := G.NewConstant(float32(logEpsilon))
	safe, err := G.Add(n.prob, eps)
	if err != nil {
		return err
	}
	logp, err := G.Log(safe)
	if err != nil {
		return err
	}
	prod, err := G.HadamardProd(n.y, logp)
	if err != nil {
		return err
	}
	perSample, err := G.Sum(prod, 1)
	if err != nil {
		return err
	}
	mean, err := G.Mean(perSample)
	if err != nil {
		return err
	}
	n.cost, err = G.Neg(mean)
	return err
}

// run feeds one batch and returns a copy of the probabilities, row major
// batch x classes. y is ignored by inference networks. Gradients of a
// training run stay bound until the next call.
func (n *network) run(x, y []float32) ([]float32, error) {
	n.vm.Reset()

	if err := G.Let(n.x, tensor.New(tensor.WithShape(n.batch, 1, n.size, n.size), tensor.WithBacking(x))); err != nil {
		return nil, errors.Wrap(err, "bind input")
	}
	if n.y != nil {
		if err := G.Let(n.y, tensor.New(tensor.WithShape(n.batch, n.classes), tensor.WithBacking(y))); err != nil {
			return nil, errors.Wrap(err, "bind targets")
		}
	}
	if err := n.vm.RunAll(); err != nil {
		return nil, errors.Wrap(err, "run network")
	}

	prob, ok := n.probVal.Data().([]float32)
	if !ok {
		return nil, errors.Errorf("unexpected output type %T", n.probVal.Data())
	}
	return append([]float32(nil), prob...), nil
}

func (n *network) lossValue() float32 {
	if n.costVal == nil {
		return 0
	}
	v, _ := n.costVal.Data().(float32)
	return v
}

// snapshot copies the current weights out of the graph.
func (n *network) snapshot(base *Params) *Params {
	p := base.clone()
	for i, w := range p.weights() {
		w.Data = append(w.Data[:0], n.learn[i].Value().Data().([]float32)...)
	}
	return p
}

func (n *network) Close() error {
	return n.vm.Close()
}

// predictAll runs x (count samples) through an inference network built
// from p, padding the last batch by repeating the first samples.
func predictAll(p *Params, x []float32, count, batch int) ([]float32, error) {
	if count == 0 {
		return nil, nil
	}
	if batch > count {
		batch = count
	}
	net, err := newNetwork(p, batch, false)
	if err != nil {
		return nil, err
	}
	defer net.Close()

	pixels := p.InputSize * p.InputSize
	out := make([]float32, 0, count*p.Classes)
	buf := make([]float32, batch*pixels)
	for start := 0; start < count; start += batch {
		for i := 0; i < batch; i++ {
			src := (start + i) % count
			copy(buf[i*pixels:(i+1)*pixels], x[src*pixels:(src+1)*pixels])
		}
		prob, err := net.run(buf, nil)
		if err != nil {
			return nil, err
		}
		keep := batch
		if start+batch > count {
			keep = count - start
		}
		out = append(out, prob[:keep*p.Classes]...)
	}
	return out, nil
}
