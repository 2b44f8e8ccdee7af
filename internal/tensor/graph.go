package tensor

import (
	"fmt"
	"math"
)

// Graph records the operations of one forward pass so Backward can replay
// them in reverse. A fresh graph per training step keeps gradient state
// explicit; nothing global is touched.
type Graph struct {
	steps []func()
}

// NewGraph creates an empty recording graph.
func NewGraph() *Graph {
	return &Graph{}
}

func (g *Graph) record(f func()) {
	g.steps = append(g.steps, f)
}

// tracked reports whether any input participates in differentiation.
func tracked(ts ...*Tensor) bool {
	for _, t := range ts {
		if t.grad != nil {
			return true
		}
	}
	return false
}

// output allocates the result tensor, with a gradient buffer when any input
// is tracked.
func (g *Graph) output(shape []int, inputs ...*Tensor) *Tensor {
	out := &Tensor{
		data:  make([]float64, numElems(shape)),
		shape: append([]int(nil), shape...),
	}
	if tracked(inputs...) {
		out.grad = make([]float64, len(out.data))
	}
	return out
}

// Backward seeds the scalar loss with gradient 1 and replays all recorded
// steps in reverse order.
func (g *Graph) Backward(loss *Tensor) {
	if len(loss.data) != 1 {
		panic(fmt.Sprintf("tensor: Backward needs a scalar loss, got shape %v", loss.shape))
	}
	if loss.grad == nil {
		panic("tensor: Backward on an untracked loss")
	}
	loss.grad[0] = 1
	for i := len(g.steps) - 1; i >= 0; i-- {
		g.steps[i]()
	}
}

// Add returns a + b elementwise.
func (g *Graph) Add(a, b *Tensor) *Tensor {
	assertSameShape("Add", a, b)
	out := g.output(a.shape, a, b)
	for i := range out.data {
		out.data[i] = a.data[i] + b.data[i]
	}
	if out.grad != nil {
		g.record(func() {
			for i, d := range out.grad {
				if a.grad != nil {
					a.grad[i] += d
				}
				if b.grad != nil {
					b.grad[i] += d
				}
			}
		})
	}
	return out
}

// Sub returns a - b elementwise.
func (g *Graph) Sub(a, b *Tensor) *Tensor {
	assertSameShape("Sub", a, b)
	out := g.output(a.shape, a, b)
	for i := range out.data {
		out.data[i] = a.data[i] - b.data[i]
	}
	if out.grad != nil {
		g.record(func() {
			for i, d := range out.grad {
				if a.grad != nil {
					a.grad[i] += d
				}
				if b.grad != nil {
					b.grad[i] -= d
				}
			}
		})
	}
	return out
}

// Mul returns a * b elementwise.
func (g *Graph) Mul(a, b *Tensor) *Tensor {
	assertSameShape("Mul", a, b)
	out := g.output(a.shape, a, b)
	for i := range out.data {
		out.data[i] = a.data[i] * b.data[i]
	}
	if out.grad != nil {
		g.record(func() {
			for i, d := range out.grad {
				if a.grad != nil {
					a.grad[i] += d * b.data[i]
				}
				if b.grad != nil {
					b.grad[i] += d * a.data[i]
				}
			}
		})
	}
	return out
}

// Div returns a / b elementwise. Degenerate denominators are the caller's
// responsibility (clamp first).
func (g *Graph) Div(a, b *Tensor) *Tensor {
	assertSameShape("Div", a, b)
	out := g.output(a.shape, a, b)
	for i := range out.data {
		out.data[i] = a.data[i] / b.data[i]
	}
	if out.grad != nil {
		g.record(func() {
			for i, d := range out.grad {
				if a.grad != nil {
					a.grad[i] += d / b.data[i]
				}
				if b.grad != nil {
					b.grad[i] -= d * a.data[i] / (b.data[i] * b.data[i])
				}
			}
		})
	}
	return out
}

// Neg returns -a.
func (g *Graph) Neg(a *Tensor) *Tensor {
	return g.Scale(a, -1)
}

// Scale returns s * a for a plain scalar s.
func (g *Graph) Scale(a *Tensor, s float64) *Tensor {
	out := g.output(a.shape, a)
	for i := range out.data {
		out.data[i] = a.data[i] * s
	}
	if out.grad != nil {
		g.record(func() {
			for i, d := range out.grad {
				a.grad[i] += d * s
			}
		})
	}
	return out
}

// AddScalar returns a + s elementwise.
func (g *Graph) AddScalar(a *Tensor, s float64) *Tensor {
	out := g.output(a.shape, a)
	for i := range out.data {
		out.data[i] = a.data[i] + s
	}
	if out.grad != nil {
		g.record(func() {
			for i, d := range out.grad {
				a.grad[i] += d
			}
		})
	}
	return out
}

// Abs returns |a| elementwise. The subgradient at zero is zero.
func (g *Graph) Abs(a *Tensor) *Tensor {
	out := g.output(a.shape, a)
	for i := range out.data {
		out.data[i] = math.Abs(a.data[i])
	}
	if out.grad != nil {
		g.record(func() {
			for i, d := range out.grad {
				switch {
				case a.data[i] > 0:
					a.grad[i] += d
				case a.data[i] < 0:
					a.grad[i] -= d
				}
			}
		})
	}
	return out
}

// Square returns a*a elementwise.
func (g *Graph) Square(a *Tensor) *Tensor {
	out := g.output(a.shape, a)
	for i := range out.data {
		out.data[i] = a.data[i] * a.data[i]
	}
	if out.grad != nil {
		g.record(func() {
			for i, d := range out.grad {
				a.grad[i] += d * 2 * a.data[i]
			}
		})
	}
	return out
}

// Sqrt returns sqrt(a) elementwise.
func (g *Graph) Sqrt(a *Tensor) *Tensor {
	out := g.output(a.shape, a)
	for i := range out.data {
		out.data[i] = math.Sqrt(a.data[i])
	}
	if out.grad != nil {
		g.record(func() {
			for i, d := range out.grad {
				if out.data[i] > 0 {
					a.grad[i] += d / (2 * out.data[i])
				}
			}
		})
	}
	return out
}

// Exp returns exp(a) elementwise.
func (g *Graph) Exp(a *Tensor) *Tensor {
	out := g.output(a.shape, a)
	for i := range out.data {
		out.data[i] = math.Exp(a.data[i])
	}
	if out.grad != nil {
		g.record(func() {
			for i, d := range out.grad {
				a.grad[i] += d * out.data[i]
			}
		})
	}
	return out
}

// Log returns ln(a) elementwise.
func (g *Graph) Log(a *Tensor) *Tensor {
	out := g.output(a.shape, a)
	for i := range out.data {
		out.data[i] = math.Log(a.data[i])
	}
	if out.grad != nil {
		g.record(func() {
			for i, d := range out.grad {
				a.grad[i] += d / a.data[i]
			}
		})
	}
	return out
}

// Erf returns erf(a) elementwise.
func (g *Graph) Erf(a *Tensor) *Tensor {
	out := g.output(a.shape, a)
	for i := range out.data {
		out.data[i] = math.Erf(a.data[i])
	}
	if out.grad != nil {
		twoOverSqrtPi := 2 / math.Sqrt(math.Pi)
		g.record(func() {
			for i, d := range out.grad {
				a.grad[i] += d * twoOverSqrtPi * math.Exp(-a.data[i]*a.data[i])
			}
		})
	}
	return out
}

// Erfinv returns the inverse error function elementwise. Its derivative is
// 0.5*sqrt(pi)*exp(erfinv(x)^2).
func (g *Graph) Erfinv(a *Tensor) *Tensor {
	out := g.output(a.shape, a)
	for i := range out.data {
		out.data[i] = math.Erfinv(a.data[i])
	}
	if out.grad != nil {
		halfSqrtPi := 0.5 * math.Sqrt(math.Pi)
		g.record(func() {
			for i, d := range out.grad {
				a.grad[i] += d * halfSqrtPi * math.Exp(out.data[i]*out.data[i])
			}
		})
	}
	return out
}

// Cumsum returns the running sum of a vector. The gradient of element i is
// the reverse running sum of the output gradients from i on.
func (g *Graph) Cumsum(a *Tensor) *Tensor {
	assertVector("Cumsum", a)
	out := g.output(a.shape, a)
	s := 0.0
	for i, v := range a.data {
		s += v
		out.data[i] = s
	}
	if out.grad != nil {
		g.record(func() {
			acc := 0.0
			for i := len(out.grad) - 1; i >= 0; i-- {
				acc += out.grad[i]
				a.grad[i] += acc
			}
		})
	}
	return out
}

// ClampMin returns max(a, min) elementwise; the gradient passes through only
// where the value was not clamped.
func (g *Graph) ClampMin(a *Tensor, min float64) *Tensor {
	out := g.output(a.shape, a)
	for i := range out.data {
		out.data[i] = math.Max(a.data[i], min)
	}
	if out.grad != nil {
		g.record(func() {
			for i, d := range out.grad {
				if a.data[i] > min {
					a.grad[i] += d
				}
			}
		})
	}
	return out
}

// Clamp returns a limited to [min, max]; gradient passes inside the range.
func (g *Graph) Clamp(a *Tensor, min, max float64) *Tensor {
	out := g.output(a.shape, a)
	for i := range out.data {
		out.data[i] = math.Min(math.Max(a.data[i], min), max)
	}
	if out.grad != nil {
		g.record(func() {
			for i, d := range out.grad {
				if a.data[i] > min && a.data[i] < max {
					a.grad[i] += d
				}
			}
		})
	}
	return out
}

// Detach returns a constant copy of a: same forward value, no gradient.
func (g *Graph) Detach(a *Tensor) *Tensor {
	return a.Clone()
}

// Sum reduces all elements to a single scalar.
func (g *Graph) Sum(a *Tensor) *Tensor {
	out := g.output([]int{1}, a)
	s := 0.0
	for _, v := range a.data {
		s += v
	}
	out.data[0] = s
	if out.grad != nil {
		g.record(func() {
			d := out.grad[0]
			for i := range a.grad {
				a.grad[i] += d
			}
		})
	}
	return out
}

// Mean reduces all elements to their arithmetic mean.
func (g *Graph) Mean(a *Tensor) *Tensor {
	out := g.output([]int{1}, a)
	s := 0.0
	for _, v := range a.data {
		s += v
	}
	n := float64(len(a.data))
	out.data[0] = s / n
	if out.grad != nil {
		g.record(func() {
			d := out.grad[0] / n
			for i := range a.grad {
				a.grad[i] += d
			}
		})
	}
	return out
}

// MeanDim0 averages a matrix over its rows, returning one value per column.
func (g *Graph) MeanDim0(a *Tensor) *Tensor {
	assertMatrix("MeanDim0", a)
	n, k := a.shape[0], a.shape[1]
	out := g.output([]int{k}, a)
	for j := 0; j < k; j++ {
		s := 0.0
		for i := 0; i < n; i++ {
			s += a.data[i*k+j]
		}
		out.data[j] = s / float64(n)
	}
	if out.grad != nil {
		g.record(func() {
			for j := 0; j < k; j++ {
				d := out.grad[j] / float64(n)
				for i := 0; i < n; i++ {
					a.grad[i*k+j] += d
				}
			}
		})
	}
	return out
}

// MeanDim1 averages a matrix over its columns, returning one value per row.
func (g *Graph) MeanDim1(a *Tensor) *Tensor {
	assertMatrix("MeanDim1", a)
	n, k := a.shape[0], a.shape[1]
	out := g.output([]int{n}, a)
	for i := 0; i < n; i++ {
		s := 0.0
		for j := 0; j < k; j++ {
			s += a.data[i*k+j]
		}
		out.data[i] = s / float64(k)
	}
	if out.grad != nil {
		g.record(func() {
			for i := 0; i < n; i++ {
				d := out.grad[i] / float64(k)
				for j := 0; j < k; j++ {
					a.grad[i*k+j] += d
				}
			}
		})
	}
	return out
}

// SumDim1 sums a matrix over its columns, returning one value per row.
func (g *Graph) SumDim1(a *Tensor) *Tensor {
	assertMatrix("SumDim1", a)
	n, k := a.shape[0], a.shape[1]
	out := g.output([]int{n}, a)
	for i := 0; i < n; i++ {
		s := 0.0
		for j := 0; j < k; j++ {
			s += a.data[i*k+j]
		}
		out.data[i] = s
	}
	if out.grad != nil {
		g.record(func() {
			for i := 0; i < n; i++ {
				d := out.grad[i]
				for j := 0; j < k; j++ {
					a.grad[i*k+j] += d
				}
			}
		})
	}
	return out
}
