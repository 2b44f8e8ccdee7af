// Package tensor implements the dense-array and reverse-mode differentiation
// substrate used by the reversible network and the transport losses.
//
// Values are flat float64 buffers with an explicit shape. Operations are
// recorded on an explicit Graph; replaying the recorded steps in reverse
// propagates gradients into every tensor that owns a gradient buffer.
package tensor

import (
	"fmt"
	"math"
)

// Tensor is a dense N-dimensional array. A tensor tracks gradients when its
// grad buffer is non-nil; constants carry data only.
type Tensor struct {
	data  []float64
	grad  []float64
	shape []int
}

func numElems(shape []int) int {
	n := 1
	for _, s := range shape {
		if s < 0 {
			panic(fmt.Sprintf("tensor: negative dimension %d", s))
		}
		n *= s
	}
	return n
}

// New creates a zero-filled constant tensor.
func New(shape ...int) *Tensor {
	return &Tensor{
		data:  make([]float64, numElems(shape)),
		shape: append([]int(nil), shape...),
	}
}

// FromSlice creates a constant tensor sharing nothing with the input slice.
func FromSlice(data []float64, shape ...int) *Tensor {
	if len(data) != numElems(shape) {
		panic(fmt.Sprintf("tensor: data length %d does not match shape %v", len(data), shape))
	}
	d := make([]float64, len(data))
	copy(d, data)
	return &Tensor{data: d, shape: append([]int(nil), shape...)}
}

// NewParam creates a learnable tensor with an attached gradient buffer.
func NewParam(data []float64, shape ...int) *Tensor {
	t := FromSlice(data, shape...)
	t.grad = make([]float64, len(t.data))
	return t
}

// Shape returns the dimensions of the tensor.
func (t *Tensor) Shape() []int { return append([]int(nil), t.shape...) }

// Dim returns the size of dimension i.
func (t *Tensor) Dim(i int) int { return t.shape[i] }

// Len returns the total number of elements.
func (t *Tensor) Len() int { return len(t.data) }

// Rows returns the leading dimension.
func (t *Tensor) Rows() int { return t.shape[0] }

// Cols returns the second dimension of a matrix.
func (t *Tensor) Cols() int {
	if len(t.shape) != 2 {
		panic("tensor: Cols on non-matrix")
	}
	return t.shape[1]
}

// Data exposes the raw value buffer. Mutating it bypasses the graph; that is
// exactly what the post-step parameter projections need.
func (t *Tensor) Data() []float64 { return t.data }

// Grad exposes the raw gradient buffer (nil for constants).
func (t *Tensor) Grad() []float64 { return t.grad }

// Tracked reports whether the tensor accumulates gradients.
func (t *Tensor) Tracked() bool { return t.grad != nil }

// ZeroGrad clears the gradient buffer.
func (t *Tensor) ZeroGrad() {
	for i := range t.grad {
		t.grad[i] = 0
	}
}

// NegGrad flips the sign of the accumulated gradient. The adversarial
// directions use this before their optimizer step so the step ascends.
func (t *Tensor) NegGrad() {
	for i := range t.grad {
		t.grad[i] = -t.grad[i]
	}
}

// At returns the element at a 2-D position.
func (t *Tensor) At(i, j int) float64 {
	if len(t.shape) != 2 {
		panic("tensor: At on non-matrix")
	}
	return t.data[i*t.shape[1]+j]
}

// AtVec returns element i of a 1-D tensor.
func (t *Tensor) AtVec(i int) float64 {
	if len(t.shape) != 1 {
		panic("tensor: AtVec on non-vector")
	}
	return t.data[i]
}

// Scalar returns the value of a single-element tensor.
func (t *Tensor) Scalar() float64 {
	if len(t.data) != 1 {
		panic(fmt.Sprintf("tensor: Scalar on tensor of %d elements", len(t.data)))
	}
	return t.data[0]
}

// Clone returns a constant deep copy of the tensor values.
func (t *Tensor) Clone() *Tensor {
	return FromSlice(t.data, t.shape...)
}

// Norm returns the Euclidean norm of the tensor values.
func (t *Tensor) Norm() float64 {
	sum := 0.0
	for _, v := range t.data {
		sum += v * v
	}
	return math.Sqrt(sum)
}

func sameShape(a, b *Tensor) bool {
	if len(a.shape) != len(b.shape) {
		return false
	}
	for i := range a.shape {
		if a.shape[i] != b.shape[i] {
			return false
		}
	}
	return true
}

func assertSameShape(op string, a, b *Tensor) {
	if !sameShape(a, b) {
		panic(fmt.Sprintf("tensor: %s shape mismatch %v vs %v", op, a.shape, b.shape))
	}
}

func assertMatrix(op string, t *Tensor) {
	if len(t.shape) != 2 {
		panic(fmt.Sprintf("tensor: %s requires a matrix, got shape %v", op, t.shape))
	}
}

func assertVector(op string, t *Tensor) {
	if len(t.shape) != 1 {
		panic(fmt.Sprintf("tensor: %s requires a vector, got shape %v", op, t.shape))
	}
}
