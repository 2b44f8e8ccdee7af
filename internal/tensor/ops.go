package tensor

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// MatMul returns a @ b for matrices a [m,k] and b [k,n].
func (g *Graph) MatMul(a, b *Tensor) *Tensor {
	assertMatrix("MatMul", a)
	assertMatrix("MatMul", b)
	m, ka := a.shape[0], a.shape[1]
	kb, n := b.shape[0], b.shape[1]
	if ka != kb {
		panic(fmt.Sprintf("tensor: MatMul inner dimensions %d vs %d", ka, kb))
	}
	am := mat.NewDense(m, ka, a.data)
	bm := mat.NewDense(kb, n, b.data)
	var cm mat.Dense
	cm.Mul(am, bm)
	out := g.output([]int{m, n}, a, b)
	copy(out.data, cm.RawMatrix().Data)
	if out.grad != nil {
		g.record(func() {
			gc := mat.NewDense(m, n, out.grad)
			if a.grad != nil {
				// dL/dA = gradC @ B^T
				var ga mat.Dense
				ga.Mul(gc, bm.T())
				raw := ga.RawMatrix().Data
				for i := range a.grad {
					a.grad[i] += raw[i]
				}
			}
			if b.grad != nil {
				// dL/dB = A^T @ gradC
				var gb mat.Dense
				gb.Mul(am.T(), gc)
				raw := gb.RawMatrix().Data
				for i := range b.grad {
					b.grad[i] += raw[i]
				}
			}
		})
	}
	return out
}

// Transpose returns the matrix transpose of a.
func (g *Graph) Transpose(a *Tensor) *Tensor {
	assertMatrix("Transpose", a)
	n, k := a.shape[0], a.shape[1]
	out := g.output([]int{k, n}, a)
	for i := 0; i < n; i++ {
		for j := 0; j < k; j++ {
			out.data[j*n+i] = a.data[i*k+j]
		}
	}
	if out.grad != nil {
		g.record(func() {
			for i := 0; i < n; i++ {
				for j := 0; j < k; j++ {
					a.grad[i*k+j] += out.grad[j*n+i]
				}
			}
		})
	}
	return out
}

// AddRowVec adds vector v [k] to every row of a [n,k].
func (g *Graph) AddRowVec(a, v *Tensor) *Tensor {
	return g.rowBroadcast("AddRowVec", a, v, func(x, y float64) (float64, float64, float64) {
		return x + y, 1, 1
	})
}

// SubRowVec subtracts vector v [k] from every row of a [n,k].
func (g *Graph) SubRowVec(a, v *Tensor) *Tensor {
	return g.rowBroadcast("SubRowVec", a, v, func(x, y float64) (float64, float64, float64) {
		return x - y, 1, -1
	})
}

// MulRowVec multiplies every row of a [n,k] by vector v [k].
func (g *Graph) MulRowVec(a, v *Tensor) *Tensor {
	return g.rowBroadcast("MulRowVec", a, v, func(x, y float64) (float64, float64, float64) {
		return x * y, y, x
	})
}

// DivRowVec divides every row of a [n,k] by vector v [k].
func (g *Graph) DivRowVec(a, v *Tensor) *Tensor {
	return g.rowBroadcast("DivRowVec", a, v, func(x, y float64) (float64, float64, float64) {
		return x / y, 1 / y, -x / (y * y)
	})
}

// rowBroadcast applies f(a[i,j], v[j]) returning the value and the two local
// partial derivatives.
func (g *Graph) rowBroadcast(op string, a, v *Tensor, f func(x, y float64) (val, dx, dy float64)) *Tensor {
	assertMatrix(op, a)
	assertVector(op, v)
	n, k := a.shape[0], a.shape[1]
	if v.shape[0] != k {
		panic(fmt.Sprintf("tensor: %s vector length %d vs %d columns", op, v.shape[0], k))
	}
	out := g.output([]int{n, k}, a, v)
	for i := 0; i < n; i++ {
		for j := 0; j < k; j++ {
			val, _, _ := f(a.data[i*k+j], v.data[j])
			out.data[i*k+j] = val
		}
	}
	if out.grad != nil {
		g.record(func() {
			for i := 0; i < n; i++ {
				for j := 0; j < k; j++ {
					_, dx, dy := f(a.data[i*k+j], v.data[j])
					d := out.grad[i*k+j]
					if a.grad != nil {
						a.grad[i*k+j] += d * dx
					}
					if v.grad != nil {
						v.grad[j] += d * dy
					}
				}
			}
		})
	}
	return out
}

// MulColVec multiplies every column of a [n,k] by vector v [n].
func (g *Graph) MulColVec(a, v *Tensor) *Tensor {
	assertMatrix("MulColVec", a)
	assertVector("MulColVec", v)
	n, k := a.shape[0], a.shape[1]
	if v.shape[0] != n {
		panic(fmt.Sprintf("tensor: MulColVec vector length %d vs %d rows", v.shape[0], n))
	}
	out := g.output([]int{n, k}, a, v)
	for i := 0; i < n; i++ {
		for j := 0; j < k; j++ {
			out.data[i*k+j] = a.data[i*k+j] * v.data[i]
		}
	}
	if out.grad != nil {
		g.record(func() {
			for i := 0; i < n; i++ {
				for j := 0; j < k; j++ {
					d := out.grad[i*k+j]
					if a.grad != nil {
						a.grad[i*k+j] += d * v.data[i]
					}
					if v.grad != nil {
						v.grad[i] += d * a.data[i*k+j]
					}
				}
			}
		})
	}
	return out
}

// SubColVec subtracts vector v [n] from every column of a [n,k].
func (g *Graph) SubColVec(a, v *Tensor) *Tensor {
	assertMatrix("SubColVec", a)
	assertVector("SubColVec", v)
	n, k := a.shape[0], a.shape[1]
	if v.shape[0] != n {
		panic(fmt.Sprintf("tensor: SubColVec vector length %d vs %d rows", v.shape[0], n))
	}
	out := g.output([]int{n, k}, a, v)
	for i := 0; i < n; i++ {
		for j := 0; j < k; j++ {
			out.data[i*k+j] = a.data[i*k+j] - v.data[i]
		}
	}
	if out.grad != nil {
		g.record(func() {
			for i := 0; i < n; i++ {
				for j := 0; j < k; j++ {
					d := out.grad[i*k+j]
					if a.grad != nil {
						a.grad[i*k+j] += d
					}
					if v.grad != nil {
						v.grad[i] -= d
					}
				}
			}
		})
	}
	return out
}

// OuterColRow returns out[i,j] = col[i] * row[j] for a constant column and a
// tracked row vector. Used to scale constant quantiles by projected stds.
func (g *Graph) OuterColRow(col []float64, row *Tensor) *Tensor {
	assertVector("OuterColRow", row)
	n, k := len(col), row.shape[0]
	out := g.output([]int{n, k}, row)
	for i := 0; i < n; i++ {
		for j := 0; j < k; j++ {
			out.data[i*k+j] = col[i] * row.data[j]
		}
	}
	if out.grad != nil {
		g.record(func() {
			for i := 0; i < n; i++ {
				for j := 0; j < k; j++ {
					row.grad[j] += out.grad[i*k+j] * col[i]
				}
			}
		})
	}
	return out
}

// Row returns row i of a matrix as a vector.
func (g *Graph) Row(a *Tensor, i int) *Tensor {
	assertMatrix("Row", a)
	k := a.shape[1]
	out := g.output([]int{k}, a)
	copy(out.data, a.data[i*k:(i+1)*k])
	if out.grad != nil {
		g.record(func() {
			for j := 0; j < k; j++ {
				a.grad[i*k+j] += out.grad[j]
			}
		})
	}
	return out
}

// Col returns column j of a matrix as a vector.
func (g *Graph) Col(a *Tensor, j int) *Tensor {
	assertMatrix("Col", a)
	n, k := a.shape[0], a.shape[1]
	out := g.output([]int{n}, a)
	for i := 0; i < n; i++ {
		out.data[i] = a.data[i*k+j]
	}
	if out.grad != nil {
		g.record(func() {
			for i := 0; i < n; i++ {
				a.grad[i*k+j] += out.grad[i]
			}
		})
	}
	return out
}

// Index returns element i of a vector as a scalar tensor.
func (g *Graph) Index(a *Tensor, i int) *Tensor {
	assertVector("Index", a)
	out := g.output([]int{1}, a)
	out.data[0] = a.data[i]
	if out.grad != nil {
		g.record(func() {
			a.grad[i] += out.grad[0]
		})
	}
	return out
}

// ExpandScalar repeats a scalar tensor into a vector of length n.
func (g *Graph) ExpandScalar(a *Tensor, n int) *Tensor {
	if len(a.data) != 1 {
		panic("tensor: ExpandScalar needs a scalar")
	}
	out := g.output([]int{n}, a)
	for i := range out.data {
		out.data[i] = a.data[0]
	}
	if out.grad != nil {
		g.record(func() {
			for _, d := range out.grad {
				a.grad[0] += d
			}
		})
	}
	return out
}

// RepeatRow tiles a vector v [k] into a matrix of n identical rows.
func (g *Graph) RepeatRow(v *Tensor, n int) *Tensor {
	assertVector("RepeatRow", v)
	k := v.shape[0]
	out := g.output([]int{n, k}, v)
	for i := 0; i < n; i++ {
		copy(out.data[i*k:(i+1)*k], v.data)
	}
	if out.grad != nil {
		g.record(func() {
			for i := 0; i < n; i++ {
				for j := 0; j < k; j++ {
					v.grad[j] += out.grad[i*k+j]
				}
			}
		})
	}
	return out
}

// RowGather selects rows of a [n,k] by index, producing [len(idx),k].
func (g *Graph) RowGather(a *Tensor, idx []int) *Tensor {
	assertMatrix("RowGather", a)
	k := a.shape[1]
	m := len(idx)
	out := g.output([]int{m, k}, a)
	for r, i := range idx {
		copy(out.data[r*k:(r+1)*k], a.data[i*k:(i+1)*k])
	}
	if out.grad != nil {
		g.record(func() {
			for r, i := range idx {
				for j := 0; j < k; j++ {
					a.grad[i*k+j] += out.grad[r*k+j]
				}
			}
		})
	}
	return out
}

// VecGather selects elements of a vector by index.
func (g *Graph) VecGather(a *Tensor, idx []int) *Tensor {
	assertVector("VecGather", a)
	out := g.output([]int{len(idx)}, a)
	for r, i := range idx {
		out.data[r] = a.data[i]
	}
	if out.grad != nil {
		g.record(func() {
			for r, i := range idx {
				a.grad[i] += out.grad[r]
			}
		})
	}
	return out
}

// SortColumns sorts each column of a [n,k] in ascending order and returns the
// sorted matrix plus, per column, the source row of each output rank. The
// permutation routes gradients back to the unsorted positions.
func (g *Graph) SortColumns(a *Tensor) (*Tensor, [][]int) {
	assertMatrix("SortColumns", a)
	n, k := a.shape[0], a.shape[1]
	perm := make([][]int, k)
	for j := 0; j < k; j++ {
		idx := make([]int, n)
		for i := range idx {
			idx[i] = i
		}
		col := j
		sort.SliceStable(idx, func(x, y int) bool {
			return a.data[idx[x]*k+col] < a.data[idx[y]*k+col]
		})
		perm[j] = idx
	}
	return g.ApplyColumnPerm(a, perm), perm
}

// ApplyColumnPerm reorders each column j of a [n,k] so that output rank r
// holds a[perm[j][r], j].
func (g *Graph) ApplyColumnPerm(a *Tensor, perm [][]int) *Tensor {
	assertMatrix("ApplyColumnPerm", a)
	n, k := a.shape[0], a.shape[1]
	if len(perm) != k {
		panic(fmt.Sprintf("tensor: ApplyColumnPerm got %d permutations for %d columns", len(perm), k))
	}
	out := g.output([]int{n, k}, a)
	for j := 0; j < k; j++ {
		for r := 0; r < n; r++ {
			out.data[r*k+j] = a.data[perm[j][r]*k+j]
		}
	}
	if out.grad != nil {
		g.record(func() {
			for j := 0; j < k; j++ {
				for r := 0; r < n; r++ {
					a.grad[perm[j][r]*k+j] += out.grad[r*k+j]
				}
			}
		})
	}
	return out
}

// SpreadVecByColumns builds a matrix whose column j is v reordered by
// perm[j]: out[r,j] = v[perm[j][r]]. Used to carry per-sample weights and
// stds through a per-direction sort.
func (g *Graph) SpreadVecByColumns(v *Tensor, perm [][]int) *Tensor {
	assertVector("SpreadVecByColumns", v)
	n := v.shape[0]
	k := len(perm)
	out := g.output([]int{n, k}, v)
	for j := 0; j < k; j++ {
		for r := 0; r < n; r++ {
			out.data[r*k+j] = v.data[perm[j][r]]
		}
	}
	if out.grad != nil {
		g.record(func() {
			for j := 0; j < k; j++ {
				for r := 0; r < n; r++ {
					v.grad[perm[j][r]] += out.grad[r*k+j]
				}
			}
		})
	}
	return out
}

// ConcatRows stacks matrices with equal column counts along dimension 0.
func (g *Graph) ConcatRows(parts ...*Tensor) *Tensor {
	if len(parts) == 0 {
		panic("tensor: ConcatRows of nothing")
	}
	k := parts[0].shape[1]
	total := 0
	for _, p := range parts {
		assertMatrix("ConcatRows", p)
		if p.shape[1] != k {
			panic("tensor: ConcatRows column mismatch")
		}
		total += p.shape[0]
	}
	out := g.output([]int{total, k}, parts...)
	off := 0
	for _, p := range parts {
		copy(out.data[off:off+len(p.data)], p.data)
		off += len(p.data)
	}
	if out.grad != nil {
		g.record(func() {
			off := 0
			for _, p := range parts {
				if p.grad != nil {
					for i := range p.grad {
						p.grad[i] += out.grad[off+i]
					}
				}
				off += len(p.data)
			}
		})
	}
	return out
}

// ConcatVecs concatenates vectors along their only dimension.
func (g *Graph) ConcatVecs(parts ...*Tensor) *Tensor {
	if len(parts) == 0 {
		panic("tensor: ConcatVecs of nothing")
	}
	total := 0
	for _, p := range parts {
		assertVector("ConcatVecs", p)
		total += p.shape[0]
	}
	out := g.output([]int{total}, parts...)
	off := 0
	for _, p := range parts {
		copy(out.data[off:off+len(p.data)], p.data)
		off += len(p.data)
	}
	if out.grad != nil {
		g.record(func() {
			off := 0
			for _, p := range parts {
				if p.grad != nil {
					for i := range p.grad {
						p.grad[i] += out.grad[off+i]
					}
				}
				off += len(p.data)
			}
		})
	}
	return out
}

// RowsRange returns rows [from, to) of a matrix.
func (g *Graph) RowsRange(a *Tensor, from, to int) *Tensor {
	assertMatrix("RowsRange", a)
	k := a.shape[1]
	out := g.output([]int{to - from, k}, a)
	copy(out.data, a.data[from*k:to*k])
	if out.grad != nil {
		g.record(func() {
			for i := range out.grad {
				a.grad[from*k+i] += out.grad[i]
			}
		})
	}
	return out
}

// Reshape returns a tensor with the same elements and a new shape.
func (g *Graph) Reshape(a *Tensor, shape ...int) *Tensor {
	if numElems(shape) != len(a.data) {
		panic(fmt.Sprintf("tensor: Reshape %v to %v", a.shape, shape))
	}
	out := g.output(shape, a)
	copy(out.data, a.data)
	if out.grad != nil {
		g.record(func() {
			for i, d := range out.grad {
				a.grad[i] += d
			}
		})
	}
	return out
}

// NarrowDim1 slices [from, to) along dimension 1 of a tensor with at least
// two dimensions (channel slicing for NCHW batches).
func (g *Graph) NarrowDim1(a *Tensor, from, to int) *Tensor {
	if len(a.shape) < 2 {
		panic("tensor: NarrowDim1 needs at least 2 dimensions")
	}
	outer := a.shape[0]
	mid := a.shape[1]
	inner := 1
	for _, s := range a.shape[2:] {
		inner *= s
	}
	width := to - from
	outShape := append([]int{outer, width}, a.shape[2:]...)
	out := g.output(outShape, a)
	for o := 0; o < outer; o++ {
		src := (o*mid + from) * inner
		dst := o * width * inner
		copy(out.data[dst:dst+width*inner], a.data[src:src+width*inner])
	}
	if out.grad != nil {
		g.record(func() {
			for o := 0; o < outer; o++ {
				src := (o*mid + from) * inner
				dst := o * width * inner
				for i := 0; i < width*inner; i++ {
					a.grad[src+i] += out.grad[dst+i]
				}
			}
		})
	}
	return out
}

// ConcatDim1 concatenates tensors along dimension 1; all other dimensions
// must agree (channel concatenation for NCHW batches).
func (g *Graph) ConcatDim1(parts ...*Tensor) *Tensor {
	if len(parts) == 0 {
		panic("tensor: ConcatDim1 of nothing")
	}
	first := parts[0]
	if len(first.shape) < 2 {
		panic("tensor: ConcatDim1 needs at least 2 dimensions")
	}
	outer := first.shape[0]
	inner := 1
	for _, s := range first.shape[2:] {
		inner *= s
	}
	mid := 0
	for _, p := range parts {
		if len(p.shape) != len(first.shape) || p.shape[0] != outer {
			panic("tensor: ConcatDim1 shape mismatch")
		}
		for d := 2; d < len(p.shape); d++ {
			if p.shape[d] != first.shape[d] {
				panic("tensor: ConcatDim1 shape mismatch")
			}
		}
		mid += p.shape[1]
	}
	outShape := append([]int{outer, mid}, first.shape[2:]...)
	out := g.output(outShape, parts...)
	for o := 0; o < outer; o++ {
		off := 0
		for _, p := range parts {
			w := p.shape[1] * inner
			copy(out.data[(o*mid)*inner+off:(o*mid)*inner+off+w], p.data[o*w:(o+1)*w])
			off += w
		}
	}
	if out.grad != nil {
		g.record(func() {
			for o := 0; o < outer; o++ {
				off := 0
				for _, p := range parts {
					w := p.shape[1] * inner
					if p.grad != nil {
						for i := 0; i < w; i++ {
							p.grad[o*w+i] += out.grad[(o*mid)*inner+off+i]
						}
					}
					off += w
				}
			}
		})
	}
	return out
}

// PermuteIndex rearranges elements so out.data[i] = a.data[idx[i]]. The index
// must be a bijection onto a's elements; the backward pass routes gradients
// through the inverse mapping.
func (g *Graph) PermuteIndex(a *Tensor, idx []int, shape ...int) *Tensor {
	if numElems(shape) != len(idx) || len(idx) != len(a.data) {
		panic("tensor: PermuteIndex size mismatch")
	}
	out := g.output(shape, a)
	for i, src := range idx {
		out.data[i] = a.data[src]
	}
	if out.grad != nil {
		g.record(func() {
			for i, src := range idx {
				a.grad[src] += out.grad[i]
			}
		})
	}
	return out
}
