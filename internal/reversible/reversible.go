// Package reversible implements exactly invertible feature transforms:
// additive coupling blocks and strided subsample splitters, composed into a
// pipeline whose Forward and Invert are exact inverses up to floating-point
// rounding.
package reversible

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/distmatch/revgauss/internal/tensor"
	"github.com/distmatch/revgauss/pkg/errors"
)

// Module is any differentiable function of a channel batch. The coupling
// blocks consume modules as their F and G sub-transforms; the module must
// preserve the channel count of its input.
type Module interface {
	Forward(g *tensor.Graph, x *tensor.Tensor) *tensor.Tensor
	Parameters() []*tensor.Tensor
}

// Stage is one invertible pipeline element. The closed set of stage kinds is
// CouplingBlock and SubsampleSplitter; dispatch is through this interface,
// with each kind carrying its own paired inverse.
type Stage interface {
	Forward(g *tensor.Graph, x *tensor.Tensor) (*tensor.Tensor, error)
	Invert(g *tensor.Graph, y *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor
}

// CouplingBlock is an additive coupling layer. Forward splits the channels
// into equal halves x1, x2 and produces
//
//	y1 = F(x1) + x2
//	y2 = G(y1) + x1
//
// which inverts exactly as x1 = y2 - G(y1), x2 = y1 - F(x1).
type CouplingBlock struct {
	F Module
	G Module
}

// NewCouplingBlock creates a coupling block from its two sub-transforms.
func NewCouplingBlock(f, g Module) *CouplingBlock {
	return &CouplingBlock{F: f, G: g}
}

// Forward applies the coupling map. The channel count must be even.
func (b *CouplingBlock) Forward(g *tensor.Graph, x *tensor.Tensor) (*tensor.Tensor, error) {
	nChans := x.Dim(1)
	if nChans%2 != 0 {
		return nil, errors.NewValidationError(errors.CodeOddChannels,
			fmt.Sprintf("coupling block got %d channels", nChans))
	}
	x1 := g.NarrowDim1(x, 0, nChans/2)
	x2 := g.NarrowDim1(x, nChans/2, nChans)
	y1 := g.Add(b.F.Forward(g, x1), x2)
	y2 := g.Add(b.G.Forward(g, y1), x1)
	return g.ConcatDim1(y1, y2), nil
}

// Invert recovers the coupling input from its output.
func (b *CouplingBlock) Invert(g *tensor.Graph, y *tensor.Tensor) (*tensor.Tensor, error) {
	nChans := y.Dim(1)
	if nChans%2 != 0 {
		return nil, errors.NewValidationError(errors.CodeOddChannels,
			fmt.Sprintf("coupling block invert got %d channels", nChans))
	}
	y1 := g.NarrowDim1(y, 0, nChans/2)
	y2 := g.NarrowDim1(y, nChans/2, nChans)
	x1 := g.Sub(y2, b.G.Forward(g, y1))
	x2 := g.Sub(y1, b.F.Forward(g, x1))
	return g.ConcatDim1(x1, x2), nil
}

// Parameters returns the learnable parameters of F and G.
func (b *CouplingBlock) Parameters() []*tensor.Tensor {
	return append(b.F.Parameters(), b.G.Parameters()...)
}

// SubsampleSplitter is an invertible strided downsampler. The channels are
// chunked into two halves first (when enabled and more than one channel is
// present) so that each stream of a surrounding reversible network sees a
// subsampled view of the whole spatial field rather than one half of it.
// Every strided sub-grid becomes its own channel group.
type SubsampleSplitter struct {
	StrideH         int
	StrideW         int
	ChunkChansFirst bool
}

// NewSubsampleSplitter creates a splitter with the given spatial strides.
func NewSubsampleSplitter(strideH, strideW int, chunkChansFirst bool) *SubsampleSplitter {
	return &SubsampleSplitter{StrideH: strideH, StrideW: strideW, ChunkChansFirst: chunkChansFirst}
}

// forwardIndex builds the flat gather index realizing the splitter as a pure
// element permutation of an [n, c, h, w] batch.
func (s *SubsampleSplitter) forwardIndex(n, c, h, w int) ([]int, []int) {
	sh, sw := s.StrideH, s.StrideW
	oh, ow := h/sh, w/sw
	outC := c * sh * sw
	idx := make([]int, 0, n*c*h*w)

	halves := [][2]int{{0, c}}
	if s.chunked(c) {
		halves = [][2]int{{0, c / 2}, {c / 2, c}}
	}
	// Channel order: per half, per (i, j) stride offset, the half's channels.
	type group struct{ ch, di, dj int }
	var groups []group
	for _, half := range halves {
		for di := 0; di < sh; di++ {
			for dj := 0; dj < sw; dj++ {
				for ch := half[0]; ch < half[1]; ch++ {
					groups = append(groups, group{ch, di, dj})
				}
			}
		}
	}
	for b := 0; b < n; b++ {
		for _, gr := range groups {
			for y := 0; y < oh; y++ {
				for x := 0; x < ow; x++ {
					src := b*c*h*w + gr.ch*h*w + (gr.di+y*sh)*w + (gr.dj + x*sw)
					idx = append(idx, src)
				}
			}
		}
	}
	return idx, []int{n, outC, oh, ow}
}

func (s *SubsampleSplitter) chunked(c int) bool {
	// A single channel cannot be chunked; the skip must match between
	// Forward and Invert.
	return s.ChunkChansFirst && c > 1
}

func (s *SubsampleSplitter) validate(h, w, c int, invert bool) error {
	if s.StrideH < 1 || s.StrideW < 1 {
		return errors.NewValidationError(errors.CodeInvalidInput,
			fmt.Sprintf("invalid stride (%d, %d)", s.StrideH, s.StrideW))
	}
	if invert {
		if c%(s.StrideH*s.StrideW) != 0 {
			return errors.NewValidationError(errors.CodeNonDivisibleSpatial,
				fmt.Sprintf("%d channels not divisible by stride product %d", c, s.StrideH*s.StrideW))
		}
		return nil
	}
	if h%s.StrideH != 0 || w%s.StrideW != 0 {
		return errors.NewValidationError(errors.CodeNonDivisibleSpatial,
			fmt.Sprintf("spatial dims (%d, %d) not divisible by stride (%d, %d)", h, w, s.StrideH, s.StrideW))
	}
	if s.chunked(c) && c%2 != 0 {
		return errors.NewValidationError(errors.CodeOddChannels,
			fmt.Sprintf("cannot chunk %d channels into halves", c))
	}
	return nil
}

// Forward extracts every strided sub-grid as its own channel group.
func (s *SubsampleSplitter) Forward(g *tensor.Graph, x *tensor.Tensor) (*tensor.Tensor, error) {
	sh := x.Shape()
	if len(sh) != 4 {
		return nil, errors.NewValidationError(errors.CodeShapeMismatch,
			fmt.Sprintf("subsample splitter needs an NCHW batch, got shape %v", sh))
	}
	n, c, h, w := sh[0], sh[1], sh[2], sh[3]
	if err := s.validate(h, w, c, false); err != nil {
		return nil, err
	}
	idx, outShape := s.forwardIndex(n, c, h, w)
	return g.PermuteIndex(x, idx, outShape...), nil
}

// Invert scatters the channel groups back onto their strided grid positions.
// The per-half channel count is re-derived as total/(strideH*strideW); the
// chunk skip for a single pre-split channel mirrors Forward.
func (s *SubsampleSplitter) Invert(g *tensor.Graph, y *tensor.Tensor) (*tensor.Tensor, error) {
	sh := y.Shape()
	if len(sh) != 4 {
		return nil, errors.NewValidationError(errors.CodeShapeMismatch,
			fmt.Sprintf("subsample splitter invert needs an NCHW batch, got shape %v", sh))
	}
	n, c, oh, ow := sh[0], sh[1], sh[2], sh[3]
	if err := s.validate(oh, ow, c, true); err != nil {
		return nil, err
	}
	inC := c / (s.StrideH * s.StrideW)
	inH, inW := oh*s.StrideH, ow*s.StrideW
	fwd, _ := s.forwardIndex(n, inC, inH, inW)
	back := make([]int, len(fwd))
	for p, q := range fwd {
		back[q] = p
	}
	return g.PermuteIndex(y, back, n, inC, inH, inW), nil
}

// Parameters returns nil; the splitter is parameter-free.
func (s *SubsampleSplitter) Parameters() []*tensor.Tensor { return nil }

// Pipeline composes invertible stages. Forward applies them in order; Invert
// applies each stage's inverse in reverse order. Composing the two is the
// identity up to floating-point rounding.
type Pipeline struct {
	stages []Stage
	logger *logrus.Logger
}

// NewPipeline creates a pipeline from an ordered stage list.
func NewPipeline(logger *logrus.Logger, stages ...Stage) *Pipeline {
	if logger == nil {
		logger = logrus.New()
	}
	return &Pipeline{stages: stages, logger: logger}
}

// Forward runs the pipeline on an input batch.
func (p *Pipeline) Forward(g *tensor.Graph, x *tensor.Tensor) (*tensor.Tensor, error) {
	out := x
	for i, stage := range p.stages {
		var err error
		out, err = stage.Forward(g, out)
		if err != nil {
			return nil, errors.WrapError(err, errors.ErrorTypeValidation, errors.CodeShapeMismatch,
				fmt.Sprintf("pipeline stage %d forward failed", i))
		}
	}
	return out, nil
}

// Invert runs the pipeline in reverse on a feature batch.
func (p *Pipeline) Invert(g *tensor.Graph, features *tensor.Tensor) (*tensor.Tensor, error) {
	out := features
	for i := len(p.stages) - 1; i >= 0; i-- {
		var err error
		out, err = p.stages[i].Invert(g, out)
		if err != nil {
			return nil, errors.WrapError(err, errors.ErrorTypeValidation, errors.CodeShapeMismatch,
				fmt.Sprintf("pipeline stage %d invert failed", i))
		}
	}
	return out, nil
}

// Stages returns the ordered stage list.
func (p *Pipeline) Stages() []Stage { return p.stages }

// Parameters returns the learnable parameters of all stages.
func (p *Pipeline) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, s := range p.stages {
		params = append(params, s.Parameters()...)
	}
	return params
}
