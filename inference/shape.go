// Package inference - Tiled volumetric inference over 3D EM stacks.
//
// The package turns a model's valid-mode shape transform into a tiling of an
// arbitrarily large volume: the Resolver derives the output shape and context
// border for a requested input tile shape, and the Engine scans the volume
// tile by tile and assembles the trimmed prediction.
package inference

import (
	"fmt"
	"sync"

	"github.com/em-ai/go-detect3d/volumes"
)

// ShapeFn is a model's forward shape transform: the output tile shape the
// model produces for a given input tile shape, evaluated without running real
// data. It must be pure.
type ShapeFn func(volumes.Shape) (volumes.Shape, error)

// ShapeError reports an input tile shape the model cannot produce a usable
// output for.
type ShapeError struct {
	Input  volumes.Shape
	Reason string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("input shape %v: %s", e.Input, e.Reason)
}

// Resolver derives the output shape and context border for requested input
// tile shapes. Resolution is deterministic for a fixed model, so results are
// memoized per requested shape.
type Resolver struct {
	fn    ShapeFn
	mu    sync.Mutex
	cache map[volumes.Shape]resolved
}

type resolved struct {
	output volumes.Shape
	border volumes.Shape
}

// NewResolver builds a Resolver over the given shape transform.
func NewResolver(fn ShapeFn) *Resolver {
	return &Resolver{fn: fn, cache: make(map[volumes.Shape]resolved)}
}

// Resolve returns the output tile shape the model produces for the requested
// input shape, and the per-axis border lost to valid-mode context:
// border = (input - output) / 2. An odd input/output difference, a
// non-positive output extent, or a shape transform failure is a ShapeError;
// callers must not proceed to tiling on error.
func (r *Resolver) Resolve(input volumes.Shape) (output, border volumes.Shape, err error) {
	r.mu.Lock()
	if got, ok := r.cache[input]; ok {
		r.mu.Unlock()
		return got.output, got.border, nil
	}
	r.mu.Unlock()

	output, border, err = ResolveShape(r.fn, input)
	if err != nil {
		return volumes.Shape{}, volumes.Shape{}, err
	}

	r.mu.Lock()
	r.cache[input] = resolved{output: output, border: border}
	r.mu.Unlock()
	return output, border, nil
}

// ResolveShape is the uncached form of Resolver.Resolve.
func ResolveShape(fn ShapeFn, input volumes.Shape) (output, border volumes.Shape, err error) {
	if !input.Positive() {
		return output, border, &ShapeError{Input: input, Reason: "requested input shape must be positive on every axis"}
	}
	out, err := fn(input)
	if err != nil {
		return output, border, &ShapeError{Input: input, Reason: fmt.Sprintf("shape transform failed: %v", err)}
	}
	if !out.Positive() {
		return output, border, &ShapeError{Input: input, Reason: fmt.Sprintf("derived output shape %v not positive on every axis", out)}
	}
	diff := input.Sub(out)
	for i, d := range diff {
		if d < 0 {
			return output, border, &ShapeError{
				Input:  input,
				Reason: fmt.Sprintf("output shape %v exceeds input on axis %s", out, volumes.Axes[i]),
			}
		}
		if d%2 != 0 {
			return output, border, &ShapeError{
				Input:  input,
				Reason: fmt.Sprintf("input/output difference %d on axis %s is odd, context loss must be symmetric", d, volumes.Axes[i]),
			}
		}
		border[i] = d / 2
	}
	return out, border, nil
}

// UNetShapeFn returns the forward shape transform of a valid-mode U-Net with
// the given per-level downsample factors, convsPerBlock convolutions of the
// given kernel width in every block, and one block on each side of every
// level. Extents that do not divide evenly at a downsample step are reported
// as errors rather than floored.
func UNetShapeFn(downsampleFactors []volumes.Shape, convsPerBlock, kernel int) ShapeFn {
	loss := convsPerBlock * (kernel - 1)

	var level func(in volumes.Shape, l int) (volumes.Shape, error)
	level = func(in volumes.Shape, l int) (volumes.Shape, error) {
		out := in
		for i := range out {
			out[i] -= loss
			if out[i] <= 0 {
				return out, fmt.Errorf("level %d consumed axis %s (extent %d)", l, volumes.Axes[i], in[i])
			}
		}
		if l == len(downsampleFactors) {
			return out, nil
		}

		factor := downsampleFactors[l]
		var down volumes.Shape
		for i := range down {
			if out[i]%factor[i] != 0 {
				return out, fmt.Errorf("extent %d not divisible by factor %d on axis %s at level %d",
					out[i], factor[i], volumes.Axes[i], l)
			}
			down[i] = out[i] / factor[i]
		}

		up, err := level(down, l+1)
		if err != nil {
			return up, err
		}

		for i := range up {
			up[i] *= factor[i]
			up[i] -= loss
			if up[i] <= 0 {
				return up, fmt.Errorf("up path of level %d consumed axis %s", l, volumes.Axes[i])
			}
		}
		return up, nil
	}

	return func(in volumes.Shape) (volumes.Shape, error) {
		return level(in, 0)
	}
}

// ContextShapeFn returns the shape transform of a network that loses a fixed,
// even context per axis: output = input - context.
func ContextShapeFn(context volumes.Shape) ShapeFn {
	return func(in volumes.Shape) (volumes.Shape, error) {
		return in.Sub(context), nil
	}
}
