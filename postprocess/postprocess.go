// Package postprocess converts assembled class-score predictions into label
// volumes.
package postprocess

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"github.com/em-ai/go-detect3d/inference"
	"github.com/em-ai/go-detect3d/volumes"
)

// Softmax returns a copy of the prediction with per-voxel class scores
// converted to probabilities across channels. Single-channel predictions are
// returned unchanged.
func Softmax(p *inference.Prediction) *inference.Prediction {
	if p.Channels < 2 {
		return p
	}
	n := p.Shape.Size()
	out := make([]float32, len(p.Data))
	for i := 0; i < n; i++ {
		maxv := p.Data[i]
		for c := 1; c < p.Channels; c++ {
			if v := p.Data[c*n+i]; v > maxv {
				maxv = v
			}
		}
		var sum float32
		for c := 0; c < p.Channels; c++ {
			e := math32.Exp(p.Data[c*n+i] - maxv)
			out[c*n+i] = e
			sum += e
		}
		for c := 0; c < p.Channels; c++ {
			out[c*n+i] /= sum
		}
	}
	return &inference.Prediction{
		Channels:  p.Channels,
		Shape:     p.Shape,
		VoxelSize: p.VoxelSize,
		Data:      out,
	}
}

// Argmax collapses a multi-channel prediction into a label volume: each
// voxel takes the index of its highest-scoring channel. Channel 0 is the
// background class, so the resulting volume carries background label 0.
// Ties resolve to the lowest channel.
func Argmax(p *inference.Prediction) (*volumes.LabelVolume, error) {
	if p.Channels < 2 {
		return nil, errors.Errorf("argmax needs at least 2 channels, got %d", p.Channels)
	}
	n := p.Shape.Size()
	labels := make([]int32, n)
	for i := 0; i < n; i++ {
		best := int32(0)
		bestv := p.Data[i]
		for c := 1; c < p.Channels; c++ {
			if v := p.Data[c*n+i]; v > bestv {
				bestv = v
				best = int32(c)
			}
		}
		labels[i] = best
	}
	return volumes.NewLabelVolume(labels, p.Shape, p.VoxelSize, 0)
}
