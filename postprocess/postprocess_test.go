package postprocess

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/em-ai/go-detect3d/inference"
	"github.com/em-ai/go-detect3d/volumes"
)

func prediction(channels int, shape volumes.Shape, data []float32) *inference.Prediction {
	return &inference.Prediction{
		Channels:  channels,
		Shape:     shape,
		VoxelSize: volumes.VoxelSize{40, 4, 4},
		Data:      data,
	}
}

func TestSoftmax(t *testing.T) {
	// Two voxels, three channels, channel-major.
	p := prediction(3, volumes.Shape{1, 1, 2}, []float32{
		1, -2, // channel 0
		2, 0, // channel 1
		0, 3, // channel 2
	})

	out := Softmax(p)
	require.Len(t, out.Data, 6)
	assert.NotSame(t, p, out)

	for i := 0; i < 2; i++ {
		var sum float32
		for c := 0; c < 3; c++ {
			v := out.Data[c*2+i]
			assert.Greater(t, v, float32(0))
			sum += v
		}
		assert.InDelta(t, 1.0, sum, 1e-5, "voxel %d probabilities must sum to 1", i)
	}

	// Ordering is preserved: the largest logit has the largest probability.
	assert.Greater(t, out.Data[1*2+0], out.Data[0*2+0])
	assert.Greater(t, out.Data[0*2+0], out.Data[2*2+0])
}

func TestSoftmaxLargeLogitsStable(t *testing.T) {
	p := prediction(2, volumes.Shape{1, 1, 1}, []float32{1000, 998})

	out := Softmax(p)
	assert.InDelta(t, 1.0, out.Data[0]+out.Data[1], 1e-5)
	assert.Greater(t, out.Data[0], out.Data[1])
}

func TestSoftmaxSingleChannelUnchanged(t *testing.T) {
	p := prediction(1, volumes.Shape{1, 1, 2}, []float32{3, 5})
	assert.Same(t, p, Softmax(p))
}

func TestArgmax(t *testing.T) {
	p := prediction(3, volumes.Shape{1, 1, 3}, []float32{
		5, 1, 2, // channel 0
		1, 9, 2, // channel 1
		0, 2, 7, // channel 2
	})

	labels, err := Argmax(p)
	require.NoError(t, err)
	assert.Equal(t, p.Shape, labels.Shape())
	assert.Equal(t, p.VoxelSize, labels.VoxelSize())
	assert.Equal(t, []int32{0, 1, 2}, labels.Data())

	background, ok := labels.Background()
	require.True(t, ok)
	assert.Equal(t, int32(0), background, "channel 0 is the background class")
}

func TestArgmaxTiesResolveToLowestChannel(t *testing.T) {
	p := prediction(2, volumes.Shape{1, 1, 1}, []float32{4, 4})

	labels, err := Argmax(p)
	require.NoError(t, err)
	assert.Equal(t, []int32{0}, labels.Data())
}

func TestArgmaxNeedsMultipleChannels(t *testing.T) {
	p := prediction(1, volumes.Shape{1, 1, 1}, []float32{1})
	_, err := Argmax(p)
	require.Error(t, err)
}
