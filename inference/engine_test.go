package inference

import (
	"context"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/em-ai/go-detect3d/profiler"
	"github.com/em-ai/go-detect3d/volumes"
)

// cropModel is a deterministic stand-in network: it loses a fixed context per
// axis and each output voxel carries the input voxel under it, offset by
// 1000 per channel.
type cropModel struct {
	context  volumes.Shape
	channels int
	evalErr  error

	mu    sync.Mutex
	calls int
}

func (m *cropModel) Name() string { return "crop" }

func (m *cropModel) OutputShape(input volumes.Shape) (volumes.Shape, error) {
	return ContextShapeFn(m.context)(input)
}

func (m *cropModel) OutputChannels() int { return m.channels }

func (m *cropModel) Evaluate(ctx context.Context, input *tensor.Dense) (*tensor.Dense, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.evalErr != nil {
		return nil, m.evalErr
	}

	shape := input.Shape()
	in := volumes.Shape{shape[2], shape[3], shape[4]}
	out := in.Sub(m.context)
	border := volumes.Shape{m.context[0] / 2, m.context[1] / 2, m.context[2] / 2}

	src := input.Data().([]float32)
	dst := make([]float32, m.channels*out.Size())
	for c := 0; c < m.channels; c++ {
		for z := 0; z < out[0]; z++ {
			for y := 0; y < out[1]; y++ {
				for x := 0; x < out[2]; x++ {
					si := ((border[0]+z)*in[1]+border[1]+y)*in[2] + border[2] + x
					di := ((c*out[0]+z)*out[1]+y)*out[2] + x
					dst[di] = src[si] + float32(c)*1000
				}
			}
		}
	}
	return tensor.New(
		tensor.WithShape(1, m.channels, out[0], out[1], out[2]),
		tensor.WithBacking(dst),
	), nil
}

func testVolume(t *testing.T, shape volumes.Shape) *volumes.Volume {
	t.Helper()
	data := make([]float32, shape.Size())
	for i := range data {
		data[i] = float32(i + 1)
	}
	vol, err := volumes.NewVolume(data, shape, volumes.VoxelSize{40, 4, 4})
	require.NoError(t, err)
	return vol
}

func TestPlanSingleTile(t *testing.T) {
	model := &cropModel{context: volumes.Shape{4, 4, 4}, channels: 1}
	engine := NewEngine(model, Options{})

	plan, err := engine.Plan(volumes.Shape{10, 10, 10}, volumes.Shape{10, 10, 10})
	require.NoError(t, err)
	assert.Equal(t, volumes.Shape{6, 6, 6}, plan.OutputShape)
	assert.Equal(t, volumes.Shape{2, 2, 2}, plan.Border)
	assert.Equal(t, volumes.Shape{10, 10, 10}, plan.PredictShape)
	assert.Equal(t, volumes.Shape{6, 6, 6}, plan.TargetShape)
	assert.Equal(t, volumes.Shape{1, 1, 1}, plan.Tiles)
}

func TestPlanSmallVolumeScansFullTile(t *testing.T) {
	model := &cropModel{context: volumes.Shape{4, 4, 4}, channels: 1}
	engine := NewEngine(model, Options{})

	plan, err := engine.Plan(volumes.Shape{4, 4, 4}, volumes.Shape{10, 10, 10})
	require.NoError(t, err)
	assert.Equal(t, volumes.Shape{10, 10, 10}, plan.PredictShape)
	assert.Equal(t, volumes.Shape{6, 6, 6}, plan.TargetShape)
	assert.Equal(t, volumes.Shape{1, 1, 1}, plan.Tiles)
}

func TestPlanMultiTile(t *testing.T) {
	model := &cropModel{context: volumes.Shape{4, 4, 4}, channels: 1}
	engine := NewEngine(model, Options{})

	plan, err := engine.Plan(volumes.Shape{12, 13, 20}, volumes.Shape{10, 10, 10})
	require.NoError(t, err)
	assert.Equal(t, volumes.Shape{12, 13, 20}, plan.PredictShape)
	assert.Equal(t, volumes.Shape{8, 9, 16}, plan.TargetShape)
	assert.Equal(t, volumes.Shape{2, 2, 3}, plan.Tiles)
}

func TestPlanOddContextFails(t *testing.T) {
	model := &cropModel{context: volumes.Shape{3, 4, 4}, channels: 1}
	engine := NewEngine(model, Options{})

	_, err := engine.Plan(volumes.Shape{10, 10, 10}, volumes.Shape{10, 10, 10})
	require.Error(t, err)

	var shapeErr *ShapeError
	assert.ErrorAs(t, err, &shapeErr)
}

func TestInferVolumeSingleTile(t *testing.T) {
	model := &cropModel{context: volumes.Shape{4, 4, 4}, channels: 1}
	engine := NewEngine(model, Options{Workers: 1})

	vol := testVolume(t, volumes.Shape{10, 10, 10})
	pred, err := engine.InferVolume(context.Background(), vol, volumes.Shape{10, 10, 10})
	require.NoError(t, err)

	assert.Equal(t, 1, pred.Channels)
	assert.Equal(t, volumes.Shape{6, 6, 6}, pred.Shape)
	assert.Equal(t, vol.VoxelSize(), pred.VoxelSize)
	assert.Equal(t, 1, model.calls)

	// Every prediction voxel sits over its source voxel shifted by the
	// border.
	out, err := pred.Volume()
	require.NoError(t, err)
	for z := 0; z < 6; z++ {
		for y := 0; y < 6; y++ {
			for x := 0; x < 6; x++ {
				assert.Equal(t, vol.At(z+2, y+2, x+2), out.At(z, y, x))
			}
		}
	}
}

func TestInferVolumeMultiTileAssembly(t *testing.T) {
	model := &cropModel{context: volumes.Shape{4, 4, 4}, channels: 1}
	engine := NewEngine(model, Options{Workers: 4})

	vol := testVolume(t, volumes.Shape{12, 12, 12})
	pred, err := engine.InferVolume(context.Background(), vol, volumes.Shape{10, 10, 10})
	require.NoError(t, err)

	assert.Equal(t, volumes.Shape{8, 8, 8}, pred.Shape)
	assert.Equal(t, 8, model.calls, "2 tiles per axis")

	out, err := pred.Volume()
	require.NoError(t, err)
	for z := 0; z < 8; z++ {
		for y := 0; y < 8; y++ {
			for x := 0; x < 8; x++ {
				assert.Equal(t, vol.At(z+2, y+2, x+2), out.At(z, y, x),
					"voxel (%d,%d,%d)", z, y, x)
			}
		}
	}
}

func TestInferVolumePadsSmallVolume(t *testing.T) {
	model := &cropModel{context: volumes.Shape{4, 4, 4}, channels: 1}
	engine := NewEngine(model, Options{})

	vol := testVolume(t, volumes.Shape{4, 4, 4})
	pred, err := engine.InferVolume(context.Background(), vol, volumes.Shape{10, 10, 10})
	require.NoError(t, err)
	assert.Equal(t, volumes.Shape{6, 6, 6}, pred.Shape)

	out, err := pred.Volume()
	require.NoError(t, err)
	for z := 0; z < 6; z++ {
		for y := 0; y < 6; y++ {
			for x := 0; x < 6; x++ {
				want := float32(0)
				if z+2 < 4 && y+2 < 4 && x+2 < 4 {
					want = vol.At(z+2, y+2, x+2)
				}
				assert.Equal(t, want, out.At(z, y, x),
					"voxel (%d,%d,%d)", z, y, x)
			}
		}
	}
}

func TestInferVolumeNormalizes(t *testing.T) {
	model := &cropModel{context: volumes.Shape{4, 4, 4}, channels: 1}
	engine := NewEngine(model, Options{NormalizeFactor: 1.0 / 255.0})

	vol := testVolume(t, volumes.Shape{10, 10, 10})
	pred, err := engine.InferVolume(context.Background(), vol, volumes.Shape{10, 10, 10})
	require.NoError(t, err)

	out, err := pred.Volume()
	require.NoError(t, err)
	assert.InDelta(t, vol.At(2, 2, 2)/255.0, out.At(0, 0, 0), 1e-6)
}

func TestInferVolumeMultiChannel(t *testing.T) {
	model := &cropModel{context: volumes.Shape{4, 4, 4}, channels: 3}
	engine := NewEngine(model, Options{})

	vol := testVolume(t, volumes.Shape{10, 10, 10})
	pred, err := engine.InferVolume(context.Background(), vol, volumes.Shape{10, 10, 10})
	require.NoError(t, err)
	assert.Equal(t, 3, pred.Channels)

	_, err = pred.Volume()
	assert.Error(t, err, "a multi-channel prediction is not a scalar volume")

	for c := 0; c < 3; c++ {
		ch, err := pred.Channel(c)
		require.NoError(t, err)
		assert.Equal(t, vol.At(2, 2, 2)+float32(c)*1000, ch.At(0, 0, 0))
	}
	_, err = pred.Channel(3)
	assert.Error(t, err)
}

func TestInferVolumeIdempotent(t *testing.T) {
	model := &cropModel{context: volumes.Shape{4, 4, 4}, channels: 2}
	engine := NewEngine(model, Options{Workers: 4})

	vol := testVolume(t, volumes.Shape{12, 13, 20})
	first, err := engine.InferVolume(context.Background(), vol, volumes.Shape{10, 10, 10})
	require.NoError(t, err)
	second, err := engine.InferVolume(context.Background(), vol, volumes.Shape{10, 10, 10})
	require.NoError(t, err)

	assert.Equal(t, first.Shape, second.Shape)
	assert.Equal(t, first.Data, second.Data)
}

func TestInferVolumeModelFailureAborts(t *testing.T) {
	model := &cropModel{
		context:  volumes.Shape{4, 4, 4},
		channels: 1,
		evalErr:  errors.New("session lost"),
	}
	engine := NewEngine(model, Options{Workers: 2})

	vol := testVolume(t, volumes.Shape{12, 12, 12})
	pred, err := engine.InferVolume(context.Background(), vol, volumes.Shape{10, 10, 10})
	require.Error(t, err)
	assert.Nil(t, pred, "no partial prediction on failure")
	assert.Contains(t, err.Error(), "session lost")
}

func TestInferVolumeCancelledContext(t *testing.T) {
	model := &cropModel{context: volumes.Shape{4, 4, 4}, channels: 1}
	engine := NewEngine(model, Options{Workers: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	vol := testVolume(t, volumes.Shape{12, 12, 12})
	_, err := engine.InferVolume(ctx, vol, volumes.Shape{10, 10, 10})
	require.Error(t, err)
}

func BenchmarkInferVolume(b *testing.B) {
	model := &cropModel{context: volumes.Shape{4, 4, 4}, channels: 3}
	engine := NewEngine(model, Options{Workers: 4})

	shape := volumes.Shape{24, 48, 48}
	data := make([]float32, shape.Size())
	for i := range data {
		data[i] = float32(i % 256)
	}
	vol, err := volumes.NewVolume(data, shape, volumes.VoxelSize{40, 4, 4})
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := engine.InferVolume(context.Background(), vol, volumes.Shape{10, 10, 10}); err != nil {
			b.Fatal(err)
		}
	}
}

func TestInferVolumeRecordsProfile(t *testing.T) {
	model := &cropModel{context: volumes.Shape{4, 4, 4}, channels: 1}
	prof := profiler.New()
	engine := NewEngine(model, Options{Workers: 2, Profiler: prof})

	vol := testVolume(t, volumes.Shape{12, 12, 12})
	_, err := engine.InferVolume(context.Background(), vol, volumes.Shape{10, 10, 10})
	require.NoError(t, err)

	stats := prof.Snapshot()
	assert.Equal(t, int64(8), stats.Tiles)
}
