package inference

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/em-ai/go-detect3d/profiler"
	"github.com/em-ai/go-detect3d/volumes"
)

// Options configures a tiled inference run.
type Options struct {
	// Workers bounds the number of concurrent tile evaluations. Zero or
	// negative uses the number of CPUs.
	Workers int

	// NormalizeFactor scales raw intensities into the model's expected input
	// range before inference, e.g. 1/255 for uint8 data. Zero means no
	// scaling. This is a value-domain transform only.
	NormalizeFactor float32

	// Profiler, when set, records per-tile evaluation timing.
	Profiler *profiler.Profiler
}

// Engine scans a volume with a model in non-overlapping output tiles and
// assembles the trimmed prediction.
type Engine struct {
	model    Model
	resolver *Resolver
	opts     Options
}

// NewEngine builds an Engine around a model.
func NewEngine(model Model, opts Options) *Engine {
	return &Engine{
		model:    model,
		resolver: NewResolver(model.OutputShape),
		opts:     opts,
	}
}

// Plan is the tiling geometry derived for one volume and requested input
// tile shape.
type Plan struct {
	// InputShape is the requested input tile shape.
	InputShape volumes.Shape
	// OutputShape is the valid output tile shape the model produces.
	OutputShape volumes.Shape
	// Border is the per-axis context lost on each side of an input tile.
	Border volumes.Shape
	// PredictShape is per axis max(InputShape, volume shape): the engine
	// always scans at least one full input tile.
	PredictShape volumes.Shape
	// TargetShape is the extent of the returned prediction,
	// PredictShape - 2*Border.
	TargetShape volumes.Shape
	// Tiles is the number of tiles along each axis, ceil(Target/Output).
	Tiles volumes.Shape
}

// Summary describes the tiling for operators before a scan starts.
func (p Plan) Summary() string {
	return fmt.Sprintf(
		"model splits the volume into input tiles %v producing output tiles %v; "+
			"%v tiles per axis will be scanned and the assembled prediction %v carries a border of %v",
		p.InputShape, p.OutputShape, p.Tiles, p.TargetShape, p.Border)
}

// Plan resolves the tiling geometry for a volume of the given shape. It fails
// with a ShapeError before any tile is scanned when the model cannot serve
// the requested input shape.
func (e *Engine) Plan(volumeShape, inputShape volumes.Shape) (Plan, error) {
	output, border, err := e.resolver.Resolve(inputShape)
	if err != nil {
		return Plan{}, err
	}
	predict := inputShape.Max(volumeShape)
	target := predict.Sub(border.Scale(2))
	return Plan{
		InputShape:   inputShape,
		OutputShape:  output,
		Border:       border,
		PredictShape: predict,
		TargetShape:  target,
		Tiles:        target.CeilDiv(output),
	}, nil
}

// Prediction is the assembled model output over the scanned region. Data is
// channel-major (c, z, y, x); Shape is the spatial extent shared by every
// channel.
type Prediction struct {
	Channels  int
	Shape     volumes.Shape
	VoxelSize volumes.VoxelSize
	Data      []float32
}

// Volume returns the prediction as a single volume. It fails when the model
// emits more than one channel; use Channel instead.
func (p *Prediction) Volume() (*volumes.Volume, error) {
	if p.Channels != 1 {
		return nil, errors.Errorf("prediction has %d channels, not a scalar volume", p.Channels)
	}
	return volumes.NewVolume(p.Data, p.Shape, p.VoxelSize)
}

// Channel returns a copy of one class channel of the prediction.
func (p *Prediction) Channel(c int) (*volumes.Volume, error) {
	if c < 0 || c >= p.Channels {
		return nil, errors.Errorf("channel %d out of range [0,%d)", c, p.Channels)
	}
	n := p.Shape.Size()
	out := make([]float32, n)
	copy(out, p.Data[c*n:(c+1)*n])
	return volumes.NewVolume(out, p.Shape, p.VoxelSize)
}

// InferVolume runs the model over the whole volume. The volume is padded with
// zeros so every input tile request is in bounds, intensities are scaled by
// the configured normalization factor, and each tile's valid output is
// written into its disjoint slot of the assembled prediction. Tiles have no
// ordering dependency and run on a bounded worker pool; the first model
// failure aborts the whole call and no partial prediction is returned.
func (e *Engine) InferVolume(ctx context.Context, vol *volumes.Volume, inputShape volumes.Shape) (*Prediction, error) {
	plan, err := e.Plan(vol.Shape(), inputShape)
	if err != nil {
		return nil, err
	}

	channels := e.model.OutputChannels()
	if channels < 1 {
		return nil, errors.Errorf("model %s reports %d output channels", e.model.Name(), channels)
	}

	// Scanned extents cover whole tiles only; the excess beyond the target
	// shape is trimmed after assembly.
	scanned := volumes.Shape{
		plan.Tiles[0] * plan.OutputShape[0],
		plan.Tiles[1] * plan.OutputShape[1],
		plan.Tiles[2] * plan.OutputShape[2],
	}
	padded := scanned.Add(plan.Border.Scale(2))

	source := e.padAndNormalize(vol, padded)
	assembled := make([]float32, channels*scanned.Size())

	total := plan.Tiles.Size()
	workers := e.opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > total {
		workers = total
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan int)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
			cancel()
		}
		mu.Unlock()
	}

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				if runCtx.Err() != nil {
					return
				}
				if err := e.runTile(runCtx, idx, plan, channels, source, padded, assembled, scanned); err != nil {
					fail(err)
					return
				}
			}
		}()
	}

	for idx := 0; idx < total; idx++ {
		select {
		case jobs <- idx:
		case <-runCtx.Done():
			idx = total
		}
	}
	close(jobs)
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return &Prediction{
		Channels:  channels,
		Shape:     plan.TargetShape,
		VoxelSize: vol.VoxelSize(),
		Data:      trimChannels(assembled, channels, scanned, plan.TargetShape),
	}, nil
}

// padAndNormalize copies the volume into a zero buffer of the padded extent,
// scaling intensities into the model's input range.
func (e *Engine) padAndNormalize(vol *volumes.Volume, padded volumes.Shape) []float32 {
	factor := e.opts.NormalizeFactor
	if factor == 0 {
		factor = 1
	}
	src := vol.Data()
	s := vol.Shape()
	out := make([]float32, padded.Size())
	for z := 0; z < s[0]; z++ {
		for y := 0; y < s[1]; y++ {
			si := (z*s[1] + y) * s[2]
			di := (z*padded[1] + y) * padded[2]
			for x := 0; x < s[2]; x++ {
				out[di+x] = src[si+x] * factor
			}
		}
	}
	return out
}

// runTile evaluates one tile and writes its output into the assembled buffer.
// Writes of distinct tiles never overlap.
func (e *Engine) runTile(
	ctx context.Context,
	idx int,
	plan Plan,
	channels int,
	source []float32,
	padded volumes.Shape,
	assembled []float32,
	scanned volumes.Shape,
) error {
	tz := idx / (plan.Tiles[1] * plan.Tiles[2])
	ty := (idx / plan.Tiles[2]) % plan.Tiles[1]
	tx := idx % plan.Tiles[2]

	roi := volumes.ROI{
		Offset: volumes.Shape{tz * plan.OutputShape[0], ty * plan.OutputShape[1], tx * plan.OutputShape[2]},
		Shape:  plan.InputShape,
	}
	if !roi.Inside(padded) {
		return errors.Errorf("tile %v outside padded volume %v, padding precondition violated", roi, padded)
	}

	in := plan.InputShape
	buf := make([]float32, in.Size())
	for z := 0; z < in[0]; z++ {
		for y := 0; y < in[1]; y++ {
			si := ((roi.Offset[0]+z)*padded[1]+roi.Offset[1]+y)*padded[2] + roi.Offset[2]
			di := (z*in[1] + y) * in[2]
			copy(buf[di:di+in[2]], source[si:si+in[2]])
		}
	}

	// Batch of one, single input channel.
	input := tensor.New(tensor.WithShape(1, 1, in[0], in[1], in[2]), tensor.WithBacking(buf))

	start := time.Now()
	out, err := e.model.Evaluate(ctx, input)
	if e.opts.Profiler != nil {
		e.opts.Profiler.ObserveTile(time.Since(start))
	}
	if err != nil {
		return errors.Wrapf(err, "model %s failed on tile %v", e.model.Name(), roi)
	}

	o := plan.OutputShape
	wantShape := tensor.Shape{1, channels, o[0], o[1], o[2]}
	if !out.Shape().Eq(wantShape) {
		return errors.Errorf("model %s returned shape %v for tile %v, want %v",
			e.model.Name(), out.Shape(), roi, wantShape)
	}
	outData := out.Data().([]float32)

	spatial := scanned.Size()
	for c := 0; c < channels; c++ {
		for z := 0; z < o[0]; z++ {
			for y := 0; y < o[1]; y++ {
				si := ((c*o[0]+z)*o[1] + y) * o[2]
				di := c*spatial +
					((tz*o[0]+z)*scanned[1]+ty*o[1]+y)*scanned[2] +
					tx*o[2]
				copy(assembled[di:di+o[2]], outData[si:si+o[2]])
			}
		}
	}
	return nil
}

// trimChannels crops each channel of the assembled buffer from the scanned
// extent down to the target extent, dropping the whole-tile excess at the
// high end of each axis.
func trimChannels(assembled []float32, channels int, scanned, target volumes.Shape) []float32 {
	if scanned == target {
		return assembled
	}
	out := make([]float32, channels*target.Size())
	for c := 0; c < channels; c++ {
		for z := 0; z < target[0]; z++ {
			for y := 0; y < target[1]; y++ {
				si := c*scanned.Size() + (z*scanned[1]+y)*scanned[2]
				di := c*target.Size() + (z*target[1]+y)*target[2]
				copy(out[di:di+target[2]], assembled[si:si+target[2]])
			}
		}
	}
	return out
}
