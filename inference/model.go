package inference

import (
	"context"

	"gorgonia.org/tensor"

	"github.com/em-ai/go-detect3d/volumes"
)

// Model is the capability surface the engine needs from a detection network.
// The network itself is a black box: the engine only uses its forward shape
// transform (for tiling) and its evaluate call (per tile). Implementations
// must be safe for concurrent Evaluate calls; backends whose runtime is not
// reentrant serialize internally.
type Model interface {
	// Name identifies the model in logs and reports.
	Name() string

	// OutputShape is the pure forward shape transform for one input tile,
	// evaluated without running real data.
	OutputShape(input volumes.Shape) (volumes.Shape, error)

	// OutputChannels is the number of class channels the model emits per
	// voxel. 1 means a scalar prediction volume.
	OutputChannels() int

	// Evaluate runs the network on one input tile of shape
	// (1, 1, z, y, x) and returns the output tensor of shape
	// (1, channels, oz, oy, ox). Inference is read-only against the model
	// parameters.
	Evaluate(ctx context.Context, input *tensor.Dense) (*tensor.Dense, error)
}
