// Package volumes - Shapes, voxel geometry, and dense volume views over 3D EM stacks.
//
// All volumes in this module are ordered (z, y, x). A Shape is a voxel extent
// along those axes, a VoxelSize is the physical size of one voxel, and a
// Volume pairs a dense float32 tensor with its voxel size. Volumes are
// read-only views: the store owns the persisted arrays, callers borrow a
// Volume for the duration of one inference or scoring call.
package volumes

import (
	"fmt"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Axes is the only axis ordering this module accepts.
var Axes = [3]string{"z", "y", "x"}

// Shape is a voxel extent along (z, y, x).
type Shape [3]int

// NewShape builds a Shape from a slice, requiring exactly three axes.
func NewShape(dims []int) (Shape, error) {
	if len(dims) != 3 {
		return Shape{}, errors.Errorf("shape must have 3 axes (z,y,x), got %d", len(dims))
	}
	return Shape{dims[0], dims[1], dims[2]}, nil
}

// Size returns the number of voxels covered by the shape.
func (s Shape) Size() int {
	return s[0] * s[1] * s[2]
}

// Add returns the element-wise sum of two shapes.
func (s Shape) Add(o Shape) Shape {
	return Shape{s[0] + o[0], s[1] + o[1], s[2] + o[2]}
}

// Sub returns the element-wise difference of two shapes.
func (s Shape) Sub(o Shape) Shape {
	return Shape{s[0] - o[0], s[1] - o[1], s[2] - o[2]}
}

// Scale returns the shape multiplied element-wise by k.
func (s Shape) Scale(k int) Shape {
	return Shape{s[0] * k, s[1] * k, s[2] * k}
}

// Max returns the element-wise maximum of two shapes.
func (s Shape) Max(o Shape) Shape {
	out := s
	for i := range out {
		if o[i] > out[i] {
			out[i] = o[i]
		}
	}
	return out
}

// CeilDiv returns the element-wise ceiling division of s by o.
func (s Shape) CeilDiv(o Shape) Shape {
	return Shape{
		(s[0] + o[0] - 1) / o[0],
		(s[1] + o[1] - 1) / o[1],
		(s[2] + o[2] - 1) / o[2],
	}
}

// Positive reports whether every axis extent is strictly positive.
func (s Shape) Positive() bool {
	return s[0] > 0 && s[1] > 0 && s[2] > 0
}

// NonNegative reports whether every axis extent is zero or larger.
func (s Shape) NonNegative() bool {
	return s[0] >= 0 && s[1] >= 0 && s[2] >= 0
}

// Fits reports whether s fits inside o on every axis.
func (s Shape) Fits(o Shape) bool {
	return s[0] <= o[0] && s[1] <= o[1] && s[2] <= o[2]
}

func (s Shape) String() string {
	return fmt.Sprintf("(%d, %d, %d)", s[0], s[1], s[2])
}

// VoxelSize is the physical size of one voxel along (z, y, x).
type VoxelSize [3]float64

// NewVoxelSize validates and builds a VoxelSize from a 3-element slice.
func NewVoxelSize(res []float64) (VoxelSize, error) {
	if len(res) != 3 {
		return VoxelSize{}, errors.Errorf("resolution must have 3 axes (z,y,x), got %d", len(res))
	}
	vs := VoxelSize{res[0], res[1], res[2]}
	for i, v := range vs {
		if v <= 0 {
			return VoxelSize{}, errors.Errorf("resolution must be positive on every axis, got %v on %s", v, Axes[i])
		}
	}
	return vs, nil
}

// Physical converts a voxel extent to physical units.
func (v VoxelSize) Physical(s Shape) [3]float64 {
	return [3]float64{
		v[0] * float64(s[0]),
		v[1] * float64(s[1]),
		v[2] * float64(s[2]),
	}
}

// ROI is a tile request: an offset plus a shape inside a larger volume.
type ROI struct {
	Offset Shape
	Shape  Shape
}

// End returns the exclusive upper corner of the region.
func (r ROI) End() Shape {
	return r.Offset.Add(r.Shape)
}

// Inside reports whether the region lies fully within a volume of shape s.
func (r ROI) Inside(s Shape) bool {
	return r.Offset.NonNegative() && r.End().Fits(s)
}

func (r ROI) String() string {
	return fmt.Sprintf("%v+%v", r.Offset, r.Shape)
}

// Volume is a read-only dense float32 view over a (z, y, x) array with a
// fixed physical voxel size.
type Volume struct {
	data      *tensor.Dense
	shape     Shape
	voxelSize VoxelSize
}

// NewVolume wraps backing data of the given shape into a Volume.
func NewVolume(backing []float32, shape Shape, voxelSize VoxelSize) (*Volume, error) {
	if !shape.Positive() {
		return nil, errors.Errorf("volume shape %v must be positive on every axis", shape)
	}
	if len(backing) != shape.Size() {
		return nil, errors.Errorf("backing has %d voxels, shape %v needs %d", len(backing), shape, shape.Size())
	}
	d := tensor.New(tensor.WithShape(shape[0], shape[1], shape[2]), tensor.WithBacking(backing))
	return &Volume{data: d, shape: shape, voxelSize: voxelSize}, nil
}

// Shape returns the voxel extent of the volume.
func (v *Volume) Shape() Shape { return v.shape }

// VoxelSize returns the physical voxel size of the volume.
func (v *Volume) VoxelSize() VoxelSize { return v.voxelSize }

// Tensor exposes the backing dense tensor.
func (v *Volume) Tensor() *tensor.Dense { return v.data }

// Data exposes the raw float32 backing in (z, y, x) C order.
func (v *Volume) Data() []float32 {
	return v.data.Data().([]float32)
}

// At returns the voxel value at (z, y, x).
func (v *Volume) At(z, y, x int) float32 {
	return v.Data()[(z*v.shape[1]+y)*v.shape[2]+x]
}

// Crop returns a copy of the voxels inside the region.
func (v *Volume) Crop(r ROI) (*Volume, error) {
	if !r.Inside(v.shape) {
		return nil, errors.Errorf("crop %v outside volume shape %v", r, v.shape)
	}
	out := make([]float32, r.Shape.Size())
	src := v.Data()
	copyRegion3(out, r.Shape, src, v.shape, r.Offset)
	return NewVolume(out, r.Shape, v.voxelSize)
}

// copyRegion3 copies a (z,y,x) block of extent shape from src (with srcShape,
// starting at offset) into the start of dst. Rows along x are contiguous.
func copyRegion3(dst []float32, shape Shape, src []float32, srcShape Shape, offset Shape) {
	for z := 0; z < shape[0]; z++ {
		for y := 0; y < shape[1]; y++ {
			si := ((offset[0]+z)*srcShape[1]+offset[1]+y)*srcShape[2] + offset[2]
			di := (z*shape[1] + y) * shape[2]
			copy(dst[di:di+shape[2]], src[si:si+shape[2]])
		}
	}
}
