package volumes

import (
	"sort"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// NoBackground marks a label volume without a background label; every value
// present in the volume then participates in scoring.
const NoBackground = int32(-1 << 31)

// LabelVolume is an integer volume where each connected region of equal value
// is one object instance. It carries the physical voxel size and, optionally,
// a background label excluded from scoring.
type LabelVolume struct {
	data          *tensor.Dense
	shape         Shape
	voxelSize     VoxelSize
	background    int32
	hasBackground bool
}

// NewLabelVolume wraps int32 backing data into a LabelVolume with a
// designated background label.
func NewLabelVolume(backing []int32, shape Shape, voxelSize VoxelSize, background int32) (*LabelVolume, error) {
	lv, err := NewUnmaskedLabelVolume(backing, shape, voxelSize)
	if err != nil {
		return nil, err
	}
	lv.background = background
	lv.hasBackground = true
	return lv, nil
}

// NewUnmaskedLabelVolume wraps backing data into a LabelVolume without
// background filtering.
func NewUnmaskedLabelVolume(backing []int32, shape Shape, voxelSize VoxelSize) (*LabelVolume, error) {
	if !shape.Positive() {
		return nil, errors.Errorf("label volume shape %v must be positive on every axis", shape)
	}
	if len(backing) != shape.Size() {
		return nil, errors.Errorf("backing has %d voxels, shape %v needs %d", len(backing), shape, shape.Size())
	}
	d := tensor.New(tensor.WithShape(shape[0], shape[1], shape[2]), tensor.WithBacking(backing))
	return &LabelVolume{data: d, shape: shape, voxelSize: voxelSize}, nil
}

// Shape returns the voxel extent of the volume.
func (l *LabelVolume) Shape() Shape { return l.shape }

// VoxelSize returns the physical voxel size of the volume.
func (l *LabelVolume) VoxelSize() VoxelSize { return l.voxelSize }

// Tensor exposes the backing dense tensor.
func (l *LabelVolume) Tensor() *tensor.Dense { return l.data }

// Data exposes the raw int32 backing in (z, y, x) C order.
func (l *LabelVolume) Data() []int32 {
	return l.data.Data().([]int32)
}

// At returns the label value at (z, y, x).
func (l *LabelVolume) At(z, y, x int) int32 {
	return l.Data()[(z*l.shape[1]+y)*l.shape[2]+x]
}

// Background returns the background label and whether one is set.
func (l *LabelVolume) Background() (int32, bool) {
	return l.background, l.hasBackground
}

// IsBackground reports whether v is the background label.
func (l *LabelVolume) IsBackground(v int32) bool {
	return l.hasBackground && v == l.background
}

// Labels returns the sorted distinct non-background values in the volume.
func (l *LabelVolume) Labels() []int32 {
	seen := make(map[int32]struct{})
	for _, v := range l.Data() {
		if l.IsBackground(v) {
			continue
		}
		seen[v] = struct{}{}
	}
	out := make([]int32, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Crop returns a copy of the labels inside the region, keeping the voxel
// size and background attributes.
func (l *LabelVolume) Crop(r ROI) (*LabelVolume, error) {
	if !r.Inside(l.shape) {
		return nil, errors.Errorf("crop %v outside label volume shape %v", r, l.shape)
	}
	src := l.Data()
	out := make([]int32, r.Shape.Size())
	for z := 0; z < r.Shape[0]; z++ {
		for y := 0; y < r.Shape[1]; y++ {
			si := ((r.Offset[0]+z)*l.shape[1]+r.Offset[1]+y)*l.shape[2] + r.Offset[2]
			di := (z*r.Shape[1] + y) * r.Shape[2]
			copy(out[di:di+r.Shape[2]], src[si:si+r.Shape[2]])
		}
	}
	cp, err := NewUnmaskedLabelVolume(out, r.Shape, l.voxelSize)
	if err != nil {
		return nil, err
	}
	cp.background = l.background
	cp.hasBackground = l.hasBackground
	return cp, nil
}

// Instance is one connected component of a single label value.
type Instance struct {
	// Label is the value shared by every voxel of the component.
	Label int32
	// Size is the voxel count of the component.
	Size int
	// Centroid is the mean voxel coordinate of the component along (z, y, x),
	// in voxel units.
	Centroid [3]float64
}

// Components performs 6-connected component labeling over the non-background
// voxels. It returns one component id per voxel (-1 for background) and the
// component table indexed by those ids. Voxels connect only to equal-valued
// face neighbours, so each component belongs to exactly one label value.
func (l *LabelVolume) Components() ([]int32, []Instance) {
	data := l.Data()
	ids := make([]int32, len(data))
	for i := range ids {
		ids[i] = -1
	}
	var comps []Instance

	nz, ny, nx := l.shape[0], l.shape[1], l.shape[2]
	strideZ := ny * nx
	var stack []int

	for seed, v := range data {
		if ids[seed] >= 0 || l.IsBackground(v) {
			continue
		}
		id := int32(len(comps))
		inst := Instance{Label: v}
		var sz, sy, sx float64

		ids[seed] = id
		stack = append(stack[:0], seed)
		for len(stack) > 0 {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			z := i / strideZ
			y := (i % strideZ) / nx
			x := i % nx
			inst.Size++
			sz += float64(z)
			sy += float64(y)
			sx += float64(x)

			if z > 0 && ids[i-strideZ] < 0 && data[i-strideZ] == v {
				ids[i-strideZ] = id
				stack = append(stack, i-strideZ)
			}
			if z < nz-1 && ids[i+strideZ] < 0 && data[i+strideZ] == v {
				ids[i+strideZ] = id
				stack = append(stack, i+strideZ)
			}
			if y > 0 && ids[i-nx] < 0 && data[i-nx] == v {
				ids[i-nx] = id
				stack = append(stack, i-nx)
			}
			if y < ny-1 && ids[i+nx] < 0 && data[i+nx] == v {
				ids[i+nx] = id
				stack = append(stack, i+nx)
			}
			if x > 0 && ids[i-1] < 0 && data[i-1] == v {
				ids[i-1] = id
				stack = append(stack, i-1)
			}
			if x < nx-1 && ids[i+1] < 0 && data[i+1] == v {
				ids[i+1] = id
				stack = append(stack, i+1)
			}
		}

		n := float64(inst.Size)
		inst.Centroid = [3]float64{sz / n, sy / n, sx / n}
		comps = append(comps, inst)
	}
	return ids, comps
}
