package store

import (
	"github.com/pkg/errors"

	"github.com/em-ai/go-detect3d/volumes"
)

// Mode selects which branch of an EM container a dataset is opened from.
type Mode string

const (
	ModeTrain    Mode = "train"
	ModeValidate Mode = "validate"
	ModePredict  Mode = "predict"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeTrain, ModeValidate, ModePredict:
		return Mode(s), nil
	}
	return "", errors.Errorf("mode must be train, validate or predict, got %q", s)
}

// EMData is one branch of an EM container with its datasets resolved and its
// required attributes validated. All attribute failures are fatal at open
// time, before any inference or scoring touches the data.
type EMData struct {
	Container *Container
	Mode      Mode

	Raw    *Array
	GT     *Array // train/validate only
	Target *Array // nil unless present and large enough
	Mask   *Array // nil unless requested

	resolution volumes.VoxelSize
}

// OpenEMDataOptions tunes dataset resolution inside the branch.
type OpenEMDataOptions struct {
	// UseCLAHE resolves the contrast-equalized raw_clahe dataset as the raw
	// data instead of raw.
	UseCLAHE bool
	// HasMask requires a mask dataset to be present.
	HasMask bool
	// MinTargetShape marks an existing target dataset unusable when smaller
	// than this extent on any axis. Zero means any target is accepted.
	MinTargetShape volumes.Shape
}

// OpenEMData opens the container at path and resolves the datasets of one
// mode branch. Raw data must carry a positive resolution and (z,y,x) axes;
// in train/validate modes the ground truth must exist and every attribute it
// shares with the raw data must hold the same value.
func OpenEMData(path string, mode Mode, opts OpenEMDataOptions) (*EMData, error) {
	c, err := Open(path)
	if err != nil {
		return nil, err
	}
	if !c.HasGroup(string(mode)) {
		return nil, errors.Errorf("%s does not contain a %s group", path, mode)
	}

	d := &EMData{Container: c, Mode: mode}

	rawPath := string(mode) + "/raw"
	if opts.UseCLAHE {
		rawPath = string(mode) + "/raw_clahe"
	}
	d.Raw, err = c.Array(rawPath)
	if err != nil {
		if opts.UseCLAHE {
			return nil, errors.Wrapf(err, "contrast-equalized raw data is missing in %s/%s", path, mode)
		}
		return nil, err
	}
	if d.resolution, err = d.Raw.Attrs().Resolution(rawPath); err != nil {
		return nil, err
	}
	if err := d.Raw.Attrs().CheckAxes(rawPath); err != nil {
		return nil, err
	}

	if mode == ModeTrain || mode == ModeValidate {
		gtPath := string(mode) + "/gt"
		d.GT, err = c.Array(gtPath)
		if err != nil {
			return nil, errors.Wrapf(err, "ground truth is missing in %s/%s", path, mode)
		}
		for name := range d.Raw.Attrs() {
			if !d.Raw.Attrs().Equal(d.GT.Attrs(), name) {
				return nil, &AttrError{Path: gtPath, Attr: name, Reason: "of raw and gt data does not match"}
			}
		}

		targetPath := string(mode) + "/target"
		if c.HasArray(targetPath) {
			target, err := c.Array(targetPath)
			if err != nil {
				return nil, err
			}
			if opts.MinTargetShape.Fits(target.Shape()) {
				d.Target = target
			}
		}

		if opts.HasMask {
			maskPath := string(mode) + "/mask"
			d.Mask, err = c.Array(maskPath)
			if err != nil {
				return nil, errors.Wrapf(err, "mask is missing in %s/%s", path, mode)
			}
		}
	}

	return d, nil
}

// VoxelSize returns the branch's physical voxel size.
func (d *EMData) VoxelSize() volumes.VoxelSize { return d.resolution }

// RawVolume reads the whole raw dataset as a volume. Intensities keep their
// stored range; the inference engine applies Raw.NormFactor separately.
func (d *EMData) RawVolume() (*volumes.Volume, error) {
	data, err := d.Raw.ReadAllFloat32()
	if err != nil {
		return nil, err
	}
	return volumes.NewVolume(data, d.Raw.Shape(), d.resolution)
}

// LabelVolume reads an integer dataset as a label volume, taking the
// background label from its attributes when present.
func (d *EMData) LabelVolume(arr *Array) (*volumes.LabelVolume, error) {
	data, err := arr.ReadAllInt32()
	if err != nil {
		return nil, err
	}
	background, present, err := arr.Attrs().BackgroundLabel(arr.Name())
	if err != nil {
		return nil, err
	}
	if !present {
		return volumes.NewUnmaskedLabelVolume(data, arr.Shape(), d.resolution)
	}
	return volumes.NewLabelVolume(data, arr.Shape(), d.resolution, background)
}

// CreateTarget copies the ground truth into a new int64 target dataset,
// zero-padded at the high end of any axis smaller than minShape, with the
// ground truth's attributes carried over. An existing target is overwritten.
func (d *EMData) CreateTarget(minShape volumes.Shape) (*Array, error) {
	if d.GT == nil {
		return nil, errors.Errorf("%s branch has no ground truth to build a target from", d.Mode)
	}
	gtShape := d.GT.Shape()
	outShape := gtShape.Max(minShape)

	src, err := d.GT.ReadAllInt32()
	if err != nil {
		return nil, err
	}
	out := make([]int32, outShape.Size())
	for z := 0; z < gtShape[0]; z++ {
		for y := 0; y < gtShape[1]; y++ {
			si := (z*gtShape[1] + y) * gtShape[2]
			di := (z*outShape[1] + y) * outShape[2]
			copy(out[di:di+gtShape[2]], src[si:si+gtShape[2]])
		}
	}

	attrs := Attrs{}
	for name, v := range d.GT.Attrs() {
		attrs[name] = v
	}
	target, err := d.Container.CreateArray(string(d.Mode)+"/target", outShape, "i8", attrs)
	if err != nil {
		return nil, err
	}
	if err := target.WriteInt32(out); err != nil {
		return nil, err
	}
	d.Target = target
	return target, nil
}
