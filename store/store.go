// Package store reads and writes volumetric EM data in zarr v2 directory
// containers.
//
// A container is a directory tree of groups (marked by .zgroup) and arrays
// (marked by .zarray), with JSON attributes in .zattrs files and chunk data
// in C-order little-endian files named by their chunk coordinates. Only the
// subset this module needs is supported: dtypes u1/f4/i4/i8, raw or zlib
// chunk compression, "." separated chunk keys.
package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/em-ai/go-detect3d/volumes"
)

// AttrError reports a missing or invalid required attribute on a dataset.
type AttrError struct {
	Path   string
	Attr   string
	Reason string
}

func (e *AttrError) Error() string {
	return fmt.Sprintf("%s: attribute %q %s", e.Path, e.Attr, e.Reason)
}

// Container is an open zarr group directory.
type Container struct {
	path string
}

// Open opens an existing container root, requiring its .zgroup marker.
func Open(path string) (*Container, error) {
	if _, err := os.Stat(filepath.Join(path, ".zgroup")); err != nil {
		return nil, errors.Wrapf(err, "%s is not a zarr group", path)
	}
	return &Container{path: path}, nil
}

// Create initializes a new container root.
func Create(path string) (*Container, error) {
	if err := writeGroupMarker(path); err != nil {
		return nil, err
	}
	return &Container{path: path}, nil
}

// Path returns the container's root directory.
func (c *Container) Path() string { return c.path }

// HasGroup reports whether name is a child group of the container.
func (c *Container) HasGroup(name string) bool {
	_, err := os.Stat(filepath.Join(c.path, filepath.FromSlash(name), ".zgroup"))
	return err == nil
}

// HasArray reports whether the slash-separated path names an array.
func (c *Container) HasArray(name string) bool {
	_, err := os.Stat(filepath.Join(c.path, filepath.FromSlash(name), ".zarray"))
	return err == nil
}

// Group returns a child group, creating its marker if needed.
func (c *Container) Group(name string) (*Container, error) {
	dir := filepath.Join(c.path, filepath.FromSlash(name))
	if _, err := os.Stat(filepath.Join(dir, ".zgroup")); err != nil {
		if !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "group %s", name)
		}
		if err := writeGroupMarker(dir); err != nil {
			return nil, err
		}
	}
	return &Container{path: dir}, nil
}

func writeGroupMarker(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating group %s", dir)
	}
	marker := []byte("{\"zarr_format\": 2}")
	if err := os.WriteFile(filepath.Join(dir, ".zgroup"), marker, 0o644); err != nil {
		return errors.Wrapf(err, "writing group marker in %s", dir)
	}
	return nil
}

// Attrs is a dataset's attribute mapping, kept as raw JSON so unknown
// attributes round-trip untouched.
type Attrs map[string]json.RawMessage

func readAttrs(dir string) (Attrs, error) {
	data, err := os.ReadFile(filepath.Join(dir, ".zattrs"))
	if os.IsNotExist(err) {
		return Attrs{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading attributes in %s", dir)
	}
	var attrs Attrs
	if err := json.Unmarshal(data, &attrs); err != nil {
		return nil, errors.Wrapf(err, "parsing attributes in %s", dir)
	}
	return attrs, nil
}

func writeAttrs(dir string, attrs Attrs) error {
	data, err := json.MarshalIndent(attrs, "", "    ")
	if err != nil {
		return errors.Wrapf(err, "encoding attributes for %s", dir)
	}
	if err := os.WriteFile(filepath.Join(dir, ".zattrs"), data, 0o644); err != nil {
		return errors.Wrapf(err, "writing attributes in %s", dir)
	}
	return nil
}

// Equal reports whether an attribute holds the same value in both mappings.
// Attributes absent from either side compare equal.
func (a Attrs) Equal(b Attrs, name string) bool {
	av, aok := a[name]
	bv, bok := b[name]
	if !aok || !bok {
		return true
	}
	return bytes.Equal(canonicalJSON(av), canonicalJSON(bv))
}

// canonicalJSON re-encodes a raw message so formatting differences do not
// affect comparison.
func canonicalJSON(raw json.RawMessage) []byte {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}

// Resolution decodes the required physical voxel size attribute.
func (a Attrs) Resolution(path string) (volumes.VoxelSize, error) {
	raw, ok := a["resolution"]
	if !ok {
		return volumes.VoxelSize{}, &AttrError{Path: path, Attr: "resolution", Reason: "is required"}
	}
	var res []float64
	if err := json.Unmarshal(raw, &res); err != nil {
		return volumes.VoxelSize{}, &AttrError{Path: path, Attr: "resolution", Reason: "is not a number list"}
	}
	vs, err := volumes.NewVoxelSize(res)
	if err != nil {
		return volumes.VoxelSize{}, &AttrError{Path: path, Attr: "resolution", Reason: err.Error()}
	}
	return vs, nil
}

// CheckAxes enforces the required (z, y, x) axis-order attribute.
func (a Attrs) CheckAxes(path string) error {
	raw, ok := a["axes"]
	if !ok {
		return &AttrError{Path: path, Attr: "axes", Reason: "is required with orientation [z,y,x]"}
	}
	var axes []string
	if err := json.Unmarshal(raw, &axes); err != nil {
		return &AttrError{Path: path, Attr: "axes", Reason: "is not a string list"}
	}
	if len(axes) != 3 || axes[0] != "z" || axes[1] != "y" || axes[2] != "x" {
		return &AttrError{Path: path, Attr: "axes", Reason: fmt.Sprintf("is %v, must be [z y x]", axes)}
	}
	return nil
}

// BackgroundLabel decodes the optional background label attribute. Absent
// means no background filtering.
func (a Attrs) BackgroundLabel(path string) (label int32, present bool, err error) {
	raw, ok := a["background_label"]
	if !ok {
		return 0, false, nil
	}
	var v int32
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, false, &AttrError{Path: path, Attr: "background_label", Reason: "is not an integer"}
	}
	return v, true, nil
}
