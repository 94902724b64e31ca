package store

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/em-ai/go-detect3d/volumes"
)

type compressorMeta struct {
	ID    string `json:"id"`
	Level int    `json:"level,omitempty"`
}

type arrayMeta struct {
	ZarrFormat int             `json:"zarr_format"`
	Shape      []int           `json:"shape"`
	Chunks     []int           `json:"chunks"`
	Dtype      string          `json:"dtype"`
	Compressor *compressorMeta `json:"compressor"`
	FillValue  *float64        `json:"fill_value"`
	Order      string          `json:"order"`
	Filters    interface{}     `json:"filters"`
	DimSep     string          `json:"dimension_separator,omitempty"`
}

// Array is one dataset inside a container. Reads convert the stored dtype to
// the caller's element type; sub-region reads assemble from the intersecting
// chunks.
type Array struct {
	dir   string
	name  string
	meta  arrayMeta
	attrs Attrs
	dtype string // normalized: u1, f4, i4 or i8
	elem  int    // element size in bytes
}

// Array opens the dataset at the slash-separated path inside the container.
func (c *Container) Array(name string) (*Array, error) {
	dir := filepath.Join(c.path, filepath.FromSlash(name))
	raw, err := os.ReadFile(filepath.Join(dir, ".zarray"))
	if err != nil {
		return nil, errors.Wrapf(err, "array %s", name)
	}
	var meta arrayMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, errors.Wrapf(err, "parsing array metadata for %s", name)
	}
	if len(meta.Shape) != 3 || len(meta.Chunks) != 3 {
		return nil, errors.Errorf("array %s has %d axes, only 3 (z,y,x) supported", name, len(meta.Shape))
	}
	if meta.Order != "" && meta.Order != "C" {
		return nil, errors.Errorf("array %s has order %q, only C order supported", name, meta.Order)
	}
	if meta.Compressor != nil {
		switch meta.Compressor.ID {
		case "zlib", "gzip":
		default:
			return nil, errors.Errorf("array %s uses compressor %q, only zlib/gzip supported", name, meta.Compressor.ID)
		}
	}
	dtype, elem, err := normalizeDtype(meta.Dtype)
	if err != nil {
		return nil, errors.Wrapf(err, "array %s", name)
	}
	attrs, err := readAttrs(dir)
	if err != nil {
		return nil, err
	}
	return &Array{dir: dir, name: name, meta: meta, attrs: attrs, dtype: dtype, elem: elem}, nil
}

func normalizeDtype(d string) (string, int, error) {
	d = strings.TrimLeft(d, "<>|=")
	switch d {
	case "u1":
		return "u1", 1, nil
	case "f4":
		return "f4", 4, nil
	case "i4":
		return "i4", 4, nil
	case "i8":
		return "i8", 8, nil
	}
	return "", 0, errors.Errorf("unsupported dtype %q", d)
}

// Name returns the array's path within its container.
func (a *Array) Name() string { return a.name }

// Shape returns the array's (z, y, x) extent.
func (a *Array) Shape() volumes.Shape {
	return volumes.Shape{a.meta.Shape[0], a.meta.Shape[1], a.meta.Shape[2]}
}

// Dtype returns the normalized element type: u1, f4, i4 or i8.
func (a *Array) Dtype() string { return a.dtype }

// Attrs returns the array's attribute mapping.
func (a *Array) Attrs() Attrs { return a.attrs }

// NormFactor is the intensity scale that maps the stored value range onto
// the models' expected [0,1] input range.
func (a *Array) NormFactor() float32 {
	if a.dtype == "u1" {
		return 1.0 / 255.0
	}
	return 1
}

func (a *Array) fillValue() float64 {
	if a.meta.FillValue == nil {
		return 0
	}
	return *a.meta.FillValue
}

func (a *Array) sep() string {
	if a.meta.DimSep == "" {
		return "."
	}
	return a.meta.DimSep
}

// chunkBytes loads one chunk, decompressing if needed. Missing chunk files
// mean the chunk is entirely fill value.
func (a *Array) chunkBytes(cz, cy, cx int) ([]byte, bool, error) {
	key := strconv.Itoa(cz) + a.sep() + strconv.Itoa(cy) + a.sep() + strconv.Itoa(cx)
	raw, err := os.ReadFile(filepath.Join(a.dir, key))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "reading chunk %s of %s", key, a.name)
	}
	if a.meta.Compressor == nil {
		return raw, true, nil
	}
	var r io.ReadCloser
	switch a.meta.Compressor.ID {
	case "zlib":
		r, err = zlib.NewReader(bytes.NewReader(raw))
	case "gzip":
		r, err = gzip.NewReader(bytes.NewReader(raw))
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "decompressing chunk %s of %s", key, a.name)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, false, errors.Wrapf(err, "decompressing chunk %s of %s", key, a.name)
	}
	return data, true, nil
}

func (a *Array) decode(b []byte, i int) float64 {
	switch a.dtype {
	case "u1":
		return float64(b[i])
	case "f4":
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:])))
	case "i4":
		return float64(int32(binary.LittleEndian.Uint32(b[i*4:])))
	default: // i8
		return float64(int64(binary.LittleEndian.Uint64(b[i*8:])))
	}
}

// read decodes the region into dst via the per-element sink.
func (a *Array) read(roi volumes.ROI, sink func(dstIdx int, v float64)) error {
	shape := a.Shape()
	if !roi.Inside(shape) {
		return errors.Errorf("read %v outside array %s shape %v", roi, a.name, shape)
	}
	chunks := volumes.Shape{a.meta.Chunks[0], a.meta.Chunks[1], a.meta.Chunks[2]}
	end := roi.End()
	fill := a.fillValue()

	for cz := roi.Offset[0] / chunks[0]; cz*chunks[0] < end[0]; cz++ {
		for cy := roi.Offset[1] / chunks[1]; cy*chunks[1] < end[1]; cy++ {
			for cx := roi.Offset[2] / chunks[2]; cx*chunks[2] < end[2]; cx++ {
				data, ok, err := a.chunkBytes(cz, cy, cx)
				if err != nil {
					return err
				}
				// Intersection of the chunk with the request, in global coords.
				z0 := max(roi.Offset[0], cz*chunks[0])
				z1 := min(end[0], (cz+1)*chunks[0])
				y0 := max(roi.Offset[1], cy*chunks[1])
				y1 := min(end[1], (cy+1)*chunks[1])
				x0 := max(roi.Offset[2], cx*chunks[2])
				x1 := min(end[2], (cx+1)*chunks[2])
				for z := z0; z < z1; z++ {
					for y := y0; y < y1; y++ {
						for x := x0; x < x1; x++ {
							di := ((z-roi.Offset[0])*roi.Shape[1]+y-roi.Offset[1])*roi.Shape[2] + x - roi.Offset[2]
							if !ok {
								sink(di, fill)
								continue
							}
							ci := ((z-cz*chunks[0])*chunks[1]+y-cy*chunks[1])*chunks[2] + x - cx*chunks[2]
							sink(di, a.decode(data, ci))
						}
					}
				}
			}
		}
	}
	return nil
}

// ReadFloat32 reads the region, converting the stored dtype to float32.
func (a *Array) ReadFloat32(roi volumes.ROI) ([]float32, error) {
	out := make([]float32, roi.Shape.Size())
	if err := a.read(roi, func(i int, v float64) { out[i] = float32(v) }); err != nil {
		return nil, err
	}
	return out, nil
}

// ReadInt32 reads the region, converting the stored dtype to int32.
func (a *Array) ReadInt32(roi volumes.ROI) ([]int32, error) {
	out := make([]int32, roi.Shape.Size())
	if err := a.read(roi, func(i int, v float64) { out[i] = int32(v) }); err != nil {
		return nil, err
	}
	return out, nil
}

// full returns the ROI covering the whole array.
func (a *Array) full() volumes.ROI {
	return volumes.ROI{Shape: a.Shape()}
}

// ReadAllFloat32 reads the whole array as float32.
func (a *Array) ReadAllFloat32() ([]float32, error) {
	return a.ReadFloat32(a.full())
}

// ReadAllInt32 reads the whole array as int32.
func (a *Array) ReadAllInt32() ([]int32, error) {
	return a.ReadInt32(a.full())
}

// CreateArray creates a dataset at the slash-separated path, stored as a
// single uncompressed chunk, and attaches the given attributes.
func (c *Container) CreateArray(name string, shape volumes.Shape, dtype string, attrs Attrs) (*Array, error) {
	norm, elem, err := normalizeDtype(dtype)
	if err != nil {
		return nil, errors.Wrapf(err, "array %s", name)
	}
	dir := filepath.Join(c.path, filepath.FromSlash(name))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating array %s", name)
	}
	fill := 0.0
	meta := arrayMeta{
		ZarrFormat: 2,
		Shape:      []int{shape[0], shape[1], shape[2]},
		Chunks:     []int{shape[0], shape[1], shape[2]},
		Dtype:      "<" + norm,
		FillValue:  &fill,
		Order:      "C",
	}
	if norm == "u1" {
		meta.Dtype = "|u1"
	}
	raw, err := json.MarshalIndent(&meta, "", "    ")
	if err != nil {
		return nil, errors.Wrapf(err, "encoding metadata for %s", name)
	}
	if err := os.WriteFile(filepath.Join(dir, ".zarray"), raw, 0o644); err != nil {
		return nil, errors.Wrapf(err, "writing metadata for %s", name)
	}
	if attrs == nil {
		attrs = Attrs{}
	}
	if err := writeAttrs(dir, attrs); err != nil {
		return nil, err
	}
	return &Array{dir: dir, name: name, meta: meta, attrs: attrs, dtype: norm, elem: elem}, nil
}

// SetAttrs replaces the array's attribute mapping.
func (a *Array) SetAttrs(attrs Attrs) error {
	a.attrs = attrs
	return writeAttrs(a.dir, attrs)
}

// write encodes count elements through src into the single chunk file.
func (a *Array) write(count int, src func(i int) float64) error {
	shape := a.Shape()
	if count != shape.Size() {
		return errors.Errorf("write of %d elements to array %s of %d voxels", count, a.name, shape.Size())
	}
	buf := make([]byte, count*a.elem)
	for i := 0; i < count; i++ {
		v := src(i)
		switch a.dtype {
		case "u1":
			buf[i] = byte(v)
		case "f4":
			binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(float32(v)))
		case "i4":
			binary.LittleEndian.PutUint32(buf[i*4:], uint32(int32(v)))
		default: // i8
			binary.LittleEndian.PutUint64(buf[i*8:], uint64(int64(v)))
		}
	}
	key := "0" + a.sep() + "0" + a.sep() + "0"
	if err := os.WriteFile(filepath.Join(a.dir, key), buf, 0o644); err != nil {
		return errors.Wrapf(err, "writing chunk of %s", a.name)
	}
	return nil
}

// WriteFloat32 stores the whole array from float32 data.
func (a *Array) WriteFloat32(data []float32) error {
	return a.write(len(data), func(i int) float64 { return float64(data[i]) })
}

// WriteInt32 stores the whole array from int32 data.
func (a *Array) WriteInt32(data []int32) error {
	return a.write(len(data), func(i int) float64 { return float64(data[i]) })
}
