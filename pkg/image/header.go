// Package image implements the MRtrix image container (.mif and
// .mif.gz): a text header describing dimensions, voxel sizes, data
// layout and scanner transform, followed by raw voxel data. Images are
// held in memory as float32 in canonical layout (axis 0 fastest). The
// header carries arbitrary key-value metadata, which is how diffusion
// gradient tables and phase-encoding schemes travel with the data.
package image

import (
	"fmt"
	"strings"
)

// KeyValue is one metadata entry. Keys may repeat; readers join
// repeated values with newlines.
type KeyValue struct {
	Key   string
	Value string
}

// Header describes the geometry and metadata of an image.
type Header struct {
	// Dims holds the axis sizes, fastest-varying first. Spatial axes
	// are 0..2; axis 3, when present, indexes volumes.
	Dims []int

	// Vox holds the voxel spacing per axis in mm (entries past the
	// third axis are carried through but have no geometric meaning).
	Vox []float64

	// Transform maps voxel indices to scanner coordinates: three rows
	// of a 4-column affine.
	Transform [3][4]float64

	// DataType is the on-disk encoding; in-memory data is float32.
	DataType DataType

	keyValues []KeyValue
}

// NewHeader creates a header with the given axis sizes, unit voxel
// spacing and an identity scanner transform.
func NewHeader(dims ...int) *Header {
	h := &Header{
		Dims:     append([]int(nil), dims...),
		Vox:      make([]float64, len(dims)),
		DataType: Float32LE,
	}
	for i := range h.Vox {
		h.Vox[i] = 1.0
	}
	for i := 0; i < 3; i++ {
		h.Transform[i][i] = 1.0
	}
	return h
}

// Clone returns a deep copy of the header.
func (h *Header) Clone() *Header {
	c := &Header{
		Dims:      append([]int(nil), h.Dims...),
		Vox:       append([]float64(nil), h.Vox...),
		Transform: h.Transform,
		DataType:  h.DataType,
		keyValues: append([]KeyValue(nil), h.keyValues...),
	}
	return c
}

// NDim returns the number of axes.
func (h *Header) NDim() int { return len(h.Dims) }

// NVolumes returns the size of axis 3, or 1 for a 3D image.
func (h *Header) NVolumes() int {
	if len(h.Dims) < 4 {
		return 1
	}
	return h.Dims[3]
}

// VoxelCount returns the number of voxels in one volume (product of
// the three spatial axis sizes).
func (h *Header) VoxelCount() int {
	n := 1
	for i := 0; i < 3 && i < len(h.Dims); i++ {
		n *= h.Dims[i]
	}
	return n
}

// Elements returns the total number of data elements across all axes.
func (h *Header) Elements() int {
	n := 1
	for _, d := range h.Dims {
		n *= d
	}
	return n
}

// Value returns the metadata value for key. Repeated entries are
// joined with newlines, matching how multi-row tables are stored.
func (h *Header) Value(key string) (string, bool) {
	var parts []string
	for _, kv := range h.keyValues {
		if kv.Key == key {
			parts = append(parts, kv.Value)
		}
	}
	if parts == nil {
		return "", false
	}
	return strings.Join(parts, "\n"), true
}

// SetValue replaces all entries for key with the given value.
// Embedded newlines become repeated entries on output.
func (h *Header) SetValue(key, value string) {
	h.DeleteKey(key)
	h.AddValue(key, value)
}

// AddValue appends a metadata entry, splitting embedded newlines into
// repeated entries.
func (h *Header) AddValue(key, value string) {
	for _, line := range strings.Split(value, "\n") {
		h.keyValues = append(h.keyValues, KeyValue{Key: key, Value: line})
	}
}

// DeleteKey removes all entries for key.
func (h *Header) DeleteKey(key string) {
	kept := h.keyValues[:0]
	for _, kv := range h.keyValues {
		if kv.Key != key {
			kept = append(kept, kv)
		}
	}
	h.keyValues = kept
}

// Keys returns the distinct metadata keys in first-appearance order.
func (h *Header) Keys() []string {
	seen := make(map[string]bool)
	var keys []string
	for _, kv := range h.keyValues {
		if !seen[kv.Key] {
			seen[kv.Key] = true
			keys = append(keys, kv.Key)
		}
	}
	return keys
}

// Validate checks internal consistency of the header geometry.
func (h *Header) Validate() error {
	if len(h.Dims) < 3 || len(h.Dims) > 4 {
		return fmt.Errorf("expected 3 or 4 axes, header has %d", len(h.Dims))
	}
	for i, d := range h.Dims {
		if d < 1 {
			return fmt.Errorf("axis %d has size %d", i, d)
		}
	}
	if len(h.Vox) < 3 {
		return fmt.Errorf("expected at least 3 voxel size entries, header has %d", len(h.Vox))
	}
	for i := 0; i < 3; i++ {
		if h.Vox[i] <= 0 {
			return fmt.Errorf("axis %d has voxel size %g", i, h.Vox[i])
		}
	}
	return nil
}

// SameGrid reports whether two headers describe the same spatial grid:
// equal spatial dimensions, voxel sizes within tol, and scanner
// transforms within tol per component.
func SameGrid(a, b *Header, tol float64) bool {
	for i := 0; i < 3; i++ {
		if i >= len(a.Dims) || i >= len(b.Dims) || a.Dims[i] != b.Dims[i] {
			return false
		}
		if absDiff(a.Vox[i], b.Vox[i]) > tol {
			return false
		}
	}
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			if absDiff(a.Transform[r][c], b.Transform[r][c]) > tol {
				return false
			}
		}
	}
	return true
}

func absDiff(a, b float64) float64 {
	d := a - b
	if d < 0 {
		return -d
	}
	return d
}
