package image

import (
	"fmt"

	"github.com/chewxy/math32"
)

// Image is an in-memory image: a header plus float32 voxel data in
// canonical layout (axis 0 fastest, volumes slowest).
type Image struct {
	Header *Header
	Data   []float32
}

// New allocates a zero-filled image for the given header.
func New(hdr *Header) *Image {
	return &Image{
		Header: hdr,
		Data:   make([]float32, hdr.Elements()),
	}
}

// Index returns the linear data index of voxel (x, y, z) in volume v.
func (img *Image) Index(x, y, z, v int) int {
	d := img.Header.Dims
	return x + d[0]*(y+d[1]*(z+d[2]*v))
}

// At returns the intensity at voxel (x, y, z) of volume v.
func (img *Image) At(x, y, z, v int) float32 {
	return img.Data[img.Index(x, y, z, v)]
}

// Set stores an intensity at voxel (x, y, z) of volume v.
func (img *Image) Set(x, y, z, v int, value float32) {
	img.Data[img.Index(x, y, z, v)] = value
}

// Volume returns the data of volume v as a slice sharing the image's
// backing array.
func (img *Image) Volume(v int) []float32 {
	n := img.Header.VoxelCount()
	return img.Data[v*n : (v+1)*n]
}

// IntensityRange returns the minimum and maximum finite intensities.
// NaN elements are skipped; an image with no finite elements returns
// (0, 0).
func (img *Image) IntensityRange() (min, max float32) {
	min = math32.MaxFloat32
	max = -math32.MaxFloat32
	found := false
	for _, v := range img.Data {
		if math32.IsNaN(v) || math32.IsInf(v, 0) {
			continue
		}
		found = true
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	if !found {
		return 0, 0
	}
	return min, max
}

// SizeBytes returns the in-memory size of the voxel data.
func (img *Image) SizeBytes() uint64 {
	return uint64(len(img.Data)) * 4
}

// CheckShape4D verifies that the image is 4D with at least one volume.
func (img *Image) CheckShape4D() error {
	if img.Header.NDim() != 4 {
		return fmt.Errorf("expected a 4D image, got %dD", img.Header.NDim())
	}
	if img.Header.Dims[3] < 1 {
		return fmt.Errorf("image has no volumes")
	}
	return nil
}

// CheckShape3D verifies that the image is 3D, or 4D with a single
// volume, as required for scalar field inputs.
func (img *Image) CheckShape3D() error {
	switch {
	case img.Header.NDim() == 3:
		return nil
	case img.Header.NDim() == 4 && img.Header.Dims[3] == 1:
		return nil
	default:
		return fmt.Errorf("expected a 3D image, got %dD with %d volumes",
			img.Header.NDim(), img.Header.NVolumes())
	}
}
