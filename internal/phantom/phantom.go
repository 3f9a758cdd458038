// Package phantom builds small synthetic DWI datasets shared by tests
// across packages: constant-intensity series, linear off-resonance
// fields with known Jacobians, and quasi-uniform direction sets.
package phantom

import (
	"math"

	"dwirecon/pkg/dwi"
	"dwirecon/pkg/image"
	"dwirecon/pkg/pe"
)

// Header4D returns a header for a 4D series on a unit voxel grid.
func Header4D(nx, ny, nz, nv int) *image.Header {
	return image.NewHeader(nx, ny, nz, nv)
}

// ConstantSeries builds a 4D image where every voxel of volume v holds
// values[v].
func ConstantSeries(nx, ny, nz int, values []float32) *image.Image {
	img := image.New(Header4D(nx, ny, nz, len(values)))
	for v, val := range values {
		vol := img.Volume(v)
		for i := range vol {
			vol[i] = val
		}
	}
	return img
}

// RampFieldY builds a 3D field image whose value depends only on the y
// coordinate: F(x, y, z) = values[y]. With ny = 2 and values {0, f},
// the central-difference gradient along y is f/2 at every voxel.
func RampFieldY(nx, ny, nz int, values []float64) *image.Image {
	field := image.New(image.NewHeader(nx, ny, nz))
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				field.Set(x, y, z, 0, float32(values[y]))
			}
		}
	}
	return field
}

// ZeroField builds a 3D field image of zeros on the given grid.
func ZeroField(nx, ny, nz int) *image.Image {
	return image.New(image.NewHeader(nx, ny, nz))
}

// Directions returns n quasi-uniform unit directions from a spherical
// Fibonacci spiral. The set is deterministic.
func Directions(n int) [][3]float64 {
	golden := math.Pi * (3 - math.Sqrt(5))
	dirs := make([][3]float64, n)
	for i := range dirs {
		z := 1 - 2*(float64(i)+0.5)/float64(n)
		r := math.Sqrt(1 - z*z)
		phi := golden * float64(i)
		dirs[i] = [3]float64{r * math.Cos(phi), r * math.Sin(phi), z}
	}
	return dirs
}

// SplitScheme builds a single-shell gradient table over n directions at
// the given b-value, plus a PE scheme that deals volumes round-robin
// across the given PE rows.
func SplitScheme(n int, bvalue float64, rows []pe.Row) (dwi.Scheme, pe.Scheme) {
	dirs := Directions(n)
	grad := make(dwi.Scheme, n)
	scheme := make(pe.Scheme, n)
	for i, d := range dirs {
		grad[i] = [4]float64{d[0], d[1], d[2], bvalue}
		scheme[i] = rows[i%len(rows)]
	}
	return grad, scheme
}

// PairedScheme builds a gradient table acquiring the same nDirs
// directions twice at the given b-value, once per PE polarity: volumes
// [0, nDirs) carry rowA, volumes [nDirs, 2·nDirs) carry rowB.
func PairedScheme(nDirs int, bvalue float64, rowA, rowB pe.Row) (dwi.Scheme, pe.Scheme) {
	dirs := Directions(nDirs)
	grad := make(dwi.Scheme, 2*nDirs)
	scheme := make(pe.Scheme, 2*nDirs)
	for i, d := range dirs {
		grad[i] = [4]float64{d[0], d[1], d[2], bvalue}
		grad[nDirs+i] = grad[i]
		scheme[i] = rowA
		scheme[nDirs+i] = rowB
	}
	return grad, scheme
}
