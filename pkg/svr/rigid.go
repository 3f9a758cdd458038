package svr

import (
	"math"

	"dwirecon/pkg/image"
)

// voxelToScanner builds the voxel-to-scanner affine from a header: the
// transform columns scaled by the voxel sizes.
func voxelToScanner(hdr *image.Header) affine {
	var a affine
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			a.m[r][c] = hdr.Transform[r][c] * hdr.Vox[c]
		}
		a.m[r][3] = hdr.Transform[r][3]
	}
	return a
}

// composeAffine returns the composition a∘b: apply b first, then a.
func composeAffine(a, b affine) affine {
	var out affine
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out.m[r][c] = a.m[r][0]*b.m[0][c] + a.m[r][1]*b.m[1][c] + a.m[r][2]*b.m[2][c]
		}
		out.m[r][3] = a.m[r][0]*b.m[0][3] + a.m[r][1]*b.m[1][3] + a.m[r][2]*b.m[2][3] + a.m[r][3]
	}
	return out
}

// invertAffine inverts a rigid-plus-scaling affine by inverting its 3x3
// part and back-transforming the translation.
func invertAffine(a affine) affine {
	m := a.m
	det := m[0][0]*(m[1][1]*m[2][2]-m[1][2]*m[2][1]) -
		m[0][1]*(m[1][0]*m[2][2]-m[1][2]*m[2][0]) +
		m[0][2]*(m[1][0]*m[2][1]-m[1][1]*m[2][0])

	var inv affine
	inv.m[0][0] = (m[1][1]*m[2][2] - m[1][2]*m[2][1]) / det
	inv.m[0][1] = (m[0][2]*m[2][1] - m[0][1]*m[2][2]) / det
	inv.m[0][2] = (m[0][1]*m[1][2] - m[0][2]*m[1][1]) / det
	inv.m[1][0] = (m[1][2]*m[2][0] - m[1][0]*m[2][2]) / det
	inv.m[1][1] = (m[0][0]*m[2][2] - m[0][2]*m[2][0]) / det
	inv.m[1][2] = (m[0][2]*m[1][0] - m[0][0]*m[1][2]) / det
	inv.m[2][0] = (m[1][0]*m[2][1] - m[1][1]*m[2][0]) / det
	inv.m[2][1] = (m[0][1]*m[2][0] - m[0][0]*m[2][1]) / det
	inv.m[2][2] = (m[0][0]*m[1][1] - m[0][1]*m[1][0]) / det

	for r := 0; r < 3; r++ {
		inv.m[r][3] = -(inv.m[r][0]*m[0][3] + inv.m[r][1]*m[1][3] + inv.m[r][2]*m[2][3])
	}
	return inv
}

// rotationMatrix builds the rotation R = Rz(rz)·Ry(ry)·Rx(rx).
func rotationMatrix(rx, ry, rz float64) [3][3]float64 {
	cx, sx := math.Cos(rx), math.Sin(rx)
	cy, sy := math.Cos(ry), math.Sin(ry)
	cz, sz := math.Cos(rz), math.Sin(rz)
	return [3][3]float64{
		{cy * cz, sx*sy*cz - cx*sz, cx*sy*cz + sx*sz},
		{cy * sz, sx*sy*sz + cx*cz, cx*sy*sz - sx*cz},
		{-sy, sx * cy, cx * cy},
	}
}

// rigidTransform builds the scanner-space rigid transform from a motion
// parameter row: translation in mm, rotations in radians.
func rigidTransform(p [6]float64) affine {
	r := rotationMatrix(p[3], p[4], p[5])
	var a affine
	for i := 0; i < 3; i++ {
		copy(a.m[i][:3], r[i][:])
		a.m[i][3] = p[i]
	}
	return a
}
