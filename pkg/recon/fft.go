// Package recon reconstructs magnitude images from Cartesian k-space.
package recon

import (
	"fmt"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"

	"pvnifti/internal/models"
)

// fft2D transforms one nx by ny plane in place, x varying fastest.
//
// Parameters:
//   - data: Plane of nx*ny samples
//   - nx, ny: Plane size
//   - inverse: Run the inverse transform, scaled by 1/(nx*ny)
func fft2D(data []complex128, nx, ny int, inverse bool) {
	rows := fourier.NewCmplxFFT(nx)
	cols := fourier.NewCmplxFFT(ny)

	run := func(f *fourier.CmplxFFT, dst, src []complex128) {
		if inverse {
			f.Sequence(dst, src)
		} else {
			f.Coefficients(dst, src)
		}
	}

	// Rows
	line := make([]complex128, nx)
	for y := 0; y < ny; y++ {
		row := data[y*nx : (y+1)*nx]
		run(rows, line, row)
		copy(row, line)
	}

	// Columns
	in := make([]complex128, ny)
	out := make([]complex128, ny)
	for x := 0; x < nx; x++ {
		for y := 0; y < ny; y++ {
			in[y] = data[y*nx+x]
		}
		run(cols, out, in)
		for y := 0; y < ny; y++ {
			data[y*nx+x] = out[y]
		}
	}

	if inverse {
		scale := complex(1/float64(nx*ny), 0)
		for i := range data {
			data[i] *= scale
		}
	}
}

// shift2D moves the zero frequency between the corner and the centre of
// the plane. inverse undoes the forward shift for odd sizes.
func shift2D(data []complex128, nx, ny int, inverse bool) {
	sx, sy := nx/2, ny/2
	if inverse {
		sx, sy = (nx+1)/2, (ny+1)/2
	}
	tmp := make([]complex128, len(data))
	for y := 0; y < ny; y++ {
		for x := 0; x < nx; x++ {
			tmp[((y+sy)%ny)*nx+(x+sx)%nx] = data[y*nx+x]
		}
	}
	copy(data, tmp)
}

func checkPlanes(n, nx, ny, nslices int) error {
	if nx <= 0 || ny <= 0 || nslices <= 0 {
		return fmt.Errorf("%w: plane %dx%d with %d slices", models.ErrShape, nx, ny, nslices)
	}
	if n != nx*ny*nslices {
		return fmt.Errorf("%w: %d samples for %dx%dx%d", models.ErrShape, n, nx, ny, nslices)
	}
	return nil
}

// Magnitude2D reconstructs each centred k-space plane with an inverse 2D
// FFT and returns the magnitudes in the same layout.
//
// Parameters:
//   - ks: nslices planes of nx*ny samples, x varying fastest
//   - nx, ny: Plane size
//   - nslices: Number of planes
//
// Returns:
//   - nx*ny*nslices magnitudes
func Magnitude2D(ks []complex128, nx, ny, nslices int) ([]float64, error) {
	if err := checkPlanes(len(ks), nx, ny, nslices); err != nil {
		return nil, err
	}

	out := make([]float64, len(ks))
	plane := make([]complex128, nx*ny)
	for s := 0; s < nslices; s++ {
		copy(plane, ks[s*nx*ny:(s+1)*nx*ny])
		shift2D(plane, nx, ny, true)
		fft2D(plane, nx, ny, true)
		shift2D(plane, nx, ny, false)
		for i, v := range plane {
			out[s*nx*ny+i] = cmplx.Abs(v)
		}
	}
	return out, nil
}

// Forward2D is the inverse of the complex step of Magnitude2D: it maps
// centred images to centred k-space.
func Forward2D(img []complex128, nx, ny, nslices int) ([]complex128, error) {
	if err := checkPlanes(len(img), nx, ny, nslices); err != nil {
		return nil, err
	}

	out := make([]complex128, len(img))
	for s := 0; s < nslices; s++ {
		plane := out[s*nx*ny : (s+1)*nx*ny]
		copy(plane, img[s*nx*ny:(s+1)*nx*ny])
		shift2D(plane, nx, ny, true)
		fft2D(plane, nx, ny, false)
		shift2D(plane, nx, ny, false)
	}
	return out, nil
}
