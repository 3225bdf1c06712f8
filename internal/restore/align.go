package restore

import (
	"fmt"
	"image/color"

	"github.com/disintegration/imaging"
	"golang.org/x/image/math/f64"
	"gonum.org/v1/gonum/mat"

	"github.com/dunamismax/facecraft/internal/raster"
)

const faceSize = 512

// ffhqTemplate holds the five reference points (eyes, nose, mouth corners)
// of a 512×512 FFHQ-aligned face.
var ffhqTemplate = [5]raster.Point{
	{X: 192.98138, Y: 239.94708},
	{X: 318.90277, Y: 240.19360},
	{X: 256.63416, Y: 314.01935},
	{X: 201.26117, Y: 371.41043},
	{X: 313.08905, Y: 371.15118},
}

// estimateSimilarity fits x' = a·x − b·y + tx, y' = b·x + a·y + ty mapping
// src onto dst in the least-squares sense.
func estimateSimilarity(src, dst []raster.Point) (f64.Aff3, error) {
	if len(src) != len(dst) || len(src) < 2 {
		return f64.Aff3{}, fmt.Errorf("similarity needs matching point sets, got %d and %d", len(src), len(dst))
	}

	n := len(src)
	A := mat.NewDense(2*n, 4, nil)
	b := mat.NewVecDense(2*n, nil)
	for i := range src {
		A.SetRow(2*i, []float64{src[i].X, -src[i].Y, 1, 0})
		A.SetRow(2*i+1, []float64{src[i].Y, src[i].X, 0, 1})
		b.SetVec(2*i, dst[i].X)
		b.SetVec(2*i+1, dst[i].Y)
	}

	var params mat.VecDense
	if err := params.SolveVec(A, b); err != nil {
		return f64.Aff3{}, fmt.Errorf("solve similarity: %w", err)
	}
	sa, sb := params.AtVec(0), params.AtVec(1)
	tx, ty := params.AtVec(2), params.AtVec(3)
	return f64.Aff3{
		sa, -sb, tx,
		sb, sa, ty,
	}, nil
}

// pasteMask is the feathered blend weight in the aligned frame.
func pasteMask() raster.Image {
	const inset = 16
	mask := imaging.New(faceSize, faceSize, color.Black)
	for y := inset; y < faceSize-inset; y++ {
		row := mask.Pix[y*mask.Stride:]
		for x := inset; x < faceSize-inset; x++ {
			row[x*4], row[x*4+1], row[x*4+2] = 255, 255, 255
		}
	}
	return raster.Wrap(imaging.Blur(mask, 8), raster.RGB)
}

// pasteBack warps face from the aligned frame into dst geometry and blends it
// by the warped mask. s2d is the transform that produced the aligned face.
func pasteBack(dst raster.Image, face raster.Image, s2d f64.Aff3) raster.Image {
	d2s := raster.Invert(s2d)
	w, h := dst.Width(), dst.Height()
	warped := face.Warp(d2s, w, h).NRGBA()
	weight := pasteMask().Warp(d2s, w, h).NRGBA()

	out := dst.Clone()
	pix := out.NRGBA()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*pix.Stride + x*4
			wi := y*weight.Stride + x*4
			m := uint32(weight.Pix[wi])
			if m == 0 {
				continue
			}
			fi := y*warped.Stride + x*4
			for c := 0; c < 3; c++ {
				blended := (uint32(pix.Pix[i+c])*(255-m) + uint32(warped.Pix[fi+c])*m + 127) / 255
				pix.Pix[i+c] = uint8(blended)
			}
		}
	}
	return out
}

func alignFace(img raster.Image, keypoints []raster.Point) (raster.Image, f64.Aff3, error) {
	s2d, err := estimateSimilarity(keypoints, ffhqTemplate[:])
	if err != nil {
		return raster.Image{}, f64.Aff3{}, err
	}
	return img.Warp(s2d, faceSize, faceSize), s2d, nil
}
