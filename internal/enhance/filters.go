package enhance

import (
	"image"
	"math"
)

const (
	bilateralDiameter   = 5
	bilateralSigmaColor = 40.0
	bilateralSigmaSpace = 40.0

	maxChannelGain = 1.5
)

// bilateral smooths flat regions while keeping edges. Color distance is the
// sum of absolute channel differences; borders reflect without repeating the
// edge pixel.
func bilateral(img *image.NRGBA, diameter int, sigmaColor, sigmaSpace float64) *image.NRGBA {
	w, h := rows(img)
	out := image.NewNRGBA(image.Rect(0, 0, w, h))
	radius := diameter / 2
	if radius < 1 || w == 0 || h == 0 {
		copy(out.Pix, img.Pix)
		return out
	}

	type tap struct {
		dx, dy int
		weight float64
	}
	spaceCoeff := -0.5 / (sigmaSpace * sigmaSpace)
	taps := make([]tap, 0, diameter*diameter)
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			r := math.Sqrt(float64(dx*dx + dy*dy))
			if r > float64(radius) {
				continue
			}
			taps = append(taps, tap{dx: dx, dy: dy, weight: math.Exp(r * r * spaceCoeff)})
		}
	}

	colorCoeff := -0.5 / (sigmaColor * sigmaColor)
	var colorWeight [256 * 3]float64
	for i := range colorWeight {
		colorWeight[i] = math.Exp(float64(i*i) * colorCoeff)
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := y*img.Stride + x*4
			r0, g0, b0 := int(img.Pix[c]), int(img.Pix[c+1]), int(img.Pix[c+2])

			var sumR, sumG, sumB, norm float64
			for _, t := range taps {
				sx := reflect101(x+t.dx, w)
				sy := reflect101(y+t.dy, h)
				s := sy*img.Stride + sx*4
				r, g, b := int(img.Pix[s]), int(img.Pix[s+1]), int(img.Pix[s+2])
				dist := absInt(r-r0) + absInt(g-g0) + absInt(b-b0)
				wgt := t.weight * colorWeight[dist]
				sumR += float64(r) * wgt
				sumG += float64(g) * wgt
				sumB += float64(b) * wgt
				norm += wgt
			}

			d := y*out.Stride + x*4
			out.Pix[d] = clampByte(sumR / norm)
			out.Pix[d+1] = clampByte(sumG / norm)
			out.Pix[d+2] = clampByte(sumB / norm)
			out.Pix[d+3] = img.Pix[c+3]
		}
	}
	return out
}

// whiteBalance applies gray-world correction: every channel mean is scaled
// toward the mean of all three, with each gain capped at maxChannelGain.
func whiteBalance(img *image.NRGBA) *image.NRGBA {
	w, h := rows(img)
	out := image.NewNRGBA(image.Rect(0, 0, w, h))
	if w == 0 || h == 0 {
		return out
	}

	var sums [3]float64
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < len(row); x += 4 {
			sums[0] += float64(row[x])
			sums[1] += float64(row[x+1])
			sums[2] += float64(row[x+2])
		}
	}
	n := float64(w * h)
	gray := (sums[0] + sums[1] + sums[2]) / (3 * n)

	var gains [3]float64
	for i, s := range sums {
		mean := s / n
		if mean <= 0 {
			gains[i] = maxChannelGain
			continue
		}
		gains[i] = math.Min(gray/mean, maxChannelGain)
	}

	for y := 0; y < h; y++ {
		src := img.Pix[y*img.Stride : y*img.Stride+w*4]
		dst := out.Pix[y*out.Stride : y*out.Stride+w*4]
		for x := 0; x < len(src); x += 4 {
			dst[x] = clampByte(float64(src[x]) * gains[0])
			dst[x+1] = clampByte(float64(src[x+1]) * gains[1])
			dst[x+2] = clampByte(float64(src[x+2]) * gains[2])
			dst[x+3] = src[x+3]
		}
	}
	return out
}

func reflect101(i, n int) int {
	if n == 1 {
		return 0
	}
	for i < 0 || i >= n {
		if i < 0 {
			i = -i
		}
		if i >= n {
			i = 2*(n-1) - i
		}
	}
	return i
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
