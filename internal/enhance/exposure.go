package enhance

import (
	"image"
	"math"

	"github.com/lucasb-eyer/go-colorful"
)

const (
	// Luminance values use the 8-bit L scale (0-255).
	targetLuminance      = 140.0
	exposureThreshold    = 10.0
	underexposeThreshold = 20.0
	maxBlendWeight       = 0.7
	blendDivisor         = 50.0
	maxGamma             = 1.4
	gammaDivisor         = 200.0

	claheClipLimit = 1.5
	claheTiles     = 8
)

type labPlane struct {
	l    []uint8
	a, b []float64
	mean float64
}

func toLab(img *image.NRGBA) labPlane {
	w, h := rows(img)
	n := w * h
	plane := labPlane{
		l: make([]uint8, n),
		a: make([]float64, n),
		b: make([]float64, n),
	}
	var sum float64
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < w; x++ {
			c := colorful.Color{
				R: float64(row[x*4]) / 255,
				G: float64(row[x*4+1]) / 255,
				B: float64(row[x*4+2]) / 255,
			}
			l, a, b := c.Lab()
			l8 := clampByte(l * 255)
			i := y*w + x
			plane.l[i] = l8
			plane.a[i] = a
			plane.b[i] = b
			sum += l * 255
		}
	}
	if n > 0 {
		plane.mean = sum / float64(n)
	}
	return plane
}

func (p labPlane) toNRGBA(w, h int) *image.NRGBA {
	out := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		row := out.Pix[y*out.Stride : y*out.Stride+w*4]
		for x := 0; x < w; x++ {
			i := y*w + x
			r, g, b := colorful.Lab(float64(p.l[i])/255, p.a[i], p.b[i]).Clamped().RGB255()
			row[x*4], row[x*4+1], row[x*4+2], row[x*4+3] = r, g, b, 0xff
		}
	}
	return out
}

// correctExposure pulls mean luminance toward the portrait target. Moderate
// deviations get a blended CLAHE pass; strong underexposure also gets a gamma
// lift.
func correctExposure(img *image.NRGBA) *image.NRGBA {
	w, h := rows(img)
	plane := toLab(img)

	diff := targetLuminance - plane.mean
	if math.Abs(diff) <= exposureThreshold {
		return img
	}

	equalized := clahe(plane.l, w, h, claheClipLimit, claheTiles)
	weight := math.Min(math.Abs(diff)/blendDivisor, maxBlendWeight)
	for i, v := range plane.l {
		plane.l[i] = clampByte(float64(v)*(1-weight) + float64(equalized[i])*weight)
	}

	if diff > underexposeThreshold {
		gamma := math.Min(1+diff/gammaDivisor, maxGamma)
		lut := gammaTable(gamma)
		for i, v := range plane.l {
			plane.l[i] = lut[v]
		}
	}

	return plane.toNRGBA(w, h)
}

func gammaTable(gamma float64) [256]uint8 {
	var lut [256]uint8
	inv := 1 / gamma
	for i := range lut {
		lut[i] = uint8(math.Pow(float64(i)/255, inv) * 255)
	}
	return lut
}

// clahe performs contrast-limited adaptive histogram equalization on an 8-bit
// plane using tiles x tiles regions and bilinear interpolation between tile
// mappings.
func clahe(src []uint8, w, h int, clipLimit float64, tiles int) []uint8 {
	out := make([]uint8, len(src))
	if w == 0 || h == 0 {
		return out
	}
	tilesX := min(tiles, w)
	tilesY := min(tiles, h)
	tileW := (w + tilesX - 1) / tilesX
	tileH := (h + tilesY - 1) / tilesY

	luts := make([][256]uint8, tilesX*tilesY)
	for ty := 0; ty < tilesY; ty++ {
		for tx := 0; tx < tilesX; tx++ {
			x0, y0 := tx*tileW, ty*tileH
			x1, y1 := min(x0+tileW, w), min(y0+tileH, h)
			luts[ty*tilesX+tx] = tileMapping(src, w, x0, y0, x1, y1, clipLimit)
		}
	}

	for y := 0; y < h; y++ {
		gy := (float64(y)+0.5)/float64(tileH) - 0.5
		ty0 := int(math.Floor(gy))
		fy := gy - float64(ty0)
		ty1 := ty0 + 1
		ty0 = clampInt(ty0, 0, tilesY-1)
		ty1 = clampInt(ty1, 0, tilesY-1)

		for x := 0; x < w; x++ {
			gx := (float64(x)+0.5)/float64(tileW) - 0.5
			tx0 := int(math.Floor(gx))
			fx := gx - float64(tx0)
			tx1 := tx0 + 1
			tx0 = clampInt(tx0, 0, tilesX-1)
			tx1 = clampInt(tx1, 0, tilesX-1)

			v := src[y*w+x]
			top := (1-fx)*float64(luts[ty0*tilesX+tx0][v]) + fx*float64(luts[ty0*tilesX+tx1][v])
			bottom := (1-fx)*float64(luts[ty1*tilesX+tx0][v]) + fx*float64(luts[ty1*tilesX+tx1][v])
			out[y*w+x] = clampByte((1-fy)*top + fy*bottom)
		}
	}
	return out
}

func tileMapping(src []uint8, stride, x0, y0, x1, y1 int, clipLimit float64) [256]uint8 {
	var hist [256]int
	area := (x1 - x0) * (y1 - y0)
	for y := y0; y < y1; y++ {
		for _, v := range src[y*stride+x0 : y*stride+x1] {
			hist[v]++
		}
	}

	limit := max(1, int(clipLimit*float64(area)/256))
	excess := 0
	for i, c := range hist {
		if c > limit {
			excess += c - limit
			hist[i] = limit
		}
	}
	bonus := excess / 256
	residual := excess - bonus*256
	for i := range hist {
		hist[i] += bonus
	}
	if residual > 0 {
		step := max(1, 256/residual)
		for i := 0; i < 256 && residual > 0; i += step {
			hist[i]++
			residual--
		}
	}

	var lut [256]uint8
	scale := 255.0 / float64(max(1, area))
	sum := 0
	for i, c := range hist {
		sum += c
		lut[i] = clampByte(float64(sum) * scale)
	}
	return lut
}

func clampByte(v float64) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	default:
		return uint8(v + 0.5)
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
