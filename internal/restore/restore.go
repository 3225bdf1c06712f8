// Package restore improves face detail with a restoration model. Restoration
// is best effort: Guarded never lets a restorer fail the caller.
package restore

import (
	"context"
	"log"

	"github.com/dunamismax/facecraft/internal/raster"
)

// Restorer returns a restored copy of img with the same size. fidelity is in
// [0,1]; higher values stay closer to the input.
type Restorer interface {
	Restore(ctx context.Context, img raster.Image, fidelity float64) (raster.Image, error)
}

// Guarded turns a Restorer into a pass-through on absence, error, panic or a
// malformed result.
type Guarded struct {
	restorer Restorer
	logger   *log.Logger
}

func NewGuarded(restorer Restorer, logger *log.Logger) *Guarded {
	return &Guarded{restorer: restorer, logger: logger}
}

func (g *Guarded) Available() bool { return g != nil && g.restorer != nil }

// Restore reports whether the returned image came from the restorer.
func (g *Guarded) Restore(ctx context.Context, img raster.Image, fidelity float64) (out raster.Image, restored bool) {
	if !g.Available() {
		return img, false
	}

	defer func() {
		if r := recover(); r != nil {
			g.logf("restore panic err=%v, keeping original", r)
			out, restored = img, false
		}
	}()

	result, err := g.restorer.Restore(ctx, img, clampFidelity(fidelity))
	if err != nil {
		g.logf("restore failed err=%v, keeping original", err)
		return img, false
	}
	if result.Empty() || result.Width() != img.Width() || result.Height() != img.Height() || result.Channels() != img.Channels() {
		g.logf("restore returned %s for %s input, keeping original", result, img)
		return img, false
	}
	return result, true
}

func (g *Guarded) logf(format string, args ...any) {
	if g.logger != nil {
		g.logger.Printf(format, args...)
	}
}

func clampFidelity(f float64) float64 {
	return min(max(f, 0), 1)
}
