package imageproc

import (
	"image"
	"math/rand/v2"
)

// PatchFill is a content-aware fill for the expanded region. It first
// extends the border pixels outward so the seam has coherent colors, then
// overlays small patches sampled from the original image near the
// corresponding border. The edge signal extracted from the result stays
// continuous across the seam, which is what the conditioning image needs.
type PatchFill struct {
	PatchSize int // defaults to 16
	Seed      uint64
}

func (f PatchFill) Name() string { return "patch" }

func (f PatchFill) Fill(canvas *image.RGBA, keep image.Rectangle) {
	f.extendBorders(canvas, keep)
	f.scatterPatches(canvas, keep)
}

// extendBorders replicates the nearest preserved pixel into the expanded
// region.
func (f PatchFill) extendBorders(canvas *image.RGBA, keep image.Rectangle) {
	bounds := canvas.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			if image.Pt(x, y).In(keep) {
				continue
			}
			sx := clamp(x, keep.Min.X, keep.Max.X-1)
			sy := clamp(y, keep.Min.Y, keep.Max.Y-1)
			canvas.SetRGBA(x, y, canvas.RGBAAt(sx, sy))
		}
	}
}

// scatterPatches copies square patches from just inside the border to
// randomly jittered positions in the expanded region, breaking up the
// streaking left by border extension.
func (f PatchFill) scatterPatches(canvas *image.RGBA, keep image.Rectangle) {
	size := f.PatchSize
	if size <= 0 {
		size = 16
	}

	rng := rand.New(rand.NewPCG(f.Seed, f.Seed))
	bounds := canvas.Bounds()

	area := bounds.Dx()*bounds.Dy() - keep.Dx()*keep.Dy()
	patches := area / (size * size)

	for range patches {
		// Random target outside keep.
		tx := bounds.Min.X + rng.IntN(max(bounds.Dx()-size, 1))
		ty := bounds.Min.Y + rng.IntN(max(bounds.Dy()-size, 1))
		target := image.Rect(tx, ty, tx+size, ty+size)
		if target.Overlaps(keep) {
			continue
		}

		// Source patch just inside the nearest border of keep.
		sx := clamp(tx, keep.Min.X, keep.Max.X-size)
		sy := clamp(ty, keep.Min.Y, keep.Max.Y-size)
		jitter := size / 2
		if jitter > 0 {
			sx = clamp(sx+rng.IntN(2*jitter+1)-jitter, keep.Min.X, keep.Max.X-size)
			sy = clamp(sy+rng.IntN(2*jitter+1)-jitter, keep.Min.Y, keep.Max.Y-size)
		}
		if sx < keep.Min.X || sy < keep.Min.Y {
			continue // keep smaller than a patch
		}

		for dy := range size {
			for dx := range size {
				x, y := tx+dx, ty+dy
				if image.Pt(x, y).In(keep) {
					continue
				}
				canvas.SetRGBA(x, y, canvas.RGBAAt(sx+dx, sy+dy))
			}
		}
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
