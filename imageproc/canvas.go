package imageproc

import (
	"image"
	"image/color"
	"math/rand/v2"

	"golang.org/x/image/draw"
)

// Expansion is the per-direction pixel growth for an outpainting request.
type Expansion struct {
	Left  int
	Up    int
	Right int
	Down  int
}

// Zero reports whether no expansion was requested.
func (e Expansion) Zero() bool {
	return e.Left == 0 && e.Up == 0 && e.Right == 0 && e.Down == 0
}

// Mask pixel values. The preserved region keeps the original pixels, the
// generate region is filled by the model.
var (
	MaskPreserve = color.RGBA{0, 0, 0, 255}
	MaskGenerate = color.RGBA{255, 255, 255, 255}
)

// FillPolicy paints the expanded region of an outpaint canvas, i.e. every
// pixel outside the keep rectangle. The original image has already been
// placed inside keep when Fill is called.
type FillPolicy interface {
	Name() string
	Fill(canvas *image.RGBA, keep image.Rectangle)
}

// BuildCanvas expands src by the given per-direction growth and paints the
// new region with the fill policy. The original image lands at offset
// (exp.Left, exp.Up). Output dimensions are always
// (w+left+right) x (h+up+down), matching BuildMask for the same expansion.
func BuildCanvas(src *image.RGBA, exp Expansion, policy FillPolicy) *image.RGBA {
	bounds := src.Bounds()
	width := bounds.Dx() + exp.Left + exp.Right
	height := bounds.Dy() + exp.Up + exp.Down

	canvas := image.NewRGBA(image.Rect(0, 0, width, height))
	keep := image.Rect(exp.Left, exp.Up, exp.Left+bounds.Dx(), exp.Up+bounds.Dy())
	draw.Draw(canvas, keep, src, bounds.Min, draw.Src)

	if !exp.Zero() {
		policy.Fill(canvas, keep)
	}

	return canvas
}

// BuildMask derives the binary outpaint mask for the same expansion: the
// preserved region is MaskPreserve, everything else MaskGenerate.
func BuildMask(src *image.RGBA, exp Expansion) *image.RGBA {
	bounds := src.Bounds()
	width := bounds.Dx() + exp.Left + exp.Right
	height := bounds.Dy() + exp.Up + exp.Down

	mask := Uniform(width, height, MaskGenerate)
	keep := image.Rect(exp.Left, exp.Up, exp.Left+bounds.Dx(), exp.Up+bounds.Dy())
	draw.Draw(mask, keep, &image.Uniform{MaskPreserve}, image.Point{}, draw.Src)

	return mask
}

// SolidFill paints the expanded region with a constant color.
type SolidFill struct {
	Color color.Color
}

func (f SolidFill) Name() string { return "solid" }

func (f SolidFill) Fill(canvas *image.RGBA, keep image.Rectangle) {
	fillOutside(canvas, keep, func(r image.Rectangle) {
		draw.Draw(canvas, r, &image.Uniform{f.Color}, image.Point{}, draw.Src)
	})
}

// NoiseFill paints the expanded region with block-quantized random pixels.
type NoiseFill struct {
	BlockSize int // defaults to 4
	Seed      uint64
}

func (f NoiseFill) Name() string { return "noise" }

func (f NoiseFill) Fill(canvas *image.RGBA, keep image.Rectangle) {
	block := f.BlockSize
	if block <= 0 {
		block = 4
	}

	rng := rand.New(rand.NewPCG(f.Seed, f.Seed))
	bounds := canvas.Bounds()
	for by := bounds.Min.Y; by < bounds.Max.Y; by += block {
		for bx := bounds.Min.X; bx < bounds.Max.X; bx += block {
			cell := image.Rect(bx, by, min(bx+block, bounds.Max.X), min(by+block, bounds.Max.Y))
			if cell.In(keep) {
				continue
			}

			c := color.RGBA{uint8(rng.IntN(256)), uint8(rng.IntN(256)), uint8(rng.IntN(256)), 255}
			for y := cell.Min.Y; y < cell.Max.Y; y++ {
				for x := cell.Min.X; x < cell.Max.X; x++ {
					if image.Pt(x, y).In(keep) {
						continue
					}
					canvas.SetRGBA(x, y, c)
				}
			}
		}
	}
}

// fillOutside applies fn to the up-to-four rectangles surrounding keep.
func fillOutside(canvas *image.RGBA, keep image.Rectangle, fn func(image.Rectangle)) {
	bounds := canvas.Bounds()

	if top := image.Rect(bounds.Min.X, bounds.Min.Y, bounds.Max.X, keep.Min.Y); !top.Empty() {
		fn(top)
	}
	if bottom := image.Rect(bounds.Min.X, keep.Max.Y, bounds.Max.X, bounds.Max.Y); !bottom.Empty() {
		fn(bottom)
	}
	if left := image.Rect(bounds.Min.X, keep.Min.Y, keep.Min.X, keep.Max.Y); !left.Empty() {
		fn(left)
	}
	if right := image.Rect(keep.Max.X, keep.Min.Y, bounds.Max.X, keep.Max.Y); !right.Empty() {
		fn(right)
	}
}
