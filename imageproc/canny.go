package imageproc

import (
	"image"
	"image/color"
	"math"
)

// Canny thresholds for the conditioning edge map.
const (
	cannyLowThreshold  = 100
	cannyHighThreshold = 200
)

// ExtractEdges runs Canny edge detection over the image and replicates the
// result across three channels, producing the structural conditioning image.
// Deterministic for a given input.
func ExtractEdges(img *image.RGBA) *image.RGBA {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	gray := grayscale(img)
	blurred := gaussianBlur(gray, w, h)
	mag, dir := sobel(blurred, w, h)
	thin := nonMaxSuppress(mag, dir, w, h)
	edges := hysteresis(thin, w, h, cannyLowThreshold, cannyHighThreshold)

	out := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			v := edges[y*w+x]
			out.SetRGBA(x, y, color.RGBA{v, v, v, 255})
		}
	}
	return out
}

func grayscale(img *image.RGBA) []float64 {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	gray := make([]float64, w*h)
	for y := range h {
		for x := range w {
			c := img.RGBAAt(bounds.Min.X+x, bounds.Min.Y+y)
			gray[y*w+x] = 0.299*float64(c.R) + 0.587*float64(c.G) + 0.114*float64(c.B)
		}
	}
	return gray
}

// gaussianBlur applies a 5x5 Gaussian kernel (sigma ~1.4).
func gaussianBlur(src []float64, w, h int) []float64 {
	kernel := [5][5]float64{
		{2, 4, 5, 4, 2},
		{4, 9, 12, 9, 4},
		{5, 12, 15, 12, 5},
		{4, 9, 12, 9, 4},
		{2, 4, 5, 4, 2},
	}
	const norm = 159.0

	dst := make([]float64, w*h)
	for y := range h {
		for x := range w {
			var sum float64
			for ky := -2; ky <= 2; ky++ {
				for kx := -2; kx <= 2; kx++ {
					sx := clamp(x+kx, 0, w-1)
					sy := clamp(y+ky, 0, h-1)
					sum += src[sy*w+sx] * kernel[ky+2][kx+2]
				}
			}
			dst[y*w+x] = sum / norm
		}
	}
	return dst
}

// sobel computes gradient magnitude and a direction quantized to 4 bins.
func sobel(src []float64, w, h int) (mag []float64, dir []uint8) {
	mag = make([]float64, w*h)
	dir = make([]uint8, w*h)

	for y := range h {
		for x := range w {
			at := func(dx, dy int) float64 {
				return src[clamp(y+dy, 0, h-1)*w+clamp(x+dx, 0, w-1)]
			}

			gx := -at(-1, -1) - 2*at(-1, 0) - at(-1, 1) +
				at(1, -1) + 2*at(1, 0) + at(1, 1)
			gy := -at(-1, -1) - 2*at(0, -1) - at(1, -1) +
				at(-1, 1) + 2*at(0, 1) + at(1, 1)

			mag[y*w+x] = math.Hypot(gx, gy)

			angle := math.Atan2(gy, gx) * 180 / math.Pi
			if angle < 0 {
				angle += 180
			}
			switch {
			case angle < 22.5 || angle >= 157.5:
				dir[y*w+x] = 0 // horizontal gradient
			case angle < 67.5:
				dir[y*w+x] = 1 // diagonal /
			case angle < 112.5:
				dir[y*w+x] = 2 // vertical gradient
			default:
				dir[y*w+x] = 3 // diagonal \
			}
		}
	}
	return mag, dir
}

func nonMaxSuppress(mag []float64, dir []uint8, w, h int) []float64 {
	out := make([]float64, w*h)
	offsets := [4][2]image.Point{
		{{1, 0}, {-1, 0}},
		{{1, -1}, {-1, 1}},
		{{0, 1}, {0, -1}},
		{{1, 1}, {-1, -1}},
	}

	for y := range h {
		for x := range w {
			i := y*w + x
			n := offsets[dir[i]]

			m := mag[i]
			for _, p := range n {
				nx, ny := x+p.X, y+p.Y
				if nx >= 0 && nx < w && ny >= 0 && ny < h && mag[ny*w+nx] > m {
					m = -1
					break
				}
			}
			if m >= 0 {
				out[i] = mag[i]
			}
		}
	}
	return out
}

// hysteresis marks strong edges (>= high) and any weak edges (>= low)
// connected to a strong edge.
func hysteresis(mag []float64, w, h int, low, high float64) []uint8 {
	out := make([]uint8, w*h)
	var stack []int

	for i, m := range mag {
		if m >= high {
			out[i] = 255
			stack = append(stack, i)
		}
	}

	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		x, y := i%w, i/w
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				nx, ny := x+dx, y+dy
				if nx < 0 || nx >= w || ny < 0 || ny >= h {
					continue
				}
				j := ny*w + nx
				if out[j] == 0 && mag[j] >= low {
					out[j] = 255
					stack = append(stack, j)
				}
			}
		}
	}
	return out
}
