package imageproc

import (
	"image"
)

// Dimensions is a width/height pair from the supported SDXL bucket table.
type Dimensions struct {
	Width  int
	Height int
}

// allowedDimensions are the SDXL resolution buckets, ordered from 1:4 to 4:1.
// Order is significant: ties in aspect-ratio distance resolve to the first
// entry, so the table must be kept exactly as is.
var allowedDimensions = []Dimensions{
	{512, 2048}, {512, 1984}, {512, 1920}, {512, 1856},
	{576, 1792}, {576, 1728}, {576, 1664}, {640, 1600},
	{640, 1536}, {704, 1472}, {704, 1408}, {704, 1344},
	{768, 1344}, {768, 1280}, {832, 1216}, {832, 1152},
	{896, 1152}, {896, 1088}, {960, 1088}, {960, 1024},
	{1024, 1024}, {1024, 960}, {1088, 960}, {1088, 896},
	{1152, 896}, {1152, 832}, {1216, 832}, {1280, 768},
	{1344, 768}, {1408, 704}, {1472, 704}, {1536, 640},
	{1600, 640}, {1664, 576}, {1728, 576}, {1792, 576},
	{1856, 512}, {1920, 512}, {1984, 512}, {2048, 512},
}

// AllowedDimensions returns a copy of the supported resolution buckets.
func AllowedDimensions() []Dimensions {
	return append([]Dimensions(nil), allowedDimensions...)
}

// Normalize maps an arbitrary width and height to the supported bucket whose
// aspect ratio is closest to the input's. The first minimal match wins.
func Normalize(width, height int) Dimensions {
	aspect := float64(width) / float64(height)

	best := allowedDimensions[0]
	bestDist := distance(best, aspect)
	for _, dim := range allowedDimensions[1:] {
		if d := distance(dim, aspect); d < bestDist {
			best, bestDist = dim, d
		}
	}

	return best
}

func distance(dim Dimensions, aspect float64) float64 {
	d := float64(dim.Width)/float64(dim.Height) - aspect
	if d < 0 {
		return -d
	}
	return d
}

// NormalizeImage resizes an image to its closest supported bucket.
func NormalizeImage(img *image.RGBA) (*image.RGBA, Dimensions) {
	bounds := img.Bounds()
	dim := Normalize(bounds.Dx(), bounds.Dy())
	if bounds.Dx() == dim.Width && bounds.Dy() == dim.Height {
		return img, dim
	}
	return Resize(img, dim.Width, dim.Height), dim
}
