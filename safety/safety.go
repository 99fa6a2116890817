// Package safety filters generated images through an NSFW classifier.
package safety

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
)

// ErrNoSafeOutput is returned when every generated image was flagged. It is
// a user-facing failure: callers should retry with a different seed or
// prompt rather than treat it as an internal error.
var ErrNoSafeOutput = errors.New("NSFW content detected in all outputs; try running it again, or try a different prompt")

// Classifier scores a batch of images for unsafe content. It returns the
// (possibly redacted) images and a parallel slice of unsafe flags.
type Classifier interface {
	Classify(ctx context.Context, images []image.Image) ([]image.Image, []bool, error)
}

// Result is the outcome of filtering one batch.
type Result struct {
	Images  []image.Image // safe images, order preserved
	Flagged []bool        // per input image, true if dropped
}

// Filter classifies images and drops the unsafe ones. An all-unsafe batch
// fails with ErrNoSafeOutput rather than returning an empty success.
func Filter(ctx context.Context, classifier Classifier, images []image.Image) (*Result, error) {
	if len(images) == 0 {
		return &Result{}, nil
	}

	_, flagged, err := classifier.Classify(ctx, images)
	if err != nil {
		return nil, err
	}
	if len(flagged) != len(images) {
		return nil, fmt.Errorf("classifier returned %d verdicts for %d images", len(flagged), len(images))
	}

	result := &Result{Flagged: flagged}
	for i, unsafe := range flagged {
		if unsafe {
			slog.Info("unsafe content detected", "image", i)
			continue
		}
		result.Images = append(result.Images, images[i])
	}

	if len(result.Images) == 0 {
		return nil, ErrNoSafeOutput
	}

	return result, nil
}
