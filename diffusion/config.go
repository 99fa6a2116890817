// Package diffusion customizes a loaded text-to-image model with
// user-supplied weight bundles: full fine-tunes, low-rank adapters, custom
// token embeddings, and prompt token substitution.
package diffusion

import (
	"fmt"
	"strconv"
	"strings"
)

// UNetConfig is the read-only architecture configuration the customizer
// needs: per-block channel widths and the cross-attention width.
type UNetConfig struct {
	BlockOutChannels  []int
	CrossAttentionDim int
}

// DefaultUNetConfig is the SDXL base UNet layout.
func DefaultUNetConfig() UNetConfig {
	return UNetConfig{
		BlockOutChannels:  []int{320, 640, 1280},
		CrossAttentionDim: 2048,
	}
}

// Attention-site name structure, e.g.
// "down_blocks.1.attentions.0.transformer_blocks.0.attn1.processor".
const (
	midBlockPrefix   = "mid_block"
	upBlocksPrefix   = "up_blocks."
	downBlocksPrefix = "down_blocks."
	selfAttnSuffix   = "attn1.processor"
)

// SiteHiddenSize derives an attention site's hidden size and
// cross-attention width from its name:
//
//   - mid_block sites use the last configured channel width
//   - up_blocks.N sites index the reversed channel list with N
//   - down_blocks.N sites index the channel list with N
//   - a site ending in the first self-attention suffix has no
//     cross-attention input; crossAttentionDim is 0 for those
func SiteHiddenSize(name string, config UNetConfig) (hiddenSize, crossAttentionDim int, err error) {
	channels := config.BlockOutChannels
	if len(channels) == 0 {
		return 0, 0, fmt.Errorf("empty block channel config")
	}

	switch {
	case strings.HasPrefix(name, midBlockPrefix):
		hiddenSize = channels[len(channels)-1]
	case strings.HasPrefix(name, upBlocksPrefix):
		blockID, err := blockIndex(name, upBlocksPrefix)
		if err != nil {
			return 0, 0, err
		}
		if blockID >= len(channels) {
			return 0, 0, fmt.Errorf("site %q: block %d out of range", name, blockID)
		}
		hiddenSize = channels[len(channels)-1-blockID]
	case strings.HasPrefix(name, downBlocksPrefix):
		blockID, err := blockIndex(name, downBlocksPrefix)
		if err != nil {
			return 0, 0, err
		}
		if blockID >= len(channels) {
			return 0, 0, fmt.Errorf("site %q: block %d out of range", name, blockID)
		}
		hiddenSize = channels[blockID]
	default:
		return 0, 0, fmt.Errorf("unrecognized attention site %q", name)
	}

	if !strings.HasSuffix(name, selfAttnSuffix) {
		crossAttentionDim = config.CrossAttentionDim
	}

	return hiddenSize, crossAttentionDim, nil
}

func blockIndex(name, prefix string) (int, error) {
	rest := strings.TrimPrefix(name, prefix)
	idx, _, ok := strings.Cut(rest, ".")
	if !ok {
		return 0, fmt.Errorf("malformed attention site %q", name)
	}

	n, err := strconv.Atoi(idx)
	if err != nil {
		return 0, fmt.Errorf("malformed attention site %q: %w", name, err)
	}
	return n, nil
}
