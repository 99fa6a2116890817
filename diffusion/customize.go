package diffusion

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/outpaintd/outpaintd/safetensors"
	"github.com/outpaintd/outpaintd/weights"
)

// State describes the customization currently applied to the model: which
// bundle, whether it is a full fine-tune or an adapter, the adapter sites
// it covers, and the prompt token map.
type State struct {
	Ref       string
	Dir       string
	IsAdapter bool

	// AdapterSites lists the attention sites the bundle's adapter covers,
	// sorted. Empty for full fine-tunes.
	AdapterSites []string

	tokenMap *orderedmap.OrderedMap[string, string]
}

// TokenMap returns the bundle's prompt substitutions in file order.
func (s *State) TokenMap() *orderedmap.OrderedMap[string, string] {
	return s.tokenMap
}

// SetTokenMap replaces the prompt substitutions.
func (s *State) SetTokenMap(m *orderedmap.OrderedMap[string, string]) {
	s.tokenMap = m
}

// SubstituteTokens rewrites a prompt by replacing each bundle token with
// its expansion, in the order the bundle declares them.
func (s *State) SubstituteTokens(prompt string) string {
	if s == nil || s.tokenMap == nil {
		return prompt
	}
	for pair := s.tokenMap.Oldest(); pair != nil; pair = pair.Next() {
		prompt = strings.ReplaceAll(prompt, pair.Key, pair.Value)
	}
	return prompt
}

// Apply resolves a weight bundle through the cache and installs it: full
// fine-tunes are merged into the model's parameters, adapters are
// installed as LoRA attention processors, and in both cases the bundle's
// token embeddings and token map are loaded. The resolved bundle is
// pinned in the cache until the next Apply.
func Apply(ctx context.Context, cache *weights.Cache, unet *UNet, encoders *TextEncoders, ref string) (state *State, err error) {
	start := time.Now()

	// Pin before fetching so eviction under budget pressure cannot
	// remove the bundle while it is being read. On failure the previous
	// pin is restored.
	prev := cache.Pinned()
	cache.Pin(ref)
	defer func() {
		if err != nil {
			cache.Pin(prev)
		}
	}()

	dir, err := cache.Ensure(ctx, ref)
	if err != nil {
		return nil, err
	}

	state = &State{Ref: ref, Dir: dir}

	switch {
	case fileExists(filepath.Join(dir, FullWeightsFile)):
		if err := applyFull(unet, filepath.Join(dir, FullWeightsFile)); err != nil {
			return nil, err
		}
	case fileExists(filepath.Join(dir, AdapterFile)):
		sites, err := applyAdapter(unet, filepath.Join(dir, AdapterFile))
		if err != nil {
			return nil, err
		}
		state.IsAdapter = true
		state.AdapterSites = sites

		if err := writeAdapterDeltas(unet, dir); err != nil {
			return nil, fmt.Errorf("bundle %s: %w", ref, err)
		}
	default:
		return nil, fmt.Errorf("bundle %s has neither %s nor %s", ref, FullWeightsFile, AdapterFile)
	}

	if err := encoders.LoadEmbeddings(dir); err != nil {
		return nil, fmt.Errorf("bundle %s: %w", ref, err)
	}

	state.tokenMap, err = loadTokenMap(filepath.Join(dir, TokenMapFile))
	if err != nil {
		return nil, fmt.Errorf("bundle %s: %w", ref, err)
	}

	slog.Info("applied weight bundle", "ref", ref, "adapter", state.IsAdapter,
		"sites", len(state.AdapterSites), "tokens", state.tokenMap.Len(),
		"elapsed", time.Since(start).Round(time.Millisecond))
	return state, nil
}

// applyFull merges a complete fine-tuned state dict over the model's
// parameters. Keys the model does not carry are skipped, matching keys
// with a different shape are fatal.
func applyFull(unet *UNet, path string) error {
	tensors, err := loadParams(path)
	if err != nil {
		return err
	}

	missing, unexpected, err := unet.LoadStateDict(tensors)
	if err != nil {
		return err
	}

	slog.Debug("merged full fine-tune", "tensors", len(tensors),
		"missing", len(missing), "unexpected", len(unexpected))
	return nil
}

// applyAdapter installs LoRA processors for every attention site the
// adapter file covers, sized from the site name and the adapter's rank,
// then merges the adapter tensors into them. Sites the file does not
// cover keep their default processor.
func applyAdapter(unet *UNet, path string) ([]string, error) {
	tensors, err := loadParams(path)
	if err != nil {
		return nil, err
	}

	ranks, err := adapterRanks(tensors)
	if err != nil {
		return nil, err
	}

	// Tensor names that do not resolve to a known attention site (text
	// encoder weights travel in the same file) install nothing for that
	// site; the non-strict merge ignores their tensors.
	processors := make(map[string]AttnProcessor, len(ranks))
	for site, rank := range ranks {
		hidden, crossDim, err := SiteHiddenSize(site, unet.Config)
		if err != nil {
			slog.Debug("skipping unrecognized adapter site", "site", site)
			continue
		}
		processors[site] = NewLoRAAttnProcessor(site, hidden, crossDim, rank)
	}

	unet.SetAttnProcessors(processors)

	if _, _, err := unet.LoadStateDict(tensors); err != nil {
		return nil, err
	}

	return unet.adapterSites(), nil
}

// writeAdapterDeltas materializes the installed adapters as dense,
// unscaled weight deltas next to the bundle so the generation backend
// can pick them up. Bundles whose tensors matched no attention site
// write nothing.
func writeAdapterDeltas(unet *UNet, dir string) error {
	tensors := deltaTensors(unet.AttnProcessors())
	if len(tensors) == 0 {
		return nil
	}

	path := filepath.Join(dir, AdapterDeltaFile)
	if err := safetensors.Save(path, tensors); err != nil {
		return fmt.Errorf("writing adapter deltas: %w", err)
	}

	slog.Debug("wrote adapter deltas", "path", path, "tensors", len(tensors))
	return nil
}

func loadParams(path string) (map[string]*Param, error) {
	f, err := safetensors.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", filepath.Base(path), err)
	}

	params := make(map[string]*Param, f.Len())
	for _, name := range f.Names() {
		t := f.Get(name)
		f32s, err := t.Floats()
		if err != nil {
			return nil, err
		}
		params[name] = &Param{Shape: t.Shape, Data: f32s}
	}
	return params, nil
}

// loadTokenMap reads the bundle's token substitution file. The file is
// required; a bundle without one cannot resolve its own prompt tokens.
func loadTokenMap(path string) (*orderedmap.OrderedMap[string, string], error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading token map: %w", err)
	}

	tokenMap := orderedmap.New[string, string]()
	if err := json.Unmarshal(data, tokenMap); err != nil {
		return nil, fmt.Errorf("parsing token map: %w", err)
	}
	return tokenMap, nil
}
