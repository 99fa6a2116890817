package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/outpaintd/outpaintd/diffusion"
	"github.com/outpaintd/outpaintd/envconfig"
	"github.com/outpaintd/outpaintd/pipeline"
	"github.com/outpaintd/outpaintd/runner"
	"github.com/outpaintd/outpaintd/version"
	"github.com/outpaintd/outpaintd/weights"
)

// Serve runs the HTTP server on ln until interrupted. It starts (or
// attaches to) the diffusion engine, opens the weight cache, and wires
// the pipeline.
func Serve(ln net.Listener) error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: envconfig.LogLevel(),
	})))

	cache, err := weights.NewCache(envconfig.CacheDir(), envconfig.CacheBudget(), &weights.HTTPDownloader{})
	if err != nil {
		return err
	}

	ctx, done := context.WithCancel(context.Background())
	defer done()

	if refs := envconfig.Preload(); len(refs) > 0 {
		go func() {
			if err := cache.Warm(ctx, refs); err != nil {
				slog.Warn("bundle prefetch failed", "error", err)
			}
		}()
	}

	var engine *runner.Runner
	if url := envconfig.EngineURL(); url != "" {
		engine = runner.Connect(url)
		if err := engine.Ping(ctx); err != nil {
			return fmt.Errorf("diffusion engine at %s is not responding: %w", url, err)
		}
	} else {
		command := envconfig.EngineCommand()
		args := append(command[1:], "--model-dir", envconfig.ModelDir())
		engine, err = runner.Start(ctx, command[0], args...)
		if err != nil {
			return err
		}
		defer engine.Close()
	}

	config := diffusion.DefaultUNetConfig()
	s := NewServer(
		cache,
		diffusion.NewUNet(config, diffusion.DefaultSiteNames(config)),
		diffusion.NewTextEncoders(),
		&pipeline.Pipeline{Generator: engine, Classifier: engine},
	)
	s.addr = ln.Addr()

	srvr := &http.Server{Handler: s.GenerateRoutes()}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		srvr.Close()
		done()
	}()

	slog.Info(fmt.Sprintf("Listening on %s (version %s)", ln.Addr(), version.Version))
	if err := srvr.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
