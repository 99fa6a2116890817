// Package server exposes the outpainting pipeline over HTTP.
package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/outpaintd/outpaintd/api"
	"github.com/outpaintd/outpaintd/diffusion"
	"github.com/outpaintd/outpaintd/envconfig"
	"github.com/outpaintd/outpaintd/pipeline"
	"github.com/outpaintd/outpaintd/safety"
	"github.com/outpaintd/outpaintd/version"
	"github.com/outpaintd/outpaintd/weights"
)

// Server owns the loaded model, the weight cache, and the active
// customization state. Customization and generation are serialized: a
// request that swaps weights cannot race a request that is generating
// with them.
type Server struct {
	addr net.Addr

	cache    *weights.Cache
	unet     *diffusion.UNet
	encoders *diffusion.TextEncoders
	pipeline *pipeline.Pipeline

	mu    sync.Mutex
	state *diffusion.State
}

// NewServer assembles a server around its collaborators.
func NewServer(cache *weights.Cache, unet *diffusion.UNet, encoders *diffusion.TextEncoders, p *pipeline.Pipeline) *Server {
	return &Server{
		cache:    cache,
		unet:     unet,
		encoders: encoders,
		pipeline: p,
	}
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}

// allowedHostsMiddleware blocks requests with an unexpected Host header
// unless the server is bound to a non-loopback address.
func allowedHostsMiddleware(addr net.Addr) gin.HandlerFunc {
	return func(c *gin.Context) {
		if addr == nil {
			c.Next()
			return
		}

		if addr, err := netip.ParseAddrPort(addr.String()); err == nil && !addr.Addr().IsLoopback() {
			c.Next()
			return
		}

		host, _, err := net.SplitHostPort(c.Request.Host)
		if err != nil {
			host = c.Request.Host
		}

		if addr, err := netip.ParseAddr(host); err == nil && addr.IsLoopback() {
			c.Next()
			return
		}

		switch strings.ToLower(host) {
		case "localhost", "127.0.0.1", "0.0.0.0":
			c.Next()
			return
		}

		c.AbortWithStatus(http.StatusForbidden)
	}
}

// GenerateRoutes builds the HTTP router.
func (s *Server) GenerateRoutes() http.Handler {
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowWildcard = true
	corsConfig.AllowBrowserExtensions = true
	corsConfig.AllowHeaders = []string{"Authorization", "Content-Type", "User-Agent", "Accept"}
	corsConfig.AllowOrigins = envconfig.AllowedOrigins()

	r := gin.Default()
	r.HandleMethodNotAllowed = true
	r.Use(
		cors.New(corsConfig),
		allowedHostsMiddleware(s.addr),
	)

	r.HEAD("/", func(c *gin.Context) { c.String(http.StatusOK, "outpaintd is running") })
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "outpaintd is running") })
	r.HEAD("/api/version", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"version": version.Version}) })
	r.GET("/api/version", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"version": version.Version}) })

	r.GET("/api/health", s.HealthHandler)
	r.POST("/api/generate", s.GenerateHandler)
	r.GET("/api/cache", s.CacheHandler)
	r.DELETE("/api/cache", s.PruneHandler)

	return r
}

// HealthHandler reports server liveness and the active bundle.
func (s *Server) HealthHandler(c *gin.Context) {
	s.mu.Lock()
	ref := ""
	if s.state != nil {
		ref = s.state.Ref
	}
	s.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{"status": "ok", "weights": ref})
}

// GenerateHandler runs one outpainting generation. When the request names
// a weight bundle different from the active one, the bundle is applied
// first, holding the same lock the generation runs under.
func (s *Server) GenerateHandler(c *gin.Context) {
	var req api.GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	req.ApplyDefaults()
	if err := req.Validate(); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := diffusion.ParseSampler(req.Scheduler); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id := uuid.NewString()
	slog.Info("generate request", "id", id, "outputs", req.NumOutputs,
		"weights", req.LoraWeights, "scheduler", req.Scheduler)

	s.mu.Lock()
	defer s.mu.Unlock()

	if req.LoraWeights != "" && (s.state == nil || s.state.Ref != req.LoraWeights) {
		state, err := diffusion.Apply(c.Request.Context(), s.cache, s.unet, s.encoders, req.LoraWeights)
		if err != nil {
			slog.Error("weight customization failed", "id", id, "ref", req.LoraWeights, "error", err)
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("applying weights: %s", err)})
			return
		}
		s.state = state
	}

	resp, err := s.pipeline.Run(c.Request.Context(), &req, s.state)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, pipeline.ErrNoImage) {
			status = http.StatusBadRequest
		}
		if errors.Is(err, safety.ErrNoSafeOutput) {
			status = http.StatusUnprocessableEntity
		}
		slog.Error("generation failed", "id", id, "error", err)
		c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// CacheHandler lists cached weight bundles.
func (s *Server) CacheHandler(c *gin.Context) {
	pinned := s.cache.Pinned()

	var resp api.CacheResponse
	for _, e := range s.cache.Entries() {
		resp.Entries = append(resp.Entries, api.CacheEntry{
			Ref:        e.Ref,
			Size:       e.Size,
			LastAccess: e.LastAccess,
			InUse:      e.Ref == pinned,
		})
	}

	c.JSON(http.StatusOK, resp)
}

// PruneHandler removes every cached bundle except the one in use.
func (s *Server) PruneHandler(c *gin.Context) {
	n := s.cache.Prune()
	slog.Info("pruned weight cache", "removed", n)
	c.JSON(http.StatusOK, gin.H{"removed": n})
}
