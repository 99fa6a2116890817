// Package runner manages the diffusion engine subprocess. The engine owns
// the pretrained model and the GPU; this process talks to it over a local
// HTTP socket, sending assembled generation payloads and receiving encoded
// images and safety verdicts.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

// Runner wraps the engine subprocess and its HTTP endpoint.
type Runner struct {
	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan error

	baseURL string
	client  *http.Client

	lastErrMu sync.Mutex
	lastErr   string
}

// Start spawns the engine command with a free local port appended as
// "--port N" and waits until its health endpoint answers.
func Start(ctx context.Context, command string, args ...string) (*Runner, error) {
	port := freePort()

	cmd := exec.Command(command, append(args, "--port", strconv.Itoa(port))...)
	cmd.Env = os.Environ()

	r := &Runner{
		cmd:     cmd,
		done:    make(chan error, 1),
		baseURL: fmt.Sprintf("http://127.0.0.1:%d", port),
		client:  &http.Client{Timeout: 10 * time.Minute},
	}

	stdout, _ := cmd.StdoutPipe()
	stderr, _ := cmd.StderrPipe()
	go func() {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			slog.Info("engine", "msg", scanner.Text())
		}
	}()
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			slog.Warn("engine", "msg", line)
			r.lastErrMu.Lock()
			r.lastErr = line
			r.lastErrMu.Unlock()
		}
	}()

	slog.Info("starting diffusion engine", "command", command, "port", port)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting diffusion engine: %w", err)
	}

	go func() {
		r.done <- cmd.Wait()
	}()

	if err := r.waitUntilRunning(ctx); err != nil {
		r.Close()
		return nil, err
	}

	return r, nil
}

// Connect attaches to an already-running engine without managing its
// process.
func Connect(baseURL string) *Runner {
	return &Runner{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Minute},
	}
}

func freePort() int {
	if a, err := net.ResolveTCPAddr("tcp", "localhost:0"); err == nil {
		if l, err := net.ListenTCP("tcp", a); err == nil {
			port := l.Addr().(*net.TCPAddr).Port
			l.Close()
			return port
		}
	}
	return rand.Intn(65535-49152) + 49152
}

// Ping checks the engine's health endpoint.
func (r *Runner) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("engine health check failed: %d", resp.StatusCode)
	}
	return nil
}

func (r *Runner) waitUntilRunning(ctx context.Context) error {
	timeout := time.After(2 * time.Minute)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-r.done:
			if msg := r.getLastErr(); msg != "" {
				return fmt.Errorf("diffusion engine failed: %s (exit: %v)", msg, err)
			}
			return fmt.Errorf("diffusion engine exited unexpectedly: %w", err)
		case <-timeout:
			if msg := r.getLastErr(); msg != "" {
				return fmt.Errorf("timeout waiting for diffusion engine: %s", msg)
			}
			return errors.New("timeout waiting for diffusion engine to start")
		case <-ticker.C:
			if err := r.Ping(ctx); err == nil {
				slog.Info("diffusion engine is ready", "url", r.baseURL)
				return nil
			}
		}
	}
}

func (r *Runner) getLastErr() string {
	r.lastErrMu.Lock()
	defer r.lastErrMu.Unlock()
	return r.lastErr
}

// HasExited reports whether the subprocess has terminated.
func (r *Runner) HasExited() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Close stops the subprocess, escalating from interrupt to kill.
func (r *Runner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cmd != nil && r.cmd.Process != nil {
		slog.Info("stopping diffusion engine", "pid", r.cmd.Process.Pid)
		r.cmd.Process.Signal(os.Interrupt)

		select {
		case <-r.done:
		case <-time.After(5 * time.Second):
			r.cmd.Process.Kill()
		}
		r.cmd = nil
	}
	return nil
}
