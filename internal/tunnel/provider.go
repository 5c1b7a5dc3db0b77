package tunnel

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"time"
)

// Strategy describes one tunnel provider: how to launch it, how to spot the
// public URL in its output, and which output lines mean the attempt is dead.
type Strategy struct {
	Name string

	// URLPattern extracts the public URL from a single output line.
	URLPattern *regexp.Regexp

	// FailurePattern, when non-nil, aborts the attempt early if any output
	// line matches it.
	FailurePattern *regexp.Regexp

	// Command builds the provider subprocess exposing the given local port.
	// cacheDir may be used to store a downloaded client binary.
	Command func(ctx context.Context, cacheDir string, port int) (*exec.Cmd, error)
}

const cloudflaredReleaseBase = "https://github.com/cloudflare/cloudflared/releases/latest/download"

var (
	cloudflaredURL = regexp.MustCompile(`https://[a-z0-9-]+\.trycloudflare\.com`)
	sshTunnelURL   = regexp.MustCompile(`https://[a-zA-Z0-9.-]+\.(?:lhr\.life|life|serveo\.net)`)
	sshFailure     = regexp.MustCompile(`(?i)connection (?:refused|closed|reset)|permission denied|could not resolve|broken pipe`)
)

// DefaultStrategies returns the providers in the order they are tried.
func DefaultStrategies() []Strategy {
	return []Strategy{
		{
			Name:       "cloudflared",
			URLPattern: cloudflaredURL,
			Command: func(ctx context.Context, cacheDir string, port int) (*exec.Cmd, error) {
				bin, err := ensureCloudflared(ctx, cacheDir)
				if err != nil {
					return nil, err
				}
				return exec.Command(bin, "tunnel", "--no-autoupdate", "--url",
					fmt.Sprintf("http://127.0.0.1:%d", port)), nil
			},
		},
		{
			Name:           "localhost.run",
			URLPattern:     sshTunnelURL,
			FailurePattern: sshFailure,
			Command: func(_ context.Context, _ string, port int) (*exec.Cmd, error) {
				return sshCommand("nokey@localhost.run", fmt.Sprintf("-R80:127.0.0.1:%d", port)), nil
			},
		},
		{
			Name:           "serveo",
			URLPattern:     sshTunnelURL,
			FailurePattern: sshFailure,
			Command: func(_ context.Context, _ string, port int) (*exec.Cmd, error) {
				return sshCommand("serveo.net", fmt.Sprintf("-R80:127.0.0.1:%d", port)), nil
			},
		},
	}
}

// Select narrows the strategy list to a single named provider, or returns the
// full list for the automatic mode.
func Select(strategies []Strategy, name string) ([]Strategy, error) {
	if name == "" || name == "auto" {
		return strategies, nil
	}
	for _, s := range strategies {
		if s.Name == name {
			return []Strategy{s}, nil
		}
	}
	return nil, fmt.Errorf("unknown tunnel provider %q", name)
}

func sshCommand(host string, forward string) *exec.Cmd {
	return exec.Command("ssh",
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", "ServerAliveInterval=30",
		"-o", "ExitOnForwardFailure=yes",
		forward, host)
}

// ensureCloudflared finds the cloudflared client, downloading it into
// cacheDir when it is neither on PATH nor already cached.
func ensureCloudflared(ctx context.Context, cacheDir string) (string, error) {
	if path, err := exec.LookPath("cloudflared"); err == nil {
		return path, nil
	}
	name := "cloudflared"
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	cached := filepath.Join(cacheDir, name)
	if _, err := os.Stat(cached); err == nil {
		return cached, nil
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return "", err
	}

	asset := fmt.Sprintf("cloudflared-%s-%s", runtime.GOOS, runtime.GOARCH)
	if runtime.GOOS == "windows" {
		asset += ".exe"
	}
	url := cloudflaredReleaseBase + "/" + asset

	client := &http.Client{Timeout: 2 * time.Minute}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download cloudflared: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download cloudflared: unexpected status %s", resp.Status)
	}

	tmp, err := os.CreateTemp(cacheDir, name+".*")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Chmod(tmp.Name(), 0o755); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), cached); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return cached, nil
}
