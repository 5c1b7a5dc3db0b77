package tunnel

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/CrazyForks/anyvm/internal/model"
)

// DefaultWindow bounds how long a single provider gets to produce a URL.
const DefaultWindow = 30 * time.Second

// Manager tries tunnel providers one at a time until one yields a public URL.
// At most one provider subprocess exists at any moment.
type Manager struct {
	strategies []Strategy
	stateFile  string
	cacheDir   string
	window     time.Duration

	mu     sync.Mutex
	active *exec.Cmd
	url    string
}

func NewManager(strategies []Strategy, stateFile, cacheDir string) *Manager {
	return &Manager{
		strategies: strategies,
		stateFile:  stateFile,
		cacheDir:   cacheDir,
		window:     DefaultWindow,
	}
}

// URL returns the public URL of the established tunnel, if any.
func (m *Manager) URL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.url
}

// Start walks the providers in order. Each attempt spawns the provider,
// follows its merged output for up to the window, and either records the
// matched URL or kills the subprocess and moves on. The winning provider
// keeps running; its remaining output is still drained to the log. When
// every provider fails, ErrTunnelExhausted is returned and local access is
// unaffected.
func (m *Manager) Start(ctx context.Context, port int) (string, error) {
	for _, strat := range m.strategies {
		url, err := m.attempt(ctx, strat, port)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			log.Printf("tunnel: provider %s failed: %v", strat.Name, err)
			continue
		}
		log.Printf("tunnel: %s ready at %s", strat.Name, url)
		if werr := os.WriteFile(m.stateFile, []byte(url+"\n"), 0o644); werr != nil {
			log.Printf("tunnel: write state file: %v", werr)
		}
		m.mu.Lock()
		m.url = url
		m.mu.Unlock()
		return url, nil
	}
	return "", model.ErrTunnelExhausted
}

func (m *Manager) attempt(ctx context.Context, strat Strategy, port int) (string, error) {
	cmd, err := strat.Command(ctx, m.cacheDir, port)
	if err != nil {
		return "", err
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return "", err
	}
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return "", err
	}
	// The parent's write end must close so the reader sees EOF when the
	// subprocess exits.
	pw.Close()

	lines := followLines(pr)
	timer := time.NewTimer(m.window)
	defer timer.Stop()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				pr.Close()
				cmd.Wait()
				return "", fmt.Errorf("%s exited before producing a URL", strat.Name)
			}
			log.Printf("tunnel[%s]: %s", strat.Name, line)
			if strat.FailurePattern != nil && strat.FailurePattern.MatchString(line) {
				m.kill(cmd, pr)
				return "", fmt.Errorf("%s reported failure: %s", strat.Name, line)
			}
			if url := strat.URLPattern.FindString(line); url != "" {
				m.mu.Lock()
				m.active = cmd
				m.mu.Unlock()
				go m.drain(strat.Name, cmd, pr, lines)
				return url, nil
			}
		case <-timer.C:
			m.kill(cmd, pr)
			return "", fmt.Errorf("%s produced no URL within %s", strat.Name, m.window)
		case <-ctx.Done():
			m.kill(cmd, pr)
			return "", ctx.Err()
		}
	}
}

// drain keeps logging the winning provider's output until it exits.
func (m *Manager) drain(name string, cmd *exec.Cmd, pr *os.File, lines <-chan string) {
	for line := range lines {
		log.Printf("tunnel[%s]: %s", name, line)
	}
	pr.Close()
	cmd.Wait()
	log.Printf("tunnel: provider %s exited", name)
}

func (m *Manager) kill(cmd *exec.Cmd, pr *os.File) {
	if cmd.Process != nil {
		cmd.Process.Kill()
	}
	pr.Close()
	cmd.Wait()
}

// Stop kills the active provider, if any, and removes the state file so a
// stale URL never outlives the process it pointed at. Safe to call more
// than once.
func (m *Manager) Stop() {
	m.mu.Lock()
	cmd := m.active
	m.active = nil
	m.url = ""
	m.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		cmd.Process.Kill()
	}
	if m.stateFile != "" {
		if err := os.Remove(m.stateFile); err != nil && !os.IsNotExist(err) {
			log.Printf("tunnel: remove state file: %v", err)
		}
	}
}
