// Package resource resolves the version-control identity of a project
// checkout so flushed payloads can name the repository and branch.
package resource

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/codetime-agent/internal/keystroke"
	"github.com/p-blackswan/codetime-agent/lru"
)

// Provider returns the resource for a project directory, or nil when the
// directory is not a usable checkout.
type Provider interface {
	Resource(ctx context.Context, dir string) *keystroke.Resource
}

// Runner executes git with args in dir and returns trimmed stdout.
type Runner func(ctx context.Context, dir string, args ...string) (string, error)

// GitProvider reads the resource from a local git checkout. Results,
// including misses, are cached per directory.
type GitProvider struct {
	run     Runner
	timeout time.Duration
	cache   *lru.Cache[string, *keystroke.Resource]
	logger  zerolog.Logger
}

// NewGitProvider creates a provider caching up to size directories for ttl.
func NewGitProvider(size int, ttl time.Duration, logger zerolog.Logger) *GitProvider {
	if size < 1 {
		size = 64
	}
	return &GitProvider{
		run:     runGit,
		timeout: 5 * time.Second,
		cache:   lru.New[string, *keystroke.Resource](size, ttl),
		logger:  logger.With().Str("component", "resource").Logger(),
	}
}

// SetRunner replaces the git runner (for testing).
func (p *GitProvider) SetRunner(r Runner) {
	p.run = r
}

// Resource implements Provider. Branch and identifier must both be present
// for a resource to be returned.
func (p *GitProvider) Resource(ctx context.Context, dir string) *keystroke.Resource {
	if dir == "" {
		return nil
	}
	if res, ok := p.cache.Get(dir); ok {
		return copyResource(res)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	res := &keystroke.Resource{
		Branch:     p.output(ctx, dir, "symbolic-ref", "--short", "HEAD"),
		Identifier: p.output(ctx, dir, "config", "--get", "remote.origin.url"),
	}
	if res.Branch == "" || res.Identifier == "" {
		res = nil
	} else {
		res.Email = p.output(ctx, dir, "config", "user.email")
		res.Tag = p.output(ctx, dir, "describe", "--all")
	}

	if ctx.Err() == nil {
		p.cache.Put(dir, res)
	}
	return copyResource(res)
}

func (p *GitProvider) output(ctx context.Context, dir string, args ...string) string {
	out, err := p.run(ctx, dir, args...)
	if err != nil {
		p.logger.Debug().Err(err).Str("dir", dir).Strs("args", args).Msg("git command failed")
		return ""
	}
	return strings.TrimSpace(out)
}

func copyResource(res *keystroke.Resource) *keystroke.Resource {
	if res == nil {
		return nil
	}
	cp := *res
	return &cp
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
