package generate

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/Paranoid-AF/ashcmd"
	"github.com/Paranoid-AF/ashcmd/index"
)

// relatedTimeout bounds history embedding and search for one request.
const relatedTimeout = 15 * time.Second

// Info is the environment context attached to a request.
type Info struct {
	Cwd              string
	Shell            string
	OS               string
	Dir              *DirContext
	RecentCommands   []string
	RelevantCommands []string
}

// Gatherer collects Info according to the [context] config section.
type Gatherer struct {
	cfg       ashcmd.ContextConfig
	shell     string
	dirs      *DirCache
	history   *index.History
	related   *index.Index
	cachePath string
}

// GathererOption configures a Gatherer.
type GathererOption func(*Gatherer)

// WithDirCache reuses directory context across Gather calls.
func WithDirCache(dc *DirCache) GathererOption {
	return func(g *Gatherer) { g.dirs = dc }
}

// WithHistory reads shell history from h.
func WithHistory(h *index.History) GathererOption {
	return func(g *Gatherer) { g.history = h }
}

// WithIndex uses idx for related commands and persists it at cachePath
// (empty disables persistence).
func WithIndex(idx *index.Index, cachePath string) GathererOption {
	return func(g *Gatherer) { g.related, g.cachePath = idx, cachePath }
}

// NewGatherer creates a gatherer from cfg. Related-command search is
// enabled when context.relevant_commands and context.embedding_model are
// set; embeddings come from the local runtime and are cached on disk.
func NewGatherer(cfg *ashcmd.Config, opts ...GathererOption) *Gatherer {
	g := &Gatherer{
		cfg:   cfg.Context,
		shell: ShellName(cfg.Execution.Shell),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.history == nil && (g.cfg.RecentCommands > 0 || g.cfg.RelevantCommands > 0) {
		g.history = index.NewHistory("")
	}
	if g.related == nil && g.cfg.RelevantCommands > 0 && g.cfg.EmbeddingModel != "" {
		g.related = index.NewIndex(index.NewEmbedder(cfg.Local.BaseURL, g.cfg.EmbeddingModel, nil))
		g.cachePath = filepath.Join(ashcmd.CacheDir(), "embeddings.json")
	}
	return g
}

// Gather collects context for a request issued from cwd.
func (g *Gatherer) Gather(ctx context.Context, cwd, prompt string) *Info {
	info := &Info{Cwd: cwd, Shell: g.shell, OS: OSName()}

	if g.cfg.Directory && cwd != "" {
		if g.dirs != nil {
			info.Dir = g.dirs.Lookup(ctx, cwd)
		} else {
			info.Dir = GatherDir(ctx, cwd)
		}
	}
	if g.history != nil && g.cfg.RecentCommands > 0 {
		info.RecentCommands = g.history.Recent(g.cfg.RecentCommands)
	}
	if g.related != nil && g.history != nil && g.cfg.RelevantCommands > 0 {
		info.RelevantCommands = g.relatedCommands(ctx, prompt)
	}
	return info
}

// relatedCommands indexes recent history and returns the entries closest
// to prompt. Failures only cost context, so they are logged and dropped.
func (g *Gatherer) relatedCommands(ctx context.Context, prompt string) []string {
	ctx, cancel := context.WithTimeout(ctx, relatedTimeout)
	defer cancel()

	if g.cachePath != "" && g.related.Len() == 0 {
		if n, err := g.related.Load(g.cachePath); err == nil {
			slog.Debug("loaded embedding cache", "path", g.cachePath, "entries", n)
		}
	}

	maxCmds := g.cfg.MaxHistoryCommands
	if maxCmds <= 0 {
		maxCmds = 3000
	}
	added, err := g.related.Add(ctx, g.history.Unique(maxCmds))
	if err != nil {
		slog.Warn("history indexing incomplete", "error", err)
	}
	if added > 0 && g.cachePath != "" {
		if err := g.related.Save(g.cachePath); err != nil {
			slog.Warn("failed to save embedding cache", "path", g.cachePath, "error", err)
		}
	}

	cmds, err := g.related.Search(ctx, prompt, g.cfg.RelevantCommands)
	if err != nil {
		slog.Warn("related history unavailable", "error", err)
		return nil
	}
	return cmds
}

// ShellName returns the name of the shell commands are written for:
// the configured shell, else $SHELL, else bash.
func ShellName(configured string) string {
	if configured != "" {
		return filepath.Base(configured)
	}
	if sh := os.Getenv("SHELL"); sh != "" {
		return filepath.Base(sh)
	}
	return "bash"
}

// OSName returns a human-readable name for the running OS.
func OSName() string {
	switch runtime.GOOS {
	case "darwin":
		return "macOS"
	case "linux":
		return "Linux"
	case "windows":
		return "Windows"
	case "freebsd":
		return "FreeBSD"
	}
	return runtime.GOOS
}
