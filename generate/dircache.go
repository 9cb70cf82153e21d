package generate

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/errgroup"
)

// Manifest is a one-line summary of a project file such as a Makefile.
type Manifest struct {
	Label   string
	Summary string
}

// DirContext describes a working directory for the prompt.
type DirContext struct {
	Path           string
	Listing        string // ls -A, space-separated
	GitRoot        string
	PackageManager string // from lockfiles in Path or GitRoot
	Manifests      []Manifest
}

const (
	dirCacheTTL      = 10 * time.Minute
	gatherTimeout    = 2 * time.Second
	manifestMaxBytes = 256
	listingMaxBytes  = 512
)

// GatherDir inspects dir in parallel (listing, git root, manifests) under a
// short deadline. Lookups that fail leave their field empty.
func GatherDir(ctx context.Context, dir string) *DirContext {
	ctx, cancel := context.WithTimeout(ctx, gatherTimeout)
	defer cancel()

	d := &DirContext{Path: dir}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		out := runQuiet(gctx, dir, "ls", "-A")
		d.Listing = truncate(strings.Join(strings.Fields(out), " "), listingMaxBytes)
		return nil
	})
	g.Go(func() error {
		d.GitRoot = strings.TrimSpace(runQuiet(gctx, dir, "git", "rev-parse", "--show-toplevel"))
		return nil
	})
	g.Go(func() error {
		d.Manifests = readManifests(dir)
		return nil
	})
	_ = g.Wait()

	if len(d.Manifests) == 0 && d.GitRoot != "" && d.GitRoot != dir {
		d.Manifests = readManifests(d.GitRoot)
	}
	d.PackageManager = detectPackageManager(dir, d.GitRoot)

	slog.Debug("gathered directory context", "path", dir, "git_root", d.GitRoot, "manifests", len(d.Manifests))
	return d
}

// runQuiet runs a command in dir and returns its stdout, or "" on error.
func runQuiet(ctx context.Context, dir, name string, args ...string) string {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return string(out)
}

// DirCache keeps DirContext entries per directory for a while, so that
// repeated requests from the same directory skip the lookups.
type DirCache struct {
	cache *ttlcache.Cache[string, *DirContext]
}

// NewDirCache creates a DirCache and starts its expiry loop.
func NewDirCache() *DirCache {
	c := ttlcache.New[string, *DirContext](
		ttlcache.WithTTL[string, *DirContext](dirCacheTTL),
		ttlcache.WithDisableTouchOnHit[string, *DirContext](),
	)
	go c.Start()
	return &DirCache{cache: c}
}

// Close stops the expiry loop.
func (dc *DirCache) Close() {
	dc.cache.Stop()
}

// Get returns the cached context for dir, or nil.
func (dc *DirCache) Get(dir string) *DirContext {
	if item := dc.cache.Get(dir); item != nil {
		return item.Value()
	}
	return nil
}

// Lookup returns the cached context for dir, gathering it on a miss.
func (dc *DirCache) Lookup(ctx context.Context, dir string) *DirContext {
	if d := dc.Get(dir); d != nil {
		return d
	}
	d := GatherDir(ctx, dir)
	dc.cache.Set(dir, d, ttlcache.DefaultTTL)
	return d
}

// Invalidate drops the entry for dir.
func (dc *DirCache) Invalidate(dir string) {
	dc.cache.Delete(dir)
}

// manifestReaders summarise well-known project files, in prompt order.
var manifestReaders = []struct {
	file  string
	label string
	read  func(string) string
}{
	{"package.json", "npm scripts", packageScripts},
	{"Makefile", "make targets", makeTargets},
	{"go.mod", "go module", goModule},
	{"Cargo.toml", "cargo package", cargoPackage},
	{"pyproject.toml", "python project", pyprojectName},
}

func readManifests(dir string) []Manifest {
	var out []Manifest
	for _, r := range manifestReaders {
		data, err := os.ReadFile(filepath.Join(dir, r.file))
		if err != nil {
			continue
		}
		if summary := r.read(string(data)); summary != "" {
			out = append(out, Manifest{Label: r.label, Summary: truncate(summary, manifestMaxBytes)})
		}
	}
	return out
}

// packageScripts lists the script names of a package.json, sorted.
func packageScripts(content string) string {
	var pkg struct {
		Scripts map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal([]byte(content), &pkg); err != nil || len(pkg.Scripts) == 0 {
		return ""
	}
	names := make([]string, 0, len(pkg.Scripts))
	for name := range pkg.Scripts {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// makeTargets lists explicit targets of a Makefile in file order.
func makeTargets(content string) string {
	var targets []string
	seen := make(map[string]bool)
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		line := sc.Text()
		if line == "" || line[0] == '\t' || line[0] == '#' || line[0] == '.' || line[0] == ' ' {
			continue
		}
		i := strings.IndexByte(line, ':')
		if i <= 0 || strings.HasPrefix(line[i:], ":=") || strings.ContainsAny(line[:i], "$%=") {
			continue
		}
		for _, target := range strings.Fields(line[:i]) {
			if !seen[target] {
				seen[target] = true
				targets = append(targets, target)
			}
		}
	}
	return strings.Join(targets, ", ")
}

func goModule(content string) string {
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		if rest, ok := strings.CutPrefix(strings.TrimSpace(sc.Text()), "module "); ok {
			return strings.Trim(strings.TrimSpace(rest), `"`)
		}
	}
	return ""
}

func cargoPackage(content string) string {
	var cargo struct {
		Package struct {
			Name string `toml:"name"`
		} `toml:"package"`
		Bin []struct {
			Name string `toml:"name"`
		} `toml:"bin"`
	}
	if _, err := toml.Decode(content, &cargo); err != nil {
		return ""
	}
	names := []string{}
	if cargo.Package.Name != "" {
		names = append(names, cargo.Package.Name)
	}
	for _, b := range cargo.Bin {
		if b.Name != "" && b.Name != cargo.Package.Name {
			names = append(names, b.Name)
		}
	}
	return strings.Join(names, ", ")
}

func pyprojectName(content string) string {
	var py struct {
		Project struct {
			Name string `toml:"name"`
		} `toml:"project"`
	}
	if _, err := toml.Decode(content, &py); err != nil {
		return ""
	}
	return py.Project.Name
}

// lockfiles maps lockfiles to package managers, most specific first.
var lockfiles = []struct {
	file    string
	manager string
}{
	{"pnpm-lock.yaml", "pnpm"},
	{"yarn.lock", "yarn"},
	{"bun.lockb", "bun"},
	{"package-lock.json", "npm"},
	{"Cargo.lock", "cargo"},
	{"go.sum", "go"},
	{"poetry.lock", "poetry"},
	{"uv.lock", "uv"},
}

func detectPackageManager(dirs ...string) string {
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		for _, lf := range lockfiles {
			if _, err := os.Stat(filepath.Join(dir, lf.file)); err == nil {
				return lf.manager
			}
		}
	}
	return ""
}

func truncate(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes] + "..."
}
