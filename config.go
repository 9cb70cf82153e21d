package ashcmd

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	defaults "github.com/Paranoid-AF/ashcmd/default"
)

// ProjectConfigFile is the name of the project-local config file looked up
// in the working directory.
const ProjectConfigFile = "ashcmd.toml"

// Config represents the effective ashcmd configuration. It is built once by
// LoadConfig and treated as read-only afterwards.
type Config struct {
	Backend   string          `toml:"backend"`
	Verbosity string          `toml:"verbosity"`
	Timeout   Duration        `toml:"timeout"`
	Model     ModelParams     `toml:"model"`
	Local     LocalConfig     `toml:"local"`
	Bedrock   BedrockConfig   `toml:"bedrock"`
	Execution ExecutionConfig `toml:"execution"`
	Context   ContextConfig   `toml:"context"`
	Tracing   TracingConfig   `toml:"tracing"`

	// Prompt is the custom system prompt template. Empty means the built-in default.
	Prompt string `toml:"-"`
	// Sources lists the config files applied, lowest precedence first.
	Sources []string `toml:"-"`
	// Warnings collects non-fatal problems found while loading.
	Warnings []string `toml:"-"`
}

// LocalConfig holds settings for the local model runtime.
type LocalConfig struct {
	BaseURL   string `toml:"base_url"`
	Model     string `toml:"model"`
	Quantized bool   `toml:"quantized"`
	CPU       bool   `toml:"cpu"`
	ModelID   string `toml:"model_id"`
	KeepAlive string `toml:"keep_alive"`
}

// BedrockConfig holds settings for AWS Bedrock.
type BedrockConfig struct {
	ModelID string `toml:"model_id"`
	Region  string `toml:"region"`
	Profile string `toml:"profile"`
}

// ExecutionConfig controls what happens to an extracted command.
type ExecutionConfig struct {
	Mode  string `toml:"mode"`
	Shell string `toml:"shell"`
}

// ContextConfig controls which environment context is added to the prompt.
type ContextConfig struct {
	Directory          bool   `toml:"directory"`
	RecentCommands     int    `toml:"recent_commands"`
	RelevantCommands   int    `toml:"relevant_commands"`
	EmbeddingModel     string `toml:"embedding_model"`
	MaxHistoryCommands int    `toml:"max_history_commands"`
}

// TracingConfig controls trace file output.
type TracingConfig struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
	Format  string `toml:"format"`
}

// Duration is a time.Duration written as a string ("60s") in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ConfigDir returns the config directory path.
// Resolution order: $ASHCMD_CONFIG_DIR > $XDG_CONFIG_HOME/ashcmd > ~/.config/ashcmd
func ConfigDir() string {
	if dir := os.Getenv("ASHCMD_CONFIG_DIR"); dir != "" {
		return dir
	}
	if configHome := os.Getenv("XDG_CONFIG_HOME"); configHome != "" {
		return filepath.Join(configHome, "ashcmd")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "ashcmd-config")
	}
	return filepath.Join(home, ".config", "ashcmd")
}

// ConfigPath returns the full path to the user-global config file.
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.toml")
}

// PromptPath returns the custom prompt template path.
func PromptPath() string {
	return filepath.Join(ConfigDir(), "prompt.md")
}

// CacheDir returns the directory for on-disk caches.
// Resolution order: $ASHCMD_CACHE_DIR > user cache dir/ashcmd
func CacheDir() string {
	if dir := os.Getenv("ASHCMD_CACHE_DIR"); dir != "" {
		return dir
	}
	base, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "ashcmd-cache")
	}
	return filepath.Join(base, "ashcmd")
}

// DefaultConfig returns the configuration from the embedded default_config.toml.
func DefaultConfig() *Config {
	var cfg Config
	if _, err := toml.Decode(string(defaults.DefaultConfigTOML), &cfg); err != nil {
		panic("ashcmd: invalid embedded default_config.toml: " + err.Error())
	}
	return &cfg
}

// WriteDefaultConfig writes the embedded default config to path, creating
// parent directories as needed.
func WriteDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, defaults.DefaultConfigTOML, 0o644)
}

// LoadOptions controls LoadConfig.
type LoadOptions struct {
	// ProjectPath is an explicit project config file. When set it must exist.
	ProjectPath string
	// Dir is where ProjectConfigFile is looked up. Empty means the working directory.
	Dir string
	// WriteDefault writes the default user-global config if it does not exist yet.
	WriteDefault bool
}

// LoadConfig builds the effective configuration: built-in defaults, then
// the user-global file, then the project-local file, then ASHCMD_*
// environment overrides. Later layers only override keys they set.
func LoadConfig(opts LoadOptions) (*Config, error) {
	cfg := DefaultConfig()

	global := ConfigPath()
	switch err := cfg.decodeFile(global); {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		if opts.WriteDefault {
			if werr := WriteDefaultConfig(global); werr != nil {
				slog.Warn("failed to write default config", "path", global, "error", werr)
			} else {
				slog.Info("wrote default config", "path", global)
			}
		}
	default:
		return nil, err
	}

	project := opts.ProjectPath
	explicit := project != ""
	if !explicit {
		dir := opts.Dir
		if dir == "" {
			dir, _ = os.Getwd()
		}
		project = filepath.Join(dir, ProjectConfigFile)
	}
	if project != global {
		switch err := cfg.decodeFile(project); {
		case err == nil:
		case errors.Is(err, fs.ErrNotExist) && !explicit:
		case errors.Is(err, fs.ErrNotExist):
			return nil, &ConfigError{Path: project, Err: err}
		default:
			return nil, err
		}
	}

	cfg.applyEnv()

	if data, err := os.ReadFile(PromptPath()); err == nil {
		cfg.Prompt = string(data)
		slog.Debug("loaded custom prompt", "path", PromptPath())
	}

	if err := cfg.Validate(); err != nil {
		path := ""
		if n := len(cfg.Sources); n > 0 {
			path = cfg.Sources[n-1]
		}
		return nil, &ConfigError{Path: path, Err: err}
	}
	cfg.Warnings = append(cfg.Warnings, ValidateConfig(cfg)...)
	return cfg, nil
}

// decodeFile layers the TOML file at path over c. Missing files return an
// error wrapping fs.ErrNotExist; malformed files return a *ConfigError.
func (c *Config) decodeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return &ConfigError{Path: path, Err: err}
	}
	md, err := toml.Decode(string(data), c)
	if err != nil {
		return &ConfigError{Path: path, Err: err}
	}
	for _, key := range md.Undecoded() {
		c.Warnings = append(c.Warnings, fmt.Sprintf("%s: unknown key %q", path, key.String()))
	}
	c.Sources = append(c.Sources, path)
	return nil
}

// envOverrides maps environment variables to config fields.
var envOverrides = []struct {
	name  string
	apply func(c *Config, v string)
}{
	{"ASHCMD_BACKEND", func(c *Config, v string) { c.Backend = v }},
	{"ASHCMD_VERBOSITY", func(c *Config, v string) { c.Verbosity = v }},
	{"ASHCMD_EXECUTION_MODE", func(c *Config, v string) { c.Execution.Mode = v }},
	{"ASHCMD_LOCAL_BASE_URL", func(c *Config, v string) { c.Local.BaseURL = v }},
	{"ASHCMD_LOCAL_MODEL_ID", func(c *Config, v string) { c.Local.ModelID = v }},
	{"ASHCMD_BEDROCK_MODEL_ID", func(c *Config, v string) { c.Bedrock.ModelID = v }},
	{"ASHCMD_BEDROCK_REGION", func(c *Config, v string) { c.Bedrock.Region = v }},
	{"ASHCMD_BEDROCK_PROFILE", func(c *Config, v string) { c.Bedrock.Profile = v }},
}

func (c *Config) applyEnv() {
	for _, o := range envOverrides {
		if v := os.Getenv(o.name); v != "" {
			o.apply(c, v)
		}
	}
}

var (
	validVerbosity = []string{"error", "warn", "info", "debug", "trace"}
	validModes     = []string{"dry-run", "copy", "execute"}
	validFormats   = []string{"chrome", "otel"}
)

// Validate reports settings that make the configuration unusable.
func (c *Config) Validate() error {
	var errs []error
	if _, err := ParseBackendKind(c.Backend); err != nil {
		errs = append(errs, err)
	}
	if !oneOf(c.Verbosity, validVerbosity) {
		errs = append(errs, fmt.Errorf("verbosity %q must be one of %s", c.Verbosity, strings.Join(validVerbosity, ", ")))
	}
	if c.Local.Model != "2" && c.Local.Model != "3" {
		errs = append(errs, fmt.Errorf("local.model %q must be \"2\" or \"3\"", c.Local.Model))
	}
	if !oneOf(c.Execution.Mode, validModes) {
		errs = append(errs, fmt.Errorf("execution.mode %q must be one of %s", c.Execution.Mode, strings.Join(validModes, ", ")))
	}
	if !oneOf(c.Tracing.Format, validFormats) {
		errs = append(errs, fmt.Errorf("tracing.format %q must be one of %s", c.Tracing.Format, strings.Join(validFormats, ", ")))
	}
	if c.Timeout.Duration < 0 {
		errs = append(errs, fmt.Errorf("timeout must not be negative"))
	}
	if c.Model.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("model.max_tokens must be positive"))
	}
	return errors.Join(errs...)
}

// ValidateConfig checks configuration for potential issues and returns warnings.
func ValidateConfig(cfg *Config) []string {
	var warnings []string
	if cfg == nil {
		return warnings
	}
	if cfg.Context.RelevantCommands > 0 && cfg.Context.EmbeddingModel == "" {
		warnings = append(warnings, "context.relevant_commands is set but context.embedding_model is empty; related history will be unavailable")
	}
	if cfg.Model.Temperature < 0 || cfg.Model.Temperature > 2 {
		warnings = append(warnings, fmt.Sprintf("model.temperature %.2f is outside the usual 0-2 range", cfg.Model.Temperature))
	}
	if cfg.Model.TopP < 0 || cfg.Model.TopP > 1 {
		warnings = append(warnings, fmt.Sprintf("model.top_p %.2f is outside 0-1", cfg.Model.TopP))
	}
	if cfg.Tracing.Enabled && cfg.Tracing.Dir == "" {
		warnings = append(warnings, "tracing is enabled but tracing.dir is empty; using the working directory")
	}
	return warnings
}

// BackendKind returns the configured default backend.
func (c *Config) BackendKind() BackendKind {
	kind, err := ParseBackendKind(c.Backend)
	if err != nil {
		return BackendLocal
	}
	return kind
}

// WriteTOML encodes the configuration as TOML.
func (c *Config) WriteTOML(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

func oneOf(v string, set []string) bool {
	for _, s := range set {
		if v == s {
			return true
		}
	}
	return false
}
