package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Mode string

const (
	ModeDevelopment Mode = "development"
	ModeProduction  Mode = "production"
)

// Config is built once at startup and passed by pointer to every component.
// Nothing mutates it after Load returns.
type Config struct {
	Root         string            `yaml:"context"`
	Mode         Mode              `yaml:"mode"`
	Entry        map[string]string `yaml:"entry"`
	Resolve      ResolveConfig     `yaml:"resolve"`
	Rules        []RuleConfig      `yaml:"rules"`
	Chunks       ChunkConfig       `yaml:"chunks"`
	Output       OutputConfig      `yaml:"output"`
	Define       map[string]string `yaml:"define"`
	Compression  CompressionConfig `yaml:"compression"`
	Static       StaticConfig      `yaml:"static"`
	DevServer    DevServerConfig   `yaml:"devServer"`
	Parallelism  int               `yaml:"parallelism"`
	AllowPartial bool              `yaml:"allowPartial"`
	CacheDir     string            `yaml:"cacheDir"`
	HistoryDB    string            `yaml:"historyDB"`
	Publish      PublishConfig     `yaml:"-"`

	// Mode-derived switches, fixed by derive().
	ExtractStyles bool `yaml:"-"`
	Minify        bool `yaml:"-"`
	Compress      bool `yaml:"-"`
	InlineAssets  bool `yaml:"-"`
	HMR           bool `yaml:"-"`
	CopyStatic    bool `yaml:"-"`
}

type ResolveConfig struct {
	Extensions []string `yaml:"extensions"`
	// Modules are search roots for bare specifiers, in order. The last one is
	// the external dependency root.
	Modules []string `yaml:"modules"`
}

type RuleConfig struct {
	Test    string       `yaml:"test"`
	Exclude string       `yaml:"exclude"`
	Steps   []StepConfig `yaml:"steps"`
}

type StepConfig struct {
	Name    string         `yaml:"name"`
	Options map[string]any `yaml:"options"`
}

type ChunkConfig struct {
	Vendor   string `yaml:"vendor"`
	Manifest string `yaml:"manifest"`
	// Common receives app modules shared by several entries. Empty disables
	// it, which turns such sharing into a policy error.
	Common          string   `yaml:"common"`
	ManifestModules []string `yaml:"manifestModules"`
	// VendorTest limits vendor to external modules whose path matches.
	// Other external files (styles, images) stay with their importers.
	VendorTest string `yaml:"vendorTest"`
}

type OutputConfig struct {
	Path          string     `yaml:"path"`
	PublicPath    string     `yaml:"publicPath"`
	Filename      string     `yaml:"filename"`
	ChunkFilename string     `yaml:"chunkFilename"`
	CSSFilename   string     `yaml:"cssFilename"`
	HashLength    int        `yaml:"hashLength"`
	Manifest      string     `yaml:"manifest"`
	HTML          HTMLConfig `yaml:"html"`
}

type HTMLConfig struct {
	Filename string `yaml:"filename"`
	Template string `yaml:"template"`
	Title    string `yaml:"title"`
	MountID  string `yaml:"mountId"`
}

type CompressionConfig struct {
	Threshold int     `yaml:"threshold"`
	MinRatio  float64 `yaml:"minRatio"`
}

type StaticConfig struct {
	From   string   `yaml:"from"`
	To     string   `yaml:"to"`
	Ignore []string `yaml:"ignore"`
}

type DevServerConfig struct {
	Host               string        `yaml:"host"`
	Port               string        `yaml:"port"`
	HistoryAPIFallback bool          `yaml:"historyApiFallback"`
	Debounce           time.Duration `yaml:"debounce"`
	HMRPath            string        `yaml:"hmrPath"`
}

type PublishConfig struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

// Entry is one named entry point.
type Entry struct {
	Name string
	Path string
}

// Entries returns the entry points sorted by name.
func (c *Config) Entries() []Entry {
	names := make([]string, 0, len(c.Entry))
	for name := range c.Entry {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Entry, 0, len(names))
	for _, name := range names {
		out = append(out, Entry{Name: name, Path: c.Entry[name]})
	}
	return out
}

// ExternalRoot is the external dependency search root.
func (c *Config) ExternalRoot() string {
	if len(c.Resolve.Modules) == 0 {
		return "node_modules"
	}
	return c.Resolve.Modules[len(c.Resolve.Modules)-1]
}

// OutputDir returns the absolute output directory.
func (c *Config) OutputDir() string {
	if filepath.IsAbs(c.Output.Path) {
		return c.Output.Path
	}
	return filepath.Join(c.Root, c.Output.Path)
}

// Options controls Load.
type Options struct {
	// Path of the YAML build file. A missing file means "defaults only".
	Path string
	// Mode overrides NODE_ENV when set.
	Mode string
	// Port overrides PORT when set.
	Port string
}

// Load reads .env, the build file and environment overrides, in that order.
func Load(opts Options) (*Config, error) {
	_ = godotenv.Load()

	mode := Mode(firstNonEmpty(strings.TrimSpace(opts.Mode), strings.TrimSpace(os.Getenv("NODE_ENV")), string(ModeDevelopment)))
	path := firstNonEmpty(strings.TrimSpace(opts.Path), "bundle.yaml")
	root := filepath.Dir(path)

	cfg := Default(root, mode)
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := decodeOverDefaults(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if cfg.Root != root && !filepath.IsAbs(cfg.Root) {
			cfg.Root = filepath.Join(root, cfg.Root)
		}
	case errors.Is(err, os.ErrNotExist) && opts.Path == "":
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if strings.TrimSpace(opts.Mode) != "" {
		cfg.Mode = mode
	}

	applyEnv(cfg, opts)
	cfg.derive()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeOverDefaults lets the file replace whole maps instead of merging
// its keys into the defaults.
func decodeOverDefaults(raw []byte, cfg *Config) error {
	var top map[string]any
	if err := yaml.Unmarshal(raw, &top); err != nil {
		return err
	}
	if _, ok := top["entry"]; ok {
		cfg.Entry = nil
	}
	if _, ok := top["define"]; ok {
		cfg.Define = nil
	}
	return yaml.Unmarshal(raw, cfg)
}

func applyEnv(cfg *Config, opts Options) {
	if port := firstNonEmpty(strings.TrimSpace(opts.Port), strings.TrimSpace(os.Getenv("PORT"))); port != "" {
		cfg.DevServer.Port = strings.TrimPrefix(port, ":")
	}
	if host := strings.TrimSpace(os.Getenv("HOST")); host != "" {
		cfg.DevServer.Host = host
	}
	cfg.Publish = loadPublishConfig()
}

func loadPublishConfig() PublishConfig {
	return PublishConfig{
		Endpoint:  strings.TrimSpace(os.Getenv("BUNDLE_S3_ENDPOINT")),
		Region:    firstNonEmpty(strings.TrimSpace(os.Getenv("BUNDLE_S3_REGION")), "us-east-1"),
		AccessKey: firstNonEmpty(strings.TrimSpace(os.Getenv("BUNDLE_S3_ACCESS_KEY")), strings.TrimSpace(os.Getenv("MINIO_ROOT_USER"))),
		SecretKey: firstNonEmpty(strings.TrimSpace(os.Getenv("BUNDLE_S3_SECRET_KEY")), strings.TrimSpace(os.Getenv("MINIO_ROOT_PASSWORD"))),
		Bucket:    firstNonEmpty(strings.TrimSpace(os.Getenv("BUNDLE_S3_BUCKET")), "bundle-artifacts"),
		Prefix:    strings.Trim(strings.TrimSpace(os.Getenv("BUNDLE_S3_PREFIX")), "/"),
		UseSSL:    resolveUseSSL(os.Getenv("BUNDLE_S3_USE_SSL")),
	}
}

func resolveUseSSL(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return true
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return true
	}
	return v
}

// derive fixes every mode-dependent switch in one place.
func (c *Config) derive() {
	prod := c.Mode == ModeProduction
	c.ExtractStyles = prod
	c.Minify = prod
	c.Compress = prod
	c.CopyStatic = prod
	c.InlineAssets = !prod
	c.HMR = !prod
	if c.Define == nil {
		c.Define = map[string]string{}
	}
	if _, ok := c.Define["process.env.NODE_ENV"]; !ok {
		mode, _ := json.Marshal(string(c.Mode))
		c.Define["process.env.NODE_ENV"] = string(mode)
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 4
	}
}

// Validate checks the parts of the configuration every component relies on.
func (c *Config) Validate() error {
	if c.Mode != ModeDevelopment && c.Mode != ModeProduction {
		return fmt.Errorf("config: unknown mode %q", c.Mode)
	}
	if len(c.Entry) == 0 {
		return errors.New("config: at least one entry is required")
	}
	if len(c.Resolve.Modules) == 0 {
		return errors.New("config: resolve.modules must not be empty")
	}
	for i, rule := range c.Rules {
		if strings.TrimSpace(rule.Test) == "" {
			return fmt.Errorf("config: rule %d has no test", i)
		}
		if _, err := regexp.Compile(rule.Test); err != nil {
			return fmt.Errorf("config: rule %d test: %w", i, err)
		}
		if rule.Exclude != "" {
			if _, err := regexp.Compile(rule.Exclude); err != nil {
				return fmt.Errorf("config: rule %d exclude: %w", i, err)
			}
		}
		if len(rule.Steps) == 0 {
			return fmt.Errorf("config: rule %d (%s) has no steps", i, rule.Test)
		}
	}
	if c.Chunks.VendorTest != "" {
		if _, err := regexp.Compile(c.Chunks.VendorTest); err != nil {
			return fmt.Errorf("config: chunks.vendorTest: %w", err)
		}
	}
	if c.Chunks.Vendor == "" || c.Chunks.Manifest == "" {
		return errors.New("config: vendor and manifest chunk names are required")
	}
	if c.Chunks.Vendor == c.Chunks.Manifest || (c.Chunks.Common != "" && (c.Chunks.Common == c.Chunks.Vendor || c.Chunks.Common == c.Chunks.Manifest)) {
		return errors.New("config: chunk names must be distinct")
	}
	for name := range c.Entry {
		if name == c.Chunks.Vendor || name == c.Chunks.Manifest || name == c.Chunks.Common {
			return fmt.Errorf("config: entry %q collides with a shared chunk name", name)
		}
	}
	if c.Output.HashLength <= 0 || c.Output.HashLength > 64 {
		return fmt.Errorf("config: output.hashLength %d out of range", c.Output.HashLength)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
