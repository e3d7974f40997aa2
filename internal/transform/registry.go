package transform

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"

	"modbundle/internal/config"
)

// Env is the read-only, mode-derived state every step sees.
type Env struct {
	Mode         config.Mode
	Define       map[string]string
	PublicPath   string
	InlineAssets bool
	HMR          bool
}

// EnvFromConfig captures the switches steps depend on.
func EnvFromConfig(cfg *config.Config) *Env {
	return &Env{
		Mode:         cfg.Mode,
		Define:       cfg.Define,
		PublicPath:   cfg.Output.PublicPath,
		InlineAssets: cfg.InlineAssets,
		HMR:          cfg.HMR,
	}
}

// Factory builds a step from its declared options.
type Factory func(opts Options) (Transform, error)

// Builtins is the table of named step capabilities rules can reference.
func Builtins() map[string]Factory {
	return map[string]Factory{
		"lint":       newLint,
		"typescript": newTypeScript,
		"define":     newDefine,
		"script":     newScript,
		"style":      newStyle,
		"raw":        newRaw,
		"json":       newJSON,
		"asset":      newAsset,
	}
}

type rule struct {
	test    *regexp.Regexp
	exclude *regexp.Regexp
	chain   *Chain
}

// Registry selects chains by file path. Rules are tried in registration order
// and the first match wins.
type Registry struct {
	env   *Env
	rules []rule
}

// NewRegistry compiles the configured rules against the builtin step table.
func NewRegistry(cfg *config.Config) (*Registry, error) {
	return NewRegistryWith(cfg, Builtins())
}

// NewRegistryWith compiles rules against a custom step table.
func NewRegistryWith(cfg *config.Config, steps map[string]Factory) (*Registry, error) {
	reg := &Registry{env: EnvFromConfig(cfg)}
	for i, rc := range cfg.Rules {
		test, err := regexp.Compile(rc.Test)
		if err != nil {
			return nil, fmt.Errorf("rule %d test: %w", i, err)
		}
		var exclude *regexp.Regexp
		if rc.Exclude != "" {
			if exclude, err = regexp.Compile(rc.Exclude); err != nil {
				return nil, fmt.Errorf("rule %d exclude: %w", i, err)
			}
		}
		chain := &Chain{Rule: rc.Test}
		for _, sc := range rc.Steps {
			factory, ok := steps[sc.Name]
			if !ok {
				return nil, fmt.Errorf("rule %d (%s): unknown step %q", i, rc.Test, sc.Name)
			}
			step, err := factory(Options(sc.Options))
			if err != nil {
				return nil, fmt.Errorf("rule %d (%s): step %s: %w", i, rc.Test, sc.Name, err)
			}
			chain.Steps = append(chain.Steps, step)
		}
		chain.Fingerprint = fingerprint(cfg, rc)
		reg.rules = append(reg.rules, rule{test: test, exclude: exclude, chain: chain})
	}
	return reg, nil
}

// Env returns the environment steps run with.
func (r *Registry) Env() *Env { return r.env }

// ChainFor returns the first chain whose rule matches path.
func (r *Registry) ChainFor(path string) (*Chain, error) {
	p := filepath.ToSlash(path)
	for _, rl := range r.rules {
		if !rl.test.MatchString(p) {
			continue
		}
		if rl.exclude != nil && rl.exclude.MatchString(p) {
			continue
		}
		return rl.chain, nil
	}
	return nil, &TransformError{Module: path, Step: "registry", Err: ErrNoRule}
}

// fingerprint changes whenever a rule's steps, their options or the
// mode-derived environment change, so cached results are never reused
// across incompatible configurations.
func fingerprint(cfg *config.Config, rc config.RuleConfig) string {
	raw, _ := json.Marshal(struct {
		Rule   config.RuleConfig
		Mode   config.Mode
		Define map[string]string
		Public string
		Inline bool
		HMR    bool
	}{rc, cfg.Mode, cfg.Define, cfg.Output.PublicPath, cfg.InlineAssets, cfg.HMR})
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:8])
}
