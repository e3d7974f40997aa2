package config

import "time"

// Default returns the built-in configuration: one "app" entry at
// ./src/index.tsx, TypeScript/JS/CSS/JSON/raw/asset rules, vendor and manifest
// extraction, hashed output under dist/.
func Default(root string, mode Mode) *Config {
	return &Config{
		Root: root,
		Mode: mode,
		Entry: map[string]string{
			"app": "./src/index.tsx",
		},
		Resolve: ResolveConfig{
			Extensions: []string{".tsx", ".ts", ".jsx", ".js"},
			Modules:    []string{"src", "node_modules"},
		},
		Rules: defaultRules(),
		Chunks: ChunkConfig{
			Vendor:     "vendor",
			Manifest:   "manifest",
			Common:     "common",
			VendorTest: `\.(js|ts)x?$`,
		},
		Output: OutputConfig{
			Path:          "dist",
			PublicPath:    "/",
			Filename:      "static/js/[name].[hash].js",
			ChunkFilename: "static/js/[id].[chunkhash].js",
			CSSFilename:   "static/css/[name].[contenthash].css",
			HashLength:    20,
			Manifest:      "manifest.json",
			HTML: HTMLConfig{
				Filename: "index.html",
				Title:    "App",
				MountID:  "App",
			},
		},
		Compression: CompressionConfig{
			Threshold: 10240,
			MinRatio:  0.8,
		},
		Static: StaticConfig{
			From:   "static",
			To:     "static",
			Ignore: []string{".*"},
		},
		DevServer: DevServerConfig{
			Host:               "localhost",
			Port:               "8080",
			HistoryAPIFallback: true,
			Debounce:           100 * time.Millisecond,
			HMRPath:            "/__hmr",
		},
		Parallelism: 4,
		CacheDir:    ".modbundle/cache",
		HistoryDB:   ".modbundle/history.db",
	}
}

func defaultRules() []RuleConfig {
	return []RuleConfig{
		{
			Test:    `\.tsx?$`,
			Exclude: `node_modules|__tests__`,
			Steps: []StepConfig{
				{Name: "lint", Options: map[string]any{"mode": "blocking", "rules": []any{"no-debugger"}}},
				{Name: "typescript"},
				{Name: "define"},
				{Name: "script"},
			},
		},
		{
			Test:  `\.jsx$`,
			Steps: []StepConfig{{Name: "typescript"}, {Name: "define"}, {Name: "script"}},
		},
		{
			Test:  `\.m?js$`,
			Steps: []StepConfig{{Name: "typescript"}, {Name: "define"}, {Name: "script"}},
		},
		{
			Test:  `\.css$`,
			Steps: []StepConfig{{Name: "style"}},
		},
		{
			Test:  `\.json$`,
			Steps: []StepConfig{{Name: "json"}},
		},
		{
			Test:  `\.(xml|html|txt|md)$`,
			Steps: []StepConfig{{Name: "raw"}},
		},
		{
			Test: `\.(png|jpe?g|gif|svg)(\?.*)?$`,
			Steps: []StepConfig{{Name: "asset", Options: map[string]any{
				"limit": 10000,
				"name":  "static/img/[name].[hash:7].[ext]",
			}}},
		},
		{
			Test: `(?i)\.(woff2?|eot|ttf|otf)(\?.*)?$`,
			Steps: []StepConfig{{Name: "asset", Options: map[string]any{
				"limit": 10000,
				"name":  "static/fonts/[name].[hash:7].[ext]",
			}}},
		},
	}
}

// New builds a finished configuration from the defaults. edit may adjust the
// defaults before mode-derived switches are fixed; the result is validated
// and must not be modified afterwards.
func New(root string, mode Mode, edit func(*Config)) (*Config, error) {
	cfg := Default(root, mode)
	if edit != nil {
		edit(cfg)
	}
	cfg.derive()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
