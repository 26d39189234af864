package subaru

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// Config holds raw key/value settings from /etc/subaru.conf plus
// SUBARU_* environment overrides.
type Config struct {
	Values map[string]string
}

// loadConfig reads path (missing file is fine) and merges env overrides.
func loadConfig(path string) (*Config, error) {
	cfg := &Config{Values: make(map[string]string)}

	file, err := os.Open(path)
	if err == nil {
		defer file.Close()
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			parts := strings.SplitN(line, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			val := trimWrappedQuotes(strings.TrimSpace(parts[1]))
			cfg.Values[key] = val
		}
		if err := scanner.Err(); err != nil {
			return cfg, err
		}
	}

	mergeEnvOverrides(cfg)

	if tmp := cfg.Values["TMPDIR"]; tmp == "" {
		cfg.Values["TMPDIR"] = "/tmp"
	}

	return cfg, nil
}

// trimWrappedQuotes strips one pair of quotes only when the value is
// fully wrapped in a matching pair. Anything else stays intact: command
// text like `cp x "$DESTDIR/bin/x"` must keep its interior and trailing
// quotes.
func trimWrappedQuotes(val string) string {
	if len(val) >= 2 {
		first, last := val[0], val[len(val)-1]
		if first == last && (first == '"' || first == '\'') {
			inner := val[1 : len(val)-1]
			// `"a" "b"` starts and ends with a quote without being one
			// wrapped pair; only unwrap when the quote never recurs.
			if !strings.ContainsRune(inner, rune(first)) {
				return inner
			}
		}
	}
	return val
}

// mergeEnvOverrides folds SUBARU_* environment variables into cfg.
func mergeEnvOverrides(cfg *Config) {
	for _, env := range os.Environ() {
		if strings.HasPrefix(env, "SUBARU_") {
			parts := strings.SplitN(env, "=", 2)
			if len(parts) == 2 {
				cfg.Values[parts[0]] = parts[1]
			}
		}
	}
}

// BuildContext carries every directory the engine touches. It is passed
// explicitly into components instead of living in package globals.
//
// Caller contract: at most one pipeline invocation may be active at a time
// per StagingDir. The engine does not lock the staging root itself.
type BuildContext struct {
	Config *Config

	RootDir    string // target filesystem root (SUBARU_ROOT)
	CacheDir   string // cache base (SUBARU_CACHE_DIR)
	SourcesDir string // per-package source link dirs
	CacheStore string // shared download cache
	BinDir     string // produced package archives
	StoreDir   string // descriptors and manifests
	BuildDir   string // per-package extraction/build trees
	StagingDir string // the staging root
	DBDir      string // installed index and install logs
	RecipePath string // colon-separated recipe repositories
	Mirror     string // optional HTTP source mirror
}

// NewBuildContext derives all engine paths from cfg, applying defaults.
func NewBuildContext(cfg *Config) *BuildContext {
	ctx := &BuildContext{Config: cfg}

	ctx.RootDir = cfg.Values["SUBARU_ROOT"]
	if ctx.RootDir == "" {
		ctx.RootDir = "/"
	}

	ctx.CacheDir = cfg.Values["SUBARU_CACHE_DIR"]
	if ctx.CacheDir == "" {
		ctx.CacheDir = "/var/cache/subaru"
	}
	ctx.SourcesDir = filepath.Join(ctx.CacheDir, "sources")
	ctx.CacheStore = filepath.Join(ctx.SourcesDir, "_cache")
	ctx.BinDir = filepath.Join(ctx.CacheDir, "bin")
	ctx.StoreDir = filepath.Join(ctx.CacheDir, "meta")

	tmpDir := cfg.Values["TMPDIR"]
	if tmpDir == "" {
		tmpDir = "/tmp"
	}
	ctx.BuildDir = cfg.Values["SUBARU_BUILD_DIR"]
	if ctx.BuildDir == "" {
		ctx.BuildDir = filepath.Join(tmpDir, "subaru-build")
	}
	ctx.StagingDir = cfg.Values["SUBARU_STAGING_DIR"]
	if ctx.StagingDir == "" {
		ctx.StagingDir = filepath.Join(tmpDir, "subaru-staging")
	}

	ctx.DBDir = cfg.Values["SUBARU_DB_DIR"]
	if ctx.DBDir == "" {
		ctx.DBDir = filepath.Join(ctx.RootDir, "var/db/subaru")
	}

	ctx.RecipePath = cfg.Values["SUBARU_PATH"]
	ctx.Mirror = strings.TrimRight(cfg.Values["SUBARU_MIRROR"], "/")

	Debug = cfg.Values["SUBARU_DEBUG"] == "1"

	return ctx
}

// IndexFile is the installed-package index location.
func (ctx *BuildContext) IndexFile() string {
	return filepath.Join(ctx.DBDir, "installed")
}

// LogDir holds xz-compressed install logs.
func (ctx *BuildContext) LogDir() string {
	return filepath.Join(ctx.DBDir, "logs")
}

// StagingBinDir is the canonical binary directory inside the staging root.
func (ctx *BuildContext) StagingBinDir() string {
	return filepath.Join(ctx.StagingDir, "bin")
}
