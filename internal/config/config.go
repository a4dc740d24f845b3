// Package config defines the pipeline configuration value that is threaded
// through every constructor.
//
// Configuration is layered, highest precedence first:
//   - command-line flags (applied by the CLI after Load)
//   - OCDSLAKE_* environment variables, including those from a .env file
//   - a YAML file
//   - Default()
//
// Every path left empty is derived from DataDir. The result is validated
// against an embedded CUE schema.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/joho/godotenv"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/roach88/ocdslake/internal/period"
)

//go:embed schema.cue
var schemaCUE string

// Defaults taken from the Guatecompras deployment.
const (
	DefaultBaseURL       = "https://ocds.guatecompras.gt/file/json"
	DefaultBuyer         = "MUNICIPALIDAD DE ANTIGUA GUATEMALA, SACATEPÉQUEZ"
	DefaultUserAgent     = "TransparenciaCiudadana/1.0 (data transparency)"
	DefaultPackageSuffix = "_Guatecompras.json"
	DefaultPause         = 15 * time.Second
	DefaultJitter        = 5 * time.Second
	DefaultHTTPTimeout   = 300 * time.Second

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "OCDSLAKE_"
)

// Config holds every path, endpoint and tuning knob of the pipeline.
type Config struct {
	// DataDir holds the raw monthly packages and, by default, everything else.
	DataDir string `yaml:"data_dir" json:"data_dir"`

	BackupsDir    string `yaml:"backups_dir" json:"backups_dir"`
	LogsDir       string `yaml:"logs_dir" json:"logs_dir"`
	ManifestPath  string `yaml:"manifest_path" json:"manifest_path"`
	ChangelogPath string `yaml:"changelog_path" json:"changelog_path"`

	// ServedStore is the snapshot readers open. StagingStore is rebuilt by
	// the loaders and renamed over ServedStore on publish.
	ServedStore  string `yaml:"served_store" json:"served_store"`
	StagingStore string `yaml:"staging_store" json:"staging_store"`

	// LockPath is the Downloader's PID lock file.
	LockPath string `yaml:"lock_path" json:"lock_path"`

	// BaseURL is joined with /{year}/{month} for each request.
	BaseURL   string `yaml:"base_url" json:"base_url"`
	UserAgent string `yaml:"user_agent" json:"user_agent"`

	// Buyer is compared byte-for-byte against compiledRelease.buyer.name.
	Buyer string `yaml:"buyer" json:"buyer"`

	// PackageSuffix follows "YYYY-MM" in package filenames.
	PackageSuffix string `yaml:"package_suffix" json:"package_suffix"`

	// Pause is the base delay between monthly requests; a uniform random
	// delay in [0, Jitter) is added on top.
	Pause       time.Duration `yaml:"pause" json:"pause"`
	Jitter      time.Duration `yaml:"jitter" json:"jitter"`
	HTTPTimeout time.Duration `yaml:"http_timeout" json:"http_timeout"`

	// MetricsTextfile, when set, receives the run's metrics in Prometheus
	// text format after every command.
	MetricsTextfile string `yaml:"metrics_textfile" json:"metrics_textfile"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	cfg := defaults()
	cfg.DerivePaths()
	return cfg
}

// defaults returns the default values with paths still underived, so a data
// directory set later moves every other path along with it.
func defaults() *Config {
	return &Config{
		DataDir:       "data",
		BaseURL:       DefaultBaseURL,
		UserAgent:     DefaultUserAgent,
		Buyer:         DefaultBuyer,
		PackageSuffix: DefaultPackageSuffix,
		Pause:         DefaultPause,
		Jitter:        DefaultJitter,
		HTTPTimeout:   DefaultHTTPTimeout,
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty), a .env file in the working directory if present, and the
// OCDSLAKE_* environment.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}

	cfg.DerivePaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays OCDSLAKE_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"DATA_DIR":         &c.DataDir,
		"BACKUPS_DIR":      &c.BackupsDir,
		"LOGS_DIR":         &c.LogsDir,
		"MANIFEST_PATH":    &c.ManifestPath,
		"CHANGELOG_PATH":   &c.ChangelogPath,
		"SERVED_STORE":     &c.ServedStore,
		"STAGING_STORE":    &c.StagingStore,
		"LOCK_PATH":        &c.LockPath,
		"BASE_URL":         &c.BaseURL,
		"USER_AGENT":       &c.UserAgent,
		"BUYER":            &c.Buyer,
		"PACKAGE_SUFFIX":   &c.PackageSuffix,
		"METRICS_TEXTFILE": &c.MetricsTextfile,
	}
	for name, dst := range strs {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"PAUSE":        &c.Pause,
		"JITTER":       &c.Jitter,
		"HTTP_TIMEOUT": &c.HTTPTimeout,
	}
	for name, dst := range durations {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			continue
		}
		d, err := ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = d
	}
	return nil
}

// yamlDurationKeys are the YAML keys decoded with ParseDuration.
var yamlDurationKeys = map[string]bool{"pause": true, "jitter": true, "http_timeout": true}

// UnmarshalYAML decodes the file layer. Duration keys accept the same forms
// as the environment, so "pause: 15" means fifteen seconds.
func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(node.Content); i += 2 {
			key, val := node.Content[i], node.Content[i+1]
			if !yamlDurationKeys[key.Value] || val.Kind != yaml.ScalarNode {
				continue
			}
			d, err := ParseDuration(val.Value)
			if err != nil {
				return fmt.Errorf("line %d: %s: %w", val.Line, key.Value, err)
			}
			val.Tag = "!!str"
			val.Value = d.String()
		}
	}
	type plain Config
	return node.Decode((*plain)(c))
}

// ParseDuration accepts Go durations ("15s") and bare seconds ("15", "2.5").
func ParseDuration(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// DerivePaths fills every empty path from DataDir.
func (c *Config) DerivePaths() {
	derive := func(dst *string, name string) {
		if *dst == "" {
			*dst = filepath.Join(c.DataDir, name)
		}
	}
	derive(&c.BackupsDir, "backups")
	derive(&c.LogsDir, "logs")
	derive(&c.ManifestPath, "ingest_manifest.json")
	derive(&c.ChangelogPath, "data_changelog.md")
	derive(&c.ServedStore, "lake.db")
	derive(&c.StagingStore, "lake_next.db")
	derive(&c.LockPath, ".download.lock")
}

// Validate checks the configuration against the embedded CUE schema.
func (c *Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE)
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	val := ctx.Encode(c)
	if err := val.Err(); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	def := schema.LookupPath(cue.ParsePath("#Config"))
	if err := def.Unify(val).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.ServedStore == c.StagingStore {
		return errors.New("invalid config: served_store and staging_store must differ")
	}
	return nil
}

// Warnings reports suspicious but legal settings.
func (c *Config) Warnings() []string {
	var warnings []string
	if !norm.NFC.IsNormalString(c.Buyer) {
		warnings = append(warnings, fmt.Sprintf(
			"buyer %q is not NFC-normalized; exact matching against published names may find nothing", c.Buyer))
	}
	return warnings
}

// PackageFilename is the on-disk name of month m's package.
func (c *Config) PackageFilename(m period.Month) string {
	return m.String() + c.PackageSuffix
}

// PackagePath is the full path of month m's package.
func (c *Config) PackagePath(m period.Month) string {
	return filepath.Join(c.DataDir, c.PackageFilename(m))
}

// PackageURL is the upstream location of month m's package.
func (c *Config) PackageURL(m period.Month) string {
	return fmt.Sprintf("%s/%d/%d", c.BaseURL, m.Year, int(m.Month))
}

// StagingLockPath guards the staging store against concurrent writers.
func (c *Config) StagingLockPath() string {
	return c.StagingStore + ".lock"
}

// LogFile is the pipeline's append-only run log.
func (c *Config) LogFile() string {
	return filepath.Join(c.LogsDir, "ocdslake.log")
}
