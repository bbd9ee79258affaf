package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/3leaps/simrunner/pkg/scheduler"
)

// Identity names the application for env vars, config files, and data
// directories.
type Identity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

// DefaultIdentity is the simrunner identity.
var DefaultIdentity = Identity{
	BinaryName: "simrunner",
	EnvPrefix:  "SIMRUNNER",
	ConfigName: "simrunner",
}

// EnvSpec maps one environment variable to a config path.
type EnvSpec struct {
	Name string
	Path string
}

var (
	configMu    sync.RWMutex
	appIdentity *Identity
	appConfig   *Config
	configFile  string
)

// SetConfigFile forces Load to read path instead of searching. An empty
// path restores the search.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = path
}

// GetConfig returns the most recently loaded config, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Load builds the configuration. Each override map is nested like the
// config file (e.g. {"server": {"port": 9001}}) and wins over every other
// source.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.Lock()
	if appIdentity == nil {
		id := DefaultIdentity
		appIdentity = &id
	}
	explicit := configFile
	configMu.Unlock()

	v := viper.New()
	setDefaults(v)

	if err := readConfigFile(v, explicit); err != nil {
		return nil, err
	}

	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		cancelPolicyHook(),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// DataDir is the application data directory.
func DataDir() string {
	return gfconfig.GetAppDataDir(DefaultIdentity.ConfigName)
}

func setDefaults(v *viper.Viper) {
	dataDir := DataDir()

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 9000)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "console")
	v.SetDefault("logging.file", "")

	v.SetDefault("engine.max_processes", 4)
	v.SetDefault("engine.workers", 0)
	v.SetDefault("engine.default_timeout", "600s")
	v.SetDefault("engine.default_memory_limit_mb", 0)
	v.SetDefault("engine.poll_interval", "500ms")
	v.SetDefault("engine.grace_period", "5s")
	v.SetDefault("engine.reap_interval", "30s")
	v.SetDefault("engine.spawn_rate", 0)
	v.SetDefault("engine.output_dir", filepath.Join(dataDir, "runs"))
	v.SetDefault("engine.cancel_policy", string(scheduler.PolicyContinue))
	v.SetDefault("engine.max_callback_failures", 3)
	v.SetDefault("engine.stderr_tail_lines", 20)

	v.SetDefault("ledger.kind", LedgerJSONL)
	v.SetDefault("ledger.path", filepath.Join(dataDir, "results.jsonl"))
	v.SetDefault("ledger.url", "")
	v.SetDefault("ledger.auth_token", "")

	v.SetDefault("archive.dir", "")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "")
	v.SetDefault("archive.region", "")
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("archive.profile", "")
	v.SetDefault("archive.access_key_id", "")
	v.SetDefault("archive.secret_access_key", "")
	v.SetDefault("archive.force_path_style", false)
	v.SetDefault("archive.max_retries", 3)
	v.SetDefault("archive.retry_interval", "500ms")
}

func readConfigFile(v *viper.Viper, explicit string) error {
	if explicit != "" {
		v.SetConfigFile(explicit)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", explicit, err)
		}
		return nil
	}

	v.SetConfigName(DefaultIdentity.ConfigName)
	v.SetConfigType("yaml")
	if root, err := findProjectRoot(); err == nil {
		v.AddConfigPath(root)
	}
	for _, p := range getUserConfigPaths() {
		v.AddConfigPath(p)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// getEnvSpecs lists the environment variables Load binds.
func getEnvSpecs() []EnvSpec {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil {
		return []EnvSpec{}
	}

	p := id.EnvPrefix + "_"
	specs := []EnvSpec{
		{p + "HOST", "server.host"},
		{p + "PORT", "server.port"},
		{p + "READ_TIMEOUT", "server.read_timeout"},
		{p + "WRITE_TIMEOUT", "server.write_timeout"},
		{p + "IDLE_TIMEOUT", "server.idle_timeout"},
		{p + "SHUTDOWN_TIMEOUT", "server.shutdown_timeout"},
		{p + "LOG_LEVEL", "logging.level"},
		{p + "LOG_PROFILE", "logging.profile"},
		{p + "LOG_FILE", "logging.file"},
		{p + "MAX_PROCESSES", "engine.max_processes"},
		{p + "WORKERS", "engine.workers"},
		{p + "DEFAULT_TIMEOUT", "engine.default_timeout"},
		{p + "DEFAULT_MEMORY_LIMIT_MB", "engine.default_memory_limit_mb"},
		{p + "POLL_INTERVAL", "engine.poll_interval"},
		{p + "GRACE_PERIOD", "engine.grace_period"},
		{p + "REAP_INTERVAL", "engine.reap_interval"},
		{p + "SPAWN_RATE", "engine.spawn_rate"},
		{p + "OUTPUT_DIR", "engine.output_dir"},
		{p + "CANCEL_POLICY", "engine.cancel_policy"},
		{p + "MAX_CALLBACK_FAILURES", "engine.max_callback_failures"},
		{p + "LEDGER_KIND", "ledger.kind"},
		{p + "LEDGER_PATH", "ledger.path"},
		{p + "LEDGER_URL", "ledger.url"},
		{p + "LEDGER_AUTH_TOKEN", "ledger.auth_token"},
		{p + "ARCHIVE_DIR", "archive.dir"},
		{p + "ARCHIVE_BUCKET", "archive.bucket"},
		{p + "ARCHIVE_PREFIX", "archive.prefix"},
		{p + "ARCHIVE_REGION", "archive.region"},
		{p + "ARCHIVE_ENDPOINT", "archive.endpoint"},
		{p + "ARCHIVE_PROFILE", "archive.profile"},
	}
	return specs
}

// getUserConfigPaths lists per-user directories searched for the config file.
func getUserConfigPaths() []string {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil {
		return []string{}
	}

	var paths []string
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, id.ConfigName))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, "."+id.ConfigName))
	}
	return paths
}

// ciBoundaryVars hold the workspace root on common CI systems.
var ciBoundaryVars = []string{"FULMEN_WORKSPACE_ROOT", "GITHUB_WORKSPACE", "CI_PROJECT_DIR", "WORKSPACE"}

// findProjectRoot walks up from the working directory to the nearest
// directory holding simrunner.yaml, go.mod, or .git. On CI the walk stops
// at the workspace root when one is advertised; otherwise it stops at the
// filesystem root and falls back to the working directory.
func findProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	boundary := ""
	if os.Getenv("CI") == "true" || os.Getenv("GITHUB_ACTIONS") == "true" {
		for _, name := range ciBoundaryVars {
			if b := ciBoundary(os.Getenv(name), cwd); b != "" {
				boundary = b
				break
			}
		}
	}

	markers := []string{DefaultIdentity.ConfigName + ".yaml", "go.mod", ".git"}
	dir := cwd
	for {
		for _, m := range markers {
			if _, err := os.Stat(filepath.Join(dir, m)); err == nil {
				return dir, nil
			}
		}
		if dir == boundary {
			return boundary, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return cwd, nil
}

// ciBoundary returns candidate when it is an existing absolute directory
// containing cwd.
func ciBoundary(candidate, cwd string) string {
	if candidate == "" || !filepath.IsAbs(candidate) {
		return ""
	}
	info, err := os.Stat(candidate)
	if err != nil || !info.IsDir() {
		return ""
	}
	rel, err := filepath.Rel(candidate, cwd)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return ""
	}
	return filepath.Clean(candidate)
}

func cancelPolicyHook() mapstructure.DecodeHookFuncType {
	target := reflect.TypeOf(scheduler.CancelPolicy(""))
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != target || from.Kind() != reflect.String {
			return data, nil
		}
		return scheduler.ParseCancelPolicy(reflect.ValueOf(data).String())
	}
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		key := strings.ToLower(k)
		if prefix != "" {
			key = prefix + "." + key
		}
		if nested, ok := m[k].(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = m[k]
	}
	return out
}
