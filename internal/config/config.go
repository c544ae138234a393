// Package config loads the host configuration from an HCL file and
// resolves it into a validated runtime form.
//
// The file form mirrors the device's deployment surface:
//
//	device {
//	  id = env.DEVICE_ID
//	}
//
//	server {
//	  url = "https://updates.example.com"
//	}
//
//	ota {
//	  trust_key_file          = "/etc/modhost/trust.pem"
//	  check_interval_seconds  = 30
//	}
//
//	storage {
//	  data_dir = "/var/lib/modhost"
//	}
//
//	module "speed_governor" {}
//
// Every block is optional and absent values fall back to defaults, with
// one exception: the configuration must either name a trust key file or
// explicitly opt in to placeholder signatures.
package config

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/spf13/afero"
	"github.com/zclconf/go-cty/cty"
)

// Default values applied when the file omits a setting.
const (
	DefaultServerURL     = "http://localhost:8000"
	DefaultDataDir       = "data"
	DefaultModulesDir    = "data/modules"
	DefaultCheckInterval = 30 * time.Second
	DefaultHTTPTimeout   = 30 * time.Second
	DefaultMemoryBudget  = 512 * 1024
)

// Config is the resolved runtime configuration.
type Config struct {
	DeviceID string

	ServerURL    string
	ManifestPath string
	ObjectPath   string
	HTTPTimeout  time.Duration

	CheckInterval time.Duration
	SuccessDwell  time.Duration
	FailureDwell  time.Duration
	TrustKey      ed25519.PublicKey

	// AllowPlaceholderSignature enables the development escape hatch that
	// accepts the literal placeholder signature. Never set in production.
	AllowPlaceholderSignature bool

	DataDir    string
	ModulesDir string

	// MemoryBudget is the executable-memory budget in bytes shared by
	// all loaded modules.
	MemoryBudget int64

	// Modules are the module identifiers loaded at boot, in file order.
	Modules []string
}

type fileConfig struct {
	Device  *deviceBlock  `hcl:"device,block"`
	Server  *serverBlock  `hcl:"server,block"`
	OTA     *otaBlock     `hcl:"ota,block"`
	Storage *storageBlock `hcl:"storage,block"`
	Modules []moduleBlock `hcl:"module,block"`
}

type deviceBlock struct {
	ID string `hcl:"id,optional"`
}

type serverBlock struct {
	URL          string `hcl:"url,optional"`
	ManifestPath string `hcl:"manifest_path,optional"`
	ObjectPath   string `hcl:"object_path,optional"`
	TimeoutSecs  int    `hcl:"timeout_seconds,optional"`
}

type otaBlock struct {
	TrustKeyFile      string `hcl:"trust_key_file,optional"`
	AllowPlaceholder  bool   `hcl:"allow_placeholder_signature,optional"`
	CheckIntervalSecs int    `hcl:"check_interval_seconds,optional"`
	SuccessDwellSecs  int    `hcl:"success_dwell_seconds,optional"`
	FailureDwellSecs  int    `hcl:"failure_dwell_seconds,optional"`
}

type storageBlock struct {
	DataDir      string `hcl:"data_dir,optional"`
	ModulesDir   string `hcl:"modules_dir,optional"`
	MemoryBudget int64  `hcl:"memory_budget,optional"`
}

type moduleBlock struct {
	Name string `hcl:"name,label"`
}

// Load parses and resolves the configuration at path. An empty path
// returns pure defaults.
func Load(fs afero.Fs, path string) (*Config, error) {
	var fc fileConfig
	if path != "" {
		src, err := afero.ReadFile(fs, path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		file, diags := hclsyntax.ParseConfig(src, path, hcl.InitialPos)
		if diags.HasErrors() {
			return nil, fmt.Errorf("config: parse %s: %w", path, diags)
		}
		if diags := gohcl.DecodeBody(file.Body, evalContext(), &fc); diags.HasErrors() {
			return nil, fmt.Errorf("config: decode %s: %w", path, diags)
		}
	}
	return resolve(fs, &fc)
}

// evalContext exposes the process environment as env.<NAME> so files can
// reference deployment-specific values without templating.
func evalContext() *hcl.EvalContext {
	vals := map[string]cty.Value{}
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		vals[k] = cty.StringVal(v)
	}
	env := cty.EmptyObjectVal
	if len(vals) > 0 {
		env = cty.ObjectVal(vals)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"env": env},
	}
}

func resolve(fs afero.Fs, fc *fileConfig) (*Config, error) {
	cfg := &Config{
		ServerURL:     DefaultServerURL,
		HTTPTimeout:   DefaultHTTPTimeout,
		CheckInterval: DefaultCheckInterval,
		DataDir:       DefaultDataDir,
		ModulesDir:    DefaultModulesDir,
		MemoryBudget:  DefaultMemoryBudget,
	}

	if d := fc.Device; d != nil {
		cfg.DeviceID = d.ID
	}
	if cfg.DeviceID == "" {
		cfg.DeviceID = "dev-" + uuid.NewString()
	}

	if s := fc.Server; s != nil {
		if s.URL != "" {
			cfg.ServerURL = s.URL
		}
		cfg.ManifestPath = s.ManifestPath
		cfg.ObjectPath = s.ObjectPath
		if s.TimeoutSecs > 0 {
			cfg.HTTPTimeout = time.Duration(s.TimeoutSecs) * time.Second
		}
	}

	if o := fc.OTA; o != nil {
		cfg.AllowPlaceholderSignature = o.AllowPlaceholder
		if o.CheckIntervalSecs > 0 {
			cfg.CheckInterval = time.Duration(o.CheckIntervalSecs) * time.Second
		}
		if o.SuccessDwellSecs > 0 {
			cfg.SuccessDwell = time.Duration(o.SuccessDwellSecs) * time.Second
		}
		if o.FailureDwellSecs > 0 {
			cfg.FailureDwell = time.Duration(o.FailureDwellSecs) * time.Second
		}
		if o.TrustKeyFile != "" {
			key, err := loadTrustKey(fs, o.TrustKeyFile)
			if err != nil {
				return nil, err
			}
			cfg.TrustKey = key
		}
	}

	if st := fc.Storage; st != nil {
		if st.DataDir != "" {
			cfg.DataDir = st.DataDir
		}
		if st.ModulesDir != "" {
			cfg.ModulesDir = st.ModulesDir
		}
		if st.MemoryBudget > 0 {
			cfg.MemoryBudget = st.MemoryBudget
		}
	}

	seen := map[string]bool{}
	for _, m := range fc.Modules {
		if m.Name == "" {
			return nil, fmt.Errorf("config: module block with empty name")
		}
		if seen[m.Name] {
			return nil, fmt.Errorf("config: duplicate module %q", m.Name)
		}
		seen[m.Name] = true
		cfg.Modules = append(cfg.Modules, m.Name)
	}

	if cfg.TrustKey == nil && !cfg.AllowPlaceholderSignature {
		return nil, fmt.Errorf("config: no trust key configured and placeholder signatures disabled")
	}
	return cfg, nil
}

// loadTrustKey reads a PEM-encoded PKIX ed25519 public key.
func loadTrustKey(fs afero.Fs, path string) (ed25519.PublicKey, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("config: read trust key %s: %w", path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("config: trust key %s: no PEM block", path)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("config: trust key %s: %w", path, err)
	}
	key, ok := pub.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("config: trust key %s: not an ed25519 key", path)
	}
	return key, nil
}
