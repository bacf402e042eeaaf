package config

import (
	"strings"

	"github.com/spf13/pflag"
)

// Overrides carries command line values that win over file and env settings.
type Overrides struct {
	ConfigFile    string
	Root          string
	HTTPAddr      string
	DBDriver      string
	DBDSN         string
	AssistantName string
	Runtime       string
}

func RegisterFlags(fs *pflag.FlagSet) *Overrides {
	o := &Overrides{}
	fs.StringVarP(&o.ConfigFile, "config", "c", "", "path to config.yaml (default <root>/config.yaml)")
	fs.StringVar(&o.Root, "root", "", "state directory holding data/, groups/ and store/")
	fs.StringVar(&o.HTTPAddr, "http-addr", "", "listen address for the local chat HTTP surface")
	fs.StringVar(&o.DBDriver, "db-driver", "", "store driver: sqlite or postgres")
	fs.StringVar(&o.DBDSN, "db-dsn", "", "store DSN or sqlite file path")
	fs.StringVar(&o.AssistantName, "assistant-name", "", "assistant display name used by the default trigger")
	fs.StringVar(&o.Runtime, "sandbox-runtime", "", "sandbox runtime: docker, podman, container or local")
	return o
}

// Load layers defaults, the YAML file, environment and command line overrides.
func Load(o *Overrides) (Config, error) {
	if o == nil {
		o = &Overrides{}
	}

	root := strings.TrimSpace(o.Root)
	if root == "" {
		root = EnvOrDefault(EnvRoot, DefaultRoot())
	}
	root = ResolvePath("", root)
	cfg := Defaults(root)

	explicit := strings.TrimSpace(o.ConfigFile)
	if explicit == "" {
		explicit = EnvString(EnvConfigFile)
	}
	fileCfg, err := loadFileConfig(root, explicit)
	if err != nil {
		return Config{}, err
	}
	if err := applyYAML(&cfg, fileCfg); err != nil {
		return Config{}, err
	}
	applyEnv(&cfg)
	applyOverrides(&cfg, o)
	return cfg, nil
}

func applyOverrides(cfg *Config, o *Overrides) {
	if value := strings.TrimSpace(o.HTTPAddr); value != "" {
		cfg.HTTPAddr = value
	}
	if value := strings.TrimSpace(o.DBDriver); value != "" {
		cfg.DBDriver = strings.ToLower(value)
	}
	if value := strings.TrimSpace(o.DBDSN); value != "" {
		cfg.DBDSN = value
	}
	if value := strings.TrimSpace(o.AssistantName); value != "" {
		cfg.AssistantName = value
	}
	if value := strings.TrimSpace(o.Runtime); value != "" {
		cfg.Sandbox.Runtime = strings.ToLower(value)
	}
}
