package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var (
	envVarPattern   = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)
	sqlIdentPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// Load reads, interpolates, defaults and validates the configuration at configPath.
// A directory is accepted and resolved to config.yaml inside it.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", absPath, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.SourcePath = absPath
	cfg.Fingerprint = Fingerprint(data)
	return cfg, nil
}

// Parse decodes YAML over Defaults() and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()

	dec := yaml.NewDecoder(bytes.NewReader([]byte(interpolateEnv(string(data)))))
	dec.KnownFields(true)
	// An empty document decodes to io.EOF and leaves pure defaults.
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Discover finds the config file by checking standard locations.
// Priority order: $ZM_ARCHIVER_CONFIG, ~/.config/zm-archiver/config.yaml, /etc/zm-archiver/config.yaml, ./config.yaml
func Discover() (string, error) {
	if p := os.Getenv("ZM_ARCHIVER_CONFIG"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfig := filepath.Join(homeDir, ".config", "zm-archiver", "config.yaml")
		if _, err := os.Stat(userConfig); err == nil {
			return userConfig, nil
		}
	}

	systemConfig := "/etc/zm-archiver/config.yaml"
	if _, err := os.Stat(systemConfig); err == nil {
		return systemConfig, nil
	}

	if _, err := os.Stat("./config.yaml"); err == nil {
		return "./config.yaml", nil
	}

	return "", fmt.Errorf("no config found (checked: $ZM_ARCHIVER_CONFIG, ~/.config/zm-archiver/config.yaml, /etc/zm-archiver/config.yaml, ./config.yaml)")
}

// BackupRoot is the directory on the mounted volume holding archived collections.
func (c *Config) BackupRoot() string {
	return filepath.Join(c.Volume.MountPoint, c.Stores.BackupSubdir)
}

// interpolateEnv replaces ${VAR} with its environment value.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Left in place; validate rejects it.
		return match
	})
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("sqlident", func(fl validator.FieldLevel) bool {
		return sqlIdentPattern.MatchString(fl.Field().String())
	})
	return v
}

// validate runs struct tag validation followed by cross-field checks.
func validate(cfg *Config) error {
	if err := newValidator().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q (got %v)", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag(), fe.Value()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}

	if cfg.Retention.DeleteDays <= cfg.Retention.KeepDays {
		return fmt.Errorf("retention.delete_days (%d) must be greater than retention.keep_days (%d)",
			cfg.Retention.DeleteDays, cfg.Retention.KeepDays)
	}

	for _, s := range []struct{ name, value string }{
		{"volume.uuid", cfg.Volume.UUID},
		{"volume.mount_point", cfg.Volume.MountPoint},
		{"stores.active", cfg.Stores.Active},
		{"lock.path", cfg.Lock.Path},
		{"state.path", cfg.State.Path},
		{"size_index.path", cfg.SizeIndex.Path},
	} {
		if envVarPattern.MatchString(s.value) {
			return fmt.Errorf("%s references an unset environment variable: %s", s.name, s.value)
		}
	}

	if !filepath.IsAbs(cfg.Volume.MountPoint) {
		return fmt.Errorf("volume.mount_point must be absolute (got %q)", cfg.Volume.MountPoint)
	}
	if strings.Contains(cfg.Stores.BackupSubdir, "..") {
		return fmt.Errorf("stores.backup_subdir must stay under the mount point (got %q)", cfg.Stores.BackupSubdir)
	}
	for _, c := range cfg.Stores.Collections {
		if c == "" || strings.ContainsRune(c, filepath.Separator) {
			return fmt.Errorf("stores.collections contains invalid name %q", c)
		}
	}
	return nil
}
