// Package config loads the optional cvsession.yaml file and resolves the
// values a session host needs, filling gaps from the project's go.mod.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/mod/modfile"
	"golang.org/x/mod/module"
	"gopkg.in/yaml.v3"

	"github.com/go-drift/cvsession/pkg/permission"
	"github.com/go-drift/cvsession/pkg/platform"
	"github.com/go-drift/cvsession/pkg/session"
	"github.com/go-drift/cvsession/pkg/vision"
)

// FileName is the configuration file looked up in the project root.
const FileName = "cvsession.yaml"

// Config represents the optional cvsession.yaml configuration.
type Config struct {
	App         AppConfig      `yaml:"app"`
	Permissions []string       `yaml:"permissions,omitempty"`
	RequestCode int            `yaml:"request_code,omitempty"`
	Retry       RetryConfig    `yaml:"retry"`
	Vision      VisionConfig   `yaml:"vision"`
	Timeouts    TimeoutsConfig `yaml:"timeouts"`
}

// AppConfig contains application metadata.
type AppConfig struct {
	Name string `yaml:"name,omitempty"`
	ID   string `yaml:"id,omitempty"`
}

// RetryConfig bounds permission re-requests. Zero means unbounded.
type RetryConfig struct {
	MaxAttempts int `yaml:"max_attempts,omitempty"`
}

// VisionConfig selects what the session observes and how it talks to the
// provider.
type VisionConfig struct {
	Aspects    []string `yaml:"aspects,omitempty"`
	MinVersion string   `yaml:"min_version,omitempty"`
	Codec      string   `yaml:"codec,omitempty"`
}

// TimeoutsConfig holds durations in time.ParseDuration syntax.
type TimeoutsConfig struct {
	Metadata string `yaml:"metadata,omitempty"`
}

// Resolved contains resolved configuration values.
type Resolved struct {
	Root            string
	ModulePath      string
	AppName         string
	AppID           string
	Permissions     permission.Set
	RequestCode     int
	MaxRetries      int
	Aspects         vision.AspectSet
	MinVersion      string
	CodecName       string
	Codec           platform.MessageCodec
	MetadataTimeout time.Duration
}

// LoadOptional reads cvsession.yaml from dir if present.
func LoadOptional(dir string) (*Config, error) {
	cfg, err := LoadFile(filepath.Join(dir, FileName))
	if errors.Is(err, os.ErrNotExist) {
		return &Config{}, nil
	}
	return cfg, err
}

// LoadFile reads the configuration at path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return &cfg, nil
}

// Resolve loads cvsession.yaml (if present) from dir and resolves defaults.
func Resolve(dir string) (*Resolved, error) {
	cfg, err := LoadOptional(dir)
	if err != nil {
		return nil, err
	}
	return ResolveConfig(dir, cfg)
}

// ResolveConfig validates cfg and fills defaults. A missing go.mod in dir
// is tolerated; the directory name then stands in for the module.
func ResolveConfig(dir string, cfg *Config) (*Resolved, error) {
	modulePath, err := modulePath(dir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	appName := strings.TrimSpace(cfg.App.Name)
	if appName == "" {
		appName = defaultAppName(modulePath, dir)
	}

	appID := strings.TrimSpace(cfg.App.ID)
	if appID == "" {
		appID = defaultAppID(modulePath, appName)
	}
	if err := validateAppID(appID); err != nil {
		return nil, err
	}

	perms := permission.DefaultSet()
	if len(cfg.Permissions) > 0 {
		perms = make(permission.Set, 0, len(cfg.Permissions))
		for _, p := range cfg.Permissions {
			if p = strings.TrimSpace(p); p == "" {
				return nil, fmt.Errorf("permissions contains an empty entry")
			}
			perms = append(perms, p)
		}
	}

	requestCode := cfg.RequestCode
	if requestCode == 0 {
		requestCode = permission.DefaultRequestCode
	}
	if requestCode < 0 {
		return nil, fmt.Errorf("request_code must be positive (got %d)", requestCode)
	}

	if cfg.Retry.MaxAttempts < 0 {
		return nil, fmt.Errorf("retry.max_attempts must not be negative (got %d)", cfg.Retry.MaxAttempts)
	}

	aspects := vision.DefaultAspects()
	if len(cfg.Vision.Aspects) > 0 {
		aspects = vision.NewAspectSet()
		for _, name := range cfg.Vision.Aspects {
			a, err := vision.ParseAspect(strings.TrimSpace(name))
			if err != nil {
				return nil, fmt.Errorf("vision.aspects: %w", err)
			}
			aspects[a] = struct{}{}
		}
	}

	minVersion := strings.TrimSpace(cfg.Vision.MinVersion)
	if minVersion != "" {
		if _, err := vision.ParseVersion(minVersion); err != nil {
			return nil, fmt.Errorf("vision.min_version: %w", err)
		}
	}

	codecName := strings.ToLower(strings.TrimSpace(cfg.Vision.Codec))
	if codecName == "" {
		codecName = "json"
	}
	codec, err := platform.CodecByName(codecName)
	if err != nil {
		return nil, fmt.Errorf("vision.codec: %w", err)
	}

	timeout := session.DefaultMetadataTimeout
	if raw := strings.TrimSpace(cfg.Timeouts.Metadata); raw != "" {
		timeout, err = time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("timeouts.metadata: %w", err)
		}
		if timeout <= 0 {
			return nil, fmt.Errorf("timeouts.metadata must be positive (got %s)", raw)
		}
	}

	return &Resolved{
		Root:            dir,
		ModulePath:      modulePath,
		AppName:         appName,
		AppID:           appID,
		Permissions:     perms,
		RequestCode:     requestCode,
		MaxRetries:      cfg.Retry.MaxAttempts,
		Aspects:         aspects,
		MinVersion:      minVersion,
		CodecName:       codecName,
		Codec:           codec,
		MetadataTimeout: timeout,
	}, nil
}

// FindProjectRoot walks up from the current directory to find go.mod.
func FindProjectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("not in a Go module (no go.mod found)")
		}
		dir = parent
	}
}

func modulePath(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, "go.mod"))
	if err != nil {
		return "", fmt.Errorf("failed to read go.mod: %w", err)
	}
	path := modfile.ModulePath(data)
	if path == "" {
		return "", fmt.Errorf("could not determine module path from go.mod")
	}
	return path, nil
}

func defaultAppName(modulePath, dir string) string {
	base := filepath.Base(dir)
	if modulePath != "" {
		if modName, _, ok := module.SplitPathVersion(modulePath); ok {
			parts := strings.Split(modName, "/")
			base = parts[len(parts)-1]
		}
	}
	if base == "" || base == "." || base == string(filepath.Separator) {
		return "cvsession"
	}
	return base
}

func defaultAppID(modulePath, appName string) string {
	parts := strings.Split(modulePath, "/")
	if len(parts) < 2 || !strings.Contains(parts[0], ".") {
		return fmt.Sprintf("com.example.%s", sanitizeSegment(appName, false))
	}

	host := strings.Split(parts[0], ".")
	for i, j := 0, len(host)-1; i < j; i, j = i+1, j-1 {
		host[i], host[j] = host[j], host[i]
	}

	segments := host
	for _, p := range parts[1:] {
		if p != "" {
			segments = append(segments, p)
		}
	}
	for i, segment := range segments {
		segments[i] = sanitizeSegment(segment, false)
	}
	return strings.Join(segments, ".")
}

// sanitizeSegment lowercases segment and drops characters that are not
// valid in an application id.
func sanitizeSegment(segment string, allowLeadingDigit bool) string {
	var out []rune
	for _, r := range strings.TrimSpace(segment) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			out = append(out, r)
		case r >= 'A' && r <= 'Z':
			out = append(out, r+('a'-'A'))
		}
	}
	for len(out) > 0 && out[0] == '_' {
		out = out[1:]
	}
	if len(out) == 0 {
		out = []rune("app")
	}
	if !allowLeadingDigit && out[0] >= '0' && out[0] <= '9' {
		out = append([]rune{'a'}, out...)
	}
	return string(out)
}

func validateAppID(appID string) error {
	if !strings.Contains(appID, ".") {
		return fmt.Errorf("app.id must contain at least one '.' (got %q)", appID)
	}
	for _, segment := range strings.Split(appID, ".") {
		if segment == "" {
			return fmt.Errorf("app.id contains an empty segment (%q)", appID)
		}
		if segment[0] >= '0' && segment[0] <= '9' {
			return fmt.Errorf("app.id segments cannot start with a digit (%q)", appID)
		}
		if segment[0] == '_' {
			return fmt.Errorf("app.id segments cannot start with '_' (%q)", appID)
		}
		for _, r := range segment {
			if !(r == '_' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9') {
				return fmt.Errorf("app.id contains invalid character %q in %q", r, appID)
			}
		}
	}
	return nil
}
