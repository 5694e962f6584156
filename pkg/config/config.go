// Package config loads the controller configuration file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"time"

	"github.com/ktlcove/kube-endpoints-controller/pkg/hook"
	"github.com/ktlcove/kube-endpoints-controller/pkg/resolver"
	log "github.com/sirupsen/logrus"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"
)

const (
	// PathEnv overrides DefaultPath when no path is given on the command line.
	PathEnv     = "KUBE_ENDPOINT_CONTROLLER_CFG_PATH"
	DefaultPath = "/etc/kube-endpoints-controller/cfg.yaml"

	defaultResyncPeriod = 5 * time.Minute
)

// HookConfig declares one hook instance.
type HookConfig struct {
	Name   string         `json:"name"`
	Type   string         `json:"type"`
	Args   []any          `json:"args,omitempty"`
	Kwargs map[string]any `json:"kwargs,omitempty"`
}

type Config struct {
	ClusterName               string            `json:"clusterName"`
	Namespaces                []string          `json:"namespaces"`
	ExcludeNamespaces         []string          `json:"excludeNamespaces"`
	NamespaceLabelSelector    map[string]string `json:"namespaceLabelSelector,omitempty"`
	ServiceLabelSelector      map[string]string `json:"serviceLabelSelector,omitempty"`
	ServicePortNameDefault    string            `json:"servicePortNameDefault"`
	ServicePortNameAnnotation string            `json:"servicePortNameAnnotation"`
	IgnoreHeadlessService     bool              `json:"ignoreHeadlessService"`
	ReflectorHooks            []HookConfig      `json:"reflectorHooks,omitempty"`
	// ResyncPeriod replays every Endpoints as RECOVERY. Zero disables it.
	ResyncPeriod metav1.Duration `json:"resyncPeriod"`
	MaxInFlight  int64           `json:"maxInFlight"`
}

// Default returns the configuration used for every key the file omits.
func Default() *Config {
	return &Config{
		ClusterName:               "default",
		Namespaces:                []string{".*"},
		ExcludeNamespaces:         []string{"kube-system"},
		ServicePortNameDefault:    "http",
		ServicePortNameAnnotation: "endpointController.portName",
		IgnoreHeadlessService:     true,
		ResyncPeriod:              metav1.Duration{Duration: defaultResyncPeriod},
		MaxInFlight:               64,
	}
}

// ResolvePath picks the configuration path: the explicit path if set, then
// the PathEnv environment variable, then DefaultPath.
func ResolvePath(path string) string {
	if path != "" {
		return path
	}
	if env := os.Getenv(PathEnv); env != "" {
		return env
	}
	return DefaultPath
}

// Load reads the YAML file at path over the defaults. A missing file yields
// the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Infof("config file %s not found, using defaults", path)
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	if err := Parse(data, cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data into cfg, rejecting unknown keys, and validates the
// result.
func Parse(data []byte, cfg *Config) error {
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return err
	}
	return cfg.Validate()
}

func (c *Config) Validate() error {
	if c.ClusterName == "" {
		return errors.New("clusterName must not be empty")
	}
	for _, expr := range c.Namespaces {
		if _, err := regexp.Compile(expr); err != nil {
			return fmt.Errorf("invalid namespaces pattern %q: %w", expr, err)
		}
	}
	if c.ServicePortNameDefault == "" {
		return errors.New("servicePortNameDefault must not be empty")
	}
	if c.ResyncPeriod.Duration < 0 {
		return fmt.Errorf("resyncPeriod must not be negative, got %s", c.ResyncPeriod.Duration)
	}
	if c.MaxInFlight < 0 {
		return fmt.Errorf("maxInFlight must not be negative, got %d", c.MaxInFlight)
	}
	names := map[string]struct{}{}
	for i, h := range c.ReflectorHooks {
		if h.Name == "" || h.Type == "" {
			return fmt.Errorf("reflectorHooks[%d]: name and type are required", i)
		}
		if _, ok := names[h.Name]; ok {
			return fmt.Errorf("reflectorHooks[%d]: duplicate name %q", i, h.Name)
		}
		names[h.Name] = struct{}{}
	}
	return nil
}

// Policy returns the service selection policy.
func (c *Config) Policy() resolver.Policy {
	return resolver.Policy{
		Namespaces:             c.Namespaces,
		ExcludeNamespaces:      c.ExcludeNamespaces,
		NamespaceLabelSelector: c.NamespaceLabelSelector,
		ServiceLabelSelector:   c.ServiceLabelSelector,
		DefaultPortName:        c.ServicePortNameDefault,
		PortNameKey:            c.ServicePortNameAnnotation,
		IgnoreHeadless:         c.IgnoreHeadlessService,
	}
}

// Hooks returns the hook declarations in configuration order.
func (c *Config) Hooks() []hook.Declaration {
	decls := make([]hook.Declaration, 0, len(c.ReflectorHooks))
	for _, h := range c.ReflectorHooks {
		decls = append(decls, hook.Declaration{
			Name:   h.Name,
			Type:   h.Type,
			Args:   h.Args,
			Kwargs: h.Kwargs,
		})
	}
	return decls
}

// Resync is the informer resync period.
func (c *Config) Resync() time.Duration {
	return c.ResyncPeriod.Duration
}
