package config

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"quota-gate/internal/common/errors"
	"quota-gate/internal/common/validation"
	"quota-gate/internal/ratelimit"
)

// Route maps a path prefix to an upstream behind an ordered limiter chain.
type Route struct {
	Prefix    string   `yaml:"prefix" validate:"required,route_prefix"`
	Upstream  string   `yaml:"upstream" validate:"required,url"`
	Chain     []string `yaml:"chain" validate:"min=1,dive,required"`
	TimeoutMS int      `yaml:"timeout_ms" validate:"gte=0"`
	// StripPrefix removes Prefix from the path before forwarding.
	StripPrefix bool `yaml:"strip_prefix"`
}

// Timeout returns the upstream timeout
func (r Route) Timeout() time.Duration {
	return time.Duration(r.TimeoutMS) * time.Millisecond
}

// Limits is the content of LIMITS_FILE.
type Limits struct {
	Categories []ratelimit.Config `yaml:"categories" validate:"min=1,dive"`
	Routes     []Route            `yaml:"routes" validate:"dive"`
}

// LoadLimits reads and validates the limits file. An empty path returns DefaultLimits.
func LoadLimits(path string) (*Limits, error) {
	if path == "" {
		return DefaultLimits(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.ConfigError(fmt.Sprintf("failed to read limits file %s", path)).WithContext("cause", err.Error())
	}
	return ParseLimits(data)
}

// ParseLimits decodes a YAML limits document, fills defaults and validates it.
func ParseLimits(data []byte) (*Limits, error) {
	var limits Limits
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&limits); err != nil {
		if stderrors.Is(err, io.EOF) {
			return nil, errors.ConfigError("limits file is empty")
		}
		return nil, errors.ConfigError("invalid limits file").WithContext("cause", err.Error())
	}

	limits.applyDefaults()
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	return &limits, nil
}

func (l *Limits) applyDefaults() {
	for i := range l.Categories {
		if l.Categories[i].KeyStrategy == "" {
			l.Categories[i].KeyStrategy = defaultStrategy(l.Categories[i].Name)
		}
	}
	for i := range l.Routes {
		if l.Routes[i].TimeoutMS == 0 {
			l.Routes[i].TimeoutMS = 3000
		}
	}
}

func defaultStrategy(category string) string {
	if category == ratelimit.StrategyGlobal {
		return ratelimit.StrategyGlobal
	}
	return ratelimit.StrategyIP
}

// Validate checks field rules and cross references: category names are
// unique, route prefixes are unique and every chain entry names a category.
func (l *Limits) Validate() error {
	if err := validation.Default().Struct(l); err != nil {
		return errors.ConfigError("invalid limits file: " + errors.Message(err))
	}

	categories := make(map[string]bool, len(l.Categories))
	for _, c := range l.Categories {
		if err := c.Validate(); err != nil {
			return err
		}
		if categories[c.Name] {
			return errors.ConfigError(fmt.Sprintf("duplicate category %q", c.Name))
		}
		categories[c.Name] = true
	}

	prefixes := make(map[string]bool, len(l.Routes))
	for _, r := range l.Routes {
		if prefixes[r.Prefix] {
			return errors.ConfigError(fmt.Sprintf("duplicate route prefix %q", r.Prefix))
		}
		prefixes[r.Prefix] = true

		for _, name := range r.Chain {
			if !categories[name] {
				return errors.ConfigError(fmt.Sprintf("route %s: chain references unknown category %q", r.Prefix, name))
			}
		}
	}

	return nil
}

// DefaultLimits are used when no limits file is configured.
func DefaultLimits() *Limits {
	limits := &Limits{
		Categories: []ratelimit.Config{
			{Name: "global", Points: 10000, WindowSeconds: 60, KeyStrategy: ratelimit.StrategyGlobal},
			{Name: "ip", Points: 300, WindowSeconds: 60, BlockSeconds: 60, KeyStrategy: ratelimit.StrategyIP},
			{Name: "auth", Points: 5, WindowSeconds: 900, BlockSeconds: 900, KeyStrategy: ratelimit.StrategyIP},
			{Name: "trading", Points: 30, WindowSeconds: 60, BlockSeconds: 300, KeyStrategy: ratelimit.StrategyUser},
			{Name: "market-data", Points: 120, WindowSeconds: 60, KeyStrategy: ratelimit.StrategyIP},
			{Name: "portfolio", Points: 60, WindowSeconds: 60, BlockSeconds: 60, KeyStrategy: ratelimit.StrategyUser},
			{Name: "user", Points: 100, WindowSeconds: 60, BlockSeconds: 60, KeyStrategy: ratelimit.StrategyUser},
			{Name: "api-key", Points: 1000, WindowSeconds: 3600, KeyStrategy: ratelimit.StrategyAPIKey},
		},
		Routes: []Route{
			{Prefix: "/api/auth", Upstream: "http://localhost:3001", Chain: []string{"global", "ip", "auth"}},
			{Prefix: "/api/trading", Upstream: "http://localhost:3002", Chain: []string{"global", "ip", "trading"}},
			{Prefix: "/api/market-data", Upstream: "http://localhost:3003", Chain: []string{"global", "ip", "market-data"}},
			{Prefix: "/api/portfolio", Upstream: "http://localhost:3004", Chain: []string{"global", "ip", "portfolio"}},
			{Prefix: "/api/user", Upstream: "http://localhost:3005", Chain: []string{"global", "ip", "user"}},
		},
	}
	limits.applyDefaults()
	return limits
}
