package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment where stagefeed operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// RateSetting is an events-per-second limit that also accepts "unlimited".
type RateSetting struct {
	limited bool
	value   float64
}

// Unlimited returns a setting that admits every request.
func Unlimited() RateSetting {
	return RateSetting{limited: false, value: 0}
}

// PerSecond returns a setting limited to value events per second.
func PerSecond(value float64) RateSetting {
	if value <= 0 {
		return Unlimited()
	}
	return RateSetting{limited: true, value: value}
}

// UnmarshalYAML supports positive numbers and the symbolic values "unlimited" and "off".
func (s *RateSetting) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = Unlimited()
		return nil
	}
	text := strings.TrimSpace(node.Value)
	switch strings.ToLower(text) {
	case "", "unlimited", "off", "0":
		*s = Unlimited()
		return nil
	}
	val, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(val) || math.IsInf(val, 0) {
		return fmt.Errorf("ingestRate: invalid value %q", node.Value)
	}
	if val < 0 {
		return fmt.Errorf("ingestRate: value must be >= 0")
	}
	*s = PerSecond(val)
	return nil
}

// Limited reports whether a finite rate is configured.
func (s RateSetting) Limited() bool { return s.limited }

// Value returns the events-per-second rate; zero when unlimited.
func (s RateSetting) Value() float64 {
	if !s.limited {
		return 0
	}
	return s.value
}
