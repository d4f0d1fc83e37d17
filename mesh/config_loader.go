package mesh

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadConfig loads the configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes, defaults and validates YAML configuration.
func ParseConfig(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// ApplyDefaults fills every unset option with its documented default.
func (c *Config) ApplyDefaults() {
	if c.GlobalFrame == "" {
		c.GlobalFrame = DefaultGlobalFrame
	}
	if c.Exploration.IntervalSec <= 0 {
		c.Exploration.IntervalSec = DefaultExploreInterval.Seconds()
	}
	if c.Exploration.MinUnknownCells == 0 {
		c.Exploration.MinUnknownCells = DefaultMinUnknownCells
	}
	if c.Exploration.TransformTimeoutSec <= 0 {
		c.Exploration.TransformTimeoutSec = DefaultTransformTimeout.Seconds()
	}
	if c.Fusion.ConfidenceThreshold == 0 {
		c.Fusion.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if c.Fusion.TFPublishFrequency <= 0 {
		c.Fusion.TFPublishFrequency = DefaultTFPublishFrequency
	}
	if c.Fusion.MapPublishFrequency <= 0 {
		c.Fusion.MapPublishFrequency = DefaultMapPublishFrequency
	}
	if c.Fusion.MaxFeatures <= 0 {
		c.Fusion.MaxFeatures = DefaultMaxFeatures
	}
	if c.Fusion.MatchDistance <= 0 {
		c.Fusion.MatchDistance = DefaultMatchDistance
	}
	if c.Fusion.FallbackGap <= 0 {
		c.Fusion.FallbackGap = DefaultFallbackGap
	}
	for i := range c.Agents {
		a := &c.Agents[i]
		if a.MapTopic == "" {
			a.MapTopic = a.ID + "/map"
		}
		if a.PoseTopic == "" {
			a.PoseTopic = a.ID + "/pose"
		}
	}
}

// Validate checks required fields and parameter ranges.
func (c *Config) Validate() error {
	if c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required")
	}
	if len(c.Agents) == 0 {
		return fmt.Errorf("at least one agent must be defined")
	}

	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agents[%d].id is required", i)
		}
		if strings.ContainsAny(a.ID, "/+#") {
			return fmt.Errorf("agents[%d].id %q must not contain '/', '+' or '#'", i, a.ID)
		}
		if seen[a.ID] {
			return fmt.Errorf("agents[%d].id %q is duplicated", i, a.ID)
		}
		seen[a.ID] = true
	}

	if err := ParamsFromConfig(c).Validate(); err != nil {
		return fmt.Errorf("invalid parameters: %w", err)
	}
	return nil
}

// ApplyParamOverrides applies a --set style override list to p.
// Format: "name=value,name2=value2"
func ApplyParamOverrides(p Params, overrides string) (Params, error) {
	if strings.TrimSpace(overrides) == "" {
		return p, nil
	}

	for _, spec := range strings.Split(overrides, ",") {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}
		name, value, ok := strings.Cut(spec, "=")
		if !ok {
			return p, fmt.Errorf("override %q: expected name=value", spec)
		}

		var err error
		switch strings.TrimSpace(name) {
		case "minUnknownCells":
			p.MinUnknownCells, err = strconv.Atoi(value)
		case "confidenceThreshold":
			p.ConfidenceThreshold, err = strconv.ParseFloat(value, 64)
		case "tfPublishFrequency":
			p.TFPublishFrequency, err = strconv.ParseFloat(value, 64)
		case "mapPublishFrequency":
			p.MapPublishFrequency, err = strconv.ParseFloat(value, 64)
		case "useSimTime":
			p.UseSimTime, err = strconv.ParseBool(value)
		default:
			return p, fmt.Errorf("override %q: unknown parameter", name)
		}
		if err != nil {
			return p, fmt.Errorf("override %q: %w", spec, err)
		}
	}
	return p, p.Validate()
}
