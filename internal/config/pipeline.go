package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/daimoniac/bountyline/internal/errors"
	"github.com/daimoniac/bountyline/internal/types"
)

// PipelineConfig is the bountyline.yml file: sources, admission rules,
// stage thresholds and the seed vulnerability-pattern catalog.
type PipelineConfig struct {
	Version   int                          `yaml:"version"`
	Defaults  Defaults                     `yaml:"defaults"`
	Ingestion IngestionRules               `yaml:"ingestion"`
	Gate      GateRules                    `yaml:"gate"`
	Findings  FindingRules                 `yaml:"findings"`
	Sources   []SourceConfig               `yaml:"sources"`
	Patterns  []types.VulnerabilityPattern `yaml:"patterns"`
}

// Defaults contains default scheduling values
type Defaults struct {
	PollInterval       string `yaml:"x-poll-interval,omitempty"`
	WorkerPollInterval string `yaml:"x-worker-poll-interval,omitempty"`
	WorkerConcurrency  int    `yaml:"x-worker-concurrency,omitempty"`
}

// IngestionRules holds the minimum bounty amounts
type IngestionRules struct {
	MinimumAmount string            `yaml:"minimumAmount"`
	Currency      string            `yaml:"currency"`
	Platforms     map[string]string `yaml:"platforms,omitempty"`
}

// GateRules configures the filtering gate
type GateRules struct {
	ConfidenceThreshold float64       `yaml:"confidenceThreshold"`
	MaxEstimatedMinutes int           `yaml:"maxEstimatedMinutes,omitempty"` // 0 means unlimited
	Policy              *PolicyConfig `yaml:"policy,omitempty"`
}

// PolicyConfig represents a CEL admission policy
type PolicyConfig struct {
	Expression     string `yaml:"expression"`
	FailureMessage string `yaml:"failureMessage,omitempty"`
}

// FindingRules holds the confidence thresholds of the finding stages
type FindingRules struct {
	RootCauseThreshold  float64 `yaml:"rootCauseThreshold,omitempty"`
	FixConfirmThreshold float64 `yaml:"fixConfirmThreshold,omitempty"`
	FixReviewThreshold  float64 `yaml:"fixReviewThreshold,omitempty"`
	CommitConcurrency   int     `yaml:"commitConcurrency,omitempty"`
}

// SourceConfig describes one candidate feed
type SourceConfig struct {
	Name              string `yaml:"name"`
	URL               string `yaml:"url"`
	Token             string `yaml:"token,omitempty"`
	Platform          string `yaml:"platform,omitempty"`
	RequestsPerMinute int    `yaml:"requestsPerMinute,omitempty"`
}

// ParsePipeline reads and parses a bountyline.yml file. Values may use
// {{ env "NAME" }} to pull secrets from the environment.
func ParsePipeline(path string) (*PipelineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewTransientf("failed to read pipeline file: %w", err)
	}

	var cfg PipelineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.NewPermanentf("failed to parse pipeline YAML: %w", err)
	}

	if err := expandConfig(&cfg); err != nil {
		return nil, errors.NewPermanentf("failed to expand pipeline file: %w", err)
	}

	return &cfg, nil
}

var templateFuncs = template.FuncMap{
	"env": os.Getenv,
}

func expandValue(value string) (string, error) {
	if !strings.Contains(value, "{{") {
		return value, nil
	}
	tmpl, err := template.New("value").Funcs(templateFuncs).Parse(value)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, nil); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// expandConfig resolves templates in source URLs and tokens.
func expandConfig(cfg *PipelineConfig) error {
	for i := range cfg.Sources {
		src := &cfg.Sources[i]
		url, err := expandValue(src.URL)
		if err != nil {
			return fmt.Errorf("source %s url: %w", src.Name, err)
		}
		token, err := expandValue(src.Token)
		if err != nil {
			return fmt.Errorf("source %s token: %w", src.Name, err)
		}
		src.URL = url
		src.Token = token
	}
	return nil
}

// Validate checks thresholds and amounts
func (c *PipelineConfig) Validate() error {
	if t := c.Gate.ConfidenceThreshold; t < 0 || t > 1 {
		return errors.NewPermanentf("gate confidence threshold must be within [0,1], got %v", t)
	}
	if c.Gate.MaxEstimatedMinutes < 0 {
		return errors.NewPermanentf("gate maxEstimatedMinutes must not be negative")
	}
	for _, t := range []float64{c.Findings.RootCauseThreshold, c.Findings.FixConfirmThreshold, c.Findings.FixReviewThreshold} {
		if t < 0 || t > 1 {
			return errors.NewPermanentf("finding thresholds must be within [0,1], got %v", t)
		}
	}
	if c.Findings.FixConfirmThreshold != 0 && c.Findings.FixReviewThreshold > c.Findings.FixConfirmThreshold {
		return errors.NewPermanentf("fixReviewThreshold must not exceed fixConfirmThreshold")
	}
	if _, err := c.MinimumAmount(""); err != nil {
		return errors.NewPermanent(err)
	}
	for platform := range c.Ingestion.Platforms {
		if _, err := c.MinimumAmount(types.ParsePlatform(platform)); err != nil {
			return errors.NewPermanent(err)
		}
	}
	for _, src := range c.Sources {
		if src.Name == "" || src.URL == "" {
			return errors.NewPermanentf("every source needs a name and url")
		}
	}
	for _, p := range c.Patterns {
		if p.CVEID == "" || p.Language == "" {
			return errors.NewPermanentf("every pattern needs cveId and language")
		}
	}
	return nil
}

// MinimumAmount returns the minimum bounty for a platform, falling back
// to the global minimum and then to zero.
func (c *PipelineConfig) MinimumAmount(platform types.Platform) (types.Money, error) {
	raw := c.Ingestion.MinimumAmount
	for name, amount := range c.Ingestion.Platforms {
		if types.ParsePlatform(name) == platform && platform != "" {
			raw = amount
			break
		}
	}
	if raw == "" {
		return types.Money{Currency: c.Ingestion.Currency}, nil
	}
	m, err := types.ParseMoney(raw, c.Ingestion.Currency)
	if err != nil {
		return types.Money{}, fmt.Errorf("minimum amount for %q: %w", platform, err)
	}
	return m, nil
}

// GetPollInterval returns the ingestion poll interval, 15 minutes by default
func (c *PipelineConfig) GetPollInterval() (time.Duration, error) {
	if c.Defaults.PollInterval != "" {
		return parseInterval(c.Defaults.PollInterval)
	}
	return 15 * time.Minute, nil
}

// GetWorkerPollInterval returns the worker poll interval, 5 seconds by default
func (c *PipelineConfig) GetWorkerPollInterval() (time.Duration, error) {
	if c.Defaults.WorkerPollInterval != "" {
		return parseInterval(c.Defaults.WorkerPollInterval)
	}
	return 5 * time.Second, nil
}
