package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Known CAPTCHA strategy names, in the default chain order.
const (
	StrategyAudio     = "audio"
	StrategyImage     = "image"
	StrategyChallenge = "challenge"
)

// CaptchaConfig is the optional YAML file configuring the CAPTCHA chain:
// strategy order, selector overrides, and solver endpoints. Missing fields
// keep their built-in defaults.
type CaptchaConfig struct {
	// Order lists strategy names; the chain calls them in this order.
	Order []string `yaml:"order"`

	Audio struct {
		TriggerSelector     string `yaml:"trigger_selector"`
		HiddenFieldSelector string `yaml:"hidden_field_selector"`
		CodeFieldSelector   string `yaml:"code_field_selector"`
	} `yaml:"audio"`

	Image struct {
		ImageSelector       string `yaml:"image_selector"`
		CodeFieldSelector   string `yaml:"code_field_selector"`
		HiddenFieldSelector string `yaml:"hidden_field_selector"`
	} `yaml:"image"`

	Challenge struct {
		FrameSelector    string `yaml:"frame_selector"`
		ResponseSelector string `yaml:"response_selector"`
		CallbackScript   string `yaml:"callback_script"`
	} `yaml:"challenge"`

	Solver struct {
		ImageURL     string `yaml:"image_url"`
		ChallengeURL string `yaml:"challenge_url"`
	} `yaml:"solver"`
}

// DefaultCaptchaConfig returns the built-in chain configuration:
// audio first (free, fastest), then image, then interactive challenge.
func DefaultCaptchaConfig() CaptchaConfig {
	var c CaptchaConfig
	c.Order = []string{StrategyAudio, StrategyImage, StrategyChallenge}
	return c
}

// LoadCaptchaConfig reads the YAML chain config at path. An empty path
// returns the defaults.
func LoadCaptchaConfig(path string) (CaptchaConfig, error) {
	cfg := DefaultCaptchaConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read captcha config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse captcha config %s: %w", path, err)
	}
	if len(cfg.Order) == 0 {
		cfg.Order = []string{StrategyAudio, StrategyImage, StrategyChallenge}
	}
	for _, name := range cfg.Order {
		switch name {
		case StrategyAudio, StrategyImage, StrategyChallenge:
		default:
			return cfg, fmt.Errorf("captcha config %s: unknown strategy %q", path, name)
		}
	}
	return cfg, nil
}
