package captcha

import (
	"fmt"

	"github.com/casewatch/casewatch/internal/config"
	"github.com/casewatch/casewatch/internal/solver"
)

// Built-in Portal selectors; the YAML chain config overrides any of them.
const (
	defaultAudioTrigger     = "#btnAudio"
	defaultAudioHiddenField = "#codigoCaptchaAudio"
	defaultCodeField        = "#codigoCaptcha"
	defaultImage            = "#captcha_image"
	defaultAntibotHidden    = "#codCaptcha"
	defaultChallengeFrame   = "iframe[src*='challenge']"
	defaultResponseField    = "textarea[name='challenge-response']"
	// CallbackScript is a format string; the token is spliced in with %q.
	defaultCallbackScript = "window.onChallengeSolved && window.onChallengeSolved(%q)"
)

// FromConfig assembles the strategy chain in the configured order, filling
// in default selectors where the config leaves them empty.
func FromConfig(cfg config.CaptchaConfig, images solver.ImageSolver, challenges solver.ChallengeSolver) (*Chain, error) {
	strategies := make([]Strategy, 0, len(cfg.Order))
	for _, name := range cfg.Order {
		switch name {
		case config.StrategyAudio:
			strategies = append(strategies, &AudioStrategy{
				TriggerSelector:     orDefault(cfg.Audio.TriggerSelector, defaultAudioTrigger),
				HiddenFieldSelector: orDefault(cfg.Audio.HiddenFieldSelector, defaultAudioHiddenField),
				CodeFieldSelector:   orDefault(cfg.Audio.CodeFieldSelector, defaultCodeField),
			})
		case config.StrategyImage:
			strategies = append(strategies, &ImageStrategy{
				ImageSelector:       orDefault(cfg.Image.ImageSelector, defaultImage),
				CodeFieldSelector:   orDefault(cfg.Image.CodeFieldSelector, defaultCodeField),
				HiddenFieldSelector: orDefault(cfg.Image.HiddenFieldSelector, defaultAntibotHidden),
				Solver:              images,
			})
		case config.StrategyChallenge:
			strategies = append(strategies, &ChallengeStrategy{
				FrameSelector:    orDefault(cfg.Challenge.FrameSelector, defaultChallengeFrame),
				ResponseSelector: orDefault(cfg.Challenge.ResponseSelector, defaultResponseField),
				CallbackScript:   orDefault(cfg.Challenge.CallbackScript, defaultCallbackScript),
				Solver:           challenges,
			})
		default:
			return nil, fmt.Errorf("captcha: unknown strategy %q", name)
		}
	}
	return NewChain(strategies...), nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
