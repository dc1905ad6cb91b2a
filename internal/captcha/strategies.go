package captcha

import (
	"context"
	"errors"
	"fmt"

	"github.com/casewatch/casewatch/internal/browser"
	"github.com/casewatch/casewatch/internal/solver"
)

// AudioStrategy triggers the Portal's audio playback, which populates a
// hidden field with the code, then copies it into the visible field. Free
// and fast, so it runs first by default.
type AudioStrategy struct {
	TriggerSelector     string
	HiddenFieldSelector string
	CodeFieldSelector   string
}

func (s *AudioStrategy) Name() string { return "audio" }

func (s *AudioStrategy) Applicable(page browser.Page) (bool, error) {
	return page.Exists(s.TriggerSelector)
}

func (s *AudioStrategy) Solve(_ context.Context, page browser.Page) (Result, error) {
	if err := page.Click(s.TriggerSelector); err != nil {
		return Result{}, fmt.Errorf("captcha: trigger audio: %w", err)
	}
	code, err := fieldValue(page, s.HiddenFieldSelector)
	if err != nil {
		return Result{}, err
	}
	if code == "" {
		return Result{}, errors.New("captcha: audio hidden field empty")
	}
	if err := page.Fill(s.CodeFieldSelector, code); err != nil {
		return Result{}, fmt.Errorf("captcha: fill code field: %w", err)
	}
	return Result{Solved: true, Solution: code}, nil
}

// ImageStrategy captures the CAPTCHA image and sends it to the external
// image-to-text solver. The answer goes into both the visible code field and
// the antibot hidden field.
type ImageStrategy struct {
	ImageSelector       string
	CodeFieldSelector   string
	HiddenFieldSelector string
	Solver              solver.ImageSolver
}

func (s *ImageStrategy) Name() string { return "image" }

func (s *ImageStrategy) Applicable(page browser.Page) (bool, error) {
	return page.Exists(s.ImageSelector)
}

func (s *ImageStrategy) Solve(ctx context.Context, page browser.Page) (Result, error) {
	png, err := page.ElementImage(s.ImageSelector)
	if err != nil {
		return Result{}, fmt.Errorf("captcha: capture image: %w", err)
	}
	if len(png) == 0 {
		return Result{}, errors.New("captcha: empty image capture")
	}
	text, err := s.Solver.SolveImage(ctx, png)
	if err != nil {
		return Result{}, err
	}
	if text == "" {
		return Result{}, errors.New("captcha: solver returned empty text")
	}
	if err := page.Fill(s.CodeFieldSelector, text); err != nil {
		return Result{}, fmt.Errorf("captcha: fill code field: %w", err)
	}
	if err := setFieldValue(page, s.HiddenFieldSelector, text); err != nil {
		return Result{}, err
	}
	return Result{Solved: true, Solution: text}, nil
}

// ChallengeStrategy handles the third-party interactive challenge iframe:
// extract the site key, solve it externally, inject the token into every
// response field, and fire the page's callback.
type ChallengeStrategy struct {
	FrameSelector    string
	ResponseSelector string
	CallbackScript   string
	Solver           solver.ChallengeSolver
}

func (s *ChallengeStrategy) Name() string { return "challenge" }

func (s *ChallengeStrategy) Applicable(page browser.Page) (bool, error) {
	return page.Exists(s.FrameSelector)
}

func (s *ChallengeStrategy) Solve(ctx context.Context, page browser.Page) (Result, error) {
	siteKey, err := page.Eval(fmt.Sprintf(
		`(() => {
			const f = document.querySelector(%q);
			if (!f) return '';
			const direct = f.getAttribute('data-sitekey');
			if (direct) return direct;
			const m = (f.getAttribute('src') || '').match(/[?&]k=([^&]+)/);
			return m ? m[1] : '';
		})()`, s.FrameSelector))
	if err != nil {
		return Result{}, fmt.Errorf("captcha: extract site key: %w", err)
	}
	if siteKey == "" {
		return Result{}, errors.New("captcha: challenge frame has no site key")
	}

	token, err := s.Solver.SolveChallenge(ctx, siteKey, page.URL())
	if err != nil {
		return Result{}, err
	}
	if token == "" {
		return Result{}, errors.New("captcha: solver returned empty token")
	}

	_, err = page.Eval(fmt.Sprintf(
		`document.querySelectorAll(%q).forEach(el => { el.value = %q; })`,
		s.ResponseSelector, token))
	if err != nil {
		return Result{}, fmt.Errorf("captcha: inject token: %w", err)
	}
	if s.CallbackScript != "" {
		if _, err := page.Eval(fmt.Sprintf(s.CallbackScript, token)); err != nil {
			return Result{}, fmt.Errorf("captcha: invoke callback: %w", err)
		}
	}
	return Result{Solved: true, Token: token}, nil
}
