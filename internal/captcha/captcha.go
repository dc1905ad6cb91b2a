// Package captcha implements the ordered strategy chain that clears the
// Portal's CAPTCHA before form submission. Strategies inspect the page,
// optionally call an external solver, and fill in the answer; they never
// click the final submit control.
package captcha

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/casewatch/casewatch/internal/browser"
)

// ErrChainExhausted means every strategy was either inapplicable or failed.
var ErrChainExhausted = errors.New("captcha: no strategy succeeded")

// Result is the outcome of one strategy attempt.
type Result struct {
	Solved   bool
	Solution string // text answer, when the strategy produced one
	Token    string // challenge token, when applicable
}

// Strategy is one way of clearing a CAPTCHA.
type Strategy interface {
	Name() string
	// Applicable is a cheap page inspection: is this CAPTCHA variant present?
	Applicable(page browser.Page) (bool, error)
	// Solve fills the answer into the page. It must not submit the form.
	Solve(ctx context.Context, page browser.Page) (Result, error)
}

// Chain tries strategies in order; the first applicable one that solves wins.
type Chain struct {
	strategies []Strategy
}

func NewChain(strategies ...Strategy) *Chain {
	return &Chain{strategies: strategies}
}

// Solve runs the chain. A strategy failure (including solver API errors) is
// logged and the chain moves on; only full exhaustion is an error.
func (c *Chain) Solve(ctx context.Context, page browser.Page) (Result, error) {
	for _, s := range c.strategies {
		ok, err := s.Applicable(page)
		if err != nil {
			log.Printf("[captcha] %s applicability check: %v", s.Name(), err)
			continue
		}
		if !ok {
			continue
		}
		res, err := s.Solve(ctx, page)
		if err != nil {
			log.Printf("[captcha] %s failed: %v", s.Name(), err)
			continue
		}
		if res.Solved {
			log.Printf("[captcha] solved via %s", s.Name())
			return res, nil
		}
	}
	return Result{}, ErrChainExhausted
}

// fieldValue reads an input's current value.
func fieldValue(page browser.Page, selector string) (string, error) {
	out, err := page.Eval(fmt.Sprintf(
		`(document.querySelector(%q) || {}).value || ''`, selector))
	if err != nil {
		return "", fmt.Errorf("captcha: read %s: %w", selector, err)
	}
	return out, nil
}

// setFieldValue writes an input's value directly, bypassing keyboard input.
// Needed for hidden fields that reject focus.
func setFieldValue(page browser.Page, selector, value string) error {
	_, err := page.Eval(fmt.Sprintf(
		`(() => { const el = document.querySelector(%q); if (el) el.value = %q; })()`,
		selector, value))
	if err != nil {
		return fmt.Errorf("captcha: set %s: %w", selector, err)
	}
	return nil
}
