package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/casewatch/casewatch/internal/captcha"
	"github.com/casewatch/casewatch/internal/portal"
	"github.com/casewatch/casewatch/internal/solver"
)

// Kind classifies a job failure. Classification drives the retry decision
// and the job log, not error identity.
type Kind string

const (
	KindCaptchaFailed      Kind = "CaptchaFailed"
	KindPortalUnreachable  Kind = "PortalUnreachable"
	KindBotDetected        Kind = "BotDetected"
	KindInvalidCaseNumber  Kind = "InvalidCaseNumber"
	KindBrowserCrash       Kind = "BrowserCrash"
	KindValidationFailed   Kind = "ValidationFailed"
	KindTimeout            Kind = "Timeout"
	KindSolverAPI          Kind = "SolverApi"
	KindObjectStoreFailure Kind = "ObjectStoreFailure"
	KindRepositoryFailure  Kind = "RepositoryFailure"
	KindUnknown            Kind = "Unknown"
)

// Retryable reports whether the kind gets the standard backoff. Unknown is
// retryable: transient causes are the common case.
func (k Kind) Retryable() bool {
	switch k {
	case KindInvalidCaseNumber, KindValidationFailed:
		return false
	}
	return true
}

// JobError is a classified job failure.
type JobError struct {
	Kind Kind
	Err  error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// fail wraps an error with a kind.
func fail(kind Kind, err error) *JobError {
	return &JobError{Kind: kind, Err: err}
}

func failf(kind Kind, format string, args ...any) *JobError {
	return &JobError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Classify maps an arbitrary error to a JobError. Errors already classified
// pass through; recognizable causes get their kind; the rest are Unknown.
func Classify(err error) *JobError {
	var jerr *JobError
	if errors.As(err, &jerr) {
		return jerr
	}
	var apiErr *solver.APIError
	switch {
	case errors.Is(err, portal.ErrPortalUnreachable):
		return fail(KindPortalUnreachable, err)
	case errors.Is(err, captcha.ErrChainExhausted):
		return fail(KindCaptchaFailed, err)
	case errors.As(err, &apiErr):
		return fail(KindSolverAPI, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fail(KindTimeout, err)
	}
	return fail(KindUnknown, err)
}
