package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bobarin/adreel/internal/retry"
)

var (
	// ErrContentFiltered matches every *ContentPolicyError via errors.Is.
	ErrContentFiltered = errors.New("content filtered")

	// ErrNoMedia is returned when a provider reports completion without producing
	// any media and without a content-policy refusal.
	ErrNoMedia = errors.New("no media produced")

	// ErrClipNotFound is returned when a local file needed for extension or
	// concatenation is missing.
	ErrClipNotFound = errors.New("clip not found")

	// ErrExtensionUnsupported is returned by providers that cannot extend an
	// existing clip.
	ErrExtensionUnsupported = errors.New("provider does not support clip extension")
)

// ContentPolicyError is a provider refusal on safety grounds. Never retried.
type ContentPolicyError struct {
	Provider string
	Reasons  []string
}

func (e *ContentPolicyError) Error() string {
	if len(e.Reasons) == 0 {
		return "content filtered"
	}
	return "content filtered: " + strings.Join(e.Reasons, "; ")
}

func (e *ContentPolicyError) Is(target error) bool {
	return target == ErrContentFiltered
}

// EncoderError is a non-zero exit from ffmpeg/ffprobe.
type EncoderError struct {
	Tool       string
	ExitCode   int
	StderrTail string
	Err        error
}

func (e *EncoderError) Error() string {
	tail := strings.TrimSpace(e.StderrTail)
	if tail == "" {
		return fmt.Sprintf("%s exited with code %d: %v", e.Tool, e.ExitCode, e.Err)
	}
	return fmt.Sprintf("%s exited with code %d: %s", e.Tool, e.ExitCode, tail)
}

func (e *EncoderError) Unwrap() error { return e.Err }

// ProviderStatusError is an unexpected HTTP status from a generation provider.
// Implements retry.StatusCoder so 408/429/5xx are retried.
type ProviderStatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *ProviderStatusError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Provider, e.StatusCode, truncateTail(e.Body, 300))
}

func (e *ProviderStatusError) HTTPStatus() int { return e.StatusCode }

// isTransient is the retry predicate for provider calls. Content-policy
// refusals and missing clips are final regardless of their message text.
func isTransient(err error) bool {
	if errors.Is(err, ErrContentFiltered) || errors.Is(err, ErrClipNotFound) ||
		errors.Is(err, ErrExtensionUnsupported) || errors.Is(err, ErrNoMedia) {
		return false
	}
	return retry.IsRetryable(err)
}

// restoreError rebuilds a stored failure message with its original class, so a
// handle decoded from the database still classifies like the live error did.
func restoreError(msg string) error {
	filtered := ErrContentFiltered.Error()
	if msg == filtered {
		return &ContentPolicyError{}
	}
	if strings.HasPrefix(msg, filtered+": ") {
		return &ContentPolicyError{Reasons: []string{strings.TrimPrefix(msg, filtered+": ")}}
	}
	for _, sentinel := range []error{ErrNoMedia, ErrClipNotFound, ErrExtensionUnsupported} {
		if strings.HasPrefix(msg, sentinel.Error()) {
			return fmt.Errorf("%w%s", sentinel, strings.TrimPrefix(msg, sentinel.Error()))
		}
	}
	return errors.New(msg)
}

// isContentPolicyMessage reports whether a provider's free-form error text
// describes a safety refusal.
func isContentPolicyMessage(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "safety") ||
		strings.Contains(m, "content policy") ||
		strings.Contains(m, "moderation") ||
		strings.Contains(m, "responsible ai") ||
		strings.Contains(m, "filtered")
}

func truncateTail(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}

// errString is a helper for populating optional error fields.
func errString(err error) *string {
	if err == nil {
		return nil
	}
	s := err.Error()
	return &s
}
