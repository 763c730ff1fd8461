// Package validation screens raw user input before it reaches any backend.
package validation

import (
	"strings"
	"unicode/utf8"

	"github.com/m4xw311/fuzz/errors"
)

const MaxInputLength = 4000

var (
	ErrEmptyInput        = &errors.Error{Kind: errors.KindValidation, Msg: "Input cannot be empty."}
	ErrInputTooLong      = &errors.Error{Kind: errors.KindValidation, Msg: "Input is too long (Max 4000 characters)."}
	ErrRestrictedPattern = &errors.Error{Kind: errors.KindValidation, Msg: "Your message contains restricted patterns and cannot be processed."}
)

// DefaultForbiddenPhrases are prompt-injection markers rejected case-insensitively.
var DefaultForbiddenPhrases = []string{
	"ignore all previous instructions",
	"system prompt",
	"you are now",
	"simülasyonu sonlandır",
	"dev mode",
}

// Validator checks input length and forbidden phrases. It holds no mutable
// state and is safe for concurrent use.
type Validator struct {
	maxLength int
	phrases   []string
}

func New() *Validator {
	return NewWithPhrases(MaxInputLength, DefaultForbiddenPhrases)
}

func NewWithPhrases(maxLength int, phrases []string) *Validator {
	lowered := make([]string, len(phrases))
	for i, p := range phrases {
		lowered[i] = strings.ToLower(p)
	}
	return &Validator{maxLength: maxLength, phrases: lowered}
}

// Validate returns the input with surrounding whitespace removed, or one of
// ErrEmptyInput, ErrInputTooLong, ErrRestrictedPattern.
func (v *Validator) Validate(input string) (string, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return "", ErrEmptyInput
	}
	if utf8.RuneCountInString(trimmed) > v.maxLength {
		return "", ErrInputTooLong
	}
	lower := strings.ToLower(trimmed)
	for _, p := range v.phrases {
		if strings.Contains(lower, p) {
			return "", ErrRestrictedPattern
		}
	}
	return trimmed, nil
}
