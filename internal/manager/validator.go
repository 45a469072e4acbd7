package manager

import (
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/conductorhq/agent-relay/internal/domain/model"
)

// Validator is the security/validation collaborator boundary. The full
// moderation pipeline lives upstream; the default implementation covers
// the structural checks this service cannot skip.
type Validator interface {
	ValidateAndSanitize(env *model.Envelope) (*model.Envelope, error)
}

var errInvalidText = errors.New("message text is not valid UTF-8")

const defaultMaxTextLen = 4096

type defaultValidator struct {
	maxTextLen int
}

// NewDefaultValidator returns the passthrough validator: UTF-8 check,
// length cap, control characters stripped.
func NewDefaultValidator() Validator {
	return &defaultValidator{maxTextLen: defaultMaxTextLen}
}

func (v *defaultValidator) ValidateAndSanitize(env *model.Envelope) (*model.Envelope, error) {
	if !utf8.ValidString(env.Text) {
		return nil, errInvalidText
	}

	text := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, env.Text)

	if len(text) > v.maxTextLen {
		text = text[:v.maxTextLen]
	}

	out := *env
	out.Text = text
	return &out, nil
}
