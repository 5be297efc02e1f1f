// Package oracle abstracts the language model used to draft SQL and to
// phrase answers.
package oracle

import (
	"context"
	"errors"
)

var ErrEmptyCompletion = errors.New("oracle returned an empty completion")

// Prompt is one stateless completion request. Purpose labels metrics and
// logs, e.g. "synthesis" or "composition".
type Prompt struct {
	Purpose string
	System  string
	User    string
}

// Oracle turns a prompt into free text. Implementations must be safe for
// concurrent use.
type Oracle interface {
	Complete(ctx context.Context, prompt Prompt) (string, error)
}

// Func adapts a plain function to Oracle.
type Func func(ctx context.Context, prompt Prompt) (string, error)

func (f Func) Complete(ctx context.Context, prompt Prompt) (string, error) {
	return f(ctx, prompt)
}
