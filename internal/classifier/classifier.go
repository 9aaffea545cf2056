package classifier

import (
	"context"

	"github.com/xaenox/wa-categorizer/internal/models"
)

// Completer turns a prompt into the model's reply text.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// CompleterFunc adapts a plain function to Completer.
type CompleterFunc func(ctx context.Context, prompt string) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// Fallback returns the deterministic result used when the model can't be
// reached or its reply can't be used: one "General" category and one
// "General" assignment for each of the n items.
func Fallback(n int) models.Result {
	assignments := make([]string, n)
	for i := range assignments {
		assignments[i] = models.FallbackCategory
	}

	return models.Result{
		Categories:  []models.Category{{Name: models.FallbackCategory}},
		Assignments: assignments,
		Coverage:    1,
	}
}
