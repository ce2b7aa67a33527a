package agent

import (
	"context"

	"handoff/internal/domain"
)

// Action performs the side effect of an approved draft and returns a short
// description of what happened.
type Action interface {
	Execute(ctx context.Context, d domain.Draft) (string, error)
}

type ActionFunc func(ctx context.Context, d domain.Draft) (string, error)

func (f ActionFunc) Execute(ctx context.Context, d domain.Draft) (string, error) { return f(ctx, d) }

// RecordOnly performs nothing and describes what a real integration would
// have done. It is the fallback for domains without an Action.
var RecordOnly = ActionFunc(func(_ context.Context, d domain.Draft) (string, error) {
	switch d.Domain {
	case "email":
		return "Email sent: " + d.Title, nil
	case "social":
		return "Social post published: " + d.Title, nil
	case "accounting":
		return "Accounting entry recorded: " + d.Title, nil
	default:
		return "Action executed for domain: " + d.Domain, nil
	}
})
