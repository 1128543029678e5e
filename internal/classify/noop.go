package classify

import (
	"context"

	"github.com/metal0/mailpilot-sub003/pkg/types"
)

// noopClassifier leaves every message untouched. Useful for dry runs
// and for verifying account wiring before pointing the daemon at a
// real reasoning service.
type noopClassifier struct{}

func (noopClassifier) Classify(_ context.Context, _ *types.ParsedEmail, _ Context) (*types.Action, error) {
	return &types.Action{Type: types.ActionNoop, Reason: "noop provider"}, nil
}

func init() {
	Register("noop", func(string) (Classifier, error) {
		return noopClassifier{}, nil
	})
}
