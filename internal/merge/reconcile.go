package merge

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/meridianbio/drugintel/internal/model"
	"github.com/meridianbio/drugintel/internal/provider"
)

// reconcileTemperature keeps reconciliation deterministic-leaning.
const reconcileTemperature = 0.0

// ProviderReconciler performs model-assisted conflict resolution through a
// designated provider adapter. The model is asked to answer with one of the
// competing values verbatim; anything else is treated as a failed
// resolution and the ladder falls through.
type ProviderReconciler struct {
	client provider.Client
}

// NewProviderReconciler wraps a provider client as the reconciliation step.
func NewProviderReconciler(client provider.Client) *ProviderReconciler {
	return &ProviderReconciler{client: client}
}

// Reconcile asks the reconciliation model to choose among competing values
// for one field. The returned string is the model's choice verbatim.
func (r *ProviderReconciler) Reconcile(ctx context.Context, categoryKey, field string, values []model.CompetingValue) (string, model.TokenUsage, error) {
	resp, err := r.client.Call(ctx, reconcilePrompt(categoryKey, field, values), reconcileTemperature)
	if err != nil {
		return "", model.TokenUsage{}, eris.Wrapf(err, "reconciling field %q", field)
	}
	choice := strings.TrimSpace(resp.Text)
	choice = strings.Trim(choice, "\"'`")
	if choice == "" {
		return "", resp.Usage, eris.Errorf("reconciler returned empty choice for field %q", field)
	}
	return choice, resp.Usage, nil
}

func reconcilePrompt(categoryKey, field string, values []model.CompetingValue) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Multiple pharmaceutical data sources disagree on the value of %q in the %s category.\n\n", field, categoryKey)
	b.WriteString("Competing values:\n")
	for _, v := range values {
		fmt.Fprintf(&b, "- %s (source: %s, weight: %.3f)\n", v.Value, v.Provider, v.Weight)
	}
	b.WriteString("\nReply with the single most likely correct value, copied verbatim from the list above. Reply with the value only, no explanation.")
	return b.String()
}
