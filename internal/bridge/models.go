package bridge

import (
	"fmt"
	"sort"
	"strings"

	"github.com/coder/acp-go-sdk"

	"github.com/cola-io/codex-acp/internal/common/config"
	"github.com/cola-io/codex-acp/internal/session"
	"github.com/cola-io/codex-acp/pkg/codex"
)

// modelChoice is a validated "provider@model" selection.
type modelChoice struct {
	Provider string
	Model    string
	Effort   codex.ReasoningEffort
}

func (m modelChoice) ID() string {
	return m.Provider + "@" + m.Model
}

// initialModelID is the model id stored for a new session: provider@model
// for custom providers, the bare model otherwise.
func initialModelID(cfg *config.CodexConfig, model string) string {
	if model == "" {
		model = cfg.Model
	}
	if cfg.IsCustomProvider() {
		return modelChoice{Provider: cfg.ModelProvider, Model: model}.ID()
	}
	return model
}

// engineModel returns the model name the engine expects for a stored id.
func engineModel(modelID string) *string {
	if modelID == "" {
		return nil
	}
	if _, model, ok := strings.Cut(modelID, "@"); ok {
		return &model
	}
	return &modelID
}

// parseModelID validates id against the provider table. The effort comes
// from the config when id is the configured model, else from the first
// profile naming the same provider and model.
func parseModelID(cfg *config.CodexConfig, id string) (modelChoice, bool) {
	provider, model, ok := strings.Cut(id, "@")
	if !ok || provider == "" || model == "" {
		return modelChoice{}, false
	}
	if _, known := cfg.ModelProviders[provider]; !known {
		return modelChoice{}, false
	}

	if provider == cfg.ModelProvider && model == cfg.Model {
		return modelChoice{Provider: provider, Model: model, Effort: codex.ReasoningEffort(cfg.ModelReasoningEffort)}, true
	}
	for _, name := range cfg.ProfileNames() {
		p := cfg.Profiles[name]
		if p.ModelProvider == provider && p.Model == model {
			return modelChoice{Provider: provider, Model: model, Effort: codex.ReasoningEffort(p.ModelReasoningEffort)}, true
		}
	}
	return modelChoice{}, false
}

// availableModels lists the configured model first, then every custom
// provider model named by a profile, sorted by provider then model.
func availableModels(cfg *config.CodexConfig) []acp.ModelInfo {
	var out []acp.ModelInfo
	seen := make(map[string]bool)
	add := func(m modelChoice) {
		if seen[m.ID()] {
			return
		}
		if _, ok := cfg.ModelProviders[m.Provider]; !ok {
			return
		}
		seen[m.ID()] = true
		name := cfg.ProviderDisplayName(m.Provider)
		out = append(out, acp.ModelInfo{
			ModelId:     acp.ModelId(m.ID()),
			Name:        name + "@" + m.Model,
			Description: ptr(fmt.Sprintf("Provider: %s, Model: %s", name, m.Model)),
		})
	}

	if cfg.IsCustomProvider() {
		add(modelChoice{Provider: cfg.ModelProvider, Model: cfg.Model})
	}

	var candidates []modelChoice
	for _, p := range cfg.Profiles {
		if p.Model == "" || p.ModelProvider == "" || p.ModelProvider == config.DefaultProviderID {
			continue
		}
		candidates = append(candidates, modelChoice{Provider: p.ModelProvider, Model: p.Model})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Provider != candidates[j].Provider {
			return candidates[i].Provider < candidates[j].Provider
		}
		return candidates[i].Model < candidates[j].Model
	})
	for _, c := range candidates {
		add(c)
	}
	return out
}

// modelState is reported only for custom providers.
func modelState(cfg *config.CodexConfig, sess session.Session) *acp.SessionModelState {
	if !cfg.IsCustomProvider() {
		return nil
	}
	current := sess.ModelID
	if !strings.Contains(current, "@") {
		current = initialModelID(cfg, current)
	}
	return &acp.SessionModelState{
		CurrentModelId:  acp.ModelId(current),
		AvailableModels: availableModels(cfg),
	}
}
