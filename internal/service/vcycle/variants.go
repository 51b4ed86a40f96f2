// Package vcycle hosts the autonomous quality-management manager: trace
// ingest, quality monitoring, optimization orchestration and background
// processing over the collector and capability engine.
package vcycle

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/TheCreditPros/tilores-X-sub004/internal/domain"
)

func pairKey(model string, spectrum domain.Spectrum) string {
	return model + "|" + string(spectrum)
}

// Registry tracks prompt variants. At most one variant is deployed per
// (model, spectrum) pair; the parent chain doubles as the rollback log.
type Registry struct {
	mu       sync.Mutex
	byID     map[string]*domain.PromptVariant
	deployed map[string]string // pair key -> variant id
	now      func() time.Time
}

// NewRegistry constructs an empty variant registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:     make(map[string]*domain.PromptVariant),
		deployed: make(map[string]string),
		now:      time.Now,
	}
}

// Seed registers and deploys the initial variant for a pair. Returns an
// invariant error when the pair already has a deployed variant.
func (r *Registry) Seed(model string, spectrum domain.Spectrum, systemPrompt string, params domain.VariantParameters) (domain.PromptVariant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := pairKey(model, spectrum)
	if _, ok := r.deployed[key]; ok {
		return domain.PromptVariant{}, fmt.Errorf("%w: pair %s already seeded", domain.ErrInvariant, key)
	}
	v := &domain.PromptVariant{
		VariantID:    ulid.Make().String(),
		Model:        model,
		Spectrum:     spectrum,
		CreatedAt:    r.now().UTC(),
		SystemPrompt: systemPrompt,
		Parameters:   params,
		Status:       domain.VariantDeployed,
	}
	r.byID[v.VariantID] = v
	r.deployed[key] = v.VariantID
	return *v, nil
}

// Propose derives a candidate variant from the pair's deployed variant by
// applying the strategy's mutation. The candidate is registered but not
// deployed.
func (r *Registry) Propose(model string, spectrum domain.Spectrum, strategy domain.OptimizationStrategy) (domain.PromptVariant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := pairKey(model, spectrum)
	curID, ok := r.deployed[key]
	if !ok {
		return domain.PromptVariant{}, fmt.Errorf("%w: no deployed variant for %s", domain.ErrNotFound, key)
	}
	cur := r.byID[curID]
	v := &domain.PromptVariant{
		VariantID:       ulid.Make().String(),
		Model:           model,
		Spectrum:        spectrum,
		CreatedAt:       r.now().UTC(),
		SystemPrompt:    cur.SystemPrompt,
		Parameters:      cur.Parameters,
		ParentVariantID: curID,
		Status:          domain.VariantCandidate,
	}
	applyStrategy(v, strategy.StrategyID)
	r.byID[v.VariantID] = v
	return *v, nil
}

// applyStrategy mutates the candidate per the optimization playbook.
func applyStrategy(v *domain.PromptVariant, strategyID string) {
	switch strategyID {
	case "tighten-system-prompt":
		if !strings.Contains(v.SystemPrompt, "Respond with the exact fields requested") {
			v.SystemPrompt = strings.TrimSpace(v.SystemPrompt +
				"\nRespond with the exact fields requested and nothing else.")
		}
	case "add-exemplars":
		if !strings.Contains(v.SystemPrompt, "Follow the style of the reference answers") {
			v.SystemPrompt = strings.TrimSpace(v.SystemPrompt +
				"\nFollow the style of the reference answers provided with the request.")
		}
	case "lower-temperature":
		v.Parameters.Temperature /= 2
		if v.Parameters.Temperature < 0.05 {
			v.Parameters.Temperature = 0.05
		}
	case "expand-context":
		if v.Parameters.MaxTokens == 0 {
			v.Parameters.MaxTokens = 1024
		}
		v.Parameters.MaxTokens = v.Parameters.MaxTokens * 3 / 2
	}
}

// Deploy promotes a candidate, archiving the pair's current deployed
// variant. Only candidates can be promoted.
func (r *Registry) Deploy(variantID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.byID[variantID]
	if !ok {
		return fmt.Errorf("%w: variant %s", domain.ErrNotFound, variantID)
	}
	if v.Status != domain.VariantCandidate {
		return fmt.Errorf("%w: variant %s is %s, not a candidate", domain.ErrInvariant, variantID, v.Status)
	}
	key := pairKey(v.Model, v.Spectrum)
	if curID, ok := r.deployed[key]; ok {
		r.byID[curID].Status = domain.VariantArchived
	}
	v.Status = domain.VariantDeployed
	r.deployed[key] = v.VariantID
	return nil
}

// Archive retires a candidate that lost or was abandoned.
func (r *Registry) Archive(variantID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.byID[variantID]
	if !ok {
		return fmt.Errorf("%w: variant %s", domain.ErrNotFound, variantID)
	}
	if v.Status == domain.VariantDeployed {
		return fmt.Errorf("%w: cannot archive deployed variant %s, roll back instead", domain.ErrInvariant, variantID)
	}
	v.Status = domain.VariantArchived
	return nil
}

// Rollback redeploys the parent of the pair's current deployed variant and
// archives the current one.
func (r *Registry) Rollback(model string, spectrum domain.Spectrum) (domain.PromptVariant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := pairKey(model, spectrum)
	curID, ok := r.deployed[key]
	if !ok {
		return domain.PromptVariant{}, fmt.Errorf("%w: no deployed variant for %s", domain.ErrNotFound, key)
	}
	cur := r.byID[curID]
	if cur.ParentVariantID == "" {
		return domain.PromptVariant{}, fmt.Errorf("%w: variant %s has no parent", domain.ErrInvariant, curID)
	}
	parent, ok := r.byID[cur.ParentVariantID]
	if !ok {
		return domain.PromptVariant{}, fmt.Errorf("%w: parent variant %s", domain.ErrNotFound, cur.ParentVariantID)
	}
	cur.Status = domain.VariantArchived
	parent.Status = domain.VariantDeployed
	r.deployed[key] = parent.VariantID
	return *parent, nil
}

// Deployed returns the pair's live variant.
func (r *Registry) Deployed(model string, spectrum domain.Spectrum) (domain.PromptVariant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.deployed[pairKey(model, spectrum)]
	if !ok {
		return domain.PromptVariant{}, false
	}
	return *r.byID[id], true
}

// Get returns a variant snapshot by id.
func (r *Registry) Get(variantID string) (domain.PromptVariant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.byID[variantID]
	if !ok {
		return domain.PromptVariant{}, false
	}
	return *v, true
}
