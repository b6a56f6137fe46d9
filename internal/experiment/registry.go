package experiment

import (
	"context"
	"sync"
	"time"

	"github.com/szaher/chatflow/internal/events"
)

// Registry holds the active experiment configuration. Swap replaces the
// whole set atomically, which is how config hot reload delivers new
// experiments without a restart.
type Registry struct {
	mu          sync.RWMutex
	experiments []Experiment
	now         func() time.Time
}

// NewRegistry creates a registry with the given experiments.
func NewRegistry(experiments []Experiment) *Registry {
	return &Registry{
		experiments: append([]Experiment(nil), experiments...),
		now:         time.Now,
	}
}

// Swap replaces the experiment set.
func (r *Registry) Swap(experiments []Experiment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.experiments = append([]Experiment(nil), experiments...)
}

// Active returns the experiments running right now.
func (r *Registry) Active() []Experiment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	var out []Experiment
	for _, e := range r.experiments {
		if e.ActiveAt(now) {
			out = append(out, e)
		}
	}
	return out
}

// Engine resolves assignments and records exposures.
type Engine struct {
	registry *Registry
	emitter  events.Emitter
}

// NewEngine creates an engine over the registry. emitter may be nil.
func NewEngine(registry *Registry, emitter events.Emitter) *Engine {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	return &Engine{registry: registry, emitter: emitter}
}

// Assign resolves the subject's variant for every active experiment
// that targets the given intent. Deterministic: the same subject and
// configuration always produce the same assignments.
func (e *Engine) Assign(subjectID, intent string) []Assignment {
	var out []Assignment
	for _, exp := range e.registry.Active() {
		if !exp.appliesTo(intent) || !enrolled(subjectID, &exp) {
			continue
		}
		v := selectVariant(subjectID, &exp)
		out = append(out, Assignment{
			ExperimentKey: exp.Key,
			VariantID:     v.ID,
			VariantName:   v.Name,
			UIOverrides:   v.UIOverrides,
		})
	}
	return out
}

// TrackExposure records that the subject saw their assigned variants
// this turn. Fire-and-forget: the sink may drop under pressure and the
// turn does not care.
func (e *Engine) TrackExposure(_ context.Context, accountID, sessionID, subjectID string, assignments []Assignment) {
	for _, a := range assignments {
		e.emitter.Emit(events.New(events.ExperimentExposed).
			WithScope(accountID, sessionID).
			WithData("subject_id", subjectID).
			WithData("experiment_key", a.ExperimentKey).
			WithData("variant_id", a.VariantID))
	}
}

// MergeOverrides folds all assignment overrides into one, later
// assignments winning field by field.
func MergeOverrides(assignments []Assignment) UIOverrides {
	var out UIOverrides
	for _, a := range assignments {
		o := a.UIOverrides
		if o.Layout != "" {
			out.Layout = o.Layout
		}
		if o.Tone != "" {
			out.Tone = o.Tone
		}
		if o.ResponseLength != "" {
			out.ResponseLength = o.ResponseLength
		}
		if len(o.ShowQuickActions) > 0 {
			out.ShowQuickActions = o.ShowQuickActions
		}
		if o.PromptVariant != "" {
			out.PromptVariant = o.PromptVariant
		}
	}
	return out
}
