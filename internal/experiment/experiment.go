// Package experiment assigns chat subjects to A/B experiment variants.
// Assignment is a pure function of (subjectID, experimentKey) and the
// experiment configuration: no assignment table, the same subject lands
// in the same bucket on every turn until the experiment changes.
package experiment

import (
	"hash/fnv"
	"time"
)

// UIOverrides are the decision adjustments a variant carries. Zero
// values mean "no override".
type UIOverrides struct {
	Layout           string   `yaml:"layout" json:"layout,omitempty"`
	Tone             string   `yaml:"tone" json:"tone,omitempty"`
	ResponseLength   string   `yaml:"responseLength" json:"responseLength,omitempty"`
	ShowQuickActions []string `yaml:"showQuickActions" json:"showQuickActions,omitempty"`
	PromptVariant    string   `yaml:"promptVariant" json:"promptVariant,omitempty"`
}

// Variant is one arm of an experiment.
type Variant struct {
	ID          string      `yaml:"id"`
	Name        string      `yaml:"name"`
	Weight      int         `yaml:"weight"`
	UIOverrides UIOverrides `yaml:"uiOverrides"`
}

// Experiment is one configured A/B test.
type Experiment struct {
	Key        string    `yaml:"key"`
	Name       string    `yaml:"name"`
	Variants   []Variant `yaml:"variants"`
	Allocation int       `yaml:"allocation"` // 0-100 percent of subjects enrolled

	// TargetIntents, when non-empty, limits the experiment to turns
	// whose understood intent is listed.
	TargetIntents []string `yaml:"targetIntents"`

	Enabled bool       `yaml:"enabled"`
	StartAt *time.Time `yaml:"startAt"`
	EndAt   *time.Time `yaml:"endAt"`
}

// ActiveAt reports whether the experiment is running at t.
func (e *Experiment) ActiveAt(t time.Time) bool {
	if !e.Enabled || len(e.Variants) == 0 {
		return false
	}
	if e.StartAt != nil && t.Before(*e.StartAt) {
		return false
	}
	if e.EndAt != nil && t.After(*e.EndAt) {
		return false
	}
	return true
}

// appliesTo reports whether the experiment targets the given intent.
func (e *Experiment) appliesTo(intent string) bool {
	if len(e.TargetIntents) == 0 {
		return true
	}
	for _, t := range e.TargetIntents {
		if t == intent {
			return true
		}
	}
	return false
}

// Assignment is the resolved variant for one subject and experiment.
type Assignment struct {
	ExperimentKey string      `json:"experimentKey"`
	VariantID     string      `json:"variantId"`
	VariantName   string      `json:"variantName"`
	UIOverrides   UIOverrides `json:"-"`
}

// bucket hashes a salted subject key into [0, mod). FNV-1a keeps the
// assignment reproducible across processes and restarts.
func bucket(subjectID, experimentKey, salt string, mod int) int {
	h := fnv.New64a()
	h.Write([]byte(subjectID))
	h.Write([]byte{':'})
	h.Write([]byte(experimentKey))
	h.Write([]byte{':'})
	h.Write([]byte(salt))
	return int(h.Sum64() % uint64(mod))
}

// enrolled reports whether the subject falls inside the experiment's
// allocation percentage.
func enrolled(subjectID string, e *Experiment) bool {
	if e.Allocation <= 0 {
		return false
	}
	if e.Allocation >= 100 {
		return true
	}
	return bucket(subjectID, e.Key, "allocation", 100) < e.Allocation
}

// selectVariant picks a variant by cumulative weight. The salt differs
// from the allocation salt so enrollment and arm selection are
// independent draws.
func selectVariant(subjectID string, e *Experiment) Variant {
	total := 0
	for _, v := range e.Variants {
		if v.Weight > 0 {
			total += v.Weight
		}
	}
	if total == 0 {
		return e.Variants[0]
	}

	b := bucket(subjectID, e.Key, "variant", total)
	cumulative := 0
	for _, v := range e.Variants {
		if v.Weight <= 0 {
			continue
		}
		cumulative += v.Weight
		if b < cumulative {
			return v
		}
	}
	return e.Variants[0]
}
