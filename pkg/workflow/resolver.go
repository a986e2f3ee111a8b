package workflow

// StringSet is a set of step ids.
type StringSet map[string]struct{}

// NewStringSet builds a set from the given ids.
func NewStringSet(ids ...string) StringSet {
	s := make(StringSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Has reports membership.
func (s StringSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Add inserts an id.
func (s StringSet) Add(id string) {
	s[id] = struct{}{}
}

// ReadySteps computes the next batch of runnable steps.
//
// A step is ready iff it is in neither completed nor pending, and every one
// of its dependencies is in completed. Dependencies satisfied by a skipped
// step count as completed for downstream purposes; callers include skipped
// ids in the completed set.
//
// Returns the empty list when nothing is newly runnable. An empty result
// while pending is non-empty and nothing is in flight indicates an
// unsatisfiable graph; the orchestrator surfaces that as a deadlock.
func ReadySteps(steps []StepSpec, completed, pending StringSet) []StepSpec {
	var ready []StepSpec
	for _, step := range steps {
		if completed.Has(step.ID) || pending.Has(step.ID) {
			continue
		}
		satisfied := true
		for _, dep := range step.DependsOn {
			if !completed.Has(dep) {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, step)
		}
	}
	return ready
}
