// Package reconcile implements the generic three-way diff between a desired
// and a current set of appliance objects, and the minimal add/update/delete
// calls needed to converge them.
package reconcile

import (
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// Record is an appliance-side object. UUID is empty for records that only
// exist in the desired set; Fields holds the payload the plugin compares and
// sends to the appliance.
type Record struct {
	UUID   string
	Fields map[string]any
}

// Spec bundles the per-kind behavior the generic reconciler needs: equality,
// ownership, the three mutating calls, and an optional commit hook.
type Spec struct {
	// Equal reports whether current already matches desired for every field
	// the controller cares about. Fields desired doesn't mention are left
	// alone.
	Equal func(current, desired map[string]any) bool

	// Owned reports whether current may be deleted when it is absent from
	// the desired set.
	Owned func(current map[string]any) bool

	Add    func(desired map[string]any) error
	Update func(uuid string, desired map[string]any) error
	Delete func(uuid string) error

	// OnChange is invoked at most once, iff at least one Add/Update/Delete
	// succeeded.
	OnChange func() error
}

// Result reports what a single reconcile pass did, for logging and testing.
type Result struct {
	Added, Updated, Deleted []string
	Errors                  []error
}

func (r *Result) changed() bool {
	return len(r.Added) > 0 || len(r.Updated) > 0 || len(r.Deleted) > 0
}

// Reconcile brings current in line with desired according to spec. Desired
// keys are visited in sorted order (adds and updates), then current-only keys
// in sorted order (deletes), so call sequences are deterministic for tests. A failed mutation is logged and does not abort
// the pass; the commit hook runs iff at least one mutation succeeded.
func Reconcile(log *zap.SugaredLogger, desired map[string]Record, current map[string]Record, spec Spec) Result {
	var res Result

	for _, key := range sortedKeys(desired) {
		d := desired[key]
		c, exists := current[key]
		switch {
		case !exists:
			if err := spec.Add(d.Fields); err != nil {
				log.Errorw("failed to add appliance object", "key", key, "error", err)
				res.Errors = append(res.Errors, fmt.Errorf("add %q: %w", key, err))
				continue
			}
			res.Added = append(res.Added, key)
		case !spec.Equal(c.Fields, d.Fields):
			if err := spec.Update(c.UUID, d.Fields); err != nil {
				log.Errorw("failed to update appliance object", "key", key, "uuid", c.UUID, "error", err)
				res.Errors = append(res.Errors, fmt.Errorf("update %q: %w", key, err))
				continue
			}
			res.Updated = append(res.Updated, key)
		default:
			log.Debugw("appliance object already up to date", "key", key)
		}
	}

	for _, key := range sortedKeys(current) {
		if _, wanted := desired[key]; wanted {
			continue
		}
		c := current[key]
		if !spec.Owned(c.Fields) {
			log.Debugw("skipping delete of unowned appliance object", "key", key)
			continue
		}
		if err := spec.Delete(c.UUID); err != nil {
			log.Errorw("failed to delete appliance object", "key", key, "uuid", c.UUID, "error", err)
			res.Errors = append(res.Errors, fmt.Errorf("delete %q: %w", key, err))
			continue
		}
		res.Deleted = append(res.Deleted, key)
	}

	if res.changed() && spec.OnChange != nil {
		if err := spec.OnChange(); err != nil {
			log.Errorw("commit failed", "error", err)
			res.Errors = append(res.Errors, fmt.Errorf("commit: %w", err))
		}
	}

	return res
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
