package plugin

import (
	"fmt"
	"reflect"

	"go.uber.org/zap"

	"github.com/moellere/kpc-controller/internal/reconcile"
)

// fieldsEqual reports whether current already matches every key present in
// desired; fields desired doesn't mention are left alone, per the generic
// reconciler's contract.
func fieldsEqual(current, desired map[string]any) bool {
	for k, v := range desired {
		if !reflect.DeepEqual(normalize(current[k]), normalize(v)) {
			return false
		}
	}
	return true
}

// normalize collapses the numeric-type differences a JSON round trip
// introduces (the appliance always returns float64; Go callers build
// payloads with int/int32) so fieldsEqual compares values, not Go types.
func normalize(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	}
	return v
}

func ownedByDescriptionPrefix(prefix string) func(map[string]any) bool {
	return func(current map[string]any) bool {
		desc, _ := current["description"].(string)
		return len(desc) >= len(prefix) && desc[:len(prefix)] == prefix
	}
}

func ownedByNamePrefix(prefix string) func(map[string]any) bool {
	return func(current map[string]any) bool {
		name, _ := current["name"].(string)
		return len(name) >= len(prefix) && name[:len(prefix)] == prefix
	}
}

func toRecords(rows map[string]map[string]any) map[string]reconcile.Record {
	out := make(map[string]reconcile.Record, len(rows))
	for k, v := range rows {
		out[k] = reconcile.Record{UUID: uuidOf(v), Fields: v}
	}
	return out
}

func logResult(log *zap.SugaredLogger, plugin string, res reconcile.Result) {
	log.Infow("reconcile pass complete",
		"plugin", plugin,
		"added", len(res.Added),
		"updated", len(res.Updated),
		"deleted", len(res.Deleted),
		"errors", len(res.Errors),
	)
}

func firstError(plugin string, res reconcile.Result) error {
	if len(res.Errors) == 0 {
		return nil
	}
	return fmt.Errorf("%s: %d mutation(s) failed, first: %w", plugin, len(res.Errors), res.Errors[0])
}
