package reconcile

import (
	"errors"
	"reflect"
	"sort"
	"testing"

	"go.uber.org/zap"
)

func testLogger(t *testing.T) *zap.SugaredLogger {
	t.Helper()
	l, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("building logger: %v", err)
	}
	return l.Sugar()
}

func ownedByPrefix(prefix string) func(map[string]any) bool {
	return func(current map[string]any) bool {
		desc, _ := current["description"].(string)
		return len(desc) >= len(prefix) && desc[:len(prefix)] == prefix
	}
}

func equalFields(fields ...string) func(current, desired map[string]any) bool {
	return func(current, desired map[string]any) bool {
		for _, f := range fields {
			if !reflect.DeepEqual(current[f], desired[f]) {
				return false
			}
		}
		return true
	}
}

// fakeStore is a minimal in-memory appliance used to exercise Spec's mutating
// callbacks without a real HTTP server.
type fakeStore struct {
	items    map[string]map[string]any
	nextUUID int
	commits  int
}

func newFakeStore(initial map[string]map[string]any) *fakeStore {
	items := make(map[string]map[string]any, len(initial))
	for k, v := range initial {
		items[k] = v
	}
	return &fakeStore{items: items}
}

func (s *fakeStore) spec(key func(map[string]any) string, owned func(map[string]any) bool, equal func(current, desired map[string]any) bool) Spec {
	return Spec{
		Equal: equal,
		Owned: owned,
		Add: func(desired map[string]any) error {
			s.nextUUID++
			uuid := string(rune('a' + s.nextUUID))
			cp := make(map[string]any, len(desired)+1)
			for k, v := range desired {
				cp[k] = v
			}
			cp["uuid"] = uuid
			s.items[key(cp)] = cp
			return nil
		},
		Update: func(uuid string, desired map[string]any) error {
			for k, v := range s.items {
				if v["uuid"] == uuid {
					cp := make(map[string]any, len(desired)+1)
					for fk, fv := range desired {
						cp[fk] = fv
					}
					cp["uuid"] = uuid
					s.items[k] = cp
					return nil
				}
			}
			return errors.New("not found")
		},
		Delete: func(uuid string) error {
			for k, v := range s.items {
				if v["uuid"] == uuid {
					delete(s.items, k)
					return nil
				}
			}
			return errors.New("not found")
		},
		OnChange: func() error {
			s.commits++
			return nil
		},
	}
}

func toRecords(items map[string]map[string]any) map[string]Record {
	out := make(map[string]Record, len(items))
	for k, v := range items {
		uuid, _ := v["uuid"].(string)
		out[k] = Record{UUID: uuid, Fields: v}
	}
	return out
}

func TestReconcileAddUpdateDelete(t *testing.T) {
	log := testLogger(t)

	store := newFakeStore(map[string]map[string]any{
		"kpc-10.0.0.1": {"uuid": "uuid-1", "description": "kpc-10.0.0.1", "peergroup": "old"},
		"kpc-10.0.0.3": {"uuid": "uuid-3", "description": "kpc-10.0.0.3", "peergroup": "metallb"},
	})

	desired := map[string]Record{
		"kpc-10.0.0.1": {Fields: map[string]any{"address": "10.0.0.1", "description": "kpc-10.0.0.1", "peergroup": "metallb", "some": "value"}},
		"kpc-10.0.0.2": {Fields: map[string]any{"address": "10.0.0.2", "description": "kpc-10.0.0.2", "peergroup": "metallb", "some": "value"}},
	}

	spec := store.spec(
		func(m map[string]any) string { return m["description"].(string) },
		ownedByPrefix("kpc-"),
		equalFields("address", "description", "peergroup", "some"),
	)

	res := Reconcile(log, desired, toRecords(store.items), spec)

	if len(res.Added) != 1 || res.Added[0] != "kpc-10.0.0.2" {
		t.Fatalf("expected one add for kpc-10.0.0.2, got %v", res.Added)
	}
	if len(res.Updated) != 1 || res.Updated[0] != "kpc-10.0.0.1" {
		t.Fatalf("expected one update for kpc-10.0.0.1, got %v", res.Updated)
	}
	if len(res.Deleted) != 1 || res.Deleted[0] != "kpc-10.0.0.3" {
		t.Fatalf("expected one delete for kpc-10.0.0.3, got %v", res.Deleted)
	}
	if store.commits != 1 {
		t.Fatalf("expected exactly one commit, got %d", store.commits)
	}

	// Invariant 1: every desired record is now present and equal.
	for key, d := range desired {
		c, ok := store.items[key]
		if !ok {
			t.Fatalf("desired key %q missing from store after reconcile", key)
		}
		if !spec.Equal(c, d.Fields) {
			t.Fatalf("stored record for %q does not equal desired: %v vs %v", key, c, d.Fields)
		}
	}
	// Invariant 2: the orphaned owned record is gone.
	if _, ok := store.items["kpc-10.0.0.3"]; ok {
		t.Fatalf("owned orphan kpc-10.0.0.3 should have been deleted")
	}

	// Invariant 4 (idempotence): reconciling again with the same desired
	// state against the now-converged store makes zero mutations.
	res2 := Reconcile(log, desired, toRecords(store.items), spec)
	if len(res2.Added)+len(res2.Updated)+len(res2.Deleted) != 0 {
		t.Fatalf("expected zero mutations on second reconcile, got %+v", res2)
	}
}

func TestReconcileNeverDeletesUnowned(t *testing.T) {
	log := testLogger(t)

	store := newFakeStore(map[string]map[string]any{
		"manual-entry": {"uuid": "uuid-9", "description": "hand configured, not ours"},
	})

	spec := store.spec(
		func(m map[string]any) string { return m["description"].(string) },
		ownedByPrefix("kpc-"),
		equalFields("description"),
	)

	res := Reconcile(log, map[string]Record{}, toRecords(store.items), spec)

	if len(res.Deleted) != 0 {
		t.Fatalf("expected no deletes, got %v", res.Deleted)
	}
	if _, ok := store.items["manual-entry"]; !ok {
		t.Fatalf("unowned record must never be deleted")
	}
}

func TestReconcileContinuesAfterMutationFailure(t *testing.T) {
	log := testLogger(t)

	desired := map[string]Record{
		"a": {Fields: map[string]any{"description": "a"}},
		"b": {Fields: map[string]any{"description": "b"}},
	}
	var added []string
	commits := 0
	spec := Spec{
		Equal: equalFields("description"),
		Owned: ownedByPrefix("kpc-"),
		Add: func(desired map[string]any) error {
			if desired["description"] == "a" {
				return errors.New("boom")
			}
			added = append(added, desired["description"].(string))
			return nil
		},
		Update: func(string, map[string]any) error { return nil },
		Delete: func(string) error { return nil },
		OnChange: func() error {
			commits++
			return nil
		},
	}

	res := Reconcile(log, desired, map[string]Record{}, spec)

	if len(res.Errors) != 1 {
		t.Fatalf("expected exactly one error, got %v", res.Errors)
	}
	if !reflect.DeepEqual(added, []string{"b"}) {
		t.Fatalf("expected b to still be added despite a's failure, got %v", added)
	}
	if commits != 1 {
		t.Fatalf("expected commit to run once despite the partial failure, got %d", commits)
	}
}

func TestSortedKeysDeterministic(t *testing.T) {
	m := map[string]Record{"z": {}, "a": {}, "m": {}}
	keys := sortedKeys(m)
	if !sort.StringsAreSorted(keys) {
		t.Fatalf("expected sorted keys, got %v", keys)
	}
}
