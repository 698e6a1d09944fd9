// Package plugin implements the six cluster-to-appliance reconciliation
// plugins on top of internal/reconcile's generic diff primitive.
package plugin

import (
	"context"
	"fmt"

	"github.com/moellere/kpc-controller/internal/appliance"
	"github.com/moellere/kpc-controller/internal/config"
)

// store drives one family of appliance settings objects that follows the
// search_X / add_X / set_X / del_X convention — BGP neighbors, HAProxy
// backends/frontends/ACLs/actions, Unbound host overrides/aliases all share
// this shape, differing only in base path, item name, and payload wrapper
// key.
type store struct {
	caller     appliance.Caller
	basePath   string
	item       string
	payloadKey string
}

func (s store) searchPath() string { return fmt.Sprintf("%s/search_%s", s.basePath, s.item) }
func (s store) addPath() string    { return fmt.Sprintf("%s/add_%s", s.basePath, s.item) }
func (s store) setPath(uuid string) string {
	return fmt.Sprintf("%s/set_%s/%s", s.basePath, s.item, uuid)
}
func (s store) delPath(uuid string) string {
	return fmt.Sprintf("%s/del_%s/%s", s.basePath, s.item, uuid)
}

// rows fetches every row from the search endpoint, keyed by keyFn. Rows
// keyFn rejects are silently skipped, matching the original plugins'
// "if key in row" guard.
func (s store) rows(ctx context.Context, keyFn func(row map[string]any) (string, bool)) (map[string]map[string]any, error) {
	var resp struct {
		Rows []map[string]any `json:"rows"`
	}
	if err := s.caller.Get(ctx, s.searchPath(), &resp); err != nil {
		return nil, fmt.Errorf("searching %s: %w", s.item, err)
	}
	out := make(map[string]map[string]any, len(resp.Rows))
	for _, row := range resp.Rows {
		key, ok := keyFn(row)
		if !ok {
			continue
		}
		out[key] = row
	}
	return out, nil
}

func (s store) wrap(fields map[string]any) any {
	if s.payloadKey == "" {
		return fields
	}
	return map[string]any{s.payloadKey: fields}
}

func (s store) add(ctx context.Context, fields map[string]any) error {
	return s.caller.Post(ctx, s.addPath(), s.wrap(fields), nil)
}

func (s store) update(ctx context.Context, uuid string, fields map[string]any) error {
	return s.caller.Post(ctx, s.setPath(uuid), s.wrap(fields), nil)
}

func (s store) delete(ctx context.Context, uuid string) error {
	return s.caller.Delete(ctx, s.delPath(uuid))
}

func uuidOf(row map[string]any) string {
	u, _ := row["uuid"].(string)
	return u
}

// neighborStore returns the BGP-neighbor store for impl, and the path its
// service reload commit goes to. An unknown impl is a fatal configuration
// error, per spec.
func neighborStore(caller appliance.Caller, impl config.BGPImplementation) (store, string, error) {
	switch impl {
	case config.BGPOpenBGPD:
		return store{caller: caller, basePath: "/api/openbgpd/settings", item: "neighbor", payloadKey: "neighbor"},
			"/api/openbgpd/service/reload", nil
	case config.BGPFRR:
		return store{caller: caller, basePath: "/api/frr/settings", item: "bgp_neighbor", payloadKey: "neighbor"},
			"/api/frr/service/reload", nil
	default:
		return store{}, "", fmt.Errorf("unknown bgp-implementation %q", impl)
	}
}

func backendStore(caller appliance.Caller) store {
	return store{caller: caller, basePath: "/api/haproxy/settings", item: "backend", payloadKey: "backend"}
}

func frontendStore(caller appliance.Caller) store {
	return store{caller: caller, basePath: "/api/haproxy/settings", item: "frontend", payloadKey: "frontend"}
}

func aclStore(caller appliance.Caller) store {
	return store{caller: caller, basePath: "/api/haproxy/settings", item: "acl", payloadKey: "acl"}
}

func actionStore(caller appliance.Caller) store {
	return store{caller: caller, basePath: "/api/haproxy/settings", item: "action", payloadKey: "action"}
}

func hostOverrideStore(caller appliance.Caller) store {
	return store{caller: caller, basePath: "/api/unbound/settings", item: "host_override", payloadKey: "host"}
}

func hostAliasStore(caller appliance.Caller) store {
	return store{caller: caller, basePath: "/api/unbound/settings", item: "host_alias", payloadKey: "alias"}
}

const (
	haproxyReconfigurePath = "/api/haproxy/service/reconfigure"
	unboundReconfigurePath = "/api/unbound/service/reconfigure"
)

func commit(ctx context.Context, caller appliance.Caller, path string) error {
	return caller.Post(ctx, path, nil, nil)
}
