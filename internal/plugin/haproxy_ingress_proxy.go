package plugin

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/moellere/kpc-controller/internal/appliance"
	"github.com/moellere/kpc-controller/internal/cluster"
	"github.com/moellere/kpc-controller/internal/config"
	"github.com/moellere/kpc-controller/internal/reconcile"
)

// HAProxyIngressProxy emits one ACL and one action per ingress rule host,
// keyed "kic-<host>", routing matched traffic to a single default backend.
type HAProxyIngressProxy struct {
	Ingresses func(ctx context.Context) ([]cluster.Ingress, error)
	Appliance appliance.Caller
	Config    config.HAProxyIngressProxy
}

func (p *HAProxyIngressProxy) Name() string { return "haproxy-ingress-proxy" }

func (p *HAProxyIngressProxy) Kinds() []cluster.Kind { return []cluster.Kind{cluster.KindIngress} }

func (p *HAProxyIngressProxy) Reconcile(ctx context.Context, log *zap.SugaredLogger) error {
	ingresses, err := p.Ingresses(ctx)
	if err != nil {
		return fmt.Errorf("haproxy-ingress-proxy: listing ingresses: %w", err)
	}

	desiredACLs := make(map[string]reconcile.Record)
	hosts := make(map[string]struct{})
	for _, ing := range ingresses {
		for _, rule := range ing.Rules {
			if rule.Host == "" {
				continue
			}
			key := "kic-" + rule.Host
			hosts[rule.Host] = struct{}{}
			desiredACLs[key] = reconcile.Record{Fields: map[string]any{
				"name":        key,
				"expression":  "host_matches",
				"value":       rule.Host,
				"description": fmt.Sprintf("Managed by K8s Ingress %s/%s", ing.Namespace, ing.Name),
			}}
		}
	}

	acls := aclStore(p.Appliance)
	actions := actionStore(p.Appliance)

	aclChanged, err := p.reconcileACLs(ctx, log, acls, desiredACLs)
	if err != nil {
		return err
	}

	refreshedACLs, err := acls.rows(ctx, nameKey)
	if err != nil {
		return fmt.Errorf("haproxy-ingress-proxy: refreshing acls: %w", err)
	}

	desiredActions := make(map[string]reconcile.Record)
	for host := range hosts {
		key := "kic-" + host
		aclRow, ok := refreshedACLs[key]
		if !ok {
			log.Warnw("skipping action: acl uuid not resolved", "plugin", p.Name(), "host", host)
			continue
		}
		desiredActions[key] = reconcile.Record{Fields: map[string]any{
			"name":      key,
			"test_type": "if",
			"operator":  "and",
			"acls":      uuidOf(aclRow),
			"backend":   p.Config.DefaultBackend,
		}}
	}

	actionChanged, err := p.reconcileActions(ctx, log, actions, desiredActions)
	if err != nil {
		return err
	}

	if aclChanged || actionChanged {
		if err := commit(ctx, p.Appliance, haproxyReconfigurePath); err != nil {
			return fmt.Errorf("haproxy-ingress-proxy: commit: %w", err)
		}
	}
	return nil
}

func nameKey(row map[string]any) (string, bool) {
	name, ok := row["name"].(string)
	return name, ok
}

func (p *HAProxyIngressProxy) reconcileACLs(ctx context.Context, log *zap.SugaredLogger, s store, desired map[string]reconcile.Record) (bool, error) {
	current, err := s.rows(ctx, nameKey)
	if err != nil {
		return false, fmt.Errorf("haproxy-ingress-proxy: listing acls: %w", err)
	}
	spec := reconcile.Spec{
		Equal:  fieldsEqual,
		Owned:  ownedByNamePrefix("kic-"),
		Add:    func(fields map[string]any) error { return s.add(ctx, fields) },
		Update: func(uuid string, fields map[string]any) error { return s.update(ctx, uuid, fields) },
		Delete: func(uuid string) error { return s.delete(ctx, uuid) },
	}
	res := reconcile.Reconcile(log, desired, toRecords(current), spec)
	logResult(log, p.Name()+"/acl", res)
	if err := firstError(p.Name(), res); err != nil {
		return false, err
	}
	return len(res.Added) > 0 || len(res.Updated) > 0 || len(res.Deleted) > 0, nil
}

func (p *HAProxyIngressProxy) reconcileActions(ctx context.Context, log *zap.SugaredLogger, s store, desired map[string]reconcile.Record) (bool, error) {
	current, err := s.rows(ctx, nameKey)
	if err != nil {
		return false, fmt.Errorf("haproxy-ingress-proxy: listing actions: %w", err)
	}
	spec := reconcile.Spec{
		Equal:  actionFieldsEqual,
		Owned:  ownedByNamePrefix("kic-"),
		Add:    func(fields map[string]any) error { return s.add(ctx, fields) },
		Update: func(uuid string, fields map[string]any) error { return s.update(ctx, uuid, fields) },
		Delete: func(uuid string) error { return s.delete(ctx, uuid) },
	}
	res := reconcile.Reconcile(log, desired, toRecords(current), spec)
	logResult(log, p.Name()+"/action", res)
	if err := firstError(p.Name(), res); err != nil {
		return false, err
	}
	return len(res.Added) > 0 || len(res.Updated) > 0 || len(res.Deleted) > 0, nil
}

// actionFieldsEqual compares actions field-by-field like fieldsEqual, except
// "acls" is compared as an order-insensitive set of UUIDs since the
// comma-joined order is an implementation detail, not a semantic change.
func actionFieldsEqual(current, desired map[string]any) bool {
	for k, v := range desired {
		if k != "acls" {
			if !fieldsEqual(map[string]any{k: current[k]}, map[string]any{k: v}) {
				return false
			}
			continue
		}
		if !sameUUIDSet(current["acls"], v) {
			return false
		}
	}
	return true
}

func sameUUIDSet(current, desired any) bool {
	cs, _ := current.(string)
	ds, _ := desired.(string)
	return splitSorted(cs) == splitSorted(ds)
}

func splitSorted(csv string) string {
	parts := strings.Split(csv, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	// A simple insertion sort keeps this dependency-free for what's normally
	// a one or two element list.
	for i := 1; i < len(parts); i++ {
		for j := i; j > 0 && parts[j-1] > parts[j]; j-- {
			parts[j-1], parts[j] = parts[j], parts[j-1]
		}
	}
	return strings.Join(parts, ",")
}
