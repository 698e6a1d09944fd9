package plugin

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/moellere/kpc-controller/internal/appliance"
	"github.com/moellere/kpc-controller/internal/cluster"
	"github.com/moellere/kpc-controller/internal/config"
	"github.com/moellere/kpc-controller/internal/reconcile"
)

// dnsHAProxyIngressProxyAnnotation overrides the target frontend an ingress
// resolves to; absent it, the haproxy-ingress-proxy plugin's own
// defaultFrontend applies.
const dnsHAProxyIngressProxyAnnotation = "haproxy-ingress-proxy.opnsense.org/frontend"

// DNSHAProxyIngressProxy publishes one Unbound host alias per ingress rule
// host, pointing at the hostname of its resolved HAProxy frontend. It shares
// the haproxy-ingress-proxy plugin's configuration block so frontend-to-
// hostname resolution stays in one place.
type DNSHAProxyIngressProxy struct {
	Ingresses           func(ctx context.Context) ([]cluster.Ingress, error)
	Appliance           appliance.Caller
	HAProxyIngressProxy config.HAProxyIngressProxy
}

func (p *DNSHAProxyIngressProxy) Name() string { return "opnsense-dns-haproxy-ingress-proxy" }

func (p *DNSHAProxyIngressProxy) Kinds() []cluster.Kind { return []cluster.Kind{cluster.KindIngress} }

func (p *DNSHAProxyIngressProxy) Reconcile(ctx context.Context, log *zap.SugaredLogger) error {
	ingresses, err := p.Ingresses(ctx)
	if err != nil {
		return fmt.Errorf("opnsense-dns-haproxy-ingress-proxy: listing ingresses: %w", err)
	}

	desired := make(map[string]reconcile.Record)
	for _, ing := range ingresses {
		frontendName := ing.Annotations[dnsHAProxyIngressProxyAnnotation]
		if frontendName == "" {
			frontendName = p.HAProxyIngressProxy.DefaultFrontend
		}
		frontend, ok := p.HAProxyIngressProxy.Frontends[frontendName]
		if !ok || frontend.Hostname == "" {
			continue
		}
		for _, rule := range ing.Rules {
			if rule.Host == "" {
				continue
			}
			desired[rule.Host] = reconcile.Record{Fields: map[string]any{
				"host":        rule.Host,
				"target":      frontend.Hostname,
				"description": fmt.Sprintf("Managed by K8s Ingress %s/%s", ing.Namespace, ing.Name),
			}}
		}
	}

	s := hostAliasStore(p.Appliance)
	current, err := s.rows(ctx, func(row map[string]any) (string, bool) {
		host, ok := row["host"].(string)
		return host, ok
	})
	if err != nil {
		return fmt.Errorf("opnsense-dns-haproxy-ingress-proxy: %w", err)
	}

	spec := reconcile.Spec{
		Equal:  fieldsEqualOn("target"),
		Owned:  ownedByDescriptionPrefix(managedMarker),
		Add:    func(fields map[string]any) error { return s.add(ctx, fields) },
		Update: func(uuid string, fields map[string]any) error { return s.update(ctx, uuid, fields) },
		Delete: func(uuid string) error { return s.delete(ctx, uuid) },
		OnChange: func() error {
			return commit(ctx, p.Appliance, unboundReconfigurePath)
		},
	}

	res := reconcile.Reconcile(log, desired, toRecords(current), spec)
	logResult(log, p.Name(), res)
	return firstError(p.Name(), res)
}
