package plugin

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/moellere/kpc-controller/internal/appliance"
	"github.com/moellere/kpc-controller/internal/cluster"
	"github.com/moellere/kpc-controller/internal/reconcile"
)

// DNSIngresses publishes one Unbound host override per ingress rule host
// that has a resolved load-balancer IP.
type DNSIngresses struct {
	Ingresses func(ctx context.Context) ([]cluster.Ingress, error)
	Appliance appliance.Caller
}

func (p *DNSIngresses) Name() string { return "opnsense-dns-ingresses" }

func (p *DNSIngresses) Kinds() []cluster.Kind { return []cluster.Kind{cluster.KindIngress} }

func (p *DNSIngresses) Reconcile(ctx context.Context, log *zap.SugaredLogger) error {
	ingresses, err := p.Ingresses(ctx)
	if err != nil {
		return fmt.Errorf("opnsense-dns-ingresses: listing ingresses: %w", err)
	}

	desired := make(map[string]reconcile.Record)
	for _, ing := range ingresses {
		ip, ok := ing.LoadBalancerIP()
		if !ok {
			log.Warnw("skipping ingress with no load-balancer ip", "plugin", p.Name(), "ingress", ing.Namespace+"/"+ing.Name)
			continue
		}
		for _, rule := range ing.Rules {
			if rule.Host == "" {
				continue
			}
			host, domain, ok := splitFQDN(rule.Host)
			if !ok {
				log.Warnw("skipping rule: host is not a valid FQDN", "plugin", p.Name(), "ingress", ing.Namespace+"/"+ing.Name, "host", rule.Host)
				continue
			}
			desired[rule.Host] = reconcile.Record{Fields: map[string]any{
				"host":        host,
				"domain":      domain,
				"ip":          ip,
				"description": fmt.Sprintf("Managed by K8s Ingress %s/%s", ing.Namespace, ing.Name),
			}}
		}
	}

	s := hostOverrideStore(p.Appliance)
	current, err := s.rows(ctx, hostDomainKey)
	if err != nil {
		return fmt.Errorf("opnsense-dns-ingresses: %w", err)
	}

	spec := reconcile.Spec{
		Equal:  fieldsEqualOn("ip"),
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
