package plugin

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/moellere/kpc-controller/internal/appliance"
	"github.com/moellere/kpc-controller/internal/cluster"
	"github.com/moellere/kpc-controller/internal/reconcile"
)

// dnsServicesAnnotation names the hostname a LoadBalancer service publishes
// as an Unbound host override.
const dnsServicesAnnotation = "dns.opnsense.org/hostname"

// DNSServices publishes one Unbound host override per annotated LoadBalancer
// service.
type DNSServices struct {
	Services  func(ctx context.Context) ([]cluster.Service, error)
	Appliance appliance.Caller
}

func (p *DNSServices) Name() string { return "opnsense-dns-services" }

func (p *DNSServices) Kinds() []cluster.Kind { return []cluster.Kind{cluster.KindService} }

func (p *DNSServices) Reconcile(ctx context.Context, log *zap.SugaredLogger) error {
	services, err := p.Services(ctx)
	if err != nil {
		return fmt.Errorf("opnsense-dns-services: listing services: %w", err)
	}

	desired := make(map[string]reconcile.Record)
	for _, svc := range services {
		if svc.Type != "LoadBalancer" {
			continue
		}
		hostname, ok := svc.Annotations[dnsServicesAnnotation]
		if !ok {
			continue
		}
		ip, ok := svc.LoadBalancerIP()
		if !ok {
			log.Warnw("skipping service with no load-balancer ip", "plugin", p.Name(), "service", svc.Namespace+"/"+svc.Name)
			continue
		}
		host, domain, ok := splitFQDN(hostname)
		if !ok {
			log.Warnw("skipping service: hostname is not a valid FQDN", "plugin", p.Name(), "service", svc.Namespace+"/"+svc.Name, "hostname", hostname)
			continue
		}
		desired[hostname] = reconcile.Record{Fields: map[string]any{
			"host":        host,
			"domain":      domain,
			"ip":          ip,
			"description": fmt.Sprintf("Managed by K8s Service %s/%s", svc.Namespace, svc.Name),
		}}
	}

	s := hostOverrideStore(p.Appliance)
	current, err := s.rows(ctx, hostDomainKey)
	if err != nil {
		return fmt.Errorf("opnsense-dns-services: %w", err)
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

func hostDomainKey(row map[string]any) (string, bool) {
	host, ok1 := row["host"].(string)
	domain, ok2 := row["domain"].(string)
	if !ok1 || !ok2 || host == "" || domain == "" {
		return "", false
	}
	return host + "." + domain, true
}

func splitFQDN(hostname string) (host, domain string, ok bool) {
	parts := strings.SplitN(hostname, ".", 2)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// fieldsEqualOn restricts fieldsEqual to a fixed subset of keys, for plugins
// whose equality check is narrower than "every desired field".
func fieldsEqualOn(keys ...string) func(current, desired map[string]any) bool {
	return func(current, desired map[string]any) bool {
		subset := make(map[string]any, len(keys))
		for _, k := range keys {
			subset[k] = desired[k]
		}
		return fieldsEqual(current, subset)
	}
}
