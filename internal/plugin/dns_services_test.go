package plugin

import (
	"context"
	"testing"

	"github.com/moellere/kpc-controller/internal/appliance"
	"github.com/moellere/kpc-controller/internal/cluster"
)

func service(ns, name, svcType, ann, ip string) cluster.Service {
	s := cluster.Service{Namespace: ns, Name: name, Type: svcType}
	if ann != "" {
		s.Annotations = map[string]string{dnsServicesAnnotation: ann}
	}
	if ip != "" {
		s.LoadBalancerIPs = []string{ip}
	}
	return s
}

// TestDNSServicesScenario mirrors spec scenario S2.
func TestDNSServicesScenario(t *testing.T) {
	fake := appliance.NewFake()
	fake.Responses["/api/unbound/settings/search_host_override"] = map[string]any{
		"rows": []map[string]any{
			{"uuid": "uuid-u", "host": "update", "domain": "example.com", "ip": "8.8.8.8", "description": "Managed by K8s Service default/web-upd"},
			{"uuid": "uuid-d", "host": "delete", "domain": "example.com", "ip": "3.3.3.3", "description": "Managed by K8s Service other/x"},
		},
	}

	p := &DNSServices{
		Appliance: fake,
		Services: func(ctx context.Context) ([]cluster.Service, error) {
			return []cluster.Service{
				service("default", "web-add", "LoadBalancer", "add.example.com", "1.1.1.1"),
				service("default", "web-upd", "LoadBalancer", "update.example.com", "2.2.2.2"),
				service("default", "clusterip", "ClusterIP", "", ""),
				service("default", "no-ann", "LoadBalancer", "", "4.4.4.4"),
			}, nil
		},
	}

	if err := p.Reconcile(context.Background(), testLogger(t)); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if len(fake.CallsTo("/api/unbound/settings/add_host_override")) != 1 {
		t.Fatalf("expected one add_host_override call, got %d", len(fake.CallsTo("/api/unbound/settings/add_host_override")))
	}
	update := fake.CallsTo("/api/unbound/settings/set_host_override/uuid-u")
	if len(update) != 1 {
		t.Fatalf("expected one update call, got %d", len(update))
	}
	body := update[0].Body.(map[string]any)["host"].(map[string]any)
	if body["ip"] != "2.2.2.2" {
		t.Fatalf("expected updated ip 2.2.2.2, got %v", body["ip"])
	}
	if len(fake.CallsTo("/api/unbound/settings/del_host_override/uuid-d")) != 1 {
		t.Fatalf("expected one delete call")
	}
	if len(fake.CallsTo("/api/unbound/service/reconfigure")) != 1 {
		t.Fatalf("expected exactly one commit call")
	}
}

func TestDNSServicesSkipsSingleLabelHostname(t *testing.T) {
	fake := appliance.NewFake()
	p := &DNSServices{
		Appliance: fake,
		Services: func(ctx context.Context) ([]cluster.Service, error) {
			return []cluster.Service{service("default", "svc", "LoadBalancer", "x", "1.1.1.1")}, nil
		},
	}
	if err := p.Reconcile(context.Background(), testLogger(t)); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(fake.CallsTo("/api/unbound/settings/add_host_override")) != 0 {
		t.Fatalf("expected no add call for a single-label hostname")
	}
}
