package plugin

import (
	"context"
	"reflect"
	"testing"

	"go.uber.org/zap"

	"github.com/moellere/kpc-controller/internal/appliance"
	"github.com/moellere/kpc-controller/internal/cluster"
	"github.com/moellere/kpc-controller/internal/config"
)

func testLogger(t *testing.T) *zap.SugaredLogger {
	t.Helper()
	l, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("building logger: %v", err)
	}
	return l.Sugar()
}

func node(name, ip string) cluster.Node {
	return cluster.Node{Name: name, Addresses: []cluster.Address{{Type: "InternalIP", Address: ip}}}
}

// TestMetalLBAddUpdateDeleteReload mirrors scenario S1 of the spec: one
// update, one add, one delete, followed by a single reload.
func TestMetalLBAddUpdateDeleteReload(t *testing.T) {
	fake := appliance.NewFake()
	fake.Responses["/api/frr/settings/search_bgp_neighbor"] = map[string]any{
		"rows": []map[string]any{
			{"uuid": "uuid-1", "description": "kpc-10.0.0.1", "peergroup": "old"},
			{"uuid": "uuid-3", "description": "kpc-10.0.0.3", "peergroup": "metallb"},
		},
	}

	p := &MetalLB{
		Nodes: func(ctx context.Context) ([]cluster.Node, error) {
			return []cluster.Node{node("node-1", "10.0.0.1"), node("node-2", "10.0.0.2")}, nil
		},
		Appliance: fake,
		Config: config.MetalLB{
			Enabled:           true,
			BGPImplementation: config.BGPFRR,
			Options: map[config.BGPImplementation]config.MetalLBOptions{
				config.BGPFRR: {Template: map[string]any{"peergroup": "metallb", "some": "value"}},
			},
		},
	}

	if err := p.Reconcile(context.Background(), testLogger(t)); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	update := fake.CallsTo("/api/frr/settings/set_bgp_neighbor/uuid-1")
	if len(update) != 1 {
		t.Fatalf("expected one set_bgp_neighbor/uuid-1 call, got %d", len(update))
	}
	wantUpdate := map[string]any{"neighbor": map[string]any{
		"address": "10.0.0.1", "description": "kpc-10.0.0.1", "peergroup": "metallb", "some": "value",
	}}
	if !reflect.DeepEqual(update[0].Body, wantUpdate) {
		t.Fatalf("unexpected update body: %+v", update[0].Body)
	}

	add := fake.CallsTo("/api/frr/settings/add_bgp_neighbor")
	if len(add) != 1 {
		t.Fatalf("expected one add_bgp_neighbor call, got %d", len(add))
	}
	wantAdd := map[string]any{"neighbor": map[string]any{
		"address": "10.0.0.2", "description": "kpc-10.0.0.2", "peergroup": "metallb", "some": "value",
	}}
	if !reflect.DeepEqual(add[0].Body, wantAdd) {
		t.Fatalf("unexpected add body: %+v", add[0].Body)
	}

	del := fake.CallsTo("/api/frr/settings/del_bgp_neighbor/uuid-3")
	if len(del) != 1 {
		t.Fatalf("expected one del_bgp_neighbor/uuid-3 call, got %d", len(del))
	}

	reload := fake.CallsTo("/api/frr/service/reload")
	if len(reload) != 1 {
		t.Fatalf("expected exactly one reload call, got %d", len(reload))
	}
}

func TestMetalLBSkipsNodeWithNoAddress(t *testing.T) {
	fake := appliance.NewFake()
	p := &MetalLB{
		Nodes: func(ctx context.Context) ([]cluster.Node, error) {
			return []cluster.Node{{Name: "headless"}}, nil
		},
		Appliance: fake,
		Config: config.MetalLB{
			BGPImplementation: config.BGPOpenBGPD,
			Options:           map[config.BGPImplementation]config.MetalLBOptions{config.BGPOpenBGPD: {}},
		},
	}
	if err := p.Reconcile(context.Background(), testLogger(t)); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(fake.CallsTo("/api/openbgpd/settings/add_neighbor")) != 0 {
		t.Fatalf("expected no add calls for a node with no usable address")
	}
}

func TestMetalLBUnknownImplementationIsAnError(t *testing.T) {
	p := &MetalLB{
		Nodes:     func(ctx context.Context) ([]cluster.Node, error) { return nil, nil },
		Appliance: appliance.NewFake(),
		Config:    config.MetalLB{BGPImplementation: "bogus"},
	}
	if err := p.Reconcile(context.Background(), testLogger(t)); err == nil {
		t.Fatal("expected an error for unknown bgp-implementation")
	}
}
