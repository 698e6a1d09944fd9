package plugin

import (
	"context"
	"fmt"

	"dario.cat/mergo"
	"go.uber.org/zap"

	"github.com/moellere/kpc-controller/internal/appliance"
	"github.com/moellere/kpc-controller/internal/cluster"
	"github.com/moellere/kpc-controller/internal/config"
	"github.com/moellere/kpc-controller/internal/reconcile"
)

// MetalLB derives one BGP neighbor per cluster node, keyed "kpc-<ip>", and
// converges it against OPNsense's openbgpd or frr service.
type MetalLB struct {
	Nodes     func(ctx context.Context) ([]cluster.Node, error)
	Appliance appliance.Caller
	Config    config.MetalLB
}

func (p *MetalLB) Name() string { return "metallb" }

func (p *MetalLB) Kinds() []cluster.Kind { return []cluster.Kind{cluster.KindNode} }

func (p *MetalLB) Reconcile(ctx context.Context, log *zap.SugaredLogger) error {
	s, reloadPath, err := neighborStore(p.Appliance, p.Config.BGPImplementation)
	if err != nil {
		return fmt.Errorf("metallb: %w", err)
	}

	nodes, err := p.Nodes(ctx)
	if err != nil {
		return fmt.Errorf("metallb: listing nodes: %w", err)
	}

	template := p.Config.Options[p.Config.BGPImplementation].Template

	desired := make(map[string]reconcile.Record, len(nodes))
	for _, n := range nodes {
		ip, ok := n.InternalOrExternalIP()
		if !ok {
			log.Warnw("skipping node with no usable address", "plugin", p.Name(), "node", n.Name)
			continue
		}
		key := "kpc-" + ip

		neighbor := map[string]any{}
		if err := mergo.Merge(&neighbor, template); err != nil {
			return fmt.Errorf("metallb: merging neighbor template for %s: %w", key, err)
		}
		overlay := map[string]any{"address": ip, "description": key}
		if err := mergo.Merge(&neighbor, overlay, mergo.WithOverride); err != nil {
			return fmt.Errorf("metallb: merging neighbor overlay for %s: %w", key, err)
		}
		desired[key] = reconcile.Record{Fields: neighbor}
	}

	current, err := s.rows(ctx, func(row map[string]any) (string, bool) {
		desc, ok := row["description"].(string)
		return desc, ok
	})
	if err != nil {
		return fmt.Errorf("metallb: %w", err)
	}

	spec := reconcile.Spec{
		Equal: fieldsEqual,
		Owned: ownedByDescriptionPrefix("kpc-"),
		Add: func(fields map[string]any) error {
			return s.add(ctx, fields)
		},
		Update: func(uuid string, fields map[string]any) error {
			return s.update(ctx, uuid, fields)
		},
		Delete: func(uuid string) error {
			return s.delete(ctx, uuid)
		},
		OnChange: func() error {
			return commit(ctx, p.Appliance, reloadPath)
		},
	}

	res := reconcile.Reconcile(log, desired, toRecords(current), spec)
	logResult(log, p.Name(), res)
	return firstError(p.Name(), res)
}
