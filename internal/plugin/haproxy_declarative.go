package plugin

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"sigs.k8s.io/yaml"

	"github.com/moellere/kpc-controller/internal/appliance"
	"github.com/moellere/kpc-controller/internal/cluster"
	"github.com/moellere/kpc-controller/internal/reconcile"
)

// DeclarativeLabelKey/Value mark a ConfigMap as a source of HAProxy object
// definitions for the declarative plugin.
const (
	DeclarativeLabelKey   = "pfsense.org/type"
	DeclarativeLabelValue = "declarative"

	managedMarker = "Managed by K8s "
)

type declarativeDocument struct {
	Resources []declarativeResource `json:"resources"`
}

type declarativeResource struct {
	Type       string         `json:"type"` // "backend" or "frontend"
	Definition map[string]any `json:"definition"`
	HAServers  []haServer     `json:"ha_servers,omitempty"`

	sourceNamespace string
}

type haServer struct {
	Type             string         `json:"type"` // "node-static" or "node-service"
	ServiceName      string         `json:"serviceName,omitempty"`
	ServicePort      int32          `json:"servicePort,omitempty"`
	ServiceNamespace string         `json:"serviceNamespace,omitempty"`
	Definition       map[string]any `json:"definition,omitempty"`
}

// HAProxyDeclarative reconciles HAProxy backends and frontends described by
// labelled ConfigMaps against OPNsense's declarative HAProxy settings.
type HAProxyDeclarative struct {
	ConfigDocuments func(ctx context.Context) ([]cluster.ConfigDocument, error)
	Service         func(ctx context.Context, namespace, name string) (cluster.Service, bool, error)
	Nodes           func(ctx context.Context) ([]cluster.Node, error)
	Appliance       appliance.Caller
}

func (p *HAProxyDeclarative) Name() string { return "haproxy-declarative" }

func (p *HAProxyDeclarative) Kinds() []cluster.Kind {
	return []cluster.Kind{cluster.KindConfigDocument, cluster.KindService, cluster.KindNode}
}

func (p *HAProxyDeclarative) Reconcile(ctx context.Context, log *zap.SugaredLogger) error {
	docs, err := p.ConfigDocuments(ctx)
	if err != nil {
		return fmt.Errorf("haproxy-declarative: listing config documents: %w", err)
	}

	var backends, frontends []declarativeResource
	for _, doc := range docs {
		if doc.Labels[DeclarativeLabelKey] != DeclarativeLabelValue {
			continue
		}
		raw, ok := doc.Data["data"]
		if !ok || raw == "" {
			continue
		}
		var parsed declarativeDocument
		if err := yaml.Unmarshal([]byte(raw), &parsed); err != nil {
			log.Warnw("skipping unparseable declarative document", "plugin", p.Name(), "document", doc.Namespace+"/"+doc.Name, "error", err)
			continue
		}
		for _, res := range parsed.Resources {
			res.sourceNamespace = doc.Namespace
			switch res.Type {
			case "backend":
				backends = append(backends, res)
			case "frontend":
				frontends = append(frontends, res)
			}
		}
	}

	nodes, err := p.Nodes(ctx)
	if err != nil {
		return fmt.Errorf("haproxy-declarative: listing nodes: %w", err)
	}

	backendChanged, err := p.reconcileBackends(ctx, log, backends, nodes)
	if err != nil {
		return err
	}
	frontendChanged, err := p.reconcileFrontends(ctx, log, frontends)
	if err != nil {
		return err
	}

	if backendChanged || frontendChanged {
		if err := commit(ctx, p.Appliance, haproxyReconfigurePath); err != nil {
			return fmt.Errorf("haproxy-declarative: commit: %w", err)
		}
	}
	return nil
}

func (p *HAProxyDeclarative) reconcileBackends(ctx context.Context, log *zap.SugaredLogger, backends []declarativeResource, nodes []cluster.Node) (bool, error) {
	s := backendStore(p.Appliance)
	desired := make(map[string]reconcile.Record, len(backends))
	for _, b := range backends {
		name, _ := b.Definition["name"].(string)
		if name == "" {
			continue
		}
		fields := p.resolveBackendServers(ctx, log, b, nodes)
		stampManaged(fields)
		desired[name] = reconcile.Record{Fields: fields}
	}
	return p.reconcileStore(ctx, log, s, desired)
}

func (p *HAProxyDeclarative) reconcileFrontends(ctx context.Context, log *zap.SugaredLogger, frontends []declarativeResource) (bool, error) {
	s := frontendStore(p.Appliance)
	desired := make(map[string]reconcile.Record, len(frontends))
	for _, f := range frontends {
		name, _ := f.Definition["name"].(string)
		if name == "" {
			continue
		}
		fields := cloneFields(f.Definition)
		stampManaged(fields)
		desired[name] = reconcile.Record{Fields: fields}
	}
	return p.reconcileStore(ctx, log, s, desired)
}

func (p *HAProxyDeclarative) reconcileStore(ctx context.Context, log *zap.SugaredLogger, s store, desired map[string]reconcile.Record) (bool, error) {
	current, err := s.rows(ctx, func(row map[string]any) (string, bool) {
		name, ok := row["name"].(string)
		return name, ok
	})
	if err != nil {
		return false, fmt.Errorf("haproxy-declarative: %w", err)
	}

	spec := reconcile.Spec{
		Equal: fieldsEqual,
		Owned: ownedByDescriptionPrefix(managedMarker),
		Add: func(fields map[string]any) error {
			return s.add(ctx, fields)
		},
		Update: func(uuid string, fields map[string]any) error {
			return s.update(ctx, uuid, fields)
		},
		Delete: func(uuid string) error {
			return s.delete(ctx, uuid)
		},
	}
	res := reconcile.Reconcile(log, desired, toRecords(current), spec)
	logResult(log, p.Name()+"/"+s.item, res)
	if err := firstError(p.Name(), res); err != nil {
		return false, err
	}
	return len(res.Added) > 0 || len(res.Updated) > 0 || len(res.Deleted) > 0, nil
}

// resolveBackendServers expands ha_servers[] into definition.servers[],
// following node-static literal entries and node-service per-node fan-out.
func (p *HAProxyDeclarative) resolveBackendServers(ctx context.Context, log *zap.SugaredLogger, b declarativeResource, nodes []cluster.Node) map[string]any {
	fields := cloneFields(b.Definition)
	if len(b.HAServers) == 0 {
		return fields
	}

	var servers []any
	for _, hs := range b.HAServers {
		switch hs.Type {
		case "node-static":
			servers = append(servers, cloneFields(hs.Definition))

		case "node-service":
			namespace := hs.ServiceNamespace
			if namespace == "" {
				namespace = b.sourceNamespace
			}
			if hs.ServiceName == "" || namespace == "" {
				log.Warnw("skipping node-service with missing service/namespace", "plugin", p.Name(), "backend", fields["name"])
				continue
			}
			svc, ok, err := p.Service(ctx, namespace, hs.ServiceName)
			if err != nil || !ok {
				log.Warnw("skipping node-service: service lookup failed", "plugin", p.Name(), "service", namespace+"/"+hs.ServiceName, "error", err)
				continue
			}
			nodePort, ok := svc.NodePortForPort(hs.ServicePort)
			if !ok {
				log.Warnw("skipping node-service: no matching nodePort", "plugin", p.Name(), "service", namespace+"/"+hs.ServiceName, "port", hs.ServicePort)
				continue
			}
			for _, n := range nodes {
				ip, ok := n.InternalOrExternalIP()
				if !ok {
					continue
				}
				server := cloneFields(hs.Definition)
				server["name"] = fmt.Sprintf("%s-%d", n.Name, hs.ServicePort)
				server["address"] = ip
				server["port"] = nodePort
				servers = append(servers, server)
			}
		}
	}
	fields["servers"] = servers
	return fields
}

func cloneFields(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// stampManaged sets definition.description to the ownership marker, unless
// the document already set one explicitly.
func stampManaged(fields map[string]any) {
	if desc, ok := fields["description"].(string); ok && desc != "" {
		return
	}
	fields["description"] = managedMarker
}
