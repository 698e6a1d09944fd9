// Package config loads and parses the controller's configuration document:
// a cluster ConfigMap whose "config" key holds a YAML mapping with one
// sub-mapping per plugin.
package config

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"sigs.k8s.io/yaml"
)

// BGPImplementation selects the MetalLB/BGP-neighbor plugin's endpoint
// family.
type BGPImplementation string

const (
	BGPOpenBGPD BGPImplementation = "openbgp"
	BGPFRR      BGPImplementation = "frr"
)

// MetalLBOptions is one entry of config.options[impl].
type MetalLBOptions struct {
	Template map[string]any `json:"template"`
}

// MetalLB is the `metallb` configuration block.
type MetalLB struct {
	Enabled           bool                                    `json:"enabled"`
	BGPImplementation BGPImplementation                        `json:"bgp-implementation"`
	Options           map[BGPImplementation]MetalLBOptions    `json:"options"`
}

// HAProxyDeclarative is the `haproxy-declarative` configuration block. It
// carries no plugin-specific fields beyond enablement: the set of documents
// it reconciles is discovered by label, not named here.
type HAProxyDeclarative struct {
	Enabled bool `json:"enabled"`
}

// Frontend is one entry of haproxy-ingress-proxy's `frontends` map.
type Frontend struct {
	Hostname string `json:"hostname"`
}

// HAProxyIngressProxy is the `haproxy-ingress-proxy` configuration block.
type HAProxyIngressProxy struct {
	Enabled         bool                `json:"enabled"`
	DefaultBackend  string              `json:"defaultBackend"`
	DefaultFrontend string              `json:"defaultFrontend"`
	Frontends       map[string]Frontend `json:"frontends"`
}

// DNSServices is the `opnsense-dns-services` configuration block.
type DNSServices struct {
	Enabled bool `json:"enabled"`
}

// DNSIngresses is the `opnsense-dns-ingresses` configuration block.
type DNSIngresses struct {
	Enabled bool `json:"enabled"`
}

// DNSHAProxyIngressProxy is the `opnsense-dns-haproxy-ingress-proxy`
// configuration block.
type DNSHAProxyIngressProxy struct {
	Enabled bool `json:"enabled"`
}

// Config is the full controller configuration document.
type Config struct {
	MetalLB                MetalLB                `json:"metallb"`
	HAProxyDeclarative     HAProxyDeclarative     `json:"haproxy-declarative"`
	HAProxyIngressProxy    HAProxyIngressProxy    `json:"haproxy-ingress-proxy"`
	DNSServices            DNSServices            `json:"opnsense-dns-services"`
	DNSIngresses           DNSIngresses           `json:"opnsense-dns-ingresses"`
	DNSHAProxyIngressProxy DNSHAProxyIngressProxy `json:"opnsense-dns-haproxy-ingress-proxy"`
}

// DataKey is the ConfigMap key holding the serialized configuration
// document.
const DataKey = "config"

// Load reads the configuration ConfigMap namespace/name and parses its
// "config" key.
func Load(ctx context.Context, client kubernetes.Interface, namespace, name string) (*Config, error) {
	cm, err := client.CoreV1().ConfigMaps(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("fetching configuration document %s/%s: %w", namespace, name, err)
	}
	return Parse(cm)
}

// Parse decodes the "config" key of cm into a Config.
func Parse(cm *corev1.ConfigMap) (*Config, error) {
	raw, ok := cm.Data[DataKey]
	if !ok {
		return nil, fmt.Errorf("configuration document %s/%s has no %q key", cm.Namespace, cm.Name, DataKey)
	}
	var cfg Config
	if err := yaml.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration document %s/%s: %w", cm.Namespace, cm.Name, err)
	}
	if cfg.MetalLB.Enabled {
		switch cfg.MetalLB.BGPImplementation {
		case BGPOpenBGPD, BGPFRR:
		default:
			return nil, fmt.Errorf("metallb plugin enabled with unknown bgp-implementation %q", cfg.MetalLB.BGPImplementation)
		}
	}
	return &cfg, nil
}
