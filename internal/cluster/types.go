// Package cluster projects the Kubernetes objects the controller cares about
// into small, dependency-free structs, and provides a restartable list/watch
// observer over them.
package cluster

// Kind identifies a watched cluster resource type.
type Kind string

const (
	KindNode           Kind = "node"
	KindService        Kind = "service"
	KindIngress        Kind = "ingress"
	KindConfigDocument Kind = "configDocument"
)

// Address is a single node address, as reported in Node.Status.Addresses.
type Address struct {
	Type    string
	Address string
}

// Node is the projection of a corev1.Node the controller depends on.
type Node struct {
	Name      string
	Addresses []Address
}

// InternalOrExternalIP returns the node's InternalIP if present, else its
// ExternalIP, else ("", false).
func (n Node) InternalOrExternalIP() (string, bool) {
	for _, a := range n.Addresses {
		if a.Type == "InternalIP" {
			return a.Address, true
		}
	}
	for _, a := range n.Addresses {
		if a.Type == "ExternalIP" {
			return a.Address, true
		}
	}
	return "", false
}

// ServicePort is a single port entry of a Service.
type ServicePort struct {
	Port     int32
	NodePort int32
}

// Service is the projection of a corev1.Service the controller depends on.
type Service struct {
	Namespace        string
	Name             string
	Type             string
	Annotations      map[string]string
	Ports            []ServicePort
	LoadBalancerIPs  []string
}

// LoadBalancerIP returns the first load-balancer ingress IP, if any.
func (s Service) LoadBalancerIP() (string, bool) {
	if len(s.LoadBalancerIPs) == 0 {
		return "", false
	}
	return s.LoadBalancerIPs[0], true
}

// NodePortForPort returns the nodePort of the service port matching port, if
// any.
func (s Service) NodePortForPort(port int32) (int32, bool) {
	for _, p := range s.Ports {
		if p.Port == port {
			return p.NodePort, true
		}
	}
	return 0, false
}

// IngressRule is a single host rule of an Ingress.
type IngressRule struct {
	Host string
}

// Ingress is the projection of a networkingv1.Ingress the controller depends
// on.
type Ingress struct {
	Namespace       string
	Name            string
	Annotations     map[string]string
	Rules           []IngressRule
	LoadBalancerIPs []string
}

// LoadBalancerIP returns the first load-balancer ingress IP, if any.
func (i Ingress) LoadBalancerIP() (string, bool) {
	if len(i.LoadBalancerIPs) == 0 {
		return "", false
	}
	return i.LoadBalancerIPs[0], true
}

// ConfigDocument is the projection of a corev1.ConfigMap the controller
// depends on.
type ConfigDocument struct {
	Namespace string
	Name      string
	Labels    map[string]string
	Data      map[string]string
}
