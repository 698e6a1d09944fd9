package cluster

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"go.uber.org/zap"
)

// EventType mirrors the four outcomes a watch can report.
type EventType string

const (
	EventAdded    EventType = "ADDED"
	EventModified EventType = "MODIFIED"
	EventDeleted  EventType = "DELETED"
	EventError    EventType = "ERROR"
)

// Event is a single list/watch notification, carrying the already-projected
// object so plugins never touch client-go types directly.
type Event struct {
	Type   EventType
	Kind   Kind
	Key    string // namespace/name, or just name for cluster-scoped kinds
	Object any    // Node, Service, Ingress, or ConfigDocument
}

// Observer lists and watches the four kinds the controller depends on,
// directly against a typed client-go clientset. It deliberately does not use
// controller-runtime's manager/cache: callers get the raw ADDED/MODIFIED/
// DELETED/ERROR event stream and drive their own debounce/dispatch.
type Observer struct {
	client    kubernetes.Interface
	namespace string // "" means all namespaces
	log       *zap.SugaredLogger
}

// NewObserver builds an Observer watching the given namespace ("" for all
// namespaces, used for Nodes always since they are cluster-scoped).
func NewObserver(client kubernetes.Interface, namespace string, log *zap.SugaredLogger) *Observer {
	return &Observer{client: client, namespace: namespace, log: log}
}

// List returns every current object of kind, projected to this package's
// plain structs.
func (o *Observer) List(ctx context.Context, kind Kind) ([]Event, string, error) {
	switch kind {
	case KindNode:
		list, err := o.client.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
		if err != nil {
			return nil, "", fmt.Errorf("listing nodes: %w", err)
		}
		events := make([]Event, 0, len(list.Items))
		for i := range list.Items {
			n := &list.Items[i]
			events = append(events, Event{Type: EventAdded, Kind: KindNode, Key: n.Name, Object: projectNode(n)})
		}
		return events, list.ResourceVersion, nil

	case KindService:
		list, err := o.client.CoreV1().Services(o.namespace).List(ctx, metav1.ListOptions{})
		if err != nil {
			return nil, "", fmt.Errorf("listing services: %w", err)
		}
		events := make([]Event, 0, len(list.Items))
		for i := range list.Items {
			s := &list.Items[i]
			key := s.Namespace + "/" + s.Name
			events = append(events, Event{Type: EventAdded, Kind: KindService, Key: key, Object: projectService(s)})
		}
		return events, list.ResourceVersion, nil

	case KindIngress:
		list, err := o.client.NetworkingV1().Ingresses(o.namespace).List(ctx, metav1.ListOptions{})
		if err != nil {
			return nil, "", fmt.Errorf("listing ingresses: %w", err)
		}
		events := make([]Event, 0, len(list.Items))
		for i := range list.Items {
			ing := &list.Items[i]
			key := ing.Namespace + "/" + ing.Name
			events = append(events, Event{Type: EventAdded, Kind: KindIngress, Key: key, Object: projectIngress(ing)})
		}
		return events, list.ResourceVersion, nil

	case KindConfigDocument:
		list, err := o.client.CoreV1().ConfigMaps(o.namespace).List(ctx, metav1.ListOptions{})
		if err != nil {
			return nil, "", fmt.Errorf("listing configmaps: %w", err)
		}
		events := make([]Event, 0, len(list.Items))
		for i := range list.Items {
			cm := &list.Items[i]
			key := cm.Namespace + "/" + cm.Name
			events = append(events, Event{Type: EventAdded, Kind: KindConfigDocument, Key: key, Object: projectConfigDocument(cm)})
		}
		return events, list.ResourceVersion, nil
	}
	return nil, "", fmt.Errorf("unknown kind %q", kind)
}

// Watch streams events for kind starting from resourceVersion until ctx is
// cancelled. When the channel closes or reports a watch.Error event, it waits
// one second and restarts the watch from the last resourceVersion it
// forwarded; it re-lists (forwarding every current object as ADDED) only when
// starting the watch fails because that resourceVersion has expired. A send
// on out may block, which is how backpressure propagates to the source watch.
func (o *Observer) Watch(ctx context.Context, kind Kind, resourceVersion string, out chan<- Event) error {
	rv := resourceVersion
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w, err := o.startWatch(ctx, kind, rv)
		if err != nil {
			if apierrors.IsResourceExpired(err) {
				o.log.Warnw("resource version expired, relisting", "kind", kind)
				events, newRV, lerr := o.List(ctx, kind)
				if lerr != nil {
					return lerr
				}
				rv = newRV
				for _, e := range events {
					select {
					case out <- e:
					case <-ctx.Done():
						return ctx.Err()
					}
				}
				continue
			}
			return fmt.Errorf("starting watch for %s: %w", kind, err)
		}

		rv, err = o.drain(ctx, kind, w, out)
		w.Stop()
		if err != nil {
			return err
		}
		o.log.Debugw("watch channel closed, restarting", "kind", kind, "resourceVersion", rv)
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// drain forwards events from w until the channel closes or ctx is cancelled,
// returning the last observed resourceVersion so the caller can resume.
func (o *Observer) drain(ctx context.Context, kind Kind, w watch.Interface, out chan<- Event) (string, error) {
	rv := ""
	for {
		select {
		case ev, ok := <-w.ResultChan():
			if !ok {
				return rv, nil
			}
			if ev.Type == watch.Error {
				o.log.Warnw("watch reported error event", "kind", kind)
				select {
				case out <- Event{Type: EventError, Kind: kind}:
				case <-ctx.Done():
					return rv, ctx.Err()
				}
				return rv, nil
			}
			mapped, newRV, ok := o.projectWatchEvent(kind, ev)
			if !ok {
				continue
			}
			rv = newRV
			select {
			case out <- mapped:
			case <-ctx.Done():
				return rv, ctx.Err()
			}
		case <-ctx.Done():
			return rv, ctx.Err()
		}
	}
}

func (o *Observer) startWatch(ctx context.Context, kind Kind, resourceVersion string) (watch.Interface, error) {
	opts := metav1.ListOptions{ResourceVersion: resourceVersion, Watch: true}
	switch kind {
	case KindNode:
		return o.client.CoreV1().Nodes().Watch(ctx, opts)
	case KindService:
		return o.client.CoreV1().Services(o.namespace).Watch(ctx, opts)
	case KindIngress:
		return o.client.NetworkingV1().Ingresses(o.namespace).Watch(ctx, opts)
	case KindConfigDocument:
		return o.client.CoreV1().ConfigMaps(o.namespace).Watch(ctx, opts)
	}
	return nil, fmt.Errorf("unknown kind %q", kind)
}

func eventType(t watch.EventType) EventType {
	switch t {
	case watch.Added:
		return EventAdded
	case watch.Modified:
		return EventModified
	case watch.Deleted:
		return EventDeleted
	default:
		return EventError
	}
}

func (o *Observer) projectWatchEvent(kind Kind, ev watch.Event) (Event, string, bool) {
	switch kind {
	case KindNode:
		n, ok := ev.Object.(*corev1.Node)
		if !ok {
			return Event{}, "", false
		}
		return Event{Type: eventType(ev.Type), Kind: kind, Key: n.Name, Object: projectNode(n)}, n.ResourceVersion, true
	case KindService:
		s, ok := ev.Object.(*corev1.Service)
		if !ok {
			return Event{}, "", false
		}
		key := s.Namespace + "/" + s.Name
		return Event{Type: eventType(ev.Type), Kind: kind, Key: key, Object: projectService(s)}, s.ResourceVersion, true
	case KindIngress:
		ing, ok := ev.Object.(*networkingv1.Ingress)
		if !ok {
			return Event{}, "", false
		}
		key := ing.Namespace + "/" + ing.Name
		return Event{Type: eventType(ev.Type), Kind: kind, Key: key, Object: projectIngress(ing)}, ing.ResourceVersion, true
	case KindConfigDocument:
		cm, ok := ev.Object.(*corev1.ConfigMap)
		if !ok {
			return Event{}, "", false
		}
		key := cm.Namespace + "/" + cm.Name
		return Event{Type: eventType(ev.Type), Kind: kind, Key: key, Object: projectConfigDocument(cm)}, cm.ResourceVersion, true
	}
	return Event{}, "", false
}

func projectNode(n *corev1.Node) Node {
	addrs := make([]Address, 0, len(n.Status.Addresses))
	for _, a := range n.Status.Addresses {
		addrs = append(addrs, Address{Type: string(a.Type), Address: a.Address})
	}
	return Node{Name: n.Name, Addresses: addrs}
}

func projectService(s *corev1.Service) Service {
	ports := make([]ServicePort, 0, len(s.Spec.Ports))
	for _, p := range s.Spec.Ports {
		ports = append(ports, ServicePort{Port: p.Port, NodePort: p.NodePort})
	}
	ips := make([]string, 0, len(s.Status.LoadBalancer.Ingress))
	for _, ing := range s.Status.LoadBalancer.Ingress {
		if ing.IP != "" {
			ips = append(ips, ing.IP)
		}
	}
	return Service{
		Namespace:       s.Namespace,
		Name:            s.Name,
		Type:            string(s.Spec.Type),
		Annotations:     s.Annotations,
		Ports:           ports,
		LoadBalancerIPs: ips,
	}
}

func projectIngress(ing *networkingv1.Ingress) Ingress {
	rules := make([]IngressRule, 0, len(ing.Spec.Rules))
	for _, r := range ing.Spec.Rules {
		rules = append(rules, IngressRule{Host: r.Host})
	}
	ips := make([]string, 0, len(ing.Status.LoadBalancer.Ingress))
	for _, i := range ing.Status.LoadBalancer.Ingress {
		if i.IP != "" {
			ips = append(ips, i.IP)
		}
	}
	return Ingress{
		Namespace:       ing.Namespace,
		Name:            ing.Name,
		Annotations:     ing.Annotations,
		Rules:           rules,
		LoadBalancerIPs: ips,
	}
}

func projectConfigDocument(cm *corev1.ConfigMap) ConfigDocument {
	return ConfigDocument{Namespace: cm.Namespace, Name: cm.Name, Labels: cm.Labels, Data: cm.Data}
}
