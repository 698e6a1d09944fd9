// Package control implements the controller loop: plugin registration,
// the initial sequential reconcile pass, and per-kind watcher goroutines
// that dispatch cluster events to their subscribed plugins.
package control

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/moellere/kpc-controller/internal/cluster"
)

// Plugin is the capability set every reconciliation plugin exposes: a name
// for logging, the cluster-resource kinds it wants to be woken for, and the
// reconcile pass itself.
type Plugin interface {
	Name() string
	Kinds() []cluster.Kind
	Reconcile(ctx context.Context, log *zap.SugaredLogger) error
}

// Watcher abstracts internal/cluster.Observer so the controller loop can be
// tested without a real clientset.
type Watcher interface {
	List(ctx context.Context, kind cluster.Kind) ([]cluster.Event, string, error)
	Watch(ctx context.Context, kind cluster.Kind, resourceVersion string, out chan<- cluster.Event) error
}

// debounce is how long a kind's watcher waits after the last received event
// before dispatching a reconcile pass, absorbing bursts from a cluster-wide
// relist.
const debounce = 250 * time.Millisecond

// Controller registers plugins, runs them once sequentially, then keeps them
// converged via one watcher goroutine per subscribed kind.
type Controller struct {
	watcher Watcher
	log     *zap.SugaredLogger

	mu      sync.Mutex
	byKind  map[cluster.Kind][]Plugin
	plugins []Plugin
}

// New builds a Controller with no plugins registered yet.
func New(watcher Watcher, log *zap.SugaredLogger) *Controller {
	return &Controller{watcher: watcher, log: log, byKind: map[cluster.Kind][]Plugin{}}
}

// Register adds p to the subscription table for every kind it declares.
// Registration order is preserved as dispatch order within a kind.
func (c *Controller) Register(p Plugin) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.plugins = append(c.plugins, p)
	for _, k := range p.Kinds() {
		c.byKind[k] = append(c.byKind[k], p)
	}
}

// Kinds returns the sorted set of kinds at least one registered plugin
// subscribes to.
func (c *Controller) Kinds() []cluster.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	kinds := make([]cluster.Kind, 0, len(c.byKind))
	for k := range c.byKind {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Run performs the initial sequential reconcile of every registered plugin,
// then starts one watcher goroutine per subscribed kind and blocks until ctx
// is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	c.reconcileAll(ctx, c.plugins)

	var wg sync.WaitGroup
	for _, kind := range c.Kinds() {
		kind := kind
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.watchKind(ctx, kind)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (c *Controller) watchKind(ctx context.Context, kind cluster.Kind) {
	events, resourceVersion, err := c.watcher.List(ctx, kind)
	if err != nil {
		c.log.Errorw("initial list failed, watcher exiting", "kind", kind, "error", err)
		return
	}
	c.log.Debugw("watching kind", "kind", kind, "initialObjects", len(events))

	stream := make(chan cluster.Event, 64)
	done := make(chan error, 1)
	go func() {
		done <- c.watcher.Watch(ctx, kind, resourceVersion, stream)
	}()

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	pending := false

	for {
		select {
		case ev, ok := <-stream:
			if !ok {
				return
			}
			c.log.Debugw("watch event received", "kind", ev.Kind, "type", ev.Type, "key", ev.Key)
			pending = true
			timer.Reset(debounce)

		case <-timer.C:
			if pending {
				pending = false
				c.reconcileAll(ctx, c.byKind[kind])
			}

		case err := <-done:
			if err != nil && ctx.Err() == nil {
				c.log.Errorw("watch stream ended unexpectedly", "kind", kind, "error", err)
			}
			return

		case <-ctx.Done():
			return
		}
	}
}

// reconcileAll runs every plugin in p in order, stamping each pass with its
// own correlation id so concurrent passes are distinguishable in logs.
func (c *Controller) reconcileAll(ctx context.Context, plugins []Plugin) {
	for _, p := range plugins {
		passID := uuid.NewString()
		log := c.log.With("plugin", p.Name(), "reconcile_id", passID)
		if err := p.Reconcile(ctx, log); err != nil {
			log.Errorw("plugin reconcile failed", "error", err)
		}
	}
}
