package control

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/moellere/kpc-controller/internal/cluster"
)

func testLogger(t *testing.T) *zap.SugaredLogger {
	t.Helper()
	l, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("building logger: %v", err)
	}
	return l.Sugar()
}

type countingPlugin struct {
	name  string
	kinds []cluster.Kind
	count int32
}

func (p *countingPlugin) Name() string             { return p.name }
func (p *countingPlugin) Kinds() []cluster.Kind     { return p.kinds }
func (p *countingPlugin) Reconcile(ctx context.Context, log *zap.SugaredLogger) error {
	atomic.AddInt32(&p.count, 1)
	return nil
}

type fakeWatcher struct {
	mu     sync.Mutex
	chans  map[cluster.Kind]chan<- cluster.Event
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{chans: map[cluster.Kind]chan<- cluster.Event{}}
}

func (w *fakeWatcher) List(ctx context.Context, kind cluster.Kind) ([]cluster.Event, string, error) {
	return nil, "0", nil
}

func (w *fakeWatcher) Watch(ctx context.Context, kind cluster.Kind, resourceVersion string, out chan<- cluster.Event) error {
	w.mu.Lock()
	w.chans[kind] = out
	w.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

func (w *fakeWatcher) send(kind cluster.Kind, ev cluster.Event) bool {
	w.mu.Lock()
	ch, ok := w.chans[kind]
	w.mu.Unlock()
	if !ok {
		return false
	}
	ch <- ev
	return true
}

func TestControllerRunsInitialPassForEveryPlugin(t *testing.T) {
	watcher := newFakeWatcher()
	c := New(watcher, testLogger(t))
	p1 := &countingPlugin{name: "p1", kinds: []cluster.Kind{cluster.KindNode}}
	p2 := &countingPlugin{name: "p2", kinds: []cluster.Kind{cluster.KindService}}
	c.Register(p1)
	c.Register(p2)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_ = c.Run(ctx)

	if atomic.LoadInt32(&p1.count) < 1 {
		t.Fatalf("expected p1 to run at least once, got %d", p1.count)
	}
	if atomic.LoadInt32(&p2.count) < 1 {
		t.Fatalf("expected p2 to run at least once, got %d", p2.count)
	}
}

func TestControllerDispatchesWatchEventsToSubscribedPluginsOnly(t *testing.T) {
	watcher := newFakeWatcher()
	c := New(watcher, testLogger(t))
	nodePlugin := &countingPlugin{name: "nodes", kinds: []cluster.Kind{cluster.KindNode}}
	servicePlugin := &countingPlugin{name: "services", kinds: []cluster.Kind{cluster.KindService}}
	c.Register(nodePlugin)
	c.Register(servicePlugin)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go c.Run(ctx)

	// Give the watcher goroutines time to register their channels, then
	// wait past the initial sequential pass before measuring deltas.
	time.Sleep(100 * time.Millisecond)
	before := atomic.LoadInt32(&nodePlugin.count)

	if !watcher.send(cluster.KindNode, cluster.Event{Kind: cluster.KindNode, Type: cluster.EventAdded, Key: "n1"}) {
		t.Fatal("expected a registered node watch channel")
	}

	time.Sleep(500 * time.Millisecond)
	after := atomic.LoadInt32(&nodePlugin.count)
	if after <= before {
		t.Fatalf("expected a node event to trigger another node-plugin reconcile, before=%d after=%d", before, after)
	}
	if atomic.LoadInt32(&servicePlugin.count) > 1 {
		t.Fatalf("expected the service plugin to only have run its initial pass, got %d", servicePlugin.count)
	}
}
