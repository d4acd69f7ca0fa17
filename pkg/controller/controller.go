// Package controller keeps namespace graphs current by watching the
// resources they are built from.
package controller

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/dynamic/dynamicinformer"
	"k8s.io/client-go/tools/cache"
	"k8s.io/client-go/util/workqueue"

	"github.com/agentkube/kubegraph/pkg/canvas"
	"github.com/agentkube/kubegraph/pkg/dispatchers"
	"github.com/agentkube/kubegraph/pkg/metrics"
)

const maxRetries = 5

// DefaultDebounce is the quiet period used when a Target sets none.
const DefaultDebounce = 2 * time.Second

// BuildFunc builds the graph of a namespace.
type BuildFunc func(ctx context.Context, namespace string) (*canvas.Graph, error)

// Target is a cluster whose namespaces are watched.
type Target struct {
	Cluster   string
	Client    dynamic.Interface
	Resources []schema.GroupVersionResource
	Build     BuildFunc
}

// Watcher rebuilds namespace graphs when their resources change and
// dispatches the difference. Events are coalesced per namespace over the
// debounce period.
type Watcher struct {
	logger     *logrus.Entry
	target     Target
	factories  map[string]dynamicinformer.DynamicSharedInformerFactory
	queue      workqueue.TypedRateLimitingInterface[string]
	dispatcher dispatchers.Dispatcher
	debounce   time.Duration
	synced     atomic.Bool

	mu     sync.RWMutex
	graphs map[string]*canvas.Graph
}

// NewWatcher prepares informers for every resource of t in each namespace.
func NewWatcher(t Target, namespaces []string, dispatcher dispatchers.Dispatcher, debounce time.Duration) (*Watcher, error) {
	if t.Client == nil || t.Build == nil {
		return nil, errors.New("watch target needs a client and a build function")
	}
	if len(namespaces) == 0 {
		return nil, errors.New("no namespaces to watch")
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if dispatcher == nil {
		dispatcher = &dispatchers.Default{}
	}

	w := &Watcher{
		logger:    logrus.WithField("pkg", "watcher").WithField("cluster", t.Cluster),
		target:    t,
		factories: make(map[string]dynamicinformer.DynamicSharedInformerFactory, len(namespaces)),
		queue: workqueue.NewTypedRateLimitingQueueWithConfig(
			workqueue.DefaultTypedControllerRateLimiter[string](),
			workqueue.TypedRateLimitingQueueConfig[string]{Name: "kubegraph-" + t.Cluster},
		),
		dispatcher: dispatcher,
		debounce:   debounce,
		graphs:     make(map[string]*canvas.Graph),
	}

	for _, ns := range namespaces {
		factory := dynamicinformer.NewFilteredDynamicSharedInformerFactory(t.Client, 0, ns, nil)
		for _, gvr := range t.Resources {
			informer := factory.ForResource(gvr).Informer()
			if _, err := informer.AddEventHandler(w.handlerFor(ns, gvr.Resource)); err != nil {
				return nil, errors.Wrapf(err, "watching %s in %s", gvr.Resource, ns)
			}
		}
		w.factories[ns] = factory
	}
	return w, nil
}

func (w *Watcher) handlerFor(namespace, resource string) cache.ResourceEventHandler {
	enqueue := func(eventType string) {
		metrics.ObserveWatchEvent(resource, eventType, w.target.Cluster)
		if !w.synced.Load() {
			return
		}
		w.logger.Debugf("Processing %s to %s in %s", eventType, resource, namespace)
		w.queue.AddAfter(namespace, w.debounce)
	}
	return cache.ResourceEventHandlerFuncs{
		AddFunc: func(interface{}) { enqueue("create") },
		UpdateFunc: func(old, new interface{}) {
			if sameVersion(old, new) {
				return
			}
			enqueue("update")
		},
		DeleteFunc: func(interface{}) { enqueue("delete") },
	}
}

// sameVersion reports resync updates, which carry no change.
func sameVersion(old, new interface{}) bool {
	o, ok1 := old.(*unstructured.Unstructured)
	n, ok2 := new.(*unstructured.Unstructured)
	return ok1 && ok2 && o.GetResourceVersion() == n.GetResourceVersion()
}

// Run starts the informers, builds a baseline graph of every namespace and
// processes changes until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	defer utilruntime.HandleCrash()
	defer w.queue.ShutDown()

	w.logger.Info("Starting graph watcher")
	for _, f := range w.factories {
		f.Start(ctx.Done())
	}
	defer func() {
		for _, f := range w.factories {
			f.Shutdown()
		}
	}()

	for ns, f := range w.factories {
		for gvr, ok := range f.WaitForCacheSync(ctx.Done()) {
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.Errorf("failed to sync %s in %s", gvr.Resource, ns)
			}
		}
		w.queue.Add(ns)
	}
	w.synced.Store(true)
	w.logger.Info("Graph watcher synced and ready")

	go func() {
		<-ctx.Done()
		w.queue.ShutDown()
	}()
	wait.UntilWithContext(ctx, w.runWorker, time.Second)
	w.logger.Info("Graph watcher stopped")
	return nil
}

// Start runs a watcher per target until ctx is done or one of them fails.
func Start(ctx context.Context, targets []Target, namespaces []string, dispatcher dispatchers.Dispatcher, debounce time.Duration) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, t := range targets {
		w, err := NewWatcher(t, namespaces, dispatcher, debounce)
		if err != nil {
			return errors.Wrapf(err, "watching cluster %s", t.Cluster)
		}
		g.Go(func() error { return w.Run(ctx) })
	}
	logrus.Infof("Started graph watchers for %d clusters", len(targets))
	return g.Wait()
}

// Graph returns the last graph built for namespace.
func (w *Watcher) Graph(namespace string) *canvas.Graph {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.graphs[namespace]
}

func (w *Watcher) runWorker(ctx context.Context) {
	for w.processNextItem(ctx) {
	}
}

func (w *Watcher) processNextItem(ctx context.Context) bool {
	ns, quit := w.queue.Get()
	if quit {
		return false
	}
	defer w.queue.Done(ns)

	err := w.processItem(ctx, ns)
	switch {
	case err == nil:
		w.queue.Forget(ns)
	case ctx.Err() != nil:
		w.queue.Forget(ns)
	case w.queue.NumRequeues(ns) < maxRetries:
		w.logger.Errorf("Error building graph of %s (will retry): %v", ns, err)
		w.queue.AddRateLimited(ns)
	default:
		w.logger.Errorf("Error building graph of %s (giving up): %v", ns, err)
		w.queue.Forget(ns)
		utilruntime.HandleError(err)
	}
	return true
}

func (w *Watcher) processItem(ctx context.Context, ns string) error {
	g, err := w.target.Build(ctx, ns)
	if err != nil {
		return errors.Wrapf(err, "building graph of %s", ns)
	}

	w.mu.Lock()
	prev, seen := w.graphs[ns]
	w.graphs[ns] = g
	w.mu.Unlock()

	if !seen {
		w.logger.WithField("namespace", ns).
			WithField("nodes", g.NodeCount()).
			Info("Baseline graph built")
		return nil
	}

	u := Diff(prev, g)
	u.Cluster = w.target.Cluster
	u.Namespace = ns
	if !u.Changed() {
		return nil
	}
	// Failed notifications are not retried.
	if err := w.dispatcher.Handle(ctx, u); err != nil {
		w.logger.WithField("namespace", ns).Errorf("Dispatching graph update: %v", err)
	}
	return nil
}

type edgeID struct {
	source, target string
	kind           canvas.RelationshipKind
}

// Diff compares two builds of the same graph.
func Diff(prev, next *canvas.Graph) dispatchers.Update {
	u := dispatchers.Update{
		BuildID:   next.Metadata.BuildID,
		Nodes:     next.NodeCount(),
		Edges:     next.EdgeCount(),
		Truncated: next.Metadata.Truncated,
	}
	for _, n := range next.Nodes() {
		if !prev.HasNode(n.Key) {
			u.AddedNodes = append(u.AddedNodes, n.Key)
		}
	}
	for _, n := range prev.Nodes() {
		if !next.HasNode(n.Key) {
			u.RemovedNodes = append(u.RemovedNodes, n.Key)
		}
	}
	sort.Strings(u.AddedNodes)
	sort.Strings(u.RemovedNodes)

	before := edgeSet(prev)
	after := edgeSet(next)
	for e := range after {
		if _, ok := before[e]; !ok {
			u.AddedEdges++
		}
	}
	for e := range before {
		if _, ok := after[e]; !ok {
			u.RemovedEdges++
		}
	}
	return u
}

func edgeSet(g *canvas.Graph) map[edgeID]struct{} {
	edges := g.Edges()
	out := make(map[edgeID]struct{}, len(edges))
	for _, e := range edges {
		out[edgeID{e.Source, e.Target, e.Kind}] = struct{}{}
	}
	return out
}
