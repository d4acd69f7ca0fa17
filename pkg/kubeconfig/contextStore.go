package kubeconfig

import (
	"sort"
	"strconv"
	"sync"

	"github.com/pkg/errors"

	"github.com/agentkube/kubegraph/pkg/logger"
)

// ErrContextNotFound is returned for unknown context names.
var ErrContextNotFound = errors.New("context not found")

// ContextStore is an interface for storing and retrieving contexts.
type ContextStore interface {
	AddContext(c *Context) error
	GetContexts() ([]*Context, error)
	GetContext(name string) (*Context, error)
	RemoveContext(name string) error
}

type contextStore struct {
	mu       sync.RWMutex
	contexts map[string]*Context
}

// NewContextStore creates a new ContextStore.
func NewContextStore() ContextStore {
	return &contextStore{contexts: make(map[string]*Context)}
}

// AddContext adds or replaces a context.
func (c *contextStore) AddContext(ctx *Context) error {
	if ctx == nil || ctx.Name == "" {
		return errors.New("context needs a name")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.contexts[ctx.Name] = ctx
	return nil
}

// GetContexts returns all contexts sorted by name.
func (c *contextStore) GetContexts() ([]*Context, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	contexts := make([]*Context, 0, len(c.contexts))
	for _, ctx := range c.contexts {
		contexts = append(contexts, ctx)
	}
	sort.Slice(contexts, func(i, j int) bool { return contexts[i].Name < contexts[j].Name })

	logger.Log(logger.LevelDebug, map[string]string{"count": strconv.Itoa(len(contexts))}, nil, "listed contexts")
	return contexts, nil
}

// GetContext returns a context from the store.
func (c *contextStore) GetContext(name string) (*Context, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ctx, ok := c.contexts[name]
	if !ok {
		return nil, errors.Wrap(ErrContextNotFound, name)
	}
	return ctx, nil
}

// RemoveContext removes a context from the store.
func (c *contextStore) RemoveContext(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.contexts[name]; !ok {
		return errors.Wrap(ErrContextNotFound, name)
	}
	delete(c.contexts, name)
	logger.Log(logger.LevelInfo, map[string]string{"contextName": name}, nil, "removed context")
	return nil
}
