// Package kubeconfig tracks the clusters a server can build graphs for.
package kubeconfig

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/clientcmd/api"
)

// Context sources.
const (
	KubeConfig = iota + 1
	InCluster
)

// InClusterContextName names the context built from the pod's service account.
const InClusterContextName = "incluster"

// customInfoExtension is the context extension that can rename a context.
const customInfoExtension = "kubegraph_info"

// Context is one cluster a graph can be built for.
type Context struct {
	Name      string `json:"name"`
	Cluster   string `json:"cluster,omitempty"`
	Server    string `json:"server,omitempty"`
	Namespace string `json:"namespace,omitempty"`
	Source    int    `json:"source"`

	KubeContext *api.Context `json:"-"`
	contextName string
	config      *api.Config
	restConfig  *rest.Config
}

// CustomObject is the payload of the kubegraph_info extension.
type CustomObject struct {
	CustomName string `json:"customName"`
}

// RESTConfig returns the client configuration of the context.
func (c *Context) RESTConfig() (*rest.Config, error) {
	if c.restConfig != nil {
		return rest.CopyConfig(c.restConfig), nil
	}
	if c.config == nil {
		return nil, errors.Errorf("context %s has no kubeconfig", c.Name)
	}
	cc := clientcmd.NewNonInteractiveClientConfig(*c.config, c.contextName, &clientcmd.ConfigOverrides{}, nil)
	cfg, err := cc.ClientConfig()
	if err != nil {
		return nil, errors.Wrapf(err, "building client config for context %s", c.Name)
	}
	return cfg, nil
}

// displayName applies the kubegraph_info custom name, if any.
func displayName(name string, kc *api.Context) (string, error) {
	if kc == nil || kc.Extensions == nil {
		return name, nil
	}
	info, ok := kc.Extensions[customInfoExtension]
	if !ok {
		return name, nil
	}
	raw, err := json.Marshal(info)
	if err != nil {
		return "", err
	}
	var custom CustomObject
	if err := json.Unmarshal(raw, &custom); err != nil {
		return "", err
	}
	if custom.CustomName != "" {
		return custom.CustomName, nil
	}
	return name, nil
}

// LoadContextsFromFile reads every context of a kubeconfig file.
func LoadContextsFromFile(path string, source int) ([]*Context, error) {
	config, err := clientcmd.LoadFromFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "loading kubeconfig %s", path)
	}

	contexts := make([]*Context, 0, len(config.Contexts))
	for name, kc := range config.Contexts {
		display, err := displayName(name, kc)
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s extension of context %s", customInfoExtension, name)
		}
		c := &Context{
			Name:        display,
			Cluster:     kc.Cluster,
			Namespace:   kc.Namespace,
			Source:      source,
			KubeContext: kc,
			contextName: name,
			config:      config,
		}
		if cluster, ok := config.Clusters[kc.Cluster]; ok {
			c.Server = cluster.Server
		}
		contexts = append(contexts, c)
	}
	return contexts, nil
}

// splitKubeConfigPath splits a KUBECONFIG style path list.
func splitKubeConfigPath(paths string) []string {
	var out []string
	for _, p := range strings.Split(paths, string(os.PathListSeparator)) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, filepath.Clean(p))
		}
	}
	return out
}

// LoadContextsFromMultipleFiles reads the contexts of every file in a path
// list. Unreadable files are reported in the returned error slice.
func LoadContextsFromMultipleFiles(paths string, source int) ([]*Context, []error, error) {
	files := splitKubeConfigPath(paths)
	if len(files) == 0 {
		return nil, nil, errors.New("no kubeconfig path given")
	}
	var contexts []*Context
	var errs []error
	for _, path := range files {
		loaded, err := LoadContextsFromFile(path, source)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		contexts = append(contexts, loaded...)
	}
	if len(contexts) == 0 && len(errs) > 0 {
		return nil, errs, errs[0]
	}
	return contexts, errs, nil
}

// LoadAndStoreKubeConfigs loads a path list into store.
func LoadAndStoreKubeConfigs(store ContextStore, paths string, source int) error {
	contexts, _, err := LoadContextsFromMultipleFiles(paths, source)
	if err != nil {
		return err
	}
	for _, c := range contexts {
		if err := store.AddContext(c); err != nil {
			return errors.Wrapf(err, "storing context %s", c.Name)
		}
	}
	return nil
}

// InClusterContext returns the context of the pod's service account.
func InClusterContext() (*Context, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, errors.Wrap(err, "reading in-cluster config")
	}
	return &Context{
		Name:       InClusterContextName,
		Server:     cfg.Host,
		Source:     InCluster,
		restConfig: cfg,
	}, nil
}

// NewContextFromConfig wraps an existing client configuration.
func NewContextFromConfig(name string, cfg *rest.Config, source int) *Context {
	return &Context{Name: name, Server: cfg.Host, Source: source, restConfig: cfg}
}
