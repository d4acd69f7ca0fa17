package kube

import (
	"context"
	"strconv"

	"github.com/pkg/errors"
	apiextensionsclient "k8s.io/apiextensions-apiserver/pkg/client/clientset/clientset"
	apiextensionsv1client "k8s.io/apiextensions-apiserver/pkg/client/clientset/clientset/typed/apiextensions/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/discovery"
	"k8s.io/client-go/discovery/cached/memory"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/restmapper"

	"github.com/agentkube/kubegraph/pkg/logger"
)

// NewForConfig builds a backend for cfg. Kinds unknown to the registry are
// resolved through a REST mapper backed by cached discovery.
func NewForConfig(cfg *rest.Config, opts ...Option) (*Backend, error) {
	client, err := dynamic.NewForConfig(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "creating dynamic client")
	}
	dc, err := discovery.NewDiscoveryClientForConfig(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "creating discovery client")
	}
	cached := memory.NewMemCacheClient(dc)
	mapper := restmapper.NewShortcutExpander(restmapper.NewDeferredDiscoveryRESTMapper(cached), cached, nil)

	return NewBackend(client, append([]Option{WithRESTMapper(mapper)}, opts...)...), nil
}

// Connect builds a backend for cfg and registers the cluster's served kinds
// and custom resource definitions. Failing to read either is not fatal.
func Connect(ctx context.Context, cfg *rest.Config, opts ...Option) (*Backend, error) {
	b, err := NewForConfig(cfg, opts...)
	if err != nil {
		return nil, err
	}
	if dc, err := discovery.NewDiscoveryClientForConfig(cfg); err == nil {
		if err := Discover(dc, b.Kinds()); err != nil {
			logger.Log(logger.LevelWarn, map[string]string{"host": cfg.Host}, err, "API discovery failed, using built-in kinds")
		}
	}
	crds, err := apiextensionsclient.NewForConfig(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "creating apiextensions client")
	}
	n, err := LoadCRDs(ctx, crds.ApiextensionsV1().CustomResourceDefinitions(), b.Kinds())
	if err != nil {
		logger.Log(logger.LevelWarn, map[string]string{"host": cfg.Host}, err, "custom resource definitions unavailable")
		return b, nil
	}
	logger.Log(logger.LevelDebug, map[string]string{"host": cfg.Host, "crds": strconv.Itoa(n)}, nil, "registered custom resource kinds")
	return b, nil
}

// LoadCRDs registers every custom resource definition served by client.
func LoadCRDs(ctx context.Context, client apiextensionsv1client.CustomResourceDefinitionInterface, kinds *KindRegistry) (int, error) {
	count := 0
	opts := metav1.ListOptions{Limit: DefaultPageSize}
	for {
		list, err := client.List(ctx, opts)
		if err != nil {
			return count, errors.Wrap(err, "listing custom resource definitions")
		}
		for i := range list.Items {
			if err := kinds.RegisterCRD(&list.Items[i]); err != nil {
				logger.Log(logger.LevelDebug, map[string]string{"crd": list.Items[i].Name}, err, "skipping custom resource definition")
				continue
			}
			count++
		}
		if list.Continue == "" {
			return count, nil
		}
		opts.Continue = list.Continue
	}
}

// Discover registers the server's preferred resources. Groups that fail
// discovery are logged and skipped.
func Discover(dc discovery.DiscoveryInterface, kinds *KindRegistry) error {
	lists, err := discovery.ServerPreferredResources(dc)
	if err != nil {
		if !discovery.IsGroupDiscoveryFailedError(err) {
			return errors.Wrap(err, "discovering API resources")
		}
		logger.Log(logger.LevelWarn, nil, err, "partial API discovery")
	}
	kinds.RegisterAPIResources(lists)
	return nil
}
