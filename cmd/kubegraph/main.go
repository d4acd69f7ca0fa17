// Command kubegraph prints the relationship graph of a resource or a
// namespace, read from a live cluster or from manifest files.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/term"
	"k8s.io/client-go/tools/clientcmd"
	"sigs.k8s.io/yaml"

	"github.com/agentkube/kubegraph/pkg/canvas"
	crhandlers "github.com/agentkube/kubegraph/pkg/canvas/handlers"
	"github.com/agentkube/kubegraph/pkg/config"
	"github.com/agentkube/kubegraph/pkg/controller"
	"github.com/agentkube/kubegraph/pkg/dispatchers"
	"github.com/agentkube/kubegraph/pkg/kube"
	"github.com/agentkube/kubegraph/pkg/kubeconfig"
	"github.com/agentkube/kubegraph/pkg/logger"
	"github.com/agentkube/kubegraph/pkg/manifest"
	"github.com/agentkube/kubegraph/pkg/validate"
)

// options are the flags that only the CLI understands.
type options struct {
	context    string
	files      string
	deny       string
	kind       string
	name       string
	namespace  string
	apiVersion string
	output     string
	validate   bool
	watch      bool
}

func flags(o *options) *flag.FlagSet {
	f := config.FlagSet("kubegraph")
	f.StringVar(&o.context, "context", "", "Kubeconfig context; defaults to the current context")
	f.StringVar(&o.files, "f", "", "Comma separated manifest files or directories to read instead of a cluster")
	f.StringVar(&o.deny, "deny", "", "With -f, comma separated Kind or Kind/namespace reads to reject as forbidden")
	f.StringVar(&o.kind, "kind", "", "Kind of the seed resource; empty builds the whole namespace")
	f.StringVar(&o.name, "name", "", "Name of the seed resource")
	f.StringVar(&o.namespace, "namespace", "", "Namespace of the seed resource or of the namespace build")
	f.StringVar(&o.apiVersion, "api-version", "", "apiVersion of the seed resource")
	f.StringVar(&o.output, "o", "json", "Output format: json or yaml")
	f.BoolVar(&o.validate, "validate", false, "Print a validation report and statistics with the graph")
	f.BoolVar(&o.watch, "watch", false, "Keep running and report changes to the namespace graph")
	return f
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		logrus.Fatal(err)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	var o options
	cfg, err := config.ParseFlags(flags(&o), args)
	if err != nil {
		return err
	}
	logger.SetLevel(cfg.LogLevel)
	if cfg.LogFormat == "console" || term.IsTerminal(int(os.Stderr.Fd())) {
		logger.SetConsole(os.Stderr)
	}
	if o.output != "json" && o.output != "yaml" {
		return errors.Errorf("unknown output format %q", o.output)
	}
	if o.kind != "" && o.name == "" {
		return errors.New("-name is required with -kind")
	}

	var (
		backend   canvas.Backend
		clusterID string
	)
	if o.files != "" {
		if o.watch {
			return errors.New("-watch needs a live cluster")
		}
		backend, err = loadManifests(&o)
		clusterID = "manifests"
	} else {
		backend, clusterID, err = connect(ctx, cfg, &o)
	}
	if err != nil {
		return err
	}
	if o.namespace == "" {
		o.namespace = "default"
	}

	ctrl, err := canvas.NewController(clusterID, backend,
		canvas.WithRegistry(crhandlers.NewRegistry()),
		canvas.WithRuleTimeout(cfg.RuleTimeout),
		canvas.WithConcurrency(cfg.Concurrency),
		canvas.WithNamespaceKinds(crhandlers.KindNames()...),
		canvas.WithWarningHandler(func(w canvas.Warning) {
			logger.Log(logger.LevelWarn, map[string]string{"resource": w.Resource.String(), "reason": w.Reason}, nil, w.Message)
		}),
	)
	if err != nil {
		return err
	}

	depth := cfg.Depth
	req := canvas.GraphRequest{Depth: &depth, MaxNodes: cfg.MaxNodes}
	if o.kind != "" {
		req.Resource = canvas.ResourceIdentifier{Kind: o.kind, Name: o.name, Namespace: o.namespace, APIVersion: o.apiVersion}
	} else {
		req.Namespace = o.namespace
	}

	if o.watch {
		if o.kind != "" {
			return errors.New("-watch follows namespace builds; drop -kind")
		}
		return watch(ctx, cfg, ctrl, req)
	}

	g, err := ctrl.GetGraph(ctx, req)
	if err != nil {
		return err
	}
	return writeGraph(stdout, g, &o)
}

func loadManifests(o *options) (*manifest.Store, error) {
	s := manifest.NewStore()
	n, err := s.LoadPaths(splitList(o.files)...)
	if err != nil {
		return nil, err
	}
	for _, rule := range splitList(o.deny) {
		kind, ns, _ := strings.Cut(rule, "/")
		s.Deny(kind, ns)
	}
	logger.Log(logger.LevelDebug, map[string]string{"objects": strconv.Itoa(n)}, nil, "manifests loaded")
	return s, nil
}

// connect builds a backend for the selected kubeconfig context, or for the
// pod's service account with -in-cluster.
func connect(ctx context.Context, cfg *config.Config, o *options) (*kube.Backend, string, error) {
	kc, err := selectContext(cfg, o)
	if err != nil {
		return nil, "", err
	}
	restConfig, err := kc.RESTConfig()
	if err != nil {
		return nil, "", err
	}

	opts := []kube.Option{kube.WithRequestTimeout(cfg.RequestTimeout)}
	if !cfg.LoadCRDs {
		b, err := kube.NewForConfig(restConfig, opts...)
		return b, kc.Name, err
	}
	b, err := kube.Connect(ctx, restConfig, opts...)
	return b, kc.Name, err
}

func selectContext(cfg *config.Config, o *options) (*kubeconfig.Context, error) {
	if cfg.InCluster {
		return kubeconfig.InClusterContext()
	}
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if cfg.KubeConfigPath != "" {
		rules.Precedence = filepath.SplitList(cfg.KubeConfigPath)
	}
	loader := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, &clientcmd.ConfigOverrides{CurrentContext: o.context})

	name := o.context
	if name == "" {
		raw, err := loader.RawConfig()
		if err != nil {
			return nil, errors.Wrap(err, "loading kubeconfig")
		}
		name = raw.CurrentContext
	}
	restConfig, err := loader.ClientConfig()
	if err != nil {
		return nil, errors.Wrapf(err, "loading context %q", name)
	}
	if o.namespace == "" {
		if ns, _, err := loader.Namespace(); err == nil {
			o.namespace = ns
		}
	}
	return kubeconfig.NewContextFromConfig(name, restConfig, kubeconfig.KubeConfig), nil
}

func watch(ctx context.Context, cfg *config.Config, ctrl *canvas.Controller, req canvas.GraphRequest) error {
	backend, ok := ctrl.Builder().Backend().(*kube.Backend)
	if !ok {
		return errors.New("-watch needs a live cluster")
	}
	dispatcher, err := dispatchers.New(cfg)
	if err != nil {
		return err
	}
	target := controller.Target{
		Cluster: ctrl.ClusterID(),
		Client:  backend.Client(),
		Build: func(ctx context.Context, namespace string) (*canvas.Graph, error) {
			r := req
			r.Namespace = namespace
			return ctrl.GetNamespaceGraph(ctx, r)
		},
	}
	for _, m := range backend.Kinds().Namespaced(ctrl.Builder().KindsFor(req.Options(ctrl.ClusterID()))...) {
		target.Resources = append(target.Resources, m.GroupVersionResource)
	}
	return controller.Start(ctx, []controller.Target{target}, []string{req.Namespace}, dispatcher, cfg.WatchDebounce)
}

type report struct {
	Graph      canvas.GraphResponse `json:"graph"`
	Report     validate.Report      `json:"report"`
	Statistics validate.Stats       `json:"statistics"`
	Cycles     [][]string           `json:"cycles"`
}

func writeGraph(w io.Writer, g *canvas.Graph, o *options) error {
	var out interface{} = g.Response()
	if o.validate {
		out = report{
			Graph:      g.Response(),
			Report:     validate.Validate(g),
			Statistics: validate.Statistics(g),
			Cycles:     validate.Cycles(g),
		}
	}

	var (
		data []byte
		err  error
	)
	switch {
	case o.output == "yaml":
		data, err = yaml.Marshal(out)
	case isTerminal(w):
		data, err = json.MarshalIndent(out, "", "  ")
		data = append(data, '\n')
	default:
		data, err = json.Marshal(out)
		data = append(data, '\n')
	}
	if err != nil {
		return errors.Wrap(err, "encoding graph")
	}
	_, err = w.Write(data)
	return err
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
