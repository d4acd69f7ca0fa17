// Package config parses server and CLI settings from flags and the
// environment.
package config

import (
	"flag"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/providers/basicflag"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
)

// EnvPrefix prefixes every environment variable read by Parse. The rest of
// the name is the flag name upper-cased with dashes as underscores, so
// KUBEGRAPH_MAX_NODES sets -max-nodes.
const EnvPrefix = "KUBEGRAPH_"

// Config holds application configuration.
type Config struct {
	InCluster      bool          `koanf:"in-cluster"`
	Port           uint          `koanf:"port" validate:"min=1,max=65535"`
	ListenAddr     string        `koanf:"listen-addr"`
	KubeConfigPath string        `koanf:"kubeconfig"`
	LogLevel       string        `koanf:"log-level" validate:"oneof=debug info warn error"`
	LogFormat      string        `koanf:"log-format" validate:"oneof=json console"`
	Depth          int           `koanf:"depth" validate:"min=0,max=10"`
	MaxNodes       int           `koanf:"max-nodes" validate:"min=1,max=10000"`
	RuleTimeout    time.Duration `koanf:"rule-timeout" validate:"min=0"`
	RequestTimeout time.Duration `koanf:"request-timeout" validate:"min=0"`
	Concurrency    int           `koanf:"concurrency" validate:"min=1,max=64"`
	LoadCRDs       bool          `koanf:"load-crds"`

	WatchNamespaces string        `koanf:"watch-namespaces"`
	WatchDebounce   time.Duration `koanf:"watch-debounce" validate:"min=0"`
	WebhookURL      string        `koanf:"webhook-url" validate:"omitempty,url"`
	SlackToken      string        `koanf:"slack-token"`
	SlackChannel    string        `koanf:"slack-channel"`
	SlackTitle      string        `koanf:"slack-title"`

	MSTeamsWebhookURL string `koanf:"msteams-webhook-url" validate:"omitempty,url"`
}

// Namespaces returns the watched namespaces.
func (c *Config) Namespaces() []string {
	var out []string
	for _, ns := range strings.Split(c.WatchNamespaces, ",") {
		if ns = strings.TrimSpace(ns); ns != "" {
			out = append(out, ns)
		}
	}
	return out
}

var configValidator = validator.New()

// Validate checks value ranges.
func (c *Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	return nil
}

// FlagSet declares every setting with its default.
func FlagSet(name string) *flag.FlagSet {
	f := flag.NewFlagSet(name, flag.ContinueOnError)
	f.Bool("in-cluster", false, "Use the pod's service account instead of a kubeconfig")
	f.Uint("port", 4688, "Port to listen on")
	f.String("listen-addr", "", "Address to listen on; empty listens on all interfaces")
	f.String("kubeconfig", "", "Kubeconfig paths, separated like KUBECONFIG")
	f.String("log-level", "info", "Log level: debug, info, warn or error")
	f.String("log-format", "json", "Log format: json or console")
	f.Int("depth", 2, "Default traversal depth")
	f.Int("max-nodes", 500, "Default node budget per graph")
	f.Duration("rule-timeout", 10*time.Second, "Timeout of one discovery rule invocation")
	f.Duration("request-timeout", 30*time.Second, "Timeout of one API request")
	f.Int("concurrency", 8, "Discovery rules run in parallel per resource")
	f.Bool("load-crds", true, "Register the cluster's custom resource definitions at startup")
	f.String("watch-namespaces", "", "Comma separated namespaces whose graphs are rebuilt on change")
	f.Duration("watch-debounce", 2*time.Second, "Quiet period before a watched graph is rebuilt")
	f.String("webhook-url", "", "URL receiving graph change notifications as JSON")
	f.String("slack-token", "", "Slack token for graph change notifications")
	f.String("slack-channel", "", "Slack channel for graph change notifications")
	f.String("slack-title", "kubegraph", "Title of Slack and Teams notifications")
	f.String("msteams-webhook-url", "", "MS Teams incoming webhook for graph change notifications")
	return f
}

// Parse reads args (program name first) and the environment. Precedence is
// explicit flags, then environment, then flag defaults.
func Parse(args []string) (*Config, error) {
	if len(args) == 0 {
		args = []string{"kubegraph"}
	}
	return ParseFlags(FlagSet(args[0]), args[1:])
}

// ParseFlags is Parse over a caller-supplied flag set, which must declare
// the flags of FlagSet.
func ParseFlags(f *flag.FlagSet, args []string) (*Config, error) {
	if err := f.Parse(args); err != nil {
		return nil, errors.Wrap(err, "parsing flags")
	}

	k := koanf.New(".")
	if err := k.Load(basicflag.Provider(f, "."), nil); err != nil {
		return nil, errors.Wrap(err, "loading flag defaults")
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, errors.Wrap(err, "loading environment")
	}

	var explicit []*flag.Flag
	f.Visit(func(fl *flag.Flag) { explicit = append(explicit, fl) })
	for _, fl := range explicit {
		if err := k.Set(fl.Name, fl.Value.String()); err != nil {
			return nil, errors.Wrapf(err, "setting flag %s", fl.Name)
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, errors.Wrap(err, "decoding configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", "-")
}
