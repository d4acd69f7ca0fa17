// Package dispatchers delivers graph change notifications.
package dispatchers

import (
	"context"
	"fmt"
	"strings"

	"github.com/mkmik/multierror"
	"github.com/sirupsen/logrus"

	"github.com/agentkube/kubegraph/pkg/config"
)

// Update describes how a watched namespace graph changed between two
// builds.
type Update struct {
	Cluster      string   `json:"cluster"`
	Namespace    string   `json:"namespace"`
	BuildID      string   `json:"buildId"`
	Nodes        int      `json:"nodes"`
	Edges        int      `json:"edges"`
	AddedNodes   []string `json:"addedNodes,omitempty"`
	RemovedNodes []string `json:"removedNodes,omitempty"`
	AddedEdges   int      `json:"addedEdges"`
	RemovedEdges int      `json:"removedEdges"`
	Truncated    bool     `json:"truncated,omitempty"`
}

// Changed reports whether the update carries any difference.
func (u Update) Changed() bool {
	return len(u.AddedNodes) > 0 || len(u.RemovedNodes) > 0 || u.AddedEdges > 0 || u.RemovedEdges > 0
}

// Message renders the update for chat and log output.
func (u Update) Message() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Graph of namespace `%s` on cluster `%s` changed: %d nodes, %d edges",
		u.Namespace, u.Cluster, u.Nodes, u.Edges)
	if len(u.AddedNodes) > 0 {
		fmt.Fprintf(&b, "\nAdded: %s", strings.Join(u.AddedNodes, ", "))
	}
	if len(u.RemovedNodes) > 0 {
		fmt.Fprintf(&b, "\nRemoved: %s", strings.Join(u.RemovedNodes, ", "))
	}
	if u.AddedEdges > 0 || u.RemovedEdges > 0 {
		fmt.Fprintf(&b, "\nEdges: +%d -%d", u.AddedEdges, u.RemovedEdges)
	}
	if u.Truncated {
		b.WriteString("\nThe graph hit its node budget.")
	}
	return b.String()
}

// severity grades an update: danger when the graph hit its node budget,
// warning when nodes disappeared, good otherwise.
func severity(u Update) string {
	switch {
	case u.Truncated:
		return "danger"
	case len(u.RemovedNodes) > 0:
		return "warning"
	}
	return "good"
}

// Dispatcher delivers updates.
type Dispatcher interface {
	Handle(ctx context.Context, u Update) error
}

// Default logs updates.
type Default struct{}

// Handle logs u.
func (d *Default) Handle(_ context.Context, u Update) error {
	logrus.WithField("pkg", "dispatcher").
		WithField("cluster", u.Cluster).
		WithField("namespace", u.Namespace).
		WithField("buildId", u.BuildID).
		Info(u.Message())
	return nil
}

// Multi fans an update out to several dispatchers and joins their errors.
type Multi []Dispatcher

// Handle calls every dispatcher even when one fails.
func (m Multi) Handle(ctx context.Context, u Update) error {
	var errs []error
	for _, d := range m {
		if err := d.Handle(ctx, u); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return multierror.Join(errs)
}

// New returns the dispatchers configured in cfg. The log dispatcher is
// always included.
func New(cfg *config.Config) (Dispatcher, error) {
	out := Multi{&Default{}}
	if cfg.WebhookURL != "" {
		out = append(out, NewWebhook(cfg.WebhookURL))
	}
	if cfg.MSTeamsWebhookURL != "" {
		out = append(out, NewMSTeams(cfg.MSTeamsWebhookURL, cfg.SlackTitle))
	}
	if cfg.SlackToken != "" || cfg.SlackChannel != "" {
		s, err := newSlack(cfg)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
