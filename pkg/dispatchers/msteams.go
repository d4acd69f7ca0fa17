package dispatchers

import (
	"context"
	"net/http"
	"strconv"
	"time"
)

const (
	messageType = "MessageCard"
	cardContext = "http://schema.org/extensions"
)

var themeColors = map[string]string{
	"good":    "2DC72D",
	"warning": "DEFF22",
	"danger":  "8C1A1A",
}

// messageCard is the legacy connector card accepted by Teams incoming
// webhooks.
type messageCard struct {
	Type       string        `json:"@type"`
	Context    string        `json:"@context"`
	ThemeColor string        `json:"themeColor"`
	Summary    string        `json:"summary"`
	Title      string        `json:"title"`
	Sections   []cardSection `json:"sections"`
}

type cardSection struct {
	ActivityTitle string     `json:"activityTitle"`
	Facts         []cardFact `json:"facts"`
	Markdown      bool       `json:"markdown"`
}

type cardFact struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// MSTeams posts updates to a Teams incoming webhook.
type MSTeams struct {
	WebhookURL string
	Title      string
	client     *http.Client
}

// NewMSTeams creates a Teams dispatcher. title defaults to "kubegraph".
func NewMSTeams(webhookURL, title string) *MSTeams {
	if title == "" {
		title = "kubegraph"
	}
	return &MSTeams{WebhookURL: webhookURL, Title: title, client: &http.Client{Timeout: 10 * time.Second}}
}

// Handle sends u as a message card.
func (ms *MSTeams) Handle(ctx context.Context, u Update) error {

	card := &messageCard{
		Type:       messageType,
		Context:    cardContext,
		ThemeColor: themeColors[severity(u)],
		Title:      ms.Title,
		// Teams rejects cards without a summary.
		Summary: "graph of " + u.Namespace + " changed",
		Sections: []cardSection{{
			ActivityTitle: u.Message(),
			Markdown:      true,
			Facts: []cardFact{
				{Name: "Cluster", Value: u.Cluster},
				{Name: "Namespace", Value: u.Namespace},
				{Name: "Nodes", Value: strconv.Itoa(u.Nodes)},
				{Name: "Edges", Value: strconv.Itoa(u.Edges)},
			},
		}},
	}
	return postJSON(ctx, ms.client, ms.WebhookURL, card)
}
