package dispatchers

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/slack-go/slack"

	"github.com/agentkube/kubegraph/pkg/config"
)

// Slack posts updates to a channel.
type Slack struct {
	client  *slack.Client
	Channel string
	Title   string
}

func newSlack(cfg *config.Config) (*Slack, error) {
	if cfg.SlackToken == "" || cfg.SlackChannel == "" {
		return nil, errors.New("slack notifications need both -slack-token and -slack-channel")
	}
	return NewSlack(cfg.SlackToken, cfg.SlackChannel, cfg.SlackTitle), nil
}

// NewSlack creates a Slack dispatcher. Options are passed to the Slack
// client.
func NewSlack(token, channel, title string, opts ...slack.Option) *Slack {
	if title == "" {
		title = "kubegraph"
	}
	return &Slack{client: slack.New(token, opts...), Channel: channel, Title: title}
}

// Handle posts u as a message attachment.
func (s *Slack) Handle(ctx context.Context, u Update) error {
	channelID, timestamp, err := s.client.PostMessageContext(ctx, s.Channel,
		slack.MsgOptionAttachments(s.attachment(u)))
	if err != nil {
		return errors.Wrapf(err, "posting to slack channel %s", s.Channel)
	}
	logrus.WithField("pkg", "dispatcher").Debugf("Message sent to channel %s at %s", channelID, timestamp)
	return nil
}

func (s *Slack) attachment(u Update) slack.Attachment {
	return slack.Attachment{
		Color: severity(u),
		Fields: []slack.AttachmentField{
			{
				Title: s.Title,
				Value: u.Message(),
			},
		},
		MarkdownIn: []string{"fields"},
	}
}
