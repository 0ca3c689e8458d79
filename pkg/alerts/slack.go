package alerts

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/tokenmeter/tokenmeter/pkg/model"
)

// SlackNotifier sends alerts to a Slack incoming webhook.
type SlackNotifier struct {
	webhookURL string
	channel    string
	client     *http.Client
}

// NewSlackNotifier creates a Slack webhook notifier.
func NewSlackNotifier(webhookURL, channel string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		channel:    channel,
		client:     newHTTPClient(),
	}
}

func (s *SlackNotifier) Name() string { return "slack" }

func (s *SlackNotifier) Send(ctx context.Context, alert Alert) error {
	payload := slackPayload{
		Channel: s.channel,
		Attachments: []slackAttachment{
			{
				Color: levelColor(alert.Level),
				Title: fmt.Sprintf("TokenMeter: usage %s", alert.Level),
				Fields: []slackField{
					{Title: "Date", Value: alert.Date, Short: true},
					{Title: "Level", Value: string(alert.Level), Short: true},
					{Title: "Spent Today", Value: fmt.Sprintf("$%.2f", alert.CurrentSpend), Short: true},
					{Title: "Daily Budget", Value: fmt.Sprintf("$%.2f", alert.BudgetUSD), Short: true},
					{Title: "Usage", Value: fmt.Sprintf("%.1f%%", alert.Percent), Short: true},
				},
				Footer: "TokenMeter",
				Ts:     time.Now().Unix(),
			},
		},
	}

	return postJSON(ctx, s.client, "slack", s.webhookURL, payload, nil)
}

func levelColor(level model.UsageLevel) string {
	switch level {
	case model.LevelMedium:
		return "#ffcc00" // yellow
	case model.LevelHigh:
		return "#ff9900" // orange
	case model.LevelCritical:
		return "#ff0000" // red
	}
	return "#36a64f" // green
}

type slackPayload struct {
	Channel     string            `json:"channel,omitempty"`
	Attachments []slackAttachment `json:"attachments"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Fields []slackField `json:"fields"`
	Footer string       `json:"footer"`
	Ts     int64        `json:"ts"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}
