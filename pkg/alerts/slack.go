package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

var levelColors = map[AlertLevel]string{
	AlertWarning:  "#ff9900",
	AlertCritical: "#ff0000",
	AlertExceeded: "#cc0000",
}

const defaultColor = "#36a64f"

// SlackNotifier posts provider budget alerts to a Slack incoming webhook.
// Each alert becomes one attachment colored by level.
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
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *SlackNotifier) Name() string { return "slack" }

func (s *SlackNotifier) Send(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(slackPayload{
		Channel:     s.channel,
		Attachments: []slackAttachment{slackAttachmentFor(alert)},
	})
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send slack alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned status %d", resp.StatusCode)
	}
	return nil
}

func slackAttachmentFor(alert Alert) slackAttachment {
	color, ok := levelColors[alert.Level]
	if !ok {
		color = defaultColor
	}

	window := alert.Period
	if alert.WindowSeconds > 0 {
		window = fmt.Sprintf("%s (%s)", alert.Period, time.Duration(alert.WindowSeconds)*time.Second)
	}

	fields := []slackField{
		{Title: "Provider", Value: alert.Provider, Short: true},
		{Title: "Window", Value: window, Short: true},
		{Title: "Spend / Limit", Value: fmt.Sprintf("$%.2f / $%.2f", alert.CurrentSpend, alert.LimitUSD), Short: true},
		{Title: "Remaining", Value: fmt.Sprintf("$%.2f", alert.RemainingUSD()), Short: true},
		{Title: "Usage", Value: fmt.Sprintf("%.1f%% (warn at %.0f%%)", alert.UsagePct(), alert.ThresholdPct), Short: true},
	}
	if resets := alert.ResetsBy(); !resets.IsZero() {
		fields = append(fields, slackField{
			Title: "Window Resets By",
			Value: resets.UTC().Format(time.RFC3339),
			Short: true,
		})
	}

	ts := alert.ObservedAt
	if ts.IsZero() {
		ts = time.Now()
	}

	return slackAttachment{
		Color:  color,
		Title:  fmt.Sprintf("budgetgate: %s budget %s", alert.Provider, alert.Level),
		Text:   alert.Message,
		Fields: fields,
		Footer: "budgetgate",
		Ts:     ts.Unix(),
	}
}

type slackPayload struct {
	Channel     string            `json:"channel,omitempty"`
	Attachments []slackAttachment `json:"attachments"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Text   string       `json:"text,omitempty"`
	Fields []slackField `json:"fields"`
	Footer string       `json:"footer"`
	Ts     int64        `json:"ts"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}
