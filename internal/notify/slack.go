package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hochfrequenz/fishqueue/internal/domain"
)

// SlackNotifier posts run outcomes to a Slack incoming webhook
type SlackNotifier struct {
	webhookURL string
	client     *http.Client
	now        func() time.Time
}

// SlackMessage represents a Slack message payload
type SlackMessage struct {
	Text        string            `json:"text"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment is the run summary block of a message
type SlackAttachment struct {
	Fallback string       `json:"fallback"`
	Color    string       `json:"color"`
	Title    string       `json:"title"`
	Text     string       `json:"text,omitempty"`
	Fields   []SlackField `json:"fields,omitempty"`
	Footer   string       `json:"footer"`
	Ts       int64        `json:"ts"`
}

// SlackField is one short column of an attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// NewSlackNotifier creates a new Slack notifier. An empty URL disables it.
func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
}

// OutcomeColor returns the attachment color for a run outcome
func OutcomeColor(outcome domain.RunStatus) string {
	switch outcome {
	case domain.RunPassed:
		return "good"
	case domain.RunFailed:
		return "danger"
	case domain.RunStopped:
		return "warning"
	default:
		return "#439FE0"
	}
}

// Message renders n as a webhook payload
func (s *SlackNotifier) Message(n Notification) SlackMessage {
	att := SlackAttachment{
		Fallback: n.Title,
		Color:    OutcomeColor(n.Outcome),
		Title:    n.RunID,
		Text:     n.Reason,
		Footer:   "fishqueue",
		Ts:       s.now().Unix(),
	}
	for _, f := range n.Fields {
		// free text gets a full row
		att.Fields = append(att.Fields, SlackField{Title: f.Name, Value: f.Value, Short: f.Name != "Info"})
	}
	return SlackMessage{Text: n.Title, Attachments: []SlackAttachment{att}}
}

// Send posts n to the webhook
func (s *SlackNotifier) Send(ctx context.Context, n Notification) error {
	if s.webhookURL == "" {
		return nil
	}

	payload, err := json.Marshal(s.Message(n))
	if err != nil {
		return fmt.Errorf("encoding slack message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to slack: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned %d", resp.StatusCode)
	}
	return nil
}
