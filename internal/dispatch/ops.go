package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// OpsEvent is an operator-facing incident.
type OpsEvent struct {
	At      time.Time
	Job     string
	Summary string
	Details []string
}

// OpsNotifier pages operators.
type OpsNotifier interface {
	Notify(ctx context.Context, event OpsEvent) error
}

// NopNotifier discards ops events.
type NopNotifier struct{}

// Notify implements OpsNotifier.
func (NopNotifier) Notify(context.Context, OpsEvent) error { return nil }

// TelegramNotifier posts ops events through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier builds a Telegram ops channel.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "ops_telegram").Logger(),
	}
}

// Notify calls sendMessage with the rendered event.
func (n *TelegramNotifier) Notify(ctx context.Context, event OpsEvent) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderOpsEvent(event),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram unexpected status: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	n.logger.Info().Str("job", event.Job).Msg("ops event sent")
	return nil
}

func renderOpsEvent(event OpsEvent) string {
	builder := strings.Builder{}
	builder.WriteString("[hotelwatch]\n")
	builder.WriteString(fmt.Sprintf("Job: %s\n", event.Job))
	builder.WriteString(fmt.Sprintf("At: %s UTC\n", event.At.UTC().Format(time.RFC3339)))
	builder.WriteString(event.Summary)
	for _, d := range event.Details {
		builder.WriteString("\n- " + d)
	}
	return builder.String()
}

var (
	_ OpsNotifier = (*TelegramNotifier)(nil)
	_ OpsNotifier = NopNotifier{}
)
