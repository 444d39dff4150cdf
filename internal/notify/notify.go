package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"talon/internal/logger"
)

// Notifier pushes human-facing alerts: rejected orders, risk-rule firings,
// feed failovers. Delivery is best effort and never gates engine progress.
type Notifier interface {
	Send(text string) error
}

// Telegram sends alerts to one chat via the bot API.
type Telegram struct {
	BotToken string
	ChatID   string
	Client   *http.Client
}

func NewTelegram(botToken, chatID string) *Telegram {
	return &Telegram{BotToken: botToken, ChatID: chatID, Client: &http.Client{Timeout: 15 * time.Second}}
}

// Send delivers a text message with up to 3 retries.
func (t *Telegram) Send(text string) error {
	if t.BotToken == "" || t.ChatID == "" {
		return fmt.Errorf("telegram credentials not configured")
	}
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.BotToken)

	payload := map[string]any{
		"chat_id":    t.ChatID,
		"text":       text,
		"parse_mode": "Markdown",
	}
	body, _ := json.Marshal(payload)

	var lastErr error
	for i := 0; i < 3; i++ {
		req, _ := http.NewRequest("POST", url, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		resp, err := t.Client.Do(req)
		if err != nil {
			lastErr = err
			time.Sleep(time.Duration(i+1) * time.Second)
			continue
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode/100 == 2 {
			return nil
		}
		lastErr = fmt.Errorf("telegram status=%d", resp.StatusCode)
		time.Sleep(time.Duration(i+1) * time.Second)
	}
	return lastErr
}

// Noop swallows alerts when no channel is configured.
type Noop struct{}

func (Noop) Send(string) error { return nil }

// Best sends via n and logs a warning on failure instead of propagating it.
func Best(n Notifier, format string, args ...any) {
	if n == nil {
		return
	}
	text := fmt.Sprintf(format, args...)
	if err := n.Send(text); err != nil {
		logger.Warnf("notify: delivery failed: %v", err)
	}
}
