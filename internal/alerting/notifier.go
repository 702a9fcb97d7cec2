package alerting

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

// Kind 区分进入与解除 HALTED。
type Kind string

const (
	KindHalted    Kind = "halted"
	KindRecovered Kind = "recovered"
)

// Notification 封装告警上下文。
type Notification struct {
	Kind          Kind
	RunID         string
	Exchange      string
	Symbol        string
	At            time.Time
	Decision      string
	Previous      string
	DataTrust     string
	Hypothesis    string
	WorstBPS      float64
	Reasons       []string
	Channels      []string
	AdditionalMsg string
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
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
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	body, err := json.Marshal(map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	})
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
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		return fmt.Errorf("telegram 返回 ok=false: %s", result.Description)
	}

	n.logger.Info().
		Str("kind", string(note.Kind)).
		Str("decision", note.Decision).
		Time("at", note.At).
		Msg("告警已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	var b strings.Builder
	switch note.Kind {
	case KindRecovered:
		fmt.Fprintf(&b, "[Trust Gate] %s %s recovered\n", note.Exchange, note.Symbol)
	default:
		fmt.Fprintf(&b, "[Trust Gate] %s %s HALTED\n", note.Exchange, note.Symbol)
	}
	fmt.Fprintf(&b, "At: %s UTC\n", note.At.UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(&b, "Decision: %s (was %s)\n", note.Decision, note.Previous)
	fmt.Fprintf(&b, "Trust: %s  Hypothesis: %s\n", note.DataTrust, note.Hypothesis)
	fmt.Fprintf(&b, "Worst divergence: %.2f bps\n", note.WorstBPS)
	for _, r := range note.Reasons {
		fmt.Fprintf(&b, "- %s\n", r)
	}
	if note.RunID != "" {
		fmt.Fprintf(&b, "Run: %s\n", note.RunID)
	}
	if len(note.Channels) > 0 {
		fmt.Fprintf(&b, "Channels: %s\n", strings.Join(note.Channels, ","))
	}
	if note.AdditionalMsg != "" {
		b.WriteString(note.AdditionalMsg)
	}
	return b.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
