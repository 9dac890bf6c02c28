package alerts

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"github.com/jordan-wright/email"
	"github.com/mitchellh/mapstructure"
	tele "gopkg.in/telebot.v4"

	"nodediag/internal/config"
)

// Sender delivers one alert to one destination.
type Sender interface {
	Name() string
	Send(ctx context.Context, a Alert) error
}

// BuildSenders constructs senders for all enabled channels. Channel
// construction is offline (network clients are dialed lazily), so it
// doubles as config validation on reload.
func BuildSenders(channels map[string]config.ChannelConfigRaw) (map[string]Sender, error) {
	out := make(map[string]Sender, len(channels))
	for name, cc := range channels {
		if !cc.Enabled {
			continue
		}
		s, err := BuildSender(name, cc)
		if err != nil {
			return nil, fmt.Errorf("channel %q: %w", name, err)
		}
		out[name] = s
	}
	return out, nil
}

// BuildSender constructs one channel sender.
func BuildSender(name string, cc config.ChannelConfigRaw) (Sender, error) {
	switch strings.ToLower(strings.TrimSpace(cc.Type)) {
	case "telegram":
		var opts TelegramOptions
		if err := decodeChannel(cc.Config, &opts); err != nil {
			return nil, err
		}
		return newTelegramSender(name, opts)
	case "email":
		var opts EmailOptions
		if err := decodeChannel(cc.Config, &opts); err != nil {
			return nil, err
		}
		return newEmailSender(name, opts)
	case "webhook":
		var opts WebhookOptions
		if err := decodeChannel(cc.Config, &opts); err != nil {
			return nil, err
		}
		return newWebhookSender(name, opts)
	default:
		return nil, fmt.Errorf("unsupported channel type %q", cc.Type)
	}
}

func decodeChannel(raw json.RawMessage, target any) error {
	var m map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           target,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(m); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// formatText renders an alert as a short plain-text line plus values.
func formatText(a Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s: %s", strings.ToUpper(a.Report.Level.String()), a.Report.Name, a.Report.Message)
	if a.Node != "" {
		fmt.Fprintf(&b, " (node %s)", a.Node)
	}
	for _, kv := range a.Report.Values {
		fmt.Fprintf(&b, "\n%s: %s", kv.Key, kv.Value)
	}
	return b.String()
}

// ---- telegram ----

type TelegramOptions struct {
	Token  string `mapstructure:"token"` // do not log
	ChatID int64  `mapstructure:"chat_id"`
}

type telegramSender struct {
	name string
	opts TelegramOptions

	mu  sync.Mutex
	bot *tele.Bot
}

func newTelegramSender(name string, opts TelegramOptions) (Sender, error) {
	if strings.TrimSpace(opts.Token) == "" {
		return nil, fmt.Errorf("option %q is required", "token")
	}
	if opts.ChatID == 0 {
		return nil, fmt.Errorf("option %q is required", "chat_id")
	}
	return &telegramSender{name: name, opts: opts}, nil
}

func (t *telegramSender) Name() string { return t.name }

func (t *telegramSender) Send(ctx context.Context, a Alert) error {
	_ = ctx // telebot bounds calls through its HTTP client timeout
	bot, err := t.ensureBot()
	if err != nil {
		return err
	}
	_, err = bot.Send(tele.ChatID(t.opts.ChatID), formatText(a))
	return err
}

// ensureBot dials lazily so a bad token or unreachable API does not
// block startup; the first send reports the failure instead.
func (t *telegramSender) ensureBot() (*tele.Bot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil {
		return t.bot, nil
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  t.opts.Token,
		Client: &http.Client{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	t.bot = b
	return b, nil
}

// ---- email ----

type EmailOptions struct {
	Host     string   `mapstructure:"host"`
	Port     int      `mapstructure:"port"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"` // do not log
	From     string   `mapstructure:"from"`
	To       []string `mapstructure:"to"`
}

type emailSender struct {
	name string
	opts EmailOptions
}

func newEmailSender(name string, opts EmailOptions) (Sender, error) {
	if strings.TrimSpace(opts.Host) == "" {
		return nil, fmt.Errorf("option %q is required", "host")
	}
	if strings.TrimSpace(opts.From) == "" {
		return nil, fmt.Errorf("option %q is required", "from")
	}
	if len(opts.To) == 0 {
		return nil, fmt.Errorf("option %q is required", "to")
	}
	if opts.Port <= 0 {
		opts.Port = 465
	}
	return &emailSender{name: name, opts: opts}, nil
}

func (e *emailSender) Name() string { return e.name }

func (e *emailSender) Send(ctx context.Context, a Alert) error {
	_ = ctx // the SMTP dial is bounded by the pipeline's per-call timeout upstream

	subject := fmt.Sprintf("[%s] %s", strings.ToUpper(a.Report.Level.String()), a.Report.Name)
	if a.Node != "" {
		subject += " on " + a.Node
	}

	em := email.NewEmail()
	em.From = e.opts.From
	em.To = append([]string{}, e.opts.To...)
	em.Subject = subject
	em.Text = []byte(formatText(a) + "\n")

	addr := fmt.Sprintf("%s:%d", e.opts.Host, e.opts.Port)
	var auth smtp.Auth
	if e.opts.Username != "" {
		auth = smtp.PlainAuth("", e.opts.Username, e.opts.Password, e.opts.Host)
	}
	return em.SendWithTLS(addr, auth, &tls.Config{ServerName: e.opts.Host})
}

// ---- webhook ----

type WebhookOptions struct {
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"` // bearer, do not log
}

type webhookSender struct {
	name   string
	opts   WebhookOptions
	client *http.Client
}

func newWebhookSender(name string, opts WebhookOptions) (Sender, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, fmt.Errorf("option %q is required", "url")
	}
	return &webhookSender{
		name:   name,
		opts:   opts,
		client: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (w *webhookSender) Name() string { return w.name }

func (w *webhookSender) Send(ctx context.Context, a Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.opts.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+w.opts.Token)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook response: %s", resp.Status)
	}
	return nil
}
