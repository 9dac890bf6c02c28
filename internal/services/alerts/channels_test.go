package alerts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nodediag/internal/config"
	"nodediag/pkg/diag"
)

func mustRaw(m map[string]any) json.RawMessage {
	b, err := json.Marshal(m)
	if err != nil {
		panic(err)
	}
	return b
}

func TestBuildSenderValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cc      config.ChannelConfigRaw
		wantErr string
	}{
		{
			name:    "unknown type",
			cc:      config.ChannelConfigRaw{Type: "pager", Enabled: true},
			wantErr: "unsupported channel type",
		},
		{
			name: "telegram missing token",
			cc: config.ChannelConfigRaw{
				Type: "telegram", Enabled: true,
				Config: mustRaw(map[string]any{"chat_id": 42}),
			},
			wantErr: `option "token" is required`,
		},
		{
			name: "telegram missing chat id",
			cc: config.ChannelConfigRaw{
				Type: "telegram", Enabled: true,
				Config: mustRaw(map[string]any{"token": "t"}),
			},
			wantErr: `option "chat_id" is required`,
		},
		{
			name: "email missing host",
			cc: config.ChannelConfigRaw{
				Type: "email", Enabled: true,
				Config: mustRaw(map[string]any{"from": "diag@example.com", "to": []string{"ops@example.com"}}),
			},
			wantErr: `option "host" is required`,
		},
		{
			name: "email missing recipients",
			cc: config.ChannelConfigRaw{
				Type: "email", Enabled: true,
				Config: mustRaw(map[string]any{"host": "mail.example.com", "from": "diag@example.com"}),
			},
			wantErr: `option "to" is required`,
		},
		{
			name: "webhook missing url",
			cc: config.ChannelConfigRaw{
				Type: "webhook", Enabled: true,
				Config: mustRaw(map[string]any{"token": "t"}),
			},
			wantErr: `option "url" is required`,
		},
		{
			name: "unknown option key",
			cc: config.ChannelConfigRaw{
				Type: "webhook", Enabled: true,
				Config: mustRaw(map[string]any{"url": "http://example.com", "urll": "oops"}),
			},
			wantErr: "invalid keys",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := BuildSender("ch", tt.cc)
			if err == nil {
				t.Fatalf("BuildSender() error = nil, want substring %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("BuildSender() error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestBuildSendersSkipsDisabled(t *testing.T) {
	t.Parallel()

	senders, err := BuildSenders(map[string]config.ChannelConfigRaw{
		"hook": {Type: "webhook", Enabled: true, Config: mustRaw(map[string]any{"url": "http://127.0.0.1:1/hook"})},
		"off":  {Type: "telegram", Enabled: false},
	})
	if err != nil {
		t.Fatalf("BuildSenders() error = %v", err)
	}
	if len(senders) != 1 {
		t.Fatalf("BuildSenders() built %d senders, want 1", len(senders))
	}
	if _, ok := senders["hook"]; !ok {
		t.Fatal("enabled webhook channel missing from senders")
	}
}

func TestBuildSendersNamesFailingChannel(t *testing.T) {
	t.Parallel()

	_, err := BuildSenders(map[string]config.ChannelConfigRaw{
		"oncall": {Type: "webhook", Enabled: true},
	})
	if err == nil || !strings.Contains(err.Error(), `channel "oncall"`) {
		t.Fatalf("BuildSenders() error = %v, want channel name in message", err)
	}
}

func TestWebhookSenderPostsAlert(t *testing.T) {
	t.Parallel()

	type got struct {
		auth        string
		contentType string
		payload     Alert
	}
	gotCh := make(chan got, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var a Alert
		if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		select {
		case gotCh <- got{auth: r.Header.Get("Authorization"), contentType: r.Header.Get("Content-Type"), payload: a}:
		default:
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	snd, err := BuildSender("hook", config.ChannelConfigRaw{
		Type: "webhook", Enabled: true,
		Config: mustRaw(map[string]any{"url": srv.URL, "token": "tok"}),
	})
	if err != nil {
		t.Fatalf("BuildSender() error = %v", err)
	}

	a := Alert{
		Node: "node-1",
		At:   time.Now(),
		Report: diag.Report{
			Name:    "root-disk",
			Level:   diag.LevelError,
			Message: "disk full",
		},
	}
	if err := snd.Send(context.Background(), a); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	select {
	case g := <-gotCh:
		if g.auth != "Bearer tok" {
			t.Fatalf("Authorization = %q, want %q", g.auth, "Bearer tok")
		}
		if g.contentType != "application/json" {
			t.Fatalf("Content-Type = %q, want application/json", g.contentType)
		}
		if g.payload.Node != "node-1" || g.payload.Report.Name != "root-disk" {
			t.Fatalf("payload = %+v, want node-1/root-disk", g.payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook request not received")
	}
}

func TestWebhookSenderRejectsErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	snd, err := BuildSender("hook", config.ChannelConfigRaw{
		Type: "webhook", Enabled: true,
		Config: mustRaw(map[string]any{"url": srv.URL}),
	})
	if err != nil {
		t.Fatalf("BuildSender() error = %v", err)
	}

	err = snd.Send(context.Background(), Alert{Report: diag.Report{Name: "gateway", Level: diag.LevelWarn}})
	if err == nil || !strings.Contains(err.Error(), "webhook response") {
		t.Fatalf("Send() error = %v, want webhook response status", err)
	}
}

func TestFormatText(t *testing.T) {
	t.Parallel()

	a := Alert{
		Node: "node-1",
		Report: diag.Report{
			Name:    "gateway",
			Level:   diag.LevelWarn,
			Message: "latency high",
			Values: []diag.KeyValue{
				{Key: "rtt", Value: "250ms"},
				{Key: "loss", Value: "3%"},
			},
		},
	}
	got := formatText(a)
	want := "[WARN] gateway: latency high (node node-1)\nrtt: 250ms\nloss: 3%"
	if got != want {
		t.Fatalf("formatText() = %q, want %q", got, want)
	}
}
