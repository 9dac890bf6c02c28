package sinks

import (
	"context"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"nodediag/pkg/diag"
	logx "nodediag/pkg/logx"
)

// PushOptions configures the websocket push sink.
type PushOptions struct {
	URL       string
	Token     string // do not log
	Node      string
	QueueSize int
}

// PushFrame is one websocket message.
type PushFrame struct {
	Type    string        `json:"type"`
	Node    string        `json:"node,omitempty"`
	At      time.Time     `json:"at"`
	Reports []diag.Report `json:"reports"`
}

// Push streams batches over a websocket. The connection is dialed
// lazily and redialed with capped exponential backoff; batches that
// arrive while the endpoint is down are dropped (history and the
// collector keep durable copies).
type Push struct {
	log  logx.Logger
	opts PushOptions
	pump *pump

	mu       sync.Mutex
	conn     *websocket.Conn
	backoff  time.Duration
	nextDial time.Time
}

const (
	pushWriteWait    = 10 * time.Second
	pushDialTimeout  = 10 * time.Second
	pushBackoffStart = time.Second
	pushBackoffMax   = 30 * time.Second
)

func NewPush(opts PushOptions, log logx.Logger) *Push {
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Push{log: log, opts: opts, backoff: pushBackoffStart}
	p.pump = newPump(opts.QueueSize, log, p.send)
	return p
}

func (p *Push) Start(ctx context.Context) error {
	_ = ctx
	p.pump.start()
	return nil
}

func (p *Push) Stop(ctx context.Context) error {
	p.pump.stop(ctx)
	p.mu.Lock()
	if p.conn != nil {
		_ = p.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = p.conn.Close()
		p.conn = nil
	}
	p.mu.Unlock()
	return nil
}

func (p *Push) Publish(batch []diag.Report) { p.pump.publish(batch) }

func (p *Push) send(ctx context.Context, batch []diag.Report) {
	conn := p.ensureConn(ctx)
	if conn == nil {
		return
	}
	frame := PushFrame{Type: "diagnostics", Node: p.opts.Node, At: time.Now(), Reports: batch}
	_ = conn.SetWriteDeadline(time.Now().Add(pushWriteWait))
	if err := conn.WriteJSON(frame); err != nil {
		p.log.Warn("push write failed", logx.Err(err))
		p.dropConn(conn)
	}
}

func (p *Push) ensureConn(ctx context.Context) *websocket.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		return p.conn
	}
	if time.Now().Before(p.nextDial) {
		return nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: pushDialTimeout}
	header := http.Header{}
	if p.opts.Token != "" {
		header.Set("Authorization", "Bearer "+p.opts.Token)
	}
	conn, resp, err := dialer.DialContext(ctx, p.opts.URL, header)
	if err != nil {
		fields := []logx.Field{logx.Err(err)}
		if resp != nil {
			fields = append(fields, logx.Int("status", resp.StatusCode))
			_ = resp.Body.Close()
		}
		p.log.Warn("push dial failed", fields...)

		jitter := time.Duration(rand.Intn(500)) * time.Millisecond
		p.nextDial = time.Now().Add(p.backoff + jitter)
		p.backoff *= 2
		if p.backoff > pushBackoffMax {
			p.backoff = pushBackoffMax
		}
		return nil
	}

	p.backoff = pushBackoffStart
	p.nextDial = time.Time{}
	p.conn = conn
	// The read side only carries control frames; a reader must run for
	// close handshakes to be processed.
	go p.discardReads(conn)
	p.log.Info("push connected", logx.String("url", p.opts.URL))
	return conn
}

func (p *Push) discardReads(conn *websocket.Conn) {
	conn.SetReadLimit(1 << 16)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			p.dropConn(conn)
			return
		}
	}
}

// dropConn clears the cached connection if it is still the one that
// failed, so a newer dial never gets torn down by a stale reader.
func (p *Push) dropConn(conn *websocket.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == conn {
		_ = p.conn.Close()
		p.conn = nil
	}
}
