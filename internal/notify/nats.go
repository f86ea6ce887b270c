// Package notify 通过 NATS 发布采集会话事件，并可从 NATS 接收旋转通知。
package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"alan3344/go-minicap-relay/internal/geometry"
)

const DefaultPrefix = "minicap"

// Conn Publisher/RotationSubscriber 需要的 NATS 能力
type Conn interface {
	Publish(subj string, data []byte) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// SessionEvent 发布到 <prefix>.session.<event>
type SessionEvent struct {
	Event     string             `json:"event"`
	SessionID string             `json:"sessionId"`
	Geometry  *geometry.Geometry `json:"geometry,omitempty"`
	Timestamp int64              `json:"timestamp"`
}

// Publisher 实现 capture.Observer
type Publisher struct {
	conn   Conn
	prefix string
	log    *slog.Logger
	now    func() time.Time
}

func NewPublisher(conn Conn, prefix string, log *slog.Logger) *Publisher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{conn: conn, prefix: prefix, log: log.With("component", "nats-publisher"), now: time.Now}
}

func (p *Publisher) SessionStarting(id string, g geometry.Geometry) {
	p.publish(SessionEvent{Event: "starting", SessionID: id, Geometry: &g})
}

func (p *Publisher) SessionStreaming(id string) {
	p.publish(SessionEvent{Event: "streaming", SessionID: id})
}

func (p *Publisher) SessionStopped(id string) {
	p.publish(SessionEvent{Event: "stopped", SessionID: id})
}

func (p *Publisher) publish(ev SessionEvent) {
	ev.Timestamp = p.now().UnixMilli()
	data, err := json.Marshal(ev)
	if err != nil {
		p.log.Error("marshal session event", "error", err)
		return
	}
	subject := p.prefix + ".session." + ev.Event
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn("publish session event failed", "subject", subject, "error", err)
	}
}

// ParseRotationPayload 负载是十进制角度，如 "90"
func ParseRotationPayload(data []byte) (geometry.Rotation, error) {
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("rotation payload %q: %w", data, err)
	}
	return geometry.ParseRotation(n)
}

// RotationSubscriber 订阅 <prefix>.rotation 作为外部旋转通知来源
type RotationSubscriber struct {
	conn   Conn
	prefix string
	log    *slog.Logger
}

func NewRotationSubscriber(conn Conn, prefix string, log *slog.Logger) *RotationSubscriber {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if log == nil {
		log = slog.Default()
	}
	return &RotationSubscriber{conn: conn, prefix: prefix, log: log.With("component", "nats-rotation")}
}

func (s *RotationSubscriber) Subject() string { return s.prefix + ".rotation" }

// Subscribe 回调在 NATS 的 goroutine 上执行
func (s *RotationSubscriber) Subscribe(fn func(geometry.Rotation)) (*nats.Subscription, error) {
	return s.conn.Subscribe(s.Subject(), func(msg *nats.Msg) {
		rot, err := ParseRotationPayload(msg.Data)
		if err != nil {
			s.log.Warn("bad rotation message", "error", err)
			return
		}
		s.log.Info("rotation notice", "rotation", int(rot))
		fn(rot)
	})
}
