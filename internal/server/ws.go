package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"alan3344/go-minicap-relay/internal/capture"
	"alan3344/go-minicap-relay/internal/geometry"
	"alan3344/go-minicap-relay/internal/minicap"
)

var ErrHubClosed = errors.New("hub closed")

const (
	defaultMaxPending   = 64 << 20
	defaultWriteTimeout = 10 * time.Second
	defaultPingInterval = 30 * time.Second
	maxInboundMessage   = 512
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Options struct {
	Launcher    capture.Launcher
	InitialSize geometry.Size
	BaseSize    geometry.Size
	Rotation    geometry.Rotation
	Observer    capture.Observer
	Logger      *slog.Logger

	// MaxPending 单个观众未写出数据的上限（字节），超过视为卡死并断开
	MaxPending   int
	WriteTimeout time.Duration
	PingInterval time.Duration
}

// Hub 单事件循环：观众连接/消息/断开、采集进程通知、流数据、旋转通知
// 全部通过 events 串行执行，内部状态不加锁。
type Hub struct {
	events chan func()
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	log    *slog.Logger
	opts   Options

	sup  *capture.Supervisor
	geom *geometry.Controller

	viewers []*viewer // 按连接先后
	active  *viewer

	framesSent     uint64
	viewersStalled uint64
}

func NewHub(opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = defaultMaxPending
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		events: make(chan func(), 256),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
		log:    opts.Logger.With("component", "hub"),
		opts:   opts,
	}
	h.sup = capture.NewSupervisor(capture.Options{
		Launcher:    opts.Launcher,
		InitialSize: opts.InitialSize,
		Post:        h.post,
		Sink:        h,
		Observer:    opts.Observer,
		Logger:      opts.Logger.With("component", "supervisor"),
		Context:     ctx,
	})
	h.geom = geometry.NewController(h.sup, opts.BaseSize, opts.Rotation, opts.Logger.With("component", "geometry"))
	return h
}

// Run 阻塞执行事件循环直到 ctx 结束
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	defer h.cancel()
	h.log.Info("hub started", "initial", h.opts.InitialSize.String(), "rotation", int(h.opts.Rotation))
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return ctx.Err()
		case fn := <-h.events:
			fn()
		}
	}
}

func (h *Hub) shutdown() {
	h.sup.Close()
	for _, v := range h.viewers {
		v.close()
	}
	h.viewers = nil
	h.active = nil
	h.log.Info("hub stopped")
}

// post 可在任意 goroutine 调用；循环退出后直接丢弃
func (h *Hub) post(fn func()) {
	select {
	case h.events <- fn:
	case <-h.done:
	}
}

// Rotated 外部旋转通知
func (h *Hub) Rotated(r geometry.Rotation) {
	h.post(func() { h.geom.Rotate(r) })
}

/* ----------------- 观众连接 ----------------- */

type outbound struct {
	kind int
	data []byte
}

// viewer 的发送队列不定长：事件循环只追加，writePump 按顺序写出
type viewer struct {
	id   string
	conn *websocket.Conn

	mu      sync.Mutex
	queue   []outbound
	pending int // 已入队未写出的字节数
	wake    chan struct{}

	closed    chan struct{}
	closeOnce sync.Once
}

func newViewer(conn *websocket.Conn) *viewer {
	return &viewer{
		id:     uuid.NewString(),
		conn:   conn,
		wake:   make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

func (v *viewer) close() {
	v.closeOnce.Do(func() { close(v.closed) })
}

func (v *viewer) isClosed() bool {
	select {
	case <-v.closed:
		return true
	default:
		return false
	}
}

// push 不阻塞。积压已超过 limit 时拒绝；空队列总能放下一条，再大的帧也不会卡住
func (v *viewer) push(m outbound, limit int) bool {
	v.mu.Lock()
	if v.pending > 0 && v.pending+len(m.data) > limit {
		v.mu.Unlock()
		return false
	}
	v.queue = append(v.queue, m)
	v.pending += len(m.data)
	v.mu.Unlock()

	select {
	case v.wake <- struct{}{}:
	default:
	}
	return true
}

func (v *viewer) take() []outbound {
	v.mu.Lock()
	defer v.mu.Unlock()
	q := v.queue
	v.queue = nil
	return q
}

func (v *viewer) written(n int) {
	v.mu.Lock()
	v.pending -= n
	v.mu.Unlock()
}

// HandleWS 升级连接并登记为当前观众（后连接者生效）
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade error", "error", err)
		return
	}

	v := newViewer(ws)

	select {
	case <-h.done:
		_ = ws.Close()
		return
	default:
	}
	select {
	case h.events <- func() { h.connect(v) }:
	case <-h.done:
		_ = ws.Close()
		return
	}

	go h.writePump(v)
	h.readPump(v)
}

func (h *Hub) connect(v *viewer) {
	h.viewers = append(h.viewers, v)
	h.activate(v)
	h.log.Info("viewer connected", "viewer", v.id, "viewers", len(h.viewers))
}

// activate 切换当前观众；推流中则立刻补发 banner，不必等下一个会话
func (h *Hub) activate(v *viewer) {
	h.active = v
	if b, ok := h.sup.Banner(); ok {
		h.sendInfo(v, b)
	}
}

func (h *Hub) disconnect(v *viewer) {
	idx := -1
	for i, x := range h.viewers {
		if x == v {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	h.viewers = append(h.viewers[:idx], h.viewers[idx+1:]...)
	h.log.Info("viewer disconnected", "viewer", v.id, "viewers", len(h.viewers))

	if h.active != v {
		return
	}
	// 不停止采集，只清掉尺寸跟踪；剩下最近连接的观众接手
	h.active = nil
	h.geom.Reset()
	if n := len(h.viewers); n > 0 {
		h.activate(h.viewers[n-1])
		h.log.Info("viewer promoted", "viewer", h.active.id)
	}
}

func (h *Hub) onMessage(v *viewer, msg string) {
	cmd, ok := ParseCommand(msg)
	if !ok {
		h.log.Debug("ignoring message", "viewer", v.id, "message", msg)
		return
	}
	if v != h.active {
		h.log.Debug("ignoring command from inactive viewer", "viewer", v.id, "command", cmd.Kind.String())
		return
	}
	switch cmd.Kind {
	case CommandOn, CommandOff:
		// 保留，暂不开关推流
	case CommandSize:
		h.geom.Resize(cmd.Size)
	}
}

func (h *Hub) readPump(v *viewer) {
	defer func() {
		v.close()
		h.post(func() { h.disconnect(v) })
	}()

	pongWait := 2 * h.opts.PingInterval
	v.conn.SetReadLimit(maxInboundMessage)
	_ = v.conn.SetReadDeadline(time.Now().Add(pongWait))
	v.conn.SetPongHandler(func(string) error {
		return v.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, data, err := v.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("viewer read error", "viewer", v.id, "error", err)
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		msg := string(data)
		h.post(func() { h.onMessage(v, msg) })
	}
}

func (h *Hub) writePump(v *viewer) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer func() {
		ticker.Stop()
		v.close()
		_ = v.conn.Close()
	}()

	for {
		select {
		case <-v.wake:
			for _, msg := range v.take() {
				_ = v.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
				if err := v.conn.WriteMessage(msg.kind, msg.data); err != nil {
					h.log.Warn("ws write error, closing viewer", "viewer", v.id, "error", err)
					return
				}
				v.written(len(msg.data))
			}
		case <-ticker.C:
			_ = v.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			if err := v.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-v.closed:
			_ = v.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(h.opts.WriteTimeout))
			return
		}
	}
}

/* ----------------- capture.Sink ----------------- */

type infoData struct {
	RealWidth     uint32 `json:"realWidth"`
	RealHeight    uint32 `json:"realHeight"`
	VirtualWidth  uint32 `json:"virtualWidth"`
	VirtualHeight uint32 `json:"virtualHeight"`
}

type infoMessage struct {
	Event string   `json:"event"`
	Data  infoData `json:"data"`
}

func (h *Hub) sendInfo(v *viewer, b minicap.Banner) {
	msg, err := json.Marshal(infoMessage{
		Event: "info",
		Data: infoData{
			RealWidth:     b.RealWidth,
			RealHeight:    b.RealHeight,
			VirtualWidth:  b.VirtualWidth,
			VirtualHeight: b.VirtualHeight,
		},
	})
	if err != nil {
		h.log.Error("marshal banner info", "error", err)
		return
	}
	if h.enqueue(v, outbound{kind: websocket.TextMessage, data: msg}) {
		h.log.Debug("queued banner info", "viewer", v.id)
	}
}

// enqueue 积压超限说明观众写不动了：断开并计数，不静默丢帧
func (h *Hub) enqueue(v *viewer, m outbound) bool {
	if v.isClosed() {
		return false
	}
	if v.push(m, h.opts.MaxPending) {
		return true
	}
	h.viewersStalled++
	h.log.Error("viewer stalled, closing", "viewer", v.id, "limit", h.opts.MaxPending)
	v.close()
	return false
}

func (h *Hub) BannerReady(sessionID string, b minicap.Banner) {
	if h.active != nil {
		h.sendInfo(h.active, b)
	}
}

func (h *Hub) FrameReady(sessionID string, frame []byte) {
	v := h.active
	if v == nil {
		return
	}
	if h.enqueue(v, outbound{kind: websocket.BinaryMessage, data: frame}) {
		h.framesSent++
	}
}

func (h *Hub) StreamEnded(sessionID string) {
	h.log.Info("capture stream ended", "session", sessionID)
}

func (h *Hub) StreamFailed(sessionID string, err error, fatal bool) {
	if !fatal {
		h.log.Warn("capture stream failed", "session", sessionID, "error", err)
		return
	}
	h.log.Error("capture stream corrupt", "session", sessionID, "error", err)
	if h.active != nil {
		h.active.close()
	}
}

func (h *Hub) SessionStopped(sessionID string, restarting bool) {
	if !restarting {
		// 进程意外退出：下一次尺寸请求即使相同也要重新启动
		h.geom.Reset()
	}
}

/* ----------------- 状态 ----------------- */

type Status struct {
	State          string             `json:"state"`
	SessionID      string             `json:"sessionId,omitempty"`
	Geometry       *geometry.Geometry `json:"geometry,omitempty"`
	RestartPending bool               `json:"restartPending"`
	Banner         *minicap.Banner    `json:"banner,omitempty"`
	Viewers        int                `json:"viewers"`
	ActiveViewer   string             `json:"activeViewer,omitempty"`
	InitialSize    geometry.Size      `json:"initialSize"`
	BaseSize       geometry.Size      `json:"baseSize"`
	FramesSent     uint64             `json:"framesSent"`
	ViewersStalled uint64             `json:"viewersStalled"`
}

// Status 经事件循环取快照
func (h *Hub) Status(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)
	select {
	case h.events <- func() { reply <- h.snapshot() }:
	case <-h.done:
		return Status{}, ErrHubClosed
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
	select {
	case st := <-reply:
		return st, nil
	case <-h.done:
		return Status{}, ErrHubClosed
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

func (h *Hub) snapshot() Status {
	st := Status{
		State:          h.sup.State().String(),
		SessionID:      h.sup.SessionID(),
		RestartPending: h.sup.RestartPending(),
		Viewers:        len(h.viewers),
		InitialSize:    h.opts.InitialSize,
		BaseSize:       h.opts.BaseSize,
		FramesSent:     h.framesSent,
		ViewersStalled: h.viewersStalled,
	}
	if g, ok := h.sup.Current(); ok {
		st.Geometry = &g
	}
	if b, ok := h.sup.Banner(); ok {
		st.Banner = &b
	}
	if h.active != nil {
		st.ActiveViewer = h.active.id
	}
	return st
}
