package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"alan3344/go-minicap-relay/internal/geometry"
	"alan3344/go-minicap-relay/internal/minicap"
)

// 每次 Read 的缓冲，与原先 screenrecord 读取一致
const DefaultReadBufferSize = 64 * 1024

type State int

const (
	StateIdle State = iota
	StateStarting
	StateStreaming
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateStreaming:
		return "streaming"
	case StateStopping:
		return "stopping"
	}
	return "unknown"
}

// Sink 接收解码结果和流状态，由 Hub 实现
type Sink interface {
	BannerReady(sessionID string, b minicap.Banner)
	FrameReady(sessionID string, frame []byte)
	// StreamEnded 流正常读到结尾
	StreamEnded(sessionID string)
	// StreamFailed 读错误或协议错误；fatal 表示流已损坏，进程已被要求停止
	StreamFailed(sessionID string, err error, fatal bool)
	// SessionStopped 会话已销毁；restarting 表示马上会用新几何启动
	SessionStopped(sessionID string, restarting bool)
}

// Observer 可选，用于向外发布会话事件
type Observer interface {
	SessionStarting(sessionID string, g geometry.Geometry)
	SessionStreaming(sessionID string)
	SessionStopped(sessionID string)
}

type Options struct {
	Launcher    Launcher
	InitialSize geometry.Size
	// Post 把闭包排入拥有 Supervisor 的事件循环
	Post     func(func())
	Sink     Sink
	Observer Observer
	Logger   *slog.Logger
	// Context 传给 Launcher，取消后进程会被杀掉
	Context        context.Context
	ReadBufferSize int
}

// Supervisor 同一时刻只持有一个采集会话。
// 所有方法都必须在事件循环里调用，内部不加锁。
type Supervisor struct {
	launcher Launcher
	initial  geometry.Size
	post     func(func())
	sink     Sink
	observer Observer
	log      *slog.Logger
	ctx      context.Context
	bufSize  int

	session        *Session
	target         geometry.Geometry
	restartPending bool
}

func NewSupervisor(opts Options) *Supervisor {
	s := &Supervisor{
		launcher: opts.Launcher,
		initial:  opts.InitialSize,
		post:     opts.Post,
		sink:     opts.Sink,
		observer: opts.Observer,
		log:      opts.Logger,
		ctx:      opts.Context,
		bufSize:  opts.ReadBufferSize,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.ctx == nil {
		s.ctx = context.Background()
	}
	if s.bufSize <= 0 {
		s.bufSize = DefaultReadBufferSize
	}
	return s
}

// Session 一个采集进程实例
type Session struct {
	ID       string
	Geometry geometry.Geometry

	sup     *Supervisor
	state   State
	handle  Handle
	stream  io.ReadCloser
	decoder *minicap.Decoder

	startedSeen  bool
	stoppingSeen bool
}

func (sess *Session) BannerReady(b minicap.Banner) {
	sess.sup.log.Info("banner ready", "session", sess.ID, "pid", b.PID,
		"real", geometry.Size{Width: b.RealWidth, Height: b.RealHeight}.String(),
		"virtual", geometry.Size{Width: b.VirtualWidth, Height: b.VirtualHeight}.String(),
		"orientation", b.Orientation, "quirks", b.Quirks)
	sess.sup.sink.BannerReady(sess.ID, b)
}

func (sess *Session) FrameReady(frame []byte) {
	sess.sup.sink.FrameReady(sess.ID, frame)
}

func (s *Supervisor) State() State {
	if s.session == nil {
		return StateIdle
	}
	return s.session.state
}

func (s *Supervisor) SessionID() string {
	if s.session == nil {
		return ""
	}
	return s.session.ID
}

// Current 当前会话的几何
func (s *Supervisor) Current() (geometry.Geometry, bool) {
	if s.session == nil {
		return geometry.Geometry{}, false
	}
	return s.session.Geometry, true
}

// RestartPending 是否有一次重启在等待旧进程退出
func (s *Supervisor) RestartPending() bool { return s.restartPending }

// Banner 正在推流且 banner 已完整时返回快照
func (s *Supervisor) Banner() (minicap.Banner, bool) {
	sess := s.session
	if sess == nil || sess.state != StateStreaming || sess.stream == nil {
		return minicap.Banner{}, false
	}
	return sess.decoder.Banner()
}

// StartOrRestart 没有会话就启动；几何不同则停掉旧会话，等它退出后再用最新几何启动。
// 停止过程中到来的请求只覆盖目标，不会叠加重启。
func (s *Supervisor) StartOrRestart(g geometry.Geometry) {
	sess := s.session
	if sess == nil {
		s.target = g
		s.start()
		return
	}

	switch sess.state {
	case StateStopping:
		s.target = g
		s.restartPending = true
		s.log.Info("restart coalesced", "session", sess.ID, "geometry", g.String())
	default:
		if g == sess.Geometry {
			s.log.Debug("geometry unchanged, keeping session", "session", sess.ID, "geometry", g.String())
			return
		}
		s.target = g
		s.restartPending = true
		s.log.Info("restarting capture", "session", sess.ID, "from", sess.Geometry.String(), "to", g.String())
		s.stopSession(sess)
	}
}

// Stop 显式停止，取消挂起的重启
func (s *Supervisor) Stop() {
	s.restartPending = false
	sess := s.session
	if sess == nil || sess.state == StateStopping {
		return
	}
	s.stopSession(sess)
}

// Close 退出时调用：停止进程并立即关闭流
func (s *Supervisor) Close() {
	sess := s.session
	s.Stop()
	if sess != nil {
		s.detachStream(sess)
	}
}

func (s *Supervisor) start() {
	sess := &Session{
		ID:       uuid.NewString(),
		Geometry: s.target,
		sup:      s,
		state:    StateStarting,
	}
	sess.decoder = minicap.NewDecoder(sess)
	s.session = sess
	s.restartPending = false

	s.log.Info("starting capture", "session", sess.ID, "initial", s.initial.String(), "geometry", sess.Geometry.String())
	if s.observer != nil {
		s.observer.SessionStarting(sess.ID, sess.Geometry)
	}

	p := Params{InitialSize: s.initial, Target: sess.Geometry}
	h, err := s.launcher.Launch(s.ctx, p, func(ev Event) {
		s.post(func() { s.handleEvent(sess, ev) })
	})
	if err != nil {
		s.log.Error("launch capture failed", "session", sess.ID, "error", err)
		s.session = nil
		if s.observer != nil {
			s.observer.SessionStopped(sess.ID)
		}
		s.sink.SessionStopped(sess.ID, false)
		return
	}
	sess.handle = h
}

func (s *Supervisor) stopSession(sess *Session) {
	sess.state = StateStopping
	if sess.handle != nil {
		sess.handle.Stop()
	}
}

func (s *Supervisor) handleEvent(sess *Session, ev Event) {
	if sess != s.session {
		// 已经销毁的会话，不再关心
		s.log.Debug("dropping stale lifecycle event", "session", sess.ID, "event", ev.Kind.String())
		if ev.Stream != nil {
			_ = ev.Stream.Close()
		}
		return
	}

	switch ev.Kind {
	case EventStarted:
		s.onStarted(sess, ev.Stream)
	case EventStopping:
		s.onStopping(sess)
	}
}

func (s *Supervisor) onStarted(sess *Session, stream io.ReadCloser) {
	if sess.startedSeen || sess.state != StateStarting || stream == nil {
		if stream != nil {
			_ = stream.Close()
		}
		return
	}
	sess.startedSeen = true
	sess.stream = stream
	sess.decoder.Reset()
	sess.state = StateStreaming

	s.log.Info("capture streaming", "session", sess.ID)
	if s.observer != nil {
		s.observer.SessionStreaming(sess.ID)
	}
	go s.read(sess, stream)
}

func (s *Supervisor) onStopping(sess *Session) {
	if sess.stoppingSeen {
		return
	}
	sess.stoppingSeen = true

	s.detachStream(sess)
	s.session = nil
	restarting := s.restartPending

	s.log.Info("capture stopped", "session", sess.ID, "restart", restarting)
	if s.observer != nil {
		s.observer.SessionStopped(sess.ID)
	}
	s.sink.SessionStopped(sess.ID, restarting)

	if restarting {
		s.start()
	}
}

func (s *Supervisor) detachStream(sess *Session) {
	if sess.stream == nil {
		return
	}
	_ = sess.stream.Close()
	sess.stream = nil
}

// read 尽力读取当前可用字节，每块投递一次到事件循环
func (s *Supervisor) read(sess *Session, r io.Reader) {
	buf := make([]byte, s.bufSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.post(func() { s.onChunk(sess, chunk) })
		}
		if err != nil {
			s.post(func() { s.onReadError(sess, err) })
			return
		}
	}
}

// attached 会话仍是当前会话且流未被拆除。每个会话最多接入一个流。
func (s *Supervisor) attached(sess *Session) bool {
	return sess == s.session && sess.stream != nil
}

func (s *Supervisor) onChunk(sess *Session, chunk []byte) {
	if !s.attached(sess) {
		return
	}
	if err := sess.decoder.Feed(chunk); err != nil {
		// 协议没有重同步标记，只能放弃这个进程
		s.log.Error("capture stream corrupt, stopping process", "session", sess.ID, "error", err)
		s.detachStream(sess)
		s.sink.StreamFailed(sess.ID, err, true)
		if sess.state != StateStopping {
			s.restartPending = false
			s.stopSession(sess)
		}
	}
}

func (s *Supervisor) onReadError(sess *Session, err error) {
	if !s.attached(sess) {
		return
	}
	s.detachStream(sess)
	if errors.Is(err, io.EOF) {
		s.log.Info("capture stream ended", "session", sess.ID)
		s.sink.StreamEnded(sess.ID)
		return
	}
	s.log.Warn("capture stream read error, process is likely dying", "session", sess.ID, "error", err)
	s.sink.StreamFailed(sess.ID, err, false)
}
