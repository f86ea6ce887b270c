// internal/adb/stream.go
package adb

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"alan3344/go-minicap-relay/internal/capture"
)

const (
	TransportSocket = "socket" // adb forward + 连接 localabstract socket
	TransportStdout = "stdout" // exec-out，协议直接写 STDOUT
)

type MinicapOptions struct {
	// 设备上 minicap 与 minicap.so 所在目录
	Dir            string
	Socket         string
	Transport      string
	ForwardPort    int
	ConnectTimeout time.Duration
}

// MinicapLauncher 通过 adb 启动 minicap
type MinicapLauncher struct {
	client *Client
	opts   MinicapOptions
	log    *slog.Logger
}

func NewMinicapLauncher(c *Client, opts MinicapOptions, log *slog.Logger) *MinicapLauncher {
	if opts.Dir == "" {
		opts.Dir = "/data/local/tmp"
	}
	if opts.Socket == "" {
		opts.Socket = "minicap"
	}
	if opts.Transport == "" {
		opts.Transport = TransportSocket
	}
	if opts.ForwardPort == 0 {
		opts.ForwardPort = 1313
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &MinicapLauncher{client: c, opts: opts, log: log.With("component", "minicap")}
}

// ProjectionArg minicap -P 参数：<real>@<virtual>/<rotation>
func ProjectionArg(p capture.Params) string {
	return fmt.Sprintf("%s@%s/%d", p.InitialSize, p.Target.Size, int(p.Target.Rotation))
}

// ShellCommand 设备端命令行
func (l *MinicapLauncher) ShellCommand(p capture.Params) string {
	cmd := fmt.Sprintf("LD_LIBRARY_PATH=%s exec %s/minicap -P %s", l.opts.Dir, l.opts.Dir, ProjectionArg(p))
	if l.opts.Transport == TransportSocket {
		cmd += " -n " + l.opts.Socket
	}
	return cmd
}

func (l *MinicapLauncher) Launch(ctx context.Context, p capture.Params, notify func(capture.Event)) (capture.Handle, error) {
	pctx, cancel := context.WithCancel(ctx)
	proc := &minicapProcess{
		launcher: l,
		cancel:   cancel,
		notify:   notify,
		local:    "tcp:" + strconv.Itoa(l.opts.ForwardPort),
	}

	verb := "shell"
	if l.opts.Transport == TransportStdout {
		verb = "exec-out"
	}
	shellCmd := l.ShellCommand(p)
	cmd := l.client.command(pctx, verb, shellCmd)

	// stdout 用自己的管道：Wait 不会替读方关掉它
	var pr, pw *os.File
	var err error
	if l.opts.Transport == TransportStdout {
		if pr, pw, err = os.Pipe(); err != nil {
			cancel()
			return nil, err
		}
		cmd.Stdout = pw
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		closeFiles(pr, pw)
		cancel()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		closeFiles(pr, pw)
		cancel()
		return nil, fmt.Errorf("start minicap: %w", err)
	}
	closeFiles(pw)
	l.log.Info("minicap launched", "command", shellCmd, "transport", l.opts.Transport)

	// 打印 minicap 的错误信息
	go func() {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			l.log.Debug("[minicap] " + sc.Text())
		}
	}()

	var stream *drainedStream
	if pr != nil {
		stream = &drainedStream{ReadCloser: pr, done: make(chan struct{})}
	}

	go func() {
		// 先等读方把数据读完，Stopping 之前的帧一个不丢
		if stream != nil {
			select {
			case <-stream.done:
			case <-pctx.Done():
			}
		}
		err := cmd.Wait()
		l.log.Info("minicap exited", "error", err)
		proc.emitStopping()
	}()

	switch l.opts.Transport {
	case TransportStdout:
		go proc.emitStarted(stream)
	default:
		go proc.connect(pctx)
	}
	return proc, nil
}

func closeFiles(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			_ = f.Close()
		}
	}
}

// drainedStream 读到结尾、出错或被关闭时关闭 done
type drainedStream struct {
	io.ReadCloser
	once sync.Once
	done chan struct{}
}

func (s *drainedStream) Read(b []byte) (int, error) {
	n, err := s.ReadCloser.Read(b)
	if err != nil {
		s.signal()
	}
	return n, err
}

func (s *drainedStream) Close() error {
	s.signal()
	return s.ReadCloser.Close()
}

func (s *drainedStream) signal() {
	s.once.Do(func() { close(s.done) })
}

type minicapProcess struct {
	launcher *MinicapLauncher
	cancel   context.CancelFunc
	notify   func(capture.Event)
	local    string

	mu        sync.Mutex
	started   bool
	stopping  bool
	forwarded bool
	stopOnce  sync.Once
}

// Stop 先让设备端 minicap 退出，再杀掉本地 adb 进程
func (p *minicapProcess) Stop() {
	p.stopOnce.Do(func() {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if _, err := p.launcher.client.Shell(ctx, "pkill -INT -f "+p.launcher.opts.Dir+"/minicap"); err != nil {
				p.launcher.log.Debug("pkill minicap failed", "error", err)
			}
			p.cancel()
		}()
	})
}

func (p *minicapProcess) emitStarted(stream io.ReadCloser) {
	p.mu.Lock()
	if p.started || p.stopping {
		p.mu.Unlock()
		_ = stream.Close()
		return
	}
	p.started = true
	p.mu.Unlock()
	p.notify(capture.Event{Kind: capture.EventStarted, Stream: stream})
}

func (p *minicapProcess) emitStopping() {
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		return
	}
	p.stopping = true
	forwarded := p.forwarded
	p.forwarded = false
	p.mu.Unlock()
	p.cancel()
	// 下一个会话会重新建立转发
	if forwarded {
		p.removeForward()
	}
	p.notify(capture.Event{Kind: capture.EventStopping})
}

func (p *minicapProcess) removeForward() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.launcher.client.RemoveForward(ctx, p.local); err != nil {
		p.launcher.log.Debug("remove forward failed", "local", p.local, "error", err)
	}
}

// connect 建好转发后拨号，读到 banner 第一个字节才算连上
func (p *minicapProcess) connect(ctx context.Context) {
	l := p.launcher
	if err := l.client.Forward(ctx, p.local, "localabstract:"+l.opts.Socket); err != nil {
		l.log.Error("forward minicap socket failed", "error", err)
		p.Stop()
		return
	}
	p.mu.Lock()
	if p.stopping {
		// 进程已经退出，转发来不及登记
		p.mu.Unlock()
		p.removeForward()
		return
	}
	p.forwarded = true
	p.mu.Unlock()

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(l.opts.ForwardPort))
	stream, err := dialMinicap(ctx, addr, time.Now().Add(l.opts.ConnectTimeout))
	if err != nil {
		if ctx.Err() == nil {
			l.log.Error("connect minicap failed", "addr", addr, "error", err)
			p.Stop()
		}
		return
	}
	l.log.Info("connected to minicap", "addr", addr)
	p.emitStarted(stream)
}

// dialMinicap 设备端 socket 还没建好时 adb 照样接受连接然后马上关掉，
// 所以要读到数据才算成功，否则重拨直到 deadline。
func dialMinicap(ctx context.Context, addr string, deadline time.Time) (io.ReadCloser, error) {
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			var first [1]byte
			_ = conn.SetReadDeadline(deadline)
			unwatch := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
			_, err = io.ReadFull(conn, first[:])
			unwatch()
			if err == nil {
				_ = conn.SetReadDeadline(time.Time{})
				return &primedConn{Reader: io.MultiReader(bytes.NewReader(first[:]), conn), conn: conn}, nil
			}
			_ = conn.Close()
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("connect minicap %s: %w", addr, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// primedConn 先吐出预读的字节，再接着读连接
type primedConn struct {
	io.Reader
	conn net.Conn
}

func (c *primedConn) Close() error { return c.conn.Close() }
