package adb

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"alan3344/go-minicap-relay/internal/capture"
	"alan3344/go-minicap-relay/internal/geometry"
	"alan3344/go-minicap-relay/internal/minicap"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeADB 写一个代替 adb 的 shell 脚本
func fakeADB(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}
	path := filepath.Join(t.TempDir(), "adb")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func testParams() capture.Params {
	return capture.Params{
		InitialSize: geometry.Size{Width: 1080, Height: 1920},
		Target:      geometry.Geometry{Size: geometry.Size{Width: 540, Height: 960}},
	}
}

func testStream(frames int) []byte {
	data := minicap.EncodeBanner(minicap.Banner{Version: 1, RealWidth: 1080, RealHeight: 1920})
	for i := 0; i < frames; i++ {
		body := bytes.Repeat([]byte{byte(i)}, 200)
		body[0], body[1] = 0xFF, 0xD8
		data = append(data, minicap.EncodeFrame(body)...)
	}
	return data
}

type launchEvent struct {
	kind   capture.EventKind
	stream io.ReadCloser
}

// stdoutLauncher 伪 adb 直接把 data 写到 stdout
func stdoutLauncher(t *testing.T, data []byte) *MinicapLauncher {
	t.Helper()
	file := filepath.Join(t.TempDir(), "stream.bin")
	if err := os.WriteFile(file, data, 0o600); err != nil {
		t.Fatal(err)
	}
	client := NewClient(fakeADB(t, "cat '"+file+"'"), "", quiet)
	return NewMinicapLauncher(client, MinicapOptions{Transport: TransportStdout}, quiet)
}

func launch(t *testing.T, l *MinicapLauncher) <-chan launchEvent {
	t.Helper()
	events := make(chan launchEvent, 4)
	if _, err := l.Launch(context.Background(), testParams(), func(ev capture.Event) {
		events <- launchEvent{kind: ev.Kind, stream: ev.Stream}
	}); err != nil {
		t.Fatal(err)
	}
	return events
}

func TestStdoutTransportDeliversWholeStream(t *testing.T) {
	want := testStream(2000)
	l := stdoutLauncher(t, want)

	for run := 0; run < 5; run++ {
		events := launch(t, l)

		ev := nextEvent(t, events)
		if ev.kind != capture.EventStarted || ev.stream == nil {
			t.Fatalf("run %d: first event = %v", run, ev.kind)
		}
		got, err := io.ReadAll(ev.stream)
		if err != nil {
			t.Fatalf("run %d: clean end of data reported as error: %v", run, err)
		}
		_ = ev.stream.Close()
		if !bytes.Equal(got, want) {
			t.Fatalf("run %d: read %d bytes, want %d", run, len(got), len(want))
		}

		ev = nextEvent(t, events)
		if ev.kind != capture.EventStopping {
			t.Fatalf("run %d: second event = %v", run, ev.kind)
		}
	}
}

func TestStdoutTransportStoppingWaitsForReader(t *testing.T) {
	// 数据量小于管道缓冲，进程写完立刻退出
	want := testStream(5)
	events := launch(t, stdoutLauncher(t, want))

	ev := nextEvent(t, events)
	if ev.kind != capture.EventStarted {
		t.Fatalf("first event = %v", ev.kind)
	}
	time.Sleep(300 * time.Millisecond)
	select {
	case early := <-events:
		t.Fatalf("event %v delivered while stream still unread", early.kind)
	default:
	}

	got, err := io.ReadAll(ev.stream)
	if err != nil || !bytes.Equal(got, want) {
		t.Fatalf("read %d bytes err %v, want %d bytes", len(got), err, len(want))
	}
	_ = ev.stream.Close()
	if ev = nextEvent(t, events); ev.kind != capture.EventStopping {
		t.Fatalf("second event = %v", ev.kind)
	}
}

func nextEvent(t *testing.T, events <-chan launchEvent) launchEvent {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for lifecycle event")
		return launchEvent{}
	}
}

// earlyCloseListener 前 n 个连接一接受就关掉，之后写出 payload
func earlyCloseListener(t *testing.T, n int, payload []byte) (string, *atomic.Int32) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	var accepted atomic.Int32
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			if int(accepted.Add(1)) <= n {
				_ = conn.Close()
				continue
			}
			go func() {
				_, _ = conn.Write(payload)
				time.Sleep(time.Second)
				_ = conn.Close()
			}()
		}
	}()
	return ln.Addr().String(), &accepted
}

func TestDialMinicapRedialsEarlyClosedConnections(t *testing.T) {
	banner := minicap.EncodeBanner(minicap.Banner{Version: 1, PID: 42})
	addr, accepted := earlyCloseListener(t, 3, banner)

	stream, err := dialMinicap(context.Background(), addr, time.Now().Add(3*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()

	got := make([]byte, len(banner))
	if _, err := io.ReadFull(stream, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, banner) {
		t.Fatalf("banner = %v, want %v", got, banner)
	}
	if n := accepted.Load(); n != 4 {
		t.Fatalf("accepted %d connections, want 4", n)
	}
}

func TestDialMinicapGivesUpAtDeadline(t *testing.T) {
	addr, _ := earlyCloseListener(t, 1<<30, nil)

	start := time.Now()
	if _, err := dialMinicap(context.Background(), addr, start.Add(300*time.Millisecond)); err == nil {
		t.Fatal("expected error when every connection closes early")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("dial kept retrying past the deadline")
	}
}

func TestStoppingRemovesForward(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "calls.log")
	script := `echo "$@" >> '` + logFile + `'
case "$1" in shell) sleep 0.5 ;; esac`
	client := NewClient(fakeADB(t, script), "", quiet)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	l := NewMinicapLauncher(client, MinicapOptions{ForwardPort: port, ConnectTimeout: 200 * time.Millisecond}, quiet)
	events := launch(t, l)
	for ev := nextEvent(t, events); ev.kind != capture.EventStopping; ev = nextEvent(t, events) {
	}

	local := "tcp:" + strconv.Itoa(port)
	deadline := time.Now().Add(2 * time.Second)
	for {
		data, _ := os.ReadFile(logFile)
		calls := string(data)
		if strings.Contains(calls, "forward "+local+" localabstract:minicap") &&
			strings.Contains(calls, "forward --remove "+local) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("forward not removed, adb calls:\n%s", calls)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
