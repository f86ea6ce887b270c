// Package capture 管理采集进程的生命周期：启动、停止、几何变化时重启。
package capture

import (
	"context"
	"io"

	"alan3344/go-minicap-relay/internal/geometry"
)

// EventKind 采集进程的生命周期通知
type EventKind int

const (
	EventStarted EventKind = iota + 1
	EventStopping
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventStopping:
		return "stopping"
	}
	return "unknown"
}

// Event Started 携带可读的字节流
type Event struct {
	Kind   EventKind
	Stream io.ReadCloser
}

// Params 启动参数。InitialSize 在整个进程生命周期内固定。
type Params struct {
	InitialSize geometry.Size
	Target      geometry.Geometry
}

// Handle 一个已启动的采集进程
type Handle interface {
	// Stop 立即返回；真正的释放在收到 EventStopping 之后
	Stop()
}

// Launcher 启动采集进程。notify 可能在任意 goroutine 上被调用，
// 每种事件最多一次。
type Launcher interface {
	Launch(ctx context.Context, p Params, notify func(Event)) (Handle, error)
}
