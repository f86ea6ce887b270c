package adb

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"alan3344/go-minicap-relay/internal/geometry"
)

var ErrNoOrientation = errors.New("SurfaceOrientation not found in dumpsys output")

// parseWMSize 解析 `wm size`：
//
//	Physical size: 1080x1920
//	Override size: 720x1280
func parseWMSize(out string) (physical, override geometry.Size, err error) {
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		key, val, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		s, perr := geometry.ParseSize(strings.TrimSpace(val))
		if perr != nil {
			continue
		}
		switch strings.TrimSpace(key) {
		case "Physical size":
			physical = s
		case "Override size":
			override = s
		}
	}
	if physical.IsZero() {
		return physical, override, fmt.Errorf("no physical size in %q", strings.TrimSpace(out))
	}
	return physical, override, nil
}

// parseSurfaceOrientation 从 `dumpsys input` 中取第一个 SurfaceOrientation
func parseSurfaceOrientation(out string) (geometry.Rotation, error) {
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		val, ok := strings.CutPrefix(line, "SurfaceOrientation:")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return 0, fmt.Errorf("SurfaceOrientation %q: %w", val, err)
		}
		return geometry.ParseRotation(n * 90)
	}
	return 0, ErrNoOrientation
}

// InitialDisplaySize 屏幕物理尺寸，作为 minicap 的真实尺寸
func (c *Client) InitialDisplaySize(ctx context.Context) (geometry.Size, error) {
	out, err := c.Shell(ctx, "wm size")
	if err != nil {
		return geometry.Size{}, err
	}
	physical, _, err := parseWMSize(out)
	return physical, err
}

// BaseDisplaySize 有 override 时取 override
func (c *Client) BaseDisplaySize(ctx context.Context) (geometry.Size, error) {
	out, err := c.Shell(ctx, "wm size")
	if err != nil {
		return geometry.Size{}, err
	}
	physical, override, err := parseWMSize(out)
	if err != nil {
		return geometry.Size{}, err
	}
	if !override.IsZero() {
		return override, nil
	}
	return physical, nil
}

func (c *Client) Rotation(ctx context.Context) (geometry.Rotation, error) {
	out, err := c.Shell(ctx, "dumpsys input")
	if err != nil {
		return 0, err
	}
	return parseSurfaceOrientation(out)
}

// RotationWatcher 轮询设备方向，变化时回调
type RotationWatcher struct {
	client   *Client
	interval time.Duration
	log      *slog.Logger
}

func NewRotationWatcher(c *Client, interval time.Duration, log *slog.Logger) *RotationWatcher {
	if interval <= 0 {
		interval = time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &RotationWatcher{client: c, interval: interval, log: log.With("component", "rotation-watcher")}
}

// Watch 阻塞直到 ctx 结束。第一次读取只作为基准，不回调。
func (w *RotationWatcher) Watch(ctx context.Context, fn func(geometry.Rotation)) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	last, err := w.client.Rotation(ctx)
	known := err == nil
	if err != nil {
		w.log.Warn("read rotation failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		rot, err := w.client.Rotation(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Debug("read rotation failed", "error", err)
			continue
		}
		if known && rot == last {
			continue
		}
		w.log.Info("device rotated", "rotation", int(rot))
		last, known = rot, true
		fn(rot)
	}
}
