package adb

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

var ErrADBNotFound = errors.New("adb not found (install it and add it to PATH)")

// Client 调用本机 adb，可指定设备序列号
type Client struct {
	Path   string
	Serial string
	log    *slog.Logger
}

func NewClient(path, serial string, log *slog.Logger) *Client {
	if path == "" {
		path = "adb"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{Path: path, Serial: serial, log: log.With("component", "adb")}
}

func (c *Client) args(a ...string) []string {
	if c.Serial == "" {
		return a
	}
	return append([]string{"-s", c.Serial}, a...)
}

func (c *Client) command(ctx context.Context, a ...string) *exec.Cmd {
	return exec.CommandContext(ctx, c.Path, c.args(a...)...)
}

func (c *Client) CheckADB(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, c.Path, "version")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %v", ErrADBNotFound, err)
	}
	return nil
}

func (c *Client) WaitDevice(ctx context.Context, timeout time.Duration) error {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.command(tctx, "wait-for-any-device").Run()
}

func (c *Client) DeviceList(ctx context.Context) ([]string, error) {
	out, err := exec.CommandContext(ctx, c.Path, "devices").CombinedOutput()
	if err != nil {
		return nil, err
	}
	return parseDevices(string(out)), nil
}

func parseDevices(out string) []string {
	var ids []string
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.HasSuffix(line, "\tdevice") {
			ids = append(ids, strings.Split(line, "\t")[0])
		}
	}
	return ids
}

// Shell 在设备上执行命令并返回输出
func (c *Client) Shell(ctx context.Context, command string) (string, error) {
	var stderr bytes.Buffer
	cmd := c.command(ctx, "shell", command)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("adb shell %q: %w: %s", command, err, strings.TrimSpace(stderr.String()))
	}
	return string(out), nil
}

// Forward 建立 tcp -> 设备端 socket 的转发
func (c *Client) Forward(ctx context.Context, local, remote string) error {
	if out, err := c.command(ctx, "forward", local, remote).CombinedOutput(); err != nil {
		return fmt.Errorf("adb forward %s %s: %w: %s", local, remote, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// RemoveForward 删除 Forward 建立的转发
func (c *Client) RemoveForward(ctx context.Context, local string) error {
	if out, err := c.command(ctx, "forward", "--remove", local).CombinedOutput(); err != nil {
		return fmt.Errorf("adb forward --remove %s: %w: %s", local, err, strings.TrimSpace(string(out)))
	}
	return nil
}
