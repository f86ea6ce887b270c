package main

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
	"github.com/spf13/pflag"

	"alan3344/go-minicap-relay/internal/adb"
	"alan3344/go-minicap-relay/internal/capture"
	"alan3344/go-minicap-relay/internal/config"
	"alan3344/go-minicap-relay/internal/geometry"
	"alan3344/go-minicap-relay/internal/notify"
	"alan3344/go-minicap-relay/internal/server"
)

//go:embed web/*
var webFS embed.FS

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flagSet := pflag.NewFlagSet("minicap-relay", pflag.ContinueOnError)
	config.AddFlags(flagSet)
	flagSet.BoolP("help", "h", false, "show help")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		fmt.Fprintln(os.Stderr, "Usage: minicap-relay [flags]")
		flagSet.PrintDefaults()
		return nil
	}

	path, _ := flagSet.GetString("config")
	cfg, err := config.LoadWithFlags(path, flagSet)
	if err != nil {
		return err
	}

	log := newLogger(cfg.Log)
	slog.SetDefault(log)
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	// 0) ADB 检查
	client := adb.NewClient(cfg.ADB.Path, cfg.ADB.Serial, log)
	if err := client.CheckADB(ctx); err != nil {
		return err
	}

	// 1) 等设备（忽略失败，继续）
	_ = client.WaitDevice(ctx, cfg.ADB.WaitTimeout)
	devs, _ := client.DeviceList(ctx)
	if len(devs) == 0 {
		return errors.New("no online device found, connect one over USB or wireless first (adb devices)")
	}
	log.Info("devices found", "devices", devs)

	// 2) 屏幕信息
	initial, err := client.InitialDisplaySize(ctx)
	if err != nil {
		return fmt.Errorf("query display size: %w", err)
	}
	base, err := client.BaseDisplaySize(ctx)
	if err != nil {
		return fmt.Errorf("query display size: %w", err)
	}
	rotation, err := client.Rotation(ctx)
	if err != nil {
		log.Warn("query rotation failed, assuming 0", "error", err)
		rotation = geometry.Rotation0
	}
	log.Info("display", "initial", initial.String(), "base", base.String(), "rotation", int(rotation))

	// 3) NATS（可选）
	var nc *nats.Conn
	var observer capture.Observer
	if cfg.NATS.URL != "" {
		nc, err = nats.Connect(cfg.NATS.URL, nats.Name("minicap-relay"))
		if err != nil {
			return fmt.Errorf("connect NATS: %w", err)
		}
		defer nc.Close()
		observer = notify.NewPublisher(nc, cfg.NATS.SubjectPrefix, log)
		log.Info("connected to NATS", "url", cfg.NATS.URL)
	}

	launcher := adb.NewMinicapLauncher(client, adb.MinicapOptions{
		Dir:            cfg.Capture.BinaryDir,
		Socket:         cfg.Capture.Socket,
		Transport:      cfg.Capture.Transport,
		ForwardPort:    cfg.Capture.ForwardPort,
		ConnectTimeout: cfg.Capture.ConnectTimeout,
	}, log)

	hub := server.NewHub(server.Options{
		Launcher:     launcher,
		InitialSize:  initial,
		BaseSize:     base,
		Rotation:     rotation,
		Observer:     observer,
		Logger:       log,
		MaxPending:   cfg.Viewer.MaxPending,
		WriteTimeout: cfg.Viewer.WriteTimeout,
		PingInterval: cfg.Viewer.PingInterval,
	})

	// 4) 旋转通知
	switch cfg.Rotation.Source {
	case config.RotationADB:
		watcher := adb.NewRotationWatcher(client, cfg.Rotation.PollInterval, log)
		go func() {
			if err := watcher.Watch(ctx, hub.Rotated); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("rotation watcher stopped", "error", err)
			}
		}()
	case config.RotationNATS:
		rs := notify.NewRotationSubscriber(nc, cfg.NATS.SubjectPrefix, log)
		sub, err := rs.Subscribe(hub.Rotated)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", rs.Subject(), err)
		}
		defer func() { _ = sub.Unsubscribe() }()
	}

	hubDone := make(chan struct{})
	go func() {
		_ = hub.Run(ctx)
		close(hubDone)
	}()

	// 5) 起 HTTP+WS
	sub, err := fs.Sub(webFS, "web")
	if err != nil {
		cancel()
		<-hubDone
		return fmt.Errorf("read embedded web dir: %w", err)
	}
	log.Info("open viewer", "url", "http://localhost"+cfg.Listen)
	serveErr := hub.Serve(ctx, cfg.Listen, sub, cfg.WSPath)
	cancel()
	<-hubDone
	if serveErr != nil {
		return fmt.Errorf("HTTP server exited: %w", serveErr)
	}
	log.Info("shutdown complete")
	return nil
}

func newLogger(c config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// go build -o bin/minicap-relay ./cmd
