// Команда agent_phone — софтфон агента колл-центра: SIP-вызовы,
// переводы, статусы агентов из CRM-бэкенда.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arzzra/agent_phone/pkg/call"
	"github.com/arzzra/agent_phone/pkg/config"
	"github.com/arzzra/agent_phone/pkg/phone"
	"github.com/arzzra/agent_phone/pkg/sipstack"
)

func main() {
	configPath := flag.String("config", "config.yaml", "путь к файлу конфигурации")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	setupLogging(cfg.Service.LogLevel)

	if err := run(cfg); err != nil {
		slog.Error("agent_phone exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	stack, err := sipstack.NewStack(sipstack.Options{
		Server:      cfg.SIP.Server,
		Transport:   cfg.SIP.Transport,
		Extension:   cfg.SIP.Extension,
		Password:    cfg.SIP.Password,
		DisplayName: cfg.SIP.DisplayName,
		LocalHost:   "0.0.0.0",
		LocalPort:   cfg.SIP.LocalPort,
	})
	if err != nil {
		return err
	}
	defer stack.Close()

	serveCtx, stopServe := context.WithCancel(context.Background())
	defer stopServe()
	go func() {
		if err := stack.Serve(serveCtx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("sip transport stopped", slog.String("error", err.Error()))
		}
	}()

	p, err := phone.New(phone.Options{
		Config: cfg,
		Engine: stack,
		OnSnapshot: func(s call.Snapshot) {
			slog.Info("call state",
				slog.String("status", s.Status.String()),
				slog.String("direction", s.Direction.String()),
				slog.String("remote", s.RemoteIdentity),
				slog.Int("duration", s.DurationSeconds))
		},
		OnNotice: func(msg string) {
			slog.Warn("user notice", slog.String("message", msg))
		},
		OnFatal: func() {
			slog.Error("connection recovery exhausted, manual re-login required")
		},
	})
	if err != nil {
		return err
	}
	p.Start()

	if addr := cfg.Service.MetricsAddr; addr != "" {
		go serveMetrics(addr, p)
	}

	regCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = p.Register(regCtx)
	cancel()
	if err != nil {
		// Супервизор продолжит попытки по своему графику.
		slog.Warn("initial registration failed", slog.String("error", err.Error()))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", slog.String("signal", sig.String()))

	p.Logout()
	return nil
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func serveMetrics(addr string, p *phone.Phone) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		p.Metrics().Registry(),
		promhttp.HandlerOpts{},
	))
	slog.Info("metrics listening", slog.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("metrics server stopped", slog.String("error", err.Error()))
	}
}
