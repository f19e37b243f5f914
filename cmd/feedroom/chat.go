package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"

	"github.com/kabili207/feedroom/core/clock"
	"github.com/kabili207/feedroom/core/crypto"
	"github.com/kabili207/feedroom/core/dedupe"
	"github.com/kabili207/feedroom/device/room"
	"github.com/kabili207/feedroom/internal/config"
	"github.com/kabili207/feedroom/transport"
	"github.com/kabili207/feedroom/transport/cache"
	"github.com/kabili207/feedroom/transport/memory"
	"github.com/kabili207/feedroom/transport/mqtt"
)

type ChatCmd struct {
	flags *Flags
}

// NewChatCmd creates a new chat command
func NewChatCmd(flags *Flags) *ChatCmd {
	return &ChatCmd{flags: flags}
}

// Register adds the chat command to the application
func (cmd *ChatCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "chat",
		Usage:     "Join a room and chat",
		UsageText: "feedroom chat [options]",
		Description: `Joins the room, prints messages as they arrive and sends every line
read from standard input. Without a key the room is followed read-only.`,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "room", Usage: "room name", Sources: cli.EnvVars("FEEDROOM_ROOM")},
			&cli.StringFlag{Name: "username", Usage: "display name", Sources: cli.EnvVars("FEEDROOM_USERNAME")},
			&cli.StringFlag{Name: "key", Usage: "hex private key", Sources: cli.EnvVars("FEEDROOM_KEY")},
			&cli.StringFlag{Name: "store", Usage: "storage backend (mqtt, memory)"},
			&cli.StringFlag{Name: "broker", Usage: "MQTT broker URL", Sources: cli.EnvVars("FEEDROOM_BROKER")},
			&cli.StringFlag{Name: "overwrite", Usage: "overwrite commit policy (replace, merge)"},
			&cli.StringFlag{Name: "metrics-addr", Usage: "serve Prometheus metrics on this address"},
		},
		Action: cmd.run,
	})
	return app
}

func (cmd *ChatCmd) applyFlags(c *cli.Command) {
	cfg := cmd.flags.Config
	override := func(name string, dst *string) {
		if c.IsSet(name) {
			*dst = c.String(name)
		}
	}
	override("room", &cfg.Room)
	override("username", &cfg.Username)
	override("key", &cfg.Key)
	override("store", &cfg.Store.Kind)
	override("broker", &cfg.Store.Broker)
	override("overwrite", &cfg.Overwrite)
	override("metrics-addr", &cfg.MetricsAddr)
}

func (cmd *ChatCmd) run(ctx context.Context, c *cli.Command) error {
	cmd.applyFlags(c)
	cfg := cmd.flags.Config
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var signer crypto.Signer
	if cfg.Key != "" {
		kp, err := crypto.KeyPairFromHex(cfg.Key)
		if err != nil {
			return fmt.Errorf("parse key: %w", err)
		}
		signer = kp
	}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if cfg.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.MetricsAddr, reg)
	}

	r, err := room.New(room.Config{
		Topic:            cfg.Room,
		Store:            store,
		Stamp:            transport.Stamp(cfg.Stamp),
		Signer:           signer,
		Username:         cfg.Username,
		UsersInterval:    cfg.Polling.Users,
		MessagesInterval: cfg.Polling.Messages,
		SweepInterval:    cfg.Polling.Sweep,
		MaxParallelReads: cfg.Polling.MaxParallelReads,
		IdleTimeout:      cfg.Eviction.IdleTimeout,
		MaxReadFailures:  cfg.Eviction.MaxReadFailures,
		HistorySize:      cfg.HistorySize,
		Overwrite:        cfg.OverwritePolicy(),
		Registerer:       reg,
	})
	if err != nil {
		return err
	}

	events := make(chan room.Event, 64)
	sub := r.Subscribe(events)
	defer sub.Unsubscribe()
	go printMessages(ctx, c.Root().Writer, events)

	if signer == nil {
		slog.Info("no key configured, following read-only")
		err = r.Initialize(ctx)
	} else {
		err = r.Join(ctx)
	}
	if err != nil {
		return fmt.Errorf("join room: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()
	defer r.Stop()

	if signer == nil {
		<-ctx.Done()
		return <-done
	}

	lines := readLines(os.Stdin)
	for {
		select {
		case <-ctx.Done():
			return <-done
		case err := <-done:
			return err
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if line == "" {
				continue
			}
			if err := r.SendMessage(ctx, line); err != nil {
				slog.Error("send failed", "error", err)
			}
		}
	}
}

// openStore builds the configured storage backend behind a download cache.
func openStore(ctx context.Context, cfg *config.Config) (transport.Store, func(), error) {
	var (
		next    transport.Store
		closeFn = func() {}
	)
	switch cfg.Store.Kind {
	case config.StoreMemory:
		next = memory.New()
	case config.StoreMQTT:
		s := mqtt.New(mqtt.Config{
			Broker:      cfg.Store.Broker,
			Username:    cfg.Store.Username,
			Password:    cfg.Store.Password,
			UseTLS:      cfg.Store.TLS,
			ClientID:    cfg.Store.ClientID,
			TopicPrefix: cfg.Store.TopicPrefix,
		})
		s.SetStateHandler(func(_ transport.Connector, ev transport.Event) {
			slog.Info("store connection", "state", ev.String())
		})
		if err := s.Start(ctx); err != nil {
			return nil, nil, fmt.Errorf("connect to broker: %w", err)
		}
		next = s
		closeFn = func() {
			if err := s.Stop(); err != nil {
				slog.Warn("closing store", "error", err)
			}
		}
	}

	cached, err := cache.New(next, cfg.Store.CacheSize)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return cached, closeFn, nil
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("metrics server", "error", err)
	}
}

// printMessages writes every message the first time it appears in the
// history.
func printMessages(ctx context.Context, w io.Writer, events <-chan room.Event) {
	printed := mapset.NewThreadUnsafeSet[dedupe.Key]()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if ev.Kind != room.EventLoadMessage {
				continue
			}
			for _, m := range ev.Messages {
				if !printed.Add(dedupe.CalculateKey(m.Timestamp, m.Message)) {
					continue
				}
				ts := clock.Time(m.Timestamp).Format(time.TimeOnly)
				_, _ = fmt.Fprintf(w, "[%s] %s: %s\n", ts, m.Username, m.Message)
			}
		}
	}
}

func readLines(r io.Reader) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			out <- sc.Text()
		}
	}()
	return out
}
