// Command facet receives a raw H.264 NAL datagram stream, reassembles it,
// and drives a decoder with it. The platform video decoder is supplied by
// the embedding application; this binary runs the loopback decoder, which
// makes it a protocol soak tool: point a sender at it and watch the stats.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/facet/internal/config"
	"github.com/zsiec/facet/internal/decoder"
	"github.com/zsiec/facet/internal/discovery"
	"github.com/zsiec/facet/internal/ingest"
	"github.com/zsiec/facet/internal/session"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	endpoint, newSource, err := buildTransport(ctx, cfg)
	if err != nil {
		slog.Error("transport setup", "error", err)
		os.Exit(1)
	}

	slog.Info("facet starting",
		"version", version,
		"endpoint", endpoint,
		"listen", cfg.ListenAddr,
	)

	sess, err := session.New(session.Config{
		Decoder:   decoder.NewLoopback(),
		NewSource: newSource,
	})
	if err != nil {
		slog.Error("session setup", "error", err)
		os.Exit(1)
	}

	if err := sess.Start(endpoint); err != nil {
		slog.Error("session start", "error", err)
		os.Exit(1)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return consumeEvents(ctx, sess)
	})

	g.Go(func() error {
		<-ctx.Done()
		sess.Stop()
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("session error", "error", err)
		sess.Stop()
		os.Exit(1)
	}
}

// buildTransport picks the receive mode: bind a local port, or resolve the
// sender's endpoint (statically or through discovery) and dial it.
func buildTransport(ctx context.Context, cfg *config.Config) (string, session.SourceFactory, error) {
	if cfg.ListenAddr != "" {
		addr := cfg.ListenAddr
		return "", func(string) (ingest.PacketSource, error) {
			return ingest.Listen(addr, nil)
		}, nil
	}

	var (
		endpoint string
		err      error
	)
	if cfg.Endpoint != "" {
		endpoint, err = discovery.Static(cfg.Endpoint).Resolve(ctx, "")
	} else {
		endpoint, err = discovery.DNS{Port: cfg.PeerPort}.Resolve(ctx, cfg.PeerName)
	}
	if err != nil {
		return "", nil, err
	}

	return endpoint, func(ep string) (ingest.PacketSource, error) {
		return ingest.Dial(ep, nil)
	}, nil
}

// consumeEvents logs the session's typed events. A fatal decoder error ends
// the run; everything else is informational.
func consumeEvents(ctx context.Context, sess *session.Session) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev := <-sess.Events():
			switch ev.Kind {
			case session.EventConfigured:
				slog.Info("decoder configured",
					"width", ev.Width, "height", ev.Height, "codec", ev.Codec)

			case session.EventDecoderError:
				if ev.Fatal {
					return fmt.Errorf("decoder failed: %w", ev.Err)
				}
				slog.Warn("decoder reset after error storm", "error", ev.Err)

			case session.EventStatsTick:
				slog.Debug("stats tick",
					"packets", ev.Stats.Packets,
					"frames", ev.Stats.FramesRendered,
					"queue_drops", ev.Stats.Reassembly.UnitsDropped)
			}
		}
	}
}
