// Command ipcserver hosts the fileService and logService channels.
//
//	ipcserver -addr 127.0.0.1:7070                 # TCP
//	ipcserver -transport ws -addr :7071            # WebSocket, for UI hosts
//	ipcserver -transport stdio                     # child process of ipcclient -transport spawn
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"mini-ipc/codec"
	"mini-ipc/middleware"
	"mini-ipc/proxy"
	"mini-ipc/server"
	"mini-ipc/transport"
)

type config struct {
	network   string
	addr      string
	transport string
	grace     time.Duration
	codec     string
	compress  bool
	root      string
	tick      time.Duration
	telemetry bool

	callTimeout time.Duration
	rate        float64
	burst       int
	retries     int
}

func main() {
	var cfg config
	flag.StringVar(&cfg.network, "network", "tcp", "socket network: tcp or unix")
	flag.StringVar(&cfg.addr, "addr", "127.0.0.1:7070", "address to listen on")
	flag.StringVar(&cfg.transport, "transport", "net", "net, ws or stdio")
	flag.DurationVar(&cfg.grace, "grace", server.DefaultGracePeriod, "how long a disconnected client's session is kept")
	flag.StringVar(&cfg.codec, "codec", "json", "payload codec: json, cbor or proto")
	flag.BoolVar(&cfg.compress, "compress", false, "s2-compress the byte stream (net and stdio)")
	flag.StringVar(&cfg.root, "root", ".", "directory served by fileService")
	flag.DurationVar(&cfg.tick, "tick", time.Second, "interval of logService heartbeat messages, 0 to disable")
	flag.BoolVar(&cfg.telemetry, "telemetry", false, "print spans and metrics to stderr")
	flag.DurationVar(&cfg.callTimeout, "call-timeout", 0, "fail calls running longer than this, 0 for no limit")
	flag.Float64Var(&cfg.rate, "rate", 0, "calls per second across all clients, 0 for no limit")
	flag.IntVar(&cfg.burst, "burst", 10, "burst size of -rate")
	flag.IntVar(&cfg.retries, "retries", 0, "retries of calls failing with a transient I/O error")
	level := flag.String("log-level", "info", "debug, info, warn or error")
	flag.Parse()

	// stdout may be the transport; logs always go to stderr.
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(*level)); err != nil {
		fmt.Fprintf(os.Stderr, "ipcserver: %v\n", err)
		os.Exit(2)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", "err", err)
		os.Exit(1)
	}
}

// limits builds the optional rate limit, timeout and retry layers, outermost
// first.
func limits(cfg config) []middleware.Middleware {
	var mws []middleware.Middleware
	if cfg.rate > 0 {
		mws = append(mws, middleware.RateLimit(cfg.rate, max(cfg.burst, 1)))
	}
	if cfg.callTimeout > 0 {
		mws = append(mws, middleware.Timeout(cfg.callTimeout))
	}
	if cfg.retries > 0 {
		mws = append(mws, middleware.Retry(cfg.retries, 10*time.Millisecond, transient))
	}
	return mws
}

// transient reports errors worth another try, e.g. a file read interrupted
// by a signal.
func transient(err error) bool {
	return errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.EAGAIN)
}

func run(cfg config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cd, err := codec.ByName(cfg.codec)
	if err != nil {
		return err
	}
	mws := []middleware.Middleware{middleware.Logging(logger)}
	if cfg.telemetry {
		tp, mp, shutdown, err := setupTelemetry(os.Stderr)
		if err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
		defer shutdown(context.Background())
		tracing, err := middleware.Tracing(tp, mp)
		if err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
		mws = append(mws, tracing)
	}
	mws = append(mws, limits(cfg)...)

	srv := server.New(
		server.WithGracePeriod(cfg.grace),
		server.WithCodec(cd),
		server.WithLogger(logger),
		server.WithMiddleware(mws...),
	)

	files, err := proxy.FromObject(&fileService{root: cfg.root})
	if err != nil {
		return err
	}
	logs := newLogService()
	logsSvc, err := proxy.FromObject(logs)
	if err != nil {
		return err
	}
	if err := srv.Register("fileService", files); err != nil {
		return err
	}
	if err := srv.Register("logService", logsSvc); err != nil {
		return err
	}

	var topts []transport.Option
	if cfg.compress {
		topts = append(topts, transport.WithCompression())
	}

	g, gctx := errgroup.WithContext(ctx)
	switch cfg.transport {
	case "net":
		l, err := transport.Listen(cfg.network, cfg.addr, topts...)
		if err != nil {
			return err
		}
		g.Go(func() error { return srv.Serve(l) })
	case "ws":
		l, err := transport.ListenWebSocket(cfg.network, cfg.addr)
		if err != nil {
			return err
		}
		g.Go(func() error { return srv.Serve(l) })
	case "stdio":
		t := watch(transport.Stdio(topts...))
		srv.ServeTransport(t)
		// The parent closing our stdin ends the process.
		g.Go(func() error {
			select {
			case <-t.closed:
				logger.Info("stdio closed")
				stop()
			case <-gctx.Done():
			}
			return nil
		})
	default:
		return fmt.Errorf("unknown transport %q", cfg.transport)
	}

	if cfg.tick > 0 {
		g.Go(func() error {
			logs.heartbeat(gctx, cfg.tick)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		return srv.Shutdown(5 * time.Second)
	})
	return g.Wait()
}
