// Command ipcclient talks to ipcserver.
//
//	ipcclient read /etc/hostname
//	ipcclient ls /
//	ipcclient log "hello"
//	ipcclient tail 5                          # print 5 log lines, 0 for forever
//	ipcclient -transport spawn -server ./ipcserver read /a.txt
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"mini-ipc/client"
	"mini-ipc/codec"
	"mini-ipc/message"
	"mini-ipc/proxy"
	"mini-ipc/transport"
)

var (
	fileService = proxy.Description{Methods: []string{"readFile", "list"}}
	logService  = proxy.Description{Methods: []string{"log"}, Events: []string{"onMessage"}}
)

func main() {
	network := flag.String("network", "tcp", "socket network: tcp or unix")
	addr := flag.String("addr", "127.0.0.1:7070", "server address, or URL for ws")
	kind := flag.String("transport", "net", "net, ws or spawn")
	serverBin := flag.String("server", "ipcserver", "server binary started by -transport spawn")
	codecName := flag.String("codec", "json", "payload codec: json, cbor or proto")
	compress := flag.Bool("compress", false, "s2-compress the byte stream (net and spawn)")
	id := flag.String("id", "", "client id; random if empty")
	reconnect := flag.Int("reconnect", 0, "reconnect attempts after the connection drops")
	timeout := flag.Duration("timeout", 10*time.Second, "timeout of a single call")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] read PATH | ls DIR | log LINE | tail [N]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	lvl := slog.LevelWarn
	if *verbose {
		lvl = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var topts []transport.Option
	if *compress {
		topts = append(topts, transport.WithCompression())
	}
	var dial transport.Dialer
	switch *kind {
	case "net":
		dial = transport.NetDialer(*network, *addr, topts...)
	case "ws":
		dial = transport.WebSocketDialer(*addr)
	case "spawn":
		args := []string{"-transport", "stdio", "-codec", *codecName}
		if *compress {
			args = append(args, "-compress")
		}
		dial = transport.SpawnDialer(func() *exec.Cmd {
			cmd := exec.Command(*serverBin, args...)
			cmd.Stderr = os.Stderr
			return cmd
		}, topts...)
	default:
		fmt.Fprintf(os.Stderr, "ipcclient: unknown transport %q\n", *kind)
		os.Exit(2)
	}

	cd, err := codec.ByName(*codecName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ipcclient: %v\n", err)
		os.Exit(2)
	}
	opts := []client.Option{client.WithCodec(cd), client.WithLogger(logger)}
	if *id != "" {
		opts = append(opts, client.WithClientID(*id))
	}
	if *reconnect > 0 {
		opts = append(opts, client.WithReconnect(*reconnect, 100*time.Millisecond))
	}

	c, err := client.Dial(ctx, dial, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ipcclient: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	if err := run(ctx, c, *timeout, flag.Args()); err != nil {
		var re *message.RemoteError
		if errors.As(err, &re) {
			fmt.Fprintf(os.Stderr, "ipcclient: server error %s: %s\n", re.Name, re.Message)
		} else {
			fmt.Fprintf(os.Stderr, "ipcclient: %v\n", err)
		}
		c.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, c *client.Client, timeout time.Duration, args []string) error {
	files := proxy.New(c, "fileService", fileService)
	logs := proxy.New(c, "logService", logService)

	arg := func(i int) string {
		if i < len(args) {
			return args[i]
		}
		return ""
	}

	switch args[0] {
	case "read":
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		text, err := proxy.Method[string](files, "readFile")(ctx, arg(1))
		if err != nil {
			return err
		}
		fmt.Print(text)
	case "ls":
		var names []string
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := files.Invoke("list", &names, arg(1), ctx); err != nil {
			return err
		}
		for _, name := range names {
			fmt.Println(name)
		}
	case "log":
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		n, err := proxy.Method[int](logs, "log")(ctx, arg(1))
		if err != nil {
			return err
		}
		fmt.Printf("published line %d\n", n)
	case "tail":
		limit := 0
		if s := arg(1); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil {
				return fmt.Errorf("tail: %w", err)
			}
			limit = n
		}
		return tail(ctx, logs, limit)
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
	return nil
}

func tail(ctx context.Context, logs *proxy.Proxy, limit int) error {
	stream, err := proxy.On[string](logs, "onMessage")
	if err != nil {
		return err
	}
	defer stream.Close()
	for n := 0; limit == 0 || n < limit; n++ {
		line, err := stream.Next(ctx)
		if err == io.EOF {
			return stream.Cause()
		}
		if errors.Is(err, context.Canceled) {
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Println(line)
	}
	return nil
}
