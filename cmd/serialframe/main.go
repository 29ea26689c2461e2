// Command serialframe runs a framed message link over a serial port or an
// MQTT bridge.
//
//	serialframe listen -config link.toml
//	serialframe send -config link.toml -cmd 0x01 0a0b0c
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/kabili207/serialframe-go/core"
	"github.com/kabili207/serialframe-go/device/link"
	"github.com/kabili207/serialframe-go/device/messager"
	"github.com/kabili207/serialframe-go/transport"
	"github.com/kabili207/serialframe-go/transport/mqtt"
	"github.com/kabili207/serialframe-go/transport/serial"
)

// cmdEcho answers with the request data unchanged.
const cmdEcho byte = 0x01

var errUsage = errors.New("usage: serialframe <listen|send> [flags]")

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "serialframe: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	switch args[0] {
	case "listen":
		return runListen(args[1:], stderr)
	case "send":
		return runSend(args[1:], stdout, stderr)
	default:
		return fmt.Errorf("unknown command %q: %w", args[0], errUsage)
	}
}

func runListen(args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("listen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to TOML config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadAppConfig(*configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stderr, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	l, hw, err := openLink(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer hw.Stop()

	m := messager.New(messager.Config{
		Link:         l,
		PollInterval: cfg.PollInterval,
		Logger:       logger,
		OnResponse: func(cmd byte, data []byte) {
			logger.Info("response received", "cmd", fmt.Sprintf("0x%02X", cmd), "data", hex.EncodeToString(data))
		},
	})
	m.Handle(cmdEcho, echo)

	logger.Info("listening", "transport", cfg.Transport)
	m.Run(ctx)

	c := l.Counters()
	logger.Info("link stopped",
		"receptions", c.Receptions,
		"overwrites", c.Overwrites,
		"messages", c.MessagesRead,
		"decode_failures", c.DecodeFailures,
		"frames_sent", c.FramesSent,
	)
	return nil
}

func runSend(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to TOML config file")
	cmdFlag := fs.String("cmd", "0x01", "command byte")
	timeout := fs.Duration("timeout", 2*time.Second, "how long to wait for the response")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cmd, err := parseCommand(*cmdFlag)
	if err != nil {
		return err
	}
	data, err := parseHexArgs(fs.Args())
	if err != nil {
		return err
	}

	cfg, err := loadAppConfig(*configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stderr, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	l, hw, err := openLink(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer hw.Stop()

	type response struct {
		cmd  byte
		data []byte
	}
	responses := make(chan response, 1)
	m := messager.New(messager.Config{
		Link:         l,
		PollInterval: cfg.PollInterval,
		Logger:       logger,
		OnResponse: func(cmd byte, data []byte) {
			select {
			case responses <- response{cmd: cmd, data: append([]byte(nil), data...)}:
			default:
			}
		},
	})
	go m.Run(ctx)

	payload := append([]byte{cmd}, data...)
	if err := l.Send(payload); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	select {
	case resp := <-responses:
		return printResponse(stdout, resp.cmd, resp.data)
	case <-ctx.Done():
		return fmt.Errorf("waiting for response: %w", ctx.Err())
	}
}

// openLink builds the configured transport, arms the link on it and starts
// the transport. Reception is armed before the transport starts so no
// leading bytes are dropped.
func openLink(ctx context.Context, cfg appConfig, logger *slog.Logger) (*link.Link, transport.Transport, error) {
	hw, err := newTransport(cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	l, err := link.New(link.Config{
		Transport:    hw,
		RxBufferSize: cfg.RxBufferSize,
		TxBufferSize: cfg.TxBufferSize,
		Logger:       logger,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := l.Start(); err != nil {
		return nil, nil, err
	}

	hw.SetStateHandler(func(_ transport.Transport, ev transport.Event) {
		logger.Info("transport state changed", "event", ev.String())
	})
	if err := hw.Start(ctx); err != nil {
		return nil, nil, fmt.Errorf("starting %s transport: %w", cfg.Transport, err)
	}
	return l, hw, nil
}

func newTransport(cfg appConfig, logger *slog.Logger) (transport.Transport, error) {
	switch cfg.Transport {
	case transportSerial:
		sc := cfg.Serial
		sc.Logger = logger
		return serial.New(sc), nil
	case transportMQTT:
		mc := cfg.MQTT
		mc.Logger = logger
		return mqtt.New(mc), nil
	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Transport)
	}
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func echo(data []byte) ([]byte, error) {
	return append([]byte(nil), data...), nil
}

func parseCommand(s string) (byte, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 8)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid command byte %q", core.ErrParameter, s)
	}
	return byte(v), nil
}

// parseHexArgs decodes the positional arguments as one hex string. Spaces
// and colons between bytes are allowed.
func parseHexArgs(args []string) ([]byte, error) {
	s := strings.Join(args, "")
	s = strings.NewReplacer(" ", "", ":", "").Replace(s)
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid hex data: %w", core.ErrParameter, err)
	}
	return data, nil
}

func printResponse(w io.Writer, cmd byte, data []byte) error {
	if cmd == messager.CmdMsgError {
		fmt.Fprintf(w, "error response % X\n", data)
		return errors.New("peer reported a message error")
	}
	if len(data) == 0 {
		return fmt.Errorf("%w: empty response", core.ErrDataInvalid)
	}

	status := core.Status(data[0])
	fmt.Fprintf(w, "status=%s data=%s\n", status, hex.EncodeToString(data[1:]))
	return status.Err()
}
