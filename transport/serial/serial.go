// Package serial provides a serial-port transport for framed links.
//
// The transport emulates a DMA receiver with idle-line detection: bytes read
// from the port are written into the buffer armed with StartReceive, and the
// reception completes when the line stays quiet for IdleTimeout or the buffer
// fills. Bytes that arrive while nothing is armed are dropped, as they would
// be on the hardware.
package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kabili207/serialframe-go/transport"
	"go.bug.st/serial"
)

// Compile-time interface check.
var _ transport.Transport = (*Transport)(nil)

const (
	// DefaultBaudRate is the default baud rate.
	DefaultBaudRate = 115200

	// DefaultIdleTimeout is how long the line must stay quiet before a
	// reception completes.
	DefaultIdleTimeout = 5 * time.Millisecond

	// readBufSize is the size of the serial read buffer.
	readBufSize = 1024
)

// Port is the subset of serial.Port the transport uses.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// Opener opens a serial port. The default opens a go.bug.st/serial port.
type Opener func(name string, mode *serial.Mode) (Port, error)

// Config holds the configuration for a serial transport.
type Config struct {
	// Port is the serial port path (e.g., "/dev/ttyUSB0" or "COM3").
	Port string
	// Options are the line settings. Zero values mean 115200 8N1.
	Options PortOptions
	// IdleTimeout ends a reception after this much silence. Defaults to 5ms.
	IdleTimeout time.Duration
	// Open overrides how the port is opened. Mainly for tests.
	Open Opener
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Transport implements transport.Transport over a serial connection.
type Transport struct {
	cfg            Config
	port           Port
	log            *slog.Logger
	mu             sync.RWMutex
	connected      bool
	cancel         context.CancelFunc
	done           chan struct{}
	receiveHandler transport.ReceiveHandler
	stateHandler   transport.StateHandler

	rxMu    sync.Mutex
	armed   []byte
	fill    int
	dropped atomic.Uint32
}

// New creates a new serial transport with the given configuration.
func New(cfg Config) *Transport {
	if cfg.Options.BaudRate == 0 {
		cfg.Options.BaudRate = DefaultBaudRate
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Open == nil {
		cfg.Open = openPort
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Transport{
		cfg: cfg,
		log: cfg.Logger.WithGroup("serial"),
	}
}

func openPort(name string, mode *serial.Mode) (Port, error) {
	p, err := serial.Open(name, mode)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Start opens the serial port and begins reading.
func (t *Transport) Start(ctx context.Context) error {
	if t.cfg.Port == "" {
		return errors.New("serial port is required")
	}

	mode, err := t.cfg.Options.SerialMode()
	if err != nil {
		return fmt.Errorf("serial options: %w", err)
	}

	port, err := t.cfg.Open(t.cfg.Port, mode)
	if err != nil {
		return fmt.Errorf("opening serial port: %w", err)
	}
	if err := port.SetReadTimeout(t.cfg.IdleTimeout); err != nil {
		port.Close()
		return fmt.Errorf("setting idle timeout: %w", err)
	}

	t.mu.Lock()
	t.port = port
	t.connected = true
	t.done = make(chan struct{})
	handler := t.stateHandler
	t.mu.Unlock()

	readCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	go t.readLoop(readCtx, port)

	t.log.Info("connected to serial port", "port", t.cfg.Port, "baud", mode.BaudRate)

	if handler != nil {
		handler(t, transport.EventConnected)
	}

	return nil
}

// Stop closes the serial port and stops the read loop.
func (t *Transport) Stop() error {
	t.mu.Lock()
	handler := t.stateHandler
	t.mu.Unlock()

	if t.cancel != nil {
		t.cancel()
	}

	t.mu.Lock()
	t.connected = false
	port := t.port
	t.port = nil
	done := t.done
	t.mu.Unlock()

	var err error
	if port != nil {
		err = port.Close()
	}

	// Wait for read loop to finish
	if done != nil {
		<-done
	}

	if handler != nil {
		handler(t, transport.EventDisconnected)
	}

	return err
}

// IsConnected returns true if the serial port is open.
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// SetReceiveHandler sets the callback for completed receptions.
func (t *Transport) SetReceiveHandler(fn transport.ReceiveHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.receiveHandler = fn
}

// SetStateHandler sets the callback for transport state changes.
func (t *Transport) SetStateHandler(fn transport.StateHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stateHandler = fn
}

// StartReceive arms reception into buf, replacing any armed buffer.
func (t *Transport) StartReceive(buf []byte) error {
	if len(buf) == 0 {
		return errors.New("receive buffer is empty")
	}
	t.rxMu.Lock()
	defer t.rxMu.Unlock()
	t.armed = buf
	t.fill = 0
	return nil
}

// StartTransmit writes buf to the serial port. The write completes before
// StartTransmit returns.
func (t *Transport) StartTransmit(buf []byte) error {
	t.mu.RLock()
	port := t.port
	connected := t.connected
	t.mu.RUnlock()

	if !connected || port == nil {
		return errors.New("not connected")
	}

	if _, err := port.Write(buf); err != nil {
		return fmt.Errorf("writing to serial port: %w", err)
	}
	return nil
}

// Dropped returns the number of bytes discarded because no buffer was armed.
func (t *Transport) Dropped() uint32 {
	return t.dropped.Load()
}

// readLoop reads from the serial port and feeds the armed buffer. A read
// that times out with no data means the line went idle.
func (t *Transport) readLoop(ctx context.Context, port Port) {
	defer close(t.done)

	buf := make([]byte, readBufSize)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := port.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return // context cancelled, clean shutdown
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				t.handleDisconnect(err)
				return
			}
			t.log.Error("serial read error", "error", err)
			t.handleDisconnect(err)
			return
		}

		if n == 0 {
			t.lineIdle()
			continue
		}

		t.receive(buf[:n])
	}
}

// receive copies data into the armed buffer, completing the reception each
// time the buffer fills. The handler usually re-arms, so the rest of data
// lands in the next buffer.
func (t *Transport) receive(data []byte) {
	for len(data) > 0 {
		t.rxMu.Lock()
		if t.armed == nil {
			t.rxMu.Unlock()
			t.dropped.Add(uint32(len(data)))
			t.log.Debug("dropping bytes, no reception armed", "len", len(data))
			return
		}
		n := copy(t.armed[t.fill:], data)
		t.fill += n
		full := t.fill == len(t.armed)
		t.rxMu.Unlock()

		data = data[n:]
		if full {
			t.complete()
		}
	}
}

// lineIdle completes a partially filled reception.
func (t *Transport) lineIdle() {
	t.rxMu.Lock()
	pending := t.armed != nil && t.fill > 0
	t.rxMu.Unlock()
	if pending {
		t.complete()
	}
}

// complete disarms the current buffer and reports its byte count.
func (t *Transport) complete() {
	t.rxMu.Lock()
	size := t.fill
	t.armed = nil
	t.fill = 0
	t.rxMu.Unlock()

	t.mu.RLock()
	handler := t.receiveHandler
	t.mu.RUnlock()

	if handler != nil {
		handler(size)
	}
}

func (t *Transport) handleDisconnect(err error) {
	t.mu.Lock()
	t.connected = false
	handler := t.stateHandler
	t.mu.Unlock()

	if err != nil {
		t.log.Error("serial disconnected", "error", err)
	}

	if handler != nil {
		handler(t, transport.EventDisconnected)
	}
}
