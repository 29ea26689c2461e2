// Package link ties the frame codec and the receive buffer pair to a byte
// transport.
//
// Two contexts use a Link. The producer is the transport's receive goroutine,
// which calls OnReceiveComplete once per completed reception. The consumer
// is the application loop, which polls HasMessage, reads the message and
// calls ClearMessage (or uses ReadMessage, which does all three). The
// consumer must clear a message before the next reception completes;
// otherwise that message is overwritten.
package link

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/kabili207/serialframe-go/core"
	"github.com/kabili207/serialframe-go/core/codec"
	"github.com/kabili207/serialframe-go/core/rxbuf"
	"github.com/kabili207/serialframe-go/transport"
)

const (
	// DefaultBufferSize is the default capacity of each receive buffer and
	// of the transmit buffer.
	DefaultBufferSize = codec.DefaultBufferSize
)

// ErrNoMessage is returned when the consumer reads while no message is pending.
var ErrNoMessage = errors.New("link: no message pending")

// Config configures a Link.
type Config struct {
	// Transport carries the wire bytes. Required.
	Transport transport.Transport
	// RxBufferSize is the capacity of each of the two receive buffers.
	// Default: 256.
	RxBufferSize int
	// TxBufferSize is the capacity of the transmit buffer. It bounds the
	// payload size through codec.MaxPayload. Default: 256.
	TxBufferSize int
	// Logger for link events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Link is a framed message link over a single transport.
type Link struct {
	cfg      Config
	hw       transport.Transport
	rx       *rxbuf.DoubleBuffer
	log      *slog.Logger
	counters Counters
	rearmErr atomic.Pointer[error]

	txMu    sync.Mutex
	tx      []byte
	scratch []byte
}

// New creates a Link with the given configuration. Buffers are allocated
// here and never grow.
func New(cfg Config) (*Link, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("%w: transport is required", core.ErrParameter)
	}
	if cfg.RxBufferSize <= 0 {
		cfg.RxBufferSize = DefaultBufferSize
	}
	if cfg.TxBufferSize <= 0 {
		cfg.TxBufferSize = DefaultBufferSize
	}
	if codec.MaxPayload(cfg.TxBufferSize) == 0 {
		return nil, fmt.Errorf("%w: tx buffer of %d bytes cannot hold a frame", core.ErrParameter, cfg.TxBufferSize)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Link{
		cfg:     cfg,
		hw:      cfg.Transport,
		rx:      rxbuf.New(cfg.RxBufferSize),
		log:     logger.WithGroup("link"),
		tx:      make([]byte, cfg.TxBufferSize),
		scratch: make([]byte, codec.MaxPayload(cfg.TxBufferSize)),
	}, nil
}

// Start resets the receive state and counters, installs the reception
// handler on the transport and arms the first reception.
func (l *Link) Start() error {
	l.rx.Reset()
	l.counters.Reset()
	l.rearmErr.Store(nil)
	l.hw.SetReceiveHandler(l.OnReceiveComplete)

	if err := l.hw.StartReceive(l.rx.Capture()); err != nil {
		return fmt.Errorf("%w: arming reception: %w", core.ErrRequest, err)
	}
	l.log.Info("link started", "rx_buffer", l.cfg.RxBufferSize, "tx_buffer", l.cfg.TxBufferSize)
	return nil
}

// OnReceiveComplete is the reception event handler. The transport calls it
// with the number of bytes received into the capture buffer. It publishes
// that buffer to the consumer and immediately re-arms reception into the
// other one. It performs no decoding and never blocks; a failed re-arm is
// recorded in Err and the counters, and reception stays stopped until
// Rearm succeeds.
func (l *Link) OnReceiveComplete(size int) {
	l.counters.Receptions.Add(1)
	if l.rx.Pending() {
		l.counters.Overwrites.Add(1)
	}

	l.rx.Swap()
	if err := l.rx.MarkReady(size); err != nil {
		l.counters.Oversize.Add(1)
	}

	if err := l.hw.StartReceive(l.rx.Capture()); err != nil {
		l.counters.RearmFailures.Add(1)
		err = fmt.Errorf("%w: re-arming reception: %w", core.ErrRequest, err)
		l.rearmErr.Store(&err)
	}
}

// Err returns the last re-arm failure, or nil while reception is running.
func (l *Link) Err() error {
	if p := l.rearmErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Rearm restarts reception after a failed re-arm. Call it from the consumer
// side only when Err is non-nil, since no reception is in flight then.
func (l *Link) Rearm() error {
	if err := l.hw.StartReceive(l.rx.Capture()); err != nil {
		l.counters.RearmFailures.Add(1)
		return fmt.Errorf("%w: re-arming reception: %w", core.ErrRequest, err)
	}
	l.rearmErr.Store(nil)
	l.log.Info("reception re-armed")
	return nil
}

// Counters returns a snapshot of the link counters.
func (l *Link) Counters() CountersSnapshot {
	return l.counters.Snapshot()
}

// HasMessage reports whether a completed reception is waiting.
func (l *Link) HasMessage() bool {
	return l.rx.Pending()
}

// Message returns a view of the ready buffer and the byte count of the
// reception it holds. The view is only valid until ClearMessage and must
// not be modified. ok is false when no message is pending.
func (l *Link) Message() (view []byte, length int, ok bool) {
	return l.rx.Ready()
}

// CopyMessage copies the first n raw bytes of the ready buffer into dst.
func (l *Link) CopyMessage(dst []byte, n int) error {
	return l.rx.Copy(dst, n)
}

// ClearMessage zero-fills the ready buffer and lowers the message flag.
func (l *Link) ClearMessage() {
	l.rx.Clear()
}

// DecodeMessage decodes the frame at the start of the ready buffer without
// clearing it. Bytes past the recorded reception length are zero-filled
// before the scan, since a buffer replaced by an overwrite was never cleared
// and still holds the older frame. The whole buffer is scanned; bytes after
// the closing marker are zero-filled too.
func (l *Link) DecodeMessage() ([]byte, error) {
	view, length, ok := l.rx.Ready()
	if !ok {
		return nil, ErrNoMessage
	}
	l.rx.ZeroFrom(length)

	frame, remaining, err := codec.Decode(view)
	if err != nil {
		l.counters.DecodeFailures.Add(1)
		return nil, err
	}
	l.rx.ZeroFrom(len(view) - len(remaining))
	l.counters.MessagesRead.Add(1)
	return frame.Payload, nil
}

// ReadMessage decodes the pending message and clears it. The buffer is
// cleared on decode failures too; a malformed frame cannot be salvaged.
func (l *Link) ReadMessage() ([]byte, error) {
	if !l.rx.Pending() {
		return nil, ErrNoMessage
	}
	defer l.rx.Clear()

	payload, err := l.DecodeMessage()
	if err != nil {
		l.log.Debug("dropping undecodable message", "error", err)
		return nil, err
	}
	return payload, nil
}

// MaxPayload returns the largest payload Send accepts.
func (l *Link) MaxPayload() int {
	return len(l.scratch)
}

// Send frames payload and hands it to the transport.
func (l *Link) Send(payload []byte) error {
	l.txMu.Lock()
	defer l.txMu.Unlock()
	return l.sendLocked(payload)
}

// SendU16BE sends words serialized most-significant byte first.
func (l *Link) SendU16BE(words []uint16) error {
	l.txMu.Lock()
	defer l.txMu.Unlock()

	if len(words) > len(l.scratch)/2 {
		return fmt.Errorf("%w: %d words exceed %d payload bytes", core.ErrParameter, len(words), len(l.scratch))
	}
	for i, w := range words {
		binary.BigEndian.PutUint16(l.scratch[2*i:], w)
	}
	return l.sendLocked(l.scratch[:2*len(words)])
}

// SendU32BE sends words serialized most-significant byte first.
func (l *Link) SendU32BE(words []uint32) error {
	l.txMu.Lock()
	defer l.txMu.Unlock()

	if len(words) > len(l.scratch)/4 {
		return fmt.Errorf("%w: %d words exceed %d payload bytes", core.ErrParameter, len(words), len(l.scratch))
	}
	for i, w := range words {
		binary.BigEndian.PutUint32(l.scratch[4*i:], w)
	}
	return l.sendLocked(l.scratch[:4*len(words)])
}

func (l *Link) sendLocked(payload []byte) error {
	n, err := codec.Encode(l.tx, payload)
	if err != nil {
		return err
	}
	if err := l.hw.StartTransmit(l.tx[:n]); err != nil {
		l.counters.SendFailures.Add(1)
		return fmt.Errorf("%w: starting transmit: %w", core.ErrRequest, err)
	}
	l.counters.FramesSent.Add(1)
	return nil
}
