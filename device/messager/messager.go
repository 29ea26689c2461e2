// Package messager dispatches decoded link messages to command handlers and
// answers each one with a status response.
//
// Message payload layout:
//
//	[command] [data...]
//
// Response payload layout:
//
//	0xF0 [status] [response data...]
//
// Responses (0xF0) and message-error notices (0xFF) received from the peer
// are passed to Config.OnResponse and never answered.
package messager

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kabili207/serialframe-go/core"
	"github.com/kabili207/serialframe-go/device/link"
)

const (
	// CmdAck is the command byte of a response frame.
	CmdAck byte = 0xF0
	// CmdMsgError is the command byte of an unsolicited error notice.
	CmdMsgError byte = 0xFF

	// DefaultPollInterval is the default interval of the Run loop.
	DefaultPollInterval = time.Millisecond
)

// Link is the part of *link.Link the messager needs.
type Link interface {
	HasMessage() bool
	ReadMessage() ([]byte, error)
	Send(payload []byte) error
	MaxPayload() int
	Err() error
	Rearm() error
}

var _ Link = (*link.Link)(nil)

// HandlerFunc handles the data of one command. The returned bytes are
// appended to the response after the status; the error selects the status
// through core.StatusOf.
type HandlerFunc func(data []byte) ([]byte, error)

// ResponseFunc receives response and error frames sent by the peer.
type ResponseFunc func(cmd byte, data []byte)

// Config configures a Messager.
type Config struct {
	// Link delivers and sends messages. Required.
	Link Link
	// PollInterval is how often Run checks for a message. Default: 1ms.
	PollInterval time.Duration
	// OnResponse is called for peer responses (0xF0) and error notices (0xFF).
	OnResponse ResponseFunc
	// Logger for dispatch events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Messager polls a link and dispatches commands.
type Messager struct {
	cfg  Config
	link Link
	log  *slog.Logger

	mu       sync.RWMutex
	handlers map[byte]HandlerFunc
}

// New creates a Messager with the given configuration.
func New(cfg Config) *Messager {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Messager{
		cfg:      cfg,
		link:     cfg.Link,
		log:      logger.WithGroup("messager"),
		handlers: make(map[byte]HandlerFunc),
	}
}

// Handle registers fn for cmd, replacing any earlier handler. The response
// command bytes cannot be registered.
func (m *Messager) Handle(cmd byte, fn HandlerFunc) {
	if cmd == CmdAck || cmd == CmdMsgError {
		m.log.Warn("ignoring handler for reserved command", "cmd", cmd)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[cmd] = fn
}

// Poll processes at most one pending message. It reports whether a message
// was consumed and returns the decode or send error, if any. Decode errors
// are answered with their status before being returned.
func (m *Messager) Poll() (bool, error) {
	if !m.link.HasMessage() {
		return false, nil
	}

	payload, err := m.link.ReadMessage()
	if err != nil {
		if errors.Is(err, link.ErrNoMessage) {
			return false, nil
		}
		m.log.Warn("discarding malformed message", "error", err)
		if rerr := m.reply(core.StatusOf(err), nil); rerr != nil {
			return true, errors.Join(err, rerr)
		}
		return true, err
	}

	if len(payload) == 0 {
		return true, m.reply(core.StatusParameter, nil)
	}

	cmd, data := payload[0], payload[1:]
	m.log.Debug("message received", "cmd", cmd, "len", len(data))
	if cmd == CmdAck || cmd == CmdMsgError {
		if m.cfg.OnResponse != nil {
			m.cfg.OnResponse(cmd, data)
		}
		return true, nil
	}

	m.mu.RLock()
	fn := m.handlers[cmd]
	m.mu.RUnlock()

	if fn == nil {
		m.log.Debug("no handler for command", "cmd", cmd)
		return true, m.reply(core.StatusRequest, nil)
	}

	resp, herr := fn(data)
	if herr != nil {
		m.log.Debug("command failed", "cmd", cmd, "error", herr)
	}
	return true, m.reply(core.StatusOf(herr), resp)
}

// reply sends a response frame. Data that does not fit is dropped and the
// status becomes StatusBuffer.
func (m *Messager) reply(status core.Status, data []byte) error {
	if 2+len(data) > m.link.MaxPayload() {
		m.log.Warn("response too large", "len", len(data), "max", m.link.MaxPayload()-2)
		status, data = core.StatusBuffer, nil
	}
	resp := make([]byte, 0, 2+len(data))
	resp = append(resp, CmdAck, byte(status))
	resp = append(resp, data...)

	if err := m.link.Send(resp); err != nil {
		m.log.Error("sending response failed", "status", status, "error", err)
		return err
	}
	return nil
}

// Run polls the link until ctx is cancelled. When reception has stopped
// after a failed re-arm, Run retries the re-arm once per interval.
func (m *Messager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.link.Err() != nil {
				if err := m.link.Rearm(); err != nil {
					m.log.Debug("re-arm failed", "error", err)
				}
			}
			for {
				handled, err := m.Poll()
				if err != nil {
					m.log.Debug("poll error", "error", err)
				}
				if !handled {
					break
				}
			}
		}
	}
}
