package link

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kabili207/serialframe-go/core"
	"github.com/kabili207/serialframe-go/core/codec"
	"github.com/kabili207/serialframe-go/transport"
)

// mockTransport implements transport.Transport for testing. deliver plays
// the part of the receive hardware.
type mockTransport struct {
	mu         sync.Mutex
	handler    transport.ReceiveHandler
	armed      []byte
	armCount   int
	sent       [][]byte
	receiveErr error
	sendErr    error
}

func newMockTransport() *mockTransport {
	return &mockTransport{}
}

func (m *mockTransport) Start(_ context.Context) error                 { return nil }
func (m *mockTransport) Stop() error                                   { return nil }
func (m *mockTransport) IsConnected() bool                             { return true }
func (m *mockTransport) SetStateHandler(_ transport.StateHandler)      {}
func (m *mockTransport) SetReceiveHandler(fn transport.ReceiveHandler) { m.handler = fn }

func (m *mockTransport) StartReceive(buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.receiveErr != nil {
		return m.receiveErr
	}
	m.armed = buf
	m.armCount++
	return nil
}

func (m *mockTransport) StartTransmit(buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, append([]byte(nil), buf...))
	return nil
}

// deliver writes data into the armed buffer and completes the reception.
func (m *mockTransport) deliver(t *testing.T, data []byte) {
	t.Helper()
	m.mu.Lock()
	buf := m.armed
	m.armed = nil
	handler := m.handler
	m.mu.Unlock()

	require.NotNil(t, buf, "no reception armed")
	require.NotNil(t, handler, "no receive handler installed")
	n := copy(buf, data)
	handler(n)
}

func (m *mockTransport) lastSent() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return nil
	}
	return m.sent[len(m.sent)-1]
}

func newStartedLink(t *testing.T, cfg Config) (*Link, *mockTransport) {
	t.Helper()
	hw := newMockTransport()
	cfg.Transport = hw
	l, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, l.Start())
	return l, hw
}

func TestNew_Defaults(t *testing.T) {
	l, err := New(Config{Transport: newMockTransport()})
	require.NoError(t, err)
	assert.Equal(t, DefaultBufferSize, l.cfg.RxBufferSize)
	assert.Equal(t, DefaultBufferSize, l.cfg.TxBufferSize)
	assert.Equal(t, 125, l.MaxPayload())
	assert.NotNil(t, l.log)
}

func TestNew_Errors(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, core.ErrParameter)

	_, err = New(Config{Transport: newMockTransport(), TxBufferSize: 4})
	assert.ErrorIs(t, err, core.ErrParameter)
}

func TestStart_ArmsCaptureBuffer(t *testing.T) {
	l, hw := newStartedLink(t, Config{RxBufferSize: 32})
	assert.Equal(t, 1, hw.armCount)
	assert.Len(t, hw.armed, 32)
	assert.False(t, l.HasMessage())
}

func TestStart_ArmFailure(t *testing.T) {
	hw := newMockTransport()
	hw.receiveErr = errors.New("dma busy")
	l, err := New(Config{Transport: hw})
	require.NoError(t, err)

	err = l.Start()
	assert.ErrorIs(t, err, core.ErrRequest)
}

func TestStart_ResetsState(t *testing.T) {
	l, hw := newStartedLink(t, Config{})
	hw.deliver(t, []byte{0x7E, 0x01, 0x01, 0x7E})
	require.True(t, l.HasMessage())
	require.Equal(t, uint32(1), l.Counters().Receptions)

	require.NoError(t, l.Start())
	assert.False(t, l.HasMessage())
	assert.Equal(t, CountersSnapshot{}, l.Counters())
	assert.NoError(t, l.Err())
}

func TestReceive_DecodesMessage(t *testing.T) {
	l, hw := newStartedLink(t, Config{})

	hw.deliver(t, []byte{0x7E, 0x01, 0x02, 0x03, 0x06, 0x7E})
	require.True(t, l.HasMessage())

	view, n, ok := l.Message()
	require.True(t, ok)
	assert.Equal(t, 6, n)
	assert.Equal(t, []byte{0x7E, 0x01, 0x02, 0x03, 0x06, 0x7E}, view[:n])

	payload, err := l.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, payload)
	assert.False(t, l.HasMessage())

	snap := l.Counters()
	assert.EqualValues(t, 1, snap.Receptions)
	assert.EqualValues(t, 1, snap.MessagesRead)
}

func TestReceive_RearmsOtherBuffer(t *testing.T) {
	_, hw := newStartedLink(t, Config{RxBufferSize: 16})
	first := hw.armed

	hw.deliver(t, []byte{0x7E, 0x00, 0x7E})
	require.Equal(t, 2, hw.armCount)
	assert.NotSame(t, &first[0], &hw.armed[0], "re-armed buffer should be the other slot")

	second := hw.armed
	hw.deliver(t, []byte{0x7E, 0x00, 0x7E})
	assert.Same(t, &first[0], &hw.armed[0], "roles should flip back on the next reception")
	assert.NotSame(t, &second[0], &hw.armed[0])
}

func TestReceive_SecondReceptionOverwrites(t *testing.T) {
	l, hw := newStartedLink(t, Config{})

	hw.deliver(t, []byte{0x7E, 0x01, 0x02, 0x03, 0x06, 0x7E})
	hw.deliver(t, []byte{0x7E, 0x7D, 0x5E, 0x7D, 0x5E, 0x7E, 0x00})

	_, n, ok := l.Message()
	require.True(t, ok)
	assert.Equal(t, 7, n, "length should reflect the second reception")

	payload, err := l.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x7E}, payload)
	assert.EqualValues(t, 1, l.Counters().Overwrites)
}

func TestReceive_ReusedBufferIgnoresStaleFrame(t *testing.T) {
	l, hw := newStartedLink(t, Config{RxBufferSize: 16})

	// The first frame is overwritten, so its buffer returns to capture
	// without being cleared.
	hw.deliver(t, []byte{0x7E, 0x05, 0x05, 0x7E})
	hw.deliver(t, []byte{0x7E, 0x01, 0x01, 0x7E})
	payload, err := l.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01}, payload)

	// A truncated burst lands on top of the stale first frame.
	hw.deliver(t, []byte{0x7E, 0x05})
	_, n, ok := l.Message()
	require.True(t, ok)
	require.Equal(t, 2, n)

	_, err = l.ReadMessage()
	assert.ErrorIs(t, err, core.ErrDataInvalid)
	assert.False(t, l.HasMessage())

	snap := l.Counters()
	assert.EqualValues(t, 3, snap.Receptions)
	assert.EqualValues(t, 1, snap.Overwrites)
	assert.EqualValues(t, 1, snap.MessagesRead)
	assert.EqualValues(t, 1, snap.DecodeFailures)
}

func TestReadMessage_DecodeFailureClears(t *testing.T) {
	tests := []struct {
		name    string
		wire    []byte
		wantErr error
	}{
		{name: "no markers", wire: []byte{0x01, 0x02, 0x03}, wantErr: core.ErrDataInvalid},
		{name: "bad checksum", wire: []byte{0x7E, 0x01, 0x02, 0x03, 0x07, 0x7E}, wantErr: core.ErrChecksum},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, hw := newStartedLink(t, Config{})
			hw.deliver(t, tt.wire)

			_, err := l.ReadMessage()
			assert.ErrorIs(t, err, tt.wantErr)
			assert.False(t, l.HasMessage(), "failed decode should still clear the message")
			assert.EqualValues(t, 1, l.Counters().DecodeFailures)
		})
	}
}

func TestReadMessage_NoMessage(t *testing.T) {
	l, _ := newStartedLink(t, Config{})
	_, err := l.ReadMessage()
	assert.ErrorIs(t, err, ErrNoMessage)
	_, err = l.DecodeMessage()
	assert.ErrorIs(t, err, ErrNoMessage)
}

func TestDecodeMessage_ZeroFillsTail(t *testing.T) {
	l, hw := newStartedLink(t, Config{RxBufferSize: 16})
	hw.deliver(t, []byte{0x7E, 0x05, 0x05, 0x7E, 0xAA, 0xBB})

	payload, err := l.DecodeMessage()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x05}, payload)
	require.True(t, l.HasMessage(), "DecodeMessage must not clear")

	view, _, _ := l.Message()
	assert.Equal(t, []byte{0x7E, 0x05, 0x05, 0x7E}, view[:4])
	assert.Equal(t, make([]byte, 12), view[4:])

	l.ClearMessage()
	assert.Equal(t, make([]byte, 16), view)
}

func TestCopyMessage(t *testing.T) {
	l, hw := newStartedLink(t, Config{RxBufferSize: 8})
	hw.deliver(t, []byte{0x7E, 0x05, 0x05, 0x7E})

	dst := make([]byte, 8)
	require.NoError(t, l.CopyMessage(dst, 4))
	assert.Equal(t, []byte{0x7E, 0x05, 0x05, 0x7E}, dst[:4])

	assert.ErrorIs(t, l.CopyMessage(make([]byte, 16), 9), core.ErrParameter)
}

func TestReceive_Oversize(t *testing.T) {
	l, hw := newStartedLink(t, Config{RxBufferSize: 8})
	hw.handler(20)

	_, n, ok := l.Message()
	require.True(t, ok)
	assert.Equal(t, 8, n)
	assert.EqualValues(t, 1, l.Counters().Oversize)
}

func TestReceive_RearmFailure(t *testing.T) {
	l, hw := newStartedLink(t, Config{})
	hw.receiveErr = errors.New("dma fault")

	hw.deliver(t, []byte{0x7E, 0x05, 0x05, 0x7E})
	assert.True(t, l.HasMessage(), "message is still published when re-arm fails")
	assert.ErrorIs(t, l.Err(), core.ErrRequest)
	assert.EqualValues(t, 1, l.Counters().RearmFailures)

	assert.ErrorIs(t, l.Rearm(), core.ErrRequest)
	assert.EqualValues(t, 2, l.Counters().RearmFailures)

	hw.receiveErr = nil
	require.NoError(t, l.Rearm())
	assert.NoError(t, l.Err())
	assert.NotNil(t, hw.armed)
}

func TestSend(t *testing.T) {
	l, hw := newStartedLink(t, Config{})

	require.NoError(t, l.Send([]byte{0x01, 0x02, 0x03}))
	assert.Equal(t, []byte{0x7E, 0x01, 0x02, 0x03, 0x06, 0x7E}, hw.lastSent())
	assert.EqualValues(t, 1, l.Counters().FramesSent)
}

func TestSend_Errors(t *testing.T) {
	l, hw := newStartedLink(t, Config{})

	assert.ErrorIs(t, l.Send(nil), core.ErrParameter)
	assert.ErrorIs(t, l.Send(make([]byte, l.MaxPayload()+1)), core.ErrBuffer)

	hw.sendErr = errors.New("uart busy")
	assert.ErrorIs(t, l.Send([]byte{0x01}), core.ErrRequest)
	assert.EqualValues(t, 1, l.Counters().SendFailures)
}

func TestSendU16BE(t *testing.T) {
	l, hw := newStartedLink(t, Config{})

	require.NoError(t, l.SendU16BE([]uint16{0x0102, 0x7E7D}))
	frame, _, err := codec.Decode(hw.lastSent())
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x7E, 0x7D}, frame.Payload)

	assert.ErrorIs(t, l.SendU16BE(nil), core.ErrParameter)
	assert.ErrorIs(t, l.SendU16BE(make([]uint16, l.MaxPayload()/2+1)), core.ErrParameter)
	assert.NoError(t, l.SendU16BE(make([]uint16, l.MaxPayload()/2)))
}

func TestSendU32BE(t *testing.T) {
	l, hw := newStartedLink(t, Config{})

	require.NoError(t, l.SendU32BE([]uint32{0x01020304, 0xDEADBEEF}))
	frame, _, err := codec.Decode(hw.lastSent())
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04, 0xDE, 0xAD, 0xBE, 0xEF}, frame.Payload)

	assert.ErrorIs(t, l.SendU32BE([]uint32{}), core.ErrParameter)
	assert.ErrorIs(t, l.SendU32BE(make([]uint32, l.MaxPayload()/4+1)), core.ErrParameter)
}

func TestLoopback(t *testing.T) {
	// One link's transmit output fed into another link's reception.
	a, hwA := newStartedLink(t, Config{})
	b, hwB := newStartedLink(t, Config{})

	require.NoError(t, a.Send([]byte("hello\x7e\x7d")))
	hwB.deliver(t, hwA.lastSent())

	payload, err := b.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello\x7e\x7d"), payload)
}
