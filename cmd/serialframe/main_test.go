package main

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kabili207/serialframe-go/core"
	"github.com/kabili207/serialframe-go/device/messager"
	"github.com/kabili207/serialframe-go/transport/mqtt"
	"github.com/kabili207/serialframe-go/transport/serial"
)

func TestRunUsage(t *testing.T) {
	assert.ErrorIs(t, run(nil, io.Discard, io.Discard), errUsage)
	assert.ErrorIs(t, run([]string{"dance"}, io.Discard, io.Discard), errUsage)
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in      string
		want    byte
		wantErr bool
	}{
		{in: "0x01", want: 0x01},
		{in: "0XF0", want: 0xF0},
		{in: "7", want: 7},
		{in: " 255 ", want: 255},
		{in: "256", wantErr: true},
		{in: "zz", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseCommand(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, core.ErrParameter)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseHexArgs(t *testing.T) {
	got, err := parseHexArgs([]string{"0a0b", "7e:7d"})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x0A, 0x0B, 0x7E, 0x7D}, got)

	got, err = parseHexArgs(nil)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = parseHexArgs([]string{"abc"})
	assert.ErrorIs(t, err, core.ErrParameter)
}

func TestEcho(t *testing.T) {
	in := []byte{1, 2, 3}
	out, err := echo(in)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	in[0] = 9
	assert.Equal(t, byte(1), out[0], "echo must not alias its input")
}

func TestPrintResponse(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printResponse(&buf, messager.CmdAck, []byte{byte(core.StatusOK), 0xAB}))
	assert.Equal(t, "status=ok data=ab\n", buf.String())

	buf.Reset()
	err := printResponse(&buf, messager.CmdAck, []byte{byte(core.StatusChecksum)})
	assert.ErrorIs(t, err, core.ErrChecksum)
	assert.Contains(t, buf.String(), "checksum error")

	err = printResponse(io.Discard, messager.CmdAck, nil)
	assert.ErrorIs(t, err, core.ErrDataInvalid)

	err = printResponse(io.Discard, messager.CmdMsgError, nil)
	assert.Error(t, err)
}

func TestNewTransport(t *testing.T) {
	cfg := defaultAppConfig()

	hw, err := newTransport(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &serial.Transport{}, hw)

	cfg.Transport = transportMQTT
	hw, err = newTransport(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &mqtt.Transport{}, hw)

	cfg.Transport = "can"
	_, err = newTransport(cfg, nil)
	assert.Error(t, err)
}

func TestOpenLinkStartFailure(t *testing.T) {
	cfg := defaultAppConfig()
	// No serial port configured.
	_, _, err := openLink(t.Context(), cfg, slog.New(slog.DiscardHandler))
	require.Error(t, err)
	assert.False(t, errors.Is(err, core.ErrParameter))
}
