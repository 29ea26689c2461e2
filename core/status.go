// Package core holds the types shared by the frame codec, the receive
// manager and the link: the error taxonomy and the status codes used on the
// wire to report it.
package core

import (
	"errors"
	"fmt"
)

var (
	// ErrParameter reports an invalid argument or length.
	ErrParameter = errors.New("parameter error")
	// ErrBuffer reports a payload that does not fit in the frame capacity.
	ErrBuffer = errors.New("buffer error")
	// ErrDataInvalid reports a frame with missing markers or a broken escape.
	ErrDataInvalid = errors.New("data invalid")
	// ErrChecksum reports a well-formed frame whose checksum does not match.
	ErrChecksum = errors.New("checksum error")
	// ErrRequest reports that the transport rejected a receive or transmit request.
	ErrRequest = errors.New("request error")
)

// Status is a one-byte result code as carried in response frames.
type Status uint8

const (
	StatusOK          Status = 0x00
	StatusRequest     Status = 0x01
	StatusChannel     Status = 0x02
	StatusParameter   Status = 0x03
	StatusBuffer      Status = 0x04
	StatusDelayed     Status = 0x05
	StatusDataInvalid Status = 0x06
	StatusDataError   Status = 0x07
	StatusChecksum    Status = 0x08
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusRequest:
		return "request error"
	case StatusChannel:
		return "channel error"
	case StatusParameter:
		return "parameter error"
	case StatusBuffer:
		return "buffer error"
	case StatusDelayed:
		return "delayed"
	case StatusDataInvalid:
		return "data invalid"
	case StatusDataError:
		return "data error"
	case StatusChecksum:
		return "checksum error"
	default:
		return fmt.Sprintf("status(0x%02x)", uint8(s))
	}
}

// Err returns the sentinel error for s, or nil for StatusOK. Codes without a
// sentinel are returned as a *StatusError.
func (s Status) Err() error {
	switch s {
	case StatusOK:
		return nil
	case StatusRequest:
		return ErrRequest
	case StatusParameter:
		return ErrParameter
	case StatusBuffer:
		return ErrBuffer
	case StatusDataInvalid:
		return ErrDataInvalid
	case StatusChecksum:
		return ErrChecksum
	default:
		return &StatusError{Status: s}
	}
}

// StatusError carries a status code that has no sentinel error.
type StatusError struct {
	Status Status
}

// Error implements error.
func (e *StatusError) Error() string {
	return e.Status.String()
}

// StatusOf maps err onto its wire status. Unknown errors map to
// StatusDataError.
func StatusOf(err error) Status {
	var se *StatusError
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrParameter):
		return StatusParameter
	case errors.Is(err, ErrBuffer):
		return StatusBuffer
	case errors.Is(err, ErrDataInvalid):
		return StatusDataInvalid
	case errors.Is(err, ErrChecksum):
		return StatusChecksum
	case errors.Is(err, ErrRequest):
		return StatusRequest
	case errors.As(err, &se):
		return se.Status
	default:
		return StatusDataError
	}
}
