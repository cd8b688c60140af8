// Package response classifies single lines received from CNC firmware.
//
// Parse applies the checks in a fixed order and the first match wins:
// OK marker, error marker, status frame, firmware banner, data. An empty
// line is Unknown.
package response

import (
	"time"

	"github.com/arloliu/go-cncserial/firmware"
)

// Kind is the classification of a received line.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindOK
	KindError
	KindStatus
	KindFirmwareBanner
	KindData
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "OK"
	case KindError:
		return "ERROR"
	case KindStatus:
		return "STATUS"
	case KindFirmwareBanner:
		return "FIRMWARE_BANNER"
	case KindData:
		return "DATA"
	default:
		return "UNKNOWN"
	}
}

// Response is one classified line.
type Response struct {
	Kind Kind
	// Raw is the received line without its line terminator.
	Raw string
	// State is the machine state of a status frame, e.g. "Idle" or "Hold".
	State string
	// Axes holds positions keyed by axis letter. Status frames prefer WPos
	// over MPos; data lines carry X/Y/Z position reports.
	Axes map[string]float64
	// Fields holds every key:value element of a status frame.
	Fields map[string]string
	// ErrorType is the matched error marker, e.g. "error" or "ALARM".
	ErrorType    string
	ErrorMessage string
	// Firmware is set for firmware banners.
	Firmware   firmware.Type
	ReceivedAt time.Time
}

// IsOK returns true for KindOK.
func (r *Response) IsOK() bool { return r.Kind == KindOK }

// IsError returns true for KindError.
func (r *Response) IsError() bool { return r.Kind == KindError }

// IsStatus returns true for KindStatus.
func (r *Response) IsStatus() bool { return r.Kind == KindStatus }

// IsFinal returns true if the line terminates the reply to a command.
func (r *Response) IsFinal() bool { return r.Kind == KindOK || r.Kind == KindError }

// HasPosition returns true if the line carried axis positions.
func (r *Response) HasPosition() bool { return len(r.Axes) > 0 }

// Error renders the error marker and message of an error response.
func (r *Response) Error() string {
	if r.ErrorMessage == "" {
		return r.ErrorType
	}

	return r.ErrorType + ": " + r.ErrorMessage
}
