package firmware

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrDetectionFailure indicates that no firmware pattern matched a response.
// It is not fatal: the firmware stays Unknown and the default profile is used.
var ErrDetectionFailure = errors.New("firmware: detection failed, no pattern matched")

// ErrUnknownType is returned by ParseType for names outside the registry.
var ErrUnknownType = errors.New("firmware: unknown firmware type")

// Type identifies a firmware family.
type Type uint8

const (
	// Unknown is used until a firmware has been detected.
	Unknown Type = iota
	GRBL
	Marlin
	Smoothieware
	Repetier
	// Invariance is a vendor specific firmware.
	Invariance
)

// String returns the display name of the firmware type.
func (t Type) String() string {
	switch t {
	case GRBL:
		return "GRBL"
	case Marlin:
		return "Marlin"
	case Smoothieware:
		return "Smoothieware"
	case Repetier:
		return "Repetier"
	case Invariance:
		return "Invariance"
	default:
		return "Unknown"
	}
}

// IsKnown returns true for every type except Unknown.
func (t Type) IsKnown() bool { return t != Unknown && t <= Invariance }

// ParseType converts a display name (case-insensitive) into a Type.
func ParseType(name string) (Type, error) {
	for _, t := range []Type{GRBL, Marlin, Smoothieware, Repetier, Invariance, Unknown} {
		if strings.EqualFold(name, t.String()) {
			return t, nil
		}
	}

	return Unknown, fmt.Errorf("%w: %q", ErrUnknownType, name)
}

// Info is the metadata extracted from a firmware banner.
//
// Optional string fields are empty and optional numeric fields are zero when
// the banner did not carry them.
type Info struct {
	Type            Type
	Name            string
	Version         string
	BuildDate       string
	ProtocolVersion string
	MachineType     string
	Capabilities    []string
	BufferSize      int
	MaxFeedRate     int
	BuildInfo       string
}

// Format renders the info as a human readable, multi-line summary.
func (i Info) Format() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Firmware: %s v%s", i.Name, i.Version)

	if i.BuildDate != "" {
		fmt.Fprintf(&sb, "\nBuild Date: %s", i.BuildDate)
	}
	if i.ProtocolVersion != "" {
		fmt.Fprintf(&sb, "\nProtocol: %s", i.ProtocolVersion)
	}
	if i.MachineType != "" {
		fmt.Fprintf(&sb, "\nMachine: %s", i.MachineType)
	}
	if i.BufferSize > 0 {
		fmt.Fprintf(&sb, "\nBuffer Size: %d bytes", i.BufferSize)
	}
	if i.MaxFeedRate > 0 {
		fmt.Fprintf(&sb, "\nMax Feed Rate: %d", i.MaxFeedRate)
	}
	if len(i.Capabilities) > 0 {
		fmt.Fprintf(&sb, "\nCapabilities: %s", strings.Join(i.Capabilities, ", "))
	}
	if i.BuildInfo != "" {
		fmt.Fprintf(&sb, "\nBuild Info: %s", i.BuildInfo)
	}

	return sb.String()
}

// CommandProfile is the command vocabulary of one firmware type.
type CommandProfile struct {
	// Initialization is sent in order after a successful detection when enabled.
	Initialization []string
	StatusQuery    string
	HomeCommand    string
	ResetCommand   string
	// UnlockCommand is empty when the firmware has no alarm lock.
	UnlockCommand string
	PositionQuery string
	VersionQuery  string
}

// HasUnlock returns true if the profile defines an unlock command.
func (p CommandProfile) HasUnlock() bool { return p.UnlockCommand != "" }

// ConnectionSettings are the suggested serial parameters for a firmware type.
type ConnectionSettings struct {
	BaudRate    int
	ReadTimeout time.Duration
	LineEnding  string
	// Echo is true when the firmware echoes received commands.
	Echo bool
	// FlowControl is true when hardware (RTS/CTS) flow control is expected.
	FlowControl bool
}
