package firmware

import (
	"regexp"
	"time"
)

// PatternName names one detection pattern of a firmware entry. The name also
// selects the Info field filled from the pattern's first capture group.
type PatternName string

const (
	PatternVersion      PatternName = "version"
	PatternWelcome      PatternName = "welcome"
	PatternBuildInfo    PatternName = "build_info"
	PatternBuildDate    PatternName = "build_date"
	PatternProtocol     PatternName = "protocol"
	PatternMachineType  PatternName = "machine_type"
	PatternCapabilities PatternName = "capabilities"
	PatternBuffer       PatternName = "buffer"
	PatternMaxFeed      PatternName = "max_feed"
)

type namedPattern struct {
	name PatternName
	re   *regexp.Regexp
}

type entry struct {
	typ      Type
	patterns []namedPattern
	profile  CommandProfile
	settings ConnectionSettings
	docURL   string
}

// Patterns that would also match another firmware's output (PROTOCOL_VERSION,
// MACHINE_TYPE, Cap:) are anchored on that firmware's FIRMWARE_NAME.
var registry = []entry{
	{
		typ: GRBL,
		patterns: []namedPattern{
			{PatternVersion, regexp.MustCompile(`Grbl\s+(\d+(?:\.\d+)*[a-z]*)`)},
			{PatternWelcome, regexp.MustCompile(`Grbl\s+\d+(?:\.\d+)*[a-z]*\s*\[([^\]]+)\]`)},
			{PatternBuildInfo, regexp.MustCompile(`\[VER:([^:\]]+):?[^\]]*\]`)},
			{PatternCapabilities, regexp.MustCompile(`\[OPT:([A-Z](?:,?[A-Z])*)`)},
			{PatternBuffer, regexp.MustCompile(`\[OPT:[A-Z,]*,\d+,(\d+)\]`)},
		},
		profile: CommandProfile{
			Initialization: []string{"$X", "G21", "G90", "G94"},
			StatusQuery:    "?",
			HomeCommand:    "$H",
			ResetCommand:   "\x18", // Ctrl+X
			UnlockCommand:  "$X",
			PositionQuery:  "?",
			VersionQuery:   "$I",
		},
		settings: ConnectionSettings{BaudRate: 115200, ReadTimeout: 10 * time.Second, LineEnding: "\n"},
		docURL:   "https://github.com/gnea/grbl/wiki",
	},
	{
		typ: Marlin,
		patterns: []namedPattern{
			{PatternVersion, regexp.MustCompile(`FIRMWARE_NAME:Marlin[ _]([\w.\-]+)`)},
			{PatternBuildDate, regexp.MustCompile(`FIRMWARE_NAME:Marlin[ _][\w.\-]+\s+\(([^)]+)\)`)},
			{PatternProtocol, regexp.MustCompile(`FIRMWARE_NAME:Marlin[^\n]*?PROTOCOL_VERSION:([\d.]+)`)},
			{PatternMachineType, regexp.MustCompile(`(?m)FIRMWARE_NAME:Marlin[^\n]*?MACHINE_TYPE:(.+?)(?:\s+[A-Z_]+:|\s*$)`)},
			{PatternCapabilities, regexp.MustCompile(`(?s)FIRMWARE_NAME:Marlin.*?((?:\s*Cap:[A-Z_]+:[01])+)`)},
		},
		profile: CommandProfile{
			Initialization: []string{"M115", "G21", "G90", "M82"},
			StatusQuery:    "M114",
			HomeCommand:    "G28",
			ResetCommand:   "M999",
			PositionQuery:  "M114",
			VersionQuery:   "M115",
		},
		settings: ConnectionSettings{BaudRate: 250000, ReadTimeout: 10 * time.Second, LineEnding: "\n", Echo: true},
		docURL:   "https://marlinfw.org/docs/",
	},
	{
		typ: Smoothieware,
		patterns: []namedPattern{
			{PatternVersion, regexp.MustCompile(`(?:Smoothie(?:ware)?\s+version|Build version):?\s+([\w.\-]+)`)},
			{PatternBuildDate, regexp.MustCompile(`Build version:[^\n]*?Build date:\s*([^,\r\n]+)`)},
			{PatternMachineType, regexp.MustCompile(`Build version:[^\n]*?MCU:\s*([^,\r\n]+)`)},
		},
		profile: CommandProfile{
			Initialization: []string{"version", "G21", "G90"},
			StatusQuery:    "M114",
			HomeCommand:    "G28",
			ResetCommand:   "reset",
			PositionQuery:  "M114",
			VersionQuery:   "version",
		},
		settings: ConnectionSettings{BaudRate: 115200, ReadTimeout: 10 * time.Second, LineEnding: "\n"},
		docURL:   "https://smoothieware.org/",
	},
	{
		typ: Repetier,
		patterns: []namedPattern{
			{PatternVersion, regexp.MustCompile(`FIRMWARE_NAME:Repetier[ _]([\w.\-]+)`)},
			{PatternBuildDate, regexp.MustCompile(`FIRMWARE_NAME:Repetier[^\n]*?COMPILED:\s*([A-Za-z]{3}\s+\d{1,2}\s+\d{4})`)},
			{PatternProtocol, regexp.MustCompile(`FIRMWARE_NAME:Repetier[^\n]*?PROTOCOL_VERSION:([\d.]+)`)},
			{PatternMachineType, regexp.MustCompile(`(?m)FIRMWARE_NAME:Repetier[^\n]*?MACHINE_TYPE:(.+?)(?:\s+[A-Z_]+:|\s*$)`)},
			{PatternCapabilities, regexp.MustCompile(`FIRMWARE_NAME:Repetier[^\n]*?(REPETIER_PROTOCOL:\d+)`)},
		},
		profile: CommandProfile{
			Initialization: []string{"M115", "G21", "G90"},
			StatusQuery:    "M114",
			HomeCommand:    "G28",
			ResetCommand:   "M999",
			PositionQuery:  "M114",
			VersionQuery:   "M115",
		},
		settings: ConnectionSettings{BaudRate: 250000, ReadTimeout: 10 * time.Second, LineEnding: "\n", Echo: true},
		docURL:   "https://www.repetier.com/documentation/",
	},
	{
		typ: Invariance,
		patterns: []namedPattern{
			{PatternVersion, regexp.MustCompile(`INVARIANCE[_\s]*CNC\s+([\d.\-]+)`)},
			{PatternBuildInfo, regexp.MustCompile(`INVARIANCE_BUILD:([^\r\n]+)`)},
			{PatternCapabilities, regexp.MustCompile(`INVARIANCE_CAP:([^\r\n]+)`)},
			{PatternBuffer, regexp.MustCompile(`INVARIANCE_BUF:(\d+)`)},
			{PatternMaxFeed, regexp.MustCompile(`INVARIANCE_MAXFEED:(\d+)`)},
		},
		profile: CommandProfile{
			Initialization: []string{"INVARIANCE_INIT", "G21", "G90"},
			StatusQuery:    "INVARIANCE_STATUS",
			HomeCommand:    "INVARIANCE_HOME",
			ResetCommand:   "INVARIANCE_RESET",
			UnlockCommand:  "INVARIANCE_UNLOCK",
			PositionQuery:  "INVARIANCE_POS",
			VersionQuery:   "INVARIANCE_VER",
		},
		settings: ConnectionSettings{BaudRate: 115200, ReadTimeout: 5 * time.Second, LineEnding: "\n", FlowControl: true},
		docURL:   "https://invariance-automation.com/docs/",
	},
}

// defaultProfile is used while the firmware is Unknown.
var defaultProfile = CommandProfile{
	StatusQuery:   "?",
	HomeCommand:   "G28",
	ResetCommand:  "\x18",
	PositionQuery: "?",
	VersionQuery:  "$I",
}

var defaultSettings = ConnectionSettings{
	BaudRate:    115200,
	ReadTimeout: 2 * time.Second,
	LineEnding:  "\n",
}

// grblCapabilities maps GRBL build option codes to descriptions.
var grblCapabilities = map[rune]string{
	'V': "Variable spindle enabled",
	'N': "Line numbers enabled",
	'M': "Mist coolant enabled",
	'C': "CoreXY enabled",
	'P': "Parking motion enabled",
	'Z': "Homing force origin enabled",
	'H': "Homing single axis enabled",
	'T': "Two limit switches on axis enabled",
	'A': "Allow feed rate overrides in probe cycles",
	'D': "Use spindle direction as enable pin",
	'L': "Homing locate cycle",
	'S': "Spindle enable pin as spindle direction pin",
}

// versionProbes are the version queries sent, in order, when a firmware
// stays silent after the port opens.
var versionProbes = []string{"$I", "M115", "version", "INVARIANCE_VER"}

func lookup(t Type) (*entry, bool) {
	for i := range registry {
		if registry[i].typ == t {
			return &registry[i], true
		}
	}

	return nil, false
}

// Types returns the registered firmware types in detection order.
func Types() []Type {
	types := make([]Type, 0, len(registry))
	for _, e := range registry {
		types = append(types, e.typ)
	}

	return types
}

// PatternNames returns the names of the detection patterns of t, in order.
func PatternNames(t Type) []PatternName {
	e, ok := lookup(t)
	if !ok {
		return nil
	}

	names := make([]PatternName, 0, len(e.patterns))
	for _, p := range e.patterns {
		names = append(names, p.name)
	}

	return names
}

// Profile returns the command profile of t. ok is false for types without
// a registry entry.
func Profile(t Type) (CommandProfile, bool) {
	e, ok := lookup(t)
	if !ok {
		return CommandProfile{}, false
	}

	return cloneProfile(e.profile), true
}

// DefaultProfile returns the profile used while the firmware is Unknown.
func DefaultProfile() CommandProfile {
	return cloneProfile(defaultProfile)
}

// ProfileOrDefault returns the profile of t, or the default profile.
func ProfileOrDefault(t Type) CommandProfile {
	if p, ok := Profile(t); ok {
		return p
	}

	return DefaultProfile()
}

// InitializationSequence returns the init commands of t; empty for types
// without a registry entry.
func InitializationSequence(t Type) []string {
	p, ok := Profile(t)
	if !ok {
		return []string{}
	}

	return p.Initialization
}

// SuggestConnectionSettings returns the suggested serial settings of t, or
// 115200 baud, 2s timeout, "\n", no echo and no flow control.
func SuggestConnectionSettings(t Type) ConnectionSettings {
	if e, ok := lookup(t); ok {
		return e.settings
	}

	return defaultSettings
}

// DocumentationURL returns the documentation URL of t, or "".
func DocumentationURL(t Type) string {
	if e, ok := lookup(t); ok {
		return e.docURL
	}

	return ""
}

// CapabilityDescription returns the description of a GRBL option code.
func CapabilityDescription(code rune) (string, bool) {
	desc, ok := grblCapabilities[code]
	return desc, ok
}

// VersionProbes returns the version queries used for active detection.
func VersionProbes() []string {
	return append([]string(nil), versionProbes...)
}

func cloneProfile(p CommandProfile) CommandProfile {
	p.Initialization = append([]string(nil), p.Initialization...)
	return p
}
