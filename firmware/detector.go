package firmware

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/arloliu/go-cncserial/logger"
)

const logTextLimit = 100

// DetectType returns the first registered firmware type with any pattern
// matching text, or Unknown.
func DetectType(text string) Type {
	if e := detect(text); e != nil {
		logger.Debug("firmware detected", "type", e.typ.String())
		return e.typ
	}

	logger.Debug("unknown firmware response", "text", truncate(text, logTextLimit))

	return Unknown
}

// IsSupported returns true if text identifies a registered firmware.
func IsSupported(text string) bool {
	return detect(text) != nil
}

// ValidateResponse returns true if text identifies the expected firmware.
func ValidateResponse(text string, expected Type) bool {
	return DetectType(text) == expected
}

// Confidence returns the fraction of the detected firmware's patterns that
// match text, in [0, 1]. It is 0 when the firmware is Unknown.
func Confidence(text string) float64 {
	e := detect(text)
	if e == nil || len(e.patterns) == 0 {
		return 0
	}

	matched := 0
	for _, p := range e.patterns {
		if p.re.MatchString(text) {
			matched++
		}
	}

	return float64(matched) / float64(len(e.patterns))
}

// ExtractInfo detects the firmware of text and extracts all metadata its
// patterns capture. Unknown text yields an Info tagged Unknown with an
// empty version.
//
// ExtractInfo has no side effects; Session.Extract records the result.
func ExtractInfo(text string) Info {
	e := detect(text)
	if e == nil {
		return Info{Type: Unknown, Name: Unknown.String()}
	}

	info := Info{
		Type:    e.typ,
		Name:    e.typ.String(),
		Version: "Unknown",
	}

	for _, p := range e.patterns {
		m := p.re.FindStringSubmatch(text)
		if len(m) < 2 {
			continue
		}
		value := strings.TrimSpace(m[1])

		switch p.name {
		case PatternVersion:
			info.Version = value
		case PatternBuildDate:
			info.BuildDate = value
		case PatternProtocol:
			info.ProtocolVersion = value
		case PatternMachineType:
			info.MachineType = value
		case PatternBuildInfo:
			info.BuildInfo = value
		case PatternBuffer:
			if n, err := strconv.Atoi(value); err == nil {
				info.BufferSize = n
			}
		case PatternMaxFeed:
			if n, err := strconv.Atoi(value); err == nil {
				info.MaxFeedRate = n
			}
		case PatternCapabilities:
			info.Capabilities = parseCapabilities(e.typ, value)
		}
	}

	return info
}

func detect(text string) *entry {
	for i := range registry {
		for _, p := range registry[i].patterns {
			if p.re.MatchString(text) {
				return &registry[i]
			}
		}
	}

	return nil
}

// parseCapabilities translates GRBL option letters; other firmwares keep
// the raw captured string as the only entry.
func parseCapabilities(t Type, raw string) []string {
	if raw == "" {
		return nil
	}
	if t != GRBL {
		return []string{raw}
	}

	caps := make([]string, 0, len(raw))
	for _, code := range raw {
		if code == ',' || unicode.IsSpace(code) {
			continue
		}
		if desc, ok := grblCapabilities[code]; ok {
			caps = append(caps, desc)
		} else {
			caps = append(caps, "Unknown capability: "+string(code))
		}
	}

	return caps
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}

	return string(r[:n])
}
