package response

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/arloliu/go-cncserial/firmware"
)

var (
	errorRe    = regexp.MustCompile(`(?:^|\W)(error|Error|ERROR|ALARM|!!)[:\s]*(.*)`)
	positionRe = regexp.MustCompile(`X:\s*([+-]?\d+\.?\d*)\s*Y:\s*([+-]?\d+\.?\d*)\s*Z:\s*([+-]?\d+\.?\d*)`)
)

var axisNames = []string{"X", "Y", "Z", "A", "B", "C"}

// Parse classifies line with the current time as receipt time.
func Parse(line string) *Response {
	return ParseAt(line, time.Now())
}

// ParseAt classifies line with the given receipt time.
func ParseAt(line string, at time.Time) *Response {
	resp := &Response{
		Kind:       KindUnknown,
		Raw:        strings.TrimRight(line, "\r\n"),
		ReceivedAt: at,
	}

	text := strings.TrimSpace(line)
	switch {
	case text == "":
		return resp
	case isOK(text):
		resp.Kind = KindOK
	case parseError(resp, text):
		resp.Kind = KindError
	case strings.HasPrefix(text, "<"):
		resp.Kind = KindStatus
		parseStatus(resp, text)
	case firmware.IsSupported(text):
		resp.Kind = KindFirmwareBanner
		resp.Firmware = firmware.DetectType(text)
	default:
		resp.Kind = KindData
		parsePosition(resp, text)
	}

	return resp
}

func isOK(text string) bool {
	for _, marker := range []string{"ok", "OK"} {
		if text == marker {
			return true
		}
		if rest, found := strings.CutPrefix(text, marker); found && (rest[0] == ' ' || rest[0] == '\t') {
			return true
		}
	}

	return false
}

func parseError(resp *Response, text string) bool {
	m := errorRe.FindStringSubmatch(text)
	if m == nil {
		return false
	}

	resp.ErrorType = m[1]
	resp.ErrorMessage = strings.TrimSpace(m[2])

	return true
}

// parseStatus handles both the GRBL 1.1 "<Idle|MPos:1,2,3|FS:0,0>" frame and
// the GRBL 0.9 "<Idle,MPos:1,2,3,WPos:1,2,3>" frame.
func parseStatus(resp *Response, text string) {
	body := strings.TrimPrefix(text, "<")
	body = strings.TrimSuffix(body, ">")

	resp.Fields = make(map[string]string)

	var state string
	if strings.Contains(body, "|") {
		parts := strings.Split(body, "|")
		state = parts[0]
		for _, part := range parts[1:] {
			key, value, ok := strings.Cut(part, ":")
			if !ok {
				resp.Fields[part] = ""
				continue
			}
			resp.Fields[key] = value
		}
	} else {
		tokens := strings.Split(body, ",")
		state = tokens[0]
		key := ""
		for _, tok := range tokens[1:] {
			if k, v, ok := strings.Cut(tok, ":"); ok {
				key = k
				resp.Fields[key] = v
			} else if key != "" {
				resp.Fields[key] += "," + tok
			}
		}
	}

	// "Hold:0", "Door:1"
	if name, sub, ok := strings.Cut(state, ":"); ok {
		state = name
		resp.Fields["SubState"] = sub
	}
	resp.State = state

	if pos, ok := resp.Fields["WPos"]; ok {
		resp.Axes = parseAxes(pos)
	} else if pos, ok := resp.Fields["MPos"]; ok {
		resp.Axes = parseAxes(pos)
	}
}

func parseAxes(csv string) map[string]float64 {
	values := strings.Split(csv, ",")
	axes := make(map[string]float64, len(values))
	for i, v := range values {
		if i >= len(axisNames) {
			break
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			continue
		}
		axes[axisNames[i]] = f
	}

	if len(axes) == 0 {
		return nil
	}

	return axes
}

// parsePosition fills Axes from an "X:.. Y:.. Z:.." position report.
func parsePosition(resp *Response, text string) {
	m := positionRe.FindStringSubmatch(text)
	if m == nil {
		return
	}

	axes := make(map[string]float64, 3)
	for i, name := range axisNames[:3] {
		if f, err := strconv.ParseFloat(m[i+1], 64); err == nil {
			axes[name] = f
		}
	}
	resp.Axes = axes
}
