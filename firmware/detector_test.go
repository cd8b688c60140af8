package firmware

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	grblWelcome = "Grbl 1.1f ['$' for help]"
	grblBuild   = "[VER:1.1f.20170801:]\n[OPT:VL,15,128]\nok"
	marlinM115  = "FIRMWARE_NAME:Marlin 2.1.2.1 (Jun 10 2023 12:00:00) SOURCE_CODE_URL:github.com/MarlinFirmware/Marlin " +
		"PROTOCOL_VERSION:1.0 MACHINE_TYPE:Ender-3 V2 EXTRUDER_COUNT:1 UUID:cede2a2f-41a2-4748-9b12-c55c62f367ff"
	marlinCaps = "\nCap:SERIAL_XON_XOFF:0\nCap:EEPROM:1"
	smoothie   = "Build version: edge-94de12c, Build date: Oct 28 2014 13:24:47, MCU: LPC1769, System Clock: 120MHz"
	repetier   = "FIRMWARE_NAME:Repetier_1.0.3 COMPILED:Jan 20 2019 FIRMWARE_URL:https://github.com/repetier/Repetier-Firmware/ " +
		"PROTOCOL_VERSION:1.0 MACHINE_TYPE:Mendel EXTRUDER_COUNT:1 REPETIER_PROTOCOL:3"
	invariance = "INVARIANCE_CNC 2.3.1\nINVARIANCE_BUILD:2024-03-01 rev42\nINVARIANCE_CAP:PROBE,ATC\nINVARIANCE_BUF:256\nINVARIANCE_MAXFEED:6000"
)

func TestDetectType(t *testing.T) {
	tests := []struct {
		name string
		text string
		want Type
	}{
		{"grbl welcome", grblWelcome, GRBL},
		{"grbl 0.9 welcome", "Grbl 0.9j ['$' for help]", GRBL},
		{"grbl build info only", grblBuild, GRBL},
		{"marlin", marlinM115, Marlin},
		{"marlin legacy", "FIRMWARE_NAME:Marlin V1; Sprinter/grbl mashup for gen6 FIRMWARE_URL:http://www.mendel-parts.com", Marlin},
		{"smoothieware", smoothie, Smoothieware},
		{"smoothie version line", "Smoothie version 1.0", Smoothieware},
		{"repetier", repetier, Repetier},
		{"invariance", invariance, Invariance},
		{"embedded in noise", "echo: start\n" + grblWelcome + "\n", GRBL},
		{"lowercase grbl", "grbl 1.1f ['$' for help]", Unknown},
		{"plain text", "hello world", Unknown},
		{"foreign build date", "echo: Build date: Jan  1 2024", Unknown},
		{"empty", "", Unknown},
		{"ok line", "ok", Unknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require := require.New(t)

			first := DetectType(tt.text)
			require.Equal(tt.want, first)
			require.Equal(first, DetectType(tt.text), "detection must be idempotent")
			require.Equal(tt.want != Unknown, IsSupported(tt.text))
			require.True(ValidateResponse(tt.text, tt.want))
		})
	}
}

func TestConfidence(t *testing.T) {
	tests := []struct {
		name string
		text string
		want float64
	}{
		{"unknown", "hello world", 0},
		{"empty", "", 0},
		{"grbl welcome only", grblWelcome, 0.4},
		{"grbl build info only", grblBuild, 0.6},
		{"grbl full", grblWelcome + "\n" + grblBuild, 1},
		{"marlin without caps", marlinM115, 0.8},
		{"marlin with caps", marlinM115 + marlinCaps, 1},
		{"smoothieware", smoothie, 1},
		{"repetier", repetier, 1},
		{"invariance", invariance, 1},
		{"invariance version only", "INVARIANCE CNC 1.0", 0.2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conf := Confidence(tt.text)
			assert.InDelta(t, tt.want, conf, 1e-9)
			assert.GreaterOrEqual(t, conf, 0.0)
			assert.LessOrEqual(t, conf, 1.0)
		})
	}
}

func TestExtractInfo_GRBL(t *testing.T) {
	require := require.New(t)

	info := ExtractInfo(grblWelcome)
	require.Equal(GRBL, info.Type)
	require.Equal("GRBL", info.Name)
	require.Equal("1.1f", info.Version)
	require.Empty(info.Capabilities)
	require.Zero(info.BufferSize)

	info = ExtractInfo(grblBuild)
	require.Equal(GRBL, info.Type)
	require.Equal("Unknown", info.Version, "version pattern did not match")
	require.Equal("1.1f.20170801", info.BuildInfo)
	require.Equal([]string{"Variable spindle enabled", "Homing locate cycle"}, info.Capabilities)
	require.Equal(128, info.BufferSize)

	info = ExtractInfo("[VER:1.1h.20190825:]\n[OPT:V,Q,N,15,254]")
	require.Equal([]string{"Variable spindle enabled", "Unknown capability: Q", "Line numbers enabled"}, info.Capabilities)
	require.Equal(254, info.BufferSize)
}

func TestExtractInfo_OtherFirmware(t *testing.T) {
	t.Run("marlin", func(t *testing.T) {
		require := require.New(t)

		info := ExtractInfo(marlinM115 + marlinCaps)
		require.Equal(Marlin, info.Type)
		require.Equal("2.1.2.1", info.Version)
		require.Equal("Jun 10 2023 12:00:00", info.BuildDate)
		require.Equal("1.0", info.ProtocolVersion)
		require.Equal("Ender-3 V2", info.MachineType)
		require.Equal([]string{"Cap:SERIAL_XON_XOFF:0\nCap:EEPROM:1"}, info.Capabilities)
	})

	t.Run("smoothieware", func(t *testing.T) {
		require := require.New(t)

		info := ExtractInfo(smoothie)
		require.Equal(Smoothieware, info.Type)
		require.Equal("edge-94de12c", info.Version)
		require.Equal("Oct 28 2014 13:24:47", info.BuildDate)
		require.Equal("LPC1769", info.MachineType)
		require.Empty(info.ProtocolVersion)
	})

	t.Run("repetier", func(t *testing.T) {
		require := require.New(t)

		info := ExtractInfo(repetier)
		require.Equal(Repetier, info.Type)
		require.Equal("1.0.3", info.Version)
		require.Equal("Jan 20 2019", info.BuildDate)
		require.Equal("1.0", info.ProtocolVersion)
		require.Equal("Mendel", info.MachineType)
		require.Equal([]string{"REPETIER_PROTOCOL:3"}, info.Capabilities)
	})

	t.Run("invariance", func(t *testing.T) {
		require := require.New(t)

		info := ExtractInfo(invariance)
		require.Equal(Invariance, info.Type)
		require.Equal("2.3.1", info.Version)
		require.Equal("2024-03-01 rev42", info.BuildInfo)
		require.Equal([]string{"PROBE,ATC"}, info.Capabilities)
		require.Equal(256, info.BufferSize)
		require.Equal(6000, info.MaxFeedRate)
	})

	t.Run("unknown", func(t *testing.T) {
		require := require.New(t)

		info := ExtractInfo("garbage")
		require.Equal(Unknown, info.Type)
		require.Empty(info.Version)
		require.Empty(info.Capabilities)
	})
}

func TestInfo_Format(t *testing.T) {
	require := require.New(t)

	out := ExtractInfo(grblWelcome + "\n" + grblBuild).Format()
	require.Contains(out, "Firmware: GRBL v1.1f")
	require.Contains(out, "Buffer Size: 128 bytes")
	require.Contains(out, "Capabilities: Variable spindle enabled, Homing locate cycle")
	require.Contains(out, "Build Info: 1.1f.20170801")
	require.NotContains(out, "Build Date")
}
