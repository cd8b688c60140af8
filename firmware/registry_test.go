package firmware

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTypes(t *testing.T) {
	require := require.New(t)

	require.Equal([]Type{GRBL, Marlin, Smoothieware, Repetier, Invariance}, Types())
	for _, typ := range Types() {
		require.True(typ.IsKnown())
		require.NotEmpty(PatternNames(typ))
		require.Contains(PatternNames(typ), PatternVersion)
		require.NotEmpty(DocumentationURL(typ))
	}
	require.False(Unknown.IsKnown())
	require.Empty(PatternNames(Unknown))
	require.Empty(DocumentationURL(Unknown))
}

func TestParseType(t *testing.T) {
	require := require.New(t)

	for _, typ := range append(Types(), Unknown) {
		got, err := ParseType(typ.String())
		require.NoError(err)
		require.Equal(typ, got)
	}

	got, err := ParseType("marlin")
	require.NoError(err)
	require.Equal(Marlin, got)

	_, err = ParseType("klipper")
	require.ErrorIs(err, ErrUnknownType)
}

func TestProfile(t *testing.T) {
	require := require.New(t)

	p, ok := Profile(GRBL)
	require.True(ok)
	require.Equal("?", p.StatusQuery)
	require.Equal("$H", p.HomeCommand)
	require.Equal("\x18", p.ResetCommand)
	require.True(p.HasUnlock())

	p, ok = Profile(Marlin)
	require.True(ok)
	require.Equal("M114", p.StatusQuery)
	require.False(p.HasUnlock())

	_, ok = Profile(Unknown)
	require.False(ok)

	def := ProfileOrDefault(Unknown)
	require.Equal("?", def.PositionQuery)
	require.Equal("$I", def.VersionQuery)
	require.Empty(def.Initialization)

	// returned profiles are copies
	p, _ = Profile(GRBL)
	p.Initialization[0] = "M0"
	require.Equal([]string{"$X", "G21", "G90", "G94"}, InitializationSequence(GRBL))
}

func TestInitializationSequence(t *testing.T) {
	require := require.New(t)

	require.Equal([]string{"M115", "G21", "G90", "M82"}, InitializationSequence(Marlin))
	require.NotNil(InitializationSequence(Unknown))
	require.Empty(InitializationSequence(Unknown))
}

func TestSuggestConnectionSettings(t *testing.T) {
	require := require.New(t)

	s := SuggestConnectionSettings(Marlin)
	require.Equal(250000, s.BaudRate)
	require.True(s.Echo)

	s = SuggestConnectionSettings(Invariance)
	require.True(s.FlowControl)
	require.Equal(5*time.Second, s.ReadTimeout)

	s = SuggestConnectionSettings(Unknown)
	require.Equal(ConnectionSettings{BaudRate: 115200, ReadTimeout: 2 * time.Second, LineEnding: "\n"}, s)
}

func TestCapabilityDescription(t *testing.T) {
	require := require.New(t)

	for _, code := range "VNMCPZHTADLS" {
		desc, ok := CapabilityDescription(code)
		require.True(ok, string(code))
		require.NotEmpty(desc)
	}

	_, ok := CapabilityDescription('Q')
	require.False(ok)
}
