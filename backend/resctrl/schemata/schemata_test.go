package schemata

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeParseRoundTrip(t *testing.T) {
	tbl := NewTable()
	tbl.Masks[LabelL3] = map[int]uint64{0: 0xff, 1: 0x0f}
	tbl.MB = map[int]uint32{0: 100, 1: 30}

	encoded := Encode(tbl)

	got, err := Parse(strings.NewReader(encoded))
	require.NoError(t, err)
	require.Equal(t, tbl, got)
}

func TestEncodeCDP(t *testing.T) {
	tbl := NewTable()
	tbl.Masks[LabelL3CODE] = map[int]uint64{0: 0xf0}
	tbl.Masks[LabelL3DATA] = map[int]uint64{0: 0x0f}

	encoded := Encode(tbl)
	require.Contains(t, encoded, "L3CODE:0=f0\n")
	require.Contains(t, encoded, "L3DATA:0=f\n")

	got, err := Parse(strings.NewReader(encoded))
	require.NoError(t, err)
	require.Equal(t, tbl, got)
}

func TestParseTolerantOfWhitespaceAndUnknownLabels(t *testing.T) {
	input := "  L3:0=ff;1=0f\n\nUNKNOWNLABEL:0=1\nMB:0=100\n"

	got, err := Parse(strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, map[int]uint64{0: 0xff, 1: 0x0f}, got.Masks[LabelL3])
	require.Equal(t, map[int]uint32{0: 100}, got.MB)
}

func TestParseMalformedEntry(t *testing.T) {
	_, err := Parse(strings.NewReader("L3:0-ff\n"))
	require.Error(t, err)
}

func TestParseMissingSeparator(t *testing.T) {
	_, err := Parse(strings.NewReader("garbage line\n"))
	require.Error(t, err)
	var parseErr *ErrParse
	require.ErrorAs(t, err, &parseErr)
}

func TestParseInvalidMask(t *testing.T) {
	_, err := Parse(strings.NewReader("L3:0=zz\n"))
	require.Error(t, err)
}

func TestParseInvalidMBValue(t *testing.T) {
	_, err := Parse(strings.NewReader("MB:0=notanumber\n"))
	require.Error(t, err)
}
