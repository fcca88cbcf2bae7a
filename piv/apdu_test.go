package piv

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCommandBytesShortForm(t *testing.T) {
	cmd := Command{CLA: 0x00, INS: 0xA4, P1: 0x04, P2: 0x00, Data: []byte{0x01, 0x02, 0x03}, Le: 256}
	got := cmd.Bytes()
	require.Equal(t, []byte{0x00, 0xA4, 0x04, 0x00, 0x03, 0x01, 0x02, 0x03, 0x00}, got)
}

func TestCommandBytesNoDataNoLe(t *testing.T) {
	cmd := Command{CLA: 0x00, INS: 0x20, P1: 0x00, P2: 0x80}
	require.Equal(t, []byte{0x00, 0x20, 0x00, 0x80}, cmd.Bytes())
}

func TestCommandBytesExtendedForm(t *testing.T) {
	data := make([]byte, 300)
	for i := range data {
		data[i] = byte(i)
	}
	cmd := Command{CLA: 0x00, INS: 0xDB, P1: 0x3F, P2: 0xFF, Data: data, Le: 65536}
	got := cmd.Bytes()

	require.Equal(t, byte(0x00), got[4])
	require.Equal(t, byte(300>>8), got[5])
	require.Equal(t, byte(300), got[6])
	require.Equal(t, data, got[7:7+300])
	require.Equal(t, []byte{0x00, 0x00}, got[len(got)-2:])
}

func TestSplitResponse(t *testing.T) {
	body, sw, err := SplitResponse([]byte{0x01, 0x02, 0x90, 0x00})
	require.NoError(t, err)
	require.Equal(t, []byte{0x01, 0x02}, body)
	require.Equal(t, uint16(0x9000), sw)
}

func TestSplitResponseTooShort(t *testing.T) {
	_, _, err := SplitResponse([]byte{0x00})
	require.Error(t, err)
}

func TestClassifySW(t *testing.T) {
	cases := []struct {
		sw   uint16
		want swFamily
	}{
		{0x9000, swOK},
		{0x6105, swBytesRemaining},
		{0x6282, swWarningEOF},
		{0x6C04, swWrongLength},
		{0x6982, swSecurityNotSatisfied},
		{0x63C2, swPINIncorrect},
		{0x6A82, swNotFound},
		{0x6F00, swOther},
	}
	for _, c := range cases {
		require.Equal(t, c.want, classifySW(c.sw), "sw=%04X", c.sw)
	}
}

func TestPinRetriesLeft(t *testing.T) {
	require.Equal(t, 2, pinRetriesLeft(0x63C2))
	require.Equal(t, 0, pinRetriesLeft(0x63C0))
}
