package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMask(t *testing.T) {
	assert.Equal(t, "***", Mask(""))
	assert.Equal(t, "***", Mask("ABCDEFGH"))
	assert.Equal(t, "RSSM***501U", Mask("RSSMRA80A01H501U"))
	assert.Equal(t, "0412***9A0B", Mask("04125C3FA0B1C29A0B"))
}

func TestMaskHidesAtLeastHalf(t *testing.T) {
	uid := "04A1B2C3D4E5F60718"
	for n := 1; n <= len(uid); n++ {
		id := uid[:n]
		shown := len(Mask(id)) - len(maskFill)
		assert.LessOrEqual(t, 2*shown, n, "identifier of %d characters shows %d", n, shown)
	}
	assert.Equal(t, "***", Mask("04125C3FA0B1"))
	assert.Equal(t, "***", Mask("04125C3FA0B1C2"))
}

func TestCardStringIsMasked(t *testing.T) {
	c := Card{Identifier: "RSSMRA80A01H501U"}
	assert.Equal(t, "RSSM***501U", c.String())
	assert.NotContains(t, c.Masked(), "MRA80A01H")
}

func TestFiscalCodeCheck(t *testing.T) {
	assert.Equal(t, byte('U'), FiscalCodeCheck("RSSMRA80A01H501U"))
	assert.True(t, ValidFiscalCode("RSSMRA80A01H501U", true))
	assert.True(t, ValidFiscalCode("RSSMRA80A01H501Z", false))
	assert.False(t, ValidFiscalCode("RSSMRA80A01H501Z", true))
	assert.False(t, ValidFiscalCode("RSSMRA80A01H50", false))
	assert.False(t, ValidFiscalCode("AAAAAA00A00A000A", false))
}

func TestDecodeABA(t *testing.T) {
	cf, ok := DecodeABA("28292923281108001100011805000131")
	require.True(t, ok)
	assert.Equal(t, "RSSMRA80A01H501U", cf)

	_, ok = DecodeABA("2829")
	assert.False(t, ok)
	_, ok = DecodeABA("28292923281108001100011805000199")
	assert.False(t, ok)
}

func TestExtractIdentifier(t *testing.T) {
	cases := []struct {
		name   string
		data   string
		strict bool
		want   string
		ok     bool
	}{
		{name: "track1 text", data: "%B1234^RSSMRA80A01H501U^?", want: "RSSMRA80A01H501U", ok: true},
		{name: "lowercase", data: "  rssmra80a01h501u\r\n", want: "RSSMRA80A01H501U", ok: true},
		{name: "aba digits", data: "28292923281108001100011805000131", want: "RSSMRA80A01H501U", ok: true},
		{name: "strict rejects bad check", data: "RSSMRA80A01H501Z", strict: true},
		{name: "loose accepts bad check", data: "RSSMRA80A01H501Z", want: "RSSMRA80A01H501Z", ok: true},
		{name: "empty", data: "   "},
		{name: "noise", data: "NOTAFISCALCODE"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ExtractIdentifier(tc.data, tc.strict)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestClassOf(t *testing.T) {
	assert.Equal(t, ClassTimeout, ClassOf(ErrNoCard))
	assert.Equal(t, ClassBusy, ClassOf(newError(ClassBusy, "open", "/dev/x", assert.AnError)))
	assert.Equal(t, ClassIO, ClassOf(assert.AnError))

	err := newError(ClassNotFound, "open", "/dev/missing", assert.AnError)
	assert.Equal(t, "open /dev/missing: "+assert.AnError.Error(), err.Message())
	assert.ErrorIs(t, err, assert.AnError)
}

func TestUSBIDAndFamily(t *testing.T) {
	id, ok := USBID("usb:23D8:0285")
	require.True(t, ok)
	assert.Equal(t, CRT285ID, id)
	_, ok = USBID("/dev/ttyUSB0")
	assert.False(t, ok)

	assert.Equal(t, FamilyUSB, FamilyFor("usb:23d8:0285", ""))
	assert.Equal(t, FamilySerial, FamilyFor("usb:076b:5427", "/dev/ttyACM0"))
	assert.Equal(t, FamilySim, FamilyFor("sim", ""))
	assert.Equal(t, FamilyUSB, FamilyFor("", "/dev/bus/usb/001/004"))
	assert.Equal(t, FamilySerial, FamilyFor("", "/dev/ttyACM0"))
}
