package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRLY08ConnectSwitchesAllOff(t *testing.T) {
	port := rly08Emulator(rlyModuleID)
	r, err := newRLY08(port, "/dev/ttyUSB0")
	require.NoError(t, err)

	assert.Equal(t, []byte{rlyGetVersion, rlyAllOff}, port.writes())
	assert.Equal(t, 3, r.Version())
	assert.Equal(t, "USB-RLY08 firmware v3 at /dev/ttyUSB0", r.Describe())
	assert.Equal(t, make([]bool, RLY08Channels), r.States())
}

func TestRLY08WrongModuleID(t *testing.T) {
	_, err := newRLY08(rly08Emulator(9), "/dev/ttyUSB0")
	require.Error(t, err)
	assert.Equal(t, ClassProtocol, ClassOf(err))
}

func TestRLY08SilentDevice(t *testing.T) {
	_, err := newRLY08(&fakePort{}, "/dev/ttyUSB0")
	require.Error(t, err)
	assert.Equal(t, ClassProtocol, ClassOf(err))
}

func TestRLY08ChannelCommands(t *testing.T) {
	port := rly08Emulator(rlyModuleID)
	r, err := newRLY08(port, "/dev/ttyUSB0")
	require.NoError(t, err)

	require.NoError(t, r.SetChannel(1, true))
	require.NoError(t, r.SetChannel(8, true))
	require.NoError(t, r.SetChannel(1, false))

	states, err := r.ReadStates()
	require.NoError(t, err)
	assert.Equal(t, []bool{false, false, false, false, false, false, false, true}, states)

	err = r.SetChannel(9, true)
	require.Error(t, err)

	require.NoError(t, r.Close())
	w := port.writes()
	assert.Equal(t, []byte{101, 108, 111, rlyGetStates, rlyAllOff}, w[2:])
	assert.True(t, port.closed)
}

func TestRLY08WriteFailureIsIOError(t *testing.T) {
	port := rly08Emulator(rlyModuleID)
	r, err := newRLY08(port, "/dev/ttyUSB0")
	require.NoError(t, err)
	port.writeErr = assert.AnError

	err = r.SetChannel(2, true)
	require.Error(t, err)
	assert.Equal(t, ClassIO, ClassOf(err))
	assert.False(t, r.States()[1])
}

func TestConnectRelayMissingPath(t *testing.T) {
	_, err := ConnectRelay("/dev/gatehw-missing-relay", 0, NewClaims())
	require.Error(t, err)
	assert.Equal(t, ClassNotFound, ClassOf(err))
}
