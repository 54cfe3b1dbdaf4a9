package usbtmc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Status byte via the control response.
func TestReadSTBViaControl(t *testing.T) {
	m := newMockTransport(t)
	d := newTestDevice(t, m)

	stb, err := d.ReadSTB()
	require.NoError(t, err)
	assert.Equal(t, byte(0x42), stb)

	// The RSB bTag rides in wValue, range 2..127, echoed by the device.
	var call controlCall
	for _, c := range m.controls {
		if controlRequest(c.request) == reqReadStatusByte {
			call = c
		}
	}
	assert.GreaterOrEqual(t, call.value, uint16(2))
	assert.LessOrEqual(t, call.value, uint16(127))
}

// Status byte via the interrupt-in endpoint: the notification carries the
// bTag with the top bit set, then the STB.
func TestReadSTBViaInterrupt(t *testing.T) {
	q := DefaultQuirks()
	q.OpenPolicy = 0
	q.StatusByteVia = StatusByteInterrupt

	m := newMockTransport(t)
	var lastTag byte
	m.onControl = func(req byte, value uint16, data []byte) (int, error) {
		if controlRequest(req) == reqReadStatusByte {
			lastTag = byte(value)
		}
		return m.defaultControl(req, value, data)
	}
	m.onInterruptIn = func(buf []byte) (int, error) {
		buf[0] = 0x80 | lastTag
		buf[1] = 0x55
		return 2, nil
	}
	d := newTestDevice(t, m, WithQuirks(q))

	stb, err := d.ReadSTB()
	require.NoError(t, err)
	assert.Equal(t, byte(0x55), stb)
}

// With read_status_byte_via=both the two values must agree.
func TestReadSTBBothAgree(t *testing.T) {
	q := DefaultQuirks()
	q.OpenPolicy = 0
	q.StatusByteVia = StatusByteBoth

	m := newMockTransport(t)
	var lastTag byte
	m.onControl = func(req byte, value uint16, data []byte) (int, error) {
		if controlRequest(req) == reqReadStatusByte {
			lastTag = byte(value)
		}
		return m.defaultControl(req, value, data)
	}
	m.onInterruptIn = func(buf []byte) (int, error) {
		buf[0] = 0x80 | lastTag
		buf[1] = 0x42 // agrees with the control response
		return 2, nil
	}
	d := newTestDevice(t, m, WithQuirks(q))

	stb, err := d.ReadSTB()
	require.NoError(t, err)
	assert.Equal(t, byte(0x42), stb)
}

func TestReadSTBBothDisagree(t *testing.T) {
	q := DefaultQuirks()
	q.OpenPolicy = 0
	q.StatusByteVia = StatusByteBoth

	m := newMockTransport(t)
	var lastTag byte
	m.onControl = func(req byte, value uint16, data []byte) (int, error) {
		if controlRequest(req) == reqReadStatusByte {
			lastTag = byte(value)
		}
		return m.defaultControl(req, value, data)
	}
	m.onInterruptIn = func(buf []byte) (int, error) {
		buf[0] = 0x80 | lastTag
		buf[1] = 0x13
		return 2, nil
	}
	d := newTestDevice(t, m, WithQuirks(q))

	_, err := d.ReadSTB()
	require.ErrorIs(t, err, ErrProtocol)
}

// Selecting the interrupt mechanism on an interface without an interrupt-in
// endpoint is unsupported.
func TestReadSTBInterruptWithoutEndpoint(t *testing.T) {
	q := DefaultQuirks()
	q.OpenPolicy = 0
	q.StatusByteVia = StatusByteInterrupt

	iface := testIface
	iface.InterruptIn = 0

	m := newMockTransport(t)
	d, err := NewDevice(m, testInfo, iface, WithQuirks(q), WithTimeout(100*time.Millisecond))
	require.NoError(t, err)

	_, err = d.ReadSTB()
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestReadSTBBadTagEcho(t *testing.T) {
	m := newMockTransport(t)
	m.onControl = func(req byte, value uint16, data []byte) (int, error) {
		if controlRequest(req) == reqReadStatusByte {
			data[0] = byte(statusSuccess)
			data[1] = byte(value) + 1 // wrong echo
			data[2] = 0x42
			return 3, nil
		}
		return m.defaultControl(req, value, data)
	}
	d := newTestDevice(t, m)

	_, err := d.ReadSTB()
	require.ErrorIs(t, err, ErrProtocol)
}

// PENDING responses are re-polled with backoff until the device reports a
// final status.
func TestPollStatusBackoff(t *testing.T) {
	m := newMockTransport(t)
	pending := 3
	m.onControl = func(req byte, value uint16, data []byte) (int, error) {
		if controlRequest(req) == reqCheckClearStatus {
			if pending > 0 {
				pending--
				data[0] = byte(statusPending)
				data[1] = 0
				return 2, nil
			}
			data[0] = byte(statusSuccess)
			data[1] = 0
			return 2, nil
		}
		return m.defaultControl(req, value, data)
	}
	d := newTestDevice(t, m)

	require.NoError(t, d.Clear())
	assert.Equal(t, 4, m.countControl(reqCheckClearStatus))
	assert.Equal(t, StateIdle, d.State())
}

// A device stuck in PENDING is bounded at ten times the I/O timeout, then
// surfaces DeviceStatusFailed.
func TestClearStuckPending(t *testing.T) {
	m := newMockTransport(t)
	m.onControl = func(req byte, value uint16, data []byte) (int, error) {
		if controlRequest(req) == reqCheckClearStatus {
			data[0] = byte(statusPending)
			data[1] = 0
			return 2, nil
		}
		return m.defaultControl(req, value, data)
	}
	d := newTestDevice(t, m, WithTimeout(20*time.Millisecond))

	err := d.Clear()
	require.ErrorIs(t, err, ErrStatusFailed)
	assert.Equal(t, StateHalted, d.State())
}

// While CHECK_CLEAR_STATUS reports PENDING with bmClear.D0 set, the host
// drains the bulk-in endpoint until a short packet.
func TestClearDrainsPendingData(t *testing.T) {
	m := newMockTransport(t)
	first := true
	m.onControl = func(req byte, value uint16, data []byte) (int, error) {
		if controlRequest(req) == reqCheckClearStatus {
			if first {
				first = false
				data[0] = byte(statusPending)
				data[1] = 0x01
				return 2, nil
			}
			data[0] = byte(statusSuccess)
			data[1] = 0
			return 2, nil
		}
		return m.defaultControl(req, value, data)
	}
	// One full packet, then a short one ends the drain.
	m.queueIn(make([]byte, testIface.BulkInMaxPacket), make([]byte, 3))
	d := newTestDevice(t, m)

	require.NoError(t, d.Clear())
	m.mu.Lock()
	assert.Empty(t, m.inQueue)
	m.mu.Unlock()
}

func TestIndicatorPulse(t *testing.T) {
	m := newMockTransport(t)
	d := newTestDevice(t, m)

	require.NoError(t, d.IndicatorPulse())
	assert.Equal(t, 1, m.countControl(reqIndicatorPulse))
}

func TestIndicatorPulseUnsupported(t *testing.T) {
	m := newMockTransport(t)
	m.onControl = func(req byte, value uint16, data []byte) (int, error) {
		if controlRequest(req) == reqGetCapabilities {
			resp := capsFixture()
			resp[4] = 0x00 // no indicator pulse
			return copy(data, resp), nil
		}
		return m.defaultControl(req, value, data)
	}
	d := newTestDevice(t, m)

	err := d.IndicatorPulse()
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestRemoteLocalLockout(t *testing.T) {
	m := newMockTransport(t)
	d := newTestDevice(t, m)

	require.NoError(t, d.Remote())
	require.NoError(t, d.Local())
	require.NoError(t, d.Lock())
	require.NoError(t, d.Unlock())

	assert.Equal(t, 2, m.countControl(reqRENControl))
	assert.Equal(t, 1, m.countControl(reqGoToLocal))
	assert.Equal(t, 1, m.countControl(reqLocalLockout))

	// REN_CONTROL wValue: 1 to assert, 0 to drop.
	var renValues []uint16
	for _, c := range m.controls {
		if controlRequest(c.request) == reqRENControl {
			renValues = append(renValues, c.value)
		}
	}
	assert.Equal(t, []uint16{1, 0}, renValues)
}

// Control requests that report FAILED surface as DeviceStatusFailed with
// the request named.
func TestControlStatusFailed(t *testing.T) {
	m := newMockTransport(t)
	m.onControl = func(req byte, value uint16, data []byte) (int, error) {
		if controlRequest(req) == reqGoToLocal {
			data[0] = byte(statusFailed)
			return 1, nil
		}
		return m.defaultControl(req, value, data)
	}
	d := newTestDevice(t, m)

	err := d.Local()
	require.ErrorIs(t, err, ErrStatusFailed)
	var serr *StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, reqGoToLocal, serr.Request)
	assert.Equal(t, statusFailed, serr.Status)
}

// USB488 operations are rejected on a plain USBTMC interface.
func TestUSB488RequiresProtocol(t *testing.T) {
	iface := testIface
	iface.Protocol = 0

	m := newMockTransport(t)
	q := DefaultQuirks()
	q.OpenPolicy = 0
	d, err := NewDevice(m, testInfo, iface, WithQuirks(q), WithTimeout(100*time.Millisecond))
	require.NoError(t, err)

	require.ErrorIs(t, d.Trigger(), ErrUnsupported)
	_, err = d.ReadSTB()
	require.ErrorIs(t, err, ErrUnsupported)
}
