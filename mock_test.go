package usbtmc

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// mockTransport is a scripted device behind the Transport interface. Tests
// override the on* fields to shape device behavior; everything the host
// sends is recorded.
type mockTransport struct {
	t  *testing.T
	mu sync.Mutex

	onControl     func(req byte, value uint16, data []byte) (int, error)
	onBulkOut     func(data []byte) (int, error)
	onBulkIn      func(buf []byte) (int, error)
	onInterruptIn func(buf []byte) (int, error)

	outs       [][]byte // recorded bulk-out transfers
	inQueue    [][]byte // scripted bulk-in transfers
	controls   []controlCall
	clearHalts []byte
	claims     int
	releases   int
	resets     int
	closed     bool
}

type controlCall struct {
	requestType byte
	request     byte
	value       uint16
	index       uint16
	length      int
}

func newMockTransport(t *testing.T) *mockTransport {
	return &mockTransport{t: t}
}

func (m *mockTransport) ControlTransfer(requestType, request byte, value, index uint16, data []byte, timeout time.Duration) (int, error) {
	m.mu.Lock()
	m.controls = append(m.controls, controlCall{requestType, request, value, index, len(data)})
	handler := m.onControl
	m.mu.Unlock()

	if handler != nil {
		return handler(request, value, data)
	}
	return m.defaultControl(request, value, data)
}

func (m *mockTransport) defaultControl(request byte, value uint16, data []byte) (int, error) {
	switch controlRequest(request) {
	case reqGetCapabilities:
		return copy(data, capsFixture()), nil
	case reqInitiateAbortBulkOut, reqInitiateAbortBulkIn:
		data[0] = byte(statusSuccess)
		data[1] = byte(value)
		return 2, nil
	case reqCheckAbortBulkOutStatus, reqCheckAbortBulkInStatus:
		data[0] = byte(statusSuccess)
		return len(data), nil
	case reqInitiateClear, reqIndicatorPulse, reqRENControl, reqGoToLocal, reqLocalLockout:
		data[0] = byte(statusSuccess)
		return 1, nil
	case reqCheckClearStatus:
		data[0] = byte(statusSuccess)
		data[1] = 0
		return 2, nil
	case reqReadStatusByte:
		data[0] = byte(statusSuccess)
		data[1] = byte(value)
		data[2] = 0x42
		return 3, nil
	}
	return 0, fmt.Errorf("unexpected control request %d", request)
}

func (m *mockTransport) BulkTransfer(endpoint byte, data []byte, timeout time.Duration) (int, error) {
	if endpoint&endpointDirIn != 0 {
		m.mu.Lock()
		handler := m.onBulkIn
		m.mu.Unlock()
		if handler != nil {
			return handler(data)
		}
		return m.popIn(data)
	}

	m.mu.Lock()
	rec := make([]byte, len(data))
	copy(rec, data)
	m.outs = append(m.outs, rec)
	handler := m.onBulkOut
	m.mu.Unlock()

	if handler != nil {
		return handler(data)
	}
	return len(data), nil
}

func (m *mockTransport) popIn(buf []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.inQueue) == 0 {
		return 0, fmt.Errorf("%w: device did not respond", ErrTimeout)
	}
	item := m.inQueue[0]
	m.inQueue = m.inQueue[1:]
	return copy(buf, item), nil
}

func (m *mockTransport) queueIn(transfers ...[]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inQueue = append(m.inQueue, transfers...)
}

func (m *mockTransport) InterruptTransfer(endpoint byte, data []byte, timeout time.Duration) (int, error) {
	m.mu.Lock()
	handler := m.onInterruptIn
	m.mu.Unlock()
	if handler != nil {
		return handler(data)
	}
	return 0, fmt.Errorf("unexpected interrupt transfer on 0x%02x", endpoint)
}

func (m *mockTransport) ClearHalt(endpoint byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearHalts = append(m.clearHalts, endpoint)
	return nil
}

func (m *mockTransport) ClaimInterface(number uint8) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.claims++
	return nil
}

func (m *mockTransport) ReleaseInterface(number uint8) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releases++
	return nil
}

func (m *mockTransport) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets++
	return nil
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// controlRequests returns the recorded bRequest values, for sequencing
// assertions.
func (m *mockTransport) controlRequests() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	reqs := make([]byte, 0, len(m.controls))
	for _, c := range m.controls {
		reqs = append(reqs, c.request)
	}
	return reqs
}

func (m *mockTransport) countControl(req controlRequest) int {
	n := 0
	for _, r := range m.controlRequests() {
		if controlRequest(r) == req {
			n++
		}
	}
	return n
}

// outMessages filters recorded bulk-out transfers by MsgID.
func (m *mockTransport) outMessages(id msgID) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	var match [][]byte
	for _, out := range m.outs {
		if len(out) >= headerSize && msgID(out[0]) == id {
			match = append(match, out)
		}
	}
	return match
}

// capsFixture is a USB488-capable GET_CAPABILITIES response: USBTMC 1.0 with
// indicator pulse and TermChar support, USB488 1.0 with 488.2, remote-local,
// trigger, SCPI, SR1, RL1 and DT1.
func capsFixture() []byte {
	resp := make([]byte, capabilitiesResponseSize)
	resp[0] = byte(statusSuccess)
	resp[2] = 0x00
	resp[3] = 0x01
	resp[4] = 0x04
	resp[5] = 0x01
	resp[12] = 0x00
	resp[13] = 0x01
	resp[14] = 0x07
	resp[15] = 0x0f
	return resp
}

var testInfo = DeviceInfo{
	VendorID:     0x1ab1,
	ProductID:    0x04ce,
	Revision:     "1.02",
	Manufacturer: "Mock Instruments",
	Product:      "MI-100",
	SerialNumber: "MI100-0001",
	Bus:          1,
	Address:      4,
}

var testIface = InterfaceInfo{
	Number:          0,
	Protocol:        1,
	BulkIn:          0x82,
	BulkOut:         0x01,
	InterruptIn:     0x83,
	BulkInMaxPacket: 64,
}

// newTestDevice opens a handle on the mock with a quiet open (no clear, no
// REN) and a short timeout, so failure paths stay fast.
func newTestDevice(t *testing.T, m *mockTransport, opts ...Option) *Device {
	t.Helper()
	q := DefaultQuirks()
	q.OpenPolicy = 0
	base := []Option{WithQuirks(q), WithTimeout(100 * time.Millisecond)}
	d, err := NewDevice(m, testInfo, testIface, append(base, opts...)...)
	require.NoError(t, err)
	return d
}

// devDepMsgIn builds a DEV_DEP_MSG_IN transfer the way a compliant device
// would: header, payload, zero padding to 4 bytes.
func devDepMsgIn(tag uint8, payload []byte, eom bool) []byte {
	h := bulkHeader{ID: msgDevDepIn, Tag: tag, TransferSize: uint32(len(payload))}
	if eom {
		h.Attributes = attrEOM
	}
	hdr := h.encode()
	buf := append([]byte{}, hdr[:]...)
	buf = append(buf, payload...)
	return append(buf, make([]byte, padLength(len(payload), bulkAlignment))...)
}
