package usbtmc

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// controlRequest enumerates the class-specific control requests of the
// USBTMC protocol and the USB488 sub-protocol.
type controlRequest byte

const (
	reqInitiateAbortBulkOut    controlRequest = 1
	reqCheckAbortBulkOutStatus controlRequest = 2
	reqInitiateAbortBulkIn     controlRequest = 3
	reqCheckAbortBulkInStatus  controlRequest = 4
	reqInitiateClear           controlRequest = 5
	reqCheckClearStatus        controlRequest = 6
	reqGetCapabilities         controlRequest = 7
	reqIndicatorPulse          controlRequest = 64

	// USB488 sub-protocol requests.
	reqReadStatusByte controlRequest = 128
	reqRENControl     controlRequest = 160
	reqGoToLocal      controlRequest = 161
	reqLocalLockout   controlRequest = 162
)

func (r controlRequest) String() string {
	switch r {
	case reqInitiateAbortBulkOut:
		return "INITIATE_ABORT_BULK_OUT"
	case reqCheckAbortBulkOutStatus:
		return "CHECK_ABORT_BULK_OUT_STATUS"
	case reqInitiateAbortBulkIn:
		return "INITIATE_ABORT_BULK_IN"
	case reqCheckAbortBulkInStatus:
		return "CHECK_ABORT_BULK_IN_STATUS"
	case reqInitiateClear:
		return "INITIATE_CLEAR"
	case reqCheckClearStatus:
		return "CHECK_CLEAR_STATUS"
	case reqGetCapabilities:
		return "GET_CAPABILITIES"
	case reqIndicatorPulse:
		return "INDICATOR_PULSE"
	case reqReadStatusByte:
		return "READ_STATUS_BYTE"
	case reqRENControl:
		return "REN_CONTROL"
	case reqGoToLocal:
		return "GO_TO_LOCAL"
	case reqLocalLockout:
		return "LOCAL_LOCKOUT"
	}
	return fmt.Sprintf("control request %d", byte(r))
}

// controlStatus is the USBTMC_status byte leading every control response.
type controlStatus byte

const (
	statusSuccess               controlStatus = 0x01
	statusPending               controlStatus = 0x02
	statusInterruptInBusy       controlStatus = 0x20
	statusFailed                controlStatus = 0x80
	statusTransferNotInProgress controlStatus = 0x81
	statusSplitNotInProgress    controlStatus = 0x82
	statusSplitInProgress       controlStatus = 0x83
)

func (s controlStatus) String() string {
	switch s {
	case statusSuccess:
		return "SUCCESS"
	case statusPending:
		return "PENDING"
	case statusInterruptInBusy:
		return "INTERRUPT_IN_BUSY"
	case statusFailed:
		return "FAILED"
	case statusTransferNotInProgress:
		return "TRANSFER_NOT_IN_PROGRESS"
	case statusSplitNotInProgress:
		return "SPLIT_NOT_IN_PROGRESS"
	case statusSplitInProgress:
		return "SPLIT_IN_PROGRESS"
	}
	return fmt.Sprintf("status 0x%02x", byte(s))
}

// bmRequestType for class-specific, device-to-host, interface-directed
// requests.
const requestTypeClassInterfaceIn byte = 0xa1

// Status polling backs off exponentially from 1ms, capped at 100ms.
const (
	pollInitialDelay = time.Millisecond
	pollMaxDelay     = 100 * time.Millisecond
)

// controlIn issues one class-specific control request and returns the
// response payload. The response must be exactly length bytes.
func (d *Device) controlIn(req controlRequest, wValue uint16, length int) ([]byte, error) {
	buf := make([]byte, length)
	n, err := d.tr.ControlTransfer(requestTypeClassInterfaceIn, byte(req), wValue, uint16(d.iface.Number), buf, d.ioTimeout())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", req, err)
	}
	if n < length {
		return nil, protocolErrorf(nil, "%s: short response (%d of %d bytes)", req, n, length)
	}
	d.log.Debug("control request",
		zap.Stringer("request", req),
		zap.Uint16("wValue", wValue),
		zap.String("status", controlStatus(buf[0]).String()))
	return buf[:n], nil
}

// controlExpectSuccess issues a request whose only acceptable status is
// SUCCESS.
func (d *Device) controlExpectSuccess(req controlRequest, wValue uint16, length int) ([]byte, error) {
	resp, err := d.controlIn(req, wValue, length)
	if err != nil {
		return nil, err
	}
	if status := controlStatus(resp[0]); status != statusSuccess {
		return nil, &StatusError{Request: req, Status: status}
	}
	return resp, nil
}

// pollStatus re-runs check until it stops reporting PENDING or the budget
// runs out, in which case PENDING is returned and the caller decides.
func (d *Device) pollStatus(budget time.Duration, check func() (controlStatus, error)) (controlStatus, error) {
	deadline := d.clk.Now().Add(budget)
	delay := pollInitialDelay
	for {
		status, err := check()
		if err != nil {
			return 0, err
		}
		if status != statusPending {
			return status, nil
		}
		if d.clk.Now().Add(delay).After(deadline) {
			return statusPending, nil
		}
		d.clk.Sleep(delay)
		if delay *= 2; delay > pollMaxDelay {
			delay = pollMaxDelay
		}
	}
}

func (d *Device) getCapabilities() (Capabilities, error) {
	resp, err := d.controlExpectSuccess(reqGetCapabilities, 0, capabilitiesResponseSize)
	if err != nil {
		return Capabilities{}, err
	}
	return parseCapabilities(resp)
}

func (d *Device) initiateAbortBulkOut(tag uint8) (controlStatus, error) {
	resp, err := d.controlIn(reqInitiateAbortBulkOut, uint16(tag), 2)
	if err != nil {
		return 0, err
	}
	return controlStatus(resp[0]), nil
}

func (d *Device) checkAbortBulkOutStatus() (controlStatus, error) {
	resp, err := d.controlIn(reqCheckAbortBulkOutStatus, 0, 8)
	if err != nil {
		return 0, err
	}
	return controlStatus(resp[0]), nil
}

func (d *Device) initiateAbortBulkIn(tag uint8) (controlStatus, error) {
	resp, err := d.controlIn(reqInitiateAbortBulkIn, uint16(tag), 2)
	if err != nil {
		return 0, err
	}
	return controlStatus(resp[0]), nil
}

func (d *Device) checkAbortBulkInStatus() (controlStatus, error) {
	resp, err := d.controlIn(reqCheckAbortBulkInStatus, 0, 8)
	if err != nil {
		return 0, err
	}
	return controlStatus(resp[0]), nil
}

func (d *Device) initiateClear() (controlStatus, error) {
	resp, err := d.controlIn(reqInitiateClear, 0, 1)
	if err != nil {
		return 0, err
	}
	return controlStatus(resp[0]), nil
}

// checkClearStatus returns the status byte and the bmClear bitmap. When the
// status is PENDING and bmClear.D0 is set, the device wants the host to
// drain the bulk-in endpoint before asking again.
func (d *Device) checkClearStatus() (controlStatus, byte, error) {
	resp, err := d.controlIn(reqCheckClearStatus, 0, 2)
	if err != nil {
		return 0, 0, err
	}
	return controlStatus(resp[0]), resp[1], nil
}

func (d *Device) indicatorPulse() error {
	_, err := d.controlExpectSuccess(reqIndicatorPulse, 0, 1)
	return err
}

func (d *Device) renControl(enable bool) error {
	var v uint16
	if enable {
		v = 1
	}
	_, err := d.controlExpectSuccess(reqRENControl, v, 1)
	return err
}

func (d *Device) goToLocal() error {
	_, err := d.controlExpectSuccess(reqGoToLocal, 0, 1)
	return err
}

func (d *Device) localLockout() error {
	_, err := d.controlExpectSuccess(reqLocalLockout, 0, 1)
	return err
}

// readStatusByte reads the USB488 status byte through the mechanism the
// quirks record selects. The READ_STATUS_BYTE request carries its own bTag
// (range 2..127) which the device must echo.
func (d *Device) readStatusByte() (byte, error) {
	via := d.quirks.StatusByteVia
	if (via == StatusByteInterrupt || via == StatusByteBoth) && d.iface.InterruptIn == 0 {
		if via == StatusByteInterrupt {
			return 0, fmt.Errorf("status byte via interrupt-in: %w: interface has no interrupt-in endpoint", ErrUnsupported)
		}
		via = StatusByteControl
	}

	tag := d.rsb.next()
	resp, err := d.controlExpectSuccess(reqReadStatusByte, uint16(tag), 3)
	if err != nil {
		return 0, err
	}
	if resp[1] != tag {
		return 0, protocolErrorf(nil, "READ_STATUS_BYTE echoed bTag 0x%02x, want 0x%02x", resp[1], tag)
	}
	fromControl := resp[2]
	if via == StatusByteControl {
		return fromControl, nil
	}

	// The device delivers the status byte as a two-byte notification on the
	// interrupt-in endpoint: bTag with the top bit set, then the STB.
	buf := make([]byte, 2)
	n, err := d.tr.InterruptTransfer(d.iface.InterruptIn, buf, d.ioTimeout())
	if err != nil {
		return 0, fmt.Errorf("status byte notification: %w", err)
	}
	if n < 2 {
		return 0, protocolErrorf(nil, "status byte notification too short (%d bytes)", n)
	}
	if buf[0] != 0x80|tag {
		return 0, protocolErrorf(nil, "status byte notification carries bTag 0x%02x, want 0x%02x", buf[0], 0x80|tag)
	}
	fromInterrupt := buf[1]

	if via == StatusByteBoth && fromControl != fromInterrupt {
		return 0, protocolErrorf(nil, "status byte mismatch: control 0x%02x, interrupt 0x%02x", fromControl, fromInterrupt)
	}
	return fromInterrupt, nil
}
