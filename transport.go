package usbtmc

import "time"

// Transport is the narrow interface the engine needs from a USB stack. The
// production implementation wraps a claimed libusb interface; tests supply a
// scripted mock. Endpoint addresses come from the InterfaceInfo captured at
// open time.
//
// Transfer methods must return ErrTimeout (possibly wrapped) when the
// transfer did not complete within the timeout, so the engine can start
// abort recovery.
type Transport interface {
	// ControlTransfer performs one control transfer. For device-to-host
	// requests (bit 7 of requestType set) data receives the response; the
	// returned count is the number of bytes transferred.
	ControlTransfer(requestType, request byte, value, index uint16, data []byte, timeout time.Duration) (int, error)

	// BulkTransfer performs one bulk transfer on the given endpoint. The
	// direction follows bit 7 of the endpoint address.
	BulkTransfer(endpoint byte, data []byte, timeout time.Duration) (int, error)

	// InterruptTransfer performs one interrupt-in transfer.
	InterruptTransfer(endpoint byte, data []byte, timeout time.Duration) (int, error)

	// ClearHalt clears the halt/stall condition on an endpoint.
	ClearHalt(endpoint byte) error

	ClaimInterface(number uint8) error
	ReleaseInterface(number uint8) error

	// Reset performs a USB device reset.
	Reset() error

	Close() error
}

// DeviceInfo identifies an opened device, as read from its descriptors.
type DeviceInfo struct {
	VendorID     uint16
	ProductID    uint16
	Revision     string // bcdDevice, formatted as e.g. "1.02"
	Manufacturer string
	Product      string
	SerialNumber string
	Bus          uint8
	Address      uint8
}

// InterfaceInfo locates the USBTMC interface (class 0xFE, subclass 0x03) and
// its endpoints. InterruptIn is zero when the interface has no interrupt-in
// endpoint.
type InterfaceInfo struct {
	Number          uint8
	Protocol        uint8 // 0: USBTMC, 1: USB488
	BulkIn          byte
	BulkOut         byte
	InterruptIn     byte
	BulkInMaxPacket int
}

// usb488 reports whether the interface speaks the USB488 sub-protocol.
func (i InterfaceInfo) usb488() bool { return i.Protocol == 1 }
