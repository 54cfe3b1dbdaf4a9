package usbtmc

import (
	"fmt"
	"strings"
	"time"

	"github.com/gotmc/libusb"
)

// USBTMC interfaces are application-specific class 0xFE, subclass 0x03.
const (
	usbClassApplicationSpecific = 0xfe
	usbSubclassUSBTMC           = 0x03

	endpointDirIn         = 0x80
	endpointTypeMask      = 0x03
	endpointTypeBulk      = 0x02
	endpointTypeInterrupt = 0x03
)

// libusbTransport adapts one opened libusb device handle to the Transport
// interface. It holds a reference on the process-wide libusb context for its
// lifetime.
type libusbTransport struct {
	handle *libusb.DeviceHandle
}

func (t *libusbTransport) ControlTransfer(requestType, request byte, value, index uint16, data []byte, timeout time.Duration) (int, error) {
	n, err := t.handle.ControlTransfer(requestType, request, value, index, data, len(data), timeoutMS(timeout))
	return n, mapLibusbError(err)
}

func (t *libusbTransport) BulkTransfer(endpoint byte, data []byte, timeout time.Duration) (int, error) {
	n, err := t.handle.BulkTransfer(endpoint, data, len(data), timeoutMS(timeout))
	return n, mapLibusbError(err)
}

func (t *libusbTransport) InterruptTransfer(endpoint byte, data []byte, timeout time.Duration) (int, error) {
	n, err := t.handle.InterruptTransfer(endpoint, data, len(data), timeoutMS(timeout))
	return n, mapLibusbError(err)
}

func (t *libusbTransport) ClearHalt(endpoint byte) error {
	return mapLibusbError(t.handle.ClearHalt(endpoint))
}

func (t *libusbTransport) ClaimInterface(number uint8) error {
	return mapLibusbError(t.handle.ClaimInterface(int(number)))
}

func (t *libusbTransport) ReleaseInterface(number uint8) error {
	return mapLibusbError(t.handle.ReleaseInterface(int(number)))
}

func (t *libusbTransport) Reset() error {
	return mapLibusbError(t.handle.ResetDevice())
}

func (t *libusbTransport) Close() error {
	err := t.handle.Close()
	releaseContext()
	return mapLibusbError(err)
}

func timeoutMS(d time.Duration) int {
	ms := int(d.Milliseconds())
	if ms < 1 {
		ms = 1
	}
	return ms
}

// mapLibusbError folds libusb's error strings onto the package error kinds
// the engine dispatches on.
func mapLibusbError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"):
		return fmt.Errorf("%w: %s", ErrTimeout, err)
	case strings.Contains(msg, "access"), strings.Contains(msg, "permission"):
		return fmt.Errorf("%w: %s", ErrAccessDenied, err)
	case strings.Contains(msg, "no device"), strings.Contains(msg, "not found"):
		return fmt.Errorf("%w: %s", ErrNotFound, err)
	}
	return err
}

type listedDevice struct {
	info   DeviceInfo
	iface  InterfaceInfo
	hasTMC bool
	dev    *libusb.Device
}

// findDevices walks the bus and returns every device whose descriptors can
// be read, noting which of them expose a USBTMC interface.
func findDevices(ctx *libusb.Context) ([]listedDevice, error) {
	devs, err := ctx.GetDeviceList()
	if err != nil {
		return nil, fmt.Errorf("device list: %w", mapLibusbError(err))
	}

	var found []listedDevice
	for _, dev := range devs {
		desc, err := dev.GetDeviceDescriptor()
		if err != nil {
			continue
		}
		info := DeviceInfo{
			VendorID:  desc.VendorID,
			ProductID: desc.ProductID,
			Revision:  bcdString(desc.DeviceReleaseNumber),
			Bus:       uint8(dev.GetBusNumber()),
			Address:   uint8(dev.GetDeviceAddress()),
		}
		entry := listedDevice{info: info, dev: dev}
		if cfg, err := dev.GetActiveConfigDescriptor(); err == nil {
			entry.iface, entry.hasTMC = findInterface(cfg)
		}
		found = append(found, entry)
	}
	return found, nil
}

// findInterface locates the USBTMC interface and its endpoints in an active
// configuration descriptor.
func findInterface(cfg *libusb.ConfigDescriptor) (InterfaceInfo, bool) {
	for _, supported := range cfg.SupportedInterfaces {
		for _, alt := range supported.InterfaceDescriptors {
			if alt.InterfaceClass != usbClassApplicationSpecific ||
				alt.InterfaceSubClass != usbSubclassUSBTMC {
				continue
			}

			info := InterfaceInfo{
				Number:   uint8(alt.InterfaceNumber),
				Protocol: uint8(alt.InterfaceProtocol),
			}
			for _, ep := range alt.EndpointDescriptors {
				addr := byte(ep.EndpointAddress)
				switch ep.Attributes & endpointTypeMask {
				case endpointTypeBulk:
					if addr&endpointDirIn != 0 {
						info.BulkIn = addr
						info.BulkInMaxPacket = int(ep.MaxPacketSize)
					} else {
						info.BulkOut = addr
					}
				case endpointTypeInterrupt:
					if addr&endpointDirIn != 0 {
						info.InterruptIn = addr
					}
				}
			}
			if info.BulkIn != 0 && info.BulkOut != 0 {
				return info, true
			}
		}
	}
	return InterfaceInfo{}, false
}

// openDevice opens the first device matching the selector and returns a
// claimed-ready transport plus the descriptors captured along the way.
func openDevice(sel Selector) (Transport, DeviceInfo, InterfaceInfo, error) {
	ctx, err := acquireContext()
	if err != nil {
		return nil, DeviceInfo{}, InterfaceInfo{}, err
	}

	candidates, err := findDevices(ctx)
	if err != nil {
		releaseContext()
		return nil, DeviceInfo{}, InterfaceInfo{}, err
	}

	var lastErr error
	for _, cand := range candidates {
		if !preOpenMatch(sel, cand.info) {
			continue
		}
		if !cand.hasTMC {
			// Only a selector that names this device specifically turns a
			// missing USBTMC interface into an error; broad selectors just
			// keep scanning.
			if sel.hasIDs || sel.Bus >= 0 {
				lastErr = fmt.Errorf("%w: %04x:%04x", ErrNotUSBTMC, cand.info.VendorID, cand.info.ProductID)
			}
			continue
		}
		handle, err := cand.dev.Open()
		if err != nil {
			lastErr = mapLibusbError(err)
			continue
		}

		info := cand.info
		readDeviceStrings(handle, cand.dev, &info)

		if !sel.matches(info) {
			handle.Close()
			continue
		}
		return &libusbTransport{handle: handle}, info, cand.iface, nil
	}

	releaseContext()
	if lastErr != nil {
		return nil, DeviceInfo{}, InterfaceInfo{}, lastErr
	}
	return nil, DeviceInfo{}, InterfaceInfo{}, fmt.Errorf("%w: %s", ErrNotFound, sel)
}

// preOpenMatch applies the selector constraints that are known without
// opening the device, so we only open candidates that could match.
func preOpenMatch(sel Selector, info DeviceInfo) bool {
	probe := sel
	probe.Serial = ""
	return probe.matches(info)
}

func readDeviceStrings(handle *libusb.DeviceHandle, dev *libusb.Device, info *DeviceInfo) {
	desc, err := dev.GetDeviceDescriptor()
	if err != nil {
		return
	}
	if s, err := handle.GetStringDescriptorASCII(desc.ManufacturerIndex); err == nil {
		info.Manufacturer = s
	}
	if s, err := handle.GetStringDescriptorASCII(desc.ProductIndex); err == nil {
		info.Product = s
	}
	if s, err := handle.GetStringDescriptorASCII(desc.SerialNumberIndex); err == nil {
		info.SerialNumber = s
	}
}

// ListDevices enumerates USBTMC-capable devices. String descriptors are
// filled in best-effort: devices the OS refuses to open are still listed,
// with empty strings.
func ListDevices() ([]DeviceInfo, error) {
	ctx, err := acquireContext()
	if err != nil {
		return nil, err
	}
	defer releaseContext()

	found, err := findDevices(ctx)
	if err != nil {
		return nil, err
	}

	infos := make([]DeviceInfo, 0, len(found))
	for _, cand := range found {
		if !cand.hasTMC {
			continue
		}
		info := cand.info
		if handle, err := cand.dev.Open(); err == nil {
			readDeviceStrings(handle, cand.dev, &info)
			_ = handle.Close()
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// bcdString formats a BCD-coded bcdDevice revision like 0x0102 as "1.02".
func bcdString(v uint16) string {
	return fmt.Sprintf("%x.%02x", v>>8, v&0xff)
}
