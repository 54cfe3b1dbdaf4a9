// Package usbtmc is a user-space driver for USB Test & Measurement Class
// instruments, including the USB488 sub-class used by SCPI-capable devices.
//
// The package frames messages into USBTMC bulk transfers, sequences the
// request/response transactions, runs the class-specific control requests
// (abort, clear, capabilities, status byte, remote/local), and tolerates a
// catalogue of known device quirks. USB I/O goes through libusb-1.0; a
// narrow Transport interface keeps the engine testable against a mock
// device.
//
// Typical use:
//
//	dev, err := usbtmc.Open(usbtmc.ByVIDPID(0x1ab1, 0x0588))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer dev.Close()
//
//	idn, err := dev.Query([]byte("*IDN?\n"), 4096)
package usbtmc
