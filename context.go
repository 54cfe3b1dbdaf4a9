package usbtmc

import (
	"fmt"
	"os"
	"sync"

	"github.com/gotmc/libusb"
)

// The libusb context is initialized once per process and torn down when the
// last handle closes. The mutex guards init/teardown only; transfers never
// touch it.
var usbContext struct {
	mu   sync.Mutex
	ctx  *libusb.Context
	refs int
}

func acquireContext() (*libusb.Context, error) {
	usbContext.mu.Lock()
	defer usbContext.mu.Unlock()

	if usbContext.refs == 0 {
		ctx, err := libusb.Init()
		if err != nil {
			if path := os.Getenv("LIBUSB_LIBRARY_PATH"); path != "" {
				return nil, fmt.Errorf("libusb init failed (LIBUSB_LIBRARY_PATH=%q): %w", path, err)
			}
			return nil, fmt.Errorf("libusb init failed; set LIBUSB_LIBRARY_PATH if libusb-1.0 lives outside the default search path: %w", err)
		}
		usbContext.ctx = ctx
	}
	usbContext.refs++
	return usbContext.ctx, nil
}

func releaseContext() {
	usbContext.mu.Lock()
	defer usbContext.mu.Unlock()

	if usbContext.refs == 0 {
		return
	}
	usbContext.refs--
	if usbContext.refs == 0 {
		usbContext.ctx.Exit()
		usbContext.ctx = nil
	}
}
