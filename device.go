package usbtmc

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// State of a device handle. The handle reflects the last successful protocol
// action; a protocol violation parks it in StateHalted until a clear
// succeeds.
type State int

const (
	StateClosed State = iota
	StateIdle
	StateWriting
	StateReading
	StateAborting
	StateClearing
	StateHalted
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateIdle:
		return "idle"
	case StateWriting:
		return "writing"
	case StateReading:
		return "reading"
	case StateAborting:
		return "aborting"
	case StateClearing:
		return "clearing"
	case StateHalted:
		return "halted"
	}
	return fmt.Sprintf("state %d", int(s))
}

const defaultTimeout = 2 * time.Second

// Device is an opened USBTMC interface. All operations on one handle are
// strictly serialised by an exclusive lock; operations on distinct handles
// are independent.
type Device struct {
	tr       Transport
	info     DeviceInfo
	iface    InterfaceInfo
	caps     Capabilities
	quirks   Quirks
	haveQ    bool
	registry *Registry

	log *zap.Logger
	clk clock.Clock

	// ops is the device mutex: held for the duration of any operation that
	// touches the bulk endpoints or the bTag counter. Acquisition never
	// blocks; a second concurrent operation is rejected with ErrBusy.
	ops *semaphore.Weighted

	// mu serialises access to state and timeout against concurrent readers
	// while an operation runs.
	mu      sync.Mutex
	state   State
	timeout time.Duration

	btag tagCounter
	rsb  rsbCounter
}

// Option configures a handle at open time.
type Option func(*Device)

// WithLogger attaches a structured logger; the default discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(d *Device) { d.log = log }
}

// WithTimeout sets the initial logical I/O timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Device) { d.timeout = timeout }
}

// WithClock substitutes the clock used for deadlines and settle delays.
func WithClock(clk clock.Clock) Option {
	return func(d *Device) { d.clk = clk }
}

// WithQuirks bypasses the registry and forces a quirks record.
func WithQuirks(q Quirks) Option {
	return func(d *Device) {
		d.quirks = q
		d.haveQ = true
	}
}

// WithRegistry resolves quirks from a private registry instead of
// DefaultRegistry.
func WithRegistry(r *Registry) Option {
	return func(d *Device) { d.registry = r }
}

// Open finds the device matching the selector, claims its USBTMC interface
// and prepares it for I/O per the device's quirks record.
func Open(sel Selector, opts ...Option) (*Device, error) {
	tr, info, iface, err := openDevice(sel)
	if err != nil {
		return nil, err
	}
	d, err := NewDevice(tr, info, iface, opts...)
	if err != nil {
		tr.Close()
		return nil, err
	}
	return d, nil
}

// NewDevice builds a handle on an already-opened transport. This is the open
// path behind Open; it is exported so custom transports can be driven
// through the same engine.
func NewDevice(tr Transport, info DeviceInfo, iface InterfaceInfo, opts ...Option) (*Device, error) {
	d := &Device{
		tr:      tr,
		info:    info,
		iface:   iface,
		log:     zap.NewNop(),
		clk:     clock.New(),
		ops:     semaphore.NewWeighted(1),
		timeout: defaultTimeout,
		state:   StateClosed,
	}
	for _, opt := range opts {
		opt(d)
	}
	if !d.haveQ {
		registry := d.registry
		if registry == nil {
			registry = DefaultRegistry
		}
		d.quirks = registry.lookup(info.VendorID, info.ProductID, info.Revision)
	}
	if d.quirks.StripStringNULs {
		d.info.Manufacturer = strings.TrimRight(d.info.Manufacturer, "\x00")
		d.info.Product = strings.TrimRight(d.info.Product, "\x00")
		d.info.SerialNumber = strings.TrimRight(d.info.SerialNumber, "\x00")
	}

	if _, err := d.runHook(d.quirks.Hooks.PreOpen, nil); err != nil {
		return nil, err
	}

	if err := d.tr.ClaimInterface(d.iface.Number); err != nil {
		return nil, fmt.Errorf("claim interface %d: %w", d.iface.Number, err)
	}

	d.state = StateIdle
	if err := d.initialize(); err != nil {
		d.tr.ReleaseInterface(d.iface.Number)
		d.state = StateClosed
		return nil, err
	}

	if _, err := d.runHook(d.quirks.Hooks.PostOpen, nil); err != nil {
		d.tr.ReleaseInterface(d.iface.Number)
		d.state = StateClosed
		return nil, err
	}

	d.log.Debug("device open",
		zap.String("device", fmt.Sprintf("%04x:%04x", info.VendorID, info.ProductID)),
		zap.String("serial", d.info.SerialNumber),
		zap.Uint8("interface", iface.Number))
	return d, nil
}

// initialize reads capabilities and applies the open-time reset policy.
func (d *Device) initialize() error {
	caps, err := d.getCapabilities()
	if err != nil {
		if !d.quirks.IgnoreCapabilities {
			return fmt.Errorf("get capabilities: %w", err)
		}
	} else {
		d.caps = caps
	}
	d.caps.Unreliable = d.quirks.IgnoreCapabilities

	if d.quirks.OpenPolicy&OpenClearInterface != 0 {
		if err := d.clearInterface(false); err != nil {
			return fmt.Errorf("clear at open: %w", err)
		}
		d.setState(StateIdle)
	}
	if d.quirks.OpenPolicy&OpenGotoRemote != 0 {
		if err := d.renControl(true); err != nil {
			return fmt.Errorf("remote enable at open: %w", err)
		}
	}
	return nil
}

// Close releases the interface and the transport. Closing a closed handle is
// a no-op.
func (d *Device) Close() error {
	if !d.ops.TryAcquire(1) {
		return ErrBusy
	}
	defer d.ops.Release(1)

	d.mu.Lock()
	if d.state == StateClosed {
		d.mu.Unlock()
		return nil
	}
	halted := d.state == StateHalted
	d.state = StateClosed
	d.mu.Unlock()

	var errs error
	if halted {
		// Leave a wedged device in a usable state for the next open.
		errs = multierr.Append(errs, d.tr.Reset())
	}
	errs = multierr.Append(errs, d.tr.ReleaseInterface(d.iface.Number))
	return multierr.Append(errs, d.tr.Close())
}

// begin takes the device mutex and moves the handle into an operation state.
// Clearing may begin from StateHalted; everything else requires StateIdle.
func (d *Device) begin(next State) error {
	if !d.ops.TryAcquire(1) {
		return ErrBusy
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.state {
	case StateClosed:
		d.ops.Release(1)
		return ErrClosed
	case StateHalted:
		if next != StateClearing {
			d.ops.Release(1)
			return ErrHalted
		}
	}
	d.state = next
	return nil
}

// end returns the handle to idle unless the operation halted or closed it.
func (d *Device) end() {
	d.mu.Lock()
	if d.state != StateHalted && d.state != StateClosed {
		d.state = StateIdle
	}
	d.mu.Unlock()
	d.ops.Release(1)
}

func (d *Device) setState(s State) {
	d.mu.Lock()
	if d.state != StateClosed {
		d.state = s
	}
	d.mu.Unlock()
}

func (d *Device) halt() {
	d.mu.Lock()
	if d.state != StateClosed {
		d.state = StateHalted
	}
	d.mu.Unlock()
	d.log.Warn("interface halted; clear required")
}

// State reports the handle's current state.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Info returns the descriptors captured at open time.
func (d *Device) Info() DeviceInfo { return d.info }

// Capabilities returns the GET_CAPABILITIES record read at open time.
func (d *Device) Capabilities() Capabilities { return d.caps }

// SetTimeout sets the logical I/O timeout applied to subsequent operations.
func (d *Device) SetTimeout(timeout time.Duration) {
	d.mu.Lock()
	d.timeout = timeout
	d.mu.Unlock()
}

// Timeout reports the current logical I/O timeout.
func (d *Device) Timeout() time.Duration { return d.ioTimeout() }

func (d *Device) ioTimeout() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timeout
}

// Write sends one complete message (EOM set on the final segment).
func (d *Device) Write(data []byte) (int, error) {
	return d.WriteContext(context.Background(), data)
}

// WriteContext is Write with caller cancellation, honoured at segment
// boundaries.
func (d *Device) WriteContext(ctx context.Context, data []byte) (int, error) {
	if err := d.begin(StateWriting); err != nil {
		return 0, err
	}
	defer d.end()
	return d.writeMessage(ctx, data, true)
}

// Read reads one message, up to maxBytes. The returned bytes include any
// termination character the device sent.
func (d *Device) Read(maxBytes int) ([]byte, error) {
	data, _, err := d.ReadContext(context.Background(), maxBytes)
	return data, err
}

// ReadContext reads one message and reports whether the device marked its
// end with EOM. Cancellation aborts the in-flight bulk-in transaction.
func (d *Device) ReadContext(ctx context.Context, maxBytes int) ([]byte, bool, error) {
	if err := d.begin(StateReading); err != nil {
		return nil, false, err
	}
	defer d.end()
	return d.readMessage(ctx, maxBytes, nil)
}

// ReadUntil reads one message, asking the device to terminate the transfer
// early at termChar. The terminator is left in the returned bytes.
func (d *Device) ReadUntil(ctx context.Context, maxBytes int, termChar byte) ([]byte, bool, error) {
	if err := d.begin(StateReading); err != nil {
		return nil, false, err
	}
	defer d.end()
	return d.readMessage(ctx, maxBytes, &termChar)
}

// Query writes a message and reads the reply while holding the device mutex
// across both halves.
func (d *Device) Query(cmd []byte, maxBytes int) ([]byte, error) {
	data, _, err := d.QueryContext(context.Background(), cmd, maxBytes)
	return data, err
}

// QueryContext is Query with caller cancellation.
func (d *Device) QueryContext(ctx context.Context, cmd []byte, maxBytes int) ([]byte, bool, error) {
	if err := d.begin(StateWriting); err != nil {
		return nil, false, err
	}
	defer d.end()

	if _, err := d.writeMessage(ctx, cmd, true); err != nil {
		return nil, false, err
	}
	d.setState(StateReading)
	return d.readMessage(ctx, maxBytes, nil)
}

// Trigger sends the USB488 TRIGGER message.
func (d *Device) Trigger() error {
	if err := d.require488("trigger"); err != nil {
		return err
	}
	if err := d.require(d.caps.AcceptsTrigger, "trigger message"); err != nil {
		return err
	}
	if err := d.begin(StateWriting); err != nil {
		return err
	}
	defer d.end()
	return d.sendTrigger(context.Background())
}

// ReadSTB reads the IEEE 488 status byte.
func (d *Device) ReadSTB() (byte, error) {
	if err := d.require488("READ_STATUS_BYTE"); err != nil {
		return 0, err
	}
	if err := d.begin(StateReading); err != nil {
		return 0, err
	}
	defer d.end()
	return d.readStatusByte()
}

// Clear runs the USBTMC clear sequence and resets the bTag counter. Clear is
// the only operation allowed on a halted handle.
func (d *Device) Clear() error {
	if err := d.begin(StateClearing); err != nil {
		return err
	}
	defer d.end()

	if err := d.clearInterface(true); err != nil {
		return err
	}
	d.setState(StateIdle)
	return nil
}

// Remote asserts remote control (REN true).
func (d *Device) Remote() error {
	if err := d.require(d.caps.AcceptsRemoteLocal, "REN_CONTROL"); err != nil {
		return err
	}
	if err := d.begin(StateWriting); err != nil {
		return err
	}
	defer d.end()
	return d.renControl(true)
}

// Local returns the device to local control (GO_TO_LOCAL).
func (d *Device) Local() error {
	if err := d.require(d.caps.AcceptsRemoteLocal, "GO_TO_LOCAL"); err != nil {
		return err
	}
	if err := d.begin(StateWriting); err != nil {
		return err
	}
	defer d.end()
	return d.goToLocal()
}

// Lock engages local lockout: front-panel controls stay disabled until
// Unlock or a power cycle.
func (d *Device) Lock() error {
	if err := d.require(d.caps.AcceptsRemoteLocal, "LOCAL_LOCKOUT"); err != nil {
		return err
	}
	if err := d.begin(StateWriting); err != nil {
		return err
	}
	defer d.end()
	return d.localLockout()
}

// Unlock drops REN, which releases local lockout and returns the device to
// local control.
func (d *Device) Unlock() error {
	if err := d.require(d.caps.AcceptsRemoteLocal, "REN_CONTROL"); err != nil {
		return err
	}
	if err := d.begin(StateWriting); err != nil {
		return err
	}
	defer d.end()
	return d.renControl(false)
}

// IndicatorPulse asks the device to blink its activity indicator.
func (d *Device) IndicatorPulse() error {
	if err := d.require(d.caps.IndicatorPulse, "INDICATOR_PULSE"); err != nil {
		return err
	}
	if err := d.begin(StateWriting); err != nil {
		return err
	}
	defer d.end()
	return d.indicatorPulse()
}

// require488 gates USB488 sub-protocol operations on the interface protocol
// read from the descriptors.
func (d *Device) require488(what string) error {
	if d.iface.usb488() || d.quirks.IgnoreCapabilities {
		return nil
	}
	return fmt.Errorf("%s requires a USB488 interface: %w", what, ErrUnsupported)
}

// require gates an operation on a capability bit, unless the quirks record
// declared the capabilities response unreliable.
func (d *Device) require(capable bool, what string) error {
	if capable || d.quirks.IgnoreCapabilities {
		return nil
	}
	return fmt.Errorf("device does not advertise %s: %w", what, ErrUnsupported)
}
