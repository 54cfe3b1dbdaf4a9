package usbtmc

import (
	"fmt"
	"regexp"
	"sync"
	"time"
)

// AbortRecovery selects what to do when INITIATE_ABORT fails or the abort
// status poll times out.
type AbortRecovery int

const (
	// AbortRecoverySpec surfaces the error and leaves the handle halted.
	AbortRecoverySpec AbortRecovery = iota
	// AbortRecoveryClear runs the full INITIATE_CLEAR sequence.
	AbortRecoveryClear
	// AbortRecoveryReopen releases and re-claims the interface and resets
	// the bTag counter.
	AbortRecoveryReopen
)

// StatusByteSource selects how READ_STATUS_BYTE obtains the status byte on
// USB488 devices.
type StatusByteSource int

const (
	// StatusByteControl reads the status byte from the control response.
	StatusByteControl StatusByteSource = iota
	// StatusByteInterrupt reads it from the interrupt-in endpoint.
	StatusByteInterrupt
	// StatusByteBoth reads both and requires them to agree.
	StatusByteBoth
)

// OpenPolicy is a set of reset actions performed right after the interface
// is claimed.
type OpenPolicy uint8

const (
	// OpenClearInterface runs the USBTMC clear sequence at open. This is the
	// default; devices that ship in an unusable state depend on it.
	OpenClearInterface OpenPolicy = 1 << iota
	// OpenGotoRemote enables remote control (REN_CONTROL) at open.
	OpenGotoRemote
)

// Quirks is the per-device behavioral record. Most devices deviate from the
// USBTMC standard in some way; the registry maps (VID, PID, revision) to the
// overrides that make a device usable. Behavior differences are data, not
// code paths: every field has a compliant default and is read, never
// mutated, by the engine.
type Quirks struct {
	// ReadAlignment is the alignment the device pads bulk-in transfers to.
	// The standard requires 4; some devices pad further.
	ReadAlignment int

	// IgnoreCapabilities treats the GET_CAPABILITIES response as unreliable
	// and disables capability gating of operations.
	IgnoreCapabilities bool

	// AcceptShortReadAsEOM ends a read when a short transfer arrives even if
	// the device never sets the EOM bit.
	AcceptShortReadAsEOM bool

	// AbortPolicy is applied when abort recovery itself fails.
	AbortPolicy AbortRecovery

	// StatusByteVia selects the READ_STATUS_BYTE mechanism.
	StatusByteVia StatusByteSource

	// MaxTransferSize caps the TransferSize field of a single bulk transfer
	// in either direction. Logical messages may exceed it; the engine splits
	// them.
	MaxTransferSize uint32

	// PostWriteSettle is a mandatory delay after a write that carried EOM.
	PostWriteSettle time.Duration

	// TolerateReservedBytes accepts bulk-in headers with junk in reserved
	// bytes.
	TolerateReservedBytes bool

	// TolerateBadTransferSize accepts bulk-in headers whose TransferSize
	// disagrees with the actual transfer length.
	TolerateBadTransferSize bool

	// RemovePaddingHeuristic strips trailing NUL padding after a terminal
	// newline, for devices that count padding bytes in TransferSize.
	RemovePaddingHeuristic bool

	// StripStringNULs removes trailing NULs from string descriptors.
	StripStringNULs bool

	// OpenPolicy lists the reset actions performed at open.
	OpenPolicy OpenPolicy

	// ClearDisabled skips the clear sequence entirely; some devices wedge
	// when they receive INITIATE_CLEAR.
	ClearDisabled bool

	// ClearResetsBulkIn also clears the bulk-in endpoint halt after a clear
	// sequence. The standard prescribes bulk-out only.
	ClearResetsBulkIn bool

	// ClearSkipIntermediateReads skips the bulk-in drain the standard asks
	// for while CHECK_CLEAR_STATUS reports PENDING with bmClear.D0 set.
	ClearSkipIntermediateReads bool

	// Hooks are optional per-device override points.
	Hooks Hooks
}

// DefaultQuirks returns the record for a fully compliant USBTMC device,
// which is probably optimistic.
func DefaultQuirks() Quirks {
	return Quirks{
		ReadAlignment:   bulkAlignment,
		MaxTransferSize: 16 * 1024,
		AbortPolicy:     AbortRecoverySpec,
		StatusByteVia:   StatusByteControl,
		OpenPolicy:      OpenClearInterface,
	}
}

type registryKey struct {
	vid, pid uint16
}

type registryEntry struct {
	key      registryKey
	revision *regexp.Regexp // nil matches any revision
	quirks   Quirks
}

// Registry maps (VID, PID, revision) to quirks records. It may be populated
// before devices are opened; an entry freezes the first time a handle opens
// against it.
type Registry struct {
	mu      sync.RWMutex
	entries []registryEntry
	sealed  map[registryKey]bool
}

// NewRegistry returns a registry seeded with the built-in device catalogue.
func NewRegistry() *Registry {
	r := &Registry{sealed: make(map[registryKey]bool)}
	for _, e := range builtinQuirks() {
		r.entries = append(r.entries, e)
	}
	return r
}

// DefaultRegistry is consulted by Open when no registry option is given.
var DefaultRegistry = NewRegistry()

// Register adds or replaces the quirks record for a device. revision is an
// optional regular expression matched against the device's bcdDevice string;
// pass "" to match any revision. Registering fails once a handle has been
// opened against the entry.
func (r *Registry) Register(vid, pid uint16, revision string, q Quirks) error {
	key := registryKey{vid, pid}

	var rev *regexp.Regexp
	if revision != "" {
		var err error
		rev, err = regexp.Compile(revision)
		if err != nil {
			return fmt.Errorf("bad revision pattern for %04x:%04x: %w", vid, pid, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed[key] {
		return fmt.Errorf("quirks for %04x:%04x are frozen: a handle is open against them", vid, pid)
	}
	for i, e := range r.entries {
		if e.key == key && patternEqual(e.revision, rev) {
			r.entries[i].quirks = q
			return nil
		}
	}
	r.entries = append(r.entries, registryEntry{key: key, revision: rev, quirks: q})
	return nil
}

func patternEqual(a, b *regexp.Regexp) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.String() == b.String()
}

// lookup resolves the quirks for a device and seals the entry. Entries with
// a revision pattern take precedence over catch-all entries for the same
// VID/PID pair.
func (r *Registry) lookup(vid, pid uint16, revision string) Quirks {
	key := registryKey{vid, pid}

	r.mu.Lock()
	defer r.mu.Unlock()

	var fallback *registryEntry
	for i := range r.entries {
		e := &r.entries[i]
		if e.key != key {
			continue
		}
		if e.revision == nil {
			fallback = e
			continue
		}
		if e.revision.MatchString(revision) {
			r.sealed[key] = true
			return e.quirks
		}
	}
	if fallback != nil {
		r.sealed[key] = true
		return fallback.quirks
	}
	return DefaultQuirks()
}

// builtinQuirks is the compiled-in device catalogue.
func builtinQuirks() []registryEntry {
	thorlabsPM101U := DefaultQuirks()
	thorlabsPM101U.ClearSkipIntermediateReads = true
	thorlabsPM101U.ClearResetsBulkIn = true

	thorlabsPM100D := DefaultQuirks()
	thorlabsPM100D.ClearResetsBulkIn = true

	rigolDS1102D := DefaultQuirks()
	rigolDS1102D.StripStringNULs = true

	siglentSDS1204XE := DefaultQuirks()
	siglentSDS1204XE.OpenPolicy = 0
	siglentSDS1204XE.ClearDisabled = true
	siglentSDS1204XE.RemovePaddingHeuristic = true
	siglentSDS1204XE.TolerateBadTransferSize = true

	return []registryEntry{
		{key: registryKey{0x1313, 0x8076}, quirks: thorlabsPM101U},   // Thorlabs PM101U powermeter
		{key: registryKey{0x1313, 0x8078}, quirks: thorlabsPM100D},   // Thorlabs PM100D powermeter
		{key: registryKey{0x1ab1, 0x0588}, quirks: rigolDS1102D},     // Rigol DS1102D oscilloscope
		{key: registryKey{0xf4ec, 0xee38}, quirks: siglentSDS1204XE}, // Siglent SDS1204X-E oscilloscope
	}
}
