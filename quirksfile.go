package usbtmc

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// quirksFileEntry is the on-disk shape of one quirks override. Only fields
// present in the file override the defaults; everything else stays at the
// compliant default.
type quirksFileEntry struct {
	Revision string `toml:"revision"`

	ReadAlignment           *int    `toml:"read_alignment"`
	IgnoreCapabilities      *bool   `toml:"ignore_capabilities"`
	AcceptShortReadAsEOM    *bool   `toml:"accept_short_read_as_eom"`
	AbortPolicy             *string `toml:"abort_recovery_policy"` // spec | clear | reopen
	StatusByteVia           *string `toml:"read_status_byte_via"`  // control | interrupt | both
	MaxTransferSize         *uint32 `toml:"max_transfer_size"`
	PostWriteSettleUS       *int64  `toml:"post_write_settle_us"`
	TolerateReservedBytes   *bool   `toml:"tolerate_reserved_bytes"`
	TolerateBadTransferSize *bool   `toml:"tolerate_bad_transfer_size"`
	RemovePaddingHeuristic  *bool   `toml:"remove_padding_heuristic"`
	StripStringNULs         *bool   `toml:"strip_string_nuls"`
	ClearAtOpen             *bool   `toml:"clear_at_open"`
	RemoteAtOpen            *bool   `toml:"remote_at_open"`
	ClearDisabled           *bool   `toml:"clear_disabled"`
	ClearResetsBulkIn       *bool   `toml:"clear_resets_bulk_in"`
	ClearSkipReads          *bool   `toml:"clear_skip_intermediate_reads"`
}

// LoadQuirksFile merges a TOML quirks overlay into the registry. Tables are
// keyed by "vid:pid" hex pairs:
//
//	["1ab1:0588"]
//	strip_string_nuls = true
//
//	["f4ec:ee38"]
//	clear_disabled = true
//	remove_padding_heuristic = true
func (r *Registry) LoadQuirksFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("quirks file: %w", err)
	}

	var file map[string]quirksFileEntry
	if err := toml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("quirks file %s: %w", path, err)
	}

	for key, entry := range file {
		vid, pid, err := parseVidPidKey(key)
		if err != nil {
			return fmt.Errorf("quirks file %s: %w", path, err)
		}
		q, err := entry.apply(DefaultQuirks())
		if err != nil {
			return fmt.Errorf("quirks file %s, entry %q: %w", path, key, err)
		}
		if err := r.Register(vid, pid, entry.Revision, q); err != nil {
			return err
		}
	}
	return nil
}

func parseVidPidKey(key string) (uint16, uint16, error) {
	parts := strings.Split(key, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("bad device key %q (want vid:pid hex pair)", key)
	}
	vid, err := strconv.ParseUint(parts[0], 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("bad vendor id in %q: %w", key, err)
	}
	pid, err := strconv.ParseUint(parts[1], 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("bad product id in %q: %w", key, err)
	}
	return uint16(vid), uint16(pid), nil
}

func (e quirksFileEntry) apply(q Quirks) (Quirks, error) {
	if e.ReadAlignment != nil {
		q.ReadAlignment = *e.ReadAlignment
	}
	if e.IgnoreCapabilities != nil {
		q.IgnoreCapabilities = *e.IgnoreCapabilities
	}
	if e.AcceptShortReadAsEOM != nil {
		q.AcceptShortReadAsEOM = *e.AcceptShortReadAsEOM
	}
	if e.AbortPolicy != nil {
		switch *e.AbortPolicy {
		case "spec":
			q.AbortPolicy = AbortRecoverySpec
		case "clear":
			q.AbortPolicy = AbortRecoveryClear
		case "reopen":
			q.AbortPolicy = AbortRecoveryReopen
		default:
			return q, fmt.Errorf("bad abort_recovery_policy %q", *e.AbortPolicy)
		}
	}
	if e.StatusByteVia != nil {
		switch *e.StatusByteVia {
		case "control":
			q.StatusByteVia = StatusByteControl
		case "interrupt":
			q.StatusByteVia = StatusByteInterrupt
		case "both":
			q.StatusByteVia = StatusByteBoth
		default:
			return q, fmt.Errorf("bad read_status_byte_via %q", *e.StatusByteVia)
		}
	}
	if e.MaxTransferSize != nil {
		q.MaxTransferSize = *e.MaxTransferSize
	}
	if e.PostWriteSettleUS != nil {
		q.PostWriteSettle = time.Duration(*e.PostWriteSettleUS) * time.Microsecond
	}
	if e.TolerateReservedBytes != nil {
		q.TolerateReservedBytes = *e.TolerateReservedBytes
	}
	if e.TolerateBadTransferSize != nil {
		q.TolerateBadTransferSize = *e.TolerateBadTransferSize
	}
	if e.RemovePaddingHeuristic != nil {
		q.RemovePaddingHeuristic = *e.RemovePaddingHeuristic
	}
	if e.StripStringNULs != nil {
		q.StripStringNULs = *e.StripStringNULs
	}
	if e.ClearAtOpen != nil {
		q.OpenPolicy = q.OpenPolicy &^ OpenClearInterface
		if *e.ClearAtOpen {
			q.OpenPolicy |= OpenClearInterface
		}
	}
	if e.RemoteAtOpen != nil {
		q.OpenPolicy = q.OpenPolicy &^ OpenGotoRemote
		if *e.RemoteAtOpen {
			q.OpenPolicy |= OpenGotoRemote
		}
	}
	if e.ClearDisabled != nil {
		q.ClearDisabled = *e.ClearDisabled
	}
	if e.ClearResetsBulkIn != nil {
		q.ClearResetsBulkIn = *e.ClearResetsBulkIn
	}
	if e.ClearSkipReads != nil {
		q.ClearSkipIntermediateReads = *e.ClearSkipReads
	}
	return q, nil
}
