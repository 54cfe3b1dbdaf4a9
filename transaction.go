package usbtmc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Direction of a bulk transaction.
type Direction int

const (
	DirectionOut Direction = iota
	DirectionIn
)

// Transaction describes one live bulk operation. Hooks receive it and may
// replace it before the engine runs; at most one transaction per direction
// is live on a handle at any time.
type Transaction struct {
	Tag       uint8
	Direction Direction
	Payload   []byte // outbound data, or the received message for AfterRead
	MaxBytes  int    // reads: caller's limit
	TermChar  *byte  // reads: optional early-termination byte
	EOM       bool
	Deadline  time.Time
}

// transferTimeout derives the timeout for the next USB transfer from the
// operation deadline. Transfers never rely on a transport default.
func (d *Device) transferTimeout(deadline time.Time) (time.Duration, error) {
	remaining := deadline.Sub(d.clk.Now())
	if remaining <= 0 {
		return 0, fmt.Errorf("operation deadline exceeded: %w", ErrTimeout)
	}
	return remaining, nil
}

// bulkOutSegment performs one bulk-out transfer, retrying a partial host
// write at most once before surfacing a timeout.
func (d *Device) bulkOutSegment(buf []byte, deadline time.Time) error {
	timeout, err := d.transferTimeout(deadline)
	if err != nil {
		return err
	}
	n, err := d.tr.BulkTransfer(d.iface.BulkOut, buf, timeout)
	if err != nil {
		return err
	}
	if n < len(buf) {
		if timeout, err = d.transferTimeout(deadline); err != nil {
			return err
		}
		m, err := d.tr.BulkTransfer(d.iface.BulkOut, buf[n:], timeout)
		if err != nil {
			return err
		}
		if n+m != len(buf) {
			return fmt.Errorf("bulk-out segment incomplete (%d of %d bytes): %w", n+m, len(buf), ErrTimeout)
		}
	}
	return nil
}

// writeMessage splits a message into DEV_DEP_MSG_OUT segments no larger than
// the quirks record's TransferSize cap, with EOM set only on the final
// segment. Cancellation is honoured at segment boundaries.
func (d *Device) writeMessage(ctx context.Context, data []byte, eom bool) (int, error) {
	if len(data) == 0 {
		return 0, fmt.Errorf("zero-length bulk-out messages are forbidden: %w", ErrUnsupported)
	}

	txn := &Transaction{
		Direction: DirectionOut,
		Payload:   data,
		EOM:       eom,
		Deadline:  d.clk.Now().Add(d.ioTimeout()),
	}
	txn, err := d.runHook(d.quirks.Hooks.BeforeWrite, txn)
	if err != nil {
		return 0, err
	}
	data, eom = txn.Payload, txn.EOM

	segmentMax := int(d.quirks.MaxTransferSize)
	if segmentMax <= 0 {
		segmentMax = int(DefaultQuirks().MaxTransferSize)
	}

	offset := 0
	for {
		if cerr := ctx.Err(); cerr != nil {
			return offset, fmt.Errorf("write cancelled after %d bytes: %w", offset, ErrCancelled)
		}
		n := len(data) - offset
		if n > segmentMax {
			n = segmentMax
		}
		tag := d.btag.next()
		txn.Tag = tag
		last := offset+n == len(data)

		seg := encodeDevDepMsgOut(tag, data[offset:offset+n], eom && last)
		if err := d.bulkOutSegment(seg, txn.Deadline); err != nil {
			if errors.Is(err, ErrTimeout) {
				if rerr := d.recoverAbortBulkOut(tag); rerr != nil {
					return offset, multierr.Append(err, rerr)
				}
			}
			return offset, err
		}
		d.log.Debug("bulk-out segment",
			zap.Uint8("bTag", tag), zap.Int("bytes", n), zap.Bool("eom", eom && last))

		offset += n
		if last {
			break
		}
	}

	if eom && d.quirks.PostWriteSettle > 0 {
		d.clk.Sleep(d.quirks.PostWriteSettle)
	}
	if _, err := d.runHook(d.quirks.Hooks.AfterWrite, txn); err != nil {
		return offset, err
	}
	return offset, nil
}

// readMessage runs the REQUEST_DEV_DEP_MSG_IN / DEV_DEP_MSG_IN loop until
// the device sets EOM, the caller's limit is reached, or a quirk declares a
// short transfer terminal. maxBytes of zero is a legal device probe: one
// request with TransferSize 0, answered by an immediate EOM response.
func (d *Device) readMessage(ctx context.Context, maxBytes int, termChar *byte) ([]byte, bool, error) {
	if termChar != nil && !d.caps.TermChar && !d.quirks.IgnoreCapabilities {
		return nil, false, fmt.Errorf("device does not accept a termination character: %w", ErrUnsupported)
	}

	txn := &Transaction{
		Direction: DirectionIn,
		MaxBytes:  maxBytes,
		TermChar:  termChar,
		Deadline:  d.clk.Now().Add(d.ioTimeout()),
	}
	txn, err := d.runHook(d.quirks.Hooks.BeforeRead, txn)
	if err != nil {
		return nil, false, err
	}
	maxBytes, termChar = txn.MaxBytes, txn.TermChar

	var msg []byte
	eomSeen := false
	var lastTag uint8

	for {
		if cerr := ctx.Err(); cerr != nil {
			// The IN transaction may still be live device-side; abort it at
			// this operation boundary before reporting the cancellation.
			if lastTag != 0 {
				if rerr := d.recoverAbortBulkIn(lastTag); rerr != nil {
					return msg, false, multierr.Append(fmt.Errorf("read cancelled: %w", ErrCancelled), rerr)
				}
			}
			return msg, false, fmt.Errorf("read cancelled: %w", ErrCancelled)
		}

		remaining := maxBytes - len(msg)
		if len(msg) > 0 && remaining <= 0 {
			break
		}
		if remaining < 0 {
			remaining = 0
		}
		reqSize := remaining
		if limit := int(d.quirks.MaxTransferSize); limit > 0 && reqSize > limit {
			reqSize = limit
		}

		tag := d.btag.next()
		lastTag = tag
		txn.Tag = tag

		req := encodeRequestDevDepMsgIn(tag, uint32(reqSize), termChar)
		if err := d.bulkOutSegment(req, txn.Deadline); err != nil {
			if errors.Is(err, ErrTimeout) {
				if rerr := d.recoverAbortBulkOut(tag); rerr != nil {
					return msg, false, multierr.Append(err, rerr)
				}
			}
			return msg, false, err
		}

		hdr, payload, short, err := d.readBulkInResponse(tag, reqSize, txn.Deadline)
		if err != nil {
			if errors.Is(err, ErrTimeout) {
				// Exactly one INITIATE_ABORT_BULK_IN before the timeout
				// surfaces.
				if rerr := d.recoverAbortBulkIn(tag); rerr != nil {
					return msg, false, multierr.Append(err, rerr)
				}
				return msg, false, err
			}
			if errors.Is(err, ErrProtocol) {
				d.halt()
			}
			return msg, false, err
		}

		msg = append(msg, payload...)
		d.log.Debug("bulk-in segment",
			zap.Uint8("bTag", hdr.Tag), zap.Int("bytes", len(payload)), zap.Bool("eom", hdr.eom()))

		if hdr.eom() {
			eomSeen = true
			break
		}
		if short && d.quirks.AcceptShortReadAsEOM {
			eomSeen = true
			break
		}
		if maxBytes == 0 {
			// Probe response without EOM; nothing more to ask for.
			break
		}
	}

	if d.quirks.RemovePaddingHeuristic {
		msg = stripPaddingHeuristic(msg)
	}

	txn.Payload = msg
	if _, err := d.runHook(d.quirks.Hooks.AfterRead, txn); err != nil {
		return msg, eomSeen, err
	}
	return msg, eomSeen, nil
}

// readBulkInResponse drains one DEV_DEP_MSG_IN transfer for the given
// request. A response with a stale bTag is discarded and re-read once; a
// second mismatch starts abort recovery and surfaces a protocol violation.
func (d *Device) readBulkInResponse(tag uint8, reqSize int, deadline time.Time) (bulkHeader, []byte, bool, error) {
	for attempt := 0; ; attempt++ {
		hdr, payload, short, err := d.readBulkInTransfer(reqSize, deadline)
		if err != nil {
			return bulkHeader{}, nil, false, err
		}
		if hdr.Tag == tag {
			return hdr, payload, short, nil
		}
		d.log.Warn("bulk-in response with stale bTag",
			zap.Uint8("got", hdr.Tag), zap.Uint8("want", tag))
		if attempt == 1 {
			if rerr := d.recoverAbortBulkIn(tag); rerr != nil {
				return bulkHeader{}, nil, false, multierr.Append(
					protocolErrorf(nil, "bulk-in bTag 0x%02x does not match request 0x%02x after retry", hdr.Tag, tag), rerr)
			}
			return bulkHeader{}, nil, false, protocolErrorf(nil,
				"bulk-in bTag 0x%02x does not match request 0x%02x after retry", hdr.Tag, tag)
		}
	}
}

// readBulkInTransfer performs a single bulk-in transfer and decodes its
// header. The receive buffer covers the announced size plus the alignment
// bytes the device may append; a transfer landing on an exact multiple of
// wMaxPacketSize is followed by a short packet which is drained here.
func (d *Device) readBulkInTransfer(reqSize int, deadline time.Time) (bulkHeader, []byte, bool, error) {
	align := d.quirks.ReadAlignment
	if align < bulkAlignment {
		align = bulkAlignment
	}
	bufSize := headerSize + reqSize + padLength(reqSize, align)
	buf := make([]byte, bufSize)

	timeout, err := d.transferTimeout(deadline)
	if err != nil {
		return bulkHeader{}, nil, false, err
	}
	n, err := d.tr.BulkTransfer(d.iface.BulkIn, buf, timeout)
	if err != nil {
		return bulkHeader{}, nil, false, err
	}

	if mp := d.iface.BulkInMaxPacket; mp > 0 && n > 0 && n%mp == 0 {
		// The device terminates every bulk-in transfer with a short packet,
		// possibly zero-length.
		if timeout, err = d.transferTimeout(deadline); err != nil {
			return bulkHeader{}, nil, false, err
		}
		dummy := make([]byte, mp)
		m, err := d.tr.BulkTransfer(d.iface.BulkIn, dummy, timeout)
		if err != nil {
			return bulkHeader{}, nil, false, err
		}
		if m >= mp {
			return bulkHeader{}, nil, false, protocolErrorf(nil, "expected short alignment packet, got %d bytes", m)
		}
	}

	hdr, err := decodeBulkHeader(buf[:n], d.quirks.TolerateReservedBytes)
	if err != nil {
		return bulkHeader{}, nil, false, err
	}
	if hdr.ID != msgDevDepIn {
		return bulkHeader{}, nil, false, protocolErrorf(buf[:n], "unexpected bulk-in MsgID %d", hdr.ID)
	}

	payload := buf[headerSize:n]
	size := int(hdr.TransferSize)
	switch {
	case size <= len(payload):
		if len(payload)-size >= align && !d.quirks.TolerateBadTransferSize {
			return bulkHeader{}, nil, false, protocolErrorf(buf[:n],
				"TransferSize %d disagrees with %d payload bytes", size, len(payload))
		}
		payload = payload[:size]
	case d.quirks.TolerateBadTransferSize:
		// Header + payload sizes should add up, but some devices mess this
		// up; keep whatever arrived.
	default:
		return bulkHeader{}, nil, false, protocolErrorf(buf[:n],
			"TransferSize %d exceeds the %d payload bytes received", size, len(payload))
	}

	return hdr, payload, n < bufSize, nil
}

// stripPaddingHeuristic drops trailing NUL padding after a terminal newline
// for devices that erroneously count padding bytes in TransferSize. Messages
// not ending in newline-plus-NULs are left alone.
func stripPaddingHeuristic(msg []byte) []byte {
	for pad := 3; pad >= 1; pad-- {
		suffix := append([]byte{'\n'}, make([]byte, pad)...)
		if bytes.HasSuffix(msg, suffix) {
			return msg[:len(msg)-pad]
		}
	}
	return msg
}

// sendTrigger issues the USB488 TRIGGER bulk-out message. The device sends
// no response.
func (d *Device) sendTrigger(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("trigger cancelled: %w", ErrCancelled)
	}
	tag := d.btag.next()
	deadline := d.clk.Now().Add(d.ioTimeout())
	if err := d.bulkOutSegment(encodeTrigger(tag), deadline); err != nil {
		if errors.Is(err, ErrTimeout) {
			if rerr := d.recoverAbortBulkOut(tag); rerr != nil {
				return multierr.Append(err, rerr)
			}
		}
		return err
	}
	return nil
}

// recoverAbortBulkIn aborts the live bulk-in transaction: INITIATE, poll
// CHECK until it leaves PENDING, then clear the endpoint halt. On failure
// the quirks record's abort policy decides between surfacing the error,
// clearing the interface, or re-claiming it.
func (d *Device) recoverAbortBulkIn(tag uint8) error {
	return d.recoverAbort(tag, DirectionIn)
}

func (d *Device) recoverAbortBulkOut(tag uint8) error {
	return d.recoverAbort(tag, DirectionOut)
}

func (d *Device) recoverAbort(tag uint8, dir Direction) error {
	d.setState(StateAborting)

	if hook := d.quirks.Hooks.AbortOverride; hook != nil {
		res := hook(d, &Transaction{Tag: tag, Direction: dir})
		switch res.Action {
		case HookFail:
			d.halt()
			return res.Err
		case HookReplace:
			// The hook performed its own recovery.
			return nil
		}
	}

	initiate, check := d.initiateAbortBulkIn, d.checkAbortBulkInStatus
	endpoint := d.iface.BulkIn
	initiateReq := reqInitiateAbortBulkIn
	if dir == DirectionOut {
		initiate, check = d.initiateAbortBulkOut, d.checkAbortBulkOutStatus
		endpoint = d.iface.BulkOut
		initiateReq = reqInitiateAbortBulkOut
	}

	status, err := initiate(tag)
	if err != nil {
		return d.abortFallback(err)
	}
	switch status {
	case statusSuccess, statusPending:
		final, err := d.pollStatus(d.ioTimeout(), check)
		if err != nil {
			return d.abortFallback(err)
		}
		if final != statusSuccess && final != statusTransferNotInProgress {
			return d.abortFallback(&StatusError{Request: initiateReq, Status: final})
		}
		if err := d.tr.ClearHalt(endpoint); err != nil {
			return d.abortFallback(err)
		}
		return nil
	case statusTransferNotInProgress:
		// Nothing was in flight; the abort is trivially complete.
		return nil
	default:
		return d.abortFallback(&StatusError{Request: initiateReq, Status: status})
	}
}

func (d *Device) abortFallback(cause error) error {
	switch d.quirks.AbortPolicy {
	case AbortRecoveryClear:
		if err := d.clearInterface(true); err != nil {
			d.halt()
			return multierr.Append(cause, err)
		}
		d.log.Debug("abort recovery fell back to interface clear", zap.Error(cause))
		return nil
	case AbortRecoveryReopen:
		if err := d.reopenInterface(); err != nil {
			d.halt()
			return multierr.Append(cause, err)
		}
		d.log.Debug("abort recovery fell back to interface reopen", zap.Error(cause))
		return nil
	default:
		d.halt()
		return cause
	}
}

// reopenInterface releases and re-claims the USBTMC interface and resets the
// bTag counter.
func (d *Device) reopenInterface() error {
	if err := d.tr.ReleaseInterface(d.iface.Number); err != nil {
		return err
	}
	if err := d.tr.ClaimInterface(d.iface.Number); err != nil {
		return err
	}
	d.btag.reset()
	return nil
}

// clearInterface runs the INITIATE_CLEAR sequence (USBTMC 4.2.1.6/4.2.1.7):
// initiate, poll CHECK_CLEAR_STATUS, drain pending bulk-in data while the
// device asks for it, clear endpoint halts, reset the bTag counter. A device
// may report PENDING indefinitely; the poll is bounded at ten times the I/O
// timeout before DeviceStatusFailed surfaces.
func (d *Device) clearInterface(recovery bool) error {
	if d.quirks.ClearDisabled {
		d.btag.reset()
		return nil
	}
	d.setState(StateClearing)

	status, err := d.initiateClear()
	if err != nil {
		d.halt()
		return err
	}
	if status != statusSuccess {
		d.halt()
		return &StatusError{Request: reqInitiateClear, Status: status}
	}

	deadline := d.clk.Now().Add(10 * d.ioTimeout())
	delay := pollInitialDelay
	for {
		st, bmClear, err := d.checkClearStatus()
		if err != nil {
			d.halt()
			return err
		}
		if st == statusSuccess {
			break
		}
		if st != statusPending {
			d.halt()
			return &StatusError{Request: reqCheckClearStatus, Status: st}
		}
		if bmClear&0x01 != 0 && !d.quirks.ClearSkipIntermediateReads {
			if err := d.drainBulkIn(deadline); err != nil {
				d.halt()
				return err
			}
		}
		if d.clk.Now().Add(delay).After(deadline) {
			d.halt()
			return fmt.Errorf("clear stuck in PENDING: %w",
				&StatusError{Request: reqCheckClearStatus, Status: statusPending})
		}
		d.clk.Sleep(delay)
		if delay *= 2; delay > pollMaxDelay {
			delay = pollMaxDelay
		}
	}

	var errs error
	errs = multierr.Append(errs, d.tr.ClearHalt(d.iface.BulkOut))
	if recovery || d.quirks.ClearResetsBulkIn {
		errs = multierr.Append(errs, d.tr.ClearHalt(d.iface.BulkIn))
	}
	if errs != nil {
		d.halt()
		return errs
	}

	d.btag.reset()
	return nil
}

// drainBulkIn reads the bulk-in endpoint until the device sends a short
// packet.
func (d *Device) drainBulkIn(deadline time.Time) error {
	mp := d.iface.BulkInMaxPacket
	if mp <= 0 {
		mp = 512
	}
	for {
		timeout, err := d.transferTimeout(deadline)
		if err != nil {
			return err
		}
		buf := make([]byte, mp)
		n, err := d.tr.BulkTransfer(d.iface.BulkIn, buf, timeout)
		if err != nil {
			return err
		}
		if n < mp {
			return nil
		}
	}
}
