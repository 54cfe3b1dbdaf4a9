package usbtmc

import "encoding/binary"

// Every bulk-in and bulk-out transfer starts with a 12-byte header
// describing the transfer (USBTMC standard, tables 1, 3, 4, 8, 9).
const headerSize = 12

// Bulk transfer payloads are padded with zero bytes to a 4-byte boundary.
const bulkAlignment = 4

type msgID uint8

// Bulk endpoint message IDs of the USBTMC protocol and the USB488
// sub-protocol. REQUEST_DEV_DEP_MSG_IN and DEV_DEP_MSG_IN share the value 2:
// the former travels host-to-device, the latter is the device's response.
const (
	msgDevDepOut       msgID = 1
	msgRequestDevDepIn msgID = 2
	msgDevDepIn        msgID = 2
	msgVendorOut       msgID = 126
	msgRequestVendorIn msgID = 127
	msgVendorIn        msgID = 127
	msgTrigger         msgID = 128
)

// bmTransferAttributes bits.
const (
	attrEOM      byte = 0x01 // DEV_DEP_MSG_OUT / DEV_DEP_MSG_IN: last segment of the message
	attrTermChar byte = 0x02 // REQUEST_DEV_DEP_MSG_IN: TermChar in byte 9 is in effect
)

// bulkHeader is the decoded form of a 12-byte USBTMC bulk header.
type bulkHeader struct {
	ID           msgID
	Tag          uint8
	TransferSize uint32
	Attributes   byte
	TermChar     byte
}

func (h bulkHeader) eom() bool { return h.Attributes&attrEOM != 0 }

// encode lays the header out per the standard: MsgID, bTag, ~bTag, one
// reserved byte, little-endian TransferSize, attributes, TermChar, two
// reserved bytes.
func (h bulkHeader) encode() [headerSize]byte {
	var b [headerSize]byte
	b[0] = byte(h.ID)
	b[1] = h.Tag
	b[2] = ^h.Tag
	binary.LittleEndian.PutUint32(b[4:8], h.TransferSize)
	b[8] = h.Attributes
	b[9] = h.TermChar
	return b
}

// decodeBulkHeader validates and decodes a device-to-host bulk header.
// Reserved bytes must be zero unless the device's quirks record tolerates
// junk there.
func decodeBulkHeader(buf []byte, tolerateReserved bool) (bulkHeader, error) {
	if len(buf) < headerSize {
		return bulkHeader{}, protocolErrorf(buf, "bulk-in transfer too short (%d bytes)", len(buf))
	}
	if buf[1]^buf[2] != 0xff {
		return bulkHeader{}, protocolErrorf(buf, "bTag 0x%02x does not match bTagInverse 0x%02x", buf[1], buf[2])
	}
	if !tolerateReserved && (buf[3] != 0 || buf[9] != 0 || buf[10] != 0 || buf[11] != 0) {
		return bulkHeader{}, protocolErrorf(buf, "reserved header bytes are nonzero")
	}
	return bulkHeader{
		ID:           msgID(buf[0]),
		Tag:          buf[1],
		TransferSize: binary.LittleEndian.Uint32(buf[4:8]),
		Attributes:   buf[8],
		TermChar:     buf[9],
	}, nil
}

// padLength returns the number of zero bytes needed to bring a payload of n
// bytes up to the given alignment.
func padLength(n, alignment int) int {
	if alignment <= 1 {
		return 0
	}
	return (alignment - n%alignment) % alignment
}

// encodeDevDepMsgOut frames one DEV_DEP_MSG_OUT segment: header, payload,
// zero padding to a 4-byte boundary.
func encodeDevDepMsgOut(tag uint8, payload []byte, eom bool) []byte {
	h := bulkHeader{ID: msgDevDepOut, Tag: tag, TransferSize: uint32(len(payload))}
	if eom {
		h.Attributes = attrEOM
	}
	hdr := h.encode()
	buf := make([]byte, 0, headerSize+len(payload)+bulkAlignment)
	buf = append(buf, hdr[:]...)
	buf = append(buf, payload...)
	return append(buf, make([]byte, padLength(len(payload), bulkAlignment))...)
}

// encodeRequestDevDepMsgIn frames a REQUEST_DEV_DEP_MSG_IN header asking the
// device for up to size payload bytes. A non-nil termChar asks the device to
// end the transfer early at that byte.
func encodeRequestDevDepMsgIn(tag uint8, size uint32, termChar *byte) []byte {
	h := bulkHeader{ID: msgRequestDevDepIn, Tag: tag, TransferSize: size}
	if termChar != nil {
		h.Attributes = attrTermChar
		h.TermChar = *termChar
	}
	hdr := h.encode()
	return hdr[:]
}

// encodeVendorOut frames one VENDOR_SPECIFIC_OUT segment.
func encodeVendorOut(tag uint8, payload []byte) []byte {
	h := bulkHeader{ID: msgVendorOut, Tag: tag, TransferSize: uint32(len(payload))}
	hdr := h.encode()
	buf := make([]byte, 0, headerSize+len(payload)+bulkAlignment)
	buf = append(buf, hdr[:]...)
	buf = append(buf, payload...)
	return append(buf, make([]byte, padLength(len(payload), bulkAlignment))...)
}

// encodeRequestVendorIn frames a REQUEST_VENDOR_SPECIFIC_IN header.
func encodeRequestVendorIn(tag uint8, size uint32) []byte {
	h := bulkHeader{ID: msgRequestVendorIn, Tag: tag, TransferSize: size}
	hdr := h.encode()
	return hdr[:]
}

// encodeTrigger frames the USB488 TRIGGER message: a bare header, no payload
// (USB488 standard, section 3.2.1.1).
func encodeTrigger(tag uint8) []byte {
	h := bulkHeader{ID: msgTrigger, Tag: tag}
	hdr := h.encode()
	return hdr[:]
}
