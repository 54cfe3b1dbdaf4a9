package usbtmc

import "fmt"

// Capabilities is the parsed response of a GET_CAPABILITIES request
// (USBTMC standard section 4.2.1.8; USB488 extensions section 4.2.2).
// The record is read once at open time and is immutable afterwards.
type Capabilities struct {
	// USBTMC interface capabilities.
	USBTMCVersion  string
	IndicatorPulse bool
	TalkOnly       bool
	ListenOnly     bool
	TermChar       bool

	// USB488 sub-protocol capabilities.
	USB488Version      string
	Is4882             bool
	AcceptsRemoteLocal bool
	AcceptsTrigger     bool
	SCPICompliant      bool
	SR1Capable         bool
	RL1Capable         bool
	DT1Capable         bool

	// Unreliable is set when the device's quirks record declares the
	// GET_CAPABILITIES response untrustworthy. Capability gating is skipped
	// for such devices.
	Unreliable bool
}

// capabilitiesResponseSize is the full GET_CAPABILITIES response, including
// the leading USBTMC_status byte.
const capabilitiesResponseSize = 24

// fromBCD interprets an octet as a two-digit BCD number.
func fromBCD(octet byte) (int, error) {
	hi := int(octet >> 4)
	lo := int(octet & 0x0f)
	if hi > 9 || lo > 9 {
		return 0, fmt.Errorf("bad BCD octet 0x%02x", octet)
	}
	return hi*10 + lo, nil
}

func bcdVersion(msb, lsb byte) (string, error) {
	major, err := fromBCD(msb)
	if err != nil {
		return "", err
	}
	minor, err := fromBCD(lsb)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d.%d", major, minor), nil
}

// parseCapabilities decodes the 24-byte GET_CAPABILITIES response. The
// caller has already verified the USBTMC_status byte at offset 0.
func parseCapabilities(resp []byte) (Capabilities, error) {
	if len(resp) < capabilitiesResponseSize {
		return Capabilities{}, protocolErrorf(nil, "GET_CAPABILITIES response too short (%d bytes)", len(resp))
	}

	usbtmcVersion, err := bcdVersion(resp[3], resp[2])
	if err != nil {
		return Capabilities{}, fmt.Errorf("bcdUSBTMC: %w", err)
	}
	usb488Version, err := bcdVersion(resp[13], resp[12])
	if err != nil {
		return Capabilities{}, fmt.Errorf("bcdUSB488: %w", err)
	}

	return Capabilities{
		USBTMCVersion:  usbtmcVersion,
		IndicatorPulse: resp[4]&0x04 != 0,
		TalkOnly:       resp[4]&0x02 != 0,
		ListenOnly:     resp[4]&0x01 != 0,
		TermChar:       resp[5]&0x01 != 0,

		USB488Version:      usb488Version,
		Is4882:             resp[14]&0x04 != 0,
		AcceptsRemoteLocal: resp[14]&0x02 != 0,
		AcceptsTrigger:     resp[14]&0x01 != 0,
		SCPICompliant:      resp[15]&0x08 != 0,
		SR1Capable:         resp[15]&0x04 != 0,
		RL1Capable:         resp[15]&0x02 != 0,
		DT1Capable:         resp[15]&0x01 != 0,
	}, nil
}
