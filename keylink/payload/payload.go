// Package payload builds the plaintext messages a peripheral acts on: text
// deltas, which are printed verbatim, 8-byte keycode reports for keys that
// have no text form, consumer-control reports for media keys, and rename
// requests for the peripheral's advertised name.
package payload

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	// KeycodeSize is the fixed length of a keycode report.
	KeycodeSize = 8
	// ConsumerSize is the fixed length of a consumer-control report.
	ConsumerSize = 3
	// MaxNameLength bounds a rename request, in bytes.
	MaxNameLength = 29
)

// First byte of each non-text payload.
const (
	keycodeMarker  = 0x01
	renameMarker   = 0x03
	consumerMarker = 0x04
)

var (
	ErrInvalidKeycode  = errors.New("payload: invalid keycode report")
	ErrInvalidConsumer = errors.New("payload: invalid consumer-control report")
	ErrInvalidName     = errors.New("payload: invalid device name")
)

// Modifier is a HID modifier key code.
type Modifier byte

const (
	ModNone  Modifier = 0x00
	ModCtrl  Modifier = 0x80
	ModShift Modifier = 0x81
	ModAlt   Modifier = 0x82
	ModGUI   Modifier = 0x83
)

// Key codes for non-printing keys.
const (
	KeyRight byte = 0xd7
	KeyLeft  byte = 0xd8
	KeyDown  byte = 0xd9
	KeyUp    byte = 0xda

	Backspace = '\b'
)

// TextDelta returns the bytes that turn prev into cur on the peripheral:
// the appended suffix when cur grew, one backspace per removed character when
// it shrank, and nil when the length is unchanged. Lengths count runes.
func TextDelta(prev, cur string) []byte {
	np, nc := utf8.RuneCountInString(prev), utf8.RuneCountInString(cur)
	switch {
	case nc > np:
		return []byte(skipRunes(cur, np))
	case nc < np:
		return []byte(strings.Repeat(string(Backspace), np-nc))
	default:
		return nil
	}
}

func skipRunes(s string, n int) string {
	for i := range s {
		if n == 0 {
			return s[i:]
		}
		n--
	}
	return ""
}

// Keycode builds a report pressing key with modifier held. A zero modifier
// sends key alone in the modifier slot, as arrow keys are sent.
func Keycode(mod Modifier, key byte) []byte {
	b := make([]byte, KeycodeSize)
	b[0] = keycodeMarker
	if mod == ModNone {
		b[1] = key
		return b
	}
	b[1] = byte(mod)
	b[2] = key
	return b
}

// Arrow builds a report for one of KeyUp, KeyDown, KeyLeft or KeyRight.
func Arrow(key byte) []byte { return Keycode(ModNone, key) }

// ParseKeycode splits a keycode report into modifier and key.
func ParseKeycode(b []byte) (Modifier, byte, error) {
	if len(b) != KeycodeSize || b[0] != keycodeMarker {
		return 0, 0, ErrInvalidKeycode
	}
	if b[1] < byte(ModCtrl) || b[1] > byte(ModGUI) {
		return ModNone, b[1], nil
	}
	return Modifier(b[1]), b[2], nil
}

// IsKeycode reports whether b looks like a keycode report rather than text.
func IsKeycode(b []byte) bool {
	_, _, err := ParseKeycode(b)
	return err == nil
}

// Usage is a HID consumer page usage code.
type Usage uint16

const (
	UsageNextTrack  Usage = 0x00b5
	UsagePrevTrack  Usage = 0x00b6
	UsageStop       Usage = 0x00b7
	UsagePlayPause  Usage = 0x00cd
	UsageMute       Usage = 0x00e2
	UsageVolumeUp   Usage = 0x00e9
	UsageVolumeDown Usage = 0x00ea
)

// Consumer builds a consumer-control report. The usage is little-endian, as
// the peripheral hands it straight to its HID report.
func Consumer(u Usage) []byte {
	b := make([]byte, ConsumerSize)
	b[0] = consumerMarker
	binary.LittleEndian.PutUint16(b[1:], uint16(u))
	return b
}

// ParseConsumer returns the usage in a consumer-control report.
func ParseConsumer(b []byte) (Usage, error) {
	if len(b) != ConsumerSize || b[0] != consumerMarker {
		return 0, ErrInvalidConsumer
	}
	return Usage(binary.LittleEndian.Uint16(b[1:])), nil
}

// Rename builds a request for the peripheral to advertise under name.
func Rename(name string) ([]byte, error) {
	if name == "" || len(name) > MaxNameLength || !utf8.ValidString(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	b := make([]byte, 0, 2+len(name))
	b = append(b, renameMarker, byte(len(name)))
	return append(b, name...), nil
}

// ParseRename returns the name carried by a rename request.
func ParseRename(b []byte) (string, error) {
	if len(b) < 3 || b[0] != renameMarker || int(b[1]) != len(b)-2 || len(b)-2 > MaxNameLength {
		return "", ErrInvalidName
	}
	name := string(b[2:])
	if !utf8.ValidString(name) {
		return "", ErrInvalidName
	}
	return name, nil
}
