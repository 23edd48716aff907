package identity

import (
	"errors"
	"strings"
)

var ErrInvalidDeviceID = errors.New("identity: invalid device id")

// MaxDeviceIDLength bounds ids assigned by the link layer.
const MaxDeviceIDLength = 128

// DeviceID identifies a paired peripheral. It is assigned by the link layer,
// is stable across reconnects and is never mutated.
type DeviceID string

// ParseDeviceID validates s as a device id.
func ParseDeviceID(s string) (DeviceID, error) {
	id := DeviceID(s)
	if err := id.Validate(); err != nil {
		return "", err
	}
	return id, nil
}

// Validate rejects empty, oversized or whitespace-padded ids.
func (id DeviceID) Validate() error {
	s := string(id)
	if s == "" || len(s) > MaxDeviceIDLength || strings.TrimSpace(s) != s {
		return ErrInvalidDeviceID
	}
	if strings.ContainsRune(s, '|') {
		// '|' separates id and field in record additional data.
		return ErrInvalidDeviceID
	}
	return nil
}

func (id DeviceID) String() string { return string(id) }
