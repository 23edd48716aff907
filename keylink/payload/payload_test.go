package payload

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestTextDelta(t *testing.T) {
	cases := []struct {
		prev, cur string
		want      []byte
	}{
		{"", "hello", []byte("hello")},
		{"hel", "hello", []byte("lo")},
		{"hello", "hel", []byte("\b\b")},
		{"héllo", "héllo wörld", []byte(" wörld")},
		{"ab", "ab", nil},
		{"", "", nil},
	}
	for _, c := range cases {
		if got := TextDelta(c.prev, c.cur); !bytes.Equal(got, c.want) {
			t.Fatalf("TextDelta(%q, %q) = %q, want %q", c.prev, c.cur, got, c.want)
		}
	}
}

func TestKeycodeLayout(t *testing.T) {
	got := Keycode(ModCtrl, '\b')
	want := []byte{1, 0x80, '\b', 0, 0, 0, 0, 0}
	if !bytes.Equal(got, want) {
		t.Fatalf("Keycode = %x, want %x", got, want)
	}
	if got := Arrow(KeyUp); !bytes.Equal(got, []byte{1, 0xda, 0, 0, 0, 0, 0, 0}) {
		t.Fatalf("Arrow = %x", got)
	}
}

func TestParseKeycode(t *testing.T) {
	mod, key, err := ParseKeycode(Keycode(ModGUI, 'c'))
	if err != nil || mod != ModGUI || key != 'c' {
		t.Fatalf("ParseKeycode = %v %q %v", mod, key, err)
	}
	mod, key, err = ParseKeycode(Arrow(KeyLeft))
	if err != nil || mod != ModNone || key != KeyLeft {
		t.Fatalf("ParseKeycode arrow = %v %x %v", mod, key, err)
	}
	if IsKeycode([]byte("hello wo")) {
		t.Fatalf("text misread as keycode")
	}
}

func TestConsumerLayout(t *testing.T) {
	got := Consumer(UsageVolumeUp)
	if !bytes.Equal(got, []byte{4, 0xe9, 0x00}) {
		t.Fatalf("Consumer = %x", got)
	}
	u, err := ParseConsumer(got)
	if err != nil || u != UsageVolumeUp {
		t.Fatalf("ParseConsumer = %x %v", u, err)
	}
	if _, err := ParseConsumer(Keycode(ModCtrl, 'c')); !errors.Is(err, ErrInvalidConsumer) {
		t.Fatalf("keycode accepted as consumer report: %v", err)
	}
}

func TestRename(t *testing.T) {
	b, err := Rename("desk-keyboard")
	if err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if b[0] != 3 || int(b[1]) != len("desk-keyboard") {
		t.Fatalf("Rename header = %x", b[:2])
	}
	name, err := ParseRename(b)
	if err != nil || name != "desk-keyboard" {
		t.Fatalf("ParseRename = %q %v", name, err)
	}
	for _, bad := range []string{"", strings.Repeat("n", MaxNameLength+1), "\xff"} {
		if _, err := Rename(bad); !errors.Is(err, ErrInvalidName) {
			t.Fatalf("Rename(%q): expected ErrInvalidName, got %v", bad, err)
		}
	}
	if _, err := ParseRename([]byte{3, 5, 'a'}); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("short rename accepted: %v", err)
	}
}
