package obfs

import (
	"bytes"
	"testing"
)

func ptr(n int) *int { return &n }

func TestTransformSymmetry(t *testing.T) {
	key := []byte{0x01, 0x02, 0x03}
	firsts := []*int{nil, ptr(0), ptr(1), ptr(5), ptr(6), ptr(7)}

	original := []byte("hello world")
	for _, first := range firsts {
		cfg := Config{Key: key, First: first}
		buf := append([]byte(nil), original...)
		Transform(buf, cfg)
		changed := !bytes.Equal(buf, original)
		wantChanged := first == nil || *first > 0
		if changed != wantChanged {
			t.Fatalf("first=%v: transform changed bytes = %v, want %v", first, changed, wantChanged)
		}
		Transform(buf, cfg)
		if !bytes.Equal(buf, original) {
			t.Fatalf("first=%v: transform is not its own inverse: got %v want %v", first, buf, original)
		}
	}
}

func TestTransformPrefixOnly(t *testing.T) {
	cfg := Config{Key: []byte{0x01}, First: ptr(2)}
	in := []byte{0x10, 0x20, 0x30, 0x40}
	want := []byte{0x11, 0x21, 0x30, 0x40}

	buf := append([]byte(nil), in...)
	Transform(buf, cfg)
	if !bytes.Equal(buf, want) {
		t.Fatalf("got %v want %v", buf, want)
	}
}

func TestTransformZeroKeyIsIdentity(t *testing.T) {
	cfg := Config{Key: []byte{0x00}}
	in := []byte("hello")
	buf := append([]byte(nil), in...)
	Transform(buf, cfg)
	if !bytes.Equal(buf, in) {
		t.Fatalf("zero key should leave bytes unchanged: got %v want %v", buf, in)
	}
}

func TestTransformEchoExample(t *testing.T) {
	cfg := Config{Key: []byte{0xFF}}
	in := []byte("hello")
	want := []byte{0x97, 0x9A, 0x93, 0x93, 0x90}
	buf := append([]byte(nil), in...)
	Transform(buf, cfg)
	if !bytes.Equal(buf, want) {
		t.Fatalf("got %v want %v", buf, want)
	}
}

func TestValidateRejectsEmptyKey(t *testing.T) {
	cfg := Config{Key: nil}
	if err := cfg.Validate(); err != ErrEmptyKey {
		t.Fatalf("expected ErrEmptyKey, got %v", err)
	}
}

func TestValidateAcceptsNonEmptyKey(t *testing.T) {
	cfg := Config{Key: []byte{0x01}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
