package vm

import (
	"testing"
)

func TestNew_RejectsEmptyGuest(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty guest module bytes")
	}
}

func TestNew_BuildsStacksWhenMACUnset(t *testing.T) {
	v1, err := New(Config{Guest: []byte{0x00}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	v2, err := New(Config{Guest: []byte{0x00}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if v1.stack == nil || v2.stack == nil {
		t.Fatal("expected stacks to be constructed")
	}
}

func TestNew_WiresStdinThroughToShim(t *testing.T) {
	v, err := New(Config{Guest: []byte{0x00}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := v.WriteStdin([]byte("hello")); err != nil {
		t.Fatalf("WriteStdin: %v", err)
	}
	buf := make([]byte, 16)
	n, err := v.sh.Read(0, buf)
	if err != nil || string(buf[:n]) != "hello" {
		t.Fatalf("expected shim to observe the written stdin bytes, got n=%d err=%v", n, err)
	}
}

func TestRandomLocalMAC_SetsLocallyAdministeredBit(t *testing.T) {
	mac := randomLocalMAC()
	if len(mac) != 6 {
		t.Fatalf("expected a 6-byte MAC, got %d bytes", len(mac))
	}
	if mac[0]&0x02 == 0 {
		t.Fatalf("expected the locally-administered bit set, got %v", mac)
	}
}
