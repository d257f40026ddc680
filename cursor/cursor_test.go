package cursor

import (
	"errors"
	"testing"
)

func TestCursor_U16U32(t *testing.T) {
	c := New([]byte{0x00, 0x05, 0x00, 0x00, 0x00, 0x09})
	v16, err := c.U16()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v16 != 5 {
		t.Errorf("expected 5, got %d", v16)
	}
	v32, err := c.U32()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v32 != 9 {
		t.Errorf("expected 9, got %d", v32)
	}
	if c.Remaining() != 0 {
		t.Errorf("expected 0 remaining, got %d", c.Remaining())
	}
}

func TestCursor_Truncated(t *testing.T) {
	c := New([]byte{0x01})
	_, err := c.U32()
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestCursor_VarlenIPFIX_Short(t *testing.T) {
	c := New([]byte{0x05, 'h', 'e', 'l', 'l', 'o'})
	b, err := c.VarlenIPFIX()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(b) != "hello" {
		t.Errorf("expected %q, got %q", "hello", b)
	}
}

func TestCursor_VarlenIPFIX_Long(t *testing.T) {
	buf := append([]byte{0xFF, 0x00, 0x03}, []byte("abc")...)
	c := New(buf)
	b, err := c.VarlenIPFIX()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(b) != "abc" {
		t.Errorf("expected %q, got %q", "abc", b)
	}
}

func TestCursor_Seek(t *testing.T) {
	c := New([]byte{1, 2, 3, 4})
	if err := c.Seek(2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v, err := c.U8()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 3 {
		t.Errorf("expected 3, got %d", v)
	}
	if err := c.Seek(10); !errors.Is(err, ErrTruncated) {
		t.Errorf("expected ErrTruncated, got %v", err)
	}
}
