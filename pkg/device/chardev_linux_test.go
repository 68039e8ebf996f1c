//go:build linux

package device

import (
	"errors"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"
)

// A FIFO stands in for the radio node: it is pollable, non-blocking and
// preserves record boundaries for writes below PIPE_BUF.
func TestCharDevReadsRecords(t *testing.T) {
	dir := t.TempDir()
	prefix := filepath.Join(dir, "ieee")
	if err := unix.Mkfifo(prefix+"3", 0o600); err != nil {
		t.Skipf("mkfifo: %v", err)
	}

	dev, err := CharDevOpener{PathPrefix: prefix}.Open(3)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer dev.Close()

	if _, err := dev.ReadFrame(); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("empty read err = %v, want ErrWouldBlock", err)
	}

	wfd, err := unix.Open(prefix+"3", unix.O_WRONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	defer unix.Close(wfd)

	for dsn := uint8(1); dsn <= 2; dsn++ {
		rec, _ := EncodeRecord(Frame{Payload: []byte{0x41, 0x88, dsn}, Meta: Meta{DSN: dsn, LQI: 200}})
		if _, err := unix.Write(wfd, rec); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	for dsn := uint8(1); dsn <= 2; dsn++ {
		f, err := dev.ReadFrame()
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if f.Meta.DSN != dsn || f.Meta.LQI != 200 || f.Type() != FrameData {
			t.Errorf("frame %d = %+v", dsn, f)
		}
	}
	if _, err := dev.ReadFrame(); !errors.Is(err, ErrWouldBlock) {
		t.Errorf("drained read err = %v, want ErrWouldBlock", err)
	}
}

func TestCharDevIoctlOnNonRadio(t *testing.T) {
	dir := t.TempDir()
	prefix := filepath.Join(dir, "ieee")
	if err := unix.Mkfifo(prefix+"1", 0o600); err != nil {
		t.Skipf("mkfifo: %v", err)
	}
	dev, err := CharDevOpener{PathPrefix: prefix}.Open(1)
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()

	if err := dev.SetChannel(15); err == nil {
		t.Error("SetChannel on a FIFO should fail")
	}
}

func TestCharDevOpenMissing(t *testing.T) {
	_, err := CharDevOpener{PathPrefix: filepath.Join(t.TempDir(), "none")}.Open(9)
	if !errors.Is(err, unix.ENOENT) {
		t.Errorf("err = %v, want ENOENT", err)
	}
}

func TestCharDevCloseTwice(t *testing.T) {
	dir := t.TempDir()
	prefix := filepath.Join(dir, "ieee")
	if err := unix.Mkfifo(prefix+"2", 0o600); err != nil {
		t.Skipf("mkfifo: %v", err)
	}
	dev, err := CharDevOpener{PathPrefix: prefix}.Open(2)
	if err != nil {
		t.Fatal(err)
	}
	if err := dev.Close(); err != nil {
		t.Fatal(err)
	}
	if err := dev.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
}
