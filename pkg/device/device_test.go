package device

import (
	"bytes"
	"testing"
)

func TestFrameType(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		want    FrameType
	}{
		{"beacon", []byte{0x00, 0x80}, FrameOther},
		{"data", []byte{0x41, 0x88}, FrameData},
		{"ack", []byte{0x02, 0x00}, FrameAck},
		{"ack with pending bit", []byte{0x12, 0x00}, FrameAck},
		{"command", []byte{0x63, 0x88}, FrameOther},
		{"too short", []byte{0x02}, FrameOther},
		{"empty", nil, FrameOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := Frame{Payload: tt.payload}
			if got := f.Type(); got != tt.want {
				t.Errorf("Type() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRecordRoundTrip(t *testing.T) {
	in := Frame{
		Payload: []byte{0x41, 0x88, 0x07, 0xcd, 0xab},
		Meta:    Meta{DSN: 7, LQI: 42, Timestamp: 123456789},
	}
	rec, err := EncodeRecord(in)
	if err != nil {
		t.Fatal(err)
	}
	if len(rec) != RecordSize {
		t.Fatalf("record size = %d, want %d", len(rec), RecordSize)
	}
	out, err := DecodeRecord(rec)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out.Payload, in.Payload) || out.Meta != in.Meta {
		t.Errorf("decoded %+v, want %+v", out, in)
	}
}

func TestRecordRejectsOversize(t *testing.T) {
	if _, err := EncodeRecord(Frame{Payload: make([]byte, MaxPHYPacketSize+1)}); err == nil {
		t.Error("expected error for oversize payload")
	}

	rec := make([]byte, RecordSize)
	rec[0] = 200
	if _, err := DecodeRecord(rec); err == nil {
		t.Error("expected error for bad length field")
	}
	if _, err := DecodeRecord(rec[:5]); err == nil {
		t.Error("expected error for short record")
	}
}

func TestOpenerFunc(t *testing.T) {
	var gotID int
	o := OpenerFunc(func(id int) (Device, error) {
		gotID = id
		return nil, ErrUnsupported
	})
	if _, err := o.Open(5); err != ErrUnsupported || gotID != 5 {
		t.Errorf("Open(5) = %v, id %d", err, gotID)
	}
}
