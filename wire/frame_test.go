package wire

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewRequestFrame(t *testing.T) {
	t.Parallel()

	data := JobIDRequest{JobID: 7}
	frame, err := NewRequestFrame("frame-1", MethodJobGet, data)
	if err != nil {
		t.Fatalf("NewRequestFrame: %v", err)
	}

	if frame.ID != "frame-1" {
		t.Errorf("ID = %q, want %q", frame.ID, "frame-1")
	}
	if frame.Type != FrameRequest {
		t.Errorf("Type = %q, want %q", frame.Type, FrameRequest)
	}
	if frame.Method != MethodJobGet {
		t.Errorf("Method = %q, want %q", frame.Method, MethodJobGet)
	}
	if frame.Timestamp.IsZero() {
		t.Error("Timestamp should not be zero")
	}

	var payload JobIDRequest
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if payload.JobID != 7 {
		t.Errorf("payload JobID = %d, want 7", payload.JobID)
	}
}

func TestNewResponseFrame(t *testing.T) {
	t.Parallel()

	frame, err := NewResponseFrame("correl-1", map[string]string{"status": "ok"})
	if err != nil {
		t.Fatalf("NewResponseFrame: %v", err)
	}

	if frame.Type != FrameResponse {
		t.Errorf("Type = %q, want %q", frame.Type, FrameResponse)
	}
	if frame.CorrelID != "correl-1" {
		t.Errorf("CorrelID = %q, want %q", frame.CorrelID, "correl-1")
	}
	if frame.ID == "" {
		t.Error("ID should be auto-generated")
	}
}

func TestNewErrorFrame(t *testing.T) {
	t.Parallel()

	frame := NewErrorFrame("correl-2", ErrCodeNotFound, "job not found")

	if frame.Type != FrameErr {
		t.Errorf("Type = %q, want %q", frame.Type, FrameErr)
	}
	if frame.Error == nil {
		t.Fatal("Error should be set")
	}
	if frame.Error.Code != ErrCodeNotFound {
		t.Errorf("Code = %d, want %d", frame.Error.Code, ErrCodeNotFound)
	}
	if frame.Error.Message != "job not found" {
		t.Errorf("Message = %q, want %q", frame.Error.Message, "job not found")
	}
}

func TestNewEventFrame(t *testing.T) {
	t.Parallel()

	frame, err := NewEventFrame("jobs", map[string]uint64{"job_id": 3})
	if err != nil {
		t.Fatalf("NewEventFrame: %v", err)
	}

	if frame.Type != FrameEvent {
		t.Errorf("Type = %q, want %q", frame.Type, FrameEvent)
	}
	if frame.Channel != "jobs" {
		t.Errorf("Channel = %q, want %q", frame.Channel, "jobs")
	}
}

func TestCodecRoundTrip(t *testing.T) {
	t.Parallel()

	codecs := []Codec{&JSONCodec{}, &MsgpackCodec{}}

	for _, codec := range codecs {
		t.Run(codec.Name(), func(t *testing.T) {
			t.Parallel()

			original := &Frame{
				ID:        "f-1",
				Type:      FrameRequest,
				Method:    MethodJobCreate,
				Data:      json.RawMessage(`{"quantity":1600}`),
				Channel:   "jobs",
				Credits:   5,
				Timestamp: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
			}

			data, err := codec.Encode(original)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}

			decoded, err := codec.Decode(data)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}

			if decoded.ID != original.ID {
				t.Errorf("ID = %q, want %q", decoded.ID, original.ID)
			}
			if decoded.Method != original.Method {
				t.Errorf("Method = %q, want %q", decoded.Method, original.Method)
			}
			if decoded.Credits != original.Credits {
				t.Errorf("Credits = %d, want %d", decoded.Credits, original.Credits)
			}
			if !decoded.Timestamp.Equal(original.Timestamp) {
				t.Errorf("Timestamp = %v, want %v", decoded.Timestamp, original.Timestamp)
			}
		})
	}
}

func TestGetCodec(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		want string
	}{
		{"json", CodecNameJSON},
		{"msgpack", CodecNameMsgpack},
		{"", CodecNameJSON},
		{"unknown", CodecNameJSON},
	}

	for _, tt := range tests {
		if got := GetCodec(tt.name).Name(); got != tt.want {
			t.Errorf("GetCodec(%q).Name() = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestCodecDecodeInvalid(t *testing.T) {
	t.Parallel()

	if _, err := (&JSONCodec{}).Decode([]byte("{not json")); err == nil {
		t.Error("JSONCodec.Decode should reject malformed input")
	}
	if _, err := (&MsgpackCodec{}).Decode([]byte{0xc1}); err == nil {
		t.Error("MsgpackCodec.Decode should reject malformed input")
	}
}
