package protocol

import (
	"bytes"
	"reflect"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	cases := []Frame{
		ConnectFrame{SessionID: "abc123", ClientVersion: "1.2.3"},
		ReconnectFrame{SessionID: "abc123", LastMessageID: 42},
		DisconnectFrame{},
		DisconnectFrame{HasReason: true, Reason: "bye"},
		DataFrame{Payload: []byte("hello"), MessageID: 1, Timestamp: 1234567890},
		DataFrame{Payload: []byte{}, MessageID: 2, Timestamp: 0},
		HeartbeatFrame{Timestamp: 999},
		ErrorFrame{Code: 4000, Message: "SlowConsumer"},
	}

	for _, f := range cases {
		encoded, err := Encode(f)
		if err != nil {
			t.Fatalf("Encode(%v): %v", f, err)
		}
		decoded, err := Decode(encoded)
		if err != nil {
			t.Fatalf("Decode(Encode(%v)): %v", f, err)
		}
		if !reflect.DeepEqual(f, decoded) {
			t.Errorf("round trip mismatch: got %#v, want %#v", decoded, f)
		}
	}
}

func TestEncodeDeterministic(t *testing.T) {
	f := DataFrame{Payload: []byte("x"), MessageID: 7, Timestamp: 100}
	a, _ := Encode(f)
	b, _ := Encode(f)
	if !bytes.Equal(a, b) {
		t.Errorf("encode is not deterministic: %x != %x", a, b)
	}
}

func TestDecodeEmptyFrame(t *testing.T) {
	_, err := Decode(nil)
	var de *DecodeError
	if err == nil {
		t.Fatal("expected error for empty frame")
	}
	if !asDecodeError(err, &de) || de.Kind != TruncatedHeader {
		t.Errorf("expected TruncatedHeader, got %v", err)
	}
}

func TestDecodeUnknownVariant(t *testing.T) {
	_, err := Decode([]byte{99, 0, 0})
	var de *DecodeError
	if !asDecodeError(err, &de) || de.Kind != UnknownVariantTag {
		t.Errorf("expected UnknownVariantTag, got %v", err)
	}
}

func TestDecodeTruncatedData(t *testing.T) {
	full, _ := Encode(DataFrame{Payload: []byte("hello world"), MessageID: 1, Timestamp: 2})
	_, err := Decode(full[:len(full)-3])
	var de *DecodeError
	if !asDecodeError(err, &de) || de.Kind != TruncatedHeader {
		t.Errorf("expected TruncatedHeader for truncated frame, got %v", err)
	}
}

func TestDecodeOutOfRangeTrailingBytes(t *testing.T) {
	full, _ := Encode(HeartbeatFrame{Timestamp: 5})
	padded := append(full, 0xFF)
	_, err := Decode(padded)
	var de *DecodeError
	if !asDecodeError(err, &de) || de.Kind != OutOfRangeField {
		t.Errorf("expected OutOfRangeField for trailing bytes, got %v", err)
	}
}

func TestDecodePayloadOversize(t *testing.T) {
	buf := []byte{byte(VariantData), 0xFF, 0xFF, 0xFF, 0xFF} // huge forged length
	_, err := Decode(buf)
	var de *DecodeError
	if !asDecodeError(err, &de) || de.Kind != PayloadOversize {
		t.Errorf("expected PayloadOversize, got %v", err)
	}
}

func asDecodeError(err error, target **DecodeError) bool {
	de, ok := err.(*DecodeError)
	if ok {
		*target = de
	}
	return ok
}
