package transport

import (
	"bytes"
	"testing"
)

func TestWriteReadMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("submit-task-payload")
	if err := WriteMessage(&buf, MsgSubmitTask, payload); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	typ, got, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if typ != MsgSubmitTask {
		t.Fatalf("expected type %v, got %v", MsgSubmitTask, typ)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("expected payload %q, got %q", payload, got)
	}
}

func TestReadMessageRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	hdr := make([]byte, frameHeaderLen)
	hdr[0] = 0xff // absurd length in the high byte of the big-endian u64
	buf.Write(hdr)
	if _, _, err := ReadMessage(&buf); err == nil {
		t.Fatal("expected an error for an oversized frame length")
	}
}

func TestCompressPushRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("ray-object-bytes"), 1000)
	compressed, err := CompressPush(data)
	if err != nil {
		t.Fatalf("CompressPush: %v", err)
	}
	if len(compressed) >= len(data) {
		t.Fatalf("expected compression to shrink repetitive data, got %d >= %d", len(compressed), len(data))
	}
	decompressed, err := DecompressPush(compressed)
	if err != nil {
		t.Fatalf("DecompressPush: %v", err)
	}
	if !bytes.Equal(decompressed, data) {
		t.Fatal("expected decompressed data to match original")
	}
}
