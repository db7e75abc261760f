package core

import (
	"bytes"
	"testing"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("a snapshot response of arbitrary bytes")
	if err := writeFrame(&buf, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := readFrame(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("expected %q, got %q", payload, got)
	}
}

func TestWriteReadFrameEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := writeFrame(&buf, nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := readFrame(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty payload, got %q", got)
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	// Header claims a frame far larger than maxRPCFrame, with no body to match.
	hdr := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	buf.Write(hdr)
	if _, err := readFrame(&buf); err == nil {
		t.Fatalf("expected oversized frame length to be rejected")
	}
}

func TestReadFrameRejectsTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	if err := writeFrame(&buf, []byte("hello world")); err != nil {
		t.Fatalf("write: %v", err)
	}
	full := buf.Bytes()
	truncated := bytes.NewBuffer(full[:len(full)-3])
	if _, err := readFrame(truncated); err == nil {
		t.Fatalf("expected truncated frame body to fail")
	}
}

func TestParseListenPortExtractsTCPPort(t *testing.T) {
	port, err := parseListenPort("/ip4/0.0.0.0/tcp/4001")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if port != 4001 {
		t.Fatalf("expected port 4001, got %d", port)
	}
}

func TestParseListenPortRejectsMissingTCP(t *testing.T) {
	if _, err := parseListenPort("/ip4/0.0.0.0/udp/4001"); err == nil {
		t.Fatalf("expected an error when no tcp segment is present")
	}
}

func TestNodeIDFromPeerIsDeterministic(t *testing.T) {
	a := NodeIDFromPeer(PeerID("peer-1"))
	b := NodeIDFromPeer(PeerID("peer-1"))
	if a != b {
		t.Fatalf("expected NodeIDFromPeer to be deterministic for the same input")
	}
	c := NodeIDFromPeer(PeerID("peer-2"))
	if a == c {
		t.Fatalf("expected different peer ids to hash to different node ids")
	}
}
