package core

// Stream-based RPC framing for the transport's request/response protocols
// (spec §4.9 range/snapshot sync run over libp2p streams as
// length-prefixed, one-shot request/response exchanges).

import (
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

const maxRPCFrame = 64 * 1024 * 1024 // 64MiB, generous for a snapshot response

func protocolID(name string) protocol.ID {
	return protocol.ID("/clawnet/" + name + "/1.0.0")
}

func parsePeerID(p PeerID) (peer.ID, error) {
	id, err := peer.Decode(string(p))
	if err != nil {
		return "", fmt.Errorf("clawnet: invalid peer id %s: %w", p, err)
	}
	return id, nil
}

// writeFrame writes a uint32-length-prefixed payload.
func writeFrame(w io.Writer, data []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("clawnet: write frame header: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("clawnet: write frame body: %w", err)
	}
	return nil
}

// readFrame reads a single uint32-length-prefixed payload.
func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("clawnet: read frame header: %w", err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxRPCFrame {
		return nil, fmt.Errorf("clawnet: frame too large: %d bytes", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("clawnet: read frame body: %w", err)
	}
	return buf, nil
}

func (t *libp2pTransport) streamHandler(protoID string, h RPCHandler) network.StreamHandler {
	return func(s network.Stream) {
		defer s.Close()
		req, err := readFrame(s)
		if err != nil {
			t.log.Warnw("rpc: read request failed", "proto", protoID, "err", err)
			return
		}
		from := PeerID(s.Conn().RemotePeer().String())
		resp, err := h(t.ctx, from, req)
		if err != nil {
			t.log.Warnw("rpc: handler error", "proto", protoID, "from", from, "err", err)
			return
		}
		if err := writeFrame(s, resp); err != nil {
			t.log.Warnw("rpc: write response failed", "proto", protoID, "err", err)
		}
	}
}

// NodeIDFromPeer derives a Kademlia NodeID from a transport PeerID by
// hashing its string form (spec doesn't mandate a specific derivation; this
// keeps the DHT keyspace independent of libp2p's own peer ID encoding).
func NodeIDFromPeer(p PeerID) NodeID {
	return hash160([]byte(p))
}

// parseListenPort extracts the TCP port from a libp2p multiaddr string of
// the form "/ip4/0.0.0.0/tcp/4001", for NAT port mapping.
func parseListenPort(addr string) (int, error) {
	parts := strings.Split(addr, "/")
	for i, p := range parts {
		if p == "tcp" && i+1 < len(parts) {
			return strconv.Atoi(parts[i+1])
		}
	}
	return 0, fmt.Errorf("clawnet: no tcp port in %s", addr)
}
