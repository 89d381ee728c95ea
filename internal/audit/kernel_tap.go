package audit

import (
	"encoding/binary"
	"fmt"
	"log"
	"time"

	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
)

// KernelTap decodes raw socket events from a pinned eBPF ring buffer map
// into audit entries. Attaching requires CAP_BPF/root on Linux. Mock mode
// (Start is a no-op) is used only when NewKernelTap is given a nil reader;
// with a reader, a failure to lift the memlock rlimit makes NewKernelTap
// return an error rather than fall back to mock mode.
type KernelTap struct {
	ring    *ringbuf.Reader
	onEvent func(agentID string, data map[string]interface{})
}

// NewKernelTap attaches to an already-opened ring buffer map reader. Pass
// nil to construct a mock-mode tap (Start logs and returns immediately).
func NewKernelTap(mapReader *ringbuf.Reader) (*KernelTap, error) {
	if mapReader != nil {
		if err := rlimit.RemoveMemlock(); err != nil {
			return nil, fmt.Errorf("audit: remove memlock rlimit: %w", err)
		}
	}
	return &KernelTap{ring: mapReader}, nil
}

// Start consumes ring buffer records until Close is called or the ring is
// closed. Safe to call even in mock mode.
func (t *KernelTap) Start() {
	if t.ring == nil {
		log.Println("audit: no eBPF ring buffer attached, kernel tap running in mock mode")
		return
	}

	go func() {
		for {
			record, err := t.ring.Read()
			if err != nil {
				if err == ringbuf.ErrClosed {
					return
				}
				log.Printf("audit: ring buffer read error: %v", err)
				continue
			}
			t.handleRecord(record.RawSample)
		}
	}()
}

// handleRecord decodes the fixed C struct {u32 pid, u32 uid, u32 len,
// u8 payload[256]} written by the socket filter program.
func (t *KernelTap) handleRecord(raw []byte) {
	if len(raw) < 12 {
		return
	}
	pid := binary.LittleEndian.Uint32(raw[0:4])
	dataLen := binary.LittleEndian.Uint32(raw[8:12])

	payload := raw[12:]
	if int(dataLen) < len(payload) {
		payload = payload[:dataLen]
	}

	if t.onEvent != nil {
		t.onEvent(fmt.Sprintf("pid-%d", pid), map[string]interface{}{
			"pid":       pid,
			"payload":   string(payload),
			"observedAt": time.Now(),
		})
	}
}

// Close stops consuming; a subsequent Read on the underlying ring
// returns ringbuf.ErrClosed.
func (t *KernelTap) Close() error {
	if t.ring == nil {
		return nil
	}
	return t.ring.Close()
}
