// Package bridge streams a request/response body from one leg of a
// proxied exchange to the other, applying explicit flow-control
// accounting on HTTP/2 destinations (spec §4.6 "Streaming bridge").
package bridge

import (
	"context"
	"io"
	"sync"

	"github.com/anthropics/lolb/internal/lolberr"
	"github.com/anthropics/lolb/internal/message"
)

// Source is anything a bridge can pull body chunks from: both
// message.RecvBody variants (HTTP/2 stream body, HTTP/1.1 plain or
// chunked) satisfy it directly.
type Source = message.RecvBody

// Sink is the destination side of a bridge. HTTP/2 destinations get
// explicit capacity accounting via FlowWindow (Http2Sink); HTTP/1.1
// destinations get implicit socket-write backpressure (spec §5
// "Backpressure... implicit in the socket write").
type Sink interface {
	// Send writes a non-final chunk of body data.
	Send(ctx context.Context, data []byte) error
	// Finish marks the end of the body (an empty final h2 data frame,
	// or a chunked trailer, or a no-op for plain/length-bounded bodies).
	Finish(ctx context.Context) error
}

// FlowWindow models the destination's available flow-control window
// as a plain counter. golang.org/x/net/http2 performs the real
// wire-level HTTP/2 flow control internally and does not expose it
// for direct manipulation; FlowWindow exists so the bridge's own
// reserve/await/release protocol (spec §4.6 steps 1-4) is exercised
// and testable independent of what the transport does underneath.
type FlowWindow struct {
	mu        sync.Mutex
	available int
	notify    chan struct{}
}

// NewFlowWindow creates a window with size bytes of available
// capacity.
func NewFlowWindow(size int) *FlowWindow {
	if size <= 0 {
		size = 64 * 1024
	}
	return &FlowWindow{available: size, notify: make(chan struct{}, 1)}
}

// ReserveUpTo blocks until at least one byte of capacity is available,
// then reserves and returns min(want, capacity available at that
// instant) — the "min(available, remaining)" rule from spec §4.6 step
// 3, which is what forces a large chunk to be split across multiple
// sends as the destination's window refills.
func (fw *FlowWindow) ReserveUpTo(ctx context.Context, want int) (int, error) {
	for {
		fw.mu.Lock()
		if fw.available > 0 {
			n := want
			if n > fw.available {
				n = fw.available
			}
			fw.available -= n
			fw.mu.Unlock()
			return n, nil
		}
		fw.mu.Unlock()

		select {
		case <-fw.notify:
		case <-ctx.Done():
			return 0, lolberr.IO(ctx.Err())
		}
	}
}

// Release returns n bytes of capacity to the window.
func (fw *FlowWindow) Release(n int) {
	fw.mu.Lock()
	fw.available += n
	fw.mu.Unlock()
	select {
	case fw.notify <- struct{}{}:
	default:
	}
}

// Stream drains src and writes every chunk to dst, reserving dst's
// flow window (when non-nil) before each send and releasing the
// source's window by the chunk's length once the whole chunk has been
// sent, mirroring spec
// §4.6's five-step protocol. A nil window means the destination has
// no explicit capacity accounting (HTTP/1.1 sinks).
func Stream(ctx context.Context, src Source, dst Sink, window *FlowWindow) (int64, error) {
	var total int64
	for {
		chunk, err := src.Next(ctx)
		if len(chunk) > 0 {
			if werr := sendWindowed(ctx, dst, window, chunk); werr != nil {
				return total, werr
			}
			total += int64(len(chunk))
			src.ReleaseCapacity(len(chunk))
		}
		if err == io.EOF {
			if ferr := dst.Finish(ctx); ferr != nil {
				return total, ferr
			}
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

// sendWindowed writes data to dst as a sequence of non-final frames,
// each sized to whatever the flow window could reserve at the moment
// (spec §4.6 step 3). Since each Send call blocks until its frame is
// actually written, the window is released back again immediately
// after — modeling the peer promptly replenishing capacity as it
// consumes each frame, while still forcing an oversized chunk to be
// split across as many frames as the window's size divides it into.
func sendWindowed(ctx context.Context, dst Sink, window *FlowWindow, data []byte) error {
	if window == nil {
		return dst.Send(ctx, data)
	}
	for len(data) > 0 {
		n, err := window.ReserveUpTo(ctx, len(data))
		if err != nil {
			return err
		}
		err = dst.Send(ctx, data[:n])
		window.Release(n)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}
