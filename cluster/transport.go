package cluster

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	cbor "github.com/fxamacker/cbor/v2"
)

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	em, _ := cbor.CanonicalEncOptions().EncMode()
	dm, _ := (cbor.DecOptions{}).DecMode()
	cborEnc, cborDec = em, dm
}

// peerConn is one mesh edge. A single TCP connection per rank pair carries
// all four logical channels; the write mutex makes sends safe from any
// goroutine, and the per-connection read loop demultiplexes inbound frames
// into per-(type,peer) inboxes so channels never interfere.
type peerConn struct {
	rank      int
	conn      net.Conn
	r         *bufio.Reader
	w         *bufio.Writer
	mu        sync.Mutex // guards writes
	maxFrame  int
	writeTO   time.Duration
	closed    chan struct{}
	closeOnce sync.Once
}

func newPeerConn(c net.Conn, rank, maxFrame int, writeTO time.Duration) *peerConn {
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(45 * time.Second)
	}
	return &peerConn{
		rank:     rank,
		conn:     c,
		r:        bufio.NewReaderSize(c, 64<<10),
		w:        bufio.NewWriterSize(c, 64<<10),
		maxFrame: maxFrame,
		writeTO:  writeTO,
		closed:   make(chan struct{}),
	}
}

func (p *peerConn) close() {
	p.closeOnce.Do(func() {
		close(p.closed)
		_ = p.conn.Close()
	})
}

// readFrame blocks until a full frame arrives. No read deadline: peers sit
// idle between searches and an idle connection must stay up.
func (p *peerConn) readFrame() ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(p.r, hdr[:]); err != nil {
		return nil, err
	}

	n := int(binary.BigEndian.Uint32(hdr[:]))
	if p.maxFrame > 0 && n > p.maxFrame {
		return nil, errors.New("frame too large")
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(p.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (p *peerConn) writeFrame(payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(p.writeTO))
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := p.w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := p.w.Write(payload); err != nil {
		return err
	}
	return p.w.Flush()
}

// send encodes and writes one message synchronously.
func (p *peerConn) send(msg any) error {
	raw, err := cborEnc.Marshal(msg)
	if err != nil {
		return err
	}
	return p.writeFrame(raw)
}

// op is an opaque handle to one in-flight asynchronous operation. test is a
// non-blocking completion check; wait parks until done.
type op struct {
	done chan struct{}
	err  error
}

func newOp() *op { return &op{done: make(chan struct{})} }

// doneOp returns an already-completed handle (the null-request equivalent).
func doneOp() *op {
	o := newOp()
	close(o.done)
	return o
}

func (o *op) complete(err error) {
	o.err = err
	close(o.done)
}

func (o *op) test() bool {
	select {
	case <-o.done:
		return true
	default:
		return false
	}
}

func (o *op) wait() error {
	<-o.done
	return o.err
}

// isend starts an asynchronous send and returns its handle.
func (p *peerConn) isend(msg any) *op {
	o := newOp()
	go func() {
		o.complete(p.send(msg))
	}()
	return o
}

// dialRank establishes the mesh edge toward a lower rank, retrying until the
// deadline so ranks may start in any order, and performs the hello exchange.
func dialRank(addr string, self, peer, ranks, maxFrame int, writeTO, retry time.Duration, deadline time.Time) (*peerConn, error) {
	var lastErr error
	for time.Now().Before(deadline) {
		d := net.Dialer{Timeout: retry}
		c, err := d.Dial("tcp", addr)
		if err != nil {
			lastErr = err
			time.Sleep(retry)
			continue
		}

		pc := newPeerConn(c, peer, maxFrame, writeTO)
		if err := pc.hello(self, ranks); err != nil {
			pc.close()
			return nil, err
		}
		return pc, nil
	}
	return nil, fmt.Errorf("dial rank %d at %s: %w", peer, addr, lastErr)
}

func (p *peerConn) hello(self, ranks int) error {
	msg := &MsgHello{Base: Base{T: MTHello, From: self}, Rank: self, Ranks: ranks}
	if err := p.send(msg); err != nil {
		return err
	}

	respRaw, err := p.readFrame()
	if err != nil {
		return err
	}

	var hr MsgHelloResp
	if err := cborDec.Unmarshal(respRaw, &hr); err != nil {
		return err
	}
	if hr.T != MTHelloResp {
		return ErrBadPeer
	}
	if !hr.OK {
		if hr.Err == "" {
			hr.Err = "rejected"
		}
		return fmt.Errorf("%w: %s", ErrHandshake, hr.Err)
	}
	return nil
}

// acceptRank validates an inbound hello from a higher rank.
func acceptRank(c net.Conn, self, ranks, maxFrame int, writeTO time.Duration) (*peerConn, error) {
	pc := newPeerConn(c, -1, maxFrame, writeTO)

	raw, err := pc.readFrame()
	if err != nil {
		return nil, err
	}
	var h MsgHello
	if err := cborDec.Unmarshal(raw, &h); err != nil {
		return nil, err
	}

	reject := func(reason string) error {
		_ = pc.send(&MsgHelloResp{Base: Base{T: MTHelloResp, From: self}, OK: false, Err: reason})
		return fmt.Errorf("%w: %s", ErrHandshake, reason)
	}
	if h.T != MTHello {
		return nil, reject("expected hello")
	}
	if h.Ranks != ranks {
		return nil, reject(fmt.Sprintf("cluster size mismatch: %d != %d", h.Ranks, ranks))
	}
	if h.Rank <= self || h.Rank >= ranks {
		return nil, reject(fmt.Sprintf("unexpected rank %d", h.Rank))
	}

	if err := pc.send(&MsgHelloResp{Base: Base{T: MTHelloResp, From: self}, OK: true}); err != nil {
		return nil, err
	}
	pc.rank = h.Rank
	return pc, nil
}
