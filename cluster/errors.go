package cluster

import (
	"errors"
	"io"
	"net"
	"syscall"
)

var (
	ErrClosed      = errors.New("cluster closed")
	ErrBadPeer     = errors.New("bad peer response")
	ErrHandshake   = errors.New("handshake rejected")
	ErrRoundSkew   = errors.New("unresolved round skew")
	ErrShortBuffer = errors.New("exchange payload size mismatch")
)

// isFatalTransport reports whether an error indicates a broken or unusable
// peer connection. A rank disappearing mid-run is a documented limitation:
// the cluster will hang, so a fatal transport error is only logged.
func isFatalTransport(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrClosed) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return true
	}

	var nerr net.Error
	if errors.As(err, &nerr) {
		return !nerr.Timeout()
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNABORTED) {
		return true
	}
	return false
}
