package cluster

import (
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
)

// Config fixes the cluster topology for the process lifetime: rank identity
// and the full peer list are immutable after Init. Peers[i] is the address of
// rank i; the position in the list is the rank.
type Config struct {
	Rank  int
	Peers []string

	// BindAddr overrides the listen address (defaults to ":port" of
	// Peers[Rank], so the host part of the public address is ignored).
	BindAddr string

	CacheSize        int // entries per per-thread exchange buffer
	MinExchangeDepth int // minimum depth for an entry to enter the ring

	MaxFrame       int
	ConnectTimeout time.Duration // total budget for mesh establishment
	DialRetry      time.Duration // pause between dial attempts
	WriteTimeout   time.Duration
	InputPoll      time.Duration // sleep quantum of the relay poll loop

	Logger zerolog.Logger
}

// Default returns a config with production defaults for a single local rank.
func Default() Config {
	c := Config{
		Peers: []string{"localhost:9010"},
	}
	c.FillDefaults()
	return c
}

func (c *Config) FillDefaults() {
	if c.CacheSize <= 0 {
		c.CacheSize = 16
	}
	if c.MinExchangeDepth <= 0 {
		c.MinExchangeDepth = 4
	}
	if c.MaxFrame <= 0 {
		c.MaxFrame = 4 << 20
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.DialRetry <= 0 {
		c.DialRetry = 250 * time.Millisecond
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.InputPoll <= 0 {
		c.InputPoll = 10 * time.Millisecond
	}
	if c.BindAddr == "" && c.Rank < len(c.Peers) {
		if _, port, err := net.SplitHostPort(c.Peers[c.Rank]); err == nil {
			c.BindAddr = ":" + port
		}
	}
}

func (c *Config) Validate() error {
	if len(c.Peers) == 0 {
		return fmt.Errorf("cluster config: empty peer list")
	}
	if c.Rank < 0 || c.Rank >= len(c.Peers) {
		return fmt.Errorf("cluster config: rank %d out of range [0,%d)", c.Rank, len(c.Peers))
	}
	for i, a := range c.Peers {
		if a == "" {
			return fmt.Errorf("cluster config: empty address for rank %d", i)
		}
	}
	return nil
}
