package reactor

import (
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const (
	DefaultAddress         = ":9999"
	DefaultBacklog         = 1024
	DefaultMaxEvents       = 1024
	DefaultReadBufferSize  = 64 << 10 // 64 KiB
	DefaultMaxPendingBytes = 4 << 20  // 4 MiB
	DefaultAcceptBackoff   = 100 * time.Millisecond
)

// Config configures a Reactor. It is read once by New and never again.
type Config struct {
	Name      string // metric label and log field; defaults to "reactor-<n>"
	Network   string // "tcp", "tcp4" or "tcp6"
	Address   string // listen address, e.g. ":9999"; port 0 picks a free port
	Backlog   int
	ReusePort bool // SO_REUSEPORT, so several reactors may share Address
	NoDelay   bool // TCP_NODELAY on accepted connections

	// PollTimeout bounds each blocking wait of Run. Negative blocks until an
	// event or a wake; zero never blocks.
	PollTimeout time.Duration
	MaxEvents   int // initial event batch size; grows when filled

	ReadBufferSize  int // size of the shared scratch buffer, see Channel.ReadBuffer
	MaxPendingBytes int // per-channel unsent output limit; negative is unbounded

	// AcceptBackoff is how long accepting stays paused after descriptor
	// exhaustion, unless a channel closes first.
	AcceptBackoff time.Duration

	LockOSThread bool

	Logger     *zerolog.Logger       // nil disables logging
	Registerer prometheus.Registerer // nil disables metric registration
}

// DefaultConfig returns a working configuration listening on DefaultAddress.
func DefaultConfig() Config {
	return Config{
		Network:         "tcp",
		Address:         DefaultAddress,
		Backlog:         DefaultBacklog,
		NoDelay:         true,
		PollTimeout:     -1,
		MaxEvents:       DefaultMaxEvents,
		ReadBufferSize:  DefaultReadBufferSize,
		MaxPendingBytes: DefaultMaxPendingBytes,
		AcceptBackoff:   DefaultAcceptBackoff,
	}
}

var reactorSeq atomic.Uint64

// normalize fills zero fields with defaults and rejects nonsensical values.
func (c Config) normalize() (Config, error) {
	switch c.Network {
	case "":
		c.Network = "tcp"
	case "tcp", "tcp4", "tcp6":
	default:
		return c, fmt.Errorf("%w: network %q", ErrInvalidArgument, c.Network)
	}
	if c.Address == "" {
		c.Address = DefaultAddress
	}
	if c.Backlog < 0 || c.MaxEvents < 0 || c.ReadBufferSize < 0 || c.AcceptBackoff < 0 {
		return c, fmt.Errorf("%w: negative size in config", ErrInvalidArgument)
	}
	if c.Backlog == 0 {
		c.Backlog = DefaultBacklog
	}
	if c.MaxEvents == 0 {
		c.MaxEvents = DefaultMaxEvents
	}
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = DefaultReadBufferSize
	}
	if c.MaxPendingBytes == 0 {
		c.MaxPendingBytes = DefaultMaxPendingBytes
	}
	if c.AcceptBackoff == 0 {
		c.AcceptBackoff = DefaultAcceptBackoff
	}
	if c.Name == "" {
		c.Name = "reactor-" + strconv.FormatUint(reactorSeq.Add(1), 10)
	}
	return c, nil
}
