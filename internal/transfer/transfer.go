// Package transfer implements the Data Transfer Controller of spec.md
// Section 4.4: the state machine governing a single data channel's
// lifecycle, independent of and concurrently scheduled against the
// control-channel command sequence. It generalizes the inline PASV/PORT/
// RETR/STOR bodies the teacher runs synchronously inside its command
// handlers into an explicit state object so ABOR, shutdown, and the
// reply-before-data / reply-after-close ordering guarantees can be tested
// without a live socket.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/ftpengine/ftpd/internal/codec"
	"github.com/ftpengine/ftpd/internal/ratelimit"
)

// State is one node of the data channel lifecycle.
type State int

const (
	Idle State = iota
	BoundPassive
	ConnectingActive
	Open
	Transferring
	PreEnd
	Closing
	Aborted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case BoundPassive:
		return "BOUND_PASSIVE"
	case ConnectingActive:
		return "CONNECTING_ACTIVE"
	case Open:
		return "OPEN"
	case Transferring:
		return "TRANSFERRING"
	case PreEnd:
		return "PRE_END"
	case Closing:
		return "CLOSING"
	case Aborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// ErrAlreadyActive is returned when a second transfer is attempted while
// one is already bound or in flight, per spec.md's single-transfer-at-a-
// time rule (surfaces as a 425 at the command layer).
var ErrAlreadyActive = errors.New("transfer: data channel already active")

// ErrAborted is returned from Open, TransferOutbound, and TransferInbound
// when the transfer was cancelled via Abort rather than completing or
// failing on its own.
var ErrAborted = errors.New("transfer: aborted")

// Listener is the subset of net.Listener the controller needs; satisfied
// directly by *net.TCPListener.
type Listener interface {
	Accept() (net.Conn, error)
	Close() error
	Addr() net.Addr
}

// Controller owns one data channel's state across its bind, connect,
// transfer, and close phases. A Controller is single-use: callers create
// one per data-channel attempt (PASV/PORT through its matching RETR/STOR/
// LIST/ABOR).
type Controller struct {
	mu    sync.Mutex
	state State

	listener Listener
	dialAddr string
	dialer   net.Dialer

	pipeline *codec.Pipeline
	limiter  *ratelimit.Limiter

	conn       net.Conn
	cancel     context.CancelFunc
	abortOnce  sync.Once
	abortCh    chan struct{}
}

// NewController returns an idle controller using pipeline for the MODE/
// TYPE/STRU transform and limiter (optional) for bandwidth limiting.
func NewController(pipeline *codec.Pipeline, limiter *ratelimit.Limiter) *Controller {
	return &Controller{
		state:    Idle,
		pipeline: pipeline,
		limiter:  limiter,
		abortCh:  make(chan struct{}),
		dialer:   net.Dialer{Timeout: activeDialTimeout},
	}
}

// activeDialTimeout bounds how long an active-mode data connect waits,
// mirroring the teacher's PORT/EPRT dial timeout.
const activeDialTimeout = 10 * time.Second

// State returns the controller's current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) transition(from []State, to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ok := false
	for _, f := range from {
		if c.state == f {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("transfer: invalid transition %s -> %s", c.state, to)
	}
	c.state = to
	return nil
}

// BindPassive opens a listening socket for PASV/EPSV and moves the
// controller to BOUND_PASSIVE. addr is the bind address ("" for wildcard,
// ":0" for an ephemeral port, or a specific host:port drawn from a PASV
// port range).
func (c *Controller) BindPassive(addr string) (net.Addr, error) {
	if err := c.transition([]State{Idle}, BoundPassive); err != nil {
		return nil, ErrAlreadyActive
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		c.mu.Lock()
		c.state = Idle
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Lock()
	c.listener = ln
	c.mu.Unlock()
	return ln.Addr(), nil
}

// AdoptListener moves an Idle controller to BoundPassive using a listener
// the caller already bound (e.g. via PreparePassiveOnRange), for callers
// that need to pick the port before the session decides whether to keep
// this controller.
func (c *Controller) AdoptListener(ln Listener) error {
	if err := c.transition([]State{Idle}, BoundPassive); err != nil {
		return ErrAlreadyActive
	}
	c.mu.Lock()
	c.listener = ln
	c.mu.Unlock()
	return nil
}

// PreparePassiveOnRange tries each port in [min,max] starting from a
// caller-supplied round-robin offset, mirroring the teacher's
// listenPassive scan, until one binds or the range is exhausted. It binds
// through net.Listen directly; callers that need to route through a custom
// transport (e.g. QUIC) should use PreparePassiveOnRangeWithListener.
func PreparePassiveOnRange(min, max, startOffset int) (net.Listener, error) {
	return PreparePassiveOnRangeWithListener(net.Listen, min, max, startOffset)
}

// PreparePassiveOnRangeWithListener is PreparePassiveOnRange generalized
// over the listen call itself, so a session can route passive binds through
// a server.ListenerFactory instead of always dialing net.Listen.
func PreparePassiveOnRangeWithListener(listen func(network, address string) (net.Listener, error), min, max, startOffset int) (net.Listener, error) {
	if min <= 0 || max < min {
		return listen("tcp", ":0")
	}
	rangeLen := max - min + 1
	for i := 0; i < rangeLen; i++ {
		port := min + (startOffset+i)%rangeLen
		ln, err := listen("tcp", ":"+strconv.Itoa(port))
		if err == nil {
			return ln, nil
		}
	}
	return nil, fmt.Errorf("transfer: no available ports in range [%d, %d]", min, max)
}

// PrepareActive records the peer address for PORT/EPRT and moves the
// controller to CONNECTING_ACTIVE. The dial itself happens lazily in
// Open, so a PORT command that is never followed by a transfer command
// never opens a socket.
func (c *Controller) PrepareActive(addr string) error {
	if err := c.transition([]State{Idle}, ConnectingActive); err != nil {
		return ErrAlreadyActive
	}
	c.mu.Lock()
	c.dialAddr = addr
	c.mu.Unlock()
	return nil
}

// openedDataChannel is the barrier a caller waits on before sending the
// "150 Opening data connection" reply: Open must not return (and the
// 150 must not go out) until bytes could actually flow, per spec.md's
// reply-before-data ordering guarantee.
func (c *Controller) openedDataChannel(ctx context.Context) (net.Conn, error) {
	c.mu.Lock()
	state := c.state
	ln := c.listener
	dialAddr := c.dialAddr
	c.mu.Unlock()

	var conn net.Conn
	var err error

	switch state {
	case BoundPassive:
		type acceptResult struct {
			conn net.Conn
			err  error
		}
		resCh := make(chan acceptResult, 1)
		go func() {
			conn, err := ln.Accept()
			resCh <- acceptResult{conn, err}
		}()
		select {
		case res := <-resCh:
			conn, err = res.conn, res.err
		case <-ctx.Done():
			ln.Close()
			return nil, ctx.Err()
		case <-c.abortCh:
			ln.Close()
			return nil, ErrAborted
		}
		ln.Close()
	case ConnectingActive:
		conn, err = c.dialer.DialContext(ctx, "tcp", dialAddr)
	default:
		return nil, fmt.Errorf("transfer: Open called from state %s", state)
	}
	if err != nil {
		return nil, err
	}
	if terr := c.transition([]State{state}, Open); terr != nil {
		conn.Close()
		return nil, terr
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return conn, nil
}

// Open accepts (passive) or dials (active) the data connection and
// blocks until it is ready for transfer, or ctx is cancelled/Abort is
// called.
func (c *Controller) Open(ctx context.Context) (net.Conn, error) {
	return c.openedDataChannel(ctx)
}

// OpenWithWrap is Open followed by wrap(conn), with the wrapped
// connection (e.g. after a TLS handshake for PROT P) becoming the one
// TransferInbound/TransferOutbound/Close operate on. wrap is optional;
// a nil wrap behaves exactly like Open.
func (c *Controller) OpenWithWrap(ctx context.Context, wrap func(net.Conn) (net.Conn, error)) (net.Conn, error) {
	conn, err := c.openedDataChannel(ctx)
	if err != nil || wrap == nil {
		return conn, err
	}
	wrapped, werr := wrap(conn)
	if werr != nil {
		conn.Close()
		c.markAborted()
		return nil, werr
	}
	c.mu.Lock()
	c.conn = wrapped
	c.mu.Unlock()
	return wrapped, nil
}

// TransferOutbound sends the contents of src (already in local/logical
// representation) through the pipeline and limiter to the open data
// connection, for RETR-shaped commands. It returns the number of logical
// bytes read from src.
func (c *Controller) TransferOutbound(ctx context.Context, src io.Reader) (int64, error) {
	if err := c.transition([]State{Open}, Transferring); err != nil {
		return 0, err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	var total int64
	buf := make([]byte, 32*1024)
	for {
		select {
		case <-ctx.Done():
			c.markAborted()
			return total, ctx.Err()
		case <-c.abortCh:
			c.markAborted()
			return total, ErrAborted
		default:
		}

		n, rerr := src.Read(buf)
		if n > 0 {
			flags := codec.BlockFlag(0)
			chunk, eerr := c.pipeline.EncodeOutbound(codec.DataBlock{Data: buf[:n]})
			if eerr != nil {
				c.markAborted()
				return total, eerr
			}
			w := ratelimit.NewWriterContext(ctx, conn, c.limiter)
			if _, werr := w.Write(chunk); werr != nil {
				c.markAborted()
				return total, werr
			}
			_ = flags
			total += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			c.markAborted()
			return total, rerr
		}
	}

	term, err := c.pipeline.EncodeOutbound(codec.DataBlock{Flags: codec.FlagEOF})
	if err == nil && len(term) > 0 {
		_, _ = conn.Write(term)
	}
	if err := c.transition([]State{Transferring}, PreEnd); err != nil {
		return total, err
	}
	return total, nil
}

// TransferInbound reads from the open data connection through the
// pipeline and writes logical bytes to dst, for STOR-shaped commands.
func (c *Controller) TransferInbound(ctx context.Context, dst io.Writer) (int64, error) {
	if err := c.transition([]State{Open}, Transferring); err != nil {
		return 0, err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	r := ratelimit.NewReaderContext(ctx, conn, c.limiter)
	dec := c.pipeline.NewInboundDecoder()
	buf := make([]byte, 32*1024)
	var total int64
	for {
		select {
		case <-ctx.Done():
			c.markAborted()
			return total, ctx.Err()
		case <-c.abortCh:
			c.markAborted()
			return total, ErrAborted
		default:
		}

		n, rerr := r.Read(buf)
		if n > 0 {
			blocks, derr := dec.Feed(buf[:n])
			if derr != nil {
				c.markAborted()
				return total, derr
			}
			for _, b := range blocks {
				final, ferr := c.pipeline.DecodeBlock(b)
				if ferr != nil {
					c.markAborted()
					return total, ferr
				}
				if len(final.Data) > 0 {
					if _, werr := dst.Write(final.Data); werr != nil {
						c.markAborted()
						return total, werr
					}
					total += int64(len(final.Data))
				}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			c.markAborted()
			return total, rerr
		}
	}

	if err := c.transition([]State{Transferring}, PreEnd); err != nil {
		return total, err
	}
	return total, nil
}

// closedDataChannel is the barrier a caller waits on before sending the
// final "226 Transfer complete" reply: Close must fully tear down the
// socket first, so a reply never precedes the FIN the client sees.
func (c *Controller) closedDataChannel() error {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	return c.transition([]State{state}, Closing)
}

// Close finalizes the controller after a transfer reaches PreEnd (or
// Aborted), closing the socket and settling the state machine.
func (c *Controller) Close() error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state == Aborted {
		return nil
	}
	return c.closedDataChannel()
}

func (c *Controller) markAborted() {
	c.mu.Lock()
	conn := c.conn
	c.state = Aborted
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Abort cancels any in-flight Open/Transfer call. Safe to call multiple
// times and from a different goroutine than the one running the
// transfer (ABOR arrives on the control channel while RETR/STOR runs on
// the session's data task).
func (c *Controller) Abort() {
	c.abortOnce.Do(func() { close(c.abortCh) })
	c.markAborted()
}

// Reset releases any listener left bound by a PASV/EPSV that was never
// followed by a transfer command, e.g. when a second PASV supersedes the
// first.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener != nil {
		c.listener.Close()
		c.listener = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.state = Idle
}
