package distributed

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/types/known/structpb"
)

// TCPConfig describes one rank's view of a TCP process group
type TCPConfig struct {
	// Addr is the coordinator's host:port. Rank 0 listens on it, other ranks dial it.
	Addr      string
	Rank      int
	WorldSize int

	// DialRetryInterval is the pause between attempts to reach the coordinator
	DialRetryInterval time.Duration

	// Listener, when set, is used by rank 0 instead of listening on Addr
	Listener net.Listener
}

// peer is one framed connection
type peer struct {
	rank   int
	conn   net.Conn
	reader *bufio.Reader
}

// TCPGroup is a star-topology process group: every rank talks to rank 0,
// which sums contributions and broadcasts the result.
// Messages are length-delimited protobuf lists of numbers.
type TCPGroup struct {
	config   TCPConfig
	logger   *slog.Logger
	listener net.Listener

	mu     sync.Mutex
	peers  []*peer // indexed by rank on the coordinator; a single entry elsewhere
	closed bool
}

// DialTCPGroup joins the process group described by config. It blocks until
// the coordinator has accepted every rank or ctx is done.
func DialTCPGroup(ctx context.Context, config TCPConfig, logger *slog.Logger) (*TCPGroup, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if config.WorldSize < 1 {
		return nil, fmt.Errorf("invalid world size: %d", config.WorldSize)
	}
	if config.Rank < 0 || config.Rank >= config.WorldSize {
		return nil, fmt.Errorf("rank %d out of range for world size %d", config.Rank, config.WorldSize)
	}
	if config.Addr == "" && config.Listener == nil && config.WorldSize > 1 {
		return nil, fmt.Errorf("coordinator address is required for world size %d", config.WorldSize)
	}
	if config.DialRetryInterval <= 0 {
		config.DialRetryInterval = 200 * time.Millisecond
	}

	g := &TCPGroup{config: config, logger: logger}
	var err error
	if config.Rank == 0 {
		err = g.accept(ctx)
	} else {
		err = g.dial(ctx)
	}
	if err != nil {
		g.Close()
		return nil, err
	}

	logger.Info("joined process group", "rank", config.Rank, "world_size", config.WorldSize, "addr", g.Addr())
	return g, nil
}

// Addr returns the coordinator address this group is bound to
func (g *TCPGroup) Addr() string {
	if g.listener != nil {
		return g.listener.Addr().String()
	}
	return g.config.Addr
}

func (g *TCPGroup) accept(ctx context.Context) error {
	g.peers = make([]*peer, g.config.WorldSize)
	if g.config.WorldSize == 1 {
		return nil
	}

	g.listener = g.config.Listener
	if g.listener == nil {
		ln, err := net.Listen("tcp", g.config.Addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", g.config.Addr, err)
		}
		g.listener = ln
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			g.listener.Close()
		case <-stop:
		}
	}()

	for joined := 1; joined < g.config.WorldSize; {
		conn, err := g.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to accept rank: %w", err)
		}

		p := &peer{conn: conn, reader: bufio.NewReader(conn)}
		hello, err := p.receive()
		if err != nil || len(hello) != 1 {
			conn.Close()
			g.logger.Warn("rejected connection without a valid hello", "remote", conn.RemoteAddr().String(), "error", err)
			continue
		}
		rank := int(hello[0])
		if rank <= 0 || rank >= g.config.WorldSize || g.peers[rank] != nil {
			conn.Close()
			g.logger.Warn("rejected connection with invalid rank", "remote", conn.RemoteAddr().String(), "rank", rank)
			continue
		}
		p.rank = rank
		g.peers[rank] = p
		joined++
		g.logger.Debug("rank joined", "rank", rank, "remote", conn.RemoteAddr().String())
	}
	return nil
}

func (g *TCPGroup) dial(ctx context.Context) error {
	var dialer net.Dialer
	for {
		conn, err := dialer.DialContext(ctx, "tcp", g.config.Addr)
		if err == nil {
			p := &peer{rank: 0, conn: conn, reader: bufio.NewReader(conn)}
			if err := p.send([]float64{float64(g.config.Rank)}); err != nil {
				conn.Close()
				return fmt.Errorf("failed to register rank %d: %w", g.config.Rank, err)
			}
			g.peers = []*peer{p}
			return nil
		}

		g.logger.Debug("coordinator not reachable, retrying", "addr", g.config.Addr, "error", err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("failed to reach coordinator %s: %w", g.config.Addr, ctx.Err())
		case <-time.After(g.config.DialRetryInterval):
		}
	}
}

func (g *TCPGroup) Rank() int      { return g.config.Rank }
func (g *TCPGroup) WorldSize() int { return g.config.WorldSize }

// AllReduceSum sums values across ranks through the coordinator
func (g *TCPGroup) AllReduceSum(ctx context.Context, values []float64) ([]float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil, ErrGroupClosed
	}
	if g.config.WorldSize == 1 {
		return append([]float64(nil), values...), nil
	}

	release := g.bindContext(ctx)
	defer release()

	result, err := g.reduce(values)
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return result, err
}

func (g *TCPGroup) reduce(values []float64) ([]float64, error) {
	if g.config.Rank != 0 {
		if err := g.peers[0].send(values); err != nil {
			return nil, fmt.Errorf("failed to send contribution: %w", err)
		}
		result, err := g.peers[0].receive()
		if err != nil {
			return nil, fmt.Errorf("failed to receive reduction: %w", err)
		}
		return result, nil
	}

	sum := append([]float64(nil), values...)
	for _, p := range g.peers[1:] {
		contribution, err := p.receive()
		if err != nil {
			return nil, fmt.Errorf("failed to receive from rank %d: %w", p.rank, err)
		}
		if len(contribution) != len(sum) {
			return nil, fmt.Errorf("rank %d sent %d values, expected %d", p.rank, len(contribution), len(sum))
		}
		for i, v := range contribution {
			sum[i] += v
		}
	}
	for _, p := range g.peers[1:] {
		if err := p.send(sum); err != nil {
			return nil, fmt.Errorf("failed to send reduction to rank %d: %w", p.rank, err)
		}
	}
	return sum, nil
}

// Barrier is an empty all-reduce
func (g *TCPGroup) Barrier(ctx context.Context) error {
	_, err := g.AllReduceSum(ctx, nil)
	return err
}

// Close closes every connection and the coordinator listener
func (g *TCPGroup) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil
	}
	g.closed = true

	var errs []error
	for _, p := range g.peers {
		if p != nil {
			errs = append(errs, p.conn.Close())
		}
	}
	if g.listener != nil {
		if err := g.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// bindContext interrupts blocked reads and writes once ctx is done
func (g *TCPGroup) bindContext(ctx context.Context) func() {
	stop := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		select {
		case <-ctx.Done():
			for _, p := range g.peers {
				if p != nil {
					p.conn.SetDeadline(time.Now())
				}
			}
		case <-stop:
		}
	}()

	return func() {
		close(stop)
		<-finished
		if ctx.Err() == nil {
			return
		}
		for _, p := range g.peers {
			if p != nil {
				p.conn.SetDeadline(time.Time{})
			}
		}
	}
}

func (p *peer) send(values []float64) error {
	list := &structpb.ListValue{Values: make([]*structpb.Value, len(values))}
	for i, v := range values {
		list.Values[i] = structpb.NewNumberValue(v)
	}
	_, err := protodelim.MarshalTo(p.conn, list)
	return err
}

func (p *peer) receive() ([]float64, error) {
	var list structpb.ListValue
	if err := protodelim.UnmarshalFrom(p.reader, &list); err != nil {
		return nil, err
	}
	values := make([]float64, len(list.Values))
	for i, v := range list.Values {
		values[i] = v.GetNumberValue()
	}
	return values, nil
}
