package comm

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	cerrors "github.com/23skdu/canopy/internal/errors"
	"github.com/23skdu/canopy/internal/metrics"
)

// DefaultMaxMsgSize bounds a single gRPC message in either direction.
const DefaultMaxMsgSize = 64 * 1024 * 1024

// FlightConfig describes one host of a Flight-connected group.
type FlightConfig struct {
	Rank int
	// Peers holds the dial target of every rank, this one included.
	Peers []string
	// ListenAddr is used when Listener is nil.
	ListenAddr string
	Listener   net.Listener
	// DialOptions are appended to the defaults (insecure, message limits).
	DialOptions []grpc.DialOption
	MaxMsgSize  int
	Logger      zerolog.Logger
}

// Validate checks the group layout and limits.
func (c FlightConfig) Validate() error {
	const op = "comm.flight_config"
	if len(c.Peers) == 0 {
		return cerrors.NewConfigurationError(op, "peers must list every rank")
	}
	if c.Rank < 0 || c.Rank >= len(c.Peers) {
		return cerrors.NewConfigurationError(op, fmt.Sprintf("rank %d outside [0, %d)", c.Rank, len(c.Peers)))
	}
	if c.Listener == nil && c.ListenAddr == "" {
		return cerrors.NewConfigurationError(op, "listen address is required")
	}
	if c.MaxMsgSize < 0 {
		return cerrors.NewConfigurationError(op, "max message size must be >= 0")
	}
	return nil
}

func (c FlightConfig) maxMsgSize() int {
	if c.MaxMsgSize == 0 {
		return DefaultMaxMsgSize
	}
	return c.MaxMsgSize
}

// serverOptions returns the message size limits for the host's server.
func (c FlightConfig) serverOptions() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.MaxRecvMsgSize(c.maxMsgSize()),
		grpc.MaxSendMsgSize(c.maxMsgSize()),
	}
}

func (c FlightConfig) dialOptions() []grpc.DialOption {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		// peers may still be starting; sends wait for them until ctx expires
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(c.maxMsgSize()),
			grpc.MaxCallSendMsgSize(c.maxMsgSize()),
			grpc.WaitForReady(true),
		),
	}
	return append(opts, c.DialOptions...)
}

// FlightComm connects hosts through Arrow Flight. Every host serves DoPut;
// a send is a DoPut whose descriptor path is [tag, source rank] and whose
// body is the message. The receiving server enqueues the message and
// acknowledges it, so Send returns once the message is buffered remotely.
type FlightComm struct {
	cfg    FlightConfig
	logger zerolog.Logger
	box    *mailbox

	server *grpc.Server
	served chan struct{}

	mu      sync.RWMutex
	clients map[int]flight.Client

	closeOnce sync.Once
}

var _ Communicator = (*FlightComm)(nil)

// NewFlightComm starts this host's Flight server. Connections to peers are
// opened on first use.
func NewFlightComm(cfg FlightConfig) (*FlightComm, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	lis := cfg.Listener
	if lis == nil {
		var err error
		lis, err = net.Listen("tcp", cfg.ListenAddr)
		if err != nil {
			return nil, cerrors.WrapNetworkError(err, "comm.flight", "failed to listen on "+cfg.ListenAddr)
		}
	}

	c := &FlightComm{
		cfg:     cfg,
		logger:  cfg.Logger.With().Int("rank", cfg.Rank).Str("transport", "flight").Logger(),
		box:     newMailbox(),
		server:  grpc.NewServer(cfg.serverOptions()...),
		served:  make(chan struct{}),
		clients: make(map[int]flight.Client),
	}
	flight.RegisterFlightServiceServer(c.server, &mailboxServer{box: c.box, logger: c.logger})

	go func() {
		defer close(c.served)
		if err := c.server.Serve(lis); err != nil {
			c.logger.Error().Err(err).Msg("flight server stopped")
		}
	}()
	c.logger.Debug().Str("addr", lis.Addr().String()).Int("peers", len(cfg.Peers)).Msg("flight host listening")
	return c, nil
}

func (c *FlightComm) Rank() int { return c.cfg.Rank }
func (c *FlightComm) Size() int { return len(c.cfg.Peers) }

func (c *FlightComm) Send(ctx context.Context, dst, tag int, data []byte) error {
	if err := checkTag("comm.send", tag); err != nil {
		return err
	}
	return c.send(ctx, dst, tag, data)
}

func (c *FlightComm) send(ctx context.Context, dst, tag int, data []byte) error {
	const op = "comm.send"
	if err := checkPeer(op, c.Size(), dst); err != nil {
		return err
	}
	if dst == c.cfg.Rank {
		if err := c.box.put(c.cfg.Rank, tag, append([]byte(nil), data...)); err != nil {
			return cerrors.WrapNetworkError(err, op, "host closed")
		}
		metrics.TransportMessagesTotal.WithLabelValues("flight", "sent").Inc()
		return nil
	}

	client, err := c.client(dst)
	if err != nil {
		return err
	}
	stream, err := client.DoPut(ctx)
	if err != nil {
		return cerrors.WrapNetworkError(err, op, "failed to open DoPut").WithContext("dst", dst)
	}
	msg := &flight.FlightData{
		FlightDescriptor: &flight.FlightDescriptor{
			Type: flight.DescriptorPATH,
			Path: []string{strconv.Itoa(tag), strconv.Itoa(c.cfg.Rank)},
		},
		DataBody: data,
	}
	if err := stream.Send(msg); err != nil {
		return cerrors.WrapNetworkError(err, op, "failed to send message").WithContext("dst", dst)
	}
	if err := stream.CloseSend(); err != nil {
		return cerrors.WrapNetworkError(err, op, "failed to close send").WithContext("dst", dst)
	}
	acked := false
	for {
		_, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return cerrors.WrapNetworkError(err, op, "message rejected").WithContext("dst", dst)
		}
		acked = true
	}
	if !acked {
		return cerrors.New(cerrors.ErrorTypeNetwork, op, "message was not acknowledged").WithContext("dst", dst)
	}
	metrics.TransportMessagesTotal.WithLabelValues("flight", "sent").Inc()
	return nil
}

// client returns the cached connection to rank dst, dialing it on first use.
func (c *FlightComm) client(dst int) (flight.Client, error) {
	c.mu.RLock()
	cl, ok := c.clients[dst]
	c.mu.RUnlock()
	if ok {
		return cl, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clients[dst]; ok {
		return cl, nil
	}
	target := c.cfg.Peers[dst]
	c.logger.Debug().Int("dst", dst).Str("target", target).Msg("creating flight client")
	cl, err := flight.NewClientWithMiddleware(target, nil, nil, c.cfg.dialOptions()...)
	if err != nil {
		return nil, cerrors.WrapNetworkError(err, "comm.dial", "failed to dial "+target).WithContext("dst", dst)
	}
	c.clients[dst] = cl
	return cl, nil
}

func (c *FlightComm) Recv(ctx context.Context, src, tag int) ([]byte, error) {
	const op = "comm.recv"
	if err := checkPeer(op, c.Size(), src); err != nil {
		return nil, err
	}
	data, err := c.box.take(ctx, src, tag)
	if err != nil {
		if err == ErrClosed {
			return nil, cerrors.WrapNetworkError(err, op, "receive on closed host")
		}
		return nil, err
	}
	metrics.TransportMessagesTotal.WithLabelValues("flight", "received").Inc()
	return data, nil
}

func (c *FlightComm) ReduceSum(ctx context.Context, root int, buf []float64) error {
	return reduceSum(ctx, c, root, buf)
}

func (c *FlightComm) Broadcast(ctx context.Context, root int, buf []float64) error {
	return broadcast(ctx, c, root, buf)
}

func (c *FlightComm) AllReduceSum(ctx context.Context, buf []float64) error {
	return allReduceSum(ctx, c, buf)
}

// Close stops the server and drops peer connections. Undelivered messages are
// discarded.
func (c *FlightComm) Close() error {
	var firstErr error
	c.closeOnce.Do(func() {
		c.box.close()
		c.server.Stop()
		<-c.served

		c.mu.Lock()
		defer c.mu.Unlock()
		for dst, cl := range c.clients {
			if err := cl.Close(); err != nil && firstErr == nil {
				firstErr = cerrors.WrapNetworkError(err, "comm.close", "failed to close client").WithContext("dst", dst)
			}
		}
		c.clients = nil
		if n := c.box.pending(); n > 0 {
			c.logger.Warn().Int("messages", n).Msg("closing with undelivered messages")
		}
	})
	return firstErr
}

// mailboxServer accepts DoPut messages into a mailbox.
type mailboxServer struct {
	flight.BaseFlightServer
	box    *mailbox
	logger zerolog.Logger
}

func (s *mailboxServer) DoPut(stream flight.FlightService_DoPutServer) error {
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		src, tag, err := parseDescriptor(msg.GetFlightDescriptor())
		if err != nil {
			return status.Error(codes.InvalidArgument, err.Error())
		}
		if err := s.box.put(src, tag, msg.GetDataBody()); err != nil {
			return status.Error(codes.Unavailable, err.Error())
		}
		metrics.TransportMessagesTotal.WithLabelValues("flight", "received_wire").Inc()
		if err := stream.Send(&flight.PutResult{}); err != nil {
			return err
		}
	}
}

func parseDescriptor(d *flight.FlightDescriptor) (src, tag int, err error) {
	path := d.GetPath()
	if len(path) != 2 {
		return 0, 0, fmt.Errorf("descriptor path must be [tag, source], got %v", path)
	}
	if tag, err = strconv.Atoi(path[0]); err != nil {
		return 0, 0, fmt.Errorf("bad tag %q", path[0])
	}
	if src, err = strconv.Atoi(path[1]); err != nil {
		return 0, 0, fmt.Errorf("bad source %q", path[1])
	}
	return src, tag, nil
}
