package miner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// MineMethod is the full gRPC method name of the mining stream.
const MineMethod = "/faucet.v1.MinerService/Mine"

// MinerServiceServer is the server API for faucet.v1.MinerService.
//
// Mine is a bidirectional stream of structpb.Struct frames carrying the
// mining-unit message protocol: start/cancel requests in, hash/stopped/finish
// messages out.
type MinerServiceServer interface {
	Mine(grpc.ServerStream) error
}

func mineHandler(srv any, stream grpc.ServerStream) error {
	return srv.(MinerServiceServer).Mine(stream)
}

// MinerService_ServiceDesc describes faucet.v1.MinerService.
var MinerService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "faucet.v1.MinerService",
	HandlerType: (*MinerServiceServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Mine",
			Handler:       mineHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
}

// RegisterMinerServer registers srv on a gRPC server.
func RegisterMinerServer(s grpc.ServiceRegistrar, srv MinerServiceServer) {
	s.RegisterService(&MinerService_ServiceDesc, srv)
}

// Server hosts mining units for remote coordinators. Every stream gets its
// own local Miner, so a stream is exactly one isolated execution unit.
type Server struct {
	bufferSize int
	streams    atomic.Int64
}

// NewServer creates a Server whose per-stream miners use bufferSize.
func NewServer(bufferSize int) *Server {
	return &Server{bufferSize: bufferSize}
}

// ActiveStreams returns the number of connected coordinators.
func (s *Server) ActiveStreams() int64 {
	return s.streams.Load()
}

// Mine serves one coordinator until it closes its side of the stream.
//
// Start frames that name a run are executed under that ID, so the
// coordinator's run IDs survive frames this side had to drop.
func (s *Server) Mine(stream grpc.ServerStream) error {
	m := New(s.bufferSize)
	if err := m.Start(); err != nil {
		return status.Errorf(codes.Internal, "start miner: %v", err)
	}

	s.streams.Add(1)
	defer s.streams.Add(-1)
	log.Info("Mining stream opened", "active", s.streams.Load())

	// The sender owns every SendMsg call; it exits once the miner's outbox
	// closes, and the handler does not return before that.
	sendErr := make(chan error, 1)
	var sender sync.WaitGroup
	sender.Add(1)
	go func() {
		defer sender.Done()
		for msg := range m.Messages() {
			st, err := structpb.NewStruct(Encode(msg))
			if err != nil {
				log.Error("Failed to encode message", "run", msg.RunID(), "error", err)
				continue
			}
			if err := stream.SendMsg(st); err != nil {
				sendErr <- err
				m.Close()
				return
			}
		}
	}()
	defer func() {
		m.Close()
		sender.Wait()
	}()

	// The receiver owns every RecvMsg call. A pending RecvMsg returns once
	// the handler does.
	frames := make(chan *structpb.Struct)
	recvErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			in := new(structpb.Struct)
			if err := stream.RecvMsg(in); err != nil {
				recvErr <- err
				return
			}
			select {
			case frames <- in:
			case <-done:
				return
			}
		}
	}()

	for {
		var in *structpb.Struct
		select {
		case err := <-sendErr:
			log.Warn("Mining stream send failed", "error", err)
			return err
		case err := <-recvErr:
			if errors.Is(err, io.EOF) {
				log.Info("Mining stream closed by coordinator")
				return nil
			}
			return err
		case in = <-frames:
		}

		req, err := decodeRequest(in.AsMap())
		if err != nil {
			log.Warn("Dropping malformed request", "error", err)
			continue
		}
		switch {
		case req.cancel:
			err = m.Cancel()
		case req.id != 0:
			err = m.runAs(req.id, req.salt, req.difficulty)
		default:
			_, err = m.Run(req.salt, req.difficulty)
		}
		if err != nil {
			select {
			case serr := <-sendErr:
				return serr
			default:
			}
			return status.Errorf(codes.Unavailable, "miner: %v", err)
		}
	}
}

// RemoteMiner is a mining unit living behind a MinerService stream. It
// offers the same Run/Cancel/Messages contract as Miner.
//
// Run IDs are assigned locally and sent with every start frame; the server
// echoes them on the run's messages.
type RemoteMiner struct {
	stream  grpc.ClientStream
	cancel  context.CancelFunc
	out     chan Message
	done    chan struct{}
	nextRun atomic.Uint64

	mu     sync.Mutex // serializes SendMsg and guards closed
	closed bool
}

// NewRemoteMiner opens a Mine stream on conn.
func NewRemoteMiner(ctx context.Context, conn grpc.ClientConnInterface) (*RemoteMiner, error) {
	ctx, cancel := context.WithCancel(ctx)
	stream, err := conn.NewStream(ctx, &MinerService_ServiceDesc.Streams[0], MineMethod)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open mine stream: %w", err)
	}

	r := &RemoteMiner{
		stream: stream,
		cancel: cancel,
		out:    make(chan Message, 16),
		done:   make(chan struct{}),
	}
	go r.recvLoop(ctx)
	return r, nil
}

// Run asks the remote unit to start a search.
func (r *RemoteMiner) Run(salt string, difficulty uint16) (uint64, error) {
	if err := checkRun(salt, difficulty); err != nil {
		return 0, err
	}
	id := r.nextRun.Add(1)
	if err := r.send(request{id: id, salt: salt, difficulty: difficulty}); err != nil {
		return 0, err
	}
	return id, nil
}

// Cancel asks the remote unit to stop its active run.
func (r *RemoteMiner) Cancel() error {
	return r.send(request{cancel: true})
}

// Messages returns the decoded frames from the remote unit. The channel is
// closed when the stream ends.
func (r *RemoteMiner) Messages() <-chan Message {
	return r.out
}

func (r *RemoteMiner) send(req request) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrMinerClosed
	}
	st, err := structpb.NewStruct(encodeRequest(req))
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	if err := r.stream.SendMsg(st); err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	return nil
}

func (r *RemoteMiner) recvLoop(ctx context.Context) {
	defer close(r.done)
	defer close(r.out)

	for {
		in := new(structpb.Struct)
		if err := r.stream.RecvMsg(in); err != nil {
			if !errors.Is(err, io.EOF) && status.Code(err) != codes.Canceled {
				log.Warn("Mining stream ended", "error", err)
			}
			return
		}
		select {
		case r.out <- Decode(in.AsMap()):
		case <-ctx.Done():
			return
		}
	}
}

// Close ends the stream and waits for the receive loop to exit.
func (r *RemoteMiner) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	_ = r.stream.CloseSend()
	r.mu.Unlock()

	r.cancel()
	<-r.done
}
