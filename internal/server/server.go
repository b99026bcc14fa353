package server

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	grpc_auth "github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/auth"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	api "github.com/ttaaoo/wombatlog/api/v1"
	"github.com/ttaaoo/wombatlog/internal/log"
	"github.com/ttaaoo/wombatlog/internal/record"
)

// CommitLog stores encoded record frames. *partition.Partition satisfies it.
type CommitLog interface {
	AppendFrame(frame []byte) (uint64, error)
	ReadFrame(offset uint64) ([]byte, error)
}

type Authorizer interface {
	Authorize(subject, object, action string) error
}

// The constants match the values in the ACL policy file
const (
	objectWildcard = "*"
	produceAction  = "produce"
	consumeAction  = "consume"
)

type Config struct {
	CommitLog CommitLog
	// Authorizer is optional; without one every client may produce and consume.
	Authorizer Authorizer
	// PollInterval is how long ConsumeStream waits before checking the end of
	// the log again. Defaults to 100ms.
	PollInterval time.Duration
	// Logger defaults to a stderr logger tagged with service=server.
	Logger *zerolog.Logger
}

var _ api.LogServer = (*grpcServer)(nil)

type grpcServer struct {
	api.UnimplementedLogServer
	*Config
}

// Consume implements log_v1.LogServer.
func (g *grpcServer) Consume(ctx context.Context, req *wrapperspb.UInt64Value) (*wrapperspb.BytesValue, error) {
	if err := g.authorize(ctx, consumeAction); err != nil {
		return nil, err
	}

	frame, err := g.CommitLog.ReadFrame(req.GetValue())
	if err != nil {
		return nil, apiError(req.GetValue(), err)
	}
	return wrapperspb.Bytes(frame), nil
}

// ConsumeStream implements log_v1.LogServer.
func (g *grpcServer) ConsumeStream(req *wrapperspb.UInt64Value, stream grpc.ServerStreamingServer[wrapperspb.BytesValue]) error {
	offset := req.GetValue()
	for {
		res, err := g.Consume(stream.Context(), wrapperspb.UInt64(offset))
		switch err.(type) {
		case nil:
		case api.ErrOffsetOutOfRange:
			// the stream has caught up with the end of the log, so wait
			// until someone produces another record
			select {
			case <-stream.Context().Done():
				return nil
			case <-time.After(g.PollInterval):
			}
			continue
		default:
			return err
		}
		if err := stream.Send(res); err != nil {
			return err
		}
		offset += uint64(len(res.GetValue()))
	}
}

// Produce implements log_v1.LogServer.
func (g *grpcServer) Produce(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.UInt64Value, error) {
	if err := g.authorize(ctx, produceAction); err != nil {
		return nil, err
	}

	offset, err := g.CommitLog.AppendFrame(req.GetValue())
	if errors.Is(err, record.ErrCorrupted) || errors.Is(err, record.ErrShortBuffer) {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return wrapperspb.UInt64(offset), nil
}

// ProduceStream implements log_v1.LogServer.
func (g *grpcServer) ProduceStream(stream grpc.BidiStreamingServer[wrapperspb.BytesValue, wrapperspb.UInt64Value]) error {
	for {
		req, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		res, err := g.Produce(stream.Context(), req)
		if err != nil {
			return err
		}
		if err := stream.Send(res); err != nil {
			return err
		}
	}
}

func (g *grpcServer) authorize(ctx context.Context, action string) error {
	if g.Authorizer == nil {
		return nil
	}
	return g.Authorizer.Authorize(subject(ctx), objectWildcard, action)
}

// apiError maps log and record errors onto the typed errors clients see.
func apiError(offset uint64, err error) error {
	switch {
	case errors.Is(err, log.ErrEOF), errors.Is(err, log.ErrOffsetNotFound):
		return api.ErrOffsetOutOfRange{Offset: offset}
	case errors.Is(err, log.ErrSegmentExpired):
		return api.ErrSegmentExpired{Offset: offset}
	case errors.Is(err, record.ErrCorrupted), errors.Is(err, record.ErrShortBuffer):
		return api.ErrCorruptedRecord{Offset: offset}
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func newgrpcServer(config *Config) (srv *grpcServer, err error) {
	if config.PollInterval == 0 {
		config.PollInterval = 100 * time.Millisecond
	}
	srv = &grpcServer{
		Config: config,
	}

	return srv, nil
}

func NewGRPCServer(config *Config, opts ...grpc.ServerOption) (*grpc.Server, error) {
	logger := zerolog.New(os.Stderr).With().Str("service", "server").Logger()
	if config.Logger != nil {
		logger = *config.Logger
	}
	logOpts := []logging.Option{
		logging.WithLogOnEvents(logging.FinishCall),
	}

	opts = append(opts,
		grpc.ChainStreamInterceptor(
			logging.StreamServerInterceptor(interceptorLogger(logger), logOpts...),
			grpc_auth.StreamServerInterceptor(authenticate),
		),
		grpc.ChainUnaryInterceptor(
			logging.UnaryServerInterceptor(interceptorLogger(logger), logOpts...),
			grpc_auth.UnaryServerInterceptor(authenticate),
		),
	)
	gsrv := grpc.NewServer(opts...)
	srv, err := newgrpcServer(config)
	if err != nil {
		return nil, err
	}

	api.RegisterLogServer(gsrv, srv)
	return gsrv, nil
}

// interceptorLogger adapts a zerolog logger to the middleware's logging interface.
func interceptorLogger(l zerolog.Logger) logging.Logger {
	return logging.LoggerFunc(func(ctx context.Context, lvl logging.Level, msg string, fields ...any) {
		l := l.With().Fields(fields).Logger()

		switch lvl {
		case logging.LevelDebug:
			l.Debug().Msg(msg)
		case logging.LevelInfo:
			l.Info().Msg(msg)
		case logging.LevelWarn:
			l.Warn().Msg(msg)
		case logging.LevelError:
			l.Error().Msg(msg)
		default:
			l.Info().Msg(msg)
		}
	})
}

type subjectContextKey struct{}

// return the client's cert's subject so we can identify a client and check their access.
func subject(ctx context.Context) string {
	s, _ := ctx.Value(subjectContextKey{}).(string)
	return s
}

// this is an interceptor that reads the subject out of the client's cert
// and writes it to the RPC's context. Clients without a verified certificate
// get an empty subject.
func authenticate(ctx context.Context) (context.Context, error) {
	peer, ok := peer.FromContext(ctx)
	if !ok {
		return ctx, status.New(codes.Unknown, "couldn't find peer info").Err()
	}

	tlsInfo, ok := peer.AuthInfo.(credentials.TLSInfo)
	if !ok || len(tlsInfo.State.VerifiedChains) == 0 || len(tlsInfo.State.VerifiedChains[0]) == 0 {
		return context.WithValue(ctx, subjectContextKey{}, ""), nil
	}

	// extract the subject from the client's cert
	subject := tlsInfo.State.VerifiedChains[0][0].Subject.CommonName
	ctx = context.WithValue(ctx, subjectContextKey{}, subject)
	return ctx, nil
}
