package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/roach88/lofisync/internal/ir"
	"github.com/roach88/lofisync/internal/reconcile"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "lofisync.v1.Sync"

const (
	methodFetch    = "FetchRemoteActions"
	methodSend     = "SendLocalActions"
	methodSnapshot = "GetBootstrapSnapshot"
)

// sendRequest is the wire form of an upload. Actions and AMRs stay raw so
// that a malformed batch is reported as an invalid batch rather than a
// codec failure.
type sendRequest struct {
	BasisServerIngestID uint64          `json:"basis_server_ingest_id"`
	ServerEpoch         string          `json:"server_epoch,omitempty"`
	Actions             json.RawMessage `json:"actions"`
	ModifiedRows        json.RawMessage `json:"modified_rows"`
}

type snapshotRequest struct{}

// syncServer is the handler interface behind the service descriptor.
type syncServer interface {
	FetchRemoteActions(context.Context, *reconcile.FetchRequest) (*reconcile.FetchResponse, error)
	SendLocalActions(context.Context, *sendRequest) (*reconcile.SendResponse, error)
	GetBootstrapSnapshot(context.Context, *snapshotRequest) (*reconcile.SnapshotPayload, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*syncServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: methodFetch, Handler: fetchHandler},
		{MethodName: methodSend, Handler: sendHandler},
		{MethodName: methodSnapshot, Handler: snapshotHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "lofisync/v1/sync",
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func fetchHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(reconcile.FetchRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(syncServer).FetchRemoteActions(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(methodFetch)}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(syncServer).FetchRemoteActions(ctx, req.(*reconcile.FetchRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func sendHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(sendRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(syncServer).SendLocalActions(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(methodSend)}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(syncServer).SendLocalActions(ctx, req.(*sendRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func snapshotHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(snapshotRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(syncServer).GetBootstrapSnapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(methodSnapshot)}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(syncServer).GetBootstrapSnapshot(ctx, req.(*snapshotRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// Service adapts a reconcile.Server to the gRPC service.
type Service struct {
	server *reconcile.Server
	logger *slog.Logger
}

// Register installs the sync service on s. A nil logger uses slog.Default.
func Register(s grpc.ServiceRegistrar, server *reconcile.Server, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	s.RegisterService(&serviceDesc, &Service{server: server, logger: logger})
}

// FetchRemoteActions implements the fetch RPC.
func (s *Service) FetchRemoteActions(ctx context.Context, req *reconcile.FetchRequest) (*reconcile.FetchResponse, error) {
	p, err := principalFrom(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := s.server.FetchRemoteActions(ctx, p, *req)
	if err != nil {
		return nil, toStatus(ctx, s.logger, err)
	}
	return &resp, nil
}

// SendLocalActions implements the upload RPC.
func (s *Service) SendLocalActions(ctx context.Context, req *sendRequest) (*reconcile.SendResponse, error) {
	p, err := principalFrom(ctx)
	if err != nil {
		return nil, err
	}
	actions, amrs, err := ir.DecodeBatch(req.Actions, req.ModifiedRows)
	if err != nil {
		return nil, toStatus(ctx, s.logger, err)
	}
	resp, err := s.server.SendLocalActions(ctx, p, reconcile.SendRequest{
		BasisServerIngestID: req.BasisServerIngestID,
		ServerEpoch:         req.ServerEpoch,
		Actions:             actions,
		ModifiedRows:        amrs,
	})
	if err != nil {
		return nil, toStatus(ctx, s.logger, err)
	}
	return &resp, nil
}

// GetBootstrapSnapshot implements the snapshot RPC.
func (s *Service) GetBootstrapSnapshot(ctx context.Context, _ *snapshotRequest) (*reconcile.SnapshotPayload, error) {
	p, err := principalFrom(ctx)
	if err != nil {
		return nil, err
	}
	payload, err := s.server.GetBootstrapSnapshot(ctx, p)
	if err != nil {
		return nil, toStatus(ctx, s.logger, err)
	}
	return &payload, nil
}

// LoggingInterceptor logs every call with its duration and status code.
func LoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		level := slog.LevelDebug
		if err != nil {
			level = slog.LevelWarn
		}
		logger.Log(ctx, level, "rpc",
			"method", info.FullMethod,
			"code", code.String(),
			"duration", time.Since(start))
		return resp, err
	}
}

// NewServer creates a gRPC server with the sync service registered.
func NewServer(server *reconcile.Server, logger *slog.Logger, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(LoggingInterceptor(logger))}, opts...)
	s := grpc.NewServer(opts...)
	Register(s, server, logger)
	return s
}
