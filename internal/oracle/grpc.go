package oracle

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// #region service-desc
// The oracle service has one unary method. Request and response are
// google.protobuf.StringValue: the prompt in, the completion text out.
const (
	serviceName    = "tidewatch.oracle.v1.Oracle"
	completeMethod = "/" + serviceName + "/Complete"
)

type oracleServer interface {
	Complete(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.StringValue, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*oracleServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Complete", Handler: completeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tidewatch/oracle/v1/oracle.proto",
}

func completeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(oracleServer).Complete(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: completeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(oracleServer).Complete(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

// #endregion service-desc

// #region client
// GRPC forwards prompts to a remote oracle service.
type GRPC struct {
	conn *grpc.ClientConn
	cc   grpc.ClientConnInterface
}

// DialGRPC connects to the oracle service at addr.
func DialGRPC(addr string) (*GRPC, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &GRPC{conn: conn, cc: conn}, nil
}

// NewGRPCWithConn uses an existing connection. Used for testing with bufconn or fakes.
func NewGRPCWithConn(cc grpc.ClientConnInterface) *GRPC {
	return &GRPC{cc: cc}
}

// Close shuts down a connection opened by DialGRPC.
func (g *GRPC) Close() error {
	if g.conn == nil {
		return nil
	}
	return g.conn.Close()
}

// Complete implements Completer.
func (g *GRPC) Complete(ctx context.Context, prompt string) (Response, error) {
	out := new(wrapperspb.StringValue)
	if err := g.cc.Invoke(ctx, completeMethod, wrapperspb.String(prompt), out); err != nil {
		return Response{}, fmt.Errorf("complete rpc: %w", err)
	}
	return Response{Text: out.GetValue()}, nil
}

// #endregion client

// #region server
// Server exposes a Completer over gRPC.
type Server struct {
	backend Completer
}

// RegisterServer registers backend on s under the oracle service name.
func RegisterServer(s *grpc.Server, backend Completer) {
	s.RegisterService(&serviceDesc, &Server{backend: backend})
}

// Complete handles one RPC.
func (s *Server) Complete(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
	resp, err := s.backend.Complete(ctx, in.GetValue())
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "complete: %v", err)
	}
	return wrapperspb.String(resp.Text), nil
}

// #endregion server
