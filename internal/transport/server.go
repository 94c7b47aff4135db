// Package transport hosts the gRPC control plane used to introspect and
// cooperatively wind down a running Multiplexer without touching Kafka.
package transport

import (
	"context"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pb "kmux/api/proto/v1"
)

// ControlPlane is the minimal surface the RPC layer needs from a running
// Multiplexer. It is satisfied structurally, so this package never imports
// the generic multiplexer.Multiplexer type.
type ControlPlane interface {
	StateString() string
	Stop()
}

type Server struct {
	grpc *grpc.Server
	lis  net.Listener
}

// StartServer binds port and registers the Control service backed by mux.
// mux may be nil, in which case Ping reports "Unbound" and PausePipeline
// fails with FailedPrecondition.
func StartServer(port int, mux ControlPlane) (*Server, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	s := &Server{
		grpc: grpc.NewServer(),
		lis:  lis,
	}
	pb.RegisterControlServer(s.grpc, &controlServer{mux: mux})
	return s, nil
}

func (s *Server) Serve() error {
	return s.grpc.Serve(s.lis)
}

func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

// controlServer implements pb.ControlServer: Ping reports the Multiplexer's
// lifecycle state, PausePipeline is repurposed as the cooperative-drain
// Stop() trigger. DeployPipeline is out of scope for a consumer multiplexer
// and stays unimplemented.
type controlServer struct {
	pb.UnimplementedControlServer
	mux ControlPlane
}

func (c *controlServer) Ping(context.Context, *pb.PingRequest) (*pb.PingReply, error) {
	if c.mux == nil {
		return &pb.PingReply{Status: "Unbound"}, nil
	}
	return &pb.PingReply{Status: c.mux.StateString()}, nil
}

func (c *controlServer) PausePipeline(_ context.Context, req *pb.PauseRequest) (*pb.PauseReply, error) {
	if c.mux == nil {
		return nil, status.Error(codes.FailedPrecondition, "no multiplexer bound to this server")
	}
	c.mux.Stop()
	return &pb.PauseReply{Ok: true}, nil
}
