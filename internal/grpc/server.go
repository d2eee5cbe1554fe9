package grpc

import (
	"fmt"
	"net"

	"github.com/rs/zerolog"
	"github.com/weiawesome/wes-chat-relay/pkg/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health-check service name reported besides "".
const ServiceName = "chat.relay"

// Server hosts the standard gRPC health service.
type Server struct {
	srv    *grpc.Server
	health *health.Server
	lis    net.Listener
}

func StartGRPCServer(addr string, logger zerolog.Logger) (*Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s := grpc.NewServer(
		grpc.UnaryInterceptor(log.UnaryServerInterceptor(logger)),
		grpc.StreamInterceptor(log.StreamServerInterceptor(logger)),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)

	server := &Server{srv: s, health: hs, lis: lis}
	server.SetServing(true)

	go func() {
		l := log.L()
		l.Info().Str("address", lis.Addr().String()).Msg("grpc server listening")
		if err := s.Serve(lis); err != nil {
			l.Error().Err(err).Msg("grpc server error")
		}
	}()

	return server, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	return s.lis.Addr().String()
}

func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Stop reports NOT_SERVING to watchers and drains in-flight RPCs.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.srv.GracefulStop()
}
