package middleware

import (
	"context"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/peer"
)

// testServerStream is a grpc.ServerStream that only carries a context.
type testServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *testServerStream) Context() context.Context {
	return s.ctx
}

// failureLog collects the reasons passed to WithOnAuthFailure.
type failureLog struct {
	reasons []string
}

func (l *failureLog) record(reason string) {
	l.reasons = append(l.reasons, reason)
}

// peerContext returns a context whose gRPC peer dials from addr.
func peerContext(t *testing.T, addr string) context.Context {
	t.Helper()
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		t.Fatalf("ResolveTCPAddr(%q) error = %v", addr, err)
	}
	return peer.NewContext(context.Background(), &peer.Peer{Addr: tcpAddr})
}
