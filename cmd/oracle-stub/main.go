// Command oracle-stub serves the oracle gRPC service backed by the offline
// simulator. It lets the controller exercise the grpc provider without any
// network model access.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/danielpatrickdp/tidewatch/internal/logging"
	"github.com/danielpatrickdp/tidewatch/internal/oracle"
)

func main() {
	addr := flag.String("addr", ":50051", "listen address")
	verbose := flag.Bool("verbose", false, "debug logging")
	flag.Parse()

	logger, err := logging.NewLogger(*verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	lis, err := net.Listen("tcp", *addr)
	if err != nil {
		logger.Fatal("listen", zap.String("addr", *addr), zap.Error(err))
	}

	s := grpc.NewServer()
	oracle.RegisterServer(s, oracle.Offline{})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutting down", zap.String("signal", sig.String()))
		s.GracefulStop()
	}()

	logger.Info("oracle stub listening", zap.String("addr", lis.Addr().String()))
	if err := s.Serve(lis); err != nil {
		logger.Fatal("serve", zap.Error(err))
	}
}
