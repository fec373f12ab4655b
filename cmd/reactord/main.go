// Copyright 2023 Kami
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command reactord runs a reactor.TcpServer serving static files and a
// health endpoint through the httpd collaborator.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/loopcore/reactor"
	"github.com/loopcore/reactor/httpd"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		addr          string
		workers       int
		root          string
		logFile       string
		highWaterMark int64
		debug         bool
	)

	cmd := &cobra.Command{
		Use:   "reactord",
		Short: "A one-loop-per-thread TCP reactor serving static files",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(addr, workers, root, logFile, highWaterMark, debug)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address (host:port)")
	cmd.Flags().IntVar(&workers, "workers", runtime.NumCPU(), "worker loop count")
	cmd.Flags().StringVar(&root, "root", ".", "static file root")
	cmd.Flags().StringVar(&logFile, "log-file", "", "log file path (stderr if empty)")
	cmd.Flags().Int64Var(&highWaterMark, "high-water-mark", 64*1024*1024, "per-connection output buffer high water mark, in bytes")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug-level logging")

	return cmd
}

func run(addr string, workers int, root, logFile string, highWaterMark int64, debug bool) error {
	logger := bootstrapLogger(logFile, debug)
	defer func() { _ = logger.Sync() }()
	reactor.SetLogger(logger)

	endpoint, err := parseListenAddr(addr)
	if err != nil {
		return fmt.Errorf("reactord: %w", err)
	}

	baseLoop := reactor.NewEventLoop()
	server := reactor.NewTcpServer(baseLoop, endpoint, "reactord", true)
	server.SetThreadNum(workers)

	handler := httpd.NewHandler(root, httpd.NewDefaultRouter())
	server.SetConnectionCallback(handler.OnConnection)
	server.SetMessageCallback(handler.OnMessage)
	server.SetHighWaterMarkCallback(func(conn *reactor.TcpConnection, queued int) {
		logger.Warn("connection crossed high water mark",
			zap.String("conn", conn.Name()), zap.Int("queued_bytes", queued))
	}, int(highWaterMark))

	if err := server.Start(); err != nil {
		return fmt.Errorf("reactord: %w", err)
	}
	logger.Info("reactord listening", zap.String("addr", endpoint.String()), zap.Int("workers", workers))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	baseLoop.RunInLoop(func() {
		go func() {
			<-sigCh
			logger.Info("reactord shutting down")
			if err := server.Close(); err != nil {
				logger.Warn("server close failed", zap.Error(err))
			}
			baseLoop.Quit()
		}()
	})

	baseLoop.Loop()
	return nil
}

func bootstrapLogger(logFile string, debug bool) *zap.Logger {
	if logFile == "" {
		cfg := zap.NewProductionConfig()
		if debug {
			cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		}
		logger, err := cfg.Build()
		if err != nil {
			logger = zap.NewNop()
		}
		return logger
	}
	return reactor.NewFileLogger(logFile, 100, 5, 28, debug)
}

func parseListenAddr(addr string) (reactor.Endpoint, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return reactor.Endpoint{}, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return reactor.Endpoint{}, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	ipv6 := false
	if host != "" {
		if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
			ipv6 = true
		}
	}
	return reactor.NewEndpoint(host, uint16(port), ipv6, false), nil
}
