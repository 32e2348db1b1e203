// Copyright 2026 Blink Labs Software
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

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	dat "github.com/blinklabs-io/godat"
	"github.com/blinklabs-io/godat/cmd/common"
	"github.com/blinklabs-io/godat/discovery"
	"github.com/blinklabs-io/godat/discovery/mdns"
	"github.com/blinklabs-io/godat/feed"
	"github.com/blinklabs-io/godat/protocol/replication"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const (
	printInterval   = 500 * time.Millisecond
	shutdownTimeout = 5 * time.Second
)

func main() {
	f := common.NewGlobalFlags()
	f.Parse()
	logger := f.Logger()
	slog.SetDefault(logger)

	if len(f.Flagset.Args()) == 0 {
		fmt.Printf("You must specify a subcommand (share or clone)\n")
		os.Exit(1)
	}
	var fd *feed.Feed
	var err error
	switch f.Flagset.Arg(0) {
	case "share":
		fd, err = common.OpenWriter(f.Dir, logger)
	case "clone":
		if len(f.Flagset.Args()) < 2 {
			fmt.Printf("You must specify an address to clone\n")
			os.Exit(1)
		}
		var publicKey []byte
		publicKey, err = dat.ParseAddress(f.Flagset.Arg(1))
		if err != nil {
			break
		}
		fd, err = common.OpenReader(f.Dir, publicKey, logger)
	default:
		fmt.Printf("Unknown subcommand: %s\n", f.Flagset.Arg(0))
		os.Exit(1)
	}
	if err != nil {
		fmt.Printf("ERROR: %s\n", err)
		os.Exit(1)
	}
	fmt.Println(dat.FormatAddress(fd.PublicKey()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, f, fd, logger); err != nil {
		logger.Error("exiting", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, f *common.GlobalFlags, fd *feed.Feed, logger *slog.Logger) error {
	manager := dat.NewConnectionManager(dat.ConnectionManagerConfig{
		Feed: fd,
		ReplicationOptions: []replication.ReplicationOptionFunc{
			replication.WithLive(f.Live),
		},
		Logger: logger,
		ConnClosedFunc: func(connId dat.ConnectionId, err error) {
			if err != nil {
				logger.Debug("connection closed", "connection_id", connId.String(), "error", err)
			}
		},
	})
	listener, err := net.Listen("tcp", f.Listen)
	if err != nil {
		manager.Close()
		return fmt.Errorf("listen: %w", err)
	}
	logger.Info("accepting peers", "address", listener.Addr().String())

	var bridges discovery.Multi
	if f.Topology != "" {
		topology, err := dat.NewTopologyConfigFromFile(f.Topology)
		if err != nil {
			listener.Close()
			manager.Close()
			return err
		}
		bridges = append(bridges, discovery.NewStatic(topology.Addresses()))
	}
	if f.Mdns {
		// #nosec G115 -- TCP ports fit in uint16
		port := uint16(listener.Addr().(*net.TCPAddr).Port)
		bridges = append(bridges, mdns.New(port, mdns.WithLogger(logger)))
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return manager.Serve(ctx, listener)
	})
	if len(bridges) > 0 {
		g.Go(func() error {
			return manager.Run(ctx, bridges)
		})
	}
	if f.MetricsAddress != "" {
		g.Go(func() error {
			return serveMetrics(ctx, f.MetricsAddress, manager)
		})
	}
	if fd.Writable() {
		g.Go(func() error {
			return appendLines(ctx, manager, logger)
		})
	} else {
		g.Go(func() error {
			return printBlocks(ctx, fd)
		})
	}
	err = g.Wait()
	if closeErr := manager.Close(); closeErr != nil {
		err = errors.Join(err, closeErr)
	}
	return err
}

// appendLines appends every line read from stdin as a block
func appendLines(ctx context.Context, manager *dat.ConnectionManager, logger *slog.Logger) error {
	lines := make(chan string)
	// The scanner cannot be interrupted, so it is left behind on shutdown
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				// Keep sharing what was appended
				<-ctx.Done()
				return nil
			}
			result, err := manager.Append([]byte(line))
			if err != nil {
				return err
			}
			logger.Info("appended block", "index", result.Length-1)
		}
	}
}

// printBlocks writes replicated blocks to stdout in order
func printBlocks(ctx context.Context, fd *feed.Feed) error {
	ticker := time.NewTicker(printInterval)
	defer ticker.Stop()
	var next uint64
	for {
		for next < fd.Length() && fd.Has(next) {
			block, err := fd.Get(next)
			if err != nil {
				return err
			}
			fmt.Printf("%s\n", block)
			next++
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func serveMetrics(ctx context.Context, address string, manager *dat.ConnectionManager) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(manager.Metrics()...)
	server := &http.Server{
		Addr:              address,
		Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
