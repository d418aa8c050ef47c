// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsServer serves /metrics until its context is cancelled.
type MetricsServer struct {
	srv    *http.Server
	ln     net.Listener
	done   chan error
	logger *slog.Logger

	// stop is closed by Close; watched is closed when the context
	// watcher returns.
	stop     chan struct{}
	stopOnce sync.Once
	watched  chan struct{}
}

// ServeMetrics starts an HTTP server exposing /metrics on addr.
//
// Description:
//
//	Serves MetricsHandler when the prometheus exporter is enabled and the
//	default registry otherwise, so promauto metrics are always visible.
//	The server shuts down when ctx is cancelled or Close is called.
//
// Inputs:
//
//	ctx - Bounds the server lifetime. Must not be nil.
//	addr - Listen address, e.g. ":9090" or "127.0.0.1:0".
//	logger - Receives start and stop lines. Nil uses slog.Default().
//
// Outputs:
//
//	*MetricsServer - The running server. Addr reports the bound address.
//	error - Non-nil if the address could not be bound.
func ServeMetrics(ctx context.Context, addr string, logger *slog.Logger) (*MetricsServer, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if logger == nil {
		logger = slog.Default()
	}

	handler := MetricsHandler()
	if handler == nil {
		handler = promhttp.Handler()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen metrics %s: %w", addr, err)
	}

	m := &MetricsServer{
		srv:     &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		ln:      ln,
		done:    make(chan error, 1),
		logger:  logger,
		stop:    make(chan struct{}),
		watched: make(chan struct{}),
	}
	go func() {
		err := m.srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		m.done <- err
	}()
	go func() {
		defer close(m.watched)
		select {
		case <-ctx.Done():
			_ = m.Close()
		case <-m.stop:
		}
	}()

	logger.Info("metrics endpoint listening", slog.String("addr", ln.Addr().String()))
	return m, nil
}

// Addr returns the bound listen address.
func (m *MetricsServer) Addr() string {
	return m.ln.Addr().String()
}

// Close stops the server, waiting up to five seconds for open requests.
func (m *MetricsServer) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("shutdown metrics server: %w", err)
	}
	return nil
}

// Wait blocks until the server has stopped and returns its serve error.
func (m *MetricsServer) Wait() error {
	err := <-m.done
	m.done <- err
	return err
}
