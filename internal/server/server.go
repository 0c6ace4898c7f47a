/*
 * Copyright (c) 2026 attestd authors. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/attestd/attestd/internal/attest"
	"github.com/attestd/attestd/internal/config"
)

// Server wires the HTTP listener and request handling stack.
type Server struct {
	cfg     config.ServerConfig
	auditor *attest.Auditor
	handler *handler
	http    *http.Server
	logger  *log.Logger
}

// New constructs a Server using the provided configuration.
func New(ctx context.Context, cfg config.ServerConfig, auditorCfg config.AuditorConfig) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	if auditorCfg.Logger == nil {
		auditorCfg.Logger = logger
	}

	auditor, err := attest.NewAuditor(auditorCfg, nil)
	if err != nil {
		return nil, err
	}
	if err := auditor.Init(ctx); err != nil {
		return nil, err
	}

	h := newHandler(auditor, logger)

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return &Server{
		cfg:     cfg,
		auditor: auditor,
		handler: h,
		http:    httpSrv,
		logger:  logger,
	}, nil
}

// ListenAndServe starts the HTTP server and blocks until it stops.
func (s *Server) ListenAndServe() error {
	s.logger.Printf("Run Auditor server on %s.", s.http.Addr)

	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully takes down the HTTP server and closes the pinning
// database.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.http.Shutdown(ctx); err != nil {
		return err
	}
	return s.auditor.Close()
}
