package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fasthttp/router"
	"github.com/maximhq/connpool"
	"github.com/maximhq/connpool/schemas"
	"github.com/maximhq/connpool/transports/http/handlers"
	"github.com/valyala/fasthttp"
)

// Server serves the connection manager's health and metrics endpoints.
type Server struct {
	Host    string
	Port    string
	Manager *connpool.Manager
	Router  *router.Router
	Server  *fasthttp.Server
	logger  schemas.Logger
}

// NewServer builds the manager from config and registers every route.
func NewServer(ctx context.Context, host, port string, config schemas.ManagerConfig, logger schemas.Logger) (*Server, error) {
	config.Logger = logger
	config.AlertObserver = schemas.AlertObserverFunc(func(alert schemas.Alert) {
		logger.Warn("[%s] %s alert for %s: %s", alert.Severity, alert.Kind, alert.Provider, alert.Message)
	})
	manager, err := connpool.Init(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize connection manager: %w", err)
	}

	r := router.New()
	handlers.RegisterRoutes(r, manager)
	r.NotFound = func(ctx *fasthttp.RequestCtx) {
		handlers.SendError(ctx, fasthttp.StatusNotFound, "Route not found: "+string(ctx.Path()), logger)
	}

	return &Server{
		Host:    host,
		Port:    port,
		Manager: manager,
		Router:  r,
		Server:  &fasthttp.Server{Handler: r.Handler, Name: "connpool"},
		logger:  logger,
	}, nil
}

// Start serves until SIGINT/SIGTERM or a listener error, then shuts the
// manager down.
func (s *Server) Start() error {
	sigChan := make(chan os.Signal, 1)
	errChan := make(chan error, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	serverAddr := net.JoinHostPort(s.Host, s.Port)
	go func() {
		s.logger.Info("serving connection manager endpoints on http://%s", serverAddr)
		if err := s.Server.ListenAndServe(serverAddr); err != nil {
			errChan <- err
		}
	}()

	select {
	case sig := <-sigChan:
		s.logger.Info("received signal %v, initiating graceful shutdown...", sig)
		if err := s.Server.Shutdown(); err != nil {
			s.logger.Error("error during graceful shutdown: %v", err)
		}
		done := make(chan struct{})
		go func() {
			defer close(done)
			s.Manager.Shutdown()
		}()
		select {
		case <-done:
			s.logger.Info("cleanup completed")
		case <-time.After(30 * time.Second):
			s.logger.Warn("cleanup timed out after 30 seconds")
		}
	case err := <-errChan:
		s.Manager.Shutdown()
		return err
	}
	return nil
}
