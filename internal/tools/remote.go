package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errNotServing               = errors.New("tool service not serving")
)

// RemoteConfig holds configuration for the remote tool executor.
type RemoteConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultRemoteConfig returns defaults for addr.
func DefaultRemoteConfig(addr string) RemoteConfig {
	return RemoteConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   15 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// Remote executes tools through the gRPC tool service.
type Remote struct {
	conn   *grpc.ClientConn
	cfg    RemoteConfig
	logger *slog.Logger
}

// NewRemote connects to the tool service and waits until it reports serving.
// Extra dial options are appended to the defaults.
func NewRemote(cfg RemoteConfig, logger *slog.Logger, opts ...grpc.DialOption) (*Remote, error) {
	if logger == nil {
		logger = slog.Default()
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, opts...)

	// Build client connection (no network I/O yet).
	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("create tool service client for %s: %w", cfg.Address, err)
	}

	// Fail fast on a bad tool service endpoint.
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		closeQuietly(conn, logger)
		return nil, fmt.Errorf("tool service at %s not ready: %w", cfg.Address, err)
	}

	resp, err := healthpb.NewHealthClient(conn).Check(connectCtx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		closeQuietly(conn, logger)
		return nil, fmt.Errorf("tool service health check: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		closeQuietly(conn, logger)
		return nil, fmt.Errorf("%w: %s", errNotServing, resp.GetStatus())
	}

	logger.Info("Connected to tool service", "address", cfg.Address)
	return &Remote{conn: conn, cfg: cfg, logger: logger}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

func closeQuietly(conn *grpc.ClientConn, logger *slog.Logger) {
	if err := conn.Close(); err != nil {
		logger.Warn("failed to close gRPC connection", "error", err)
	}
}

// Close closes the gRPC connection.
func (r *Remote) Close() {
	if r.conn != nil {
		closeQuietly(r.conn, r.logger)
	}
}

// Execute sends call to the tool service. Transport failures become error payloads.
func (r *Remote) Execute(ctx context.Context, call Call) string {
	if r.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.RequestTimeout)
		defer cancel()
	}

	req := &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldSessionID: structpb.NewStringValue(call.SessionID),
		fieldRole:      structpb.NewStringValue(call.Role),
		fieldName:      structpb.NewStringValue(call.Name),
		fieldArguments: structpb.NewStringValue(call.Arguments),
	}}
	resp := new(structpb.Struct)
	if err := r.conn.Invoke(ctx, executeMethod, req, resp); err != nil {
		r.logger.Error("Remote tool call failed", "tool", call.Name, "session_id", call.SessionID, "error", err)
		return errorPayload(msgInternalError)
	}

	payload := resp.GetFields()[fieldPayload].GetStringValue()
	if payload == "" {
		r.logger.Error("Remote tool call returned no payload", "tool", call.Name)
		return errorPayload(msgInternalError)
	}
	return payload
}
