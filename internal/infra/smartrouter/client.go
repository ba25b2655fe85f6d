// Package smartrouter submits signed transactions to an external routing
// service over gRPC.
package smartrouter

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vietddude/custody/internal/core/breaker"
	"github.com/vietddude/custody/internal/core/domain"
)

const submitMethod = "/smartrouter.v1.Router/SubmitTransaction"

// BreakerName guards every router call.
const BreakerName = "router:smart"

// Config configures the router client.
type Config struct {
	Address       string
	Token         string
	Timeout       time.Duration
	MaxRetries    int
	RetryDelay    time.Duration
	PriorityLevel string
	Breaker       breaker.Config
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 200 * time.Millisecond
	}
	if c.PriorityLevel == "" {
		c.PriorityLevel = "medium"
	}
}

// Client calls the router's SubmitTransaction method.
type Client struct {
	cfg      Config
	conn     *grpc.ClientConn
	breakers *breaker.Registry
	log      *slog.Logger
}

// Dial creates a client for cfg.Address. https:// or a :443 port selects TLS.
// The connection is established lazily on first use.
func Dial(cfg Config, breakers *breaker.Registry, log *slog.Logger) (*Client, error) {
	target := cfg.Address
	var creds credentials.TransportCredentials
	if strings.HasPrefix(target, "https://") || strings.HasSuffix(target, ":443") {
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
		target = strings.TrimPrefix(target, "https://")
	} else {
		creds = insecure.NewCredentials()
		target = strings.TrimPrefix(target, "http://")
	}

	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("failed to create grpc client for %s: %w", target, err)
	}
	return NewWithConn(conn, cfg, breakers, log), nil
}

// NewWithConn wraps an existing connection.
func NewWithConn(conn *grpc.ClientConn, cfg Config, breakers *breaker.Registry, log *slog.Logger) *Client {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		cfg:      cfg,
		conn:     conn,
		breakers: breakers,
		log:      log.With("component", "smartrouter"),
	}
}

// SubmitTransaction forwards a signed wire-format transaction and returns its signature.
func (c *Client) SubmitTransaction(ctx context.Context, network domain.Network, tx []byte) (string, error) {
	req, err := structpb.NewStruct(map[string]any{
		"network":        string(network),
		"transaction":    base64.StdEncoding.EncodeToString(tx),
		"priority_level": c.cfg.PriorityLevel,
	})
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}

	submit := func(ctx context.Context) (string, error) {
		return c.submitWithRetry(ctx, req)
	}
	if c.breakers == nil {
		return submit(ctx)
	}
	return breaker.ExecuteValue(ctx, c.breakers, BreakerName, submit, c.cfg.Breaker)
}

func (c *Client) submitWithRetry(ctx context.Context, req *structpb.Struct) (string, error) {
	for attempt := 0; ; attempt++ {
		sig, err := c.submit(ctx, req)
		if err == nil {
			return sig, nil
		}

		st, ok := status.FromError(err)
		if !ok || !retryable(st.Code()) || attempt >= c.cfg.MaxRetries {
			return "", fmt.Errorf("smart router submit: %w", err)
		}

		delay := c.retryDelay(st, attempt)
		c.log.Warn("Router busy, retrying", "code", st.Code(), "attempt", attempt+1, "delay", delay)

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Client) submit(ctx context.Context, req *structpb.Struct) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	if c.cfg.Token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.cfg.Token)
	}

	reply := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, submitMethod, req, reply); err != nil {
		return "", err
	}

	sig := reply.GetFields()["signature"].GetStringValue()
	if sig == "" {
		return "", errors.New("router reply carries no signature")
	}
	return sig, nil
}

func retryable(code codes.Code) bool {
	return code == codes.Unavailable || code == codes.ResourceExhausted
}

// retryDelay honours a server RetryInfo hint, else backs off exponentially.
func (c *Client) retryDelay(st *status.Status, attempt int) time.Duration {
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.RetryInfo); ok && info.GetRetryDelay() != nil {
			return info.GetRetryDelay().AsDuration()
		}
	}
	return c.cfg.RetryDelay << attempt
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
