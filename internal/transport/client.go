package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/roach88/lofisync/internal/reconcile"
)

// DefaultTimeout bounds each RPC when the caller's context has no deadline.
const DefaultTimeout = 30 * time.Second

// Client is a reconcile.Remote backed by a gRPC connection.
type Client struct {
	conn      *grpc.ClientConn
	principal reconcile.Principal
	timeout   time.Duration
}

var _ reconcile.Remote = (*Client)(nil)

// Dial connects to a sync server. The connection is lazy; the first RPC
// establishes it.
func Dial(target string, p reconcile.Principal, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", target, err)
	}
	return NewClient(conn, p), nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn, p reconcile.Principal) *Client {
	return &Client{conn: conn, principal: p, timeout: DefaultTimeout}
}

// SetTimeout changes the per-call timeout. Zero disables it.
func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

// Close closes the connection.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	var trailer metadata.MD
	err := c.conn.Invoke(withPrincipal(ctx, c.principal), fullMethod(method), in, out,
		grpc.CallContentSubtype(CodecName), grpc.Trailer(&trailer))
	return fromStatus(err, trailer)
}

// FetchRemoteActions implements reconcile.Remote.
func (c *Client) FetchRemoteActions(ctx context.Context, req reconcile.FetchRequest) (reconcile.FetchResponse, error) {
	var resp reconcile.FetchResponse
	err := c.invoke(ctx, methodFetch, &req, &resp)
	return resp, err
}

// SendLocalActions implements reconcile.Remote.
func (c *Client) SendLocalActions(ctx context.Context, req reconcile.SendRequest) (reconcile.SendResponse, error) {
	actions, err := json.Marshal(req.Actions)
	if err != nil {
		return reconcile.SendResponse{}, fmt.Errorf("encode actions: %w", err)
	}
	amrs, err := json.Marshal(req.ModifiedRows)
	if err != nil {
		return reconcile.SendResponse{}, fmt.Errorf("encode modified rows: %w", err)
	}
	var resp reconcile.SendResponse
	err = c.invoke(ctx, methodSend, &sendRequest{
		BasisServerIngestID: req.BasisServerIngestID,
		ServerEpoch:         req.ServerEpoch,
		Actions:             actions,
		ModifiedRows:        amrs,
	}, &resp)
	return resp, err
}

// GetBootstrapSnapshot implements reconcile.Remote.
func (c *Client) GetBootstrapSnapshot(ctx context.Context) (reconcile.SnapshotPayload, error) {
	var resp reconcile.SnapshotPayload
	err := c.invoke(ctx, methodSnapshot, &snapshotRequest{}, &resp)
	return resp, err
}
