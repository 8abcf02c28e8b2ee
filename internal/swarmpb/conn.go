package swarmpb

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Conn is a client connection to one node.
type Conn struct {
	cc     *grpc.ClientConn
	client NodeServiceClient
}

// Dial creates a connection to target. The connection is established lazily; the
// first RPC surfaces connectivity errors.
func Dial(target string, opts ...grpc.DialOption) (*Conn, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, opts...)
	cc, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial node %s: %w", target, err)
	}
	return &Conn{cc: cc, client: NewNodeServiceClient(cc)}, nil
}

func (c *Conn) RegisterNode(ctx context.Context, in *NodeInfo) (*NodeStatus, error) {
	return c.client.RegisterNode(ctx, in)
}

func (c *Conn) ExecuteTask(ctx context.Context, in *TaskMessage) (*TaskResult, error) {
	return c.client.ExecuteTask(ctx, in)
}

func (c *Conn) UpdateStatus(ctx context.Context, in *NodeStatus) (*NodeStatus, error) {
	return c.client.UpdateStatus(ctx, in)
}

func (c *Conn) Heartbeat(ctx context.Context, in *NodeInfo) (*NodeStatus, error) {
	return c.client.Heartbeat(ctx, in)
}

func (c *Conn) Close() error {
	return c.cc.Close()
}

// NewServer returns a gRPC server that decodes with this package's codec.
func NewServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.ForceServerCodec(Codec{})}, opts...)
	return grpc.NewServer(opts...)
}
