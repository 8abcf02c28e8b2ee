package natsbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mtzanidakis/swarmcrew/internal/swarmpb"
	"github.com/nats-io/nats.go"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Headers carrying call metadata on node RPC messages.
const (
	HeaderDeadline = "Swarm-Deadline"
	HeaderCode     = "Swarm-Code"
	HeaderError    = "Swarm-Error"
)

// ServeNode answers the node service methods for nodeID on the bus. Each request is
// handled in its own goroutine so heartbeats are answered while tasks run.
func ServeNode(c *Client, nodeID string, srv swarmpb.NodeServiceServer) (*nats.Subscription, error) {
	logger := slog.Default().With("node", nodeID, "transport", "nats")
	sub, err := c.Subscribe(TopicNodeAll(nodeID), func(msg *nats.Msg) {
		go func() {
			if err := msg.RespondMsg(handleNodeRequest(msg, srv)); err != nil {
				logger.Warn("rpc reply failed", "subject", msg.Subject, "error", err)
			}
		}()
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe node %s: %w", nodeID, err)
	}
	if err := c.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flush node %s subscription: %w", nodeID, err)
	}
	logger.Info("node serving on nats", "subject", TopicNodeAll(nodeID))
	return sub, nil
}

func handleNodeRequest(msg *nats.Msg, srv swarmpb.NodeServiceServer) *nats.Msg {
	ctx := context.Background()
	if d := msg.Header.Get(HeaderDeadline); d != "" {
		if deadline, err := time.Parse(time.RFC3339Nano, d); err == nil {
			var cancel context.CancelFunc
			ctx, cancel = context.WithDeadline(ctx, deadline)
			defer cancel()
		}
	}

	method := msg.Subject[strings.LastIndexByte(msg.Subject, '.')+1:]
	var (
		out swarmpb.Message
		err error
	)
	switch method {
	case "RegisterNode":
		in := new(swarmpb.NodeInfo)
		if err = in.Unmarshal(msg.Data); err == nil {
			out, err = srv.RegisterNode(ctx, in)
		}
	case "ExecuteTask":
		in := new(swarmpb.TaskMessage)
		if err = in.Unmarshal(msg.Data); err == nil {
			out, err = srv.ExecuteTask(ctx, in)
		}
	case "UpdateStatus":
		in := new(swarmpb.NodeStatus)
		if err = in.Unmarshal(msg.Data); err == nil {
			out, err = srv.UpdateStatus(ctx, in)
		}
	case "Heartbeat":
		in := new(swarmpb.NodeInfo)
		if err = in.Unmarshal(msg.Data); err == nil {
			out, err = srv.Heartbeat(ctx, in)
		}
	default:
		err = status.Errorf(codes.Unimplemented, "unknown method %s", method)
	}

	reply := nats.NewMsg(msg.Reply)
	if err != nil {
		st := status.Convert(err)
		reply.Header.Set(HeaderCode, strconv.Itoa(int(st.Code())))
		reply.Header.Set(HeaderError, st.Message())
		return reply
	}
	reply.Data = swarmpb.Marshal(out)
	return reply
}

// NodeClient calls a node's service over the bus. It satisfies the swarm manager's
// node client contract; Close leaves the shared connection open.
type NodeClient struct {
	client *Client
	nodeID string
}

func NewNodeClient(c *Client, nodeID string) *NodeClient {
	return &NodeClient{client: c, nodeID: nodeID}
}

func (n *NodeClient) call(ctx context.Context, method string, in, out swarmpb.Message) error {
	req := nats.NewMsg(TopicNodeRPC(n.nodeID, method))
	req.Data = swarmpb.Marshal(in)
	if deadline, ok := ctx.Deadline(); ok {
		req.Header.Set(HeaderDeadline, deadline.Format(time.RFC3339Nano))
	}

	resp, err := n.client.RequestContext(ctx, req)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			return status.FromContextError(err).Err()
		case errors.Is(err, nats.ErrNoResponders):
			return status.Errorf(codes.Unavailable, "node %s: no responders", n.nodeID)
		default:
			return status.Errorf(codes.Unavailable, "node %s: %v", n.nodeID, err)
		}
	}
	if code := resp.Header.Get(HeaderCode); code != "" {
		c, convErr := strconv.Atoi(code)
		if convErr != nil {
			c = int(codes.Unknown)
		}
		return status.Error(codes.Code(c), resp.Header.Get(HeaderError))
	}
	if err := out.Unmarshal(resp.Data); err != nil {
		return status.Errorf(codes.Internal, "decode %s reply: %v", method, err)
	}
	return nil
}

func (n *NodeClient) RegisterNode(ctx context.Context, in *swarmpb.NodeInfo) (*swarmpb.NodeStatus, error) {
	out := new(swarmpb.NodeStatus)
	if err := n.call(ctx, "RegisterNode", in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (n *NodeClient) ExecuteTask(ctx context.Context, in *swarmpb.TaskMessage) (*swarmpb.TaskResult, error) {
	out := new(swarmpb.TaskResult)
	if err := n.call(ctx, "ExecuteTask", in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (n *NodeClient) UpdateStatus(ctx context.Context, in *swarmpb.NodeStatus) (*swarmpb.NodeStatus, error) {
	out := new(swarmpb.NodeStatus)
	if err := n.call(ctx, "UpdateStatus", in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (n *NodeClient) Heartbeat(ctx context.Context, in *swarmpb.NodeInfo) (*swarmpb.NodeStatus, error) {
	out := new(swarmpb.NodeStatus)
	if err := n.call(ctx, "Heartbeat", in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (n *NodeClient) Close() error { return nil }
