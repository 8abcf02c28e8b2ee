package swarm

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/mtzanidakis/swarmcrew/internal/natsbus"
	"github.com/mtzanidakis/swarmcrew/internal/swarmpb"
)

// Address schemes. NATSScheme addresses are reached over the bus, LocalScheme
// addresses are node servers running in this process. Anything else is gRPC.
const (
	NATSScheme  = "nats:"
	LocalScheme = "local:"
)

// NodeClient is the manager's view of one node's RPC surface.
type NodeClient interface {
	RegisterNode(ctx context.Context, in *swarmpb.NodeInfo) (*swarmpb.NodeStatus, error)
	ExecuteTask(ctx context.Context, in *swarmpb.TaskMessage) (*swarmpb.TaskResult, error)
	UpdateStatus(ctx context.Context, in *swarmpb.NodeStatus) (*swarmpb.NodeStatus, error)
	Heartbeat(ctx context.Context, in *swarmpb.NodeInfo) (*swarmpb.NodeStatus, error)
	Close() error
}

// Dialer opens a client for a node address.
type Dialer func(ctx context.Context, address string) (NodeClient, error)

// DialGRPC is the default Dialer.
func DialGRPC(_ context.Context, address string) (NodeClient, error) {
	return swarmpb.Dial(address)
}

// NewDialer dials nats:<node-id> addresses over bus and everything else over gRPC.
// A nil bus leaves only gRPC.
func NewDialer(bus *natsbus.Client) Dialer {
	return func(ctx context.Context, address string) (NodeClient, error) {
		id, ok := strings.CutPrefix(address, NATSScheme)
		if !ok {
			return DialGRPC(ctx, address)
		}
		if bus == nil {
			return nil, fmt.Errorf("dial %s: nats transport not configured", address)
		}
		if id == "" {
			return nil, fmt.Errorf("dial %s: missing node id", address)
		}
		return natsbus.NewNodeClient(bus, id), nil
	}
}

type localClient struct {
	*NodeServer
}

func (localClient) Close() error { return nil }

// WithLocalNodes serves local:<id> addresses from the given in-process node servers
// and hands every other address to next.
func WithLocalNodes(next Dialer, nodes ...*NodeServer) Dialer {
	byID := make(map[string]*NodeServer, len(nodes))
	for _, n := range nodes {
		byID[n.ID()] = n
	}
	return func(ctx context.Context, address string) (NodeClient, error) {
		id, ok := strings.CutPrefix(address, LocalScheme)
		if !ok {
			if next == nil {
				return nil, fmt.Errorf("dial %s: unsupported address", address)
			}
			return next(ctx, address)
		}
		n, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("dial %s: %w", address, ErrUnknownNode)
		}
		return localClient{n}, nil
	}
}

// Node is a snapshot of a registered node.
type Node struct {
	ID          string    `json:"id"`
	Address     string    `json:"address"`
	Agents      []string  `json:"agents"`
	Status      string    `json:"status"`
	CurrentTask string    `json:"current_task,omitempty"`
	LastSeen    time.Time `json:"last_seen"`
	Registered  time.Time `json:"registered"`
}

func (n Node) Offers(agent string) bool {
	return slices.Contains(n.Agents, agent)
}

// nodeEntry is the manager's mutable record of a node. All fields are guarded by
// Manager.mu.
type nodeEntry struct {
	info   Node
	client NodeClient
	// lost is closed when the node becomes unreachable or is removed, releasing any
	// dispatch waiting on it. A recovered node gets a fresh channel.
	lost chan struct{}
}

func (e *nodeEntry) snapshot() Node {
	n := e.info
	n.Agents = slices.Clone(e.info.Agents)
	return n
}
