package swarmpb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const ServiceName = "swarm.SwarmNodeService"

const (
	RegisterNodeMethod = "/swarm.SwarmNodeService/RegisterNode"
	ExecuteTaskMethod  = "/swarm.SwarmNodeService/ExecuteTask"
	UpdateStatusMethod = "/swarm.SwarmNodeService/UpdateStatus"
	HeartbeatMethod    = "/swarm.SwarmNodeService/Heartbeat"
)

// NodeServiceServer is the server API of the node service.
type NodeServiceServer interface {
	RegisterNode(context.Context, *NodeInfo) (*NodeStatus, error)
	ExecuteTask(context.Context, *TaskMessage) (*TaskResult, error)
	UpdateStatus(context.Context, *NodeStatus) (*NodeStatus, error)
	Heartbeat(context.Context, *NodeInfo) (*NodeStatus, error)
}

// UnimplementedNodeServiceServer answers every call with codes.Unimplemented.
type UnimplementedNodeServiceServer struct{}

func (UnimplementedNodeServiceServer) RegisterNode(context.Context, *NodeInfo) (*NodeStatus, error) {
	return nil, status.Error(codes.Unimplemented, "method RegisterNode not implemented")
}

func (UnimplementedNodeServiceServer) ExecuteTask(context.Context, *TaskMessage) (*TaskResult, error) {
	return nil, status.Error(codes.Unimplemented, "method ExecuteTask not implemented")
}

func (UnimplementedNodeServiceServer) UpdateStatus(context.Context, *NodeStatus) (*NodeStatus, error) {
	return nil, status.Error(codes.Unimplemented, "method UpdateStatus not implemented")
}

func (UnimplementedNodeServiceServer) Heartbeat(context.Context, *NodeInfo) (*NodeStatus, error) {
	return nil, status.Error(codes.Unimplemented, "method Heartbeat not implemented")
}

func RegisterNodeServiceServer(s grpc.ServiceRegistrar, srv NodeServiceServer) {
	s.RegisterService(&NodeServiceDesc, srv)
}

// unaryHandler adapts a typed method to grpc.MethodHandler.
func unaryHandler[Req any, Resp any, PReq interface {
	*Req
	Message
}](method string, call func(NodeServiceServer, context.Context, PReq) (Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := PReq(new(Req))
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(NodeServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(NodeServiceServer), ctx, req.(PReq))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var NodeServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*NodeServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "RegisterNode",
			Handler:    unaryHandler(RegisterNodeMethod, NodeServiceServer.RegisterNode),
		},
		{
			MethodName: "ExecuteTask",
			Handler:    unaryHandler(ExecuteTaskMethod, NodeServiceServer.ExecuteTask),
		},
		{
			MethodName: "UpdateStatus",
			Handler:    unaryHandler(UpdateStatusMethod, NodeServiceServer.UpdateStatus),
		},
		{
			MethodName: "Heartbeat",
			Handler:    unaryHandler(HeartbeatMethod, NodeServiceServer.Heartbeat),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "swarm.proto",
}

// NodeServiceClient is the client API of the node service.
type NodeServiceClient interface {
	RegisterNode(ctx context.Context, in *NodeInfo, opts ...grpc.CallOption) (*NodeStatus, error)
	ExecuteTask(ctx context.Context, in *TaskMessage, opts ...grpc.CallOption) (*TaskResult, error)
	UpdateStatus(ctx context.Context, in *NodeStatus, opts ...grpc.CallOption) (*NodeStatus, error)
	Heartbeat(ctx context.Context, in *NodeInfo, opts ...grpc.CallOption) (*NodeStatus, error)
}

type nodeServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewNodeServiceClient returns a client that forces this package's codec on every call.
func NewNodeServiceClient(cc grpc.ClientConnInterface) NodeServiceClient {
	return &nodeServiceClient{cc: cc}
}

func (c *nodeServiceClient) invoke(ctx context.Context, method string, in, out Message, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.ForceCodec(Codec{})}, opts...)
	return c.cc.Invoke(ctx, method, in, out, opts...)
}

func (c *nodeServiceClient) RegisterNode(ctx context.Context, in *NodeInfo, opts ...grpc.CallOption) (*NodeStatus, error) {
	out := new(NodeStatus)
	if err := c.invoke(ctx, RegisterNodeMethod, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *nodeServiceClient) ExecuteTask(ctx context.Context, in *TaskMessage, opts ...grpc.CallOption) (*TaskResult, error) {
	out := new(TaskResult)
	if err := c.invoke(ctx, ExecuteTaskMethod, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *nodeServiceClient) UpdateStatus(ctx context.Context, in *NodeStatus, opts ...grpc.CallOption) (*NodeStatus, error) {
	out := new(NodeStatus)
	if err := c.invoke(ctx, UpdateStatusMethod, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *nodeServiceClient) Heartbeat(ctx context.Context, in *NodeInfo, opts ...grpc.CallOption) (*NodeStatus, error) {
	out := new(NodeStatus)
	if err := c.invoke(ctx, HeartbeatMethod, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}
