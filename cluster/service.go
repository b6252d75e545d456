package cluster

import (
	"context"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// RegionLockServer is the service surface peers call into.
type RegionLockServer interface {
	Acquire(ctx context.Context, in *AcquireRequest) (*AcquireReply, error)
	Release(ctx context.Context, in *ReleaseRequest) (*ReleaseReply, error)
	Notify(ctx context.Context, in *NotifyRequest) (*NotifyReply, error)
}

// The service descriptor is registered by hand; with three unary methods and
// a custom codec there is nothing for a generator to add.
var regionLockServiceDesc = grpc.ServiceDesc{
	ServiceName: "cluster.RegionLock",
	HandlerType: (*RegionLockServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Acquire", Handler: acquireHandler},
		{MethodName: "Release", Handler: releaseHandler},
		{MethodName: "Notify", Handler: notifyHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "cluster/regionlock",
}

func acquireHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(AcquireRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RegionLockServer).Acquire(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/cluster.RegionLock/Acquire"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RegionLockServer).Acquire(ctx, req.(*AcquireRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func releaseHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ReleaseRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RegionLockServer).Release(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/cluster.RegionLock/Release"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RegionLockServer).Release(ctx, req.(*ReleaseRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func notifyHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(NotifyRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RegionLockServer).Notify(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/cluster.RegionLock/Notify"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RegionLockServer).Notify(ctx, req.(*NotifyRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// Server exposes a SlotManager to peers.
type Server struct {
	grpc *grpc.Server
	lis  net.Listener
	mgr  *SlotManager
}

// Serve starts the region-lock service and returns once the listener is up.
func Serve(address string, mgr *SlotManager) (*Server, error) {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	s := &Server{
		grpc: grpc.NewServer(grpc.ForceServerCodec(Codec{})),
		lis:  lis,
		mgr:  mgr,
	}
	s.grpc.RegisterService(&regionLockServiceDesc, s)
	go func() {
		if err := s.grpc.Serve(lis); err != nil {
			mgr.logger.Warn("region-lock service stopped", zap.Error(err))
		}
	}()
	return s, nil
}

func (s *Server) Addr() string { return s.lis.Addr().String() }

func (s *Server) Stop() { s.grpc.GracefulStop() }

func (s *Server) Acquire(ctx context.Context, in *AcquireRequest) (*AcquireReply, error) {
	if err := <-s.mgr.AcquireRegionLock(in.Node, in.Mode); err != nil {
		return &AcquireReply{Status: 1}, nil
	}
	return &AcquireReply{Status: 0, Used: s.mgr.Used()}, nil
}

func (s *Server) Release(ctx context.Context, in *ReleaseRequest) (*ReleaseReply, error) {
	s.mgr.ReleaseRegionLock(in.Node)
	return &ReleaseReply{}, nil
}

func (s *Server) Notify(ctx context.Context, in *NotifyRequest) (*NotifyReply, error) {
	s.mgr.Revoke(in.Node)
	return &NotifyReply{}, nil
}

// Client is the peer side of the region-lock service.
type Client struct {
	conn *grpc.ClientConn
}

func Dial(address string) (*Client, error) {
	conn, err := grpc.Dial(address, grpc.WithInsecure(),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(Codec{})))
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

// AcquireResult is what the completion channel delivers.
type AcquireResult struct {
	Reply *AcquireReply
	Err   error
}

// Acquire requests a remote slot and returns a completion channel, mirroring
// the asynchronous grant callback of the local table.
func (c *Client) Acquire(ctx context.Context, node uint32, mode Mode) <-chan AcquireResult {
	done := make(chan AcquireResult, 1)
	go func() {
		out := new(AcquireReply)
		err := c.conn.Invoke(ctx, "/cluster.RegionLock/Acquire",
			&AcquireRequest{Node: node, Mode: mode}, out)
		done <- AcquireResult{Reply: out, Err: err}
	}()
	return done
}

func (c *Client) Release(ctx context.Context, node uint32) error {
	return c.conn.Invoke(ctx, "/cluster.RegionLock/Release",
		&ReleaseRequest{Node: node}, new(ReleaseReply))
}

func (c *Client) Notify(ctx context.Context, node uint32) error {
	return c.conn.Invoke(ctx, "/cluster.RegionLock/Notify",
		&NotifyRequest{Node: node}, new(NotifyReply))
}
