// Package proto defines the gRPC status service for GopherScan.
//
// Messages are plain Go structs carried by a JSON codec registered under the
// "json" content subtype; the client below selects it on every call.
package proto

import (
	"context"

	"google.golang.org/grpc"
)

const (
	ServiceName = "gopherscan.AnalysisStatus"

	GetJobMethod          = "/" + ServiceName + "/GetJob"
	GetUploadStatusMethod = "/" + ServiceName + "/GetUploadStatus"
)

// AnalysisStatusServer is the server-side interface for the status service.
type AnalysisStatusServer interface {
	GetJob(context.Context, *GetJobRequest) (*Job, error)
	GetUploadStatus(context.Context, *GetUploadStatusRequest) (*UploadStatus, error)
}

// AnalysisStatusClient is the client-side interface for the status service.
type AnalysisStatusClient interface {
	GetJob(ctx context.Context, in *GetJobRequest, opts ...grpc.CallOption) (*Job, error)
	GetUploadStatus(ctx context.Context, in *GetUploadStatusRequest, opts ...grpc.CallOption) (*UploadStatus, error)
}

// ---- server registration ----

// ServiceDesc is the grpc.ServiceDesc for the status service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AnalysisStatusServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetJob",
			Handler:    _AnalysisStatus_GetJob_Handler,
		},
		{
			MethodName: "GetUploadStatus",
			Handler:    _AnalysisStatus_GetUploadStatus_Handler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "proto/gopherscan.proto",
}

// RegisterAnalysisStatusServer registers the server implementation with a gRPC server.
func RegisterAnalysisStatusServer(s grpc.ServiceRegistrar, srv AnalysisStatusServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func _AnalysisStatus_GetJob_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetJobRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AnalysisStatusServer).GetJob(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GetJobMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AnalysisStatusServer).GetJob(ctx, req.(*GetJobRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _AnalysisStatus_GetUploadStatus_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetUploadStatusRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AnalysisStatusServer).GetUploadStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GetUploadStatusMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AnalysisStatusServer).GetUploadStatus(ctx, req.(*GetUploadStatusRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// ---- client implementation ----

type analysisStatusClient struct {
	cc grpc.ClientConnInterface
}

// NewAnalysisStatusClient creates a status service client.
func NewAnalysisStatusClient(cc grpc.ClientConnInterface) AnalysisStatusClient {
	return &analysisStatusClient{cc: cc}
}

func (c *analysisStatusClient) GetJob(ctx context.Context, in *GetJobRequest, opts ...grpc.CallOption) (*Job, error) {
	out := new(Job)
	opts = append(opts, grpc.CallContentSubtype(CodecName))
	if err := c.cc.Invoke(ctx, GetJobMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *analysisStatusClient) GetUploadStatus(ctx context.Context, in *GetUploadStatusRequest, opts ...grpc.CallOption) (*UploadStatus, error) {
	out := new(UploadStatus)
	opts = append(opts, grpc.CallContentSubtype(CodecName))
	if err := c.cc.Invoke(ctx, GetUploadStatusMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
