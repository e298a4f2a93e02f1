package metadatasvc

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "stratus.metadata.v1.Metadata"

const (
	fetchMethod   = "/" + ServiceName + "/Fetch"
	putCodeMethod = "/" + ServiceName + "/PutCode"
)

// FetchRequest asks for the metadata of a runtime, given either its code or
// the hash of code already in the server's store. Exactly one must be set.
type FetchRequest struct {
	Code      []byte `cbor:"1,keyasint,omitempty"`
	CodeHash  []byte `cbor:"2,keyasint,omitempty"`
	HeapPages uint64 `cbor:"3,keyasint,omitempty"`
}

// FetchResponse carries the metadata with its length prefix removed.
type FetchResponse struct {
	Metadata []byte `cbor:"1,keyasint"`
	CodeHash []byte `cbor:"2,keyasint"`
}

// PutCodeRequest uploads runtime code to the server's store.
type PutCodeRequest struct {
	Code []byte `cbor:"1,keyasint"`
}

// PutCodeResponse reports the hash the code is stored under.
type PutCodeResponse struct {
	CodeHash []byte `cbor:"1,keyasint"`
	Created  bool   `cbor:"2,keyasint"`
}

// MetadataServer is the server API of the metadata service.
type MetadataServer interface {
	Fetch(context.Context, *FetchRequest) (*FetchResponse, error)
	PutCode(context.Context, *PutCodeRequest) (*PutCodeResponse, error)
}

// RegisterMetadataServer registers srv on s.
func RegisterMetadataServer(s grpc.ServiceRegistrar, srv MetadataServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MetadataServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Fetch", Handler: fetchHandler},
		{MethodName: "PutCode", Handler: putCodeHandler},
	},
	Streams: []grpc.StreamDesc{},
}

func fetchHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(FetchRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MetadataServer).Fetch(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fetchMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(MetadataServer).Fetch(ctx, req.(*FetchRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func putCodeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(PutCodeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MetadataServer).PutCode(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: putCodeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(MetadataServer).PutCode(ctx, req.(*PutCodeRequest))
	}
	return interceptor(ctx, in, info, handler)
}
