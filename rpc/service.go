package rpc

import (
	"context"

	"github.com/spooky-finn/go-idex-depthcache/domain"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	DepthCacheServiceName = "idex.depthcache.v1.DepthCacheService"

	getOrderBookSnapshotMethod = "/" + DepthCacheServiceName + "/GetOrderBookSnapshot"
)

// DepthCacheServiceServer serves order book snapshots. Requests carry
// "market" and "maxDepth", responses "source", "bids" and "asks" with
// [price, quantity] string pairs.
type DepthCacheServiceServer interface {
	GetOrderBookSnapshot(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

func RegisterDepthCacheServiceServer(s grpc.ServiceRegistrar, srv DepthCacheServiceServer) {
	s.RegisterService(&DepthCacheService_ServiceDesc, srv)
}

func _DepthCacheService_GetOrderBookSnapshot_Handler(
	srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor,
) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DepthCacheServiceServer).GetOrderBookSnapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: getOrderBookSnapshotMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(DepthCacheServiceServer).GetOrderBookSnapshot(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var DepthCacheService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: DepthCacheServiceName,
	HandlerType: (*DepthCacheServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetOrderBookSnapshot",
			Handler:    _DepthCacheService_GetOrderBookSnapshot_Handler,
		},
	},
	Streams: []grpc.StreamDesc{},
}

type DepthCacheServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewDepthCacheServiceClient(cc grpc.ClientConnInterface) *DepthCacheServiceClient {
	return &DepthCacheServiceClient{cc: cc}
}

func (c *DepthCacheServiceClient) GetOrderBookSnapshot(
	ctx context.Context, market string, maxDepth int, opts ...grpc.CallOption,
) (*domain.DepthSnapshot, error) {
	in, err := structpb.NewStruct(map[string]interface{}{
		"market":   market,
		"maxDepth": maxDepth,
	})
	if err != nil {
		return nil, err
	}

	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, getOrderBookSnapshotMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return decodeDepthSnapshot(out), nil
}

func encodeDepthSnapshot(snapshot *domain.DepthSnapshot) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"source": string(snapshot.Source),
		"bids":   encodeLevels(snapshot.Bids),
		"asks":   encodeLevels(snapshot.Asks),
	})
}

func encodeLevels(levels [][]string) []interface{} {
	result := make([]interface{}, len(levels))
	for i, level := range levels {
		pair := make([]interface{}, len(level))
		for j, v := range level {
			pair[j] = v
		}
		result[i] = pair
	}
	return result
}

func decodeDepthSnapshot(s *structpb.Struct) *domain.DepthSnapshot {
	fields := s.GetFields()
	return &domain.DepthSnapshot{
		Source: domain.OrderBookSource(fields["source"].GetStringValue()),
		Bids:   decodeLevels(fields["bids"]),
		Asks:   decodeLevels(fields["asks"]),
	}
}

func decodeLevels(v *structpb.Value) [][]string {
	values := v.GetListValue().GetValues()
	result := make([][]string, len(values))
	for i, level := range values {
		pair := level.GetListValue().GetValues()
		result[i] = make([]string, len(pair))
		for j, p := range pair {
			result[i][j] = p.GetStringValue()
		}
	}
	return result
}
