package rpc

import (
	"context"

	"github.com/spooky-finn/go-idex-depthcache/domain"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

func (s *server) GetOrderBookSnapshot(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	fields := in.GetFields()
	market := fields["market"].GetStringValue()

	marketSymbol, err := domain.NewMarketSymbolFromString(market)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument,
			"invalid market symbol %s. Correct market symbol should use _ as a separator", market)
	}
	if !s.validationService.IsSupportedMarket(marketSymbol.String()) {
		return nil, status.Errorf(codes.InvalidArgument, "market %s is not supported", marketSymbol)
	}

	maxDepth := int(fields["maxDepth"].GetNumberValue())
	if maxDepth < 0 {
		return nil, status.Errorf(codes.InvalidArgument, "maxDepth must not be negative, got %d", maxDepth)
	}

	snapshot, err := s.orderbookSnapshotUseCase.GetOrderBookSnapshot(ctx, marketSymbol, maxDepth)
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "snapshot of %s: %v", marketSymbol, err)
	}

	return encodeDepthSnapshot(snapshot)
}
