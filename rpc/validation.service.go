package rpc

import "strings"

// ValidationServiceConfig lists the markets served, empty means any market.
type ValidationServiceConfig struct {
	AvailableMarkets []string
}

type ValidationService struct {
	config *ValidationServiceConfig
}

func NewValidationService(config *ValidationServiceConfig) *ValidationService {
	if config == nil {
		config = &ValidationServiceConfig{}
	}
	return &ValidationService{
		config: config,
	}
}

func (s *ValidationService) IsSupportedMarket(market string) bool {
	if len(s.config.AvailableMarkets) == 0 {
		return true
	}
	for _, m := range s.config.AvailableMarkets {
		if strings.EqualFold(m, market) {
			return true
		}
	}
	return false
}
