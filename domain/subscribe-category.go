package domain

import "errors"

var ErrUnknownSubscribeCategory = errors.New("unknown subscribe category")

// SubscribeCategory names a datastream subscription request. Singular and
// plural names are aliases for the same request: Account and Accounts both
// send subscribeToAccounts, likewise for markets and chains.
type SubscribeCategory string

const (
	SubscribeAccount  SubscribeCategory = "account"
	SubscribeAccounts SubscribeCategory = "accounts"
	SubscribeMarket   SubscribeCategory = "market"
	SubscribeMarkets  SubscribeCategory = "markets"
	SubscribeChain    SubscribeCategory = "chain"
	SubscribeChains   SubscribeCategory = "chains"
)

var subscribeRequests = map[SubscribeCategory]string{
	SubscribeAccount:  "subscribeToAccounts",
	SubscribeAccounts: "subscribeToAccounts",
	SubscribeMarket:   "subscribeToMarkets",
	SubscribeMarkets:  "subscribeToMarkets",
	SubscribeChain:    "subscribeToChains",
	SubscribeChains:   "subscribeToChains",
}

// Request returns the wire request name of the category.
func (c SubscribeCategory) Request() (string, error) {
	req, ok := subscribeRequests[c]
	if !ok {
		return "", ErrUnknownSubscribeCategory
	}
	return req, nil
}
