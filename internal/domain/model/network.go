package model

import (
	"fmt"
	"strings"

	"github.com/stellar/go/network"
)

// Network identifies the Stellar network a record lives on. A record never
// changes network over its lifecycle.
type Network string

const (
	NetworkTestnet Network = "testnet"
	NetworkMainnet Network = "mainnet"
)

func (n Network) String() string {
	return string(n)
}

// Passphrase returns the network passphrase used when hashing and signing
// transactions for n.
func (n Network) Passphrase() string {
	switch n {
	case NetworkMainnet:
		return network.PublicNetworkPassphrase
	default:
		return network.TestNetworkPassphrase
	}
}

func ParseNetwork(raw string) (Network, error) {
	switch Network(strings.ToLower(strings.TrimSpace(raw))) {
	case NetworkTestnet:
		return NetworkTestnet, nil
	case NetworkMainnet, "public", "pubnet":
		return NetworkMainnet, nil
	default:
		return "", fmt.Errorf("unsupported stellar network %q", raw)
	}
}
