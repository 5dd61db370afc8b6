package types

import (
	"fmt"
	"strconv"
	"strings"
)

// Network represents a concrete chain network a merchant can be paid on
type Network string

const (
	// EVM networks
	NetworkPolygon     Network = "polygon"
	NetworkPolygonAmoy Network = "polygon-amoy" // testnet
	NetworkBase        Network = "base"
	NetworkBaseSepolia Network = "base-sepolia" // testnet
	NetworkEthereum    Network = "ethereum"

	// Solana clusters
	NetworkSolanaMainnet Network = "solana-mainnet"
	NetworkSolanaDevnet  Network = "solana-devnet" // testnet

	// Tron networks
	NetworkTronMainnet Network = "tron-mainnet"
	NetworkTronShasta  Network = "tron-shasta" // testnet
)

// NativeCurrency describes the currency used to pay on a network
type NativeCurrency struct {
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

// NetworkParams holds the canonical parameters of a network. For EVM networks
// they double as the payload of a wallet "add chain" request.
type NetworkParams struct {
	Network     Network        `json:"network"`
	Kind        ChainKind      `json:"kind"`
	ChainID     int64          `json:"chainId,omitempty"`
	Cluster     string         `json:"cluster,omitempty"`
	ChainName   string         `json:"chainName"`
	Currency    NativeCurrency `json:"nativeCurrency"`
	RPCURLs     []string       `json:"rpcUrls"`
	ExplorerURL string         `json:"blockExplorerUrl"`
	Testnet     bool           `json:"testnet,omitempty"`
}

// ChainIDHex returns the 0x-prefixed chain ID used by EVM wallets
func (p NetworkParams) ChainIDHex() string {
	return "0x" + strconv.FormatInt(p.ChainID, 16)
}

// TxURL returns the block explorer link for a transaction
func (p NetworkParams) TxURL(txHash string) string {
	base := strings.TrimRight(p.ExplorerURL, "/")
	switch p.Kind {
	case ChainSolana:
		if p.Testnet {
			return fmt.Sprintf("%s/tx/%s?cluster=devnet", base, txHash)
		}
		return fmt.Sprintf("%s/tx/%s", base, txHash)
	case ChainTron:
		return fmt.Sprintf("%s/#/transaction/%s", base, txHash)
	default:
		return fmt.Sprintf("%s/tx/%s", base, txHash)
	}
}

var networks = map[Network]NetworkParams{
	NetworkPolygon: {
		Network:     NetworkPolygon,
		Kind:        ChainEVM,
		ChainID:     137,
		ChainName:   "Polygon Mainnet",
		Currency:    NativeCurrency{Name: "POL", Symbol: "POL", Decimals: 18},
		RPCURLs:     []string{"https://polygon-rpc.com/"},
		ExplorerURL: "https://polygonscan.com/",
	},
	NetworkPolygonAmoy: {
		Network:     NetworkPolygonAmoy,
		Kind:        ChainEVM,
		ChainID:     80002,
		ChainName:   "Polygon Amoy Testnet",
		Currency:    NativeCurrency{Name: "POL", Symbol: "POL", Decimals: 18},
		RPCURLs:     []string{"https://rpc-amoy.polygon.technology/"},
		ExplorerURL: "https://amoy.polygonscan.com/",
		Testnet:     true,
	},
	NetworkBase: {
		Network:     NetworkBase,
		Kind:        ChainEVM,
		ChainID:     8453,
		ChainName:   "Base",
		Currency:    NativeCurrency{Name: "Ether", Symbol: "ETH", Decimals: 18},
		RPCURLs:     []string{"https://mainnet.base.org"},
		ExplorerURL: "https://basescan.org/",
	},
	NetworkBaseSepolia: {
		Network:     NetworkBaseSepolia,
		Kind:        ChainEVM,
		ChainID:     84532,
		ChainName:   "Base Sepolia",
		Currency:    NativeCurrency{Name: "Ether", Symbol: "ETH", Decimals: 18},
		RPCURLs:     []string{"https://sepolia.base.org"},
		ExplorerURL: "https://sepolia.basescan.org/",
		Testnet:     true,
	},
	NetworkEthereum: {
		Network:     NetworkEthereum,
		Kind:        ChainEVM,
		ChainID:     1,
		ChainName:   "Ethereum Mainnet",
		Currency:    NativeCurrency{Name: "Ether", Symbol: "ETH", Decimals: 18},
		RPCURLs:     []string{"https://cloudflare-eth.com"},
		ExplorerURL: "https://etherscan.io/",
	},
	NetworkSolanaMainnet: {
		Network:     NetworkSolanaMainnet,
		Kind:        ChainSolana,
		Cluster:     "mainnet-beta",
		ChainName:   "Solana",
		Currency:    NativeCurrency{Name: "Solana", Symbol: "SOL", Decimals: 9},
		RPCURLs:     []string{"https://api.mainnet-beta.solana.com"},
		ExplorerURL: "https://explorer.solana.com/",
	},
	NetworkSolanaDevnet: {
		Network:     NetworkSolanaDevnet,
		Kind:        ChainSolana,
		Cluster:     "devnet",
		ChainName:   "Solana Devnet",
		Currency:    NativeCurrency{Name: "Solana", Symbol: "SOL", Decimals: 9},
		RPCURLs:     []string{"https://api.devnet.solana.com"},
		ExplorerURL: "https://explorer.solana.com/",
		Testnet:     true,
	},
	NetworkTronMainnet: {
		Network:     NetworkTronMainnet,
		Kind:        ChainTron,
		Cluster:     "mainnet",
		ChainName:   "TRON",
		Currency:    NativeCurrency{Name: "Tronix", Symbol: "TRX", Decimals: 6},
		RPCURLs:     []string{"https://api.trongrid.io"},
		ExplorerURL: "https://tronscan.org/",
	},
	NetworkTronShasta: {
		Network:     NetworkTronShasta,
		Kind:        ChainTron,
		Cluster:     "shasta",
		ChainName:   "TRON Shasta",
		Currency:    NativeCurrency{Name: "Tronix", Symbol: "TRX", Decimals: 6},
		RPCURLs:     []string{"https://api.shasta.trongrid.io"},
		ExplorerURL: "https://shasta.tronscan.org/",
		Testnet:     true,
	},
}

// LookupNetwork returns the canonical parameters of a network
func LookupNetwork(n Network) (NetworkParams, bool) {
	p, ok := networks[n]
	return p, ok
}

// NetworkFor resolves a chain kind plus an optional chain ID (numeric for EVM,
// cluster name or network name otherwise) to a known network.
func NetworkFor(kind ChainKind, id ChainID) (Network, bool) {
	if id == "" {
		return "", false
	}
	if p, ok := networks[Network(id)]; ok && p.Kind == kind {
		return p.Network, true
	}
	numeric, isNumeric := id.Int64()
	for _, p := range networks {
		if p.Kind != kind {
			continue
		}
		if kind == ChainEVM && isNumeric && p.ChainID == numeric {
			return p.Network, true
		}
		if kind != ChainEVM && strings.EqualFold(p.Cluster, string(id)) {
			return p.Network, true
		}
	}
	return "", false
}

func (n Network) Kind() ChainKind {
	return networks[n].Kind
}

func (n Network) IsEVM() bool {
	return n.Kind() == ChainEVM
}

func (n Network) IsSolana() bool {
	return n.Kind() == ChainSolana
}

func (n Network) IsTron() bool {
	return n.Kind() == ChainTron
}

func (n Network) IsTestnet() bool {
	return networks[n].Testnet
}

func (n Network) String() string {
	return string(n)
}
