package domain

// Network identifies a supported blockchain network by its configured name.
type Network string

// NetworkType is the provider family serving a network.
type NetworkType string

const (
	NetworkTypeEVM    NetworkType = "evm"
	NetworkTypeSolana NetworkType = "solana"
)

const (
	NetworkSolana   Network = "solana"
	NetworkEthereum Network = "ethereum"
	NetworkBase     Network = "base"
	NetworkBSC      Network = "bsc"
)

// DefaultNetworkTypes maps well-known network names to their provider family.
// Networks missing from this map must declare a type in config.
var DefaultNetworkTypes = map[Network]NetworkType{
	NetworkSolana:   NetworkTypeSolana,
	NetworkEthereum: NetworkTypeEVM,
	NetworkBase:     NetworkTypeEVM,
	NetworkBSC:      NetworkTypeEVM,
}

// NativeSymbols maps networks to the ticker of their native asset.
var NativeSymbols = map[Network]string{
	NetworkSolana:   "SOL",
	NetworkEthereum: "ETH",
	NetworkBase:     "ETH",
	NetworkBSC:      "BNB",
}

func (n Network) String() string {
	return string(n)
}
