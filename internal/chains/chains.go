package chains

import (
	"encoding/json"
	"fmt"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"moff.io/coursewallet/pkg/errors"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// ErrUnknownChain is returned by lookups for chains not in the registry.
var ErrUnknownChain = errors.New("unknown chain")

type NativeCurrency struct {
	Name     string `json:"name" yaml:"name"`
	Symbol   string `json:"symbol" yaml:"symbol"`
	Decimals int    `json:"decimals" yaml:"decimals"`
}

type Blockchain struct {
	ID             int64          `json:"id" yaml:"id"`
	IDHex          string         `json:"id_hex" yaml:"-"`
	Name           string         `json:"name" yaml:"name"`
	NativeCurrency NativeCurrency `json:"native_currency" yaml:"native_currency"`
	RPCURL         string         `json:"rpc_url" yaml:"rpc_url"`
	ExplorerURL    string         `json:"explorer_url,omitempty" yaml:"explorer_url"`
}

// AddChainParams is the wallet_addEthereumChain parameter object (EIP-3085).
type AddChainParams struct {
	ChainID           string         `json:"chainId"`
	ChainName         string         `json:"chainName"`
	NativeCurrency    NativeCurrency `json:"nativeCurrency"`
	RPCURLs           []string       `json:"rpcUrls"`
	BlockExplorerURLs []string       `json:"blockExplorerUrls,omitempty"`
}

func (b *Blockchain) AddChainParams() AddChainParams {
	p := AddChainParams{
		ChainID:        hexutil.EncodeUint64(uint64(b.ID)),
		ChainName:      b.Name,
		NativeCurrency: b.NativeCurrency,
		RPCURLs:        []string{b.RPCURL},
	}
	if b.ExplorerURL != "" {
		p.BlockExplorerURLs = []string{b.ExplorerURL}
	}
	return p
}

var (
	eth  = NativeCurrency{Name: "Ether", Symbol: "ETH", Decimals: 18}
	test = NativeCurrency{Name: "Test Ether", Symbol: "ETH", Decimals: 18}

	// rpc地址为公共节点, 生产环境在配置中覆盖
	defaults = []Blockchain{
		{ID: 1, Name: "eth", NativeCurrency: eth, RPCURL: "https://cloudflare-eth.com", ExplorerURL: "https://etherscan.io"},
		{ID: 3, Name: "ropsten", NativeCurrency: test},
		{ID: 4, Name: "rinkeby", NativeCurrency: test},
		{ID: 5, Name: "goerli", NativeCurrency: test, RPCURL: "https://rpc.ankr.com/eth_goerli", ExplorerURL: "https://goerli.etherscan.io"},
		{ID: 42, Name: "kovan", NativeCurrency: test},
		{ID: 137, Name: "polygon", NativeCurrency: NativeCurrency{Name: "MATIC", Symbol: "MATIC", Decimals: 18}, RPCURL: "https://polygon-rpc.com", ExplorerURL: "https://polygonscan.com"},
		{ID: 80001, Name: "mumbai", NativeCurrency: NativeCurrency{Name: "MATIC", Symbol: "MATIC", Decimals: 18}, RPCURL: "https://rpc-mumbai.maticvigil.com", ExplorerURL: "https://mumbai.polygonscan.com"},
		{ID: 56, Name: "bsc", NativeCurrency: NativeCurrency{Name: "BNB", Symbol: "BNB", Decimals: 18}, RPCURL: "https://bsc-dataseed.binance.org", ExplorerURL: "https://bscscan.com"},
		{ID: 97, Name: "bsc testnet", NativeCurrency: NativeCurrency{Name: "tBNB", Symbol: "tBNB", Decimals: 18}, RPCURL: "https://data-seed-prebsc-1-s1.binance.org:8545", ExplorerURL: "https://testnet.bscscan.com"},
		{ID: 43114, Name: "avalanche", NativeCurrency: NativeCurrency{Name: "AVAX", Symbol: "AVAX", Decimals: 18}, RPCURL: "https://api.avax.network/ext/bc/C/rpc", ExplorerURL: "https://snowtrace.io"},
		{ID: 43113, Name: "avalanche testnet", NativeCurrency: NativeCurrency{Name: "AVAX", Symbol: "AVAX", Decimals: 18}, RPCURL: "https://api.avax-test.network/ext/bc/C/rpc", ExplorerURL: "https://testnet.snowtrace.io"},
		{ID: 250, Name: "fantom", NativeCurrency: NativeCurrency{Name: "Fantom", Symbol: "FTM", Decimals: 18}, RPCURL: "https://rpc.ftm.tools", ExplorerURL: "https://ftmscan.com"},
		{ID: 25, Name: "cronos", NativeCurrency: NativeCurrency{Name: "Cronos", Symbol: "CRO", Decimals: 18}, RPCURL: "https://evm.cronos.org", ExplorerURL: "https://cronoscan.com"},
	}
)

// Registry is the set of chains the wallet may be asked to switch to.
type Registry struct {
	mu     sync.RWMutex
	chains map[int64]*Blockchain
}

// NewRegistry returns a registry holding the built-in chain table.
func NewRegistry() *Registry {
	r := &Registry{chains: make(map[int64]*Blockchain)}
	for i := range defaults {
		b := defaults[i]
		r.Add(&b)
	}
	return r
}

// Add inserts or replaces b.
func (r *Registry) Add(b *Blockchain) {
	cp := *b
	cp.IDHex = hexutil.EncodeUint64(uint64(cp.ID))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chains[cp.ID] = &cp
}

// SetRPCURL overrides the rpc url of a known chain.
func (r *Registry) SetRPCURL(id int64, rpcURL string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.chains[id]
	if !ok {
		return errors.Wrapf(ErrUnknownChain, "chain %d", id)
	}
	cp := *b
	cp.RPCURL = rpcURL
	r.chains[id] = &cp
	return nil
}

// Lookup returns a copy of the chain with the given id.
func (r *Registry) Lookup(id int64) (*Blockchain, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.chains[id]
	if !ok {
		return nil, false
	}
	cp := *b
	return &cp, true
}

// RPCURL returns the rpc endpoint of chain id.
func (r *Registry) RPCURL(id int64) (string, error) {
	b, ok := r.Lookup(id)
	if !ok {
		return "", errors.Wrapf(ErrUnknownChain, "chain %d", id)
	}
	if b.RPCURL == "" {
		return "", errors.Errorf("no rpc url configured for chain %d (%s)", id, b.Name)
	}
	return b.RPCURL, nil
}

// All returns every chain ordered by id.
func (r *Registry) All() []*Blockchain {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := make([]*Blockchain, 0, len(r.chains))
	for _, b := range r.chains {
		cp := *b
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all
}

// ParseChainID accepts the shapes wallets use for chain ids: "0x89", "137",
// 137 (any integer or float kind) and json.Number.
func ParseChainID(v interface{}) (int64, error) {
	switch id := v.(type) {
	case int:
		return int64(id), nil
	case int64:
		return id, nil
	case uint64:
		return int64(id), nil
	case float64:
		if id != float64(int64(id)) {
			return 0, errors.Errorf("chain id %v is not an integer", id)
		}
		return int64(id), nil
	case json.Number:
		return ParseChainID(id.String())
	case string:
		s := strings.TrimSpace(id)
		if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
			n, err := strconv.ParseUint(s[2:], 16, 63)
			if err != nil {
				return 0, errors.Wrapf(err, "parse hex chain id %q", s)
			}
			return int64(n), nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, errors.Wrapf(err, "parse chain id %q", s)
		}
		return n, nil
	default:
		return 0, errors.New(fmt.Sprintf("unsupported chain id type %T", v))
	}
}
