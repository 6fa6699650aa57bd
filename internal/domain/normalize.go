package domain

import (
	"encoding/json"
	"sort"
	"strings"
)

// The monitored-asset documents arrive in two historical shapes: the
// canonical one defined on AssetConfig, and a legacy one where keyed
// sections (pools, markets, feeds, addresses) are objects instead of
// arrays. The section types below accept both on decode and always encode
// the canonical shape, so whatever enters the registry persists normalized.

// ChainAddresses maps chain to deployment address. Accepts the legacy
// [{"chain": ..., "address": ...}] list form on decode.
type ChainAddresses map[Chain]string

func (a *ChainAddresses) UnmarshalJSON(b []byte) error {
	b = trimSpaceJSON(b)
	if len(b) == 0 || string(b) == "null" {
		*a = nil
		return nil
	}
	if b[0] == '{' {
		var m map[Chain]string
		if err := json.Unmarshal(b, &m); err != nil {
			return err
		}
		*a = m
		return nil
	}
	var list []struct {
		Chain   Chain  `json:"chain"`
		Address string `json:"address"`
	}
	if err := json.Unmarshal(b, &list); err != nil {
		return err
	}
	m := make(ChainAddresses, len(list))
	for _, e := range list {
		m[e.Chain] = e.Address
	}
	*a = m
	return nil
}

// Chains returns the declared chains in stable order.
func (a ChainAddresses) Chains() []Chain {
	out := make([]Chain, 0, len(a))
	for c := range a {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// LendingMarkets is an ordered list of lending-market descriptors.
// Accepts the legacy {"aave_v3": {...}} object form keyed by protocol;
// keys are folded into the Protocol field and ordered alphabetically.
type LendingMarkets []LendingMarket

func (l *LendingMarkets) UnmarshalJSON(b []byte) error {
	b = trimSpaceJSON(b)
	if len(b) == 0 || string(b) == "null" {
		*l = nil
		return nil
	}
	if b[0] == '[' {
		type plain LendingMarkets
		return json.Unmarshal(b, (*plain)(l))
	}
	var m map[string]LendingMarket
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(LendingMarkets, 0, len(m))
	for _, k := range keys {
		lm := m[k]
		if lm.Protocol == "" {
			lm.Protocol = LendingProtocol(k)
		}
		out = append(out, lm)
	}
	*l = out
	return nil
}

// DexPools is an ordered list of pool descriptors. Accepts the legacy
// {"wbtc_usdc": {...}} object form keyed by pool name.
type DexPools []DexPool

func (d *DexPools) UnmarshalJSON(b []byte) error {
	b = trimSpaceJSON(b)
	if len(b) == 0 || string(b) == "null" {
		*d = nil
		return nil
	}
	if b[0] == '[' {
		type plain DexPools
		return json.Unmarshal(b, (*plain)(d))
	}
	var m map[string]DexPool
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(DexPools, 0, len(m))
	for _, k := range keys {
		p := m[k]
		if p.PoolName == "" {
			p.PoolName = k
		}
		out = append(out, p)
	}
	*d = out
	return nil
}

// PriceFeeds is an ordered list of oracle endpoints. Accepts the legacy
// {"BTC/USD": "0x..."} and {"BTC/USD": {"chain": ..., "address": ...}}
// object forms keyed by feed name; bare addresses default to ethereum.
type PriceFeeds []PriceFeed

func (p *PriceFeeds) UnmarshalJSON(b []byte) error {
	b = trimSpaceJSON(b)
	if len(b) == 0 || string(b) == "null" {
		*p = nil
		return nil
	}
	if b[0] == '[' {
		type plain PriceFeeds
		return json.Unmarshal(b, (*plain)(p))
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(PriceFeeds, 0, len(m))
	for _, k := range keys {
		raw := trimSpaceJSON(m[k])
		feed := PriceFeed{Name: k, Chain: ChainEthereum}
		if len(raw) > 0 && raw[0] == '"' {
			if err := json.Unmarshal(raw, &feed.Address); err != nil {
				return err
			}
		} else {
			if err := json.Unmarshal(raw, &feed); err != nil {
				return err
			}
			if feed.Name == "" {
				feed.Name = k
			}
			if feed.Chain == "" {
				feed.Chain = ChainEthereum
			}
		}
		out = append(out, feed)
	}
	*p = out
	return nil
}

func trimSpaceJSON(b []byte) []byte {
	return []byte(strings.TrimSpace(string(b)))
}

// ParseConfig decodes, normalizes and validates one asset configuration
// document. The returned config is in canonical shape and safe to persist.
func ParseConfig(raw []byte) (*AssetConfig, error) {
	var cfg AssetConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, NewConfigInvalid("(document)", "malformed JSON: %v", err)
	}
	Normalize(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize applies canonical-form defaults in place: EVM addresses are
// lowercased, governance role weights default to DefaultRoleWeight.
func Normalize(cfg *AssetConfig) {
	if cfg == nil {
		return
	}
	for chain, addr := range cfg.TokenAddresses {
		if chain.EVM() {
			cfg.TokenAddresses[chain] = strings.ToLower(addr)
		}
	}
	for i := range cfg.LendingConfigs {
		lm := &cfg.LendingConfigs[i]
		if lm.Chain.EVM() {
			lm.TokenAddress = strings.ToLower(lm.TokenAddress)
			lm.Pool = strings.ToLower(lm.Pool)
			lm.DataProvider = strings.ToLower(lm.DataProvider)
			lm.Comet = strings.ToLower(lm.Comet)
		}
	}
	for i := range cfg.DexPools {
		if cfg.DexPools[i].Chain.EVM() {
			cfg.DexPools[i].PoolAddress = strings.ToLower(cfg.DexPools[i].PoolAddress)
		}
	}
	for i := range cfg.PriceFeeds {
		if cfg.PriceFeeds[i].Chain.EVM() {
			cfg.PriceFeeds[i].Address = strings.ToLower(cfg.PriceFeeds[i].Address)
		}
	}
	for i := range cfg.CrossChainFeeds {
		if cfg.CrossChainFeeds[i].Chain.EVM() {
			cfg.CrossChainFeeds[i].Address = strings.ToLower(cfg.CrossChainFeeds[i].Address)
		}
	}
	if por := cfg.ProofOfReserve; por != nil {
		for chain, addr := range por.Aggregators {
			if chain.EVM() {
				por.Aggregators[chain] = strings.ToLower(addr)
			}
		}
		for chain, addr := range por.TokenAddresses {
			if chain.EVM() {
				por.TokenAddresses[chain] = strings.ToLower(addr)
			}
		}
		por.StakedToken = strings.ToLower(por.StakedToken)
	}
	if gov := cfg.Governance; gov != nil {
		for i := range gov.Roles {
			if gov.Roles[i].RoleWeight == 0 {
				gov.Roles[i].RoleWeight = DefaultRoleWeight
			}
		}
	}
}
