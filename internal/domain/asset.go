package domain

import (
	"time"
)

// AssetType tags the product class an asset belongs to.
type AssetType string

const (
	AssetWrapped       AssetType = "wrapped"
	AssetLiquidStaking AssetType = "liquid_staking"
	AssetStablecoin    AssetType = "stablecoin"
	AssetOther         AssetType = "other"
)

// Valid reports whether t is a recognized asset type.
func (t AssetType) Valid() bool {
	switch t {
	case AssetWrapped, AssetLiquidStaking, AssetStablecoin, AssetOther:
		return true
	}
	return false
}

// Chain identifies a network an asset deployment lives on.
type Chain string

const (
	ChainEthereum Chain = "ethereum"
	ChainBase     Chain = "base"
	ChainArbitrum Chain = "arbitrum"
	ChainOptimism Chain = "optimism"
	ChainPolygon  Chain = "polygon"
	ChainSolana   Chain = "solana"
)

// Valid reports whether c is a supported chain.
func (c Chain) Valid() bool {
	switch c {
	case ChainEthereum, ChainBase, ChainArbitrum, ChainOptimism, ChainPolygon, ChainSolana:
		return true
	}
	return false
}

// EVM reports whether c uses EVM-style 0x addresses.
func (c Chain) EVM() bool {
	return c.Valid() && c != ChainSolana
}

// FetcherKind names one of the pluggable metric-collection units.
type FetcherKind string

const (
	KindOracle       FetcherKind = "oracle"
	KindReserve      FetcherKind = "reserve"
	KindLiquidity    FetcherKind = "liquidity"
	KindLending      FetcherKind = "lending"
	KindDistribution FetcherKind = "distribution"
	KindMarket       FetcherKind = "market"
)

// LendingProtocol identifies a supported lending market integration.
type LendingProtocol string

const (
	LendingAaveV3     LendingProtocol = "aave_v3"
	LendingCompoundV3 LendingProtocol = "compound_v3"
	LendingFluid      LendingProtocol = "fluid"
)

// Valid reports whether p is a supported lending protocol.
func (p LendingProtocol) Valid() bool {
	switch p {
	case LendingAaveV3, LendingCompoundV3, LendingFluid:
		return true
	}
	return false
}

// PoolProtocol identifies a supported DEX integration.
type PoolProtocol string

const (
	PoolUniswapV3     PoolProtocol = "uniswap_v3"
	PoolCurve         PoolProtocol = "curve"
	PoolPancakeswapV3 PoolProtocol = "pancakeswap_v3"
)

// Valid reports whether p is a supported pool protocol.
func (p PoolProtocol) Valid() bool {
	switch p {
	case PoolUniswapV3, PoolCurve, PoolPancakeswapV3:
		return true
	}
	return false
}

// PoRKind selects how proof-of-reserve backing is established.
type PoRKind string

const (
	PoRChainlink     PoRKind = "chainlink_por"
	PoRLiquidStaking PoRKind = "liquid_staking"
	PoRFractional    PoRKind = "fractional"
	PoRNAVBased      PoRKind = "nav_based"
	PoRScraper       PoRKind = "scraper"
)

// Valid reports whether k is a supported proof-of-reserve kind.
func (k PoRKind) Valid() bool {
	switch k {
	case PoRChainlink, PoRLiquidStaking, PoRFractional, PoRNAVBased, PoRScraper:
		return true
	}
	return false
}

// AuthorityKind classifies who controls a governance role.
type AuthorityKind string

const (
	AuthorityEOA             AuthorityKind = "eoa"
	AuthorityMultisig        AuthorityKind = "multisig"
	AuthorityDAOVoting       AuthorityKind = "dao_voting"
	AuthorityContractUnknown AuthorityKind = "contract_unknown"
)

// Valid reports whether k is a recognized authority kind.
func (k AuthorityKind) Valid() bool {
	switch k {
	case AuthorityEOA, AuthorityMultisig, AuthorityDAOVoting, AuthorityContractUnknown:
		return true
	}
	return false
}

// CustodyModel classifies how underlying collateral is held.
type CustodyModel string

const (
	CustodyDecentralized    CustodyModel = "decentralized"
	CustodyRegulatedInsured CustodyModel = "regulated_insured"
	CustodyRegulated        CustodyModel = "regulated"
	CustodyUnregulated      CustodyModel = "unregulated"
	CustodyUnknown          CustodyModel = "unknown"
)

// Valid reports whether m is a recognized custody model.
func (m CustodyModel) Valid() bool {
	switch m {
	case CustodyDecentralized, CustodyRegulatedInsured, CustodyRegulated, CustodyUnregulated, CustodyUnknown:
		return true
	}
	return false
}

// BlacklistControl classifies who can freeze balances.
type BlacklistControl string

const (
	BlacklistNone         BlacklistControl = "none"
	BlacklistGovernance   BlacklistControl = "governance"
	BlacklistMultisig     BlacklistControl = "multisig"
	BlacklistSingleEntity BlacklistControl = "single_entity"
)

// Valid reports whether b is a recognized blacklist control.
func (b BlacklistControl) Valid() bool {
	switch b {
	case BlacklistNone, BlacklistGovernance, BlacklistMultisig, BlacklistSingleEntity:
		return true
	}
	return false
}

// DefaultRoleWeight applies to governance roles that do not declare one.
const DefaultRoleWeight = 3

// AssetConfig is the canonical per-asset collection and scoring document.
// Legacy list/dict shapes accepted on ingestion are normalized into this
// shape before persisting; absent sections deactivate the corresponding
// fetchers and scoring sub-components.
type AssetConfig struct {
	TokenAddresses  ChainAddresses  `json:"token_addresses,omitempty"`
	LendingConfigs  LendingMarkets  `json:"lending_configs,omitempty"`
	DexPools        DexPools        `json:"dex_pools,omitempty"`
	PriceFeeds      PriceFeeds      `json:"price_feeds,omitempty"`
	CrossChainFeeds PriceFeeds      `json:"cross_chain_feeds,omitempty"`
	ProofOfReserve  *ProofOfReserve `json:"proof_of_reserve,omitempty"`
	PriceRisk       *PriceRisk      `json:"price_risk,omitempty"`
	Governance      *Governance     `json:"governance,omitempty"`
	AuditData       *AuditData      `json:"audit_data,omitempty"`
}

// LendingMarket describes one lending-market deployment to monitor.
// Anchor fields are protocol specific: aave_v3 uses Pool/DataProvider,
// compound_v3 uses Comet, fluid uses TokenAddress plus MarketName.
type LendingMarket struct {
	Protocol     LendingProtocol `json:"protocol"`
	Chain        Chain           `json:"chain"`
	TokenAddress string          `json:"token_address,omitempty"`
	Pool         string          `json:"pool,omitempty"`
	DataProvider string          `json:"data_provider,omitempty"`
	Comet        string          `json:"comet,omitempty"`
	MarketName   string          `json:"market_name,omitempty"`
}

// DexPool describes one DEX pool deployment to monitor.
type DexPool struct {
	Protocol    PoolProtocol           `json:"protocol"`
	Chain       Chain                  `json:"chain"`
	PoolAddress string                 `json:"pool_address"`
	PoolName    string                 `json:"pool_name,omitempty"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// PriceFeed points at one oracle aggregator deployment.
type PriceFeed struct {
	Chain   Chain  `json:"chain"`
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// ProofOfReserve selects and parameterizes the reserve verification path.
type ProofOfReserve struct {
	Kind           PoRKind        `json:"kind"`
	Aggregators    ChainAddresses `json:"aggregators,omitempty"`
	TokenAddresses ChainAddresses `json:"token_addresses,omitempty"`
	StakedToken    string         `json:"staked_token,omitempty"`
	BackingSource  string         `json:"backing_source,omitempty"`
	Oracle         string         `json:"oracle,omitempty"`
	URL            string         `json:"url,omitempty"`
	Parser         string         `json:"parser,omitempty"`
}

// PriceRisk names the off-chain quote identifiers used for peg and
// historical price statistics.
type PriceRisk struct {
	TokenPriceID      string `json:"token_price_id"`
	UnderlyingPriceID string `json:"underlying_price_id"`
}

// DAOSafeguards records structural protections of a DAO-controlled role.
type DAOSafeguards struct {
	HasVetoPower      bool    `json:"has_veto_power,omitempty"`
	HasDualGovernance bool    `json:"has_dual_governance,omitempty"`
	QuorumPct         float64 `json:"quorum_pct,omitempty"`
}

// GovernanceRole records one privileged role over the asset's contracts.
// RoleWeight defaults to DefaultRoleWeight when unset; weights of 4 and
// above mark roles able to move user funds.
type GovernanceRole struct {
	RoleName      string         `json:"role_name"`
	AuthorityKind AuthorityKind  `json:"authority_kind"`
	RoleWeight    float64        `json:"role_weight,omitempty"`
	Address       string         `json:"address,omitempty"`
	Threshold     int            `json:"threshold,omitempty"`
	SignerCount   int            `json:"signer_count,omitempty"`
	DAOSafeguards *DAOSafeguards `json:"dao_safeguards,omitempty"`
}

// Governance aggregates control-structure facts used by counterparty
// scoring and the admin-key circuit breaker.
type Governance struct {
	Roles            []GovernanceRole `json:"roles,omitempty"`
	HasTimelock      bool             `json:"has_timelock,omitempty"`
	TimelockHours    float64          `json:"timelock_hours,omitempty"`
	CustodyModel     CustodyModel     `json:"custody_model,omitempty"`
	HasBlacklist     bool             `json:"has_blacklist,omitempty"`
	BlacklistControl BlacklistControl `json:"blacklist_control,omitempty"`
}

// Audit records one completed security review.
type Audit struct {
	Auditor                  string `json:"auditor"`
	Date                     string `json:"date"`
	CriticalIssuesUnresolved int    `json:"critical_issues_unresolved,omitempty"`
	HighIssuesUnresolved     int    `json:"high_issues_unresolved,omitempty"`
}

// Incident records one security event in the asset's history.
type Incident struct {
	Date              string  `json:"date"`
	Description       string  `json:"description,omitempty"`
	FundsLostUSD      float64 `json:"funds_lost_usd,omitempty"`
	FundsLostPctOfTVL float64 `json:"funds_lost_pct_of_tvl,omitempty"`
	ResolvedAt        string  `json:"resolved_at,omitempty"`
}

// AuditData groups the static security-history section of the config.
type AuditData struct {
	Audits         []Audit    `json:"audits,omitempty"`
	DeploymentDate string     `json:"deployment_date,omitempty"`
	Incidents      []Incident `json:"incidents,omitempty"`
}

// configDate layouts accepted for audit, incident and deployment dates.
var configDateLayouts = []string{"2006-01-02", time.RFC3339}

// ParseConfigDate parses a config document date field. Both plain dates
// and RFC3339 timestamps appear in ingested documents.
func ParseConfigDate(s string) (time.Time, bool) {
	for _, layout := range configDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// FeedsOnChain returns the price feeds declared for the given chain.
func (c *AssetConfig) FeedsOnChain(chain Chain) []PriceFeed {
	var out []PriceFeed
	for _, f := range c.PriceFeeds {
		if f.Chain == chain {
			out = append(out, f)
		}
	}
	return out
}

// HasSection reports whether the section needed by the given fetcher kind
// is present. Absent sections are skipped, not errors.
func (c *AssetConfig) HasSection(kind FetcherKind) bool {
	if c == nil {
		return false
	}
	switch kind {
	case KindOracle:
		return len(c.PriceFeeds) > 0 || len(c.CrossChainFeeds) > 0
	case KindReserve:
		return c.ProofOfReserve != nil
	case KindLiquidity:
		return len(c.DexPools) > 0
	case KindLending:
		return len(c.LendingConfigs) > 0
	case KindDistribution:
		return len(c.TokenAddresses) > 0
	case KindMarket:
		return c.PriceRisk != nil
	}
	return false
}
