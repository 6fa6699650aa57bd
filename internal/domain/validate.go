package domain

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Validate checks a normalized config against the document schema and
// returns a ConfigInvalid naming the offending path on the first failure.
func Validate(cfg *AssetConfig) error {
	if cfg == nil {
		return NewConfigInvalid("(document)", "missing config")
	}
	if err := validateAddresses(cfg.TokenAddresses, "token_addresses"); err != nil {
		return err
	}
	if err := validateLending(cfg); err != nil {
		return err
	}
	if err := validatePools(cfg); err != nil {
		return err
	}
	if err := validateFeeds(cfg.PriceFeeds, "price_feeds"); err != nil {
		return err
	}
	if err := validateFeeds(cfg.CrossChainFeeds, "cross_chain_feeds"); err != nil {
		return err
	}
	if err := validatePoR(cfg.ProofOfReserve); err != nil {
		return err
	}
	if pr := cfg.PriceRisk; pr != nil {
		if pr.TokenPriceID == "" {
			return NewConfigInvalid("price_risk.token_price_id", "required")
		}
		if pr.UnderlyingPriceID == "" {
			return NewConfigInvalid("price_risk.underlying_price_id", "required")
		}
	}
	if err := validateGovernance(cfg.Governance); err != nil {
		return err
	}
	return validateAuditData(cfg.AuditData)
}

func validAddress(chain Chain, addr string) bool {
	if addr == "" {
		return false
	}
	if chain.EVM() {
		return common.IsHexAddress(addr)
	}
	// Solana base58 pubkeys are 32-44 characters.
	return len(addr) >= 32 && len(addr) <= 44
}

func validateAddresses(addrs ChainAddresses, path string) error {
	for chain, addr := range addrs {
		if !chain.Valid() {
			return NewConfigInvalid(fmt.Sprintf("%s.%s", path, chain), "unknown chain")
		}
		if !validAddress(chain, addr) {
			return NewConfigInvalid(fmt.Sprintf("%s.%s", path, chain), "invalid address %q", addr)
		}
	}
	return nil
}

func validateLending(cfg *AssetConfig) error {
	for i, lm := range cfg.LendingConfigs {
		path := fmt.Sprintf("lending_configs[%d]", i)
		if !lm.Protocol.Valid() {
			return NewConfigInvalid(path+".protocol", "unknown protocol %q", lm.Protocol)
		}
		if !lm.Chain.Valid() {
			return NewConfigInvalid(path+".chain", "unknown chain %q", lm.Chain)
		}
		if _, ok := cfg.TokenAddresses[lm.Chain]; !ok {
			return NewConfigInvalid(path+".chain", "chain %s not declared in token_addresses", lm.Chain)
		}
		switch lm.Protocol {
		case LendingAaveV3:
			if !validAddress(lm.Chain, lm.Pool) {
				return NewConfigInvalid(path+".pool", "required for aave_v3")
			}
		case LendingCompoundV3:
			if !validAddress(lm.Chain, lm.Comet) {
				return NewConfigInvalid(path+".comet", "required for compound_v3")
			}
		case LendingFluid:
			if !validAddress(lm.Chain, lm.TokenAddress) {
				return NewConfigInvalid(path+".token_address", "required for fluid")
			}
		}
	}
	return nil
}

func validatePools(cfg *AssetConfig) error {
	for i, p := range cfg.DexPools {
		path := fmt.Sprintf("dex_pools[%d]", i)
		if !p.Protocol.Valid() {
			return NewConfigInvalid(path+".protocol", "unknown protocol %q", p.Protocol)
		}
		if !p.Chain.Valid() {
			return NewConfigInvalid(path+".chain", "unknown chain %q", p.Chain)
		}
		if _, ok := cfg.TokenAddresses[p.Chain]; !ok {
			return NewConfigInvalid(path+".chain", "chain %s not declared in token_addresses", p.Chain)
		}
		if !validAddress(p.Chain, p.PoolAddress) {
			return NewConfigInvalid(path+".pool_address", "invalid address %q", p.PoolAddress)
		}
	}
	return nil
}

func validateFeeds(feeds PriceFeeds, section string) error {
	for i, f := range feeds {
		path := fmt.Sprintf("%s[%d]", section, i)
		if !f.Chain.Valid() {
			return NewConfigInvalid(path+".chain", "unknown chain %q", f.Chain)
		}
		if !validAddress(f.Chain, f.Address) {
			return NewConfigInvalid(path+".address", "invalid address %q", f.Address)
		}
	}
	return nil
}

func validatePoR(por *ProofOfReserve) error {
	if por == nil {
		return nil
	}
	if !por.Kind.Valid() {
		return NewConfigInvalid("proof_of_reserve.kind", "unknown kind %q", por.Kind)
	}
	switch por.Kind {
	case PoRChainlink:
		if len(por.Aggregators) == 0 {
			return NewConfigInvalid("proof_of_reserve.aggregators", "required for chainlink_por")
		}
		if err := validateAddresses(por.Aggregators, "proof_of_reserve.aggregators"); err != nil {
			return err
		}
		if err := validateAddresses(por.TokenAddresses, "proof_of_reserve.token_addresses"); err != nil {
			return err
		}
	case PoRLiquidStaking:
		if !validAddress(ChainEthereum, por.StakedToken) {
			return NewConfigInvalid("proof_of_reserve.staked_token", "required for liquid_staking")
		}
	case PoRFractional:
		if por.BackingSource == "" {
			return NewConfigInvalid("proof_of_reserve.backing_source", "required for fractional")
		}
	case PoRNAVBased:
		if !validAddress(ChainEthereum, por.Oracle) {
			return NewConfigInvalid("proof_of_reserve.oracle", "required for nav_based")
		}
	case PoRScraper:
		if por.URL == "" {
			return NewConfigInvalid("proof_of_reserve.url", "required for scraper")
		}
	}
	return nil
}

func validateGovernance(gov *Governance) error {
	if gov == nil {
		return nil
	}
	for i, role := range gov.Roles {
		path := fmt.Sprintf("governance.roles[%d]", i)
		if role.RoleName == "" {
			return NewConfigInvalid(path+".role_name", "required")
		}
		if !role.AuthorityKind.Valid() {
			return NewConfigInvalid(path+".authority_kind", "unknown kind %q", role.AuthorityKind)
		}
		if role.RoleWeight < 1 || role.RoleWeight > 5 {
			return NewConfigInvalid(path+".role_weight", "must be between 1 and 5, got %g", role.RoleWeight)
		}
		if role.AuthorityKind == AuthorityMultisig {
			if role.SignerCount < 1 {
				return NewConfigInvalid(path+".signer_count", "required for multisig")
			}
			if role.Threshold < 1 || role.Threshold > role.SignerCount {
				return NewConfigInvalid(path+".threshold", "must be between 1 and signer_count")
			}
		}
	}
	if gov.CustodyModel != "" && !gov.CustodyModel.Valid() {
		return NewConfigInvalid("governance.custody_model", "unknown model %q", gov.CustodyModel)
	}
	if gov.BlacklistControl != "" && !gov.BlacklistControl.Valid() {
		return NewConfigInvalid("governance.blacklist_control", "unknown control %q", gov.BlacklistControl)
	}
	if gov.TimelockHours < 0 {
		return NewConfigInvalid("governance.timelock_hours", "must be non-negative")
	}
	return nil
}

func validateAuditData(ad *AuditData) error {
	if ad == nil {
		return nil
	}
	for i, a := range ad.Audits {
		path := fmt.Sprintf("audit_data.audits[%d]", i)
		if a.Auditor == "" {
			return NewConfigInvalid(path+".auditor", "required")
		}
		if a.Date == "" {
			return NewConfigInvalid(path+".date", "required")
		}
		if _, ok := ParseConfigDate(a.Date); !ok {
			return NewConfigInvalid(path+".date", "unparseable date %q", a.Date)
		}
		if a.CriticalIssuesUnresolved < 0 || a.HighIssuesUnresolved < 0 {
			return NewConfigInvalid(path, "issue counts must be non-negative")
		}
	}
	if ad.DeploymentDate != "" {
		if _, ok := ParseConfigDate(ad.DeploymentDate); !ok {
			return NewConfigInvalid("audit_data.deployment_date", "unparseable date %q", ad.DeploymentDate)
		}
	}
	for i, inc := range ad.Incidents {
		path := fmt.Sprintf("audit_data.incidents[%d]", i)
		if inc.Date == "" {
			return NewConfigInvalid(path+".date", "required")
		}
		if _, ok := ParseConfigDate(inc.Date); !ok {
			return NewConfigInvalid(path+".date", "unparseable date %q", inc.Date)
		}
		if inc.ResolvedAt != "" {
			if _, ok := ParseConfigDate(inc.ResolvedAt); !ok {
				return NewConfigInvalid(path+".resolved_at", "unparseable date %q", inc.ResolvedAt)
			}
		}
	}
	return nil
}
