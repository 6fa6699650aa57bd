package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/vaultline/riskwatch/internal/domain"
)

// aggregatorV3ABI covers the read surface of Chainlink price and
// proof-of-reserve feeds.
const aggregatorV3ABI = `[
	{"inputs":[],"name":"latestRoundData","outputs":[{"name":"roundId","type":"uint80"},{"name":"answer","type":"int256"},{"name":"startedAt","type":"uint256"},{"name":"updatedAt","type":"uint256"},{"name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"}
]`

const erc20ABI = `[
	{"inputs":[],"name":"totalSupply","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"}
]`

const multicall3ABI = `[
	{"inputs":[{"components":[{"name":"target","type":"address"},{"name":"callData","type":"bytes"}],"name":"calls","type":"tuple[]"}],"name":"aggregate","outputs":[{"name":"blockNumber","type":"uint256"},{"name":"returnData","type":"bytes[]"}],"stateMutability":"payable","type":"function"}]`

// Multicall3Address is the canonical deployment, identical on every
// supported EVM chain.
const Multicall3Address = "0xcA11bde05977b3631167028862bE2a173976CA11"

var (
	parseABIsOnce sync.Once
	aggregatorABI abi.ABI
	tokenABI      abi.ABI
	multicallABI  abi.ABI
)

func parsedABIs() (abi.ABI, abi.ABI) {
	parseABIsOnce.Do(func() {
		var err error
		aggregatorABI, err = abi.JSON(strings.NewReader(aggregatorV3ABI))
		if err != nil {
			panic(fmt.Sprintf("aggregator ABI: %v", err))
		}
		tokenABI, err = abi.JSON(strings.NewReader(erc20ABI))
		if err != nil {
			panic(fmt.Sprintf("erc20 ABI: %v", err))
		}
		multicallABI, err = abi.JSON(strings.NewReader(multicall3ABI))
		if err != nil {
			panic(fmt.Sprintf("multicall ABI: %v", err))
		}
	})
	return aggregatorABI, tokenABI
}

// MustParseABI parses a JSON ABI, panicking on malformed literals. Meant
// for package-level constants only.
func MustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse ABI: %v", err))
	}
	return parsed
}

// RoundData is one Chainlink aggregator round with the answer already
// scaled by the feed's decimals.
type RoundData struct {
	RoundID   *big.Int
	Answer    decimal.Decimal
	UpdatedAt time.Time
}

// Reader performs typed contract reads. Feed and token decimals are
// immutable on-chain, so they are cached per (chain, address) for the
// life of the process.
type Reader struct {
	clients  ClientSource
	decimals sync.Map
}

// NewReader wraps a client source.
func NewReader(clients ClientSource) *Reader {
	return &Reader{clients: clients}
}

// LatestRound reads latestRoundData from a Chainlink-compatible feed.
func (r *Reader) LatestRound(ctx context.Context, chain domain.Chain, feed string) (RoundData, error) {
	aggregator, _ := parsedABIs()

	dec, err := r.feedDecimals(ctx, chain, feed, aggregator)
	if err != nil {
		return RoundData{}, err
	}

	vals, err := r.call(ctx, chain, feed, aggregator, "latestRoundData")
	if err != nil {
		return RoundData{}, err
	}
	if len(vals) != 5 {
		return RoundData{}, &ReadError{Chain: chain, Contract: feed, Retriable: false, Cause: fmt.Errorf("latestRoundData returned %d values", len(vals))}
	}

	roundID, ok1 := vals[0].(*big.Int)
	answer, ok2 := vals[1].(*big.Int)
	updatedAt, ok3 := vals[3].(*big.Int)
	if !ok1 || !ok2 || !ok3 {
		return RoundData{}, &ReadError{Chain: chain, Contract: feed, Retriable: false, Cause: fmt.Errorf("unexpected latestRoundData types")}
	}

	return RoundData{
		RoundID:   roundID,
		Answer:    decimal.NewFromBigInt(answer, -int32(dec)),
		UpdatedAt: time.Unix(updatedAt.Int64(), 0).UTC(),
	}, nil
}

// TotalSupply reads an ERC20 total supply scaled to whole tokens.
func (r *Reader) TotalSupply(ctx context.Context, chain domain.Chain, token string) (decimal.Decimal, error) {
	_, erc20 := parsedABIs()

	dec, err := r.tokenDecimals(ctx, chain, token, erc20)
	if err != nil {
		return decimal.Zero, err
	}

	vals, err := r.call(ctx, chain, token, erc20, "totalSupply")
	if err != nil {
		return decimal.Zero, err
	}
	supply, ok := firstBigInt(vals)
	if !ok {
		return decimal.Zero, &ReadError{Chain: chain, Contract: token, Retriable: false, Cause: fmt.Errorf("unexpected totalSupply value")}
	}
	return decimal.NewFromBigInt(supply, -int32(dec)), nil
}

// BalanceOf reads an ERC20 balance scaled to whole tokens.
func (r *Reader) BalanceOf(ctx context.Context, chain domain.Chain, token, holder string) (decimal.Decimal, error) {
	_, erc20 := parsedABIs()

	dec, err := r.tokenDecimals(ctx, chain, token, erc20)
	if err != nil {
		return decimal.Zero, err
	}

	vals, err := r.call(ctx, chain, token, erc20, "balanceOf", common.HexToAddress(holder))
	if err != nil {
		return decimal.Zero, err
	}
	balance, ok := firstBigInt(vals)
	if !ok {
		return decimal.Zero, &ReadError{Chain: chain, Contract: token, Retriable: false, Cause: fmt.Errorf("unexpected balanceOf value")}
	}
	return decimal.NewFromBigInt(balance, -int32(dec)), nil
}

func (r *Reader) feedDecimals(ctx context.Context, chain domain.Chain, contract string, parsed abi.ABI) (uint8, error) {
	return r.cachedDecimals(ctx, chain, contract, parsed)
}

func (r *Reader) tokenDecimals(ctx context.Context, chain domain.Chain, contract string, parsed abi.ABI) (uint8, error) {
	return r.cachedDecimals(ctx, chain, contract, parsed)
}

func (r *Reader) cachedDecimals(ctx context.Context, chain domain.Chain, contract string, parsed abi.ABI) (uint8, error) {
	key := string(chain) + ":" + strings.ToLower(contract)
	if cached, ok := r.decimals.Load(key); ok {
		return cached.(uint8), nil
	}

	vals, err := r.call(ctx, chain, contract, parsed, "decimals")
	if err != nil {
		return 0, err
	}
	if len(vals) != 1 {
		return 0, &ReadError{Chain: chain, Contract: contract, Retriable: false, Cause: fmt.Errorf("decimals returned %d values", len(vals))}
	}
	dec, ok := vals[0].(uint8)
	if !ok {
		return 0, &ReadError{Chain: chain, Contract: contract, Retriable: false, Cause: fmt.Errorf("unexpected decimals type %T", vals[0])}
	}
	r.decimals.Store(key, dec)
	return dec, nil
}

// Call packs, executes, and unpacks an arbitrary read against contract.
// Protocol-specific callers supply their own parsed ABIs.
func (r *Reader) Call(ctx context.Context, chain domain.Chain, contract string, parsed abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	return r.call(ctx, chain, contract, parsed, method, args...)
}

// MulticallRequest is one target invocation inside an aggregate batch.
type MulticallRequest struct {
	Target   common.Address
	CallData []byte
}

// Aggregate batches reads through the Multicall3 contract and returns the
// raw returndata per request, in order.
func (r *Reader) Aggregate(ctx context.Context, chain domain.Chain, requests []MulticallRequest) ([][]byte, error) {
	parsedABIs()

	vals, err := r.call(ctx, chain, Multicall3Address, multicallABI, "aggregate", requests)
	if err != nil {
		return nil, err
	}
	if len(vals) != 2 {
		return nil, &ReadError{Chain: chain, Contract: Multicall3Address, Retriable: false, Cause: fmt.Errorf("aggregate returned %d values", len(vals))}
	}
	returnData, ok := vals[1].([][]byte)
	if !ok {
		return nil, &ReadError{Chain: chain, Contract: Multicall3Address, Retriable: false, Cause: fmt.Errorf("unexpected aggregate returndata type %T", vals[1])}
	}
	return returnData, nil
}

func (r *Reader) call(ctx context.Context, chain domain.Chain, contract string, parsed abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	caller, err := r.clients.For(chain)
	if err != nil {
		return nil, err
	}

	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, &ReadError{Chain: chain, Contract: contract, Retriable: false, Cause: err}
	}

	to := common.HexToAddress(contract)
	out, err := caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, &ReadError{Chain: chain, Contract: contract, Retriable: true, Cause: err}
	}

	vals, err := parsed.Unpack(method, out)
	if err != nil {
		return nil, &ReadError{Chain: chain, Contract: contract, Retriable: false, Cause: err}
	}
	return vals, nil
}

func firstBigInt(vals []interface{}) (*big.Int, bool) {
	if len(vals) != 1 {
		return nil, false
	}
	v, ok := vals[0].(*big.Int)
	return v, ok
}
