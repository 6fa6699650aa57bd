package evm

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultline/riskwatch/internal/domain"
)

type fakeCaller struct {
	responses map[string][]byte
	calls     map[string]int
	err       error
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{
		responses: make(map[string][]byte),
		calls:     make(map[string]int),
	}
}

func (f *fakeCaller) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	selector := hex.EncodeToString(msg.Data[:4])
	f.calls[selector]++
	if f.err != nil {
		return nil, f.err
	}
	resp, ok := f.responses[selector]
	if !ok {
		return nil, errors.New("execution reverted")
	}
	return resp, nil
}

type fakeSource struct {
	caller Caller
}

func (f *fakeSource) For(domain.Chain) (Caller, error) { return f.caller, nil }

func selector(contractABI string, method string) string {
	aggregator, erc20 := parsedABIs()
	if contractABI == "aggregator" {
		return hex.EncodeToString(aggregator.Methods[method].ID)
	}
	return hex.EncodeToString(erc20.Methods[method].ID)
}

func packDecimals(t *testing.T, value uint8) []byte {
	t.Helper()
	_, erc20 := parsedABIs()
	out, err := erc20.Methods["decimals"].Outputs.Pack(value)
	require.NoError(t, err)
	return out
}

func TestReader_LatestRound(t *testing.T) {
	aggregator, _ := parsedABIs()
	updatedAt := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

	roundOut, err := aggregator.Methods["latestRoundData"].Outputs.Pack(
		big.NewInt(4212),
		big.NewInt(100250000), // 1.0025 at 8 decimals
		big.NewInt(updatedAt.Unix()-30),
		big.NewInt(updatedAt.Unix()),
		big.NewInt(4212),
	)
	require.NoError(t, err)

	caller := newFakeCaller()
	caller.responses[selector("aggregator", "decimals")] = packDecimals(t, 8)
	caller.responses[selector("aggregator", "latestRoundData")] = roundOut

	reader := NewReader(&fakeSource{caller: caller})
	round, err := reader.LatestRound(context.Background(), domain.ChainEthereum, "0x8fFfFfd4AfB6115b954Bd326cbe7B4BA576818f6")
	require.NoError(t, err)

	assert.Equal(t, "4212", round.RoundID.String())
	assert.Equal(t, "1.0025", round.Answer.String())
	assert.Equal(t, updatedAt, round.UpdatedAt)
}

func TestReader_TotalSupplyScalesByDecimals(t *testing.T) {
	_, erc20 := parsedABIs()

	supply := new(big.Int).Mul(big.NewInt(125000), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
	supplyOut, err := erc20.Methods["totalSupply"].Outputs.Pack(supply)
	require.NoError(t, err)

	caller := newFakeCaller()
	caller.responses[selector("erc20", "decimals")] = packDecimals(t, 18)
	caller.responses[selector("erc20", "totalSupply")] = supplyOut

	reader := NewReader(&fakeSource{caller: caller})
	token := "0x2260fac5e5542a773aa44fbcfedf7c193bc2c599"

	got, err := reader.TotalSupply(context.Background(), domain.ChainEthereum, token)
	require.NoError(t, err)
	assert.Equal(t, "125000", got.String())

	// Second read must reuse the cached decimals value.
	_, err = reader.TotalSupply(context.Background(), domain.ChainEthereum, token)
	require.NoError(t, err)
	assert.Equal(t, 1, caller.calls[selector("erc20", "decimals")])
	assert.Equal(t, 2, caller.calls[selector("erc20", "totalSupply")])
}

func TestReader_BalanceOf(t *testing.T) {
	_, erc20 := parsedABIs()

	balance := new(big.Int).Mul(big.NewInt(42), new(big.Int).Exp(big.NewInt(10), big.NewInt(8), nil))
	balanceOut, err := erc20.Methods["balanceOf"].Outputs.Pack(balance)
	require.NoError(t, err)

	caller := newFakeCaller()
	caller.responses[selector("erc20", "decimals")] = packDecimals(t, 8)
	caller.responses[selector("erc20", "balanceOf")] = balanceOut

	reader := NewReader(&fakeSource{caller: caller})
	got, err := reader.BalanceOf(context.Background(), domain.ChainEthereum,
		"0x2260fac5e5542a773aa44fbcfedf7c193bc2c599",
		"0xbfbbdcb55b00b8e7b09c5b7c7e9e5c7e36611cf2")
	require.NoError(t, err)
	assert.Equal(t, "42", got.String())
}

func TestReader_ErrorClassification(t *testing.T) {
	t.Run("rpc_failure_is_retriable", func(t *testing.T) {
		caller := newFakeCaller()
		caller.err = errors.New("connection reset by peer")

		reader := NewReader(&fakeSource{caller: caller})
		_, err := reader.TotalSupply(context.Background(), domain.ChainEthereum, "0x2260fac5e5542a773aa44fbcfedf7c193bc2c599")
		require.Error(t, err)
		assert.True(t, Retriable(err))
	})

	t.Run("garbage_returndata_is_terminal", func(t *testing.T) {
		caller := newFakeCaller()
		caller.responses[selector("erc20", "decimals")] = []byte{0x01, 0x02}

		reader := NewReader(&fakeSource{caller: caller})
		_, err := reader.TotalSupply(context.Background(), domain.ChainEthereum, "0x2260fac5e5542a773aa44fbcfedf7c193bc2c599")
		require.Error(t, err)
		assert.False(t, Retriable(err))
	})
}

func TestClients_For(t *testing.T) {
	clients := NewClients(map[string]string{
		"ethereum": "https://eth.example.com/rpc",
		"bogus":    "https://ignored.example.com",
	})

	t.Run("non_evm_chain_is_terminal", func(t *testing.T) {
		_, err := clients.For(domain.ChainSolana)
		require.Error(t, err)
		assert.False(t, Retriable(err))
	})

	t.Run("missing_endpoint_is_terminal", func(t *testing.T) {
		_, err := clients.For(domain.ChainArbitrum)
		require.Error(t, err)
		assert.False(t, Retriable(err))
	})

	t.Run("configured", func(t *testing.T) {
		assert.True(t, clients.Configured(domain.ChainEthereum))
		assert.False(t, clients.Configured(domain.ChainBase))
	})
}
