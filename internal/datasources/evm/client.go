// Package evm reads on-chain state over JSON-RPC: Chainlink aggregator
// rounds, ERC20 supply and balances. One client per chain, dialed lazily
// from configured RPC endpoints.
package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/vaultline/riskwatch/internal/domain"
)

// Caller is the read-only contract surface of an RPC client.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ClientSource yields a caller for a chain.
type ClientSource interface {
	For(chain domain.Chain) (Caller, error)
}

// ReadError describes a failed contract read. RPC transport faults are
// retriable; missing endpoints and ABI mismatches are terminal.
type ReadError struct {
	Chain     domain.Chain
	Contract  string
	Retriable bool
	Cause     error
}

func (e *ReadError) Error() string {
	kind := "terminal"
	if e.Retriable {
		kind = "retriable"
	}
	return fmt.Sprintf("evm read %s/%s (%s): %v", e.Chain, e.Contract, kind, e.Cause)
}

func (e *ReadError) Unwrap() error { return e.Cause }

// Retriable reports whether err is a transient RPC failure.
func Retriable(err error) bool {
	var readErr *ReadError
	if errors.As(err, &readErr) {
		return readErr.Retriable
	}
	return false
}

// Clients dials and caches one ethclient per chain.
type Clients struct {
	mu        sync.Mutex
	endpoints map[domain.Chain]string
	conns     map[domain.Chain]Caller
}

// NewClients takes chain-name keyed RPC endpoints as configured. Unknown
// chain names are ignored.
func NewClients(rpc map[string]string) *Clients {
	endpoints := make(map[domain.Chain]string, len(rpc))
	for name, endpoint := range rpc {
		chain := domain.Chain(name)
		if chain.Valid() && endpoint != "" {
			endpoints[chain] = endpoint
		}
	}
	return &Clients{
		endpoints: endpoints,
		conns:     make(map[domain.Chain]Caller),
	}
}

// For returns the caller for chain, dialing on first use.
func (c *Clients) For(chain domain.Chain) (Caller, error) {
	if !chain.EVM() {
		return nil, &ReadError{Chain: chain, Retriable: false, Cause: errors.New("not an EVM chain")}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if conn, ok := c.conns[chain]; ok {
		return conn, nil
	}
	endpoint, ok := c.endpoints[chain]
	if !ok {
		return nil, &ReadError{Chain: chain, Retriable: false, Cause: errors.New("no RPC endpoint configured")}
	}
	conn, err := ethclient.Dial(endpoint)
	if err != nil {
		return nil, &ReadError{Chain: chain, Retriable: true, Cause: err}
	}
	c.conns[chain] = conn
	return conn, nil
}

// Configured reports whether an endpoint exists for chain.
func (c *Clients) Configured(chain domain.Chain) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.endpoints[chain]
	return ok
}
