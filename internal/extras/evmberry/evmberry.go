// Package evmberry is the EVM-sourced Berry supplement (SPEC_FULL.md
// §2.23): a Berry's pluck() is a script-level method invoked through
// the loader's shared interpreter (internal/loader.loadBerry →
// code.Class.LookupMethod("pluck")), never a Go interface, so an
// EVM-backed Berry can't "implement oracle.Blockchain" the way
// internal/extras/ownerwallet implements oracle.Owner. Instead this
// package installs a Go-backed `EVM` global into every sandbox
// compartment (via internal/sandbox.Extend, mirroring how the sandbox
// itself seeds Set/Map/Promise) that a pluck script calls out through,
// e.g.:
//
//	class PriceFeedBerry extends Berry {
//	  static async pluck(location) {
//	    const logs = EVM.fetchLog(contractAddr, topic0, fromBlock, toBlock);
//	    const b = new PriceFeedBerry();
//	    b.logs = logs;
//	    return b;
//	  }
//	}
//
// grounded in the teacher's internal/contracts/htlc client.go
// (ethclient.Dial, then querying the chain for contract-emitted events).
package evmberry

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/bitjig/rund/internal/sandbox"
	"github.com/bitjig/rund/internal/script"
)

// Client wraps an ethclient.Client for pluck-time log fetches.
type Client struct {
	eth     *ethclient.Client
	timeout time.Duration
}

// Dial connects to rpcURL (an HTTP(S) or WS(S) JSON-RPC endpoint).
func Dial(rpcURL string, timeout time.Duration) (*Client, error) {
	eth, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("evmberry: dial %s: %w", rpcURL, err)
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{eth: eth, timeout: timeout}, nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}

// Install registers this Client's EVM namespace as a sandbox intrinsic,
// making it available (as the global identifier EVM) to every
// compartment internal/sandbox.New builds from this point on — in
// particular every class/function a future replay or recreate compiles,
// including the pluck() method of an EVM-sourced Berry. Must be called
// once at startup before the Loader begins compiling any source; see
// internal/sandbox.Extend's own doc comment for the concurrency caveat.
func (c *Client) Install() {
	sandbox.Extend("EVM", c.namespace())
}

// namespace builds the EVM global: a plain object exposing fetchLog as
// its one native method.
func (c *Client) namespace() *script.Object {
	ns := script.NewObject()
	ns.Set("fetchLog", &script.NativeFunc{
		Name: "EVM.fetchLog",
		Fn:   c.fetchLog,
	})
	return ns
}

// fetchLog(contractAddress, topic0, fromBlock, toBlock) queries the
// chain for matching logs and returns them as an Array of plain Objects
// (address, topics, data, blockNumber, txHash, logIndex — all either
// strings or numbers, so the result round-trips through the codec
// (spec §4.5) exactly like any other captured state).
func (c *Client) fetchLog(this script.Value, args []script.Value) (script.Value, error) {
	if len(args) < 3 {
		return nil, fmt.Errorf("evmberry: fetchLog(contractAddress, topic0, fromBlock[, toBlock]) needs at least 3 arguments")
	}
	addrStr, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("evmberry: fetchLog: contractAddress must be a string")
	}
	topic0Str, ok := args[1].(string)
	if !ok {
		return nil, fmt.Errorf("evmberry: fetchLog: topic0 must be a string")
	}
	fromBlock, ok := args[2].(float64)
	if !ok {
		return nil, fmt.Errorf("evmberry: fetchLog: fromBlock must be a number")
	}

	var toBlock *big.Int
	if len(args) >= 4 {
		tb, ok := args[3].(float64)
		if !ok {
			return nil, fmt.Errorf("evmberry: fetchLog: toBlock must be a number")
		}
		toBlock = big.NewInt(int64(tb))
	}

	query := ethereum.FilterQuery{
		FromBlock: big.NewInt(int64(fromBlock)),
		ToBlock:   toBlock,
		Addresses: []common.Address{common.HexToAddress(addrStr)},
		Topics:    [][]common.Hash{{common.HexToHash(topic0Str)}},
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	logs, err := c.eth.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("evmberry: filter logs: %w", err)
	}

	elems := make([]script.Value, len(logs))
	for i, lg := range logs {
		elems[i] = logToObject(lg)
	}
	return script.NewArray(elems...), nil
}

func logToObject(lg types.Log) *script.Object {
	topics := make([]script.Value, len(lg.Topics))
	for i, t := range lg.Topics {
		topics[i] = t.Hex()
	}

	obj := script.NewObject()
	obj.Set("address", lg.Address.Hex())
	obj.Set("topics", script.NewArray(topics...))
	obj.Set("data", "0x"+common.Bytes2Hex(lg.Data))
	obj.Set("blockNumber", float64(lg.BlockNumber))
	obj.Set("txHash", lg.TxHash.Hex())
	obj.Set("logIndex", float64(lg.Index))
	return obj
}
