// Package main provides rund - a client-side runtime for Bitcoin-anchored
// smart-contract jigs: given a location, it loads the live creation,
// reconstructing from the local cache when possible and falling back to
// replay against the chain otherwise.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bitjig/rund/internal/cache"
	"github.com/bitjig/rund/internal/cache/sqlitestore"
	"github.com/bitjig/rund/internal/config"
	"github.com/bitjig/rund/internal/extras/evmberry"
	"github.com/bitjig/rund/internal/extras/httpchain"
	"github.com/bitjig/rund/internal/extras/ownerwallet"
	"github.com/bitjig/rund/internal/extras/swarm"
	"github.com/bitjig/rund/internal/extras/wsstate"
	"github.com/bitjig/rund/internal/kernel"
	"github.com/bitjig/rund/internal/loader"
	"github.com/bitjig/rund/internal/oracle"
	"github.com/bitjig/rund/pkg/helpers"
	"github.com/bitjig/rund/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.rund", "Data directory")
		indexerURL  = flag.String("indexer", "https://mempool.space/api", "Bitcoin indexer base URL")
		stateURL    = flag.String("state", "", "State server websocket URL (optional)")
		evmRPC      = flag.String("evm-rpc", "", "EVM JSON-RPC URL for EVM-sourced berries (optional)")
		mnemonic    = flag.String("mnemonic", "", "Wallet BIP39 mnemonic (generates a fresh one if empty)")
		testnet     = flag.Bool("testnet", false, "Run against Bitcoin testnet instead of mainnet")
		logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{Level: *logLevel, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("rund %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	loc := flag.Arg(0)
	if loc == "" {
		log.Fatal("usage: rund [flags] <location>")
	}

	cfg, err := config.Load(*dataDir)
	if err != nil {
		log.Fatal("failed to load config", "error", err)
	}
	log.Info("config loaded", "path", config.Path(*dataDir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	net := &chaincfg.MainNetParams
	if *testnet {
		net = &chaincfg.TestNet3Params
	}

	chain := httpchain.New(*indexerURL, net, 2*time.Second)

	if *mnemonic == "" {
		generated, err := ownerwallet.GenerateMnemonic()
		if err != nil {
			log.Fatal("failed to generate wallet mnemonic", "error", err)
		}
		*mnemonic = generated
		log.Warn("no mnemonic supplied; generated a fresh one (not persisted across runs)")
	}
	owner, err := ownerwallet.New(*mnemonic, "", net)
	if err != nil {
		log.Fatal("failed to build owner wallet", "error", err)
	}
	purse, err := ownerwallet.NewPurse(*mnemonic, "", net, chain)
	if err != nil {
		log.Fatal("failed to build purse wallet", "error", err)
	}

	var state oracle.State
	if *stateURL != "" {
		state, err = wsstate.Dial(*stateURL, func(location, hash string) {
			log.Debug("state push", "location", location, "hash", hash)
		})
		if err != nil {
			log.Fatal("failed to connect to state server", "error", err)
		}
	}

	if *evmRPC != "" {
		evm, err := evmberry.Dial(*evmRPC, 10*time.Second)
		if err != nil {
			log.Fatal("failed to connect to EVM RPC", "error", err)
		}
		defer evm.Close()
		evm.Install()
		log.Info("EVM berry support installed", "rpc", *evmRPC)
	}

	var peers *swarm.Swarm
	if cfg.Swarm.Enabled {
		peers, err = swarm.Join(ctx, cfg.Swarm.ListenAddrs, cfg.Swarm.BootstrapPeers)
		if err != nil {
			log.Warn("failed to join cache-gossip swarm; continuing without it", "error", err)
		} else {
			defer peers.Close()
			peers.OnAnnouncement(func(a swarm.Announcement) {
				log.Debug("peer announcement", "location", a.Location, "hash", a.Hash, "from", a.FromPeer)
			})
			log.Info("joined cache-gossip swarm", "id", peers.ID())
		}
	}

	backingStore, err := sqlitestore.New(sqlitestore.Config{DataDir: expandDataDir(cfg.Cache.DataDir)})
	if err != nil {
		log.Fatal("failed to open cache store", "error", err)
	}

	cacheCfg := cache.DefaultConfig()
	cacheCfg.Bloom.Bits = int(cfg.Cache.BloomBits)
	cacheCfg.Bloom.Hashes = int(cfg.Cache.BloomHashes)
	cacheLayer, err := cache.New(backingStore, cacheCfg)
	if err != nil {
		log.Fatal("failed to build cache layer", "error", err)
	}

	kernelCfg := kernel.Config{
		Timeout:           cfg.Timeout,
		ClientMode:        cfg.ClientMode,
		MinOutputSatoshis: cfg.MinOutputSatoshis,
	}
	rt := kernel.New(kernelCfg, kernel.Oracles{
		Blockchain: chain,
		Cache:      cacheLayer,
		State:      state,
		Owner:      owner,
		Purse:      purse,
	}, prometheus.DefaultRegisterer)
	for _, txid := range cfg.Trust {
		rt.Trust(txid)
	}

	ld := loader.New(rt)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down...")
		cancel()
	}()

	loadCtx, loadCancel := rt.WithTimeout(ctx)
	defer loadCancel()

	result, err := ld.Load(loadCtx, loc, nil)
	if err != nil {
		log.Fatal("load failed", "location", loc, "error", err)
	}

	satoshis := result.GetBindings().Satoshis
	fmt.Printf("loaded %s: kind=%s backing=%s BTC\n", loc, result.Kind(), helpers.FormatAmount(satoshis, 8))
}

func expandDataDir(dir string) string {
	if len(dir) > 0 && dir[0] == '~' {
		home, err := os.UserHomeDir()
		if err == nil {
			return home + dir[1:]
		}
	}
	return dir
}
