// Command node starts an lvenc chain node: ledger state, chain log,
// mempool, consensus, and P2P gossip wired into one running process.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/lvenc/node/config"
	"github.com/lvenc/node/consensus"
	"github.com/lvenc/node/coordinator"
	"github.com/lvenc/node/core"
	"github.com/lvenc/node/crypto"
	"github.com/lvenc/node/crypto/certgen"
	"github.com/lvenc/node/events"
	"github.com/lvenc/node/finality"
	"github.com/lvenc/node/network"
	"github.com/lvenc/node/staking"
	"github.com/lvenc/node/storage"
	"github.com/lvenc/node/vm"
	"github.com/lvenc/node/wallet"

	// Import VM modules to trigger their init() self-registration.
	_ "github.com/lvenc/node/vm/modules/economy"
	_ "github.com/lvenc/node/vm/modules/pool"
	_ "github.com/lvenc/node/vm/modules/slashing"
	_ "github.com/lvenc/node/vm/modules/staking"
)

func main() {
	cfgPath := flag.String("config", "config.json", "path to config file")
	keyPath := flag.String("key", "validator.key", "path to validator keystore file")
	genKey := flag.Bool("genkey", false, "generate a new validator consensus key and exit")
	genCerts := flag.String("gencerts", "", "generate CA + node TLS certs into the given directory and exit")
	flag.Parse()

	password := os.Getenv("LVENC_PASSWORD")
	if password == "" {
		log.Println("WARNING: LVENC_PASSWORD not set, keystore will use an empty password")
	}

	if *genKey {
		priv, _, err := crypto.GenerateKeyPair()
		if err != nil {
			log.Fatalf("generate key: %v", err)
		}
		if err := wallet.SaveKey(*keyPath, password, priv); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("Generated validator consensus key. Public key: %s\n", priv.Public().Hex())
		fmt.Printf("Saved to: %s\n", *keyPath)
		return
	}

	if *genCerts != "" {
		cfgForCerts, err := loadConfig(*cfgPath)
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if err := certgen.GenerateAll(*genCerts, cfgForCerts.NodeID, nil); err != nil {
			log.Fatalf("gencerts: %v", err)
		}
		fmt.Printf("Certificates generated in %s for node %q\n", *genCerts, cfgForCerts.NodeID)
		return
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	netKind, err := cfg.NetworkValue()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if cfg.LogFile != "" {
		log.SetOutput(&lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
			MaxAge:     cfg.LogMaxAgeDays,
		})
		log.Printf("logging to %s (rotated)", cfg.LogFile)
	}

	var privKey crypto.PrivateKey
	if cfg.ValidatorKeyPath != "" {
		privKey, err = wallet.LoadKey(cfg.ValidatorKeyPath, password)
		if err != nil {
			log.Fatalf("load validator key: %v", err)
		}
	}

	// ---- open storage ----
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatalf("mkdir data dir: %v", err)
	}
	db, err := storage.NewLevelDB(cfg.DataDir + "/chain")
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	blockStore := storage.NewLevelBlockStore(db)
	state := storage.NewStateDB(db)

	bc := core.NewBlockchain(blockStore)
	if err := bc.Init(); err != nil {
		log.Fatalf("blockchain init: %v", err)
	}

	// ---- genesis ----
	if bc.Tip() == nil {
		genesisBlock, err := config.BuildGenesisBlock(cfg)
		if err != nil {
			log.Fatalf("build genesis block: %v", err)
		}
		if err := config.ApplyGenesisState(cfg, state); err != nil {
			log.Fatalf("apply genesis state: %v", err)
		}
		if err := bc.AddBlock(genesisBlock); err != nil {
			log.Fatalf("commit genesis block: %v", err)
		}
		if err := state.Commit(); err != nil {
			log.Fatalf("commit genesis state: %v", err)
		}
		log.Printf("Genesis block committed: %s", genesisBlock.Hash)
	}

	emitter := events.NewEmitter()
	emitter.Subscribe(events.EventBlockCommit, func(ev events.Event) {
		log.Printf("[chain] block committed at height %d", ev.BlockHeight)
	})
	emitter.Subscribe(events.EventSlash, func(ev events.Event) {
		log.Printf("[slash] %v", ev.Data)
	})
	emitter.Subscribe(events.EventFinalized, func(ev events.Event) {
		log.Printf("[finality] height %d finalized: %v", ev.BlockHeight, ev.Data)
	})

	mempoolParams := cfg.Mempool.ToMempoolParams(cfg.Genesis.ChainID, netKind)
	mempool := core.NewMempool(mempoolParams, state)
	privatePool := core.NewPrivatePool()

	stakingParams := cfg.Genesis.EpochParams.ToStakingParams()
	vmParams := vm.Params{
		ChainID:            cfg.Genesis.ChainID,
		Network:            netKind,
		TxFeeBurnBps:       vm.DefaultTxFeeBurnBps,
		MaxBurnPerEpochBps: cfg.Genesis.EpochParams.MaxBurnPerEpochBps,
		StakingParams:      stakingParams,
	}
	exec := vm.NewExecutor(state, emitter, vmParams)

	stakingEngine := staking.NewEngine(stakingParams, emitter)
	finalityEngine := finality.NewEngine(emitter)

	validator := consensus.NewValidator(cfg.Genesis.ChainID, state, exec, stakingEngine)

	var producer *consensus.Producer
	if privKey != nil && cfg.ValidatorOperatorAddress != "" {
		producer = consensus.NewProducer(cfg, bc, state, mempool, exec, emitter, stakingEngine, privatePool, cfg.ValidatorOperatorAddress, privKey)
	}

	// ---- TLS ----
	tlsConfig, err := config.LoadTLSConfig(cfg.TLS)
	if err != nil {
		log.Fatalf("tls: %v", err)
	}

	// ---- network ----
	identity := network.Identity{
		NodeID:             cfg.NodeID,
		ChainID:            cfg.Genesis.ChainID,
		GenesisHash:        genesisHashOf(bc),
		ProtocolVersion:    1,
		MinProtocolVersion: 1,
		NodeVersion:        "lvenc-node/0.1",
	}
	p2pAddr := fmt.Sprintf(":%d", cfg.P2PPort)
	node := network.NewNode(identity, p2pAddr, mempool, bc)
	if tlsConfig != nil {
		node.SetTLSConfig(tlsConfig)
		log.Println("mTLS enabled for P2P")
	}
	syncer := network.NewSyncer(node, bc, state, validator, emitter)

	var operator string
	if producer != nil {
		operator = cfg.ValidatorOperatorAddress
	}
	coord := coordinator.New(cfg, bc, state, mempool, privatePool, exec, stakingEngine, finalityEngine, producer, validator, node, syncer, emitter, privKey, operator)

	if err := node.Start(); err != nil {
		log.Fatalf("p2p start: %v", err)
	}
	defer node.Stop()
	log.Printf("P2P listening on %s", p2pAddr)

	for _, sp := range cfg.SeedPeers {
		wsURL := fmt.Sprintf("ws://%s/ws", sp.Addr)
		peer, err := node.Dial(wsURL)
		if err != nil {
			log.Printf("seed peer %s (%s): %v", sp.ID, sp.Addr, err)
			continue
		}
		log.Printf("Connected to seed peer %s (%s)", sp.ID, sp.Addr)
		if err := syncer.RequestLatest(peer); err != nil {
			log.Printf("request latest from %s: %v", sp.ID, err)
		}
	}

	done := make(chan struct{})
	go coord.Run(done)
	if producer != nil {
		log.Printf("Consensus running (validator operator: %s)", cfg.ValidatorOperatorAddress)
	} else {
		log.Println("Running sync-only (no validator key configured)")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("Shutting down...")
	close(done)
	log.Println("Shutdown complete.")
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("Config file not found at %s, using defaults.", path)
			return config.DefaultConfig(), nil
		}
		return nil, err
	}
	return cfg, nil
}

func genesisHashOf(bc *core.Blockchain) string {
	genesis, err := bc.GetBlockByHeight(0)
	if err != nil || genesis == nil {
		return ""
	}
	return genesis.Hash
}
