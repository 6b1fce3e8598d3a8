// Command identityd runs the identity provider in front of an Ethereum
// JSON-RPC node.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/tolelom/idprovider/config"
	"github.com/tolelom/idprovider/contracts"
	"github.com/tolelom/idprovider/events"
	"github.com/tolelom/idprovider/identity"
	"github.com/tolelom/idprovider/indexer"
	"github.com/tolelom/idprovider/internal/certgen"
	"github.com/tolelom/idprovider/provider"
	"github.com/tolelom/idprovider/rpc"
	"github.com/tolelom/idprovider/storage"
	"github.com/tolelom/idprovider/transport"
	"github.com/tolelom/idprovider/wallet"
)

func main() {
	cfgPath := flag.String("config", "config.json", "path to config file")
	genKey := flag.Bool("genkey", false, "add a new key identity to the keystore and exit")
	createIdentity := flag.Bool("create-identity", false, "deploy a proxy for the first key identity and exit")
	fund := flag.String("fund", "", "send -amount wei from the upstream node's first account to this address and exit")
	amount := flag.String("amount", "1000000000000000000", "wei sent by -fund")
	genCerts := flag.String("gencerts", "", "generate CA, server and client TLS certs into the given directory and exit")
	verbosity := flag.Int("verbosity", int(log.LevelInfo), "log level (-4 debug, 0 info, 4 warn, 8 error)")
	flag.Parse()

	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, slog.Level(*verbosity), true)))

	// ---- generate certs mode ----
	if *genCerts != "" {
		p, err := certgen.Generate(*genCerts, flag.Args()...)
		if err != nil {
			fatal("gencerts", err)
		}
		fmt.Printf("CA:     %s\nServer: %s\nClient: %s\n", p.CACert, p.ServerCert, p.ClientCert)
		return
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		fatal("config", err)
	}

	// ---- open DB ----
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		fatal("mkdir data dir", err)
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "identities"))
	if err != nil {
		fatal("open db", err)
	}
	defer db.Close()

	// ---- upstream ----
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	upstream, err := transport.Dial(ctx, cfg.UpstreamURL)
	if err != nil {
		fatal("upstream", err)
	}
	defer upstream.Close()

	proxy, err := loadProxy(cfg.ProxyArtifact)
	if err != nil {
		fatal("proxy artifact", err)
	}

	// ---- provider ----
	emitter := events.NewEmitter()
	emitter.Subscribe(events.EventKeyCreated, func(ev events.Event) {
		log.Info("Key identity created", "address", ev.Data["address"])
	})
	idx := indexer.New(db, emitter)
	p, err := provider.Initialize(ctx, provider.Options{
		Upstream:     upstream,
		Keystore:     wallet.NewKeystore(db, wallet.WithEmitter(emitter)),
		Password:     wallet.EnvPassword(cfg.PasswordEnv),
		Store:        identity.NewStore(db),
		Emitter:      emitter,
		Proxy:        proxy,
		DefaultGas:   cfg.DefaultGas,
		PollInterval: time.Duration(cfg.PollInterval),
		ChainID:      cfg.ChainIDOverride(),
	})
	if err != nil {
		fatal("init", err)
	}

	// ---- one-shot modes ----
	switch {
	case *genKey:
		id, err := p.NewKeyIdentity()
		if err != nil {
			fatal("genkey", err)
		}
		fmt.Println(id.Address.Hex())
		return
	case *createIdentity:
		id, err := p.CreateContractIdentity(ctx, nil)
		if err != nil {
			fatal("create identity", err)
		}
		fmt.Println(id.Address.Hex())
		return
	case *fund != "":
		addr, err := identity.ParseAddress(*fund)
		if err != nil {
			fatal("fund", err)
		}
		wei, ok := new(big.Int).SetString(*amount, 10)
		if !ok || wei.Sign() < 0 {
			fatal("fund", fmt.Errorf("invalid amount %q", *amount))
		}
		hash, err := p.FundAddress(ctx, addr, wei)
		if err != nil {
			fatal("fund", err)
		}
		fmt.Println(hash.Hex())
		return
	}

	// ---- RPC ----
	rpcAddr := fmt.Sprintf(":%d", cfg.RPCPort)
	server := rpc.NewServer(rpcAddr, p.Engine(), p.Registry(), cfg.RPCAuthToken)
	server.UseIndex(idx)
	tlsCfg, err := config.LoadTLSConfig(cfg.TLS)
	if err != nil {
		fatal("tls", err)
	}
	if tlsCfg != nil {
		server.UseTLS(tlsCfg)
		log.Info("TLS enabled for RPC", "client_auth", cfg.TLS.ClientCA != "")
	}
	if err := server.Start(); err != nil {
		fatal("rpc start", err)
	}
	log.Info("RPC listening", "addr", server.Addr(), "auth", cfg.RPCAuthToken != "", "identities", p.Registry().Len())
	logDefaultAccount(p.Registry())

	// ---- graceful shutdown ----
	<-ctx.Done()
	log.Info("Shutting down...")
	if err := server.Stop(); err != nil {
		log.Warn("RPC shutdown", "err", err)
	}
	log.Info("Shutdown complete")
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Warn("Config file not found, using defaults", "path", path)
			return config.DefaultConfig(), nil
		}
		return nil, err
	}
	return cfg, nil
}

func loadProxy(path string) (*contracts.Artifact, error) {
	if path == "" {
		log.Warn("No proxy artifact configured, contract identities cannot be created")
		return contracts.DefaultProxy()
	}
	return contracts.LoadArtifact(path)
}

func logDefaultAccount(r *identity.Registry) {
	addrs := r.Addresses()
	if len(addrs) == 0 {
		return
	}
	id, err := r.Resolve(addrs[0])
	if err != nil {
		return
	}
	if id.IsContract() {
		log.Info("Default account", "address", id.Address, "via", id.ControllingKey)
	} else {
		log.Info("Default account", "address", id.Address)
	}
}

func fatal(what string, err error) {
	log.Crit("Fatal: "+what, "err", err)
}
