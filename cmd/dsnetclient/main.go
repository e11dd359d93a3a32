// Command dsnetclient runs one node's background daemon: it opens the
// local repository, unseals the node identity from its passphrase-
// protected vault, and starts the coordinator's notification-stream
// subscription (dsnet spec §4.9). It stops on SIGINT/SIGTERM or on the
// coordinator raising a fatal error after exhausting its reconnect
// budget. Flag handling and log-level parsing follow the teacher's
// main.go (flag.StringVar + op/go-logging leveled backend).
package main

import (
	"context"
	"flag"
	"fmt"
	mrand "math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/katzenpost/core/log"

	"github.com/dsnet-network/client/bbclient"
	"github.com/dsnet-network/client/blindsign"
	"github.com/dsnet-network/client/config"
	"github.com/dsnet-network/client/coordinator"
	"github.com/dsnet-network/client/index"
	"github.com/dsnet-network/client/peers"
	"github.com/dsnet-network/client/repository"
	"github.com/dsnet-network/client/retriever"
	"github.com/dsnet-network/client/sender"
	"github.com/dsnet-network/client/vault"
)

func main() {
	var configFilePath string
	var passphrase string
	flag.StringVar(&configFilePath, "config", "", "configuration file")
	flag.StringVar(&passphrase, "passphrase", "", "identity vault passphrase (or set DSNETCLIENT_PASSPHRASE)")
	flag.Parse()

	if configFilePath == "" {
		fmt.Fprintln(os.Stderr, "you must specify a configuration file")
		flag.Usage()
		os.Exit(1)
	}
	if passphrase == "" {
		passphrase = os.Getenv("DSNETCLIENT_PASSPHRASE")
	}
	if passphrase == "" {
		fmt.Fprintln(os.Stderr, "you must specify a vault passphrase")
		os.Exit(1)
	}

	cfg, err := config.FromFile(configFilePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logBackend, err := log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "log: %v\n", err)
		os.Exit(1)
	}
	mainLog := logBackend.GetLogger("dsnetclient")

	local, err := vault.LoadIdentity(filepath.Join(cfg.DataDir, "identity.vault"), passphrase)
	if err != nil {
		mainLog.Criticalf("unable to load node identity: %v", err)
		os.Exit(1)
	}

	repo, err := repository.New(filepath.Join(cfg.DataDir, "dsnetclient.db"))
	if err != nil {
		mainLog.Criticalf("unable to open repository: %v", err)
		os.Exit(1)
	}
	defer repo.Close()

	if cfg.PeersFile != "" {
		n, err := peers.LoadFile(cfg.PeersFile, repo)
		if err != nil {
			mainLog.Criticalf("unable to load peers file %s: %v", cfg.PeersFile, err)
			os.Exit(1)
		}
		mainLog.Noticef("loaded %d peer(s) from %s", n, cfg.PeersFile)
	}

	bb := bbclient.New(logBackend, cfg.ServerURL, cfg.TokenServerURL)

	serverKey, err := loadServerKey(context.Background(), repo, bb)
	if err != nil {
		mainLog.Criticalf("unable to establish token server key: %v", err)
		os.Exit(1)
	}

	var s sender.MessageSender
	if cfg.CoverTraffic.Enabled {
		s = sender.NewQueueSender(logBackend, bb, cfg.CoverTrafficDistribution())
	} else {
		s = sender.NewDirectSender(bb)
	}

	var r retriever.MessageRetriever
	if cfg.CoverTraffic.Enabled {
		r = retriever.NewProbabilisticCoverRetriever(logBackend, repo, bb, coverDecision(cfg.CoverTraffic.RetrieveProbability))
	} else {
		r = retriever.NewAddressMatchRetriever(logBackend, repo, bb)
	}

	idx := loadIndex(cfg, repo)

	coord := coordinator.New(logBackend, repo, r, s, idx, local, serverKey, cfg.ServerURL, cfg.ReconnectDelay())
	coord.Start()
	defer coord.Stop()

	mainLog.Notice("dsnetclient startup")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sig:
		mainLog.Notice("dsnetclient shutdown")
	case err := <-coord.FatalCh():
		mainLog.Criticalf("coordinator stopped: %v", err)
		os.Exit(1)
	}
}

// loadServerKey returns the locally cached token-server verifying key,
// fetching and persisting it from the token server on first run.
func loadServerKey(ctx context.Context, repo *repository.Store, bb *bbclient.Client) (*blindsign.PublicKey, error) {
	cached, err := repo.GetTokenServerKey()
	if err == nil {
		return blindsign.DecodePublicKey(cached.Key)
	}
	if err != repository.ErrNotFound {
		return nil, err
	}

	pub, err := bb.PublicKey(ctx)
	if err != nil {
		return nil, err
	}
	if err := repo.SaveTokenServerKey(blindsign.EncodePublicKey(pub)); err != nil {
		return nil, err
	}
	return pub, nil
}

// loadIndex constructs the CLEARTEXT or DPSI index over the node's
// locally authored documents. The index is built with no documents, and
// neither index type offers a way to add documents after construction.
func loadIndex(cfg *config.Config, repo *repository.Store) index.Index {
	if cfg.QueryType == "DPSI" {
		return index.NewMSPSIIndex(nil, repo)
	}
	return index.NewMemoryIndex(nil)
}

// coverDecision draws the probabilistic-cover retriever's fetch-on-miss
// coin using the configured RetrieveProbability (dsnet spec §4.6).
func coverDecision(probability float64) func() bool {
	return func() bool {
		return mrand.Float64() < probability
	}
}
