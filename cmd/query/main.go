// Command query is a one-shot CLI that issues a single broadcast query
// against a node's configured bulletin board and exits (dsnet spec §6
// lists `query` among the interactive shell's commands; the shell
// itself is out of scope, but the underlying one-shot issuance it
// wraps is exercised here as a standalone entrypoint, in the same
// spirit as cmd/gen-keys carrying `gen_keys` without the rest of the
// shell). Flag handling follows the daemon's own main.go.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/katzenpost/core/log"

	"github.com/dsnet-network/client/bbclient"
	"github.com/dsnet-network/client/config"
	"github.com/dsnet-network/client/conversation"
	"github.com/dsnet-network/client/querier"
	"github.com/dsnet-network/client/repository"
	"github.com/dsnet-network/client/token"
)

func main() {
	var configFilePath string
	flag.StringVar(&configFilePath, "config", "", "configuration file")
	flag.Parse()

	if configFilePath == "" {
		fmt.Fprintln(os.Stderr, "you must specify a configuration file")
		flag.Usage()
		os.Exit(1)
	}
	keywords := flag.Args()
	if len(keywords) == 0 {
		fmt.Fprintln(os.Stderr, "you must specify at least one query keyword")
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

	repo, err := repository.New(filepath.Join(cfg.DataDir, "dsnetclient.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "repository: %v\n", err)
		os.Exit(1)
	}
	defer repo.Close()

	bb := bbclient.New(logBackend, cfg.ServerURL, cfg.TokenServerURL)
	mgr := token.NewManager(repo)

	qt := conversation.QueryCleartext
	if cfg.QueryType == "DPSI" {
		qt = conversation.QueryDPSI
	}

	rawKeywords := make([][]byte, len(keywords))
	for i, kw := range keywords {
		rawKeywords[i] = []byte(kw)
	}

	_, convs, err := querier.Issue(context.Background(), mgr, bb, repo, qt, rawKeywords)
	if err != nil {
		if errors.Is(err, token.ErrNoToken) {
			fmt.Fprintln(os.Stderr, "no tokens available: acquire tokens before issuing a query")
		} else {
			fmt.Fprintf(os.Stderr, "issue: %v\n", err)
		}
		os.Exit(1)
	}

	fmt.Printf("broadcast one query, %d conversation(s) persisted\n", len(convs))
}
