// Package peers bootstraps a node's peer set from a flat file of
// hex-encoded public keys, one per line, upserting each into the
// repository before the coordinator starts (dsnet spec §6; grounded on
// original_source/dsnetclient's Demo.__init__ peer bootstrap, which
// loads a newline-delimited key list before starting its own
// coordinator equivalent).
package peers

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dsnet-network/client/repository"
)

// LoadFile reads path, one hex-encoded 32-byte public key per line
// (blank lines and lines starting with "#" are skipped), and upserts
// each into repo via SavePeer. It returns the count of keys loaded.
func LoadFile(path string, repo *repository.Store) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return LoadReader(f, repo)
}

// LoadReader is LoadFile's reader-based core, split out for testing
// without touching the filesystem.
func LoadReader(r io.Reader, repo *repository.Store) (int, error) {
	scanner := bufio.NewScanner(r)
	n := 0
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		raw, err := hex.DecodeString(text)
		if err != nil {
			return n, fmt.Errorf("peers: line %d: %w", line, err)
		}
		if len(raw) != 32 {
			return n, fmt.Errorf("peers: line %d: expected 32 bytes, got %d", line, len(raw))
		}
		var pk [32]byte
		copy(pk[:], raw)
		if err := repo.SavePeer(pk); err != nil {
			return n, err
		}
		n++
	}
	if err := scanner.Err(); err != nil {
		return n, err
	}
	return n, nil
}
