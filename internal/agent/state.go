package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/PTHyperdrive/Proxmox-renting-manager/internal/models"
)

// stateFile is the on-disk shape of the agent's previous-state map. It is
// the crash-recovery cursor: on restart the diff against it emits exactly
// the missed transitions.
type stateFile struct {
	LastUpdate time.Time                  `json:"last_update"`
	Node       string                     `json:"node"`
	VMStates   map[string]models.VMState  `json:"vm_states"`
}

// loadState reads the previous-state map. A missing or corrupt file yields
// an empty map: the next snapshot heals any resulting duplicate starts.
func loadState(path string) map[string]models.VMState {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("path", path).Msg("Could not read state file, starting empty")
		}
		return map[string]models.VMState{}
	}

	var state stateFile
	if err := json.Unmarshal(data, &state); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Corrupt state file, starting empty")
		return map[string]models.VMState{}
	}
	if state.VMStates == nil {
		return map[string]models.VMState{}
	}
	return state.VMStates
}

// saveState writes the previous-state map atomically: temp file in the
// same directory, then rename.
func saveState(path, node string, states map[string]models.VMState) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	data, err := json.MarshalIndent(stateFile{
		LastUpdate: time.Now().UTC(),
		Node:       node,
		VMStates:   states,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}
