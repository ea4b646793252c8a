package serial

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ServerInfoFileName is the liveness marker inside the control-plane store.
const ServerInfoFileName = "server.json"

// ServerInfo advertises the running control plane to CLI tooling.
type ServerInfo struct {
	PID           int    `json:"pid"`
	Host          string `json:"host"`
	Addr          string `json:"addr"`
	Version       string `json:"version"`
	GenerationID  string `json:"generation_id"`
	GenerationSeq int64  `json:"generation_seq"`
	StartedAtMs   int64  `json:"started_at_ms"`
}

// WriteServerInfo writes server.json atomically (write-then-rename).
func WriteServerInfo(storeDir string, info ServerInfo) error {
	if err := os.MkdirAll(storeDir, 0o700); err != nil {
		return fmt.Errorf("failed to create store dir: %w", err)
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(storeDir, ServerInfoFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("failed to write server info: %w", err)
	}
	return os.Rename(tmp, path)
}

// ReadServerInfo loads server.json. A missing file returns (nil, nil).
func ReadServerInfo(storeDir string) (*ServerInfo, error) {
	data, err := os.ReadFile(filepath.Join(storeDir, ServerInfoFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var info ServerInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse server info: %w", err)
	}
	return &info, nil
}

// RemoveServerInfo deletes server.json on clean shutdown.
func RemoveServerInfo(storeDir string) error {
	err := os.Remove(filepath.Join(storeDir, ServerInfoFileName))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
