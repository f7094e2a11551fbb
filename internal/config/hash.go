package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// VerifyFileHash verifies a file against an expected BLAKE3 hash.
func VerifyFileHash(filePath, expectedHash string) error {
	actualHash, err := ComputeBlake3Hash(filePath)
	if err != nil {
		return fmt.Errorf("failed to compute hash: %w", err)
	}

	if actualHash != expectedHash {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s",
			filepath.Base(filePath), expectedHash, actualHash)
	}

	return nil
}

// GenerateChecksums hashes the config file and writes a .checksums manifest
// next to it. When dryRun is true the manifest is computed but not written.
func GenerateChecksums(configPath string, dryRun bool) (*ChecksumManifest, error) {
	hash, err := ComputeBlake3Hash(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to hash %s: %w", configPath, err)
	}

	manifest := &ChecksumManifest{
		Version:     1,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Hashes: map[string]string{
			filepath.Base(configPath): hash,
		},
	}

	if dryRun {
		return manifest, nil
	}

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checksums: %w", err)
	}

	checksumPath := filepath.Join(filepath.Dir(configPath), ".checksums")
	// Restrictive permissions: the manifest carries the expected hashes.
	if err := os.WriteFile(checksumPath, data, 0600); err != nil {
		return nil, fmt.Errorf("failed to write checksums: %w", err)
	}

	return manifest, nil
}

// LoadChecksums reads the .checksums manifest from a config directory.
func LoadChecksums(configDir string) (*ChecksumManifest, error) {
	checksumPath := filepath.Join(configDir, ".checksums")

	data, err := os.ReadFile(checksumPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, os.ErrNotExist
		}
		return nil, fmt.Errorf("failed to read checksums: %w", err)
	}

	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse checksums: %w", err)
	}

	if manifest.Version != 1 {
		return nil, fmt.Errorf("unsupported checksums version: %d", manifest.Version)
	}

	return &manifest, nil
}

// verifyConfigHash checks a config file against its .checksums manifest.
// A missing manifest skips verification; a present one must match.
func verifyConfigHash(configPath string) error {
	manifest, err := LoadChecksums(filepath.Dir(configPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	basename := filepath.Base(configPath)
	expectedHash, ok := manifest.Hashes[basename]
	if !ok {
		return fmt.Errorf("config file %s has no hash in checksums\n"+
			"Run: agentbridge config lock --config %s", basename, configPath)
	}

	if err := VerifyFileHash(configPath, expectedHash); err != nil {
		return fmt.Errorf("config verification failed: %w\n"+
			"This indicates tampering or unauthorized modification.\n"+
			"If you edited this file intentionally, run: agentbridge config lock --config %s", err, configPath)
	}

	return nil
}
