// Package registry loads asset documents from disk into the monitored
// set. Documents carry the identity fields alongside the config sections
// in one flat JSON object; missing identity falls back to the file name.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/vaultline/riskwatch/internal/domain"
	"github.com/vaultline/riskwatch/internal/persistence"
)

const defaultDecimals = 18

// identity is the envelope portion of an asset document. The config
// sections in the same object are decoded separately by ParseConfig.
type identity struct {
	Symbol     string           `json:"asset_symbol"`
	Name       string           `json:"asset_name"`
	Type       domain.AssetType `json:"asset_type"`
	Underlying string           `json:"underlying"`
	Decimals   int              `json:"decimals"`
	Enabled    *bool            `json:"enabled"`
}

// FileOutcome reports one file's load attempt.
type FileOutcome struct {
	File   string `json:"file"`
	Symbol string `json:"symbol,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Report summarizes a directory load.
type Report struct {
	Loaded   int           `json:"loaded"`
	Failed   int           `json:"failed"`
	Outcomes []FileOutcome `json:"outcomes"`
}

// Loader upserts asset documents through the registry store.
type Loader struct {
	registry persistence.RegistryRepo
}

// NewLoader builds a loader over the given store.
func NewLoader(registry persistence.RegistryRepo) *Loader {
	return &Loader{registry: registry}
}

// LoadDirectory reads every *.json document in dir and upserts each
// asset. A file that fails to parse or validate is reported and skipped;
// it never aborts the rest of the directory.
func (l *Loader) LoadDirectory(ctx context.Context, dir string) (*Report, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("registry directory %s: %w", dir, err)
	}

	report := &Report{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		asset, err := l.LoadFile(ctx, path)
		if err != nil {
			report.Failed++
			report.Outcomes = append(report.Outcomes, FileOutcome{File: entry.Name(), Error: err.Error()})
			log.Warn().Err(err).Str("file", entry.Name()).Msg("asset document rejected")
			continue
		}
		report.Loaded++
		report.Outcomes = append(report.Outcomes, FileOutcome{File: entry.Name(), Symbol: asset.Symbol})
		log.Info().Str("file", entry.Name()).Str("symbol", asset.Symbol).Msg("asset loaded")
	}
	return report, nil
}

// LoadFile parses one document and upserts it.
func (l *Loader) LoadFile(ctx context.Context, path string) (*persistence.Asset, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var id identity
	if err := json.Unmarshal(raw, &id); err != nil {
		return nil, domain.NewConfigInvalid("(document)", "malformed JSON: %v", err)
	}
	cfg, err := domain.ParseConfig(raw)
	if err != nil {
		return nil, err
	}

	symbol := strings.TrimSpace(id.Symbol)
	if symbol == "" {
		symbol = strings.TrimSuffix(filepath.Base(path), ".json")
	}
	name := strings.TrimSpace(id.Name)
	if name == "" {
		name = symbol
	}
	decimals := id.Decimals
	if decimals == 0 {
		decimals = defaultDecimals
	}
	enabled := true
	if id.Enabled != nil {
		enabled = *id.Enabled
	}

	return l.registry.Upsert(ctx, persistence.Asset{
		Symbol:     symbol,
		Name:       name,
		Type:       id.Type,
		Underlying: id.Underlying,
		Decimals:   decimals,
		Enabled:    enabled,
		Config:     cfg,
	})
}
