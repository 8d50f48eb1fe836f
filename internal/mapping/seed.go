package mapping

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"integration-hub/internal/storage"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// SeedFile is the on-disk format of initial mappings:
//
//	mappings:
//	  - event_type: patient.created
//	    target_system: financeiro
//	    rules:
//	      customer_id: patient.id
//	      name: {kind: concat, parts: [patient.first_name, patient.last_name], separator: " "}
type SeedFile struct {
	Mappings []SeedMapping `yaml:"mappings"`
}

type SeedMapping struct {
	EventType    string    `yaml:"event_type"`
	TargetSystem string    `yaml:"target_system"`
	Rules        yaml.Node `yaml:"rules"`
}

// LoadSeed publishes every mapping of the file whose pair has no version yet.
// It returns how many versions were published.
func (s *Service) LoadSeed(ctx context.Context, path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read seed file: %w", err)
	}
	return s.Seed(ctx, raw)
}

func (s *Service) Seed(ctx context.Context, raw []byte) (int, error) {
	var file SeedFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return 0, fmt.Errorf("parse seed file: %w", err)
	}

	published := 0
	for i, sm := range file.Mappings {
		_, err := s.store.LatestMapping(ctx, sm.EventType, sm.TargetSystem)
		if err == nil {
			s.logger.Debug("Seed mapping skipped, pair already published",
				zap.String("event_type", sm.EventType),
				zap.String("target_system", sm.TargetSystem))
			continue
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return published, err
		}

		rules, err := yamlToJSON(&sm.Rules)
		if err != nil {
			return published, fmt.Errorf("seed mapping %d: %w", i, err)
		}
		if _, err := s.Publish(ctx, sm.EventType, sm.TargetSystem, rules); err != nil {
			return published, fmt.Errorf("seed mapping %s -> %s: %w", sm.EventType, sm.TargetSystem, err)
		}
		published++
	}
	return published, nil
}

func yamlToJSON(node *yaml.Node) (json.RawMessage, error) {
	var v any
	if err := node.Decode(&v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}
