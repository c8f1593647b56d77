package state

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	ErrSnapshotVersion = errors.New("unsupported snapshot schema version")
	ErrSnapshotInvalid = errors.New("snapshot failed schema validation")
)

//go:embed snapshot.schema.json
var snapshotSchemaJSON string

var snapshotSchema = jsonschema.MustCompileString("snapshot.schema.json", snapshotSchemaJSON)

// EncodeSnapshot serializes s for the shared store and the spectator stream.
func EncodeSnapshot(s *MatchSnapshot) ([]byte, error) {
	if s.SchemaVersion == 0 {
		s.SchemaVersion = SnapshotSchemaVersion
	}
	if s.Coins == nil {
		s.Coins = []CoinState{}
	}
	if s.Players == nil {
		s.Players = map[string]PlayerState{}
	}
	return json.Marshal(s)
}

// DecodeSnapshot parses a stored snapshot. The version tag is checked before
// schema validation so a future shape is reported as a version mismatch
// rather than a generic validation failure.
func DecodeSnapshot(data []byte) (*MatchSnapshot, error) {
	var header struct {
		SchemaVersion *int `json:"schema_version"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if header.SchemaVersion == nil || *header.SchemaVersion != SnapshotSchemaVersion {
		got := "missing"
		if header.SchemaVersion != nil {
			got = fmt.Sprint(*header.SchemaVersion)
		}
		return nil, fmt.Errorf("%w: %s", ErrSnapshotVersion, got)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if err := snapshotSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSnapshotInvalid, err)
	}

	var s MatchSnapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if s.Players == nil {
		s.Players = map[string]PlayerState{}
	}
	if s.Coins == nil {
		s.Coins = []CoinState{}
	}
	return &s, nil
}

// DecodeConfig parses and validates a match configuration blob.
func DecodeConfig(data []byte) (MatchConfig, error) {
	var cfg MatchConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return MatchConfig{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return MatchConfig{}, err
	}
	return cfg, nil
}
