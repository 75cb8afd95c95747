package serde

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/turnstream/pkg/turns"
)

// Options controls serialization behavior.
type Options struct {
	// OmitUserText omits Turn.UserText on write
	OmitUserText bool
}

// NormalizeTurn applies serde defaults (best-effort) without mutating order.
func NormalizeTurn(t *turns.Turn) {
	if t == nil {
		return
	}
	if t.AssistantBlocks == nil {
		t.AssistantBlocks = []turns.ContentBlock{}
	}
	if t.Status == "" {
		t.Status = turns.StatusComplete
	}
	for i := range t.AssistantBlocks {
		b := &t.AssistantBlocks[i]
		// ArgumentsText is derived and never stored
		if b.IsToolCall() {
			b.ArgumentsText = turns.FormatArguments(b.Arguments)
		}
	}
}

func snapshotFor(t *turns.Turn, opt Options) turns.Turn {
	snapshot := *t.Clone()
	if opt.OmitUserText {
		snapshot.UserText = nil
	}
	NormalizeTurn(&snapshot)
	return snapshot
}

// ToYAML marshals a Turn to YAML using snake_case tags and BlockType string enums.
func ToYAML(t *turns.Turn, opt Options) ([]byte, error) {
	if t == nil {
		return []byte("{}"), nil
	}
	return yaml.Marshal(snapshotFor(t, opt))
}

// FromYAML unmarshals a Turn from YAML.
func FromYAML(b []byte) (*turns.Turn, error) {
	var t turns.Turn
	if err := yaml.Unmarshal(b, &t); err != nil {
		return nil, err
	}
	for _, blk := range t.AssistantBlocks {
		if !blk.IsText() && !blk.IsToolCall() {
			return nil, errors.Wrapf(turns.ErrInvalidBlock, "unknown block type %q", blk.Type)
		}
	}
	NormalizeTurn(&t)
	return &t, nil
}

// ToJSON marshals a Turn to indented JSON. Blocks use the stored block shape.
func ToJSON(t *turns.Turn, opt Options) ([]byte, error) {
	if t == nil {
		return []byte("{}"), nil
	}
	return json.MarshalIndent(snapshotFor(t, opt), "", "  ")
}

// FromJSON unmarshals a Turn from JSON, validating every block.
func FromJSON(b []byte) (*turns.Turn, error) {
	var t turns.Turn
	if err := json.Unmarshal(b, &t); err != nil {
		return nil, err
	}
	NormalizeTurn(&t)
	return &t, nil
}

// SaveTurnYAML writes a Turn to a YAML file.
func SaveTurnYAML(path string, t *turns.Turn, opt Options) error {
	data, err := ToYAML(t, opt)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadTurnYAML reads a Turn from a YAML file.
func LoadTurnYAML(path string) (*turns.Turn, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(b)
}
