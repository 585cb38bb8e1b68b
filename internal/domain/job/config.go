package job

import (
	"encoding/json"
	"fmt"
)

// TextRule maps a text placeholder pattern in the template to one or more
// worksheet columns whose values replace it.
type TextRule struct {
	Pattern string   `json:"pattern"`
	Columns []string `json:"columns"`
}

// ImageRule maps an image shape in the template to worksheet columns holding
// image locations, along with the crop strategy applied by the image engine.
type ImageRule struct {
	ShapeID uint32   `json:"shape_id"`
	ROI     string   `json:"roi"`
	Crop    string   `json:"crop"`
	Columns []string `json:"columns"`
}

// RuleSet holds the full replacement configuration for a group. It is
// persisted verbatim with every sheet snapshot so a job can be rebuilt after
// a restart without the in-memory workbook and template objects.
type RuleSet struct {
	Texts  []TextRule  `json:"texts,omitempty"`
	Images []ImageRule `json:"images,omitempty"`
}

// Encode serializes the rule set for persistence.
func (r RuleSet) Encode() (json.RawMessage, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encoding rule set: %w", err)
	}
	return raw, nil
}

// DecodeRuleSet deserializes a persisted rule set.
func DecodeRuleSet(raw json.RawMessage) (RuleSet, error) {
	if len(raw) == 0 {
		return RuleSet{}, nil
	}
	var r RuleSet
	if err := json.Unmarshal(raw, &r); err != nil {
		return RuleSet{}, fmt.Errorf("decoding rule set: %w", err)
	}
	return r, nil
}
