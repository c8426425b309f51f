// Package event defines the inbound events a batch is made of and loads
// them from JSON or YAML documents.
package event

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Event carries the data used to fill message templates.
type Event map[string]any

// Parse decodes a list of events. The document may be a JSON or YAML
// sequence of objects, or a single object which yields a one-event batch.
func Parse(data []byte) ([]Event, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("failed to parse events: %w", err)
	}
	if len(node.Content) == 0 {
		return nil, nil
	}

	root := node.Content[0]
	switch root.Kind {
	case yaml.SequenceNode:
		var events []Event
		if err := root.Decode(&events); err != nil {
			return nil, fmt.Errorf("failed to decode event list: %w", err)
		}
		return events, nil
	case yaml.MappingNode:
		var ev Event
		if err := root.Decode(&ev); err != nil {
			return nil, fmt.Errorf("failed to decode event: %w", err)
		}
		return []Event{ev}, nil
	default:
		return nil, fmt.Errorf("events must be a list of objects or a single object")
	}
}

// LoadFile reads and parses an events file.
func LoadFile(path string) ([]Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read events file: %w", err)
	}
	return Parse(data)
}
