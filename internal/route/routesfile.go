package route

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
)

// document is the on-disk shape of the routes file (spec §6.4):
// {"routes": RouteRule[]}.
type document struct {
	Routes []*Rule `json:"routes"`
}

// LoadFile reads and compiles the routes file at path into a ready Table. A
// missing file is treated as an empty route table (useful for a fresh
// install before any admin POST /routes call).
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return NewTable(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("route: read routes file: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("route: parse routes file: %w", err)
	}

	tbl, err := NewTable(doc.Routes)
	if err != nil {
		return nil, err
	}
	for _, rc := range tbl.List() {
		if err := rc.ValidateSSRF(net.LookupIP); err != nil {
			return nil, fmt.Errorf("route: %s: %w", rc.ToolID, err)
		}
	}
	return tbl, nil
}

// SaveFile atomically rewrites the routes file at path with rules, used by
// admin mutations that opt into disk persistence (spec §6.4).
func SaveFile(path string, rules []*Rule) error {
	data, err := json.MarshalIndent(document{Routes: rules}, "", "  ")
	if err != nil {
		return fmt.Errorf("route: marshal routes file: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("route: write routes file: %w", err)
	}
	return os.Rename(tmp, path)
}
