package main

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"

	"github.com/jmux-proxy/jmux/jmux"
)

// allowListEntry mirrors jmux.FilteringRule for JSON decoding; an empty
// string/zero field means "any".
type allowListEntry struct {
	Scheme string `json:"scheme"`
	Host   string `json:"host"`
	Port   uint16 `json:"port"`
}

// loadFilteringPolicy reads path as a JSON array of allow-list entries. An
// empty path allows every destination.
func loadFilteringPolicy(path string) (jmux.FilteringPolicy, error) {
	if path == "" {
		return jmux.AllowAllPolicy{}, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open allow-list")
	}
	defer file.Close()

	var entries []allowListEntry
	if err := json.NewDecoder(file).Decode(&entries); err != nil {
		return nil, errors.Wrap(err, "decode allow-list")
	}

	rules := make([]jmux.FilteringRule, 0, len(entries))
	for _, e := range entries {
		rules = append(rules, jmux.FilteringRule{Scheme: e.Scheme, Host: e.Host, Port: e.Port})
	}
	return jmux.AllowListPolicy{Rules: rules}, nil
}
