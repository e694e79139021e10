package geo

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"liuproxy_validator/proxypool/model"
)

// countryEntry 兼容两种字段命名：{"ru": ..., "flag": ...} 与 {"name_ru": ...}。
type countryEntry struct {
	Name   string `json:"name"`
	RU     string `json:"ru"`
	NameRU string `json:"name_ru"`
	Flag   string `json:"flag"`
}

func (e countryEntry) displayName() string {
	for _, n := range []string{e.RU, e.NameRU, e.Name} {
		if n != "" {
			return n
		}
	}
	return ""
}

// Countries maps ISO codes to display names and flags. The UnknownCountry entry, if present,
// supplies the fallback name.
type Countries struct {
	entries map[string]countryEntry
}

// LoadCountries reads a countries JSON map from path.
func LoadCountries(path string) (*Countries, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read countries file: %w", err)
	}
	return ParseCountries(data)
}

func ParseCountries(data []byte) (*Countries, error) {
	raw := make(map[string]countryEntry)
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse countries file: %w", err)
	}
	c := &Countries{entries: make(map[string]countryEntry, len(raw))}
	for code, e := range raw {
		c.entries[strings.ToUpper(code)] = e
	}
	return c, nil
}

// Len returns the number of known codes.
func (c *Countries) Len() int {
	if c == nil {
		return 0
	}
	return len(c.entries)
}

// Location returns the location for code. Codes missing from the map resolve to UnknownCountry.
func (c *Countries) Location(code string) model.Location {
	code = strings.ToUpper(strings.TrimSpace(code))
	if c != nil && code != "" {
		if e, ok := c.entries[code]; ok {
			return model.Location{CountryCode: code, Country: e.displayName(), Flag: e.Flag}
		}
	}
	return c.Unknown()
}

// Unknown returns the fallback location.
func (c *Countries) Unknown() model.Location {
	loc := model.Location{CountryCode: model.UnknownCountry, Country: "Unknown"}
	if c == nil {
		return loc
	}
	if e, ok := c.entries[model.UnknownCountry]; ok {
		if n := e.displayName(); n != "" {
			loc.Country = n
		}
		loc.Flag = e.Flag
	}
	return loc
}
