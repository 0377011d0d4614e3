package ledger

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Format selects the ledger serialization
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatFor picks the format from the file extension; anything but .toml is YAML
func FormatFor(file string) Format {
	if strings.EqualFold(filepath.Ext(file), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// document is the on-disk shape of the ledger. Map keys are emitted sorted by both encoders.
type document struct {
	Version     int               `yaml:"version" toml:"version"`
	Subprojects map[string]*Entry `yaml:"subprojects" toml:"subprojects"`
}

// Marshal encodes entries in the given format
func Marshal(entries []Entry, format Format) ([]byte, error) {
	doc := document{
		Version:     CurrentVersion,
		Subprojects: make(map[string]*Entry, len(entries)),
	}
	for i := range entries {
		e := entries[i].Clone()
		doc.Subprojects[e.Path] = &e
	}

	var buf bytes.Buffer
	switch format {
	case FormatTOML:
		if err := toml.NewEncoder(&buf).Encode(doc); err != nil {
			return nil, err
		}
	case FormatYAML, "":
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return nil, err
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown ledger format %q", format)
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes and validates ledger data, returning entries ordered by path
func Unmarshal(data []byte, format Format) ([]Entry, error) {
	var doc document
	switch format {
	case FormatTOML:
		if _, err := toml.Decode(string(data), &doc); err != nil {
			return nil, err
		}
	case FormatYAML, "":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown ledger format %q", format)
	}

	if doc.Version > CurrentVersion {
		return nil, fmt.Errorf("unsupported ledger version %d (newest supported is %d)", doc.Version, CurrentVersion)
	}

	l := New("")
	for key, e := range doc.Subprojects {
		if e == nil {
			return nil, fmt.Errorf("subproject %q has no settings", key)
		}
		entry := *e
		entry.Path = key
		if err := l.Put(entry); err != nil {
			return nil, err
		}
	}
	return l.Entries(), nil
}
