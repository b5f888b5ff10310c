// Package templatefile reads workflow templates from YAML or JSON documents.
package templatefile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/garyjia/workflow-engine/internal/domain/workflow"
)

// Format is a template document encoding
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatFromPath picks the format from a file extension
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	}
	return "", fmt.Errorf("unsupported template file extension %q", filepath.Ext(path))
}

// Load reads and validates the template at path
func Load(path string) (*workflow.WorkflowTemplate, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open template file: %w", err)
	}
	defer f.Close()

	tmpl, err := Decode(f, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return tmpl, nil
}

// Decode parses one template document and validates its graph.
// Unknown fields are rejected so typos do not silently drop edges.
func Decode(r io.Reader, format Format) (*workflow.WorkflowTemplate, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read template: %w", err)
	}

	var tmpl workflow.WorkflowTemplate
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&tmpl); err != nil {
			return nil, fmt.Errorf("%w: %v", workflow.ErrInvalidTemplate, err)
		}
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&tmpl); err != nil {
			return nil, fmt.Errorf("%w: %v", workflow.ErrInvalidTemplate, err)
		}
	default:
		return nil, fmt.Errorf("unsupported template format %q", format)
	}

	// Identity fields belong to the repository
	tmpl.ID = 0
	tmpl.Version = 0

	if err := tmpl.Validate(); err != nil {
		return nil, err
	}
	return &tmpl, nil
}

// Encode writes tmpl in the given format, for exporting stored templates
func Encode(w io.Writer, tmpl *workflow.WorkflowTemplate, format Format) error {
	switch format {
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(tmpl); err != nil {
			return fmt.Errorf("failed to encode template: %w", err)
		}
		return enc.Close()
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(tmpl)
	}
	return fmt.Errorf("unsupported template format %q", format)
}
