package targeting

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hanko-field/popups/internal/popup"
)

// LoadSiteConfig reads the popup site configuration from a YAML file.
func LoadSiteConfig(path string) (popup.SiteConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return popup.SiteConfig{}, fmt.Errorf("targeting: read site config %s: %w", path, err)
	}
	return ParseSiteConfig(raw)
}

// ParseSiteConfig decodes and validates a YAML site configuration. Unknown fields are rejected.
func ParseSiteConfig(raw []byte) (popup.SiteConfig, error) {
	var site popup.SiteConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&site); err != nil && !errors.Is(err, io.EOF) {
		return popup.SiteConfig{}, fmt.Errorf("targeting: parse site config: %w", err)
	}
	if err := site.Validate(); err != nil {
		return popup.SiteConfig{}, err
	}
	return site, nil
}
