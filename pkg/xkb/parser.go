package xkb

import (
	"encoding/xml"
	"fmt"
	"os"
)

// ParseRegistry reads the xkb rules registry (usually
// /usr/share/X11/xkb/rules/evdev.xml) so layout codes can be rendered
// with their human-readable descriptions.
func ParseRegistry(path string) (*Registry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	registry := &Registry{}
	err = xml.NewDecoder(file).Decode(registry)
	if err != nil {
		return nil, fmt.Errorf("decode xml: %w", err)
	}

	return registry, nil
}

// DescriptionFor returns the registry description for a layout code and
// optional variant, or "" when the registry does not know it.
func (r *Registry) DescriptionFor(layout, variant string) string {
	for _, l := range r.LayoutList.Layout {
		if l.ConfigItem.Name != layout {
			continue
		}

		if variant == "" {
			return l.ConfigItem.Description
		}

		for _, v := range l.VariantList.Variant {
			if v.ConfigItem.Name == variant {
				return v.ConfigItem.Description
			}
		}
	}

	return ""
}
