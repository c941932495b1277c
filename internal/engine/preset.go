package engine

import (
	"bytes"
	"os"

	"gopkg.in/yaml.v3"

	plxerrors "github.com/plxctl/plx/internal/errors"
)

// LoadPresets reads the YAML override files in order and merges them into
// one document. Later files win; nested mappings are merged key by key and
// every other value is replaced. No files yields "".
func LoadPresets(paths []string) (string, error) {
	if len(paths) == 0 {
		return "", nil
	}

	merged := map[string]any{}
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			if os.IsNotExist(err) {
				return "", plxerrors.IOFileNotFound(p)
			}
			return "", plxerrors.IOReadError(p, err)
		}
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return "", plxerrors.InvalidInput("override file %s is not a YAML mapping: %v", p, err).
				WithDetail("path", p)
		}
		mergePreset(merged, doc)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(merged); err != nil {
		return "", plxerrors.Wrap(plxerrors.CodeInternal, "encoding merged presets", err)
	}
	if err := enc.Close(); err != nil {
		return "", plxerrors.Wrap(plxerrors.CodeInternal, "encoding merged presets", err)
	}
	return buf.String(), nil
}

func mergePreset(dst, src map[string]any) {
	for key, value := range src {
		next, ok := value.(map[string]any)
		if !ok {
			dst[key] = value
			continue
		}
		current, ok := dst[key].(map[string]any)
		if !ok {
			current = map[string]any{}
			dst[key] = current
		}
		mergePreset(current, next)
	}
}
