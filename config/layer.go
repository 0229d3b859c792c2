package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
)

const (
	maxLayerSize = 1 << 20
	maxDepth     = 32
	maxEnvValue  = 4096
)

// readLayer reads one config file and returns it as plain JSON. Relative
// paths may not leave the working directory.
func readLayer(path string) ([]byte, error) {
	if err := checkLayerPath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	info, err := os.Stat(path)
	switch {
	case err != nil:
		return nil, fmt.Errorf("stat config file: %w", err)
	case !info.Mode().IsRegular():
		return nil, fmt.Errorf("%s is not a regular file", path)
	case info.Size() > maxLayerSize:
		return nil, fmt.Errorf("%s is %d bytes, limit is %d", path, info.Size(), maxLayerSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	data = jsonc.ToJSON(data)
	if err := checkDepth(data); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return data, nil
}

func checkLayerPath(path string) error {
	if path == "" {
		return errors.New("empty path")
	}
	if ext := filepath.Ext(path); ext != ".json" && ext != ".jsonc" {
		return fmt.Errorf("%s: config layers must be .json or .jsonc", path)
	}
	if filepath.IsAbs(path) {
		return nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(cwd, filepath.Join(cwd, path))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%s resolves outside the working directory", path)
	}
	return nil
}

// checkDepth walks the document once, skipping string contents, and fails on
// nesting past maxDepth or brackets that do not balance
func checkDepth(data []byte) error {
	depth := 0
	inString, escaped := false, false
	for _, b := range data {
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}

		switch b {
		case '"':
			inString = true
		case '{', '[':
			if depth++; depth > maxDepth {
				return fmt.Errorf("document nested deeper than %d levels", maxDepth)
			}
		case '}', ']':
			if depth--; depth < 0 {
				return errors.New("unbalanced closing bracket")
			}
		}
	}
	if depth != 0 {
		return fmt.Errorf("%d unclosed brackets", depth)
	}
	return nil
}

// checkEnvValue rejects overrides that are oversized or carry NUL bytes
func checkEnvValue(key, value string) error {
	if len(value) > maxEnvValue {
		return fmt.Errorf("%s is longer than %d bytes", key, maxEnvValue)
	}
	if strings.ContainsRune(value, 0) {
		return fmt.Errorf("%s contains a NUL byte", key)
	}
	return nil
}
