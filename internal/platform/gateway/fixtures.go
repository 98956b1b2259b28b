package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// LoadFixtures registers a canned handler for every file in dir:
// <command>.json is returned verbatim as the response body and
// <command>.error makes the command reject with the file's text. It returns
// the number of commands registered.
func LoadFixtures(r *Router, fs afero.Fs, dir string) (int, error) {
	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		return 0, fmt.Errorf("read fixtures dir: %w", err)
	}

	count := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := filepath.Ext(name)
		command := strings.TrimSuffix(name, ext)

		data, err := afero.ReadFile(fs, filepath.Join(dir, name))
		if err != nil {
			return count, fmt.Errorf("read fixture %s: %w", name, err)
		}

		switch ext {
		case ".json":
			if !json.Valid(data) {
				return count, fmt.Errorf("fixture %s is not valid JSON", name)
			}
			body := json.RawMessage(data)
			r.Handle(command, func(context.Context, json.RawMessage) (any, error) {
				return body, nil
			})
		case ".error":
			msg := strings.TrimSpace(string(data))
			r.Handle(command, func(context.Context, json.RawMessage) (any, error) {
				return nil, Rejection(command, msg)
			})
		default:
			continue
		}
		count++
	}
	return count, nil
}
