// Package template loads template definitions from YAML files into the
// template repository. A set of definitions is bundled with the binary;
// a directory can add to or override them.
package template

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"sort"
	"strings"

	yaml "go.yaml.in/yaml/v3"

	"medinotify/internal/common"
	domain "medinotify/internal/domain/template"
)

//go:embed templates/*.yaml
var bundled embed.FS

// Registrar receives parsed templates.
type Registrar interface {
	Register(t *domain.Template) error
}

// LoadBundled registers the templates shipped with the binary.
func LoadBundled(repo Registrar) (int, error) {
	sub, err := fs.Sub(bundled, "templates")
	if err != nil {
		return 0, fmt.Errorf("opening bundled templates: %w", err)
	}
	return LoadFS(sub, repo)
}

// LoadDir registers every *.yaml and *.yml file in dir. A missing directory
// loads nothing.
func LoadDir(dir string, repo Registrar) (int, error) {
	if dir == "" {
		return 0, nil
	}
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		slog.Warn("template directory not found, skipping", "dir", dir)
		return 0, nil
	}
	return LoadFS(os.DirFS(dir), repo)
}

// LoadFS registers every YAML file at the root of fsys, in name order.
func LoadFS(fsys fs.FS, repo Registrar) (int, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return 0, fmt.Errorf("listing templates: %w", err)
	}

	var names []string
	for _, e := range entries {
		ext := strings.ToLower(path.Ext(e.Name()))
		if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	loaded := 0
	for _, name := range names {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return loaded, fmt.Errorf("reading %s: %w", name, err)
		}
		tmpls, err := Parse(data)
		if err != nil {
			return loaded, fmt.Errorf("parsing %s: %w", name, err)
		}
		for _, t := range tmpls {
			if err := repo.Register(t); err != nil {
				return loaded, fmt.Errorf("registering %s from %s: %w", t.Type, name, err)
			}
			loaded++
		}
		slog.Debug("templates loaded", "file", name, "count", len(tmpls))
	}
	return loaded, nil
}

// Parse decodes one or more YAML documents, each holding one template.
// Unknown fields are rejected.
func Parse(data []byte) ([]*domain.Template, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var out []*domain.Template
	for {
		var t domain.Template
		err := dec.Decode(&t)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, common.NewValidationError(err.Error())
		}
		if t.Type == "" {
			return nil, common.NewValidationError(fmt.Sprintf("document %d has no type", len(out)+1))
		}
		out = append(out, &t)
	}
	return out, nil
}
