package lifecycle

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/core-tools/hsu-fleet/pkg/errors"
	"github.com/core-tools/hsu-fleet/pkg/logging"
)

const (
	DefaultTemplatesDirectory = "templates"

	localTemplatePrefix = "local://"
)

// TemplateManager copies template trees from the templates directory into server directories
type TemplateManager struct {
	root   string
	logger logging.Logger
}

func NewTemplateManager(root string, logger logging.Logger) *TemplateManager {
	if root == "" {
		root = DefaultTemplatesDirectory
	}
	return &TemplateManager{root: root, logger: logger}
}

// Apply copies each template in order, later templates overwriting earlier files.
// Missing templates are skipped with a warning.
func (t *TemplateManager) Apply(serverDirectory string, templates []string) error {
	if len(templates) == 0 {
		return nil
	}

	for _, template := range templates {
		source, err := t.resolve(template)
		if err != nil {
			return err
		}

		info, err := os.Stat(source)
		if os.IsNotExist(err) {
			t.logger.Warnf("Template not found: %s", template)
			continue
		}
		if err != nil {
			return errors.NewIOError("failed to read template", err).WithContext("template", template)
		}

		if info.IsDir() {
			err = copyTree(source, serverDirectory)
		} else {
			err = copyFile(source, filepath.Join(serverDirectory, filepath.Base(source)), info.Mode())
		}
		if err != nil {
			return errors.NewIOError("failed to apply template", err).
				WithContext("template", template).
				WithContext("directory", serverDirectory)
		}
		t.logger.Debugf("Applied template %s to %s", template, serverDirectory)
	}
	return nil
}

// Available lists template directories relative to the templates root, slash separated
func (t *TemplateManager) Available() ([]string, error) {
	if _, err := os.Stat(t.root); os.IsNotExist(err) {
		return []string{}, nil
	}

	templates := []string{}
	err := filepath.WalkDir(t.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.IsDir() || path == t.root {
			return nil
		}
		relative, err := filepath.Rel(t.root, path)
		if err != nil {
			return err
		}
		templates = append(templates, filepath.ToSlash(relative))
		return nil
	})
	if err != nil {
		return nil, errors.NewIOError("failed to list templates", err).WithContext("root", t.root)
	}
	sort.Strings(templates)
	return templates, nil
}

func (t *TemplateManager) resolve(template string) (string, error) {
	relative := filepath.FromSlash(strings.TrimPrefix(template, localTemplatePrefix))
	if relative == "" || !filepath.IsLocal(relative) {
		return "", errors.NewValidationError("template path escapes the templates directory", nil).WithContext("template", template)
	}
	return filepath.Join(t.root, relative), nil
}

func copyTree(source, target string) error {
	return filepath.WalkDir(source, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		relative, err := filepath.Rel(source, path)
		if err != nil {
			return err
		}
		destination := filepath.Join(target, relative)

		info, err := entry.Info()
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return os.MkdirAll(destination, 0755)
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		return copyFile(path, destination, info.Mode())
	})
}

func copyFile(source, destination string, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(destination), 0755); err != nil {
		return err
	}

	in, err := os.Open(source)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(destination, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm()|0200)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
