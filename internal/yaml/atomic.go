// Package yaml provides atomic, schema-tagged YAML documents with backup recovery and quarantine.
package yaml

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"
)

const backupSuffix = ".bak"

// WriteDocument encodes doc, which must embed a SchemaHeader of fileType, and replaces
// path with it. A doc carrying another header is rejected before anything is written.
func WriteDocument(path, fileType string, doc any) error {
	content, err := yamlv3.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s document: %w", fileType, err)
	}
	return replace(path, content, func(b []byte) error {
		return ValidateSchemaHeaderFromBytes(b, fileType)
	})
}

// AtomicWriteRaw replaces path with pre-encoded content, which must parse as YAML.
// JSON is valid YAML, so progress side files and configs both go through here.
func AtomicWriteRaw(path string, content []byte) error {
	return replace(path, content, validateYAML)
}

// replace validates content, keeps the current file as path.bak and renames a synced
// temp file over path. On any error path is left as it was.
func replace(path string, content []byte, validate func([]byte) error) error {
	if err := validate(content); err != nil {
		return fmt.Errorf("refuse to write %s: %w", filepath.Base(path), err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := backup(path); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	committed = true
	syncDir(dir)
	return nil
}

// backup copies path to path.bak when path holds a parseable document. A corrupt
// current file never overwrites a good backup.
func backup(path string) error {
	current, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read current file: %w", err)
	}
	if validateYAML(current) != nil {
		return nil
	}
	if err := copyFile(path, path+backupSuffix); err != nil {
		return fmt.Errorf("create backup: %w", err)
	}
	return nil
}

// syncDir makes the rename durable; filesystems that cannot fsync a directory are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// Remove deletes path and its backup. Missing files are not an error.
func Remove(path string) error {
	var errs []error
	for _, p := range []string{path, path + backupSuffix} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func validateYAML(content []byte) error {
	var v any
	return yamlv3.Unmarshal(content, &v)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
