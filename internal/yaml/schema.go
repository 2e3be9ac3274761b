package yaml

import (
	"errors"
	"fmt"
	"os"

	yamlv3 "gopkg.in/yaml.v3"
)

const CurrentSchemaVersion = 1

const (
	FileTypeLease = "lease"
	FileTypeJob   = "job"
	FileTypeSite  = "site"
)

var validFileTypes = map[string]bool{
	FileTypeLease: true,
	FileTypeJob:   true,
	FileTypeSite:  true,
}

// ErrCorrupt is returned by ReadDocument when a file and its backup are unreadable.
var ErrCorrupt = errors.New("corrupt document")

type SchemaHeader struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
}

func NewHeader(fileType string) SchemaHeader {
	return SchemaHeader{SchemaVersion: CurrentSchemaVersion, FileType: fileType}
}

func ValidateSchemaHeaderFromBytes(content []byte, expectedFileType string) error {
	var header SchemaHeader
	if err := yamlv3.Unmarshal(content, &header); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}

	if header.SchemaVersion < 1 {
		return fmt.Errorf("invalid schema_version %d (must be >= 1)", header.SchemaVersion)
	}
	if header.SchemaVersion > CurrentSchemaVersion {
		return fmt.Errorf("unsupported schema_version %d (max supported: %d)", header.SchemaVersion, CurrentSchemaVersion)
	}
	if header.FileType == "" {
		return fmt.Errorf("missing file_type")
	}
	if !validFileTypes[header.FileType] {
		return fmt.Errorf("unknown file_type: %q", header.FileType)
	}
	if expectedFileType != "" && header.FileType != expectedFileType {
		return fmt.Errorf("file_type mismatch: got %q, expected %q", header.FileType, expectedFileType)
	}
	return nil
}

func decodeDocument(content []byte, fileType string, out any) error {
	if err := ValidateSchemaHeaderFromBytes(content, fileType); err != nil {
		return err
	}
	return yamlv3.Unmarshal(content, out)
}

// ReadDocument decodes the document at path into out after checking its header.
// A corrupt file is replaced by its backup when the backup is valid; otherwise it is
// moved to quarantineDir and ErrCorrupt is returned. Missing files return an
// os.ErrNotExist error.
func ReadDocument(path, fileType, quarantineDir string, out any) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	decodeErr := decodeDocument(content, fileType, out)
	if decodeErr == nil {
		return nil
	}

	if err := RestoreFromBackup(path); err == nil {
		content, err = os.ReadFile(path)
		if err == nil {
			if err := decodeDocument(content, fileType, out); err == nil {
				return nil
			}
		}
	}
	if err := Quarantine(quarantineDir, path); err != nil {
		return fmt.Errorf("%w: %s: %v (quarantine failed: %v)", ErrCorrupt, path, decodeErr, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrCorrupt, path, decodeErr)
}
