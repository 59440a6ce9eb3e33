package definition

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/assetflow/model"
)

// SeedFile is one YAML file of workflows for an organization.
type SeedFile struct {
	OrganizationID string         `yaml:"organization_id"`
	Workflows      []SeedWorkflow `yaml:"workflows"`

	// Set by the loader.
	Checksum   string `yaml:"-"`
	SourceFile string `yaml:"-"`
}

// SeedWorkflow is a workflow declared in a seed file.
type SeedWorkflow struct {
	Name    string               `yaml:"name"`
	Default bool                 `yaml:"default"`
	Stages  []model.OrderedStage `yaml:"stages"`
}

// Loader scans directories for YAML seed files, parses them, and computes
// SHA-256 checksums.
type Loader struct{}

// NewLoader creates a new seed Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml and *.yml files and parses
// each into a SeedFile.
func (l *Loader) LoadAll(directories []string) ([]SeedFile, error) {
	var files []SeedFile

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext != ".yaml" && ext != ".yml" {
				return nil
			}

			f, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			files = append(files, f)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	return files, nil
}

// LoadFile loads and parses a single seed file, recording its checksum and
// path.
func (l *Loader) LoadFile(path string) (SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SeedFile{}, fmt.Errorf("reading %s: %w", path, err)
	}

	var f SeedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return SeedFile{}, fmt.Errorf("parsing %s: %w", path, err)
	}

	f.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	f.SourceFile = path
	return f, nil
}
