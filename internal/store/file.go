package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mabuchilab/instrumental/internal/instrument"
)

// InstrumentsSection is the INI section holding saved aliases.
const InstrumentsSection = "instruments"

const (
	dirPermissions  = 0750
	filePermissions = 0600
)

// FileStore implements instrument.Store with an INI file and a directory of
// per-alias JSON state files.
//
// Only the [instruments] section is rewritten. Other sections, comments and
// entries of the file are kept as they are.
type FileStore struct {
	mu       sync.Mutex
	path     string
	stateDir string
}

// NewFileStore returns a store backed by the INI file at path and state
// files under stateDir. Neither needs to exist yet.
func NewFileStore(path, stateDir string) *FileStore {
	return &FileStore{path: path, stateDir: stateDir}
}

// Path returns the INI file path.
func (f *FileStore) Path() string { return f.path }

// SaveAlias adds or replaces the entry line for name.
func (f *FileStore) SaveAlias(_ context.Context, name string, ps *instrument.ParamSet, force bool) error {
	if err := validateName(name); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	lines, err := f.readLines()
	if err != nil {
		return err
	}
	entry := ps.ToINI(name)

	start, end, found := sectionBounds(lines, InstrumentsSection)
	if !found {
		if n := len(lines); n > 0 && strings.TrimSpace(lines[n-1]) != "" {
			lines = append(lines, "")
		}
		lines = append(lines, "["+InstrumentsSection+"]", entry)
		return f.writeLines(lines)
	}

	insertAt := start + 1
	for i := start + 1; i < end; i++ {
		trimmed := strings.TrimSpace(lines[i])
		if isSkippable(trimmed) {
			continue
		}
		insertAt = i + 1
		existing, _, err := instrument.ParseINILine(trimmed)
		if err != nil {
			return fmt.Errorf("%s line %d: %w", f.path, i+1, err)
		}
		if existing != name {
			continue
		}
		if !force {
			return fmt.Errorf("%w: %q", instrument.ErrAliasExists, name)
		}
		lines[i] = entry
		return f.writeLines(lines)
	}

	lines = append(lines[:insertAt], append([]string{entry}, lines[insertAt:]...)...)
	return f.writeLines(lines)
}

// LoadAlias returns the ParamSet saved as name.
func (f *FileStore) LoadAlias(ctx context.Context, name string) (*instrument.ParamSet, error) {
	entries, err := f.ListAliases(ctx)
	if err != nil {
		return nil, err
	}
	ps, ok := entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", instrument.ErrAliasNotFound, name)
	}
	return ps, nil
}

// ListAliases parses the [instruments] section.
func (f *FileStore) ListAliases(_ context.Context) (map[string]*instrument.ParamSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	lines, err := f.readLines()
	if err != nil {
		return nil, err
	}
	start, end, found := sectionBounds(lines, InstrumentsSection)
	if !found {
		return map[string]*instrument.ParamSet{}, nil
	}
	entries, err := instrument.ParseINISection(strings.Join(lines[start+1:end], "\n"))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.path, err)
	}
	return entries, nil
}

// DeleteAlias removes the entry line for name and its state file.
func (f *FileStore) DeleteAlias(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	lines, err := f.readLines()
	if err != nil {
		return err
	}
	start, end, found := sectionBounds(lines, InstrumentsSection)
	if found {
		for i := start + 1; i < end; i++ {
			trimmed := strings.TrimSpace(lines[i])
			if isSkippable(trimmed) {
				continue
			}
			existing, _, err := instrument.ParseINILine(trimmed)
			if err != nil {
				return fmt.Errorf("%s line %d: %w", f.path, i+1, err)
			}
			if existing == name {
				lines = append(lines[:i], lines[i+1:]...)
				if err := f.writeLines(lines); err != nil {
					return err
				}
				err := os.Remove(f.statePath(name))
				if err != nil && !errors.Is(err, fs.ErrNotExist) {
					return fmt.Errorf("removing state of %q: %w", name, err)
				}
				return nil
			}
		}
	}
	return fmt.Errorf("%w: %q", instrument.ErrAliasNotFound, name)
}

// SaveState writes <state_dir>/<alias>.json.
func (f *FileStore) SaveState(_ context.Context, alias string, state []byte) error {
	if err := validateName(alias); err != nil {
		return err
	}
	if err := os.MkdirAll(f.stateDir, dirPermissions); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	return writeFileAtomic(f.statePath(alias), state)
}

// LoadState reads <state_dir>/<alias>.json.
func (f *FileStore) LoadState(_ context.Context, alias string) ([]byte, error) {
	if err := validateName(alias); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.statePath(alias))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %q", instrument.ErrStateNotFound, alias)
	}
	if err != nil {
		return nil, fmt.Errorf("reading state of %q: %w", alias, err)
	}
	return data, nil
}

func (f *FileStore) statePath(alias string) string {
	return filepath.Join(f.stateDir, alias+".json")
}

func (f *FileStore) readLines() ([]string, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", f.path, err)
	}
	text := strings.TrimRight(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	if text == "" {
		return nil, nil
	}
	return strings.Split(text, "\n"), nil
}

func (f *FileStore) writeLines(lines []string) error {
	if err := os.MkdirAll(filepath.Dir(f.path), dirPermissions); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return writeFileAtomic(f.path, []byte(strings.Join(lines, "\n")+"\n"))
}

// sectionBounds returns the header line index of [name] and the index one
// past its last body line.
func sectionBounds(lines []string, name string) (start, end int, found bool) {
	start = -1
	for i, line := range lines {
		header, ok := sectionHeader(line)
		if !ok {
			continue
		}
		if start >= 0 {
			return start, i, true
		}
		if strings.EqualFold(header, name) {
			start = i
		}
	}
	if start < 0 {
		return 0, 0, false
	}
	return start, len(lines), true
}

func sectionHeader(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if len(line) < 2 || line[0] != '[' || line[len(line)-1] != ']' {
		return "", false
	}
	return strings.TrimSpace(line[1 : len(line)-1]), true
}

func isSkippable(line string) bool {
	return line == "" || strings.HasPrefix(line, ";") || strings.HasPrefix(line, "#")
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // no-op after rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck // write error takes precedence
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Chmod(filePermissions); err != nil {
		tmp.Close() //nolint:errcheck // chmod error takes precedence
		return fmt.Errorf("setting permissions on %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}
