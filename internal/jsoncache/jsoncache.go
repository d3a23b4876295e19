// Package jsoncache implements the versioned, optionally-compressed JSON
// cache file format used to persist every piece of durable engine state
// (schema, caches, error queue, offset cache), grounded on
// original_source/lib/datamodel/serialization.py's LocalCache/JSONSerializable.
package jsoncache

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FormatVersion is embedded in every cache file as "__HERMES_VERSION__" so
// future releases can detect and migrate older payloads.
const FormatVersion = "1.0.0"

// envelope is the on-disk wrapper around a cache file's content.
type envelope struct {
	Version string          `json:"__HERMES_VERSION__"`
	Content json.RawMessage `json:"content"`
}

// Migrator transforms an older-version payload into the current version's
// shape. Cache-specific packages register one per historical version jump.
type Migrator func(raw json.RawMessage) (json.RawMessage, error)

// Store manages cache files rooted at a single directory, with optional gzip
// compression and numbered-backup rotation, mirroring LocalCache.
type Store struct {
	Dir         string
	Compress    bool
	BackupCount int
	// FileMode is applied to newly written cache files (0666 & ^umask in the
	// original; the umask is applied by the OS already, so we just pick a
	// sane default here).
	FileMode os.FileMode
}

// New returns a Store rooted at dir, creating it if necessary.
func New(dir string, compress bool, backupCount int) (*Store, error) {
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return nil, fmt.Errorf("jsoncache: create cache dir %q: %w", dir, err)
	}
	return &Store{Dir: dir, Compress: compress, BackupCount: backupCount, FileMode: 0o666}, nil
}

func (s *Store) extension(compressed bool) string {
	if compressed {
		return ".json.gz"
	}
	return ".json"
}

// existingPath returns the path of filename's cache file on disk, trying the
// configured extension first and then the other one, so toggling compression
// doesn't orphan an existing cache (mirrors _getExistingFilePath).
func (s *Store) existingPath(filename string) (path string, found bool) {
	for _, compressed := range []bool{s.Compress, !s.Compress} {
		p := filepath.Join(s.Dir, filename+s.extension(compressed))
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
	}
	return filepath.Join(s.Dir, filename+s.extension(s.Compress)), false
}

func (s *Store) open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if filepath.Ext(path) == ".gz" {
		gz, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, err
		}
		return struct {
			io.Reader
			io.Closer
		}{gz, multiCloser{gz, f}}, nil
	}
	return f, nil
}

type multiCloser struct{ a, b io.Closer }

func (m multiCloser) Close() error {
	err1 := m.a.Close()
	err2 := m.b.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Load reads filename's cache file into v, running migrators for any version
// gap. If the file doesn't exist, v is left untouched and ok is false.
func (s *Store) Load(filename string, v any, migrators map[string]Migrator) (ok bool, err error) {
	path, found := s.existingPath(filename)
	if !found {
		return false, nil
	}
	r, err := s.open(path)
	if err != nil {
		return false, fmt.Errorf("jsoncache: open %q: %w", path, err)
	}
	defer r.Close()

	raw, err := io.ReadAll(r)
	if err != nil {
		return false, fmt.Errorf("jsoncache: read %q: %w", path, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Version == "" {
		// Legacy/raw content with no envelope: treat the whole file as content
		// at the current version.
		env = envelope{Version: FormatVersion, Content: raw}
	}

	content := env.Content
	for env.Version != FormatVersion {
		m, ok := migrators[env.Version]
		if !ok {
			return false, fmt.Errorf("jsoncache: no migrator registered for version %q of %q", env.Version, filename)
		}
		content, err = m(content)
		if err != nil {
			return false, fmt.Errorf("jsoncache: migrate %q from %q: %w", filename, env.Version, err)
		}
		env.Version = FormatVersion // single-step registry keyed by from-version
		break
	}

	if err := json.Unmarshal(content, v); err != nil {
		return false, fmt.Errorf("jsoncache: unmarshal content of %q: %w", filename, err)
	}
	return true, nil
}

// Save atomically writes v as filename's cache file: content is generated
// first, compared against the existing file (no-op if unchanged), written to
// a temp file, existing generations are rotated, then the temp file is
// renamed into place.
func (s *Store) Save(filename string, v any) error {
	content, err := json.MarshalIndent(envelope{Version: FormatVersion, Content: mustMarshal(v)}, "", "  ")
	if err != nil {
		return fmt.Errorf("jsoncache: marshal %q: %w", filename, err)
	}

	path, found := s.existingPath(filename)
	if found {
		old, err := s.readRaw(path)
		if err == nil && string(old) == string(content) {
			return nil // unchanged, skip write+rotate
		}
	}

	destPath := filepath.Join(s.Dir, filename+s.extension(s.Compress))
	tmp, err := os.CreateTemp(s.Dir, "."+filename+"-*"+s.extension(s.Compress))
	if err != nil {
		return fmt.Errorf("jsoncache: create temp file for %q: %w", filename, err)
	}
	tmpPath := tmp.Name()

	var w io.Writer = tmp
	var gz *gzip.Writer
	if s.Compress {
		gz = gzip.NewWriter(tmp)
		w = gz
	}
	if _, err := w.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("jsoncache: write %q: %w", filename, err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("jsoncache: close gzip writer for %q: %w", filename, err)
		}
	}
	if err := tmp.Chmod(s.FileMode); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("jsoncache: chmod %q: %w", filename, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("jsoncache: close temp file for %q: %w", filename, err)
	}

	s.rotate(filename)

	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("jsoncache: rename into place for %q: %w", filename, err)
	}
	return nil
}

func (s *Store) readRaw(path string) ([]byte, error) {
	r, err := s.open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		// Content generation happens before anything is written to disk, so a
		// marshal failure here means a caller passed an unencodable value.
		panic(fmt.Sprintf("jsoncache: content is not json-marshalable: %v", err))
	}
	return b
}

// rotate shifts filename.000001 .. filename.(BackupCount-1) up by one slot
// (overwriting the oldest, filename.BackupCount) and moves the current file
// into filename.000001, mirroring _rotatecachefile.
func (s *Store) rotate(filename string) {
	if s.BackupCount <= 0 {
		return
	}
	for i := s.BackupCount; i >= 1; i-- {
		var oldSuffix string
		if i > 1 {
			oldSuffix = fmt.Sprintf(".%06d", i-1)
		}
		oldPath, found := s.existingPath(filename + oldSuffix)
		if !found {
			continue
		}
		newPath := filepath.Join(s.Dir, fmt.Sprintf("%s.%06d%s", filename, i, s.extension(filepath.Ext(oldPath) == ".gz")))
		os.Rename(oldPath, newPath)
	}
}

// DeleteAll removes filename's cache file and all of its numbered backups,
// mirroring LocalCache.deleteAllCacheFiles (used when a schema removes an
// object type, spec §4.1).
func (s *Store) DeleteAll(filename string) {
	if path, found := s.existingPath(filename); found {
		os.Remove(path)
	}
	for i := s.BackupCount; i >= 1; i-- {
		if path, found := s.existingPath(fmt.Sprintf("%s.%06d", filename, i)); found {
			os.Remove(path)
		}
	}
}
