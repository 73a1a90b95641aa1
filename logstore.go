package holdtestrig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.viam.com/rdk/logging"
)

const defaultLogFileName = "test_logs.json"

// logStore persists run records, most recent first, in a single JSON file.
//
// It has no lock of its own. Every read-modify-write happens under the run registry's
// mutex, because finalization mutates the active slot and the file together.
type logStore struct {
	dir    string
	path   string
	logger logging.Logger
}

func newLogStore(dir string, logger logging.Logger) *logStore {
	return &logStore{
		dir:    dir,
		path:   filepath.Join(dir, defaultLogFileName),
		logger: logger,
	}
}

// read returns the stored records. A missing or unparsable file reads as an empty log;
// the next successful write repairs it.
func (s *logStore) read() []RunRecord {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warnf("reading run log %s: %v", s.path, err)
		}
		return []RunRecord{}
	}
	var records []RunRecord
	if err := json.Unmarshal(data, &records); err != nil {
		s.logger.Warnf("run log %s is corrupt, treating as empty: %v", s.path, err)
		return []RunRecord{}
	}
	if records == nil {
		records = []RunRecord{}
	}
	return records
}

// write atomically replaces the log file: temp file, fsync, rename, then fsync the
// directory so the rename survives power loss.
func (s *logStore) write(records []RunRecord) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}
	if records == nil {
		records = []RunRecord{}
	}
	data, err := json.MarshalIndent(records, "", "    ")
	if err != nil {
		return fmt.Errorf("marshaling run log: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(s.dir, defaultLogFileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temporary run log: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temporary run log: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing temporary run log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temporary run log: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming run log into place: %w", err)
	}
	if d, err := os.Open(s.dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}

func (s *logStore) prepend(rec RunRecord) error {
	records := s.read()
	records = append([]RunRecord{rec}, records...)
	return s.write(records)
}

// patch applies fn to the record with the given id and writes the log back. fn returns
// false to leave the file untouched.
func (s *logStore) patch(id int64, fn func(*RunRecord) bool) (RunRecord, error) {
	records := s.read()
	for i := range records {
		if records[i].ID != id {
			continue
		}
		if !fn(&records[i]) {
			return records[i], nil
		}
		return records[i], s.write(records)
	}
	return RunRecord{}, ErrRunNotFound
}

func (s *logStore) get(id int64) (RunRecord, bool) {
	for _, rec := range s.read() {
		if rec.ID == id {
			return rec, true
		}
	}
	return RunRecord{}, false
}

func (s *logStore) remove(id int64) (RunRecord, error) {
	records := s.read()
	for i, rec := range records {
		if rec.ID != id {
			continue
		}
		records = append(records[:i], records[i+1:]...)
		return rec, s.write(records)
	}
	return RunRecord{}, ErrRunNotFound
}

func (s *logStore) mediaPath(name string) string {
	return filepath.Join(s.dir, filepath.Base(name))
}

// removeMedia deletes a run's deliverable, any intermediate left behind by a failed
// transcode and its download package. Missing files are not an error.
func (s *logStore) removeMedia(rec RunRecord) error {
	base := mediaBaseName(rec.ID, rec.Label, rec.StartTime)
	paths := []string{
		filepath.Join(s.dir, base+deliverableExt),
		filepath.Join(s.dir, base+intermediateExt),
		filepath.Join(s.dir, packageDirName, packageFileName(rec)),
	}
	if rec.MediaFile != "" {
		paths = append(paths, s.mediaPath(rec.MediaFile))
	}
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing media %s: %w", p, err)
		}
	}
	return nil
}
