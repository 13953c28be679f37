package paths

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// StagedFile is an upload in progress. Data is written to a hidden file next
// to the destination and only renamed into place by Commit, so listings never
// see a partial document under its final name.
type StagedFile struct {
	f        *os.File
	final    string
	location string
	written  int64
	done     bool
}

// Stage opens a staging file for location, creating parent directories.
func (p *Provider) Stage(location string) (*StagedFile, error) {
	final, err := p.Absolute(location)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(final)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create dirs for %s: %w", location, err)
	}

	tmp, err := os.CreateTemp(dir, stagingPrefix+"*"+stagingSuffix)
	if err != nil {
		return nil, fmt.Errorf("create temp for %s: %w", location, err)
	}
	clean, _ := CleanLocation(location)
	return &StagedFile{f: tmp, final: final, location: clean}, nil
}

// Location is the cleaned destination location.
func (s *StagedFile) Location() string { return s.location }

// Written is the number of bytes written so far.
func (s *StagedFile) Written() int64 { return s.written }

func (s *StagedFile) Write(b []byte) (int, error) {
	n, err := s.f.Write(b)
	s.written += int64(n)
	return n, err
}

// Seek moves the write offset of the staging file.
func (s *StagedFile) Seek(offset int64, whence int) (int64, error) {
	return s.f.Seek(offset, whence)
}

// Stat describes the staging file.
func (s *StagedFile) Stat() (os.FileInfo, error) {
	return s.f.Stat()
}

// Commit closes the staging file and renames it over the destination.
func (s *StagedFile) Commit() error {
	if s.done {
		return nil
	}
	s.done = true
	tmpName := s.f.Name()
	if err := s.f.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", s.location, err)
	}
	if err := os.Rename(tmpName, s.final); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp to %s: %w", s.location, err)
	}
	return nil
}

// Abort discards the staging file. Safe after Commit.
func (s *StagedFile) Abort() {
	if s.done {
		return
	}
	s.done = true
	tmpName := s.f.Name()
	s.f.Close()
	os.Remove(tmpName)
}

// WriteAtomic copies body into location through a staging file.
func (p *Provider) WriteAtomic(location string, body io.Reader) (int64, error) {
	staged, err := p.Stage(location)
	if err != nil {
		return 0, err
	}
	if _, err := io.Copy(staged, body); err != nil {
		staged.Abort()
		return staged.Written(), fmt.Errorf("write %s: %w", location, err)
	}
	if err := staged.Commit(); err != nil {
		return staged.Written(), err
	}
	return staged.Written(), nil
}
