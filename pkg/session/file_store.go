// Copyright 2025 The a2a-proxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileStore persists one JSON file per session under a directory. Writes
// are serialized behind a mutex and go through a temp file plus rename so
// a crash never leaves a torn record. Reads are lock-free; missing or
// malformed files read as not-found.
type FileStore struct {
	dir     string
	writeMu sync.Mutex
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		dir = "./data/sessions"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session storage directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".json")
}

// validID rejects ids that would escape the store directory. Session ids are
// caller-supplied via the URL, so they must stay a single path element.
func validID(sessionID string) bool {
	if sessionID == "" || sessionID == "." || sessionID == ".." {
		return false
	}
	return !strings.ContainsAny(sessionID, `/\`)
}

// write persists a record atomically: temp file then rename.
func (s *FileStore) write(info *Info) error {
	if !validID(info.SessionID) {
		return fmt.Errorf("invalid session id %q", info.SessionID)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode session %s: %w", info.SessionID, err)
	}

	tmp, err := os.CreateTemp(s.dir, info.SessionID+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp session file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close session file: %w", err)
	}
	if err := os.Rename(tmpName, s.path(info.SessionID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to publish session file: %w", err)
	}
	return nil
}

// read loads a record; absence, corruption, and bad ids all read as nil.
func (s *FileStore) read(sessionID string) *Info {
	if !validID(sessionID) {
		return nil
	}
	data, err := os.ReadFile(s.path(sessionID))
	if err != nil {
		return nil
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil
	}
	if info.SessionID == "" {
		return nil
	}
	return &info
}

// Create persists a new session record.
func (s *FileStore) Create(ctx context.Context, info *Info) error {
	return s.write(info)
}

// Get loads a session by id.
func (s *FileStore) Get(ctx context.Context, sessionID string) (*Info, error) {
	return s.read(sessionID), nil
}

// Update rewrites an existing session.
func (s *FileStore) Update(ctx context.Context, info *Info) (bool, error) {
	if s.read(info.SessionID) == nil {
		return false, nil
	}
	if err := s.write(info); err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes a session file.
func (s *FileStore) Delete(ctx context.Context, sessionID string) (bool, error) {
	if !validID(sessionID) {
		return false, nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := os.Remove(s.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// List returns sessions, optionally filtered by agent.
func (s *FileStore) List(ctx context.Context, agentID string, includeExpired bool) ([]*Info, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	now := time.Now().UTC()
	var sessions []*Info
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		info := s.read(strings.TrimSuffix(name, ".json"))
		if info == nil {
			continue
		}
		if agentID != "" && info.AgentID != agentID {
			continue
		}
		if !includeExpired && info.IsExpired(now) {
			continue
		}
		sessions = append(sessions, info)
	}
	return sessions, nil
}

// CleanupExpired removes every expired session file.
func (s *FileStore) CleanupExpired(ctx context.Context) (int, error) {
	all, err := s.List(ctx, "", true)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	removed := 0
	for _, info := range all {
		if info.IsExpired(now) {
			ok, err := s.Delete(ctx, info.SessionID)
			if err != nil {
				continue
			}
			if ok {
				removed++
			}
		}
	}
	return removed, nil
}

// GetByCorrelationID scans active sessions for the correlation id.
func (s *FileStore) GetByCorrelationID(ctx context.Context, correlationID string) (*Info, error) {
	sessions, err := s.List(ctx, "", false)
	if err != nil {
		return nil, err
	}
	for _, info := range sessions {
		if info.CorrelationID == correlationID {
			return info, nil
		}
	}
	return nil, nil
}

// Stats aggregates counters across all session files.
func (s *FileStore) Stats(ctx context.Context) (*Stats, error) {
	all, err := s.List(ctx, "", true)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	stats := &Stats{
		TotalSessions:   len(all),
		SessionsByAgent: make(map[string]int),
	}
	for _, info := range all {
		if info.IsExpired(now) {
			stats.ExpiredSessions++
			continue
		}
		stats.ActiveSessions++
		stats.SessionsByAgent[info.AgentID]++
	}
	return stats, nil
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error {
	return nil
}

var _ Store = (*FileStore)(nil)
