// Package aliasmap persists the link between @lid pseudonyms and their
// phone-number JIDs for a single session. WhatsApp may address the same
// contact either way; keeping the pairs on disk lets a session survive
// restarts without losing chat identity.
package aliasmap

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

type fileFormat struct {
	LidToPN map[string]string `json:"lid_to_pn"`
	PNToLid map[string]string `json:"pn_to_lid"`
}

// Store is a lazily loaded, file-backed bidirectional map. Both
// directions are kept mutually inverse at all times.
type Store struct {
	path string

	mu      sync.Mutex
	loaded  bool
	lidToPN map[string]string
	pnToLid map[string]string
}

// New returns a store backed by the given JSON file. The file is read on
// first access, not here.
func New(path string) *Store {
	return &Store{path: path}
}

// RememberPair records that lid and pn identify the same contact. It
// returns true when the mapping changed and was persisted.
func (s *Store) RememberPair(lid, pn string) (bool, error) {
	lid, pn = strings.TrimSpace(lid), strings.TrimSpace(pn)
	if !strings.HasSuffix(lid, "@lid") || !strings.HasSuffix(pn, "@s.whatsapp.net") {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()

	if s.lidToPN[lid] == pn && s.pnToLid[pn] == lid {
		return false, nil
	}

	// Drop stale inverse entries so the maps stay consistent.
	if old, ok := s.lidToPN[lid]; ok && old != pn {
		delete(s.pnToLid, old)
	}
	if old, ok := s.pnToLid[pn]; ok && old != lid {
		delete(s.lidToPN, old)
	}

	s.lidToPN[lid] = pn
	s.pnToLid[pn] = lid

	if err := s.persistLocked(); err != nil {
		return true, err
	}
	return true, nil
}

// ResolveCanonical maps a JID to its preferred phone-number form. The
// fallback wins when it already is a phone JID; a known @lid is mapped;
// anything else passes through unchanged.
func (s *Store) ResolveCanonical(jid, fallbackPN string) string {
	if strings.HasSuffix(fallbackPN, "@s.whatsapp.net") {
		return fallbackPN
	}
	if strings.HasSuffix(jid, "@lid") {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.loadLocked()
		if pn, ok := s.lidToPN[jid]; ok {
			return pn
		}
	}
	return jid
}

// PNForLID returns the phone JID recorded for a @lid, or "".
func (s *Store) PNForLID(lid string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()
	return s.lidToPN[lid]
}

func (s *Store) loadLocked() {
	if s.loaded {
		return
	}
	s.loaded = true
	s.lidToPN = make(map[string]string)
	s.pnToLid = make(map[string]string)

	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var f fileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		return
	}
	if f.LidToPN != nil {
		s.lidToPN = f.LidToPN
	}
	if f.PNToLid != nil {
		s.pnToLid = f.PNToLid
	}
}

// persistLocked rewrites the whole file through a temp file + rename so a
// crash mid-write never leaves a truncated map behind.
func (s *Store) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create alias map dir: %w", err)
	}

	data, err := json.Marshal(fileFormat{LidToPN: s.lidToPN, PNToLid: s.pnToLid})
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write alias map: %w", err)
	}
	return os.Rename(tmp, s.path)
}
