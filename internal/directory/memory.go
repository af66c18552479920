package directory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"pulsecrypt/internal/domain"
)

// Memory is an in-process DirectoryService. It backs tests, the "memory"
// directory mode and nothing else; all data is lost on exit.
type Memory struct {
	mu         sync.RWMutex
	keys       map[domain.UserID][]domain.PublishedKey
	exchanges  map[domain.ConversationID][]domain.KeyExchangeRecord
	statuses   map[[2]domain.UserID]domain.KeyExchangeStatus
	migrations map[string]domain.MigrationStatus
	legacy     map[domain.ConversationID]domain.LegacyKeyRecord
	groups     map[domain.ConversationID]map[int]map[domain.UserID]domain.GroupKeyEnvelope
}

// NewMemory returns an empty in-memory directory.
func NewMemory() *Memory {
	return &Memory{
		keys:       make(map[domain.UserID][]domain.PublishedKey),
		exchanges:  make(map[domain.ConversationID][]domain.KeyExchangeRecord),
		statuses:   make(map[[2]domain.UserID]domain.KeyExchangeStatus),
		migrations: make(map[string]domain.MigrationStatus),
		legacy:     make(map[domain.ConversationID]domain.LegacyKeyRecord),
		groups:     make(map[domain.ConversationID]map[int]map[domain.UserID]domain.GroupKeyEnvelope),
	}
}

func (m *Memory) GetPublicKey(_ context.Context, user domain.UserID) (domain.PublishedKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		best  domain.PublishedKey
		found bool
	)
	for _, k := range m.keys[user] {
		if k.IsActive && (!found || !k.CreatedAt.Before(best.CreatedAt)) {
			best, found = k, true
		}
	}
	if !found {
		return domain.PublishedKey{}, fmt.Errorf("public key of %s: %w", user, domain.ErrNotFound)
	}
	return best, nil
}

func (m *Memory) PublishPublicKey(_ context.Context, key domain.PublishedKey) error {
	if err := validatePublishedKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := m.keys[key.UserID]
	for i := range keys {
		if keys[i].KeyID == key.KeyID {
			keys[i] = key
			return nil
		}
	}
	m.keys[key.UserID] = append(keys, key)
	return nil
}

func (m *Memory) DeactivatePublicKeys(_ context.Context, user domain.UserID, keep domain.KeyID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.keys[user] {
		if m.keys[user][i].KeyID != keep {
			m.keys[user][i].IsActive = false
		}
	}
	return nil
}

// PublicKeys returns every key ever published by user, oldest first.
func (m *Memory) PublicKeys(user domain.UserID) []domain.PublishedKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.PublishedKey(nil), m.keys[user]...)
}

func (m *Memory) RecordKeyExchangeMetadata(_ context.Context, rec domain.KeyExchangeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := m.exchanges[rec.ConversationID]
	if rec.IsActive {
		for i := range recs {
			recs[i].IsActive = false
		}
	}
	for i := range recs {
		if recs[i].Version == rec.Version {
			recs[i] = rec
			return nil
		}
	}
	m.exchanges[rec.ConversationID] = append(recs, rec)
	return nil
}

// KeyExchangeRecords returns the recorded key metadata of conv by version.
func (m *Memory) KeyExchangeRecords(conv domain.ConversationID) []domain.KeyExchangeRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]domain.KeyExchangeRecord(nil), m.exchanges[conv]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

func (m *Memory) SetKeyExchangeStatus(_ context.Context, st domain.KeyExchangeStatus) error {
	st = orderStatus(st)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[[2]domain.UserID{st.User1ID, st.User2ID}] = st
	return nil
}

func (m *Memory) GetKeyExchangeStatus(_ context.Context, a, b domain.UserID) (domain.KeyExchangeStatus, bool, error) {
	if b < a {
		a, b = b, a
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.statuses[[2]domain.UserID{a, b}]
	return st, ok, nil
}

func (m *Memory) GetMigrationStatus(_ context.Context, name string) (domain.MigrationStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.migrations[name]
	if !ok {
		return domain.MigrationStatus{Name: name, Status: domain.MigrationNotStarted}, nil
	}
	return st, nil
}

func (m *Memory) SetMigrationStatus(_ context.Context, st domain.MigrationStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.migrations[st.Name] = st
	return nil
}

// AddLegacyKey seeds a record of the server-stored key scheme.
func (m *Memory) AddLegacyKey(_ context.Context, rec domain.LegacyKeyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.legacy[rec.ConversationID] = rec
	return nil
}

func (m *Memory) ListLegacyKeys(_ context.Context, user domain.UserID) ([]domain.LegacyKeyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.LegacyKeyRecord
	for _, rec := range m.legacy {
		for _, p := range rec.Participants {
			if p == user {
				out = append(out, rec)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConversationID < out[j].ConversationID })
	return out, nil
}

func (m *Memory) GetLegacyKey(_ context.Context, conv domain.ConversationID) (domain.LegacyKeyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.legacy[conv]
	if !ok {
		return domain.LegacyKeyRecord{}, fmt.Errorf("legacy key of %s: %w", conv, domain.ErrNotFound)
	}
	return rec, nil
}

func (m *Memory) MarkLegacyKeyMigrated(_ context.Context, conv domain.ConversationID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.legacy[conv]
	if !ok {
		return fmt.Errorf("legacy key of %s: %w", conv, domain.ErrNotFound)
	}
	now := time.Now().UTC()
	rec.MigrationCompleted = true
	rec.MigratedAt = &now
	m.legacy[conv] = rec
	return nil
}

func (m *Memory) DeleteLegacyKeys(_ context.Context, convs []domain.ConversationID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range convs {
		delete(m.legacy, c)
	}
	return nil
}

func (m *Memory) PublishGroupKey(
	_ context.Context,
	group domain.ConversationID,
	version int,
	envs []domain.GroupKeyEnvelope,
) error {
	if err := validateGroupEnvelopes(group, version, envs); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	versions, ok := m.groups[group]
	if !ok {
		versions = make(map[int]map[domain.UserID]domain.GroupKeyEnvelope)
		m.groups[group] = versions
	}
	if _, exists := versions[version]; exists {
		return fmt.Errorf("group %s version %d: %w", group, version, domain.ErrVersionConflict)
	}
	byMember := make(map[domain.UserID]domain.GroupKeyEnvelope, len(envs))
	for _, e := range envs {
		byMember[e.RecipientID] = e
	}
	versions[version] = byMember
	return nil
}

func (m *Memory) GetGroupKeyEnvelope(
	_ context.Context,
	group domain.ConversationID,
	version int,
	member domain.UserID,
) (domain.GroupKeyEnvelope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	env, ok := m.groups[group][version][member]
	if !ok {
		return domain.GroupKeyEnvelope{}, fmt.Errorf("group %s version %d for %s: %w", group, version, member, domain.ErrNotFound)
	}
	return env, nil
}

func (m *Memory) LatestGroupKeyVersion(_ context.Context, group domain.ConversationID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	latest := 0
	for v := range m.groups[group] {
		if v > latest {
			latest = v
		}
	}
	return latest, nil
}

var _ domain.DirectoryService = (*Memory)(nil)
