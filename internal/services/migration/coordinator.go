package migration

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pulsecrypt/internal/domain"
	"pulsecrypt/internal/observability"
	"pulsecrypt/internal/protocol/aead"
)

// DefaultName is the ledger name of the legacy key migration. Each user
// keeps its own entry, named DefaultName + ":" + user.
const DefaultName = "legacy_server_keys_to_derived_v1"

// LedgerName returns the ledger entry of migration base for user.
func LedgerName(base string, user domain.UserID) string {
	return base + ":" + string(user)
}

var canary = []byte("pulsecrypt migration canary")

// Coordinator moves conversations off server-held keys onto keys derived on
// the device. Progress lives in the directory's migration ledger so a run
// that was interrupted or failed resumes where it stopped.
type Coordinator struct {
	name    string
	me      domain.UserID
	ledger  domain.MigrationLedger
	archive domain.LegacyKeyArchive
	keys    domain.ConversationKeyCache
	cipher  *aead.Cipher

	now     func() time.Time
	log     *observability.Logger
	metrics *observability.Metrics

	mu sync.Mutex
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithName overrides DefaultName. The user is still appended.
func WithName(name string) Option { return func(c *Coordinator) { c.name = name } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

// WithLogger sets the logger.
func WithLogger(l *observability.Logger) Option { return func(c *Coordinator) { c.log = l } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option { return func(c *Coordinator) { c.metrics = m } }

func New(
	me domain.UserID,
	ledger domain.MigrationLedger,
	archive domain.LegacyKeyArchive,
	keys domain.ConversationKeyCache,
	cipher *aead.Cipher,
	opts ...Option,
) *Coordinator {
	c := &Coordinator{
		name:    DefaultName,
		me:      me,
		ledger:  ledger,
		archive: archive,
		keys:    keys,
		cipher:  cipher,
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	c.name = LedgerName(c.name, me)
	return c
}

// Name returns the ledger name of this migration.
func (c *Coordinator) Name() string { return c.name }

// Status returns the persisted state of the migration.
func (c *Coordinator) Status(ctx context.Context) (domain.MigrationStatus, error) {
	st, err := c.ledger.GetMigrationStatus(ctx, c.name)
	if err != nil {
		return domain.MigrationStatus{}, &domain.MigrationError{Migration: c.name, Err: err}
	}
	return st, nil
}

// Migrate converts every legacy record of the local user that is not yet
// migrated. A completed migration is left untouched. If any record fails
// the status becomes Failed and a *domain.MigrationError is returned; the
// records that did convert stay converted.
func (c *Coordinator) Migrate(ctx context.Context) (domain.MigrationStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, err := c.Status(ctx)
	if err != nil {
		return domain.MigrationStatus{}, err
	}
	if st.Status == domain.MigrationCompleted {
		return st, nil
	}

	st.Name = c.name
	st.Status = domain.MigrationInProgress
	st.ErrorMessage = ""
	st.CompletedAt = nil
	if st.StartedAt == nil {
		t := c.now().UTC()
		st.StartedAt = &t
	}
	if err := c.save(ctx, st); err != nil {
		return st, err
	}

	recs, err := c.archive.ListLegacyKeys(ctx, c.me)
	if err != nil {
		return c.fail(ctx, st, "", fmt.Errorf("list legacy keys: %w", err))
	}

	var first *domain.MigrationError
	st.Failed = 0
	for _, rec := range recs {
		if rec.MigrationCompleted {
			continue
		}
		if err := c.migrateOne(ctx, rec); err != nil {
			st.Failed++
			c.metrics.MigrationRecord("failed")
			c.log.MigrationRecordFailed(c.name, string(rec.ConversationID), err)
			if first == nil {
				first = &domain.MigrationError{Migration: c.name, ConversationID: rec.ConversationID, Err: err}
			}
			continue
		}
		st.Processed++
		c.metrics.MigrationRecord("migrated")
	}
	if first != nil {
		st.Status = domain.MigrationFailed
		st.ErrorMessage = first.Error()
		c.log.MigrationProgress(c.name, string(st.Status), st.Processed, st.Failed)
		if err := c.save(ctx, st); err != nil {
			return st, err
		}
		return st, first
	}

	t := c.now().UTC()
	st.Status = domain.MigrationCompleted
	st.CompletedAt = &t
	c.log.MigrationProgress(c.name, string(st.Status), st.Processed, st.Failed)
	return st, c.save(ctx, st)
}

// Cleanup deletes the legacy records that were migrated and returns how
// many it removed. It requires a Completed migration.
func (c *Coordinator) Cleanup(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, err := c.Status(ctx)
	if err != nil {
		return 0, err
	}
	if st.Status != domain.MigrationCompleted {
		return 0, &domain.MigrationError{
			Migration: c.name,
			Err:       fmt.Errorf("cleanup needs a completed migration, status is %s", st.Status),
		}
	}

	recs, err := c.archive.ListLegacyKeys(ctx, c.me)
	if err != nil {
		return 0, &domain.MigrationError{Migration: c.name, Err: err}
	}
	var done []domain.ConversationID
	for _, rec := range recs {
		if rec.MigrationCompleted {
			done = append(done, rec.ConversationID)
		}
	}
	if len(done) == 0 {
		return 0, nil
	}
	if err := c.archive.DeleteLegacyKeys(ctx, done); err != nil {
		return 0, &domain.MigrationError{Migration: c.name, Err: err}
	}
	return len(done), nil
}

// migrateOne checks that the legacy key still opens its sample, that the
// derived key works and only then marks the record migrated.
func (c *Coordinator) migrateOne(ctx context.Context, rec domain.LegacyKeyRecord) error {
	if rec.Sample != nil {
		if _, err := c.cipher.Open(*rec.Sample, rec.SymmetricKey, nil); err != nil {
			return fmt.Errorf("legacy sample: %w", err)
		}
	}

	key, err := c.keys.Get(ctx, rec.ConversationID)
	if err != nil {
		return fmt.Errorf("derive key: %w", err)
	}
	aad := []byte(rec.ConversationID)
	sealed, err := c.cipher.Encrypt(canary, key, aad)
	if err != nil {
		return fmt.Errorf("canary encrypt: %w", err)
	}
	pt, err := c.cipher.Decrypt(sealed, key, aad)
	if err != nil {
		return fmt.Errorf("canary decrypt: %w", err)
	}
	if !bytes.Equal(pt, canary) {
		return errors.New("canary round trip mismatch")
	}

	if err := c.archive.MarkLegacyKeyMigrated(ctx, rec.ConversationID); err != nil {
		return fmt.Errorf("mark migrated: %w", err)
	}
	return nil
}

func (c *Coordinator) fail(ctx context.Context, st domain.MigrationStatus, conv domain.ConversationID, err error) (domain.MigrationStatus, error) {
	merr := &domain.MigrationError{Migration: c.name, ConversationID: conv, Err: err}
	st.Status = domain.MigrationFailed
	st.ErrorMessage = merr.Error()
	if serr := c.save(ctx, st); serr != nil {
		return st, serr
	}
	return st, merr
}

func (c *Coordinator) save(ctx context.Context, st domain.MigrationStatus) error {
	if err := c.ledger.SetMigrationStatus(ctx, st); err != nil {
		return &domain.MigrationError{Migration: c.name, Err: fmt.Errorf("save status: %w", err)}
	}
	return nil
}
