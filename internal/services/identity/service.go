package identity

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"pulsecrypt/internal/crypto"
	"pulsecrypt/internal/domain"
	"pulsecrypt/internal/observability"
	"pulsecrypt/internal/store"
)

// DefaultTimeout bounds each directory call made by the service.
const DefaultTimeout = 5 * time.Second

// Service owns the local user's X25519 identity key pair.
//
// The pair is kept in the SecureKeyStore under user_keypair_<userId>; only
// the public half is ever handed to the directory. Creation and rotation are
// serialised, so concurrent callers observe one pair.
type Service struct {
	user      domain.UserID
	keys      domain.SecureKeyStore
	directory domain.KeyDirectory

	ttl     time.Duration
	timeout time.Duration
	now     func() time.Time
	rand    io.Reader
	log     *observability.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	pending sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithTTL sets the identity key lifetime. Zero keeps keys forever.
func WithTTL(d time.Duration) Option { return func(s *Service) { s.ttl = d } }

// WithTimeout bounds directory calls.
func WithTimeout(d time.Duration) Option { return func(s *Service) { s.timeout = d } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithRand replaces the key generation entropy source.
func WithRand(r io.Reader) Option { return func(s *Service) { s.rand = r } }

// WithLogger sets the logger.
func WithLogger(l *observability.Logger) Option { return func(s *Service) { s.log = l } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option { return func(s *Service) { s.metrics = m } }

// New returns an identity service for user.
func New(user domain.UserID, keys domain.SecureKeyStore, directory domain.KeyDirectory, opts ...Option) *Service {
	s := &Service{
		user:      user,
		keys:      keys,
		directory: directory,
		timeout:   DefaultTimeout,
		now:       time.Now,
		rand:      rand.Reader,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// UserID returns the local user.
func (s *Service) UserID() domain.UserID { return s.user }

// EnsureKeyPair returns the stored pair, generating and persisting a new one
// when none exists or the stored one has expired. An expired pair is
// replaced and the new public key is republished in the background.
func (s *Service) EnsureKeyPair(ctx context.Context) (domain.IdentityKeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kp, ok, err := s.load(ctx)
	if err != nil {
		return domain.IdentityKeyPair{}, &domain.KeyGenerationError{Err: err}
	}
	if ok && !kp.Expired(s.now()) {
		return kp, nil
	}

	next, err := s.generate(ctx, ok)
	if err != nil {
		return domain.IdentityKeyPair{}, err
	}
	if ok {
		s.publishAsync(next)
	}
	return next, nil
}

// PublishPublicKey registers the current public key with the directory.
//
// Steps:
//  1. Ensure a local pair exists.
//  2. Fetch the published key; if it has the same key id and is active, stop.
//  3. Publish the key as active and deactivate every other key of the user.
func (s *Service) PublishPublicKey(ctx context.Context) error {
	kp, err := s.EnsureKeyPair(ctx)
	if err != nil {
		return err
	}
	return s.publish(ctx, kp)
}

// Rotate replaces the pair unconditionally. The new pair is persisted before
// Rotate returns; publishing happens in the background and a failure there
// is logged, not returned. Wait blocks until it finished.
func (s *Service) Rotate(ctx context.Context) (domain.IdentityKeyPair, error) {
	s.mu.Lock()
	kp, err := s.generate(ctx, true)
	s.mu.Unlock()
	if err != nil {
		return domain.IdentityKeyPair{}, err
	}
	s.publishAsync(kp)
	return kp, nil
}

// Wait blocks until background publishes started by Rotate have finished.
func (s *Service) Wait() { s.pending.Wait() }

// PublicKeyOf fetches the active public key of another user.
func (s *Service) PublicKeyOf(ctx context.Context, user domain.UserID) (domain.PublishedKey, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	k, err := s.directory.GetPublicKey(ctx, user)
	if err != nil {
		return domain.PublishedKey{}, &domain.CounterpartKeyUnavailableError{UserID: user, Err: err}
	}
	switch {
	case !k.IsActive:
		err = errors.New("published key is inactive")
	case k.PublicKey.IsZero():
		err = errors.New("published key is empty")
	case k.ExpiresAt != nil && !s.now().Before(*k.ExpiresAt):
		err = fmt.Errorf("published key expired at %s", k.ExpiresAt.Format(time.RFC3339))
	}
	if err != nil {
		return domain.PublishedKey{}, &domain.CounterpartKeyUnavailableError{UserID: user, Err: err}
	}
	return k, nil
}

// Fingerprint returns the display fingerprint of the local public key.
func (s *Service) Fingerprint(ctx context.Context) (domain.Fingerprint, error) {
	kp, err := s.EnsureKeyPair(ctx)
	if err != nil {
		return "", err
	}
	return domain.Fingerprint(crypto.Fingerprint(kp.PublicKey.Slice())), nil
}

func (s *Service) load(ctx context.Context) (domain.IdentityKeyPair, bool, error) {
	var kp domain.IdentityKeyPair
	ok, err := store.GetJSON(ctx, s.keys, store.IdentityKey(s.user), &kp)
	if err != nil || !ok {
		return domain.IdentityKeyPair{}, ok, err
	}
	pub, err := crypto.PublicKey(kp.PrivateKey)
	if err != nil || pub != kp.PublicKey {
		return domain.IdentityKeyPair{}, false, errors.New("stored identity key pair is inconsistent")
	}
	return kp, true, nil
}

// generate creates and persists a fresh pair. The caller holds s.mu.
func (s *Service) generate(ctx context.Context, rotated bool) (domain.IdentityKeyPair, error) {
	priv, pub, err := crypto.GenerateX25519From(s.rand)
	if err != nil {
		return domain.IdentityKeyPair{}, &domain.KeyGenerationError{Err: err}
	}
	now := s.now().UTC()
	kp := domain.IdentityKeyPair{
		PublicKey:  pub,
		PrivateKey: priv,
		KeyID:      crypto.IdentityKeyID(pub),
		CreatedAt:  now,
		Algorithm:  domain.AlgorithmX25519,
	}
	if s.ttl > 0 {
		exp := now.Add(s.ttl)
		kp.ExpiresAt = &exp
	}
	if err := store.SetJSON(ctx, s.keys, store.IdentityKey(s.user), kp); err != nil {
		return domain.IdentityKeyPair{}, &domain.KeyGenerationError{Err: err}
	}

	s.log.KeyPairGenerated(string(kp.KeyID), crypto.Fingerprint(pub.Slice()), rotated)
	if rotated {
		s.metrics.Rotation("identity")
	}
	return kp, nil
}

func (s *Service) publish(ctx context.Context, kp domain.IdentityKeyPair) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cur, err := s.directory.GetPublicKey(ctx, s.user)
	switch {
	case err == nil && cur.KeyID == kp.KeyID && cur.IsActive:
		s.log.KeyPublished(string(kp.KeyID), true)
		return nil
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		return fmt.Errorf("identity: fetch published key: %w", err)
	}

	if err := s.directory.PublishPublicKey(ctx, kp.Published(s.user)); err != nil {
		return fmt.Errorf("identity: publish: %w", err)
	}
	if err := s.directory.DeactivatePublicKeys(ctx, s.user, kp.KeyID); err != nil {
		return fmt.Errorf("identity: deactivate old keys: %w", err)
	}
	s.log.KeyPublished(string(kp.KeyID), false)
	return nil
}

func (s *Service) publishAsync(kp domain.IdentityKeyPair) {
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if err := s.publish(context.Background(), kp); err != nil {
			s.log.PublishFailed(string(kp.KeyID), err)
			s.metrics.PublishFailure()
		}
	}()
}

// Compile-time assertion that Service implements domain.IdentityService.
var _ domain.IdentityService = (*Service)(nil)
