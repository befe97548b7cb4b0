package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/crypto/bcrypt"
)

// ErrUserExists is returned when creating a username that is already taken.
var ErrUserExists = errors.New("user already exists")

// usernamePattern restricts usernames to valid KV key characters.
var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_=.-]{1,64}$`)

// User is a login account. Only the bcrypt hash of the password is kept.
type User struct {
	Username     string    `json:"username"`
	PasswordHash []byte    `json:"password_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

// UserStore keeps user accounts in a KV bucket keyed by username.
type UserStore struct {
	bucket Bucket
	cost   int
	now    func() time.Time
}

// UserStoreOption configures a UserStore.
type UserStoreOption func(*UserStore)

// WithHashCost sets the bcrypt cost. Tests use bcrypt.MinCost.
func WithHashCost(cost int) UserStoreOption {
	return func(s *UserStore) {
		s.cost = cost
	}
}

// NewUserStore creates a UserStore on top of the given bucket.
func NewUserStore(bucket Bucket, opts ...UserStoreOption) (*UserStore, error) {
	if bucket == nil {
		return nil, fmt.Errorf("bucket required")
	}
	s := &UserStore{
		bucket: bucket,
		cost:   bcrypt.DefaultCost,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// OpenUserStore creates the users bucket if needed and returns a store on it.
func OpenUserStore(ctx context.Context, js jetstream.JetStream, bucketName string, opts ...UserStoreOption) (*UserStore, error) {
	if bucketName == "" {
		bucketName = BucketUsers
	}
	bucket, err := OpenKVBucket(ctx, js, bucketName, "Choreboard user accounts")
	if err != nil {
		return nil, fmt.Errorf("create users bucket: %w", err)
	}
	return NewUserStore(bucket, opts...)
}

// Create adds a user with a freshly salted password hash.
func (s *UserStore) Create(ctx context.Context, username, password string) error {
	user, err := s.newUser(username, password)
	if err != nil {
		return err
	}

	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}

	if _, err := s.bucket.Create(ctx, username, data); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return fmt.Errorf("%w: %s", ErrUserExists, username)
		}
		return fmt.Errorf("store user: %w", err)
	}
	return nil
}

// SetPassword replaces the password of an existing user.
func (s *UserStore) SetPassword(ctx context.Context, username, password string) error {
	entry, err := s.bucket.Get(ctx, username)
	if err != nil {
		return err
	}

	user, err := s.newUser(username, password)
	if err != nil {
		return err
	}
	var existing User
	if err := json.Unmarshal(entry.Value, &existing); err == nil {
		user.CreatedAt = existing.CreatedAt
	}

	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}
	if _, err := s.bucket.Update(ctx, username, data, entry.Revision); err != nil {
		if errors.Is(err, errRevisionMismatch) {
			return fmt.Errorf("%w: user %s", ErrConflict, username)
		}
		return fmt.Errorf("update user: %w", err)
	}
	return nil
}

// Verify checks a username/password pair. Unknown users and wrong passwords
// both report false without an error.
func (s *UserStore) Verify(ctx context.Context, username, password string) (bool, error) {
	if !usernamePattern.MatchString(username) {
		return false, nil
	}

	entry, err := s.bucket.Get(ctx, username)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var user User
	if err := json.Unmarshal(entry.Value, &user); err != nil {
		return false, fmt.Errorf("unmarshal user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, nil
		}
		return false, fmt.Errorf("compare password: %w", err)
	}
	return true, nil
}

func (s *UserStore) newUser(username, password string) (*User, error) {
	if !usernamePattern.MatchString(username) {
		return nil, NewValidationError("username", "must match %s", usernamePattern.String())
	}
	if password == "" {
		return nil, NewValidationError("password", "password is required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	return &User{
		Username:     username,
		PasswordHash: hash,
		CreatedAt:    s.now(),
	}, nil
}
