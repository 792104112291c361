// Package auth implements the credential gate: registration and login against
// a users table, with bcrypt-hashed passwords.
package auth

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/YuminosukeSato/respirex/pkg/errors"
	"github.com/YuminosukeSato/respirex/pkg/log"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// ErrInvalidCredentials is returned by Login for an unknown email or a wrong
// password. The two cases are deliberately indistinguishable.
var ErrInvalidCredentials = errors.New("invalid credentials")

// User is a row of the users table. Password holds the bcrypt hash.
type User struct {
	ID       uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	Email    string `gorm:"type:text;uniqueIndex;not null" json:"email"`
	Password string `gorm:"type:text;not null" json:"-"`
}

// Store is the credentials table.
type Store struct {
	db     *gorm.DB
	cost   int
	logger log.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithBcryptCost sets the hashing cost for new passwords.
func WithBcryptCost(cost int) Option {
	return func(s *Store) {
		s.cost = cost
	}
}

// Open opens (creating if needed) the SQLite database at path and migrates
// the users table. ":memory:" gives a private in-memory database.
func Open(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, errors.NewValidationError("database.path", "must not be empty", path)
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrapf(err, "failed to create database directory for %s", path)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		TranslateError: true,
		Logger:         newGormLogger(log.GetLoggerWithName("auth.gorm")),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database %s", path)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise see its own empty database
		sqlDB, err := db.DB()
		if err != nil {
			return nil, errors.Wrap(err, "failed to get database handle")
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return New(db, opts...)
}

// New wraps an existing connection and migrates the users table.
func New(db *gorm.DB, opts ...Option) (*Store, error) {
	s := &Store{
		db:     db,
		cost:   bcrypt.DefaultCost,
		logger: log.GetLoggerWithName("auth.store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cost < bcrypt.MinCost || s.cost > bcrypt.MaxCost {
		return nil, errors.NewValidationError("auth.bcrypt_cost",
			"must be between bcrypt.MinCost and bcrypt.MaxCost", s.cost)
	}
	if err := db.AutoMigrate(&User{}); err != nil {
		return nil, errors.Wrap(err, "failed to migrate users table")
	}
	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.Wrap(err, "failed to get database handle")
	}
	return sqlDB.Close()
}

// Register inserts a new user. A duplicate email yields a
// *errors.StorageIntegrityError. Emails are stored as given; matching is
// exact.
func (s *Store) Register(ctx context.Context, email, password string) (*User, error) {
	if err := validateCredentials(email, password); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if errors.Is(err, bcrypt.ErrPasswordTooLong) {
		return nil, errors.NewInputValidationError("password", "", "must be at most 72 bytes")
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to hash password")
	}

	user := &User{Email: email, Password: string(hash)}
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		if isDuplicate(err) {
			s.logger.Warn("Registration with existing email", "email", email)
			return nil, errors.NewStorageIntegrityError("user", email)
		}
		return nil, errors.Wrap(err, "failed to create user")
	}

	s.logger.Info("User registered", "user_id", user.ID, "email", email)
	return user, nil
}

// Login returns the user whose email matches exactly and whose stored hash
// matches password. Otherwise it returns ErrInvalidCredentials.
func (s *Store) Login(ctx context.Context, email, password string) (*User, error) {
	if err := validateCredentials(email, password); err != nil {
		return nil, err
	}

	var user User
	err := s.db.WithContext(ctx).Where("email = ?", email).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		s.logger.Warn("Login attempt with unknown email", "email", email)
		return nil, errors.WithStack(ErrInvalidCredentials)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to look up user")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)); err != nil {
		s.logger.Warn("Invalid password attempt", "user_id", user.ID)
		return nil, errors.WithStack(ErrInvalidCredentials)
	}

	s.logger.Info("User logged in", "user_id", user.ID)
	return &user, nil
}

func validateCredentials(email, password string) error {
	if strings.TrimSpace(email) == "" {
		return errors.NewInputValidationError("email", email, "must not be empty")
	}
	if password == "" {
		return errors.NewInputValidationError("password", "", "must not be empty")
	}
	return nil
}

func isDuplicate(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey) ||
		strings.Contains(err.Error(), "UNIQUE constraint failed")
}
