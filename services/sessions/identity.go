package sessions

import (
	"context"
	"errors"
	"path"
	"regexp"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	maxUsernameLen = 100
	maxPathLen     = 1000
)

var (
	hashPattern      = regexp.MustCompile(`^[0-9a-f]{64}$`)
	drivePathPattern = regexp.MustCompile(`^[A-Za-z]:/`)
)

// ResolveOrCreateUser returns the id for username, creating the user on
// first sight. Concurrent callers converge on the same row.
func (s *Service) ResolveOrCreateUser(ctx context.Context, username string) (uuid.UUID, error) {
	username, err := normalizeUsername(username)
	if err != nil {
		return uuid.Nil, err
	}

	var id uuid.UUID
	err = s.read(ctx, func(orm *gorm.DB) error {
		row := userModel{ID: uuid.New(), Username: username, CreatedAt: s.now()}
		if err := orm.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "username"}},
			DoNothing: true,
		}).Create(&row).Error; err != nil {
			return err
		}

		var existing userModel
		if err := orm.Select("id").Where("username = ?", username).Take(&existing).Error; err != nil {
			return err
		}
		id = existing.ID
		return nil
	})
	return id, err
}

// ResolveOrCreateFile returns the id for an absolute file path, creating the
// file row on first sight.
func (s *Service) ResolveOrCreateFile(ctx context.Context, filePath string) (uuid.UUID, error) {
	filePath, err := normalizePath(filePath)
	if err != nil {
		return uuid.Nil, err
	}

	var id uuid.UUID
	err = s.read(ctx, func(orm *gorm.DB) error {
		row := fileModel{ID: uuid.New(), FilePath: filePath, FileName: path.Base(filePath), CreatedAt: s.now()}
		if err := orm.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "file_path"}},
			DoNothing: true,
		}).Create(&row).Error; err != nil {
			return err
		}

		var existing fileModel
		if err := orm.Select("id").Where("file_path = ?", filePath).Take(&existing).Error; err != nil {
			return err
		}
		id = existing.ID
		return nil
	})
	return id, err
}

// LookupUser finds an existing user without creating one.
func (s *Service) LookupUser(ctx context.Context, username string) (User, error) {
	username, err := normalizeUsername(username)
	if err != nil {
		return User{}, err
	}

	var row userModel
	err = s.read(ctx, func(orm *gorm.DB) error {
		err := orm.Where("username = ?", username).Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrUserNotFound
		}
		return err
	})
	if err != nil {
		return User{}, err
	}
	return User{ID: row.ID, Username: row.Username, Email: row.Email, CreatedAt: row.CreatedAt.UTC()}, nil
}

func normalizeUsername(username string) (string, error) {
	username = strings.TrimSpace(username)
	if username == "" || len(username) > maxUsernameLen {
		return "", ErrInvalidUsername
	}
	for _, r := range username {
		if unicode.IsControl(r) {
			return "", ErrInvalidUsername
		}
	}
	return username, nil
}

// normalizePath converts separators to forward slashes and requires an
// absolute path: POSIX, drive-letter or UNC.
func normalizePath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" || len(p) > maxPathLen || strings.ContainsRune(p, 0) {
		return "", ErrInvalidPath
	}
	p = strings.ReplaceAll(p, `\`, "/")

	switch {
	case strings.HasPrefix(p, "//"):
		return "//" + strings.TrimPrefix(path.Clean("/"+strings.TrimLeft(p, "/")), "/"), nil
	case strings.HasPrefix(p, "/"):
		return path.Clean(p), nil
	case drivePathPattern.MatchString(p):
		return p[:2] + path.Clean(p[2:]), nil
	}
	return "", ErrInvalidPath
}

// normalizeHash validates an optional SHA-256 fingerprint. Empty means absent.
func normalizeHash(h string) (*string, error) {
	h = strings.ToLower(strings.TrimSpace(h))
	if h == "" {
		return nil, nil
	}
	if !hashPattern.MatchString(h) {
		return nil, ErrInvalidHash
	}
	return &h, nil
}
