package sqlstore

import (
	"context"

	sq "github.com/Masterminds/squirrel"
	"github.com/pkg/errors"

	"github.com/pliu/teamchat/internal/models"
)

var userColumns = []string{"id", "username", "display_name", "avatar_url", "password_hash", "created_at"}

func (s *SQLStore) CreateUser(ctx context.Context, user *models.User) error {
	_, err := s.exec(ctx, s.db, s.sb.Insert("users").
		Columns(userColumns...).
		Values(user.ID, user.Username, user.DisplayName, user.AvatarURL, user.PasswordHash, user.CreatedAt.UTC()))
	return translate(err, "sqlstore.CreateUser", "user")
}

func (s *SQLStore) getUser(ctx context.Context, where sq.Eq) (*models.User, error) {
	var u models.User
	err := s.scanRow(ctx, s.db, s.sb.Select(userColumns...).From("users").Where(where),
		&u.ID, &u.Username, &u.DisplayName, &u.AvatarURL, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		return nil, translate(err, "sqlstore.getUser", "user")
	}
	return &u, nil
}

func (s *SQLStore) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	return s.getUser(ctx, sq.Eq{"id": id})
}

func (s *SQLStore) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return s.getUser(ctx, sq.Eq{"username": username})
}

func (s *SQLStore) SearchUsers(ctx context.Context, queryStr string, limit int) ([]models.User, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.query(ctx, s.db, s.sb.Select(userColumns...).From("users").
		Where(sq.Like{"username": "%" + queryStr + "%"}).
		OrderBy("username").
		Limit(uint64(limit)))
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore.SearchUsers.Query")
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Username, &u.DisplayName, &u.AvatarURL, &u.PasswordHash, &u.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "sqlstore.SearchUsers.Scan")
		}
		users = append(users, u)
	}
	return users, errors.Wrap(rows.Err(), "sqlstore.SearchUsers.Rows")
}
