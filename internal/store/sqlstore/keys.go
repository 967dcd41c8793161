package sqlstore

import (
	"context"
	"database/sql"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/pkg/errors"

	"github.com/pliu/teamchat/internal/apperr"
	"github.com/pliu/teamchat/internal/models"
)

func (s *SQLStore) CreateKeyPair(ctx context.Context, kp *models.UserKeyPair) error {
	_, err := s.exec(ctx, s.db, s.sb.Insert("user_key_pairs").
		Columns("user_id", "public_key", "wrapped_ciphertext", "wrapped_salt", "wrapped_iv",
			"wrapped_iterations", "key_version", "created_at").
		Values(kp.UserID, kp.PublicKey, kp.WrappedPrivateKey.Ciphertext, kp.WrappedPrivateKey.Salt,
			kp.WrappedPrivateKey.IV, kp.WrappedPrivateKey.Iterations, kp.KeyVersion, kp.CreatedAt.UTC()))
	return translate(err, "sqlstore.CreateKeyPair", "key pair")
}

func (s *SQLStore) GetKeyPair(ctx context.Context, userID string) (*models.UserKeyPair, error) {
	var (
		kp        models.UserKeyPair
		rotatedAt sql.NullTime
	)
	err := s.scanRow(ctx, s.db, s.sb.Select("user_id", "public_key", "wrapped_ciphertext", "wrapped_salt",
		"wrapped_iv", "wrapped_iterations", "key_version", "created_at", "rotated_at").
		From("user_key_pairs").Where(sq.Eq{"user_id": userID}),
		&kp.UserID, &kp.PublicKey, &kp.WrappedPrivateKey.Ciphertext, &kp.WrappedPrivateKey.Salt,
		&kp.WrappedPrivateKey.IV, &kp.WrappedPrivateKey.Iterations, &kp.KeyVersion, &kp.CreatedAt, &rotatedAt)
	if err != nil {
		return nil, translate(err, "sqlstore.GetKeyPair", "key pair")
	}
	kp.RotatedAt = nullTimePtr(rotatedAt)
	return &kp, nil
}

func (s *SQLStore) RotateKeyPair(ctx context.Context, kp *models.UserKeyPair, rewrapped []models.RoomKey) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := s.execOne(ctx, tx, s.sb.Update("user_key_pairs").
			Set("public_key", kp.PublicKey).
			Set("wrapped_ciphertext", kp.WrappedPrivateKey.Ciphertext).
			Set("wrapped_salt", kp.WrappedPrivateKey.Salt).
			Set("wrapped_iv", kp.WrappedPrivateKey.IV).
			Set("wrapped_iterations", kp.WrappedPrivateKey.Iterations).
			Set("key_version", kp.KeyVersion).
			Set("rotated_at", timePtrUTC(kp.RotatedAt)).
			Where(sq.Eq{"user_id": kp.UserID, "key_version": kp.KeyVersion - 1}))
		if err != nil {
			return errors.Wrap(err, "sqlstore.RotateKeyPair.Update")
		}
		if !ok {
			return apperr.Conflict("key pair was rotated concurrently")
		}

		// Copies in rooms the user has left can no longer be fetched, so they
		// cannot be re-wrapped either.
		if _, err := s.exec(ctx, tx, s.sb.Delete("room_keys").
			Where(sq.Eq{"user_id": kp.UserID}).
			Where("room_id NOT IN (SELECT room_id FROM room_members WHERE user_id = ?)", kp.UserID)); err != nil {
			return errors.Wrap(err, "sqlstore.RotateKeyPair.DropStale")
		}
		if err := s.requireRewrapped(ctx, tx, kp.UserID, rewrapped); err != nil {
			return err
		}

		for _, rk := range rewrapped {
			ok, err := s.execOne(ctx, tx, s.sb.Update("room_keys").
				Set("wrapped_ciphertext", rk.WrappedKey.Ciphertext).
				Set("wrapped_iv", rk.WrappedKey.IV).
				Set("wrapper_id", rk.WrapperID).
				Set("wrapper_public_key", rk.WrapperPublicKey).
				Where(sq.Eq{"room_id": rk.RoomID, "user_id": kp.UserID, "version": rk.Version}))
			if err != nil {
				return errors.Wrap(err, "sqlstore.RotateKeyPair.UpdateRoomKey")
			}
			if !ok {
				return apperr.Newf(apperr.CodeNotFound, "room key %s not found", models.KeyID(rk.RoomID, rk.Version))
			}
		}

		_, err = s.exec(ctx, tx, s.sb.Update("room_members").
			Set("public_key", kp.PublicKey).
			Where(sq.Eq{"user_id": kp.UserID}))
		return errors.Wrap(err, "sqlstore.RotateKeyPair.UpdateMembers")
	})
}

// requireRewrapped fails unless rewrapped covers every copy userID holds.
// A copy left wrapped to the old pair would be unreadable for good.
func (s *SQLStore) requireRewrapped(ctx context.Context, q querier, userID string, rewrapped []models.RoomKey) error {
	covered := make(map[string]bool, len(rewrapped))
	for _, rk := range rewrapped {
		covered[models.KeyID(rk.RoomID, rk.Version)] = true
	}
	rows, err := s.query(ctx, q, s.sb.Select("room_id", "version").
		From("room_keys").Where(sq.Eq{"user_id": userID}).OrderBy("room_id", "version"))
	if err != nil {
		return errors.Wrap(err, "sqlstore.requireRewrapped.Query")
	}
	defer rows.Close()
	var missing []string
	for rows.Next() {
		var (
			roomID  string
			version int
		)
		if err := rows.Scan(&roomID, &version); err != nil {
			return errors.Wrap(err, "sqlstore.requireRewrapped.Scan")
		}
		if id := models.KeyID(roomID, version); !covered[id] {
			missing = append(missing, id)
		}
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "sqlstore.requireRewrapped.Rows")
	}
	if len(missing) > 0 {
		return apperr.Newf(apperr.CodeInvalidArgument, "rotation must re-wrap every held room key, missing %s", strings.Join(missing, ", "))
	}
	return nil
}

func (s *SQLStore) GetPublicKeys(ctx context.Context, userIDs []string) (map[string]string, error) {
	keys := make(map[string]string, len(userIDs))
	if len(userIDs) == 0 {
		return keys, nil
	}
	rows, err := s.query(ctx, s.db, s.sb.Select("user_id", "public_key").
		From("user_key_pairs").Where(sq.Eq{"user_id": userIDs}))
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore.GetPublicKeys.Query")
	}
	defer rows.Close()
	for rows.Next() {
		var id, pub string
		if err := rows.Scan(&id, &pub); err != nil {
			return nil, errors.Wrap(err, "sqlstore.GetPublicKeys.Scan")
		}
		keys[id] = pub
	}
	return keys, errors.Wrap(rows.Err(), "sqlstore.GetPublicKeys.Rows")
}

func (s *SQLStore) insertRoomKeyVersion(ctx context.Context, q querier, v *models.RoomKeyVersion) error {
	_, err := s.exec(ctx, q, s.sb.Insert("room_key_versions").
		Columns("room_id", "version", "key_id", "created_by", "created_at").
		Values(v.RoomID, v.Version, v.KeyID, v.CreatedBy, v.CreatedAt.UTC()))
	return translate(err, "sqlstore.insertRoomKeyVersion", "room key version")
}

func (s *SQLStore) insertRoomKey(ctx context.Context, q querier, rk *models.RoomKey, ignoreExisting bool) (bool, error) {
	b := s.sb.Insert("room_keys").
		Columns("room_id", "user_id", "version", "key_id", "wrapped_ciphertext", "wrapped_iv",
			"wrapper_id", "wrapper_public_key", "created_at").
		Values(rk.RoomID, rk.UserID, rk.Version, rk.KeyID, rk.WrappedKey.Ciphertext, rk.WrappedKey.IV,
			rk.WrapperID, rk.WrapperPublicKey, rk.CreatedAt.UTC())
	if ignoreExisting {
		b = b.Suffix("ON CONFLICT DO NOTHING")
	}
	res, err := s.exec(ctx, q, b)
	if err != nil {
		return false, translate(err, "sqlstore.insertRoomKey", "room key")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "sqlstore.insertRoomKey.RowsAffected")
	}
	return n > 0, nil
}

func (s *SQLStore) CreateRoomKeyVersion(ctx context.Context, v *models.RoomKeyVersion, copies []models.RoomKey) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.insertRoomKeyVersion(ctx, tx, v); err != nil {
			return err
		}
		ok, err := s.execOne(ctx, tx, s.sb.Update("rooms").
			Set("encryption_key_id", v.KeyID).
			Set("current_key_version", v.Version).
			Set("updated_at", v.CreatedAt.UTC()).
			Where(sq.Eq{"id": v.RoomID, "current_key_version": v.Version - 1}))
		if err != nil {
			return errors.Wrap(err, "sqlstore.CreateRoomKeyVersion.UpdateRoom")
		}
		if !ok {
			return apperr.Conflict("room key version already advanced")
		}

		holders := make([]string, 0, len(copies))
		for i := range copies {
			if _, err := s.insertRoomKey(ctx, tx, &copies[i], false); err != nil {
				return err
			}
			holders = append(holders, copies[i].UserID)
		}
		return s.setKeyPending(ctx, tx, v.RoomID, holders)
	})
}

// setKeyPending flags every member of the room except holders.
func (s *SQLStore) setKeyPending(ctx context.Context, q querier, roomID string, holders []string) error {
	if _, err := s.exec(ctx, q, s.sb.Update("room_members").
		Set("key_pending", true).
		Where(sq.Eq{"room_id": roomID})); err != nil {
		return errors.Wrap(err, "sqlstore.setKeyPending.Flag")
	}
	return s.clearKeyPending(ctx, q, roomID, holders)
}

func (s *SQLStore) clearKeyPending(ctx context.Context, q querier, roomID string, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	_, err := s.exec(ctx, q, s.sb.Update("room_members").
		Set("key_pending", false).
		Where(sq.Eq{"room_id": roomID, "user_id": userIDs}))
	return errors.Wrap(err, "sqlstore.clearKeyPending")
}

func (s *SQLStore) InsertRoomKeys(ctx context.Context, copies []models.RoomKey) ([]string, error) {
	var inserted []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		inserted = inserted[:0]
		current := map[string]int{}
		for i := range copies {
			rk := &copies[i]
			ok, err := s.insertRoomKey(ctx, tx, rk, true)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			inserted = append(inserted, rk.UserID)

			version, seen := current[rk.RoomID]
			if !seen {
				if err := s.scanRow(ctx, tx, s.sb.Select("current_key_version").From("rooms").
					Where(sq.Eq{"id": rk.RoomID}), &version); err != nil {
					return translate(err, "sqlstore.InsertRoomKeys.Room", "room")
				}
				current[rk.RoomID] = version
			}
			if rk.Version == version {
				if err := s.clearKeyPending(ctx, tx, rk.RoomID, []string{rk.UserID}); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

func (s *SQLStore) GetRoomKey(ctx context.Context, roomID, userID string, version int) (*models.RoomKey, error) {
	var rk models.RoomKey
	err := s.scanRow(ctx, s.db, s.sb.Select("room_id", "user_id", "version", "key_id", "wrapped_ciphertext",
		"wrapped_iv", "wrapper_id", "wrapper_public_key", "created_at").
		From("room_keys").
		Where(sq.Eq{"room_id": roomID, "user_id": userID, "version": version}),
		&rk.RoomID, &rk.UserID, &rk.Version, &rk.KeyID, &rk.WrappedKey.Ciphertext, &rk.WrappedKey.IV,
		&rk.WrapperID, &rk.WrapperPublicKey, &rk.CreatedAt)
	if err != nil {
		return nil, translate(err, "sqlstore.GetRoomKey", "room key")
	}
	return &rk, nil
}

func (s *SQLStore) ListRoomKeyVersions(ctx context.Context, roomID string) ([]models.RoomKeyVersion, error) {
	rows, err := s.query(ctx, s.db, s.sb.Select("room_id", "version", "key_id", "created_by", "created_at").
		From("room_key_versions").Where(sq.Eq{"room_id": roomID}).OrderBy("version"))
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore.ListRoomKeyVersions.Query")
	}
	defer rows.Close()

	var versions []models.RoomKeyVersion
	for rows.Next() {
		var v models.RoomKeyVersion
		if err := rows.Scan(&v.RoomID, &v.Version, &v.KeyID, &v.CreatedBy, &v.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "sqlstore.ListRoomKeyVersions.Scan")
		}
		versions = append(versions, v)
	}
	return versions, errors.Wrap(rows.Err(), "sqlstore.ListRoomKeyVersions.Rows")
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func timePtrUTC(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
