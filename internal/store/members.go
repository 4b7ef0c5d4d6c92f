package store

import (
	"context"
	"database/sql"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/mybook/mymarket/internal/database"
	"github.com/mybook/mymarket/internal/models"
)

type JoinMemberRequest struct {
	Nickname string
	Password string
	UserName string
	Address  models.Address
}

// JoinMember registers a member. The duplicate-nickname check runs in the
// same transaction as the insert, so the domain-level uniqueness rule
// holds even before the unique index gets a say.
func JoinMember(ctx context.Context, db *sql.DB, req JoinMemberRequest) (*models.Member, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	member := &models.Member{}

	err = database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		var exists bool
		err := tx.QueryRowContext(ctx,
			"SELECT EXISTS(SELECT 1 FROM members WHERE nickname = $1)",
			req.Nickname).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check nickname: %w", err)
		}
		if exists {
			return database.ErrDuplicateMember
		}

		query := `
			INSERT INTO members (nickname, password_hash, user_name, city, street, zipcode, created_at, updated_at, version)
			VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW(), 1)
			RETURNING id, nickname, user_name, city, street, zipcode, created_at, updated_at, version`

		return tx.QueryRowContext(ctx, query,
			req.Nickname, string(hash), req.UserName,
			req.Address.City, req.Address.Street, req.Address.Zipcode).Scan(
			&member.ID,
			&member.Nickname,
			&member.UserName,
			&member.Address.City,
			&member.Address.Street,
			&member.Address.Zipcode,
			&member.CreatedAt,
			&member.UpdatedAt,
			&member.Version,
		)
	})
	if err != nil {
		return nil, err
	}

	return member, nil
}

// Authenticate resolves a login attempt. An unknown nickname and a wrong
// password are distinct failures.
func Authenticate(ctx context.Context, db *sql.DB, nickname, password string) (*models.Member, error) {
	member := &models.Member{}

	query := `
		SELECT id, nickname, password_hash, user_name, city, street, zipcode, created_at, updated_at, version
		FROM members
		WHERE nickname = $1`

	err := db.QueryRowContext(ctx, query, nickname).Scan(
		&member.ID,
		&member.Nickname,
		&member.PasswordHash,
		&member.UserName,
		&member.Address.City,
		&member.Address.Street,
		&member.Address.Zipcode,
		&member.CreatedAt,
		&member.UpdatedAt,
		&member.Version,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrMemberNotFound
		}
		return nil, fmt.Errorf("find member by nickname: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(member.PasswordHash), []byte(password)); err != nil {
		return nil, database.ErrInvalidCredentials
	}

	return member, nil
}

func GetMember(ctx context.Context, db *sql.DB, id int64) (*models.Member, error) {
	member := &models.Member{}

	query := `
		SELECT id, nickname, user_name, city, street, zipcode, created_at, updated_at, version
		FROM members
		WHERE id = $1`

	err := db.QueryRowContext(ctx, query, id).Scan(
		&member.ID,
		&member.Nickname,
		&member.UserName,
		&member.Address.City,
		&member.Address.Street,
		&member.Address.Zipcode,
		&member.CreatedAt,
		&member.UpdatedAt,
		&member.Version,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrMemberNotFound
		}
		return nil, fmt.Errorf("get member: %w", err)
	}

	return member, nil
}

type UpdateMemberRequest struct {
	Nickname string
	Password string
	UserName string
	Address  models.Address
}

// UpdateMember rewrites a member's profile. When the nickname changes the
// duplicate check runs again, inside the same transaction as the update.
func UpdateMember(ctx context.Context, db *sql.DB, id int64, req UpdateMemberRequest) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	return database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx,
			"SELECT nickname FROM members WHERE id = $1 FOR UPDATE",
			id).Scan(&current)
		if err != nil {
			if err == sql.ErrNoRows {
				return database.ErrMemberNotFound
			}
			return fmt.Errorf("lock member: %w", err)
		}

		if current != req.Nickname {
			var exists bool
			err := tx.QueryRowContext(ctx,
				"SELECT EXISTS(SELECT 1 FROM members WHERE nickname = $1)",
				req.Nickname).Scan(&exists)
			if err != nil {
				return fmt.Errorf("check nickname: %w", err)
			}
			if exists {
				return database.ErrDuplicateMember
			}
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE members
			 SET nickname = $1, password_hash = $2, user_name = $3,
			     city = $4, street = $5, zipcode = $6,
			     updated_at = NOW(), version = version + 1
			 WHERE id = $7`,
			req.Nickname, string(hash), req.UserName,
			req.Address.City, req.Address.Street, req.Address.Zipcode, id)
		if err != nil {
			return fmt.Errorf("update member: %w", err)
		}

		return nil
	})
}

func ListMembers(ctx context.Context, db *sql.DB, page, pageSize int) (*OffsetPage, error) {
	var total int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM members`).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("count members: %w", err)
	}

	offset := (page - 1) * pageSize
	query := `
		SELECT id, nickname, user_name, city, street, zipcode, created_at, updated_at, version
		FROM members
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`

	rows, err := db.QueryContext(ctx, query, pageSize, offset)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var members []models.Member
	for rows.Next() {
		var member models.Member
		err := rows.Scan(
			&member.ID,
			&member.Nickname,
			&member.UserName,
			&member.Address.City,
			&member.Address.Street,
			&member.Address.Zipcode,
			&member.CreatedAt,
			&member.UpdatedAt,
			&member.Version,
		)
		if err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, member)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return NewOffsetPage(members, total, page, pageSize), nil
}
