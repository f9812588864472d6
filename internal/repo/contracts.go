package repo

import (
	"context"
	"database/sql"
	"strings"

	"gigflow/internal/domain"
)

const contractColumns = `id,title,description,content,version,client_id,freelancer_id,status,client_signed_at,freelancer_signed_at,expires_at,created_at,updated_at`

func (r Repo) InsertContract(ctx context.Context, tx *sql.Tx, c domain.Contract) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO contracts(`+contractColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.Title, nullable(c.Description), c.Content, c.Version, c.ClientID, c.FreelancerID, c.Status,
		nullableStringPtr(c.ClientSignedAt), nullableStringPtr(c.FreelancerSignedAt), nullableStringPtr(c.ExpiresAt),
		c.CreatedAt, c.UpdatedAt)
	return err
}

func (r Repo) GetContract(ctx context.Context, id string) (domain.Contract, error) {
	return scanContract(r.DB.QueryRowContext(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id=?`, id))
}

func (r Repo) GetContractTx(ctx context.Context, tx *sql.Tx, id string) (domain.Contract, error) {
	return scanContract(tx.QueryRowContext(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id=?`, id))
}

func scanContract(row *sql.Row) (domain.Contract, error) {
	var c domain.Contract
	var desc, clientSigned, freelancerSigned, expires sql.NullString
	err := row.Scan(&c.ID, &c.Title, &desc, &c.Content, &c.Version, &c.ClientID, &c.FreelancerID, &c.Status,
		&clientSigned, &freelancerSigned, &expires, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if desc.Valid {
		c.Description = desc.String
	}
	if clientSigned.Valid {
		c.ClientSignedAt = &clientSigned.String
	}
	if freelancerSigned.Valid {
		c.FreelancerSignedAt = &freelancerSigned.String
	}
	if expires.Valid {
		c.ExpiresAt = &expires.String
	}
	return c, nil
}

type ContractFilters struct {
	Status       string
	ClientID     string
	FreelancerID string
	Limit        int
}

func (r Repo) ListContracts(ctx context.Context, f ContractFilters) ([]domain.Contract, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ClientID != "" {
		clauses = append(clauses, "client_id=?")
		args = append(args, f.ClientID)
	}
	if f.FreelancerID != "" {
		clauses = append(clauses, "freelancer_id=?")
		args = append(args, f.FreelancerID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + contractColumns + ` FROM contracts ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Contract
	for rows.Next() {
		var c domain.Contract
		var desc, clientSigned, freelancerSigned, expires sql.NullString
		if err := rows.Scan(&c.ID, &c.Title, &desc, &c.Content, &c.Version, &c.ClientID, &c.FreelancerID, &c.Status,
			&clientSigned, &freelancerSigned, &expires, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		if desc.Valid {
			c.Description = desc.String
		}
		if clientSigned.Valid {
			c.ClientSignedAt = &clientSigned.String
		}
		if freelancerSigned.Valid {
			c.FreelancerSignedAt = &freelancerSigned.String
		}
		if expires.Valid {
			c.ExpiresAt = &expires.String
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// TransitionContract applies a status change conditioned on the current
// status. It reports false when the row was not in fromStatus anymore, which
// is how a lost signing race surfaces.
func (r Repo) TransitionContract(ctx context.Context, tx *sql.Tx, c domain.Contract, fromStatus string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE contracts SET status=?, client_signed_at=?, freelancer_signed_at=?, updated_at=? WHERE id=? AND status=?`,
		c.Status, nullableStringPtr(c.ClientSignedAt), nullableStringPtr(c.FreelancerSignedAt), c.UpdatedAt, c.ID, fromStatus)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UpdateContractContent rewrites the editable fields and bumps version,
// conditioned on the expected current version (optimistic lock).
func (r Repo) UpdateContractContent(ctx context.Context, tx *sql.Tx, c domain.Contract, expectedVersion int) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE contracts SET title=?, description=?, content=?, expires_at=?, version=?, updated_at=? WHERE id=? AND version=?`,
		c.Title, nullable(c.Description), c.Content, nullableStringPtr(c.ExpiresAt), c.Version, c.UpdatedAt, c.ID, expectedVersion)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
