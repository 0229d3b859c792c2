package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"strings"

	"github.com/c360/openhim-core/errors"
	"github.com/c360/openhim-core/transaction"
)

// Get returns the transaction with id
func (s *Store) Get(ctx context.Context, id string) (*transaction.Transaction, error) {
	if err := transaction.ValidateID(id); err != nil {
		return nil, err
	}

	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM transactions WHERE id = ?`, id).Scan(&doc)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, notFound("SQLStore", "Get", "transaction "+id)
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "SQLStore", "Get", "query transaction")
	}
	return decodeTransaction(doc)
}

// List returns the page of transactions matching filter, newest request
// first. Transactions without a request timestamp sort last.
func (s *Store) List(ctx context.Context, filter transaction.Filter) ([]*transaction.Transaction, error) {
	if filter.Restricted() {
		return []*transaction.Transaction{}, nil
	}

	var (
		where []string
		args  []any
	)
	if filter.ChannelIDs != nil {
		where = append(where, `channel_id IN (`+placeholders(len(filter.ChannelIDs))+`)`)
		args = append(args, stringArgs(filter.ChannelIDs)...)
	}
	if filter.ClientID != "" {
		where = append(where, `client_id = ?`)
		args = append(args, filter.ClientID)
	}
	if filter.Status != "" {
		where = append(where, `status = ?`)
		args = append(args, filter.Status)
	}

	query := `SELECT doc FROM transactions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY request_ts DESC, id ASC LIMIT ? OFFSET ?`
	args = append(args, filter.PageSize(), filter.Offset())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.WrapTransient(err, "SQLStore", "List", "query transactions")
	}
	defer rows.Close()

	txs := []*transaction.Transaction{}
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, errors.WrapTransient(err, "SQLStore", "List", "scan transaction")
		}
		tx, err := decodeTransaction(doc)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "SQLStore", "List", "iterate transactions")
	}
	return txs, nil
}

// Create inserts tx, assigning an id when it has none
func (s *Store) Create(ctx context.Context, tx *transaction.Transaction) error {
	if tx.ID == "" {
		tx.ID = transaction.NewID()
	} else if err := transaction.ValidateID(tx.ID); err != nil {
		return err
	}

	doc, err := json.Marshal(tx)
	if err != nil {
		return errors.WrapInvalid(err, "SQLStore", "Create", "encode transaction")
	}

	var ts int64
	if tx.Request != nil && tx.Request.Timestamp != nil {
		ts = tx.Request.Timestamp.UnixNano()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO transactions (id, client_id, channel_id, status, request_ts, doc)
		VALUES (?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.ClientID, tx.ChannelID, tx.Status, ts, string(doc))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return errors.WrapInvalid(err, "SQLStore", "Create", "insert transaction "+tx.ID)
		}
		return errors.WrapTransient(err, "SQLStore", "Create", "insert transaction "+tx.ID)
	}
	return nil
}

// Delete removes the transaction with id
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := transaction.ValidateID(id); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM transactions WHERE id = ?`, id)
	if err != nil {
		return errors.WrapTransient(err, "SQLStore", "Delete", "delete transaction")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.WrapTransient(err, "SQLStore", "Delete", "count deleted rows")
	}
	if n == 0 {
		return notFound("SQLStore", "Delete", "transaction "+id)
	}
	return nil
}

func decodeTransaction(doc string) (*transaction.Transaction, error) {
	var tx transaction.Transaction
	if err := json.Unmarshal([]byte(doc), &tx); err != nil {
		return nil, errors.WrapFatal(err, "SQLStore", "decodeTransaction", "decode document")
	}
	return &tx, nil
}
