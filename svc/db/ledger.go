package db

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"secretboard/cfg"
	"secretboard/pkg/boardcrypto"
	"secretboard/pkg/domain"
)

// AppendMessage finalizes the sealed value behind p.Handle and appends the
// message in one transaction. Either both happen or neither does.
func (s *Store) AppendMessage(ctx context.Context, p domain.PostParams, destination boardcrypto.Address, now int64) (*domain.Message, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	msg, err := s.appendTx(queryCtx, p, destination, now)
	s.recordError(err)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, errors.Wrap(domain.ErrHandleUsed, "append message")
		}
		return nil, err
	}
	return msg, nil
}

func (s *Store) appendTx(ctx context.Context, p domain.PostParams, destination boardcrypto.Address, now int64) (*domain.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	if s.driver == cfg.DriverPostgres {
		if _, err := tx.ExecContext(ctx, "LOCK TABLE messages IN EXCLUSIVE MODE"); err != nil {
			return nil, errors.Wrap(err, "lock messages")
		}
	}

	var author, dest string
	var finalized int
	err = tx.QueryRowContext(ctx,
		s.rebind(`SELECT author, destination, finalized FROM sealed_values WHERE handle = ?`),
		p.Handle.Hex(),
	).Scan(&author, &dest, &finalized)
	if err == sql.ErrNoRows {
		return nil, domain.ErrHandleUnknown
	}
	if err != nil {
		return nil, errors.Wrap(err, "load sealed value")
	}
	if author != p.Author.Hex() {
		return nil, errors.Wrap(domain.ErrInvalidProof, "handle sealed by another author")
	}
	if dest != destination.Hex() {
		return nil, domain.ErrWrongDestination
	}
	if finalized != 0 {
		return nil, domain.ErrHandleUsed
	}

	res, err := tx.ExecContext(ctx,
		s.rebind(`UPDATE sealed_values SET finalized = 1 WHERE handle = ? AND finalized = 0`),
		p.Handle.Hex(),
	)
	if err != nil {
		return nil, errors.Wrap(err, "finalize handle")
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return nil, domain.ErrHandleUsed
	}

	var next int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(id) + 1, 0) FROM messages`).Scan(&next); err != nil {
		return nil, errors.Wrap(err, "next message id")
	}
	msg := &domain.Message{
		ID:         uint64(next),
		Author:     p.Author,
		Timestamp:  now,
		Ciphertext: p.Ciphertext,
		KeyHandle:  p.Handle,
	}
	_, err = tx.ExecContext(ctx,
		s.rebind(`INSERT INTO messages (id, author, timestamp, ciphertext, key_handle) VALUES (?, ?, ?, ?, ?)`),
		next, msg.Author.Hex(), msg.Timestamp, msg.Ciphertext, msg.KeyHandle.Hex(),
	)
	if err != nil {
		return nil, errors.Wrap(err, "insert message")
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit")
	}
	return msg, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (domain.Message, error) {
	var m domain.Message
	var id int64
	var author, handle string
	if err := row.Scan(&id, &author, &m.Timestamp, &m.Ciphertext, &handle); err != nil {
		return m, err
	}
	m.ID = uint64(id)
	var err error
	if m.Author, err = boardcrypto.ParseAddress(author); err != nil {
		return m, errors.Wrapf(domain.ErrMalformedRecord, "message %d author", id)
	}
	if m.KeyHandle, err = domain.ParseHandle(handle); err != nil {
		return m, errors.Wrapf(domain.ErrMalformedRecord, "message %d handle", id)
	}
	return m, nil
}

// Messages returns every message in insertion order.
func (s *Store) Messages(ctx context.Context) ([]domain.Message, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(queryCtx,
		`SELECT id, author, timestamp, ciphertext, key_handle FROM messages ORDER BY id`)
	if err != nil {
		s.recordError(err)
		return nil, errors.Wrap(err, "list messages")
	}
	defer rows.Close()
	out := []domain.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		out = append(out, m)
	}
	err = rows.Err()
	s.recordError(err)
	return out, errors.Wrap(err, "list messages")
}

func (s *Store) Message(ctx context.Context, id uint64) (*domain.Message, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	m, err := scanMessage(s.db.QueryRowContext(queryCtx,
		s.rebind(`SELECT id, author, timestamp, ciphertext, key_handle FROM messages WHERE id = ?`),
		int64(id),
	))
	if err == sql.ErrNoRows {
		return nil, domain.ErrMessageDoesNotExist
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "get message")
	}
	return &m, nil
}

func (s *Store) Count(ctx context.Context) (uint64, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var n int64
	err := s.db.QueryRowContext(queryCtx, `SELECT COUNT(*) FROM messages`).Scan(&n)
	s.recordError(err)
	if err != nil {
		return 0, errors.Wrap(err, "count messages")
	}
	return uint64(n), nil
}

func (s *Store) PutSealed(ctx context.Context, v domain.SealedValue) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	_, err := s.db.ExecContext(queryCtx,
		s.rebind(`INSERT INTO sealed_values (handle, sealed, author, destination, finalized, created_at) VALUES (?, ?, ?, ?, 0, ?)`),
		v.Handle.Hex(), v.Sealed, v.Author.Hex(), v.Destination.Hex(), v.CreatedAt,
	)
	s.recordError(err)
	if isUniqueViolation(err) {
		return errors.Wrap(domain.ErrHandleUsed, "put sealed")
	}
	return errors.Wrap(err, "put sealed")
}

func (s *Store) GetSealed(ctx context.Context, h domain.Handle) (domain.SealedValue, error) {
	v := domain.SealedValue{Handle: h}
	if err := s.checkCircuit(); err != nil {
		return v, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var author, dest string
	var finalized int
	err := s.db.QueryRowContext(queryCtx,
		s.rebind(`SELECT sealed, author, destination, finalized, created_at FROM sealed_values WHERE handle = ?`),
		h.Hex(),
	).Scan(&v.Sealed, &author, &dest, &finalized, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return v, domain.ErrHandleUnknown
	}
	s.recordError(err)
	if err != nil {
		return v, errors.Wrap(err, "get sealed")
	}
	v.Finalized = finalized != 0
	if v.Author, err = boardcrypto.ParseAddress(author); err != nil {
		return v, errors.Wrap(err, "sealed author")
	}
	if v.Destination, err = boardcrypto.ParseAddress(dest); err != nil {
		return v, errors.Wrap(err, "sealed destination")
	}
	return v, nil
}
