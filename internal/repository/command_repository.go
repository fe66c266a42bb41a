package repository

import (
	"context"
	"database/sql"
)

// CommandRepo records which write-behind commands were already applied,
// turning at-least-once delivery into exactly-once effects.
type CommandRepo struct{}

func NewCommandRepo() *CommandRepo { return &CommandRepo{} }

// MarkProcessedTx claims commandID inside tx. It returns false when the
// command was applied before; the caller must then skip its effects.
// The claim is undone if tx rolls back.
func (r *CommandRepo) MarkProcessedTx(ctx context.Context, tx *sql.Tx, commandID, kind string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT IGNORE INTO processed_commands (command_id, kind) VALUES (?, ?)`, commandID, kind)
	if err != nil {
		return false, err
	}
	return affectedOne(res)
}
