package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// RollingCode returns the stored rolling code for an RTS remote address and
// whether one was found.
func (db *DB) RollingCode(address string) (int, bool, error) {
	var code int
	err := db.QueryRow(`SELECT rolling_code FROM rts_remotes WHERE address = ?`,
		strings.ToUpper(address)).Scan(&code)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read rolling code for %s: %w", address, err)
	}
	return code, true, nil
}

// SetRollingCode stores the rolling code the remote should use next.
func (db *DB) SetRollingCode(address string, code int) error {
	_, err := db.Exec(
		`INSERT INTO rts_remotes (address, rolling_code, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(address) DO UPDATE SET
			rolling_code = excluded.rolling_code,
			updated_at = CURRENT_TIMESTAMP`,
		strings.ToUpper(address), code)
	if err != nil {
		return fmt.Errorf("failed to store rolling code for %s: %w", address, err)
	}
	return nil
}
