package db

import (
	"github.com/jmoiron/sqlx"
)

// In expands `IN (?)` placeholders for slice arguments and rebinds the
// query for postgres
func In(query string, args ...interface{}) (string, []interface{}, error) {
	q, a, err := sqlx.In(query, args...)
	if err != nil {
		return "", nil, err
	}
	return sqlx.Rebind(sqlx.DOLLAR, q), a, nil
}
