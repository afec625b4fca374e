package interfaces

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX абстрагирует *pgxpool.Pool и pgx.Tx: репозитории принимают его,
// чтобы один и тот же метод работал и в транзакции, и вне ее.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxBeginner открывает транзакции. Его реализует *pgxpool.Pool; в тестах
// подменяется заглушкой.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}
