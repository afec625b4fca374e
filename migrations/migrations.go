// Package migrations встраивает SQL-миграции схемы в бинарник, чтобы
// сервер и воркер накатывали их при старте без внешних файлов.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
