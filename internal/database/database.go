package database

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	_ "github.com/mattn/go-sqlite3"
)

// ErrPersistence означает отказ локального хранилища. Вызов Enqueue с
// этой ошибкой должен провалить коммит бизнес-операции.
var ErrPersistence = errors.New("persistence error")

// ErrNotFound возвращается, когда элемент очереди или конфликт не найден.
var ErrNotFound = errors.New("not found")

type DB struct {
	*sql.DB
	logger *zerolog.Logger
}

func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	// Создаем директорию для БД, если её нет
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// WAL и busy_timeout: диспетчер и бизнес-слой пишут конкурентно.
	// _txlock=immediate — claim-транзакции сразу берут write lock
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Проверяем соединение
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Создаем таблицы
	if err := createTables(db); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	if logger != nil {
		logger.Info().Str("path", path).Msg("База данных инициализирована")
	}
	return &DB{DB: db, logger: logger}, nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		// Очередь синхронизации: одна строка на бизнес-мутацию
		`CREATE TABLE IF NOT EXISTS sync_queue (
            id TEXT PRIMARY KEY,
            entity_type TEXT NOT NULL,
            entity_id TEXT NOT NULL,
            operation TEXT NOT NULL,
            payload TEXT NOT NULL,
            priority INTEGER NOT NULL DEFAULT 1,
            status TEXT NOT NULL DEFAULT 'pending',
            attempt_count INTEGER NOT NULL DEFAULT 0,
            last_error TEXT,
            next_eligible_at DATETIME,
            origin_store_id TEXT NOT NULL,
            local_version INTEGER NOT NULL,
            created_at DATETIME NOT NULL,
            updated_at DATETIME NOT NULL,
            completed_at DATETIME
        )`,

		// Записи конфликтов, ссылаются на исходный элемент очереди
		`CREATE TABLE IF NOT EXISTS conflict_records (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            item_id TEXT NOT NULL,
            entity_type TEXT NOT NULL,
            entity_id TEXT NOT NULL,
            local_version INTEGER NOT NULL,
            remote_version INTEGER NOT NULL,
            local_payload TEXT NOT NULL,
            remote_payload TEXT NOT NULL,
            resolution TEXT NOT NULL,
            resolved_payload TEXT,
            status TEXT NOT NULL DEFAULT 'open',
            created_at DATETIME NOT NULL,
            resolved_at DATETIME
        )`,

		// Подтвержденные центральной системой версии по сущностям:
		// локальная версия для защиты от устаревших повторов и
		// последняя известная версия на сервере для optimistic locking
		`CREATE TABLE IF NOT EXISTS applied_versions (
            entity_type TEXT NOT NULL,
            entity_id TEXT NOT NULL,
            applied_version INTEGER NOT NULL,
            remote_version INTEGER NOT NULL DEFAULT 0,
            updated_at DATETIME NOT NULL,
            PRIMARY KEY (entity_type, entity_id)
        )`,

		// Индекс для выборки готовых элементов
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_ready ON sync_queue(status, next_eligible_at, priority, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_entity ON sync_queue(entity_type, entity_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_conflict_records_status ON conflict_records(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_conflict_records_item ON conflict_records(item_id)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

func (db *DB) Close() error {
	return db.DB.Close()
}
