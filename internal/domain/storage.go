package domain

// StorageBackend represents the type of durable token storage.
type StorageBackend string

const (
	// StorageBackendMemory keeps values in process memory only.
	StorageBackendMemory StorageBackend = "memory"
	// StorageBackendFile stores values in a single JSON file.
	StorageBackendFile StorageBackend = "file"
	// StorageBackendPass uses the pass password manager.
	StorageBackendPass StorageBackend = "pass"
	// StorageBackendSQLite stores values in a SQLite database.
	StorageBackendSQLite StorageBackend = "sqlite"
	// StorageBackendRedis stores values in Redis.
	StorageBackendRedis StorageBackend = "redis"
)
