package sqlite

func (s *Storage) RunMigrations() error {
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id VARCHAR NOT NULL PRIMARY KEY,
		email VARCHAR NOT NULL,
		status VARCHAR NOT NULL DEFAULT "active",
		tier VARCHAR NOT NULL DEFAULT "standard",
		cooldown_until DATETIME NULL DEFAULT NULL,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS credentials (
		account_id VARCHAR NOT NULL PRIMARY KEY,
		access_token TEXT NOT NULL,
		refresh_token TEXT NOT NULL,
		expiry DATETIME NOT NULL,
		scope VARCHAR NOT NULL DEFAULT "",
		updated_at DATETIME NOT NULL,
		FOREIGN KEY (account_id) REFERENCES accounts (id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS calendars (
		id VARCHAR NOT NULL PRIMARY KEY,
		account_id VARCHAR NOT NULL,
		provider_id VARCHAR NOT NULL,
		name VARCHAR NOT NULL,
		color VARCHAR NOT NULL DEFAULT "",
		sync_enabled BOOLEAN NOT NULL DEFAULT TRUE,
		last_synced_at DATETIME NULL DEFAULT NULL,
		UNIQUE (account_id, provider_id),
		FOREIGN KEY (account_id) REFERENCES accounts (id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		calendar_id VARCHAR NOT NULL,
		provider_id VARCHAR NOT NULL,
		title VARCHAR NOT NULL DEFAULT "",
		description TEXT NOT NULL DEFAULT "",
		location VARCHAR NOT NULL DEFAULT "",
		starts_at DATETIME NOT NULL,
		ends_at DATETIME NOT NULL,
		all_day BOOLEAN NOT NULL DEFAULT FALSE,
		status VARCHAR NOT NULL DEFAULT "confirmed",
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (calendar_id, provider_id),
		FOREIGN KEY (calendar_id) REFERENCES calendars (id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS webhook_channels (
		calendar_id VARCHAR NOT NULL PRIMARY KEY,
		channel_id VARCHAR NOT NULL UNIQUE,
		resource_id VARCHAR NOT NULL,
		expires_at DATETIME NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (calendar_id) REFERENCES calendars (id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS sync_jobs (
		id VARCHAR NOT NULL PRIMARY KEY,
		account_id VARCHAR NOT NULL,
		trigger_source VARCHAR NOT NULL,
		calendars_updated INTEGER NOT NULL DEFAULT 0,
		events_upserted INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT "",
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS notification_prefs (
		account_id VARCHAR NOT NULL PRIMARY KEY,
		digest_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		digest_hour INTEGER NOT NULL DEFAULT 8,
		reminders_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		reminder_lead_minutes INTEGER NOT NULL DEFAULT 10,
		FOREIGN KEY (account_id) REFERENCES accounts (id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS devices (
		token VARCHAR NOT NULL PRIMARY KEY,
		account_id VARCHAR NOT NULL,
		platform VARCHAR NOT NULL DEFAULT "",
		created_at DATETIME NOT NULL,
		FOREIGN KEY (account_id) REFERENCES accounts (id) ON DELETE CASCADE
	)`,
}
