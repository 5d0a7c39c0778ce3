package ledger

import (
	"context"
	"database/sql"
)

func execAll(ctx context.Context, tx *sql.Tx, stmts ...string) error {
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "create event tables",
		Up: func(ctx context.Context, tx *sql.Tx) error {
			return execAll(ctx, tx,
				`CREATE TABLE profile (
					id      INTEGER PRIMARY KEY,
					profile TEXT NOT NULL UNIQUE
				) STRICT`,
				`CREATE TABLE run (
					id               INTEGER PRIMARY KEY,
					run_datetime_iso TEXT NOT NULL UNIQUE,
					profile_id       INTEGER NOT NULL REFERENCES profile (id)
				) STRICT`,
				`CREATE TABLE backup_base_dir_for_profile (
					id      INTEGER PRIMARY KEY,
					bak_dir TEXT NOT NULL UNIQUE
				) STRICT`,
				`CREATE TABLE source_dir (
					id      INTEGER PRIMARY KEY,
					src_dir TEXT NOT NULL UNIQUE
				) STRICT`,
				`CREATE TABLE source (
					id         INTEGER PRIMARY KEY,
					src_dir_id INTEGER NOT NULL REFERENCES source_dir (id),
					src_path   TEXT NOT NULL,
					CONSTRAINT u_src_dir_id_src_path UNIQUE (src_dir_id, src_path)
				) STRICT`,
				`CREATE TABLE backup (
					id         INTEGER PRIMARY KEY AUTOINCREMENT,
					run_id     INTEGER NOT NULL REFERENCES run (id),
					reason     TEXT NOT NULL,
					bak_dir_id INTEGER NOT NULL REFERENCES backup_base_dir_for_profile (id),
					src_id     INTEGER NOT NULL REFERENCES source (id),
					bak_name   TEXT,
					blake2b    TEXT,
					CONSTRAINT u_bak_dir_id_src_id_bak_name UNIQUE (bak_dir_id, src_id, bak_name)
				) STRICT`,
				`CREATE INDEX i_backup_src_id ON backup (src_id)`,
				`CREATE TABLE unchanged (
					run_id INTEGER NOT NULL REFERENCES run (id),
					src_id INTEGER NOT NULL REFERENCES source (id),
					PRIMARY KEY (run_id, src_id)
				) STRICT`,
			)
		},
	},
	{
		Version:     2,
		Description: "track archives removed from disk",
		Up: func(ctx context.Context, tx *sql.Tx) error {
			return execAll(ctx, tx,
				`ALTER TABLE backup ADD COLUMN del_run_id INTEGER REFERENCES run (id)`,
			)
		},
	},
	{
		Version:     3,
		Description: "create v_backup view",
		Up: func(ctx context.Context, tx *sql.Tx) error {
			return execAll(ctx, tx, createBackupView)
		},
	},
	{
		// An archive that is written again after its source was deleted, or
		// after it went missing, gets a new event, so the triple is no
		// longer unique. Save keeps re-saves of the current archive a no-op.
		Version:     4,
		Description: "allow repeated events for one archive",
		Up: func(ctx context.Context, tx *sql.Tx) error {
			return execAll(ctx, tx,
				`DROP VIEW v_backup`,
				`CREATE TABLE backup_new (
					id         INTEGER PRIMARY KEY AUTOINCREMENT,
					run_id     INTEGER NOT NULL REFERENCES run (id),
					reason     TEXT NOT NULL,
					bak_dir_id INTEGER NOT NULL REFERENCES backup_base_dir_for_profile (id),
					src_id     INTEGER NOT NULL REFERENCES source (id),
					bak_name   TEXT,
					blake2b    TEXT,
					del_run_id INTEGER REFERENCES run (id)
				) STRICT`,
				`INSERT INTO backup_new (id, run_id, reason, bak_dir_id, src_id, bak_name, blake2b, del_run_id)
				 SELECT id, run_id, reason, bak_dir_id, src_id, bak_name, blake2b, del_run_id FROM backup`,
				`DROP TABLE backup`,
				`ALTER TABLE backup_new RENAME TO backup`,
				`CREATE INDEX i_backup_src_id ON backup (src_id)`,
				`CREATE INDEX i_backup_archive ON backup (bak_dir_id, src_id, bak_name)`,
				createBackupView,
			)
		},
	},
}

const createBackupView = `CREATE VIEW v_backup AS
	SELECT b.id, p.profile, r.run_datetime_iso, b.reason, d.bak_dir,
	       sd.src_dir, s.src_path, b.bak_name, b.blake2b, b.del_run_id
	FROM backup b
	JOIN run r ON r.id = b.run_id
	JOIN profile p ON p.id = r.profile_id
	JOIN backup_base_dir_for_profile d ON d.id = b.bak_dir_id
	JOIN source s ON s.id = b.src_id
	JOIN source_dir sd ON sd.id = s.src_dir_id`
