package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/paulschiretz/rumar/pkg/plog"
	"github.com/paulschiretz/rumar/pkg/util"
)

// Reason is the cause of a backup event.
type Reason string

const (
	Create Reason = "C"
	Update Reason = "U"
	Delete Reason = "D"
	Init   Reason = "I"
)

func (r Reason) String() string {
	switch r {
	case Create:
		return "CREATE"
	case Update:
		return "UPDATE"
	case Delete:
		return "DELETE"
	case Init:
		return "INIT"
	default:
		return string(r)
	}
}

// RunTimeLayout is the layout of run_datetime_iso. Rows written before
// microseconds were added sort ahead of newer ones within the same second.
const RunTimeLayout = "2006-01-02 15:04:05.000000-07:00"

// Run is one create, extract or sweep execution for a profile. All of its
// mutating calls commit immediately.
type Run struct {
	store *Store

	ID          int64
	DatetimeISO string
	Profile     string
	SourceDir   string
	BackupDir   string

	profileID int64
	srcDirID  int64
	bakDirID  int64
	srcIDs    map[string]int64
}

// BeginRun registers a new run. Run timestamps have microsecond precision
// and are unique; a collision is retried after a short delay.
func (s *Store) BeginRun(ctx context.Context, profile, sourceDir, backupDir string) (*Run, error) {
	r := &Run{
		store:     s,
		Profile:   profile,
		SourceDir: util.NormalizePath(sourceDir),
		BackupDir: util.NormalizePath(backupDir),
		srcIDs:    make(map[string]int64),
	}
	var err error
	if r.profileID, err = lookupOrInsert(ctx, s.db, "profile", "profile", profile); err != nil {
		return nil, err
	}
	if r.srcDirID, err = lookupOrInsert(ctx, s.db, "source_dir", "src_dir", r.SourceDir); err != nil {
		return nil, err
	}
	if r.bakDirID, err = lookupOrInsert(ctx, s.db, "backup_base_dir_for_profile", "bak_dir", r.BackupDir); err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		iso := s.now().Truncate(time.Microsecond).Format(RunTimeLayout)
		res, err := s.db.ExecContext(ctx,
			"INSERT INTO run (run_datetime_iso, profile_id) VALUES (?, ?)", iso, r.profileID)
		if err == nil {
			r.DatetimeISO = iso
			if r.ID, err = res.LastInsertId(); err != nil {
				return nil, err
			}
			plog.Debug("Run started", "profile", profile, "run", iso, "id", r.ID)
			return r, nil
		}
		if !isUniqueViolation(err) || attempt >= s.maxRetries {
			return nil, fmt.Errorf("failed to insert run %s: %w", iso, err)
		}
		plog.Debug("Run timestamp taken, retrying", "run", iso)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.retryDelay):
		}
	}
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	code := se.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT
}

func (r *Run) sourceID(ctx context.Context, relPath string) (int64, error) {
	if id, ok := r.srcIDs[relPath]; ok {
		return id, nil
	}
	db := r.store.db
	if _, err := db.ExecContext(ctx,
		"INSERT OR IGNORE INTO source (src_dir_id, src_path) VALUES (?, ?)", r.srcDirID, relPath,
	); err != nil {
		return 0, fmt.Errorf("insert source %q: %w", relPath, err)
	}
	var id int64
	if err := db.QueryRowContext(ctx,
		"SELECT id FROM source WHERE src_dir_id = ? AND src_path = ?", r.srcDirID, relPath,
	).Scan(&id); err != nil {
		return 0, fmt.Errorf("select source %q: %w", relPath, err)
	}
	r.srcIDs[relPath] = id
	return id, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Save records an event for the source at relPath. archiveName and sum are
// empty for Delete. Saving the archive that already is the source's current
// state appends nothing; an archive written again after the source was
// deleted, or after the archive went missing, gets a new event. A stored
// checksum is only ever filled in, never replaced; a different one is an
// IntegrityError.
func (r *Run) Save(ctx context.Context, reason Reason, relPath, archiveName, sum string) error {
	srcID, err := r.sourceID(ctx, relPath)
	if err != nil {
		return err
	}
	if archiveName != "" {
		if sum, err = r.agreeChecksum(ctx, srcID, relPath, archiveName, sum); err != nil {
			return err
		}
		current, err := r.isCurrent(ctx, srcID, archiveName)
		if err != nil {
			return err
		}
		if current {
			return r.fillChecksum(ctx, srcID, archiveName, sum)
		}
	}
	if _, err := r.store.db.ExecContext(ctx,
		`INSERT INTO backup (run_id, reason, bak_dir_id, src_id, bak_name, blake2b)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, string(reason), r.bakDirID, srcID, nullString(archiveName), nullString(sum),
	); err != nil {
		return fmt.Errorf("failed to save %s of %s: %w", reason, relPath, err)
	}
	if archiveName != "" {
		return r.fillChecksum(ctx, srcID, archiveName, sum)
	}
	return nil
}

// agreeChecksum returns the checksum to record for archiveName: sum, or the
// stored one when sum is empty.
func (r *Run) agreeChecksum(ctx context.Context, srcID int64, relPath, archiveName, sum string) (string, error) {
	stored, err := r.storedChecksum(ctx, srcID, archiveName)
	if err != nil {
		return "", err
	}
	switch {
	case stored == "":
		return sum, nil
	case sum == "" || sum == stored:
		return stored, nil
	}
	return "", &IntegrityError{Archive: path.Join(relPath, archiveName), Stored: stored, Given: sum}
}

func (r *Run) storedChecksum(ctx context.Context, srcID int64, archiveName string) (string, error) {
	var stored sql.NullString
	if err := r.store.db.QueryRowContext(ctx,
		"SELECT max(blake2b) FROM backup WHERE bak_dir_id = ? AND src_id = ? AND bak_name = ?",
		r.bakDirID, srcID, archiveName,
	).Scan(&stored); err != nil {
		return "", fmt.Errorf("failed to read checksum of %s: %w", archiveName, err)
	}
	return stored.String, nil
}

// fillChecksum sets sum on every event of archiveName that has none yet.
func (r *Run) fillChecksum(ctx context.Context, srcID int64, archiveName, sum string) error {
	if sum == "" {
		return nil
	}
	if _, err := r.store.db.ExecContext(ctx,
		`UPDATE backup SET blake2b = ?
		 WHERE bak_dir_id = ? AND src_id = ? AND bak_name = ? AND blake2b IS NULL`,
		sum, r.bakDirID, srcID, archiveName,
	); err != nil {
		return fmt.Errorf("failed to set checksum of %s: %w", archiveName, err)
	}
	return nil
}

// isCurrent reports whether the newest event of the source records
// archiveName and the archive was not found missing since.
func (r *Run) isCurrent(ctx context.Context, srcID int64, archiveName string) (bool, error) {
	var name sql.NullString
	var delRunID sql.NullInt64
	err := r.store.db.QueryRowContext(ctx,
		`SELECT b.bak_name, b.del_run_id FROM backup b JOIN run r ON r.id = b.run_id
		 WHERE r.profile_id = ? AND b.bak_dir_id = ? AND b.src_id = ?
		 ORDER BY b.id DESC LIMIT 1`,
		r.profileID, r.bakDirID, srcID,
	).Scan(&name, &delRunID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return name.Valid && name.String == archiveName && !delRunID.Valid, nil
}

// LatestArchive returns the name of the archive recorded by the newest
// event for relPath, by event id. ok is false when there is none or the
// newest event is a deletion. Archives known to be gone from disk are
// skipped.
func (r *Run) LatestArchive(ctx context.Context, relPath string) (name string, ok bool, err error) {
	srcID, err := r.sourceID(ctx, relPath)
	if err != nil {
		return "", false, err
	}
	var bakName sql.NullString
	err = r.store.db.QueryRowContext(ctx,
		`SELECT b.bak_name FROM backup b JOIN run r ON r.id = b.run_id
		 WHERE r.profile_id = ? AND b.bak_dir_id = ? AND b.src_id = ? AND b.del_run_id IS NULL
		 ORDER BY b.id DESC LIMIT 1`,
		r.profileID, r.bakDirID, srcID,
	).Scan(&bakName)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get latest archive of %s: %w", relPath, err)
	}
	return bakName.String, bakName.Valid, nil
}

// splitArchivePath maps an absolute archive path to the source's relative
// path and the archive's name.
func (r *Run) splitArchivePath(archivePath string) (relPath, name string, err error) {
	bakDir := util.DenormalizePath(r.BackupDir)
	dir := filepath.Dir(archivePath)
	if dir == bakDir || !util.IsUnder(dir, bakDir) {
		return "", "", fmt.Errorf("%s is not inside %s", archivePath, bakDir)
	}
	if relPath, err = util.RelSlash(bakDir, dir); err != nil {
		return "", "", err
	}
	return relPath, filepath.Base(archivePath), nil
}

// ArchivePath is the location of archiveName for relPath.
func (r *Run) ArchivePath(relPath, archiveName string) string {
	return filepath.Join(util.DenormalizePath(r.BackupDir), filepath.FromSlash(relPath), archiveName)
}

// Checksum returns the recorded checksum of the archive at archivePath.
func (r *Run) Checksum(ctx context.Context, archivePath string) (string, bool, error) {
	relPath, name, err := r.splitArchivePath(archivePath)
	if err != nil {
		return "", false, err
	}
	srcID, err := r.sourceID(ctx, relPath)
	if err != nil {
		return "", false, err
	}
	sum, err := r.storedChecksum(ctx, srcID, name)
	if err != nil {
		return "", false, err
	}
	return sum, sum != "", nil
}

// SetChecksum stores the checksum of the archive at archivePath without
// adding an event, unless the ledger has never seen the archive; then it is
// recorded as an Init event.
func (r *Run) SetChecksum(ctx context.Context, archivePath, sum string) error {
	relPath, name, err := r.splitArchivePath(archivePath)
	if err != nil {
		return err
	}
	srcID, err := r.sourceID(ctx, relPath)
	if err != nil {
		return err
	}
	var known int
	if err := r.store.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM backup WHERE bak_dir_id = ? AND src_id = ? AND bak_name = ?",
		r.bakDirID, srcID, name,
	).Scan(&known); err != nil {
		return err
	}
	if known == 0 {
		return r.Save(ctx, Init, relPath, name, sum)
	}
	if sum, err = r.agreeChecksum(ctx, srcID, relPath, name, sum); err != nil {
		return err
	}
	return r.fillChecksum(ctx, srcID, name, sum)
}

// MarkUnchanged records that this run saw relPath and found it unchanged.
func (r *Run) MarkUnchanged(ctx context.Context, relPath string) error {
	srcID, err := r.sourceID(ctx, relPath)
	if err != nil {
		return err
	}
	_, err = r.store.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO unchanged (run_id, src_id) VALUES (?, ?)", r.ID, srcID)
	return err
}

// IdentifyAndSaveDeleted appends a Delete event for every source of the
// profile whose newest event predates this run, is not a Delete, and which
// this run did not mark unchanged. Calling it again for the same run adds
// nothing.
func (r *Run) IdentifyAndSaveDeleted(ctx context.Context) (int, error) {
	res, err := r.store.db.ExecContext(ctx, `
		INSERT INTO backup (run_id, reason, bak_dir_id, src_id, bak_name, blake2b)
		SELECT ?, 'D', ?, l.src_id, NULL, NULL
		FROM (
			SELECT b.src_id, max(b.id) AS max_id
			FROM backup b JOIN run r ON r.id = b.run_id
			WHERE r.profile_id = ? AND b.bak_dir_id = ?
			GROUP BY b.src_id
		) l
		JOIN backup b ON b.id = l.max_id
		JOIN source s ON s.id = l.src_id
		WHERE s.src_dir_id = ?
		  AND b.run_id <> ?
		  AND b.reason <> 'D'
		  AND l.src_id NOT IN (SELECT src_id FROM unchanged WHERE run_id = ?)
		ORDER BY l.src_id`,
		r.ID, r.bakDirID, r.profileID, r.bakDirID, r.srcDirID, r.ID, r.ID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to save deletions: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Target pairs an archive with the file it restores to.
type Target struct {
	RelPath     string
	ArchivePath string
	TargetPath  string
}

// LatestArchivesAndTargets lists, per source, the newest archive that is
// still on disk, skipping sources whose newest event is a Delete. With
// topArchiveDir set, only archives under it are listed. Targets are placed
// under directory when given, else under the source dir.
func (r *Run) LatestArchivesAndTargets(ctx context.Context, topArchiveDir, directory string) ([]Target, error) {
	rows, err := r.store.db.QueryContext(ctx, `
		SELECT s.src_path, b.bak_name
		FROM (
			SELECT b.src_id, max(b.id) AS max_id
			FROM backup b JOIN run r ON r.id = b.run_id
			WHERE r.profile_id = ? AND b.bak_dir_id = ? AND b.del_run_id IS NULL
			GROUP BY b.src_id
		) l
		JOIN backup b ON b.id = l.max_id
		JOIN source s ON s.id = l.src_id
		WHERE s.src_dir_id = ? AND b.reason <> 'D' AND b.bak_name IS NOT NULL
		ORDER BY s.id`,
		r.profileID, r.bakDirID, r.srcDirID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list latest archives: %w", err)
	}
	type row struct{ relPath, name string }
	var found []row
	for rows.Next() {
		var x row
		if err := rows.Scan(&x.relPath, &x.name); err != nil {
			rows.Close()
			return nil, err
		}
		found = append(found, x)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	base := util.DenormalizePath(r.SourceDir)
	if directory != "" {
		base = directory
	}
	targets := make([]Target, 0, len(found))
	for _, x := range found {
		archivePath := r.ArchivePath(x.relPath, x.name)
		if topArchiveDir != "" && !util.IsUnder(archivePath, topArchiveDir) {
			continue
		}
		targets = append(targets, Target{
			RelPath:     x.relPath,
			ArchivePath: archivePath,
			TargetPath:  filepath.Join(base, filepath.FromSlash(x.relPath)),
		})
	}
	return targets, nil
}

// MarkBackupAsDeleted records that the archive at archivePath no longer
// exists, so that older archives of the same source take its place. Every
// event of that archive is marked.
func (r *Run) MarkBackupAsDeleted(ctx context.Context, archivePath string) error {
	relPath, name, err := r.splitArchivePath(archivePath)
	if err != nil {
		return err
	}
	srcID, err := r.sourceID(ctx, relPath)
	if err != nil {
		return err
	}
	_, err = r.store.db.ExecContext(ctx,
		`UPDATE backup SET del_run_id = ?
		 WHERE bak_dir_id = ? AND src_id = ? AND bak_name = ? AND del_run_id IS NULL`,
		r.ID, r.bakDirID, srcID, name,
	)
	if err != nil {
		return fmt.Errorf("failed to mark %s as deleted: %w", archivePath, err)
	}
	return nil
}

// HasHistory reports whether any event was recorded for the run's backup
// dir.
func (r *Run) HasHistory(ctx context.Context) (bool, error) {
	var n int
	err := r.store.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM (SELECT 1 FROM backup WHERE bak_dir_id = ? LIMIT 1)", r.bakDirID,
	).Scan(&n)
	return n > 0, err
}

// Seed is an archive found on disk before the ledger knew about it.
type Seed struct {
	RelPath     string
	ArchiveName string
	Checksum    string
}

// InitFromDisk records seeds as Init events in one transaction, but only
// when the backup dir has no history yet. It returns the number recorded.
func (r *Run) InitFromDisk(ctx context.Context, seeds []Seed) (int, error) {
	has, err := r.HasHistory(ctx)
	if err != nil || has || len(seeds) == 0 {
		return 0, err
	}
	// Resolve source ids before the transaction holds the only connection.
	ids := make([]int64, len(seeds))
	for i, sd := range seeds {
		if ids[i], err = r.sourceID(ctx, sd.RelPath); err != nil {
			return 0, err
		}
	}
	err = r.store.Tx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO backup (run_id, reason, bak_dir_id, src_id, bak_name, blake2b)
			 VALUES (?, 'I', ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for i, sd := range seeds {
			if _, err := stmt.ExecContext(ctx, r.ID, r.bakDirID, ids[i], sd.ArchiveName, nullString(sd.Checksum)); err != nil {
				return fmt.Errorf("failed to seed %s/%s: %w", sd.RelPath, sd.ArchiveName, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(seeds), nil
}
