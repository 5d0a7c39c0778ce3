package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/paulschiretz/rumar/pkg/archivecodec"
	"github.com/paulschiretz/rumar/pkg/archivename"
	"github.com/paulschiretz/rumar/pkg/changedetect"
	"github.com/paulschiretz/rumar/pkg/checksum"
	"github.com/paulschiretz/rumar/pkg/flagparse"
	"github.com/paulschiretz/rumar/pkg/ledger"
	"github.com/paulschiretz/rumar/pkg/plog"
	"github.com/paulschiretz/rumar/pkg/util"
	"github.com/paulschiretz/rumar/pkg/walker"
)

// Create archives every new or changed source file of the profile and
// records what it did in the ledger. Files that vanished from the source
// since the last run get a Delete event.
func (e *Engine) Create(ctx context.Context) (*RunReport, error) {
	s := &e.settings
	report := newReport(s.Profile, flagparse.Create)
	if err := e.prepare(flagparse.Create); err != nil {
		return report, err
	}
	lock, err := e.lock(ctx, flagparse.Create)
	if err != nil {
		return report, err
	}
	defer lock.Release()

	run, err := e.beginRun(ctx)
	if err != nil {
		return report, err
	}
	if err := e.seedFromDisk(ctx, run); err != nil {
		return report, err
	}

	c := &creation{
		ctx:     ctx,
		engine:  e,
		run:     run,
		report:  report,
		archive: s.ArchiveOptions(),
		detector: &changedetect.Detector{
			ChecksumIfSameSize: s.ChecksumComparisonIfSameSize,
			Checksums:          &archiveChecksums{run: run, password: s.Password},
		},
	}
	if s.FileDeduplication {
		c.dedup = walker.NewDeduplicator()
	}

	var filter walker.Filter
	if s.UsesFilters(flagparse.Create) {
		filter = e.matcher
		plog.Debug("Walking matching files", "source", s.SourceDir)
	} else {
		plog.Debug("Walking all files", "source", s.SourceDir)
	}

	plog.Info("Starting create", "profile", s.Profile, "source", s.SourceDir, "backup", s.BackupBaseDirForProfile)
	stop := e.startProgress(report.Metrics, "Create progress")
	defer stop()

	w := walker.New(nil)
	if err := w.Walk(ctx, s.SourceDir, filter, c.visit); err != nil {
		return report, fmt.Errorf("create of profile %s stopped: %w", s.Profile, err)
	}

	n, err := run.IdentifyAndSaveDeleted(ctx)
	if err != nil {
		return report, err
	}
	report.Metrics.AddSourcesDeleted(int64(n))
	if n > 0 {
		plog.Notice("DELETE", "profile", s.Profile, "sources", n)
	}
	report.Metrics.LogSummary(fmt.Sprintf("Create of profile %s finished", s.Profile))
	return report, nil
}

// seedFromDisk records the archives already present in a backup dir the
// ledger has never seen, e.g. after the database was lost.
func (e *Engine) seedFromDisk(ctx context.Context, run *ledger.Run) error {
	has, err := run.HasHistory(ctx)
	if err != nil || has {
		return err
	}
	bak := e.settings.BackupBaseDirForProfile
	files, err := walker.New(nil).AllFiles(ctx, bak)
	if err != nil {
		return fmt.Errorf("failed to scan %s: %w", bak, err)
	}

	var seeds []ledger.Seed
	for _, f := range files {
		name := filepath.Base(f)
		if !archivename.IsArchive(name) {
			continue
		}
		rel, err := util.RelSlash(bak, filepath.Dir(f))
		if err != nil || rel == "." {
			continue
		}
		sd := ledger.Seed{RelPath: rel, ArchiveName: name}
		if sidecarName, err := archivename.ChecksumName(name); err == nil {
			sum, ok, err := checksum.ReadSidecar(filepath.Join(filepath.Dir(f), sidecarName))
			if err != nil {
				plog.Warn("Failed to read checksum file", "archive", f, "error", err)
			} else if ok {
				sd.Checksum = sum
			}
		}
		seeds = append(seeds, sd)
	}
	// Names sort chronologically, so the newest archive of a source is
	// recorded last.
	slices.SortFunc(seeds, func(a, b ledger.Seed) int {
		if c := strings.Compare(a.RelPath, b.RelPath); c != 0 {
			return c
		}
		return strings.Compare(a.ArchiveName, b.ArchiveName)
	})
	n, err := run.InitFromDisk(ctx, seeds)
	if err != nil {
		return fmt.Errorf("failed to record existing archives: %w", err)
	}
	if n > 0 {
		plog.Info("Recorded archives found on disk", "profile", e.settings.Profile, "count", n)
	}
	return nil
}

// creation is the state of one Create run.
type creation struct {
	ctx      context.Context
	engine   *Engine
	run      *ledger.Run
	report   *RunReport
	archive  archivecodec.Options
	detector *changedetect.Detector
	dedup    *walker.Deduplicator
}

func (c *creation) visit(path string, info os.FileInfo) error {
	s := &c.engine.settings
	if walker.IsIgnorable(info) {
		plog.Info("Ignoring file that cannot be archived", "path", path, "mode", info.Mode().Type())
		return nil
	}
	if c.dedup != nil {
		if original, ok := c.dedup.FindDuplicate(path, info.Size()); ok {
			plog.Notice("DUPLICATE", "path", path, "original", original)
			c.report.Metrics.AddDuplicates(1)
			return nil
		}
	}
	rel, err := util.RelSlash(s.SourceDir, path)
	if err != nil {
		return err
	}

	err = c.process(c.ctx, path, rel, info)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	plog.Error("Failed to back up file", "path", rel, "error", err)
	c.report.fail(fmt.Errorf("%s: %w", rel, err))
	// Keep the file's history alive so it is not taken for deleted.
	if err := c.run.MarkUnchanged(c.ctx, rel); err != nil {
		plog.Warn("Failed to mark file as seen", "path", rel, "error", err)
	}
	return nil
}

func (c *creation) process(ctx context.Context, path, rel string, info os.FileInfo) error {
	isSymlink := info.Mode()&os.ModeSymlink != 0
	cur := changedetect.FileState{
		Path: path,
		// Archive names carry microseconds.
		Mtime:     info.ModTime().Truncate(time.Microsecond),
		Size:      info.Size(),
		IsSymlink: isSymlink,
	}

	var latest *archivename.Identity
	var latestPath string
	name, ok, err := c.run.LatestArchive(ctx, rel)
	if err != nil {
		return err
	}
	if ok {
		id, err := archivename.Decompose(name)
		if err != nil {
			return err
		}
		latest = &id
		latestPath = c.run.ArchivePath(rel, name)
	}

	dec, err := c.detector.Detect(ctx, cur, latest, latestPath)
	if err != nil {
		return err
	}
	if dec.State == changedetect.Unchanged {
		plog.Notice("UNCHANGED", "path", rel)
		c.report.Metrics.AddUnchanged(1)
		return c.run.MarkUnchanged(ctx, rel)
	}

	policy := c.archive.PolicyFor(info.Name(), isSymlink)
	comment := ""
	if isSymlink {
		comment = archivename.LinkComment
	}
	mtimeStr := archivename.FormatMtime(cur.Mtime)
	archiveName := archivename.Compose(mtimeStr, cur.Size, comment, policy.Format)
	archivePath := c.run.ArchivePath(rel, archiveName)

	written, err := archivecodec.Write(ctx, archivePath, archivecodec.Entry{
		SrcPath:    path,
		MemberName: info.Name(),
		Info:       info,
	}, policy)
	if err != nil {
		return err
	}
	c.report.Metrics.AddBytesWritten(written)

	if dec.Checksum != "" && cur.Size > checksum.SidecarThreshold {
		sidecar := filepath.Join(filepath.Dir(archivePath), archivename.ChecksumNameFor(mtimeStr, cur.Size))
		if err := checksum.WriteSidecar(sidecar, dec.Checksum); err != nil {
			plog.Warn("Failed to write checksum file", "path", sidecar, "error", err)
		}
	}

	reason := ledger.Update
	if dec.State == changedetect.New {
		reason = ledger.Create
	}
	if err := c.run.Save(ctx, reason, rel, archiveName, dec.Checksum); err != nil {
		return err
	}
	if reason == ledger.Create {
		c.report.Metrics.AddCreated(1)
		plog.Notice("CREATE", "path", rel, "archive", archiveName)
	} else {
		c.report.Metrics.AddUpdated(1)
		plog.Notice("UPDATE", "path", rel, "archive", archiveName)
	}
	return nil
}
