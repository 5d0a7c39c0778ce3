package ledger

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/paulschiretz/rumar/pkg/plog"
)

func TestMain(m *testing.M) {
	plog.SetOutput(io.Discard)
	os.Exit(m.Run())
}

// fakeClock hands out a new second on every call.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type fixture struct {
	store  *Store
	srcDir string
	bakDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := Open(context.Background(), filepath.Join(dir, "rumar.sqlite"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	clock := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.Local)}
	store.now = clock.now
	store.retryDelay = time.Millisecond
	return &fixture{
		store:  store,
		srcDir: filepath.Join(dir, "src"),
		bakDir: filepath.Join(dir, "backup", "profileA"),
	}
}

func (f *fixture) begin(t *testing.T) *Run {
	t.Helper()
	r, err := f.store.BeginRun(context.Background(), "profileA", f.srcDir, f.bakDir)
	if err != nil {
		t.Fatalf("BeginRun failed: %v", err)
	}
	return r
}

func mustSave(t *testing.T, r *Run, reason Reason, relPath, name, sum string) {
	t.Helper()
	if err := r.Save(context.Background(), reason, relPath, name, sum); err != nil {
		t.Fatalf("Save(%s, %s, %s) failed: %v", reason, relPath, name, err)
	}
}

func latest(t *testing.T, r *Run, relPath string) (string, bool) {
	t.Helper()
	name, ok, err := r.LatestArchive(context.Background(), relPath)
	if err != nil {
		t.Fatalf("LatestArchive(%s) failed: %v", relPath, err)
	}
	return name, ok
}

func countEvents(t *testing.T, s *Store, reason Reason) int {
	t.Helper()
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM backup WHERE reason = ?", string(reason)).Scan(&n); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	return n
}

func TestOpen_MigrationsAreIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "rumar.sqlite")
	for i := 0; i < 2; i++ {
		s, err := Open(context.Background(), dbPath)
		if err != nil {
			t.Fatalf("Open #%d failed: %v", i+1, err)
		}
		v, err := s.SchemaVersion(context.Background())
		if err != nil {
			t.Fatalf("SchemaVersion failed: %v", err)
		}
		if v != len(migrations) {
			t.Errorf("expected schema version %d, got %d", len(migrations), v)
		}
		s.Close()
	}
}

func TestBeginRun_RetriesOnTimestampCollision(t *testing.T) {
	f := newFixture(t)
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.Local)
	calls := 0
	f.store.now = func() time.Time {
		calls++
		if calls <= 2 {
			return fixed
		}
		return fixed.Add(time.Second)
	}

	first := f.begin(t)
	second := f.begin(t)
	if first.DatetimeISO == second.DatetimeISO {
		t.Fatalf("expected distinct run timestamps, both are %s", first.DatetimeISO)
	}
	if calls != 3 {
		t.Errorf("expected one retry (3 clock reads), got %d reads", calls)
	}
}

func TestBeginRun_ManyConcurrentRuns(t *testing.T) {
	f := newFixture(t)
	f.store.now = time.Now

	const workers = 32
	runs := make([]*Run, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			runs[i], errs[i] = f.store.BeginRun(context.Background(), "profileA", f.srcDir, f.bakDir)
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for i, err := range errs {
		if err != nil {
			t.Fatalf("BeginRun %d failed: %v", i, err)
		}
		if seen[runs[i].DatetimeISO] {
			t.Errorf("run timestamp %s handed out twice", runs[i].DatetimeISO)
		}
		seen[runs[i].DatetimeISO] = true
	}
}

func TestSave_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	r := f.begin(t)
	mustSave(t, r, Create, "a.txt", "n1.tar.gz", "sum1")
	mustSave(t, r, Create, "a.txt", "n1.tar.gz", "sum1")
	mustSave(t, r, Create, "a.txt", "n1.tar.gz", "")
	if n := countEvents(t, f.store, Create); n != 1 {
		t.Errorf("expected 1 CREATE event, got %d", n)
	}
}

func TestSave_ConflictingChecksumIsIntegrityError(t *testing.T) {
	f := newFixture(t)
	r := f.begin(t)
	mustSave(t, r, Create, "a.txt", "n1.tar.gz", "sum1")
	err := r.Save(context.Background(), Update, "a.txt", "n1.tar.gz", "other")
	var ie *IntegrityError
	if !errors.As(err, &ie) {
		t.Fatalf("expected IntegrityError, got %v", err)
	}
	if ie.Stored != "sum1" || ie.Given != "other" {
		t.Errorf("unexpected error fields: %+v", ie)
	}
}

func TestChecksum_SetAndGet(t *testing.T) {
	f := newFixture(t)
	r := f.begin(t)
	ctx := context.Background()
	mustSave(t, r, Create, "A/b.txt", "n1.tar.gz", "")
	archivePath := r.ArchivePath("A/b.txt", "n1.tar.gz")

	if _, ok, err := r.Checksum(ctx, archivePath); err != nil || ok {
		t.Fatalf("expected no checksum yet, got ok=%v err=%v", ok, err)
	}
	if err := r.SetChecksum(ctx, archivePath, "abc"); err != nil {
		t.Fatalf("SetChecksum failed: %v", err)
	}
	got, ok, err := r.Checksum(ctx, archivePath)
	if err != nil || !ok || got != "abc" {
		t.Errorf("expected abc, got %q ok=%v err=%v", got, ok, err)
	}
	var ie *IntegrityError
	if err := r.SetChecksum(ctx, archivePath, "xyz"); !errors.As(err, &ie) {
		t.Errorf("expected IntegrityError on overwrite, got %v", err)
	}
	if n := countEvents(t, f.store, Init); n != 0 {
		t.Errorf("expected no INIT event for a known archive, got %d", n)
	}
}

func TestChecksum_RejectsPathOutsideBackupDir(t *testing.T) {
	f := newFixture(t)
	r := f.begin(t)
	if _, _, err := r.Checksum(context.Background(), filepath.Join(f.srcDir, "x", "n.tar")); err == nil {
		t.Error("expected an error for an archive outside the backup dir")
	}
}

func TestSave_RevivesArchiveMarkedDeleted(t *testing.T) {
	f := newFixture(t)
	r := f.begin(t)
	mustSave(t, r, Create, "f.txt", "a.tar", "")
	mustSave(t, r, Update, "f.txt", "b.tar", "")
	if err := r.MarkBackupAsDeleted(context.Background(), r.ArchivePath("f.txt", "b.tar")); err != nil {
		t.Fatal(err)
	}
	if got, _ := latest(t, r, "f.txt"); got != "a.tar" {
		t.Fatalf("expected a.tar after marking b.tar deleted, got %q", got)
	}

	mustSave(t, r, Update, "f.txt", "b.tar", "sum")
	if got, _ := latest(t, r, "f.txt"); got != "b.tar" {
		t.Errorf("expected the rewritten b.tar to be latest again, got %q", got)
	}
	if sum, ok, err := r.Checksum(context.Background(), r.ArchivePath("f.txt", "b.tar")); err != nil || !ok || sum != "sum" {
		t.Errorf("Checksum() = %q, %v, %v", sum, ok, err)
	}
}

func TestSave_RestoredSourceIsLiveAgain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r1 := f.begin(t)
	mustSave(t, r1, Create, "f.txt", "n1.tar.gz", "sum")

	r2 := f.begin(t)
	if n, err := r2.IdentifyAndSaveDeleted(ctx); err != nil || n != 1 {
		t.Fatalf("IdentifyAndSaveDeleted() = %d, %v", n, err)
	}
	if _, ok := latest(t, r2, "f.txt"); ok {
		t.Fatal("expected f.txt to be deleted")
	}

	// The file comes back with the same mtime and size.
	r3 := f.begin(t)
	mustSave(t, r3, Create, "f.txt", "n1.tar.gz", "")
	if got, ok := latest(t, r3, "f.txt"); !ok || got != "n1.tar.gz" {
		t.Errorf("expected n1.tar.gz as latest, got %q ok=%v", got, ok)
	}
	targets, err := r3.LatestArchivesAndTargets(ctx, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(targets) != 1 || targets[0].RelPath != "f.txt" {
		t.Errorf("expected f.txt as the only target, got %+v", targets)
	}
	if n := countEvents(t, f.store, Create); n != 2 {
		t.Errorf("expected 2 CREATE events, got %d", n)
	}
	if sum, ok, _ := r3.Checksum(ctx, r3.ArchivePath("f.txt", "n1.tar.gz")); !ok || sum != "sum" {
		t.Errorf("expected the stored checksum to carry over, got %q ok=%v", sum, ok)
	}

	// Saving the current archive again is still a no-op.
	mustSave(t, r3, Create, "f.txt", "n1.tar.gz", "sum")
	if n := countEvents(t, f.store, Create); n != 2 {
		t.Errorf("expected re-saving the current archive to add nothing, got %d CREATE events", n)
	}
	if n, _ := r3.IdentifyAndSaveDeleted(ctx); n != 0 {
		t.Errorf("expected no deletion for a source saved in this run, got %d", n)
	}
}

func TestSave_NeverReplacesChecksum(t *testing.T) {
	ctx := context.Background()
	testCases := []struct {
		name    string
		sum     string
		wantErr bool
	}{
		{"Different Sum", "Y", true},
		{"Empty Sum", "", false},
		{"Same Sum", "X", false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			r := f.begin(t)
			mustSave(t, r, Create, "f.txt", "a.tar", "X")
			archive := r.ArchivePath("f.txt", "a.tar")
			if err := r.MarkBackupAsDeleted(ctx, archive); err != nil {
				t.Fatal(err)
			}

			err := r.Save(ctx, Update, "f.txt", "a.tar", tc.sum)
			var ie *IntegrityError
			if tc.wantErr != errors.As(err, &ie) {
				t.Fatalf("Save() error = %v, want IntegrityError: %v", err, tc.wantErr)
			}
			if got, ok, err := r.Checksum(ctx, archive); err != nil || !ok || got != "X" {
				t.Errorf("Checksum() = %q, %v, %v; want X", got, ok, err)
			}
		})
	}
}

func TestLatestArchive_FollowsEventOrder(t *testing.T) {
	f := newFixture(t)
	r := f.begin(t)
	// Names that sort backwards; only the event id counts.
	names := []string{"c.tar", "b.tar", "a.tar"}
	for i, n := range names {
		reason := Update
		if i == 0 {
			reason = Create
		}
		mustSave(t, r, reason, "f.txt", n, "")
		if got, ok := latest(t, r, "f.txt"); !ok || got != n {
			t.Fatalf("after saving %s expected it as latest, got %q ok=%v", n, got, ok)
		}
	}
	mustSave(t, r, Delete, "f.txt", "", "")
	if got, ok := latest(t, r, "f.txt"); ok {
		t.Errorf("expected no latest archive after DELETE, got %q", got)
	}
	if _, ok := latest(t, r, "never-seen.txt"); ok {
		t.Error("expected no latest archive for an unknown source")
	}
}

func TestIdentifyAndSaveDeleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r1 := f.begin(t)
	mustSave(t, r1, Create, "keep.txt", "k1.tar", "")
	mustSave(t, r1, Create, "changed.txt", "c1.tar", "")
	mustSave(t, r1, Create, "gone.txt", "g1.tar", "")

	r2 := f.begin(t)
	if err := r2.MarkUnchanged(ctx, "keep.txt"); err != nil {
		t.Fatal(err)
	}
	mustSave(t, r2, Update, "changed.txt", "c2.tar", "")
	n, err := r2.IdentifyAndSaveDeleted(ctx)
	if err != nil {
		t.Fatalf("IdentifyAndSaveDeleted failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 deletion, got %d", n)
	}
	if n, _ := r2.IdentifyAndSaveDeleted(ctx); n != 0 {
		t.Errorf("expected second call to add nothing, got %d", n)
	}
	if _, ok := latest(t, r2, "gone.txt"); ok {
		t.Error("expected gone.txt to have no latest archive")
	}
	if got, _ := latest(t, r2, "changed.txt"); got != "c2.tar" {
		t.Errorf("expected c2.tar for changed.txt, got %q", got)
	}

	// A later run that does not see the file again must not re-delete it.
	r3 := f.begin(t)
	if err := r3.MarkUnchanged(ctx, "keep.txt"); err != nil {
		t.Fatal(err)
	}
	if err := r3.MarkUnchanged(ctx, "changed.txt"); err != nil {
		t.Fatal(err)
	}
	if n, _ := r3.IdentifyAndSaveDeleted(ctx); n != 0 {
		t.Errorf("expected no new deletion in a later run, got %d", n)
	}
	if c := countEvents(t, f.store, Delete); c != 1 {
		t.Errorf("expected exactly 1 DELETE event in total, got %d", c)
	}
}

func TestIdentifyAndSaveDeleted_IgnoresOtherProfiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other, err := f.store.BeginRun(ctx, "profileB", f.srcDir, f.bakDir+"-b")
	if err != nil {
		t.Fatal(err)
	}
	mustSave(t, other, Create, "x.txt", "x1.tar", "")

	r := f.begin(t)
	if n, _ := r.IdentifyAndSaveDeleted(ctx); n != 0 {
		t.Errorf("expected no deletions from another profile's history, got %d", n)
	}
}

func TestLatestArchivesAndTargets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r1 := f.begin(t)
	files := []string{"file01.txt", "A/file04.txt", "AA/file10.txt", "A/A-A/file13.txt"}
	for _, p := range files {
		mustSave(t, r1, Create, p, "v1.tar.gz", "")
	}

	t.Run("all", func(t *testing.T) {
		got, err := r1.LatestArchivesAndTargets(ctx, "", "")
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != len(files) {
			t.Fatalf("expected %d targets, got %d", len(files), len(got))
		}
		for i, tg := range got {
			wantArchive := filepath.Join(f.bakDir, filepath.FromSlash(files[i]), "v1.tar.gz")
			wantTarget := filepath.Join(f.srcDir, filepath.FromSlash(files[i]))
			if tg.ArchivePath != wantArchive || tg.TargetPath != wantTarget {
				t.Errorf("target %d: got %+v", i, tg)
			}
		}
	})

	t.Run("directory override", func(t *testing.T) {
		other := filepath.Join(t.TempDir(), "restore")
		got, err := r1.LatestArchivesAndTargets(ctx, "", other)
		if err != nil {
			t.Fatal(err)
		}
		if want := filepath.Join(other, "A", "file04.txt"); got[1].TargetPath != want {
			t.Errorf("expected %s, got %s", want, got[1].TargetPath)
		}
	})

	t.Run("top archive dir is segment aware", func(t *testing.T) {
		got, err := r1.LatestArchivesAndTargets(ctx, filepath.Join(f.bakDir, "A"), "")
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 2 || got[0].RelPath != "A/file04.txt" || got[1].RelPath != "A/A-A/file13.txt" {
			t.Errorf("expected only archives under A, got %+v", got)
		}
	})

	t.Run("deleted source and removed archive", func(t *testing.T) {
		r2 := f.begin(t)
		mustSave(t, r2, Update, "A/file04.txt", "v2.tar.gz", "")
		mustSave(t, r2, Delete, "file01.txt", "", "")
		if err := r2.MarkBackupAsDeleted(ctx, r2.ArchivePath("A/file04.txt", "v2.tar.gz")); err != nil {
			t.Fatal(err)
		}
		got, err := r2.LatestArchivesAndTargets(ctx, "", "")
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 3 {
			t.Fatalf("expected 3 targets, got %+v", got)
		}
		if got[0].RelPath != "A/file04.txt" || filepath.Base(got[0].ArchivePath) != "v1.tar.gz" {
			t.Errorf("expected fallback to v1 for A/file04.txt, got %+v", got[0])
		}
	})
}

func TestInitFromDisk(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.begin(t)
	seeds := []Seed{
		{RelPath: "a.txt", ArchiveName: "a1.tar", Checksum: "s1"},
		{RelPath: "a.txt", ArchiveName: "a2.tar"},
		{RelPath: "B/c.txt", ArchiveName: "c1.tar"},
	}
	n, err := r.InitFromDisk(ctx, seeds)
	if err != nil {
		t.Fatalf("InitFromDisk failed: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 seeded, got %d", n)
	}
	if got, _ := latest(t, r, "a.txt"); got != "a2.tar" {
		t.Errorf("expected a2.tar as latest, got %q", got)
	}
	if sum, ok, _ := r.Checksum(ctx, r.ArchivePath("a.txt", "a1.tar")); !ok || sum != "s1" {
		t.Errorf("expected seeded checksum s1, got %q", sum)
	}
	if n, _ := r.InitFromDisk(ctx, seeds); n != 0 {
		t.Errorf("expected no seeding once history exists, got %d", n)
	}
}

func TestViewJoinsEvents(t *testing.T) {
	f := newFixture(t)
	r := f.begin(t)
	mustSave(t, r, Create, "A/x.txt", "x1.tar", "s")
	var profile, reason, srcPath, bakName string
	err := f.store.DB().QueryRow("SELECT profile, reason, src_path, bak_name FROM v_backup").
		Scan(&profile, &reason, &srcPath, &bakName)
	if err != nil {
		t.Fatal(err)
	}
	if profile != "profileA" || reason != "C" || srcPath != "A/x.txt" || bakName != "x1.tar" {
		t.Errorf("unexpected view row: %s %s %s %s", profile, reason, srcPath, bakName)
	}
}
