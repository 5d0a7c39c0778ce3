package engine

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/paulschiretz/rumar/pkg/archivecodec"
	"github.com/paulschiretz/rumar/pkg/archivename"
	"github.com/paulschiretz/rumar/pkg/changedetect"
	"github.com/paulschiretz/rumar/pkg/checksum"
	"github.com/paulschiretz/rumar/pkg/ledger"
	"github.com/paulschiretz/rumar/pkg/plog"
)

// archiveChecksums resolves the content checksum of an archived file. The
// ledger is asked first, then the .b2 sidecar next to the archive; only
// then is the member decompressed and hashed. Whatever is found is written
// back to the ledger.
type archiveChecksums struct {
	run      *ledger.Run
	password string
}

var _ changedetect.ChecksumSource = (*archiveChecksums)(nil)

func (c *archiveChecksums) LatestChecksum(ctx context.Context, archivePath string) (string, error) {
	sum, ok, err := c.run.Checksum(ctx, archivePath)
	if err != nil {
		return "", err
	}
	if ok {
		return sum, nil
	}

	name := filepath.Base(archivePath)
	sidecarName, err := archivename.ChecksumName(name)
	if err != nil {
		return "", err
	}
	sidecar := filepath.Join(filepath.Dir(archivePath), sidecarName)
	sum, ok, err = checksum.ReadSidecar(sidecar)
	if err != nil {
		return "", fmt.Errorf("failed to read checksum file %s: %w", sidecar, err)
	}
	if !ok {
		if sum, err = c.fromArchive(archivePath); err != nil {
			return "", err
		}
		plog.Debug("Computed checksum of archived file", "archive", archivePath, "checksum", sum)
		if id, err := archivename.Decompose(name); err == nil && id.Size > checksum.SidecarThreshold {
			if err := checksum.WriteSidecar(sidecar, sum); err != nil {
				plog.Warn("Failed to write checksum file", "path", sidecar, "error", err)
			}
		}
	}
	if err := c.run.SetChecksum(ctx, archivePath, sum); err != nil {
		return "", err
	}
	return sum, nil
}

func (c *archiveChecksums) fromArchive(archivePath string) (string, error) {
	m, err := archivecodec.OpenMember(archivePath, c.password)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", archivePath, err)
	}
	defer m.Close()
	return checksum.Compute(m)
}
