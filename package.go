package holdtestrig

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
)

const packageDirName = "packages"

func formatRunDuration(seconds int) string {
	return fmt.Sprintf("%dh %dm %ds", seconds/3600, (seconds%3600)/60, seconds%60)
}

// runReport renders the plain-text summary that ships with a run's download.
func runReport(rec RunRecord) string {
	var b strings.Builder
	b.WriteString("Test Log Details\n==================\n")
	fmt.Fprintf(&b, "Time: %s\n", rec.StartTime.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "Sample Code: %s\n", rec.Label)
	b.WriteString("Duration:\n")
	fmt.Fprintf(&b, "  Set Duration: %s\n", formatRunDuration(rec.Duration))
	if rec.Status == StatusFail && rec.EndTime != nil {
		actual := int(rec.EndTime.Sub(rec.StartTime).Seconds())
		fmt.Fprintf(&b, "  Actual Duration: %s\n", formatRunDuration(actual))
	}
	fmt.Fprintf(&b, "Status: %s\n", rec.Status)
	if rec.FailureReason != "" {
		fmt.Fprintf(&b, "Failure Reason: %s\n", rec.FailureReason)
	}
	if rec.EndTime != nil {
		fmt.Fprintf(&b, "End Time: %s\n", rec.EndTime.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}

func reportFileName(rec RunRecord) string {
	return fmt.Sprintf("log_%s_%s.txt", safeLabel(rec.Label), rec.StartTime.Format("20060102_150405"))
}

func packageFileName(rec RunRecord) string {
	return mediaBaseName(rec.ID, rec.Label, rec.StartTime) + ".zip"
}

// writeRunPackage writes a zip holding the text report, the raw record and, when
// mediaPath is non-empty, the run's video.
func writeRunPackage(w io.Writer, rec RunRecord, mediaPath string) error {
	zw := zip.NewWriter(w)

	modified := rec.StartTime
	if rec.EndTime != nil {
		modified = *rec.EndTime
	}
	addBytes := func(name string, data []byte) error {
		fw, err := zw.CreateHeader(&zip.FileHeader{
			Name:     name,
			Method:   zip.Deflate,
			Modified: modified,
		})
		if err != nil {
			return err
		}
		_, err = fw.Write(data)
		return err
	}

	if err := addBytes(reportFileName(rec), []byte(runReport(rec))); err != nil {
		zw.Close()
		return fmt.Errorf("adding report: %w", err)
	}
	recJSON, err := json.MarshalIndent(rec, "", "    ")
	if err != nil {
		zw.Close()
		return fmt.Errorf("marshaling record: %w", err)
	}
	if err := addBytes("run.json", recJSON); err != nil {
		zw.Close()
		return fmt.Errorf("adding record: %w", err)
	}

	if mediaPath != "" {
		if err := addFile(zw, mediaPath, modified); err != nil {
			zw.Close()
			return fmt.Errorf("adding video: %w", err)
		}
	}
	return zw.Close()
}

func addFile(zw *zip.Writer, path string, modified time.Time) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	// MP4 is already compressed.
	fw, err := zw.CreateHeader(&zip.FileHeader{
		Name:     filepath.Base(path),
		Method:   zip.Store,
		Modified: modified,
	})
	if err != nil {
		return err
	}
	_, err = io.Copy(fw, f)
	return err
}

// buildRunPackage writes the run's package under <dir>/packages and returns its path.
// A missing video file is left out of the package rather than failing it.
func buildRunPackage(dir string, rec RunRecord) (string, error) {
	mediaPath := ""
	if rec.MediaFile != "" {
		p := filepath.Join(dir, filepath.Base(rec.MediaFile))
		if _, err := os.Stat(p); err == nil {
			mediaPath = p
		}
	}

	outDir := filepath.Join(dir, packageDirName)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("creating package directory: %w", err)
	}
	tmp, err := os.CreateTemp(outDir, "package-*.tmp")
	if err != nil {
		return "", fmt.Errorf("creating package: %w", err)
	}
	if err := writeRunPackage(tmp, rec, mediaPath); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("closing package: %w", err)
	}
	out := filepath.Join(outDir, packageFileName(rec))
	if err := os.Rename(tmp.Name(), out); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("renaming package: %w", err)
	}
	return out, nil
}
