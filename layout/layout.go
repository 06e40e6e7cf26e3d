/*
Package layout maps cycles onto the filesystem.

	<root>/
	  cycles/<cycle_id>/
	    master.snapshot        immutable copy of the source export
	    partition/             generated worksheets
	    inbox/                 returned worksheets
	    journal.log            append-only event stream
	    rollup.xlsx            produced at close
	  roster.json              reviewer directory

Nothing here knows what the files contain.
*/
package layout

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/warp/access-review/review"
)

const (
	RosterFile   = "roster.json"
	CyclesDir    = "cycles"
	MasterFile   = "master.snapshot"
	PartitionDir = "partition"
	InboxDir     = "inbox"
	JournalFile  = "journal.log"
	RollupFile   = "rollup.xlsx"
)

// Layout resolves paths below one root.
type Layout struct {
	Root string
}

func New(root string) Layout { return Layout{Root: filepath.Clean(root)} }

func (l Layout) Roster() string { return filepath.Join(l.Root, RosterFile) }

func (l Layout) Cycles() string { return filepath.Join(l.Root, CyclesDir) }

func (l Layout) Cycle(id review.CycleID) string {
	return filepath.Join(l.Cycles(), id.String())
}

func (l Layout) Master(id review.CycleID) string { return filepath.Join(l.Cycle(id), MasterFile) }

func (l Layout) Partition(id review.CycleID) string {
	return filepath.Join(l.Cycle(id), PartitionDir)
}

func (l Layout) Inbox(id review.CycleID) string { return filepath.Join(l.Cycle(id), InboxDir) }

func (l Layout) Journal(id review.CycleID) string { return filepath.Join(l.Cycle(id), JournalFile) }

func (l Layout) Rollup(id review.CycleID) string { return filepath.Join(l.Cycle(id), RollupFile) }

// Worksheet is where the worksheet file for w is materialized.
func (l Layout) Worksheet(id review.CycleID, wid review.WorksheetID) string {
	return filepath.Join(l.Partition(id), safeName(string(wid))+".xlsx")
}

// Ensure creates the directories of a cycle.
func (l Layout) Ensure(id review.CycleID) error {
	for _, dir := range []string{l.Partition(id), l.Inbox(id)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// CycleIDs lists the cycle directories that exist, ascending.
func (l Layout) CycleIDs() ([]review.CycleID, error) {
	entries, err := os.ReadDir(l.Cycles())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []review.CycleID
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := review.ParseCycleID(e.Name())
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// =============================================================================
// MASTER SNAPSHOT
// =============================================================================

// SnapshotMaster copies src to the cycle's master.snapshot and returns the
// SHA-256 of its content. It is only called for a cycle id with no journal
// yet, so a snapshot already in place is a leftover of a failed open.
func (l Layout) SnapshotMaster(id review.CycleID, src string) (string, error) {
	if err := os.MkdirAll(l.Cycle(id), 0o755); err != nil {
		return "", err
	}
	dst := l.Master(id)

	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("open master export: %w", err)
	}
	defer in.Close()

	h := sha256.New()
	if err := WriteFileAtomic(dst, 0o444, func(w io.Writer) error {
		_, err := io.Copy(io.MultiWriter(w, h), in)
		return err
	}); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// WriteFileAtomic writes through a temporary file in the same directory,
// syncs it and renames it into place.
func WriteFileAtomic(path string, perm os.FileMode, write func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), perm); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// =============================================================================
// INBOX
// =============================================================================

// InboxFile is one returned file waiting in an inbox.
type InboxFile struct {
	Path    string
	ModTime time.Time
	Size    int64
}

// InboxFiles lists the regular files of the cycle's inbox, oldest first.
// Hidden files and editor lock files are skipped.
func (l Layout) InboxFiles(id review.CycleID) ([]InboxFile, error) {
	return ListFiles(l.Inbox(id))
}

// ListFiles lists regular, non-hidden files of dir ordered by modification
// time, then path.
func ListFiles(dir string) ([]InboxFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []InboxFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || strings.HasPrefix(name, "~$") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		if !info.Mode().IsRegular() {
			continue
		}
		files = append(files, InboxFile{
			Path:    filepath.Join(dir, name),
			ModTime: info.ModTime(),
			Size:    info.Size(),
		})
	}
	sort.Slice(files, func(i, j int) bool {
		if !files[i].ModTime.Equal(files[j].ModTime) {
			return files[i].ModTime.Before(files[j].ModTime)
		}
		return files[i].Path < files[j].Path
	})
	return files, nil
}

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, s)
}
