// Package maildir stores mail messages as one file each under the
// classic maildir layout. Writers stage a message in tmp and move it
// into new with a single rename, so readers never observe a partial
// file and no write ever locks the directory.
package maildir

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
)

const (
	regionTmp = "tmp"
	regionNew = "new"
	regionCur = "cur"
)

// writeSeq distinguishes writes that land on the same clock tick. It is
// process wide so two handles on the same directory cannot collide.
var writeSeq atomic.Uint64

// keyHostReplacer sanitizes the hostname part of a key the way maildir
// naming wants it.
var keyHostReplacer = strings.NewReplacer("/", "\\057", ":", "\\072")

// Maildir is a handle on one maildir root. It is safe for concurrent
// use.
type Maildir struct {
	root string
	host string
}

// Open ensures root and its tmp, new and cur regions exist and returns
// a handle. Directories are created private to the owner; mail is not
// for other accounts to read.
func Open(root string) (*Maildir, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("create maildir: %w", err)
	}
	for _, region := range []string{regionTmp, regionNew, regionCur} {
		if err := os.MkdirAll(filepath.Join(root, region), 0700); err != nil {
			return nil, fmt.Errorf("create maildir %s: %w", region, err)
		}
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return &Maildir{root: root, host: keyHostReplacer.Replace(host)}, nil
}

// Path returns the directory the store was opened on.
func (d *Maildir) Path() string {
	return d.root
}

// nextKey names a message uniquely across every writer on this host:
// second and microsecond timestamps, the process id and a process-wide
// sequence number, followed by the hostname.
func (d *Maildir) nextKey(now time.Time) string {
	return fmt.Sprintf("%d.M%06dP%dQ%d.%s",
		now.Unix(), now.Nanosecond()/1000, os.Getpid(), writeSeq.Add(1), d.host)
}

// Write persists m under a fresh key and returns the key. The message
// is serialized into the staging region, synced, and only then renamed
// into new, so a crash at any point leaves either the complete message
// or stray staging debris, never a truncated visible file.
func (d *Maildir) Write(m *Message) (string, error) {
	key := d.nextKey(time.Now())
	staged := filepath.Join(d.root, regionTmp, key)

	f, err := os.OpenFile(staged, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return "", fmt.Errorf("stage message: %w", err)
	}
	if err := m.WriteTo(f); err != nil {
		f.Close()
		os.Remove(staged)
		return "", fmt.Errorf("write message: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(staged)
		return "", fmt.Errorf("sync message: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(staged)
		return "", fmt.Errorf("close message: %w", err)
	}
	if err := os.Rename(staged, filepath.Join(d.root, regionNew, key)); err != nil {
		os.Remove(staged)
		return "", fmt.Errorf("finalize message: %w", err)
	}
	return key, nil
}

// Walk calls fn for every finalized message, unread before read. Keys
// of read messages have their flag suffix stripped, so a message keeps
// its identity when a mail agent moves it from new to cur. Unreadable
// entries are logged and skipped; an error from fn stops the walk.
func (d *Maildir) Walk(fn func(key string, m *Message) error) error {
	for _, region := range []string{regionNew, regionCur} {
		dir := filepath.Join(d.root, region)
		entries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("read %s region: %w", region, err)
		}
		for _, ent := range entries {
			if ent.IsDir() || strings.HasPrefix(ent.Name(), ".") {
				continue
			}
			m, err := d.readFile(filepath.Join(dir, ent.Name()))
			if err != nil {
				log.Printf("Skipping unreadable message %s: %v", ent.Name(), err)
				continue
			}
			key, _, _ := strings.Cut(ent.Name(), ":")
			if err := fn(key, m); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Maildir) readFile(path string) (*Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadMessage(f)
}

// CleanStaging removes staging files older than maxAge. A crash between
// staging and finalizing leaves debris in tmp; anything still there
// after maxAge is not an in-flight write.
func (d *Maildir) CleanStaging(maxAge time.Duration) {
	dir := filepath.Join(d.root, regionTmp)
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Printf("Cleaning staging region: %v", err)
		return
	}
	cutoff := time.Now().Add(-maxAge)
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		info, err := ent.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(dir, ent.Name())); err != nil {
				log.Printf("Removing stale staging file %s: %v", ent.Name(), err)
				continue
			}
			log.Printf("Removed stale staging file %s", ent.Name())
		}
	}
}

// ExpandUser resolves a leading ~/ against the current user's home
// directory, the notation configuration files and the command line use
// for store paths.
func ExpandUser(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}
