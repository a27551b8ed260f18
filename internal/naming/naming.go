// Package naming derives deterministic collection folder names from ingest
// sources and reserves them under the index root.
package naming

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// MaxURLNameLen bounds the URL-derived part of a folder name, in runes.
const MaxURLNameLen = 50

// Policy decides what happens when a derived folder already exists.
type Policy string

const (
	// PolicySuffix picks the first free name among name, name-2, name-3, ...
	PolicySuffix Policy = "suffix"
	// PolicyFail reports a *CollisionError.
	PolicyFail Policy = "fail"
	// PolicyOverwrite replaces the existing folder once the new one is ready.
	PolicyOverwrite Policy = "overwrite"
)

// maxSuffix bounds the PolicySuffix search.
const maxSuffix = 10000

// CollisionError reports that a folder exists and the policy forbids reusing it.
type CollisionError struct {
	Folder string
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("collection %s already exists", e.Folder)
}

// ForFile names a collection after the file's stem: "report.pdf" -> "report_".
func ForFile(path string) string {
	base := filepath.Base(path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if stem == "" {
		stem = base
	}
	return Sanitize(stem) + "_"
}

// ForURL names a collection after the URL with "://" and "/" replaced by "_",
// cut to MaxURLNameLen runes: "https://a.io/x" -> "https_a.io_x_".
func ForURL(rawURL string) string {
	s := strings.ReplaceAll(rawURL, "://", "_")
	s = strings.ReplaceAll(s, "/", "_")
	if r := []rune(s); len(r) > MaxURLNameLen {
		s = string(r[:MaxURLNameLen])
	}
	return Sanitize(s) + "_"
}

// ForText names a collection for raw text. A non-empty sourceID is used like a
// file stem; otherwise the name is derived from a hash of the text.
func ForText(sourceID, text string) string {
	if strings.TrimSpace(sourceID) != "" {
		return Sanitize(sourceID) + "_"
	}
	sum := sha256.Sum256([]byte(text))
	return "text-" + hex.EncodeToString(sum[:6]) + "_"
}

// Sanitize maps every rune outside [A-Za-z0-9._-] to "_" and keeps the result
// from being empty or starting with a dot.
func Sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out == "" {
		return "collection"
	}
	if out[0] == '.' {
		out = "_" + out[1:]
	}
	return out
}

// rename is swapped in tests to simulate a failing move.
var rename = os.Rename

// placeMu serializes Place calls within the process.
var placeMu sync.Mutex

// Place moves the staged folder to name under root according to policy and
// returns the final path. The move is a single rename, so readers see either
// no folder or a complete one. Under PolicyOverwrite the existing folder is
// moved aside first and put back if the new one cannot take its place.
func Place(staged, root, name string, policy Policy) (string, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return "", fmt.Errorf("create index root: %w", err)
	}
	placeMu.Lock()
	defer placeMu.Unlock()

	folder := filepath.Join(root, name)
	switch policy {
	case PolicyOverwrite:
		taken, err := tryMove(staged, folder)
		if err != nil {
			return "", err
		}
		if taken {
			if err := replace(staged, root, folder); err != nil {
				return "", err
			}
		}
		return folder, nil
	case PolicyFail:
		taken, err := tryMove(staged, folder)
		if err != nil {
			return "", err
		}
		if taken {
			return "", &CollisionError{Folder: folder}
		}
		return folder, nil
	case PolicySuffix, "":
		for i := 1; i <= maxSuffix; i++ {
			candidate := folder
			if i > 1 {
				candidate = filepath.Join(root, withSuffix(name, i))
			}
			taken, err := tryMove(staged, candidate)
			if err != nil {
				return "", err
			}
			if !taken {
				return candidate, nil
			}
		}
		return "", &CollisionError{Folder: folder}
	default:
		return "", fmt.Errorf("unknown collision policy %q", policy)
	}
}

// tryMove renames staged to target unless target already exists. It reports
// taken when the name is in use.
func tryMove(staged, target string) (taken bool, err error) {
	if _, err := os.Lstat(target); err == nil {
		return true, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("check collection folder: %w", err)
	}
	if err := rename(staged, target); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return true, nil
		}
		return false, fmt.Errorf("move collection into place: %w", err)
	}
	return false, nil
}

// replace swaps staged in for the existing folder. The old folder is parked in
// a hidden trash folder under root and removed only after the swap succeeds.
func replace(staged, root, folder string) error {
	trash, err := os.MkdirTemp(root, ".trash-*")
	if err != nil {
		return fmt.Errorf("create trash folder: %w", err)
	}
	parked := filepath.Join(trash, filepath.Base(folder))
	if err := rename(folder, parked); err != nil {
		_ = os.RemoveAll(trash)
		return fmt.Errorf("move existing collection aside: %w", err)
	}
	if err := rename(staged, folder); err != nil {
		if restoreErr := rename(parked, folder); restoreErr != nil {
			// The previous collection stays in trash for manual recovery.
			return fmt.Errorf("move collection into place: %w (previous collection kept at %s: %v)", err, parked, restoreErr)
		}
		_ = os.RemoveAll(trash)
		return fmt.Errorf("move collection into place: %w", err)
	}
	_ = os.RemoveAll(trash)
	return nil
}

// withSuffix inserts -n before the trailing underscore: "doc_" -> "doc-2_".
func withSuffix(name string, n int) string {
	if stem, ok := strings.CutSuffix(name, "_"); ok {
		return fmt.Sprintf("%s-%d_", stem, n)
	}
	return fmt.Sprintf("%s-%d", name, n)
}
