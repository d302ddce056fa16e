package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/titanous/json5"
)

const backupsToKeep = 5

// Snapshot is one point-in-time read of the config file and the unit of
// optimistic concurrency. Reading a stale snapshot is allowed; writers pass
// its RawHash as the CAS token.
type Snapshot struct {
	Path          string
	Exists        bool
	Raw           []byte
	RawHash       [sha256.Size]byte
	Effective     *Config
	EffectiveHash string
	LoadErrors    []string
}

// RawHashHex is the hex form of RawHash, the token handed to API callers.
func (s Snapshot) RawHashHex() string {
	return hex.EncodeToString(s.RawHash[:])
}

// OpKind enumerates the mutation operations.
type OpKind string

const (
	OpSet    OpKind = "set"
	OpDelete OpKind = "delete"
	OpPatch  OpKind = "patch"
)

// Op is one element of an Apply sequence.
type Op struct {
	Kind  OpKind
	Path  string
	Value any
}

// Store is the only authorized mutator of the on-disk config document.
// It holds no lock across I/O; concurrent writers race through the hash CAS.
type Store struct {
	path string
	log  *slog.Logger

	// writeMu serializes local writers so the read-modify-write of a single
	// process cannot interleave with itself. Cross-process safety is the
	// hash CAS.
	writeMu sync.Mutex
}

// NewStore builds a store over the config file at path.
func NewStore(path string, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{path: path, log: log}
}

// Path returns the absolute config file path.
func (s *Store) Path() string {
	abs, err := filepath.Abs(s.path)
	if err != nil {
		return s.path
	}
	return abs
}

// Snapshot reads the current file state. Pure; never mutates.
func (s *Store) Snapshot() Snapshot {
	snap := Snapshot{Path: s.Path()}

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			snap.LoadErrors = append(snap.LoadErrors, err.Error())
		}
		snap.RawHash = sha256.Sum256(nil)
		return snap
	}
	snap.Exists = true
	snap.Raw = raw
	snap.RawHash = sha256.Sum256(raw)

	doc := map[string]any{}
	if err := json5.Unmarshal(raw, &doc); err != nil {
		snap.LoadErrors = append(snap.LoadErrors, fmt.Sprintf("parse: %v", err))
		return snap
	}
	NormalizeDoc(doc)
	cfg, err := Decode(doc)
	if err != nil {
		snap.LoadErrors = append(snap.LoadErrors, err.Error())
		return snap
	}
	if issues := Validate(cfg, doc); len(issues) > 0 {
		snap.LoadErrors = append(snap.LoadErrors, issues...)
	}
	snap.Effective = cfg
	snap.EffectiveHash = effectiveHash(doc)
	return snap
}

// Set writes value at path. expectedRawHash (hex) of "" skips the CAS check.
func (s *Store) Set(path string, value any, expectedRawHash string) (Snapshot, error) {
	return s.Apply([]Op{{Kind: OpSet, Path: path, Value: value}}, expectedRawHash)
}

// Delete removes the leaf at path.
func (s *Store) Delete(path string, expectedRawHash string) (Snapshot, error) {
	return s.Apply([]Op{{Kind: OpDelete, Path: path}}, expectedRawHash)
}

// Patch deep-merges value into the subtree at path (objects recurse,
// non-objects replace).
func (s *Store) Patch(path string, value any, expectedRawHash string) (Snapshot, error) {
	return s.Apply([]Op{{Kind: OpPatch, Path: path, Value: value}}, expectedRawHash)
}

// Apply runs an ordered op sequence against the document and commits the
// result atomically. On any failure the on-disk file is left unchanged (or
// rolled back to its pre-mutation bytes).
func (s *Store) Apply(ops []Op, expectedRawHash string) (Snapshot, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	prior := s.Snapshot()
	if expectedRawHash != "" && !strings.EqualFold(expectedRawHash, prior.RawHashHex()) {
		return prior, &ConflictError{Expected: expectedRawHash, Actual: prior.RawHashHex()}
	}

	doc := map[string]any{}
	if prior.Exists {
		if err := json5.Unmarshal(prior.Raw, &doc); err != nil {
			return prior, fmt.Errorf("%w: current file does not parse: %v", ErrValidation, err)
		}
	}

	for _, op := range ops {
		if err := s.applyOp(doc, op); err != nil {
			return prior, err
		}
	}

	NormalizeDoc(doc)
	cfg, err := Decode(doc)
	if err != nil {
		return prior, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if issues := Validate(cfg, doc); len(issues) > 0 {
		return prior, &ValidationError{Issues: issues}
	}

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return prior, fmt.Errorf("serialize config: %w", err)
	}
	out = append(out, '\n')

	if err := s.atomicWrite(out, prior); err != nil {
		return prior, err
	}

	// Validate what actually landed; roll back when unreadable.
	next := s.Snapshot()
	if next.Effective == nil {
		s.rollback(prior)
		return prior, &ValidationError{Issues: append([]string{"post-write validation failed"}, next.LoadErrors...)}
	}
	return next, nil
}

func (s *Store) applyOp(doc map[string]any, op Op) error {
	segs, err := parsePath(op.Path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	switch op.Kind {
	case OpSet:
		value, err := resolveRedactions(op.Value, doc, segs)
		if err != nil {
			return err
		}
		if err := setPath(doc, segs, value); err != nil {
			return fmt.Errorf("%w: set %s: %v", ErrValidation, op.Path, err)
		}
	case OpDelete:
		if err := deletePath(doc, segs); err != nil {
			return fmt.Errorf("%w: delete %s: %v", ErrValidation, op.Path, err)
		}
	case OpPatch:
		value, err := resolveRedactions(op.Value, doc, segs)
		if err != nil {
			return err
		}
		base, ok := getPath(doc, segs)
		if !ok {
			base = map[string]any{}
		}
		if err := setPath(doc, segs, deepMerge(base, value)); err != nil {
			return fmt.Errorf("%w: patch %s: %v", ErrValidation, op.Path, err)
		}
	default:
		return fmt.Errorf("%w: unknown op kind %q", ErrValidation, op.Kind)
	}
	return nil
}

// atomicWrite lands data via tmp+fsync+backup+rename+dir-fsync and rotates
// old backups.
func (s *Store) atomicWrite(data []byte, prior Snapshot) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	now := time.Now().UnixMilli()
	tmpPath := fmt.Sprintf("%s.%d.%d.tmp", s.path, os.Getpid(), now)

	tmp, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create tmp config: %w", err)
	}
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write tmp config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync tmp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close tmp config: %w", err)
	}

	if prior.Exists {
		backupPath := fmt.Sprintf("%s.bak.%d", s.path, now)
		if err := os.WriteFile(backupPath, prior.Raw, 0o644); err != nil {
			s.log.Warn("config: backup copy failed", "path", backupPath, "error", err)
		}
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("commit config: %w", err)
	}
	cleanup = false

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}

	s.pruneBackups()
	return nil
}

// rollback restores the pre-mutation bytes, or removes the file when it did
// not previously exist.
func (s *Store) rollback(prior Snapshot) {
	if !prior.Exists {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			s.log.Error("config: rollback remove failed", "error", err)
		}
		return
	}
	if err := os.WriteFile(s.path, prior.Raw, 0o644); err != nil {
		s.log.Error("config: rollback restore failed", "error", err)
	}
}

func (s *Store) pruneBackups() {
	dir := filepath.Dir(s.path)
	base := filepath.Base(s.path) + ".bak."
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	var backups []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), base) {
			backups = append(backups, e.Name())
		}
	}
	if len(backups) <= backupsToKeep {
		return
	}
	// Timestamps in the suffix sort lexicographically within the same digit
	// count; sort descending and drop the tail.
	sort.Sort(sort.Reverse(sort.StringSlice(backups)))
	for _, name := range backups[backupsToKeep:] {
		_ = os.Remove(filepath.Join(dir, name))
	}
}

// effectiveHash hashes the canonical JSON of the parsed document, so raw
// whitespace and comments do not affect it.
func effectiveHash(doc map[string]any) string {
	canon, err := json.Marshal(doc)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:])
}
