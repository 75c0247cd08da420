// Package ledger is the append-only, hash-chained audit log. Each line of the
// log file is one JSON record {ts, entry, prev, hash}; hash covers the
// canonical form of {ts, entry, prev}, and prev is the hash of the line before.
//
// The chain is tamper-evident only. Nothing is signed, and the file assumes a
// single writer process.
package ledger

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// #region types
// Entry is one stored ledger record.
type Entry struct {
	TS    float64         `json:"ts"`
	Entry json.RawMessage `json:"entry"`
	Prev  string          `json:"prev"`
	Hash  string          `json:"hash"`
}

// ErrIntegrity marks a broken chain or a record whose hash does not match its content.
var ErrIntegrity = errors.New("ledger integrity violation")

// IntegrityError locates a tamper-evidence failure. Line is 1-based.
type IntegrityError struct {
	Line   int
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("ledger integrity violation at line %d: %s", e.Line, e.Reason)
}

// Unwrap lets errors.Is(err, ErrIntegrity) match.
func (e *IntegrityError) Unwrap() error { return ErrIntegrity }

// #endregion types

// #region ledger-struct
// Ledger appends records to a JSONL file.
type Ledger struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// Open returns a ledger backed by path, creating parent directories. The file
// itself is created on first append.
func Open(path string) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}
	return &Ledger{path: path, now: time.Now}, nil
}

// Path returns the backing file path.
func (l *Ledger) Path() string { return l.path }

// #endregion ledger-struct

// #region append
// Append links payload to the last persisted record and writes it as one line.
// prev is read from the file, not from memory, so a reopened ledger continues
// the same chain.
func (l *Ledger) Append(payload any) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev, err := l.lastHash()
	if err != nil {
		return Entry{}, err
	}

	entryJSON, err := Canonical(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("encode payload: %w", err)
	}

	now := l.now()
	ts := float64(now.UnixMicro()) / 1e6
	record := map[string]any{
		"ts":    json.Number(strconv.FormatFloat(ts, 'f', -1, 64)),
		"entry": json.RawMessage(entryJSON),
		"prev":  prev,
	}
	hash, err := HashOf(record)
	if err != nil {
		return Entry{}, fmt.Errorf("hash record: %w", err)
	}
	record["hash"] = hash

	line, err := Canonical(record)
	if err != nil {
		return Entry{}, fmt.Errorf("encode record: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return Entry{}, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return Entry{}, fmt.Errorf("write ledger: %w", err)
	}

	return Entry{TS: ts, Entry: entryJSON, Prev: prev, Hash: hash}, nil
}

// lastHash reads the hash of the final non-empty line, or "" for an empty log.
func (l *Ledger) lastHash() (string, error) {
	line, err := readLastLine(l.path)
	if err != nil {
		return "", err
	}
	if len(line) == 0 {
		return "", nil
	}
	var tail struct {
		Hash string `json:"hash"`
	}
	if err := json.Unmarshal(line, &tail); err != nil {
		return "", &IntegrityError{Line: -1, Reason: "last record is not valid JSON"}
	}
	if tail.Hash == "" {
		return "", &IntegrityError{Line: -1, Reason: "last record has no hash"}
	}
	return tail.Hash, nil
}

// #endregion append

// #region read
// Entries loads every record in file order.
func (l *Ledger) Entries() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var entries []Entry
	err := scanLines(l.path, func(n int, line []byte) error {
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return &IntegrityError{Line: n, Reason: "record is not valid JSON"}
		}
		entries = append(entries, e)
		return nil
	})
	return entries, err
}

// Len counts stored records.
func (l *Ledger) Len() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	err := scanLines(l.path, func(int, []byte) error { n++; return nil })
	return n, err
}

// #endregion read

// #region verify
// Verify recomputes every record hash and checks each prev link. It returns
// the number of verified records, and an *IntegrityError on the first
// violation. Other errors are I/O failures.
func (l *Ledger) Verify() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return VerifyFile(l.path)
}

// VerifyFile is Verify for a path without an open Ledger.
func VerifyFile(path string) (int, error) {
	prevHash := ""
	count := 0
	err := scanLines(path, func(n int, line []byte) error {
		dec := json.NewDecoder(bytes.NewReader(line))
		dec.UseNumber()
		var rec map[string]any
		if err := dec.Decode(&rec); err != nil {
			return &IntegrityError{Line: n, Reason: "record is not valid JSON"}
		}

		stored, _ := rec["hash"].(string)
		prev, _ := rec["prev"].(string)
		if _, ok := rec["ts"]; !ok {
			return &IntegrityError{Line: n, Reason: "missing ts"}
		}
		if _, ok := rec["entry"]; !ok {
			return &IntegrityError{Line: n, Reason: "missing entry"}
		}
		if prev != prevHash {
			return &IntegrityError{Line: n, Reason: fmt.Sprintf("prev %q does not match previous hash %q", prev, prevHash)}
		}

		delete(rec, "hash")
		got, err := HashOf(rec)
		if err != nil {
			return fmt.Errorf("rehash line %d: %w", n, err)
		}
		if got != stored {
			return &IntegrityError{Line: n, Reason: fmt.Sprintf("hash mismatch: stored %s, computed %s", stored, got)}
		}

		prevHash = stored
		count++
		return nil
	})
	return count, err
}

// #endregion verify

// #region file-helpers
func scanLines(path string, fn func(n int, line []byte) error) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	n := 0
	for sc.Scan() {
		n++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := fn(n, line); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("scan ledger: %w", err)
	}
	return nil
}

// readLastLine returns the last non-empty line of path, reading backwards
// from the end so large logs are not loaded whole.
func readLastLine(path string) ([]byte, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat ledger: %w", err)
	}

	const chunk = 4096
	var tail []byte
	offset := info.Size()
	for offset > 0 {
		size := int64(chunk)
		if offset < size {
			size = offset
		}
		offset -= size
		buf := make([]byte, size)
		if _, err := f.ReadAt(buf, offset); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read ledger: %w", err)
		}
		tail = append(buf, tail...)

		trimmed := bytes.TrimRight(tail, " \r\n\t")
		if i := bytes.LastIndexByte(trimmed, '\n'); i >= 0 {
			return bytes.TrimSpace(trimmed[i+1:]), nil
		}
	}
	return bytes.TrimSpace(tail), nil
}

// #endregion file-helpers
