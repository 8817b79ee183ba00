package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

// State of a cache entry. A sealed entry never changes again.
type State string

const (
	Partial State = "partial"
	Sealed  State = "sealed"
)

const (
	fileSuffix = ".json.gz"
	timeLayout = "15-04"
	hashLength = 8
)

// Entry is one cached payload as found on disk.
type Entry struct {
	Source    string
	Endpoint  string
	Period    string
	State     State
	Hash      string
	CreatedAt time.Time
	Payload   []byte

	periodStart time.Time
	periodEnd   time.Time
	path        string
}

// fileEntry is the gzip-compressed JSON document stored per entry.
type fileEntry struct {
	Source      string          `json:"source"`
	Endpoint    string          `json:"endpoint"`
	Date        string          `json:"date"`
	DataHash    string          `json:"data_hash"`
	CreatedAt   time.Time       `json:"created_at"`
	PeriodStart time.Time       `json:"period_start"`
	PeriodEnd   time.Time       `json:"period_end"`
	Data        json.RawMessage `json:"data"`
}

// ContentHash is a short digest of the payload. JSON payloads are hashed in
// canonical form so key order and whitespace do not count as changes.
func ContentHash(payload []byte) string {
	canonical := payload
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err == nil {
		if b, err := json.Marshal(v); err == nil {
			canonical = b
		}
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])[:hashLength]
}

// fileName builds {period}_{HH-MM}[_{hash8}].json.gz.
func fileName(period string, created time.Time, state State, hash string) string {
	name := period + "_" + created.Format(timeLayout)
	if state == Sealed {
		name += "_" + hash
	}
	return name + fileSuffix
}

type parsedName struct {
	period string
	clock  string
	hash   string
}

func (n parsedName) state() State {
	if n.hash != "" {
		return Sealed
	}
	return Partial
}

func parseFileName(name string) (parsedName, bool) {
	if !strings.HasSuffix(name, fileSuffix) {
		return parsedName{}, false
	}
	parts := strings.Split(strings.TrimSuffix(name, fileSuffix), "_")
	switch len(parts) {
	case 2:
		return parsedName{period: parts[0], clock: parts[1]}, true
	case 3:
		if len(parts[2]) != hashLength {
			return parsedName{}, false
		}
		return parsedName{period: parts[0], clock: parts[1], hash: parts[2]}, true
	}
	return parsedName{}, false
}

func readEntry(path string) (*Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("open gzip %s: %w", path, err)
	}
	defer zr.Close()

	var fe fileEntry
	if err := json.NewDecoder(zr).Decode(&fe); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	name, ok := parseFileName(filepath.Base(path))
	if !ok {
		return nil, fmt.Errorf("unexpected cache file name %s", path)
	}

	hash := fe.DataHash
	if name.state() == Sealed {
		hash = name.hash
	}

	return &Entry{
		Source:      fe.Source,
		Endpoint:    fe.Endpoint,
		Period:      name.period,
		State:       name.state(),
		Hash:        hash,
		CreatedAt:   info.ModTime(),
		Payload:     []byte(fe.Data),
		periodStart: fe.PeriodStart,
		periodEnd:   fe.PeriodEnd,
		path:        path,
	}, nil
}

// writeEntry writes e atomically into dir and stamps the file with
// e.CreatedAt.
func writeEntry(dir string, e *Entry) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create cache dir: %w", err)
	}

	fe := fileEntry{
		Source:      e.Source,
		Endpoint:    e.Endpoint,
		Date:        e.Period,
		DataHash:    e.Hash,
		CreatedAt:   e.CreatedAt,
		PeriodStart: e.periodStart,
		PeriodEnd:   e.periodEnd,
		Data:        json.RawMessage(e.Payload),
	}

	tmp, err := os.CreateTemp(dir, ".entry-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	zw := gzip.NewWriter(tmp)
	if err := json.NewEncoder(zw).Encode(fe); err != nil {
		tmp.Close()
		return "", fmt.Errorf("encode entry: %w", err)
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("flush gzip: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	path := filepath.Join(dir, fileName(e.Period, e.CreatedAt, e.State, e.Hash))
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("rename entry: %w", err)
	}
	if err := os.Chtimes(path, e.CreatedAt, e.CreatedAt); err != nil {
		return "", err
	}
	e.path = path
	return path, nil
}
