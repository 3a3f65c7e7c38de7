package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
)

// FileStore persists the ledger as a JSON file. Writes go to a temp file in
// the same directory followed by a rename, so readers never observe a
// partially written record.
type FileStore struct {
	path string
}

// NewFileStore creates a file-backed ledger store at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// rawState tolerates missing, mistyped, or non-finite fields in the on-disk
// record; normalization falls back per field rather than discarding the
// whole file.
type rawState struct {
	Balance   *float64 `json:"balance"`
	Earnings  *float64 `json:"earnings"`
	CoinStats struct {
		One    *float64 `json:"one"`
		Five   *float64 `json:"five"`
		Ten    *float64 `json:"ten"`
		Twenty *float64 `json:"twenty"`
	} `json:"coinStats"`
	JobStats struct {
		Total *float64 `json:"total"`
		Print *float64 `json:"print"`
		Copy  *float64 `json:"copy"`
	} `json:"jobStats"`
}

func (s *FileStore) Load(ctx context.Context) (*State, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return &State{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}

	var raw rawState
	if err := json.Unmarshal(data, &raw); err != nil {
		// Malformed file: start over with defaults rather than refusing to boot.
		return &State{}, nil
	}

	state := &State{
		Balance:  counterOr(raw.Balance, 0),
		Earnings: counterOr(raw.Earnings, 0),
		CoinStats: CoinStats{
			One:    counterOr(raw.CoinStats.One, 0),
			Five:   counterOr(raw.CoinStats.Five, 0),
			Ten:    counterOr(raw.CoinStats.Ten, 0),
			Twenty: counterOr(raw.CoinStats.Twenty, 0),
		},
		JobStats: JobStats{
			Total: counterOr(raw.JobStats.Total, 0),
			Print: counterOr(raw.JobStats.Print, 0),
			Copy:  counterOr(raw.JobStats.Copy, 0),
		},
	}
	return state, nil
}

func (s *FileStore) Save(ctx context.Context, state *State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp ledger file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close ledger file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace ledger file: %w", err)
	}
	return nil
}

// counterOr converts a loosely typed JSON number to a non-negative int64,
// falling back when the field is absent or not a finite number.
func counterOr(v *float64, fallback int64) int64 {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return fallback
	}
	n := int64(*v)
	if n < 0 {
		return fallback
	}
	return n
}
