package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

// ErrNoSnapshot is returned by LoadLatest when storage holds no snapshot.
var ErrNoSnapshot = errors.New("no snapshot found")

const timeLayout = "20060102-150405.000"

// Envelope wraps a snapshot payload with the version and time it was taken.
type Envelope struct {
	Version   string          `json:"version"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Storage defines interface for backup storage
type Storage interface {
	Save(ctx context.Context, name string, data io.Reader) error
	Load(ctx context.Context, name string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, name string) error
}

// Service writes timestamped JSON snapshots under a name prefix. Names sort
// in the order the snapshots were taken.
type Service struct {
	storage Storage
	prefix  string
	version string
	now     func() time.Time
}

func NewService(storage Storage, prefix, version string) *Service {
	return &Service{
		storage: storage,
		prefix:  prefix,
		version: version,
		now:     time.Now,
	}
}

// Save stores payload as a new snapshot and returns its name.
func (s *Service) Save(ctx context.Context, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	ts := s.now().UTC()
	data, err := json.Marshal(Envelope{Version: s.version, Timestamp: ts, Payload: raw})
	if err != nil {
		return "", fmt.Errorf("failed to marshal snapshot envelope: %w", err)
	}

	name := fmt.Sprintf("%s-%s.json", s.prefix, ts.Format(timeLayout))
	if err := s.storage.Save(ctx, name, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("failed to save snapshot: %w", err)
	}
	return name, nil
}

// LoadLatest decodes the newest snapshot into payload.
func (s *Service) LoadLatest(ctx context.Context, payload any) (*Envelope, string, error) {
	names, err := s.List(ctx)
	if err != nil {
		return nil, "", err
	}
	if len(names) == 0 {
		return nil, "", ErrNoSnapshot
	}
	name := names[len(names)-1]

	r, err := s.storage.Load(ctx, name)
	if err != nil {
		return nil, name, fmt.Errorf("failed to load snapshot: %w", err)
	}
	defer r.Close()

	var env Envelope
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		return nil, name, fmt.Errorf("failed to decode snapshot %s: %w", name, err)
	}
	if err := json.Unmarshal(env.Payload, payload); err != nil {
		return nil, name, fmt.Errorf("failed to decode snapshot payload %s: %w", name, err)
	}
	return &env, name, nil
}

// List returns snapshot names oldest first.
func (s *Service) List(ctx context.Context) ([]string, error) {
	names, err := s.storage.List(ctx, s.prefix+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	out := names[:0]
	for _, n := range names {
		if strings.HasSuffix(n, ".json") {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Prune deletes all but the newest keep snapshots and reports how many went.
func (s *Service) Prune(ctx context.Context, keep int) (int, error) {
	names, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	if keep < 1 {
		keep = 1
	}
	if len(names) <= keep {
		return 0, nil
	}

	var errs []error
	deleted := 0
	for _, name := range names[:len(names)-keep] {
		if err := s.storage.Delete(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", name, err))
			continue
		}
		deleted++
	}
	return deleted, errors.Join(errs...)
}
