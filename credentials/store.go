package credentials

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/justmike1/casebot/config"
)

// Record is the stored Salesforce credential of one chat user.
type Record struct {
	ChatUserID     string    `json:"chat_user_id"`
	AccessToken    string    `json:"access_token"`
	RefreshToken   string    `json:"refresh_token"`
	InstanceURL    string    `json:"instance_url"`
	ExternalUserID string    `json:"external_user_id"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Store persists one Record per chat user. Get returns nil, nil when the
// user has no record. Save is an upsert keyed by ChatUserID; concurrent saves
// for the same user are last-write-wins.
type Store interface {
	Get(ctx context.Context, chatUserID string) (*Record, error)
	Save(ctx context.Context, rec Record) error
}

// Open builds the store selected by cfg.Driver. The returned close func
// releases the underlying connection or file.
func Open(cfg config.StoreConfig, logger *zap.Logger) (Store, func() error, error) {
	switch cfg.Driver {
	case "redis":
		s := NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, logger)
		return s, s.Close, nil
	case "bolt":
		s, err := NewBoltStore(cfg.BoltPath)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "memory", "":
		logger.Warn("using in-memory credential store; credentials are lost on restart")
		return NewMemoryStore(), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown credential store driver %q", cfg.Driver)
	}
}

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (m *MemoryStore) Get(_ context.Context, chatUserID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[chatUserID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Save(_ context.Context, rec Record) error {
	if rec.ChatUserID == "" {
		return fmt.Errorf("credential record has no chat user id")
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	m.records[rec.ChatUserID] = rec
	m.mu.Unlock()
	return nil
}
