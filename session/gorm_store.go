package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/hupe1980/meshchat/core"
	dbpkg "github.com/hupe1980/meshchat/internal/db"
)

// GormStore is a core.Store backed by gorm.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the database and migrates the schema.
func NewGormStore(driver, dsn string) (*GormStore, error) {
	gormDB, err := dbpkg.OpenGorm(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open gorm store: %w", err)
	}
	return NewGormStoreFromDB(gormDB)
}

// NewGormStoreFromDB wraps an open connection and migrates the schema.
func NewGormStoreFromDB(gormDB *gorm.DB) (*GormStore, error) {
	store := &GormStore{db: gormDB}
	if err := store.Migrate(); err != nil {
		return nil, err
	}
	return store, nil
}

// Migrate creates or updates the schema.
func (s *GormStore) Migrate() error {
	if err := s.db.AutoMigrate(&sessionRow{}, &agentRow{}, &bindingRow{}, &messageRow{}); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *GormStore) CreateSession(ctx context.Context, sess *core.Session) error {
	fillSession(sess)
	row, err := sessionRowFromRecord(sess)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *GormStore) GetSession(ctx context.Context, id string) (*core.Session, error) {
	var row sessionRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, core.ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return row.toRecord()
}

func (s *GormStore) ListSessions(ctx context.Context) ([]core.Session, error) {
	var rows []sessionRow
	if err := s.db.WithContext(ctx).Order("updated_at DESC").Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]core.Session, 0, len(rows))
	for _, row := range rows {
		sess, err := row.toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, nil
}

func (s *GormStore) UpdateSession(ctx context.Context, sess *core.Session) error {
	row, err := sessionRowFromRecord(sess)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&sessionRow{}).Where("id = ?", sess.ID).Updates(map[string]any{
		"title":        row.Title,
		"user_id":      row.UserID,
		"status":       row.Status,
		"graph_config": row.GraphConfig,
		"updated_at":   now,
	})
	if res.Error != nil {
		return fmt.Errorf("update session: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return core.ErrSessionNotFound
	}
	sess.UpdatedAt = now
	return nil
}

func (s *GormStore) DeleteSession(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", id).Delete(&messageRow{}).Error; err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		if err := tx.Where("session_id = ?", id).Delete(&bindingRow{}).Error; err != nil {
			return fmt.Errorf("delete bindings: %w", err)
		}
		res := tx.Where("id = ?", id).Delete(&sessionRow{})
		if res.Error != nil {
			return fmt.Errorf("delete session: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return core.ErrSessionNotFound
		}
		return nil
	})
}

func (s *GormStore) AddBinding(ctx context.Context, b *core.SessionAgent) error {
	if b.ID == "" {
		b.ID = core.NewID()
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireSession(tx, b.SessionID); err != nil {
			return err
		}
		var agents int64
		if err := tx.Model(&agentRow{}).Where("id = ?", b.AgentID).Count(&agents).Error; err != nil {
			return fmt.Errorf("agent lookup: %w", err)
		}
		if agents == 0 {
			return fmt.Errorf("%w: agent %s", core.ErrNotFound, b.AgentID)
		}

		var maxPos int64
		if err := tx.Model(&bindingRow{}).
			Where("session_id = ?", b.SessionID).
			Select("COALESCE(MAX(position), 0)").
			Scan(&maxPos).Error; err != nil {
			return fmt.Errorf("position lookup: %w", err)
		}

		row := bindingRow{
			ID:                   b.ID,
			SessionID:            b.SessionID,
			AgentID:              b.AgentID,
			Position:             maxPos + 1,
			OverrideSystemPrompt: b.OverrideSystemPrompt,
			OverrideModel:        b.OverrideModel,
			MemoryContext:        string(b.Memory.Data),
			MemoryVersion:        b.Memory.Version,
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("create binding: %w", err)
		}
		return touchSession(tx, b.SessionID, time.Now().UTC())
	})
}

func (s *GormStore) ListBindings(ctx context.Context, sessionID string) ([]core.SessionAgent, error) {
	if err := requireSession(s.db.WithContext(ctx), sessionID); err != nil {
		return nil, err
	}
	var rows []bindingRow
	if err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("position ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list bindings: %w", err)
	}
	out := make([]core.SessionAgent, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRecord())
	}
	return out, nil
}

func (s *GormStore) GetBinding(ctx context.Context, id string) (*core.SessionAgent, error) {
	var row bindingRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: binding %s", core.ErrNotFound, id)
		}
		return nil, fmt.Errorf("get binding: %w", err)
	}
	b := row.toRecord()
	return &b, nil
}

func (s *GormStore) CreateAgent(ctx context.Context, a *core.AgentDefinition) error {
	if a.ID == "" {
		a.ID = core.NewID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	row := agentRowFromRecord(a)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

func (s *GormStore) GetAgent(ctx context.Context, id string) (*core.AgentDefinition, error) {
	var row agentRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: agent %s", core.ErrNotFound, id)
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	a := row.toRecord()
	return &a, nil
}

func (s *GormStore) ListAgents(ctx context.Context) ([]core.AgentDefinition, error) {
	var rows []agentRow
	if err := s.db.WithContext(ctx).Order("created_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	out := make([]core.AgentDefinition, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRecord())
	}
	return out, nil
}

// AppendMessage writes the message, the memory update and the session
// timestamp in one transaction. The memory update only applies when the
// stored version is exactly one below the new version.
func (s *GormStore) AppendMessage(ctx context.Context, msg *core.Message, update *core.MemoryUpdate) error {
	fillMessage(msg)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireSession(tx, msg.SessionID); err != nil {
			return err
		}

		if msg.Role == core.RoleAssistant {
			var owned int64
			if err := tx.Model(&bindingRow{}).
				Where("id = ? AND session_id = ?", msg.AgentID, msg.SessionID).
				Count(&owned).Error; err != nil {
				return fmt.Errorf("binding lookup: %w", err)
			}
			if owned == 0 {
				return fmt.Errorf("%w: assistant message references binding %q outside session", core.ErrNotFound, msg.AgentID)
			}
		}

		if update != nil {
			updatedAt := update.Memory.UpdatedAt
			res := tx.Model(&bindingRow{}).
				Where("id = ? AND session_id = ? AND memory_version = ?", update.BindingID, msg.SessionID, update.Memory.Version-1).
				Updates(map[string]any{
					"memory_context":    string(update.Memory.Data),
					"memory_version":    update.Memory.Version,
					"memory_updated_at": &updatedAt,
				})
			if res.Error != nil {
				return fmt.Errorf("update memory: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				var exists int64
				if err := tx.Model(&bindingRow{}).Where("id = ? AND session_id = ?", update.BindingID, msg.SessionID).Count(&exists).Error; err != nil {
					return fmt.Errorf("binding lookup: %w", err)
				}
				if exists == 0 {
					return fmt.Errorf("%w: binding %s", core.ErrNotFound, update.BindingID)
				}
				return core.ErrStaleMemory
			}
		}

		var maxSeq int64
		if err := tx.Model(&messageRow{}).
			Where("session_id = ?", msg.SessionID).
			Select("COALESCE(MAX(sequence), 0)").
			Scan(&maxSeq).Error; err != nil {
			return fmt.Errorf("sequence lookup: %w", err)
		}

		row, err := messageRowFromRecord(msg, maxSeq+1)
		if err != nil {
			return fmt.Errorf("encode message: %w", err)
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("create message: %w", err)
		}
		return touchSession(tx, msg.SessionID, msg.CreatedAt)
	})
}

func (s *GormStore) ListMessages(ctx context.Context, sessionID string) ([]core.Message, error) {
	if err := requireSession(s.db.WithContext(ctx), sessionID); err != nil {
		return nil, err
	}
	var rows []messageRow
	if err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("sequence ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	out := make([]core.Message, 0, len(rows))
	for _, row := range rows {
		msg, err := row.toRecord()
		if err != nil {
			return nil, fmt.Errorf("decode message %s: %w", row.ID, err)
		}
		out = append(out, msg)
	}
	return out, nil
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.Close()
}

func requireSession(tx *gorm.DB, id string) error {
	var n int64
	if err := tx.Model(&sessionRow{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return fmt.Errorf("session lookup: %w", err)
	}
	if n == 0 {
		return core.ErrSessionNotFound
	}
	return nil
}

func touchSession(tx *gorm.DB, id string, at time.Time) error {
	if err := tx.Model(&sessionRow{}).Where("id = ?", id).Update("updated_at", at).Error; err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}
