package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"leaddesk/models"
)

var ErrNotFound = errors.New("record not found")

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// GormBackend talks to the hosted postgres database.
type GormBackend struct {
	DB *gorm.DB
}

func NewGormBackend(db *gorm.DB) *GormBackend {
	return &GormBackend{DB: db}
}

func (b *GormBackend) db(ctx context.Context) (*gorm.DB, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	return b.DB.WithContext(ctx), cancel
}

// scoped applies the visibility rule. The second result is false when the
// scope can never match, in which case no query should be issued.
func scoped(tx *gorm.DB, q models.LeadQuery) (*gorm.DB, bool) {
	if q.ScopeAll {
		return tx, true
	}
	switch {
	case len(q.ScopeSources) > 0 && len(q.ScopeAssignees) > 0:
		return tx.Where("source_file IN ? OR assigned_to IN ?", q.ScopeSources, q.ScopeAssignees), true
	case len(q.ScopeSources) > 0:
		return tx.Where("source_file IN ?", q.ScopeSources), true
	case len(q.ScopeAssignees) > 0:
		return tx.Where("assigned_to IN ?", q.ScopeAssignees), true
	}
	return tx, false
}

func filtered(tx *gorm.DB, q models.LeadQuery) *gorm.DB {
	if q.Status != "" {
		tx = tx.Where("status = ?", q.Status)
	}
	if q.SourceFile != "" {
		tx = tx.Where("source_file = ?", q.SourceFile)
	}
	switch q.AssignedTo {
	case "":
	case "unassigned":
		tx = tx.Where("assigned_to IS NULL")
	default:
		tx = tx.Where("assigned_to = ?", q.AssignedTo)
	}
	if s := strings.TrimSpace(q.Search); s != "" {
		like := "%" + s + "%"
		tx = tx.Where("name ILIKE ? OR surname ILIKE ? OR email ILIKE ? OR phone ILIKE ?", like, like, like, like)
	}
	return tx
}

func (b *GormBackend) ListLeads(ctx context.Context, q models.LeadQuery) ([]models.Lead, int64, error) {
	tx, cancel := b.db(ctx)
	defer cancel()

	query, ok := scoped(tx.Model(&models.Lead{}), q)
	if !ok {
		return nil, 0, nil
	}
	query = filtered(query, q)

	var total int64
	if err := query.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count leads: %w", err)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	page := q.Page
	if page < 1 {
		page = 1
	}

	var leads []models.Lead
	err := query.Order("created_at DESC").Offset((page - 1) * limit).Limit(limit).Find(&leads).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list leads: %w", err)
	}
	return leads, total, nil
}

// GetLead returns one lead if scope lets the caller see it.
func (b *GormBackend) GetLead(ctx context.Context, scope models.LeadQuery, id string) (models.Lead, error) {
	tx, cancel := b.db(ctx)
	defer cancel()

	query, ok := scoped(tx.Model(&models.Lead{}).Where("id = ?", id), scope)
	if !ok {
		return models.Lead{}, ErrNotFound
	}
	var lead models.Lead
	if err := query.First(&lead).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Lead{}, ErrNotFound
		}
		return models.Lead{}, err
	}
	return lead, nil
}

// UpdateLeads patches the leads among ids that scope admits and returns how
// many rows changed.
func (b *GormBackend) UpdateLeads(ctx context.Context, scope models.LeadQuery, ids []string, patch models.LeadPatch) (int64, error) {
	if len(ids) == 0 || patch.IsEmpty() {
		return 0, nil
	}
	tx, cancel := b.db(ctx)
	defer cancel()

	query, ok := scoped(tx.Model(&models.Lead{}).Where("id IN ?", ids), scope)
	if !ok {
		return 0, nil
	}
	result := query.Updates(patch.Columns())
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// DeleteLeads removes the leads among ids that scope admits, together with
// their notifications, in one transaction.
func (b *GormBackend) DeleteLeads(ctx context.Context, scope models.LeadQuery, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	db, cancel := b.db(ctx)
	defer cancel()

	tx := db.Begin()
	if tx.Error != nil {
		return 0, tx.Error
	}
	query, ok := scoped(tx.Model(&models.Lead{}).Where("id IN ?", ids), scope)
	if !ok {
		tx.Rollback()
		return 0, nil
	}
	var allowed []string
	if err := query.Pluck("id", &allowed).Error; err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("resolve leads: %w", err)
	}
	if len(allowed) == 0 {
		tx.Rollback()
		return 0, nil
	}
	if err := tx.Where("lead_id IN ?", allowed).Delete(&models.Notification{}).Error; err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("delete notifications: %w", err)
	}
	result := tx.Where("id IN ?", allowed).Delete(&models.Lead{})
	if result.Error != nil {
		tx.Rollback()
		return 0, fmt.Errorf("delete leads: %w", result.Error)
	}
	if err := tx.Commit().Error; err != nil {
		return 0, fmt.Errorf("commit delete: %w", err)
	}
	return result.RowsAffected, nil
}

func (b *GormBackend) LeadStats(ctx context.Context, q models.LeadQuery) ([]models.StatusCount, error) {
	filter, err := json.Marshal(map[string]interface{}{
		"all":       q.ScopeAll,
		"sources":   q.ScopeSources,
		"assignees": q.ScopeAssignees,
	})
	if err != nil {
		return nil, err
	}
	tx, cancel := b.db(ctx)
	defer cancel()

	var rows []models.StatusCount
	if err := tx.Raw("SELECT status, count FROM get_lead_stats(?::jsonb)", string(filter)).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("get_lead_stats: %w", err)
	}
	return rows, nil
}

func (b *GormBackend) LogCall(ctx context.Context, leadID, userID string) error {
	tx, cancel := b.db(ctx)
	defer cancel()
	return tx.Exec("SELECT log_call(?, ?)", leadID, userID).Error
}

func (b *GormBackend) ListNotes(ctx context.Context, leadID string) ([]models.Note, error) {
	tx, cancel := b.db(ctx)
	defer cancel()

	var notes []models.Note
	if err := tx.Where("lead_id = ?", leadID).Order("created_at DESC").Find(&notes).Error; err != nil {
		return nil, err
	}
	return notes, nil
}

func (b *GormBackend) GetNote(ctx context.Context, id string) (models.Note, error) {
	tx, cancel := b.db(ctx)
	defer cancel()

	var note models.Note
	if err := tx.Where("id = ?", id).First(&note).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Note{}, ErrNotFound
		}
		return models.Note{}, err
	}
	return note, nil
}

func (b *GormBackend) InsertNote(ctx context.Context, note models.Note) (models.Note, error) {
	tx, cancel := b.db(ctx)
	defer cancel()
	if err := tx.Create(&note).Error; err != nil {
		return models.Note{}, err
	}
	return note, nil
}

func (b *GormBackend) DeleteNote(ctx context.Context, id string) error {
	tx, cancel := b.db(ctx)
	defer cancel()
	res := tx.Where("id = ?", id).Delete(&models.Note{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (b *GormBackend) AdjustNoteCount(ctx context.Context, leadID string, delta int) error {
	tx, cancel := b.db(ctx)
	defer cancel()
	return tx.Model(&models.Lead{}).Where("id = ?", leadID).
		Update("note_count", gorm.Expr("GREATEST(note_count + ?, 0)", delta)).Error
}

func (b *GormBackend) GetProfile(ctx context.Context, userID string) (models.Agent, error) {
	tx, cancel := b.db(ctx)
	defer cancel()

	var agent models.Agent
	if err := tx.Where("id = ?", userID).First(&agent).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Agent{}, ErrNotFound
		}
		return models.Agent{}, err
	}
	return agent, nil
}

func (b *GormBackend) ListAgents(ctx context.Context) ([]models.Agent, error) {
	tx, cancel := b.db(ctx)
	defer cancel()

	var agents []models.Agent
	if err := tx.Order("name ASC").Find(&agents).Error; err != nil {
		return nil, err
	}
	return agents, nil
}

func (b *GormBackend) ListStatuses(ctx context.Context) ([]models.Status, error) {
	tx, cancel := b.db(ctx)
	defer cancel()

	var statuses []models.Status
	if err := tx.Where("is_active = ?", true).Order("order_index ASC").Find(&statuses).Error; err != nil {
		return nil, err
	}
	return statuses, nil
}

func (b *GormBackend) UnreadByRoom(ctx context.Context, userID string) ([]models.RoomUnread, error) {
	tx, cancel := b.db(ctx)
	defer cancel()

	var rows []models.RoomUnread
	if err := tx.Where("user_id = ? AND unread > 0", userID).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (b *GormBackend) MyRooms(ctx context.Context, userID string) ([]string, error) {
	tx, cancel := b.db(ctx)
	defer cancel()

	var rooms []string
	if err := tx.Model(&models.RoomMember{}).Where("user_id = ?", userID).Pluck("room_id", &rooms).Error; err != nil {
		return nil, err
	}
	return rooms, nil
}

func (b *GormBackend) MyUnreadCount(ctx context.Context, userID string) (int, error) {
	tx, cancel := b.db(ctx)
	defer cancel()

	var n int
	if err := tx.Raw("SELECT get_my_unread_count(?)", userID).Scan(&n).Error; err != nil {
		return 0, fmt.Errorf("get_my_unread_count: %w", err)
	}
	return n, nil
}

func (b *GormBackend) SyncTradingRole(ctx context.Context, userID string, role models.Role) error {
	tx, cancel := b.db(ctx)
	defer cancel()
	return tx.Exec("SELECT sync_trading_role(?, ?)", userID, string(role)).Error
}
