// Package rooms is the durable authority for rooms and memberships.
// Every authorization decision in the HTTP handlers, the result
// coordinator, and the room fabric goes through IsMember/MemberRole
// here.
package rooms

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"codehive/pkg/models"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var (
	ErrRoomNotFound  = errors.New("room not found")
	ErrNotMember     = errors.New("user is not a member of the room")
	ErrNotOwner      = errors.New("only the room owner may do this")
	ErrRoleTooLow    = errors.New("role does not permit this action")
	ErrRoomFull      = errors.New("room is at capacity")
	ErrAlreadyMember = errors.New("user is already a member")
	ErrBadPassword   = errors.New("incorrect room password")
	ErrNeedPassword  = errors.New("private rooms require a password")
)

const (
	minCapacity = 2
	maxCapacity = 50
)

// Store provides room and membership operations over GORM.
type Store struct {
	db *gorm.DB
}

// NewStore creates a room store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// CreateParams describe a new room.
type CreateParams struct {
	Name        string
	Description string
	IsPublic    bool
	Password    string
	MaxUsers    int
	Language    string
	OwnerID     uint
}

// Create inserts the room and the owner membership in one transaction.
func (s *Store) Create(p CreateParams) (*models.Room, error) {
	if !p.IsPublic && p.Password == "" {
		return nil, ErrNeedPassword
	}
	if p.MaxUsers < minCapacity || p.MaxUsers > maxCapacity {
		return nil, fmt.Errorf("capacity must be between %d and %d", minCapacity, maxCapacity)
	}

	room := &models.Room{
		RoomID:      uuid.New().String(),
		Name:        p.Name,
		Description: p.Description,
		OwnerID:     p.OwnerID,
		IsPublic:    p.IsPublic,
		MaxUsers:    p.MaxUsers,
		Language:    p.Language,
	}

	if p.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(p.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash room password: %w", err)
		}
		room.PasswordHash = string(hash)
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(room).Error; err != nil {
			return err
		}
		return tx.Create(&models.RoomMember{
			UserID:   p.OwnerID,
			RoomID:   room.RoomID,
			Role:     models.RoleOwner,
			JoinedAt: time.Now(),
		}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("create room: %w", err)
	}
	return room, nil
}

// GetByRoomID fetches one room by its public id.
func (s *Store) GetByRoomID(roomID string) (*models.Room, error) {
	var room models.Room
	if err := s.db.Where("room_id = ?", roomID).First(&room).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, err
	}
	return &room, nil
}

// ListParams filter and page the room listing.
type ListParams struct {
	Page     int
	Limit    int
	Search   string
	Language string
	IsPublic *bool
}

// List returns a page of rooms plus the total match count.
func (s *Store) List(p ListParams) ([]models.Room, int64, error) {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit < 1 || p.Limit > 100 {
		p.Limit = 20
	}

	query := s.db.Model(&models.Room{})
	if p.Search != "" {
		pattern := "%" + strings.ToLower(p.Search) + "%"
		query = query.Where("LOWER(name) LIKE ? OR LOWER(description) LIKE ?", pattern, pattern)
	}
	if p.Language != "" {
		query = query.Where("language = ?", p.Language)
	}
	if p.IsPublic != nil {
		query = query.Where("is_public = ?", *p.IsPublic)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var rooms []models.Room
	err := query.Order("created_at DESC").
		Offset((p.Page - 1) * p.Limit).
		Limit(p.Limit).
		Find(&rooms).Error
	return rooms, total, err
}

// Join adds a membership after checking the password and capacity. The
// capacity check runs inside the transaction so a full room stays full
// under concurrent joins.
func (s *Store) Join(userID uint, roomID, password string) (*models.Room, error) {
	room, err := s.GetByRoomID(roomID)
	if err != nil {
		return nil, err
	}

	if room.PasswordHash != "" {
		if err := bcrypt.CompareHashAndPassword([]byte(room.PasswordHash), []byte(password)); err != nil {
			return nil, ErrBadPassword
		}
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		var existing models.RoomMember
		err := tx.Where("user_id = ? AND room_id = ?", userID, roomID).First(&existing).Error
		if err == nil {
			return ErrAlreadyMember
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		var count int64
		if err := tx.Model(&models.RoomMember{}).Where("room_id = ?", roomID).Count(&count).Error; err != nil {
			return err
		}
		if count >= int64(room.MaxUsers) {
			return ErrRoomFull
		}

		return tx.Create(&models.RoomMember{
			UserID:   userID,
			RoomID:   roomID,
			Role:     models.RoleMember,
			JoinedAt: time.Now(),
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return room, nil
}

// Leave removes the membership. When the owner leaves, the room and all
// memberships are deleted.
func (s *Store) Leave(userID uint, roomID string) (roomDeleted bool, err error) {
	room, err := s.GetByRoomID(roomID)
	if err != nil {
		return false, err
	}

	var member models.RoomMember
	if err := s.db.Where("user_id = ? AND room_id = ?", userID, roomID).First(&member).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, ErrNotMember
		}
		return false, err
	}

	if member.Role == models.RoleOwner {
		err = s.db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("room_id = ?", roomID).Delete(&models.RoomMember{}).Error; err != nil {
				return err
			}
			return tx.Delete(room).Error
		})
		return err == nil, err
	}

	err = s.db.Where("user_id = ? AND room_id = ?", userID, roomID).Delete(&models.RoomMember{}).Error
	return false, err
}

// Kick removes another member. Owners may kick anyone but themselves;
// admins may kick plain members.
func (s *Store) Kick(actorID, targetID uint, roomID string) error {
	if actorID == targetID {
		return ErrRoleTooLow
	}

	actorRole, err := s.MemberRole(actorID, roomID)
	if err != nil {
		return err
	}
	targetRole, err := s.MemberRole(targetID, roomID)
	if err != nil {
		return err
	}

	switch actorRole {
	case models.RoleOwner:
	case models.RoleAdmin:
		if targetRole != models.RoleMember {
			return ErrRoleTooLow
		}
	default:
		return ErrRoleTooLow
	}

	return s.db.Where("user_id = ? AND room_id = ?", targetID, roomID).
		Delete(&models.RoomMember{}).Error
}

// SettingsUpdate carries the owner-editable room fields.
type SettingsUpdate struct {
	Name        *string
	Description *string
	IsPublic    *bool
	Password    *string
	MaxUsers    *int
}

// UpdateSettings mutates descriptive room fields. Owner only.
func (s *Store) UpdateSettings(actorID uint, roomID string, u SettingsUpdate) (*models.Room, error) {
	room, err := s.GetByRoomID(roomID)
	if err != nil {
		return nil, err
	}
	if room.OwnerID != actorID {
		return nil, ErrNotOwner
	}

	// Private rooms must keep a password; check the post-update state so
	// neither flipping visibility nor clearing the password can leave a
	// private room open.
	isPublic := room.IsPublic
	if u.IsPublic != nil {
		isPublic = *u.IsPublic
	}
	passwordHash := room.PasswordHash
	if u.Password != nil {
		if *u.Password == "" {
			passwordHash = ""
		} else {
			hash, err := bcrypt.GenerateFromPassword([]byte(*u.Password), bcrypt.DefaultCost)
			if err != nil {
				return nil, fmt.Errorf("hash room password: %w", err)
			}
			passwordHash = string(hash)
		}
	}
	if !isPublic && passwordHash == "" {
		return nil, ErrNeedPassword
	}

	updates := map[string]interface{}{}
	if u.Name != nil {
		updates["name"] = *u.Name
	}
	if u.Description != nil {
		updates["description"] = *u.Description
	}
	if u.IsPublic != nil {
		updates["is_public"] = isPublic
	}
	if u.MaxUsers != nil {
		if *u.MaxUsers < minCapacity || *u.MaxUsers > maxCapacity {
			return nil, fmt.Errorf("capacity must be between %d and %d", minCapacity, maxCapacity)
		}
		updates["max_users"] = *u.MaxUsers
	}
	if u.Password != nil {
		updates["password_hash"] = passwordHash
	}

	if len(updates) > 0 {
		if err := s.db.Model(room).Updates(updates).Error; err != nil {
			return nil, err
		}
	}
	return room, nil
}

// Delete removes a room and its memberships. Owner only.
func (s *Store) Delete(actorID uint, roomID string) error {
	room, err := s.GetByRoomID(roomID)
	if err != nil {
		return err
	}
	if room.OwnerID != actorID {
		return ErrNotOwner
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("room_id = ?", roomID).Delete(&models.RoomMember{}).Error; err != nil {
			return err
		}
		return tx.Delete(room).Error
	})
}

// IsMember reports whether the user belongs to the room.
func (s *Store) IsMember(userID uint, roomID string) (bool, error) {
	var count int64
	err := s.db.Model(&models.RoomMember{}).
		Where("user_id = ? AND room_id = ?", userID, roomID).
		Count(&count).Error
	return count > 0, err
}

// MemberRole returns the user's role in the room, or ErrNotMember.
func (s *Store) MemberRole(userID uint, roomID string) (string, error) {
	var member models.RoomMember
	if err := s.db.Where("user_id = ? AND room_id = ?", userID, roomID).First(&member).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNotMember
		}
		return "", err
	}
	return member.Role, nil
}

// Members lists all memberships of a room.
func (s *Store) Members(roomID string) ([]models.RoomMember, error) {
	var members []models.RoomMember
	err := s.db.Where("room_id = ?", roomID).Order("joined_at ASC").Find(&members).Error
	return members, err
}

// UpdateCode persists the shared code buffer, and the language when one
// is supplied. Last writer wins.
func (s *Store) UpdateCode(roomID, code, language string) error {
	updates := map[string]interface{}{"last_code": code}
	if language != "" {
		updates["language"] = language
	}
	return s.updateRoom(roomID, updates)
}

// UpdateLanguage persists a language change.
func (s *Store) UpdateLanguage(roomID, language string) error {
	return s.updateRoom(roomID, map[string]interface{}{"language": language})
}

// UpdateInput persists the shared stdin buffer.
func (s *Store) UpdateInput(roomID, input string) error {
	return s.updateRoom(roomID, map[string]interface{}{"last_input": input})
}

func (s *Store) updateRoom(roomID string, updates map[string]interface{}) error {
	res := s.db.Model(&models.Room{}).Where("room_id = ?", roomID).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRoomNotFound
	}
	return nil
}
