package db

import (
	"fmt"
	"os"

	"codehive/internal/logging"
	"codehive/pkg/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// getSeedPassword reads seed credentials from the environment. Defaults are
// refused in production.
func getSeedPassword(envVar, defaultDev string) string {
	password := os.Getenv(envVar)
	if password != "" {
		return password
	}
	if os.Getenv("ENVIRONMENT") == "production" {
		logging.L().Warn("seed password not set in production, seed user will not be created",
			zap.String("env_var", envVar))
		return ""
	}
	return defaultDev
}

// SeedDemoData creates a demo user and a public sandbox room for local
// development. Gated behind SEED_DEMO_DATA=true.
func (d *Database) SeedDemoData() error {
	if os.Getenv("SEED_DEMO_DATA") != "true" {
		return nil
	}

	password := getSeedPassword("DEMO_SEED_PASSWORD", "demo-dev-password")
	if password == "" {
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash demo password: %w", err)
	}

	var demo models.User
	result := d.DB.Where("email = ?", "demo@codehive.dev").First(&demo)
	if result.Error != nil {
		demo = models.User{
			Email:        "demo@codehive.dev",
			Name:         "demo",
			PasswordHash: string(hash),
		}
		if err := d.DB.Create(&demo).Error; err != nil {
			return fmt.Errorf("failed to create demo user: %w", err)
		}
		logging.L().Info("demo user created", zap.String("email", demo.Email))
	}

	var sandbox models.Room
	result = d.DB.Where("owner_id = ? AND name = ?", demo.ID, "Sandbox").First(&sandbox)
	if result.Error != nil {
		sandbox = models.Room{
			RoomID:      uuid.NewString(),
			Name:        "Sandbox",
			Description: "Public room for trying things out",
			OwnerID:     demo.ID,
			IsPublic:    true,
			MaxUsers:    10,
			Language:    "python",
		}
		if err := d.DB.Create(&sandbox).Error; err != nil {
			return fmt.Errorf("failed to create sandbox room: %w", err)
		}

		member := models.RoomMember{
			UserID: demo.ID,
			RoomID: sandbox.RoomID,
			Role:   models.RoleOwner,
		}
		if err := d.DB.Create(&member).Error; err != nil {
			return fmt.Errorf("failed to add demo user to sandbox: %w", err)
		}
		logging.L().Info("sandbox room created", zap.String("room_id", sandbox.RoomID))
	}

	return nil
}
