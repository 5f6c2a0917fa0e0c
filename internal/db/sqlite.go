package db

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log"

	"github.com/glebarez/sqlite"
	"github.com/nanlv11/business-gemini-pool/internal/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitDB initializes the SQLite database connection and runs migrations.
func InitDB(dbPath string) (*gorm.DB, error) {
	database, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	// Auto-migrate all models
	if err := database.AutoMigrate(
		&models.Account{},
		&models.Config{},
		&models.KVEntry{},
		&models.FileMapping{},
	); err != nil {
		return nil, err
	}

	ensureAPIKey(database)
	ensureDefaultModels(database)

	return database, nil
}

// ensureAPIKey generates API key if not exists
func ensureAPIKey(database *gorm.DB) {
	var config models.Config
	result := database.Where("key = ?", "api_key").First(&config)

	if result.Error != nil {
		// Generate new API key: sk-<32 hex chars>
		keyBytes := make([]byte, 16)
		rand.Read(keyBytes)
		apiKey := "sk-" + hex.EncodeToString(keyBytes)

		database.Create(&models.Config{
			Key:   "api_key",
			Value: apiKey,
		})
		log.Printf("🔑 Generated new API key: %s", apiKey)
	}
}

// GetAPIKey retrieves the API key from database
func GetAPIKey(database *gorm.DB) string {
	var config models.Config
	database.Where("key = ?", "api_key").First(&config)
	return config.Value
}

// RegenerateAPIKey creates a new API key
func RegenerateAPIKey(database *gorm.DB) string {
	keyBytes := make([]byte, 16)
	rand.Read(keyBytes)
	apiKey := "sk-" + hex.EncodeToString(keyBytes)

	database.Model(&models.Config{}).Where("key = ?", "api_key").Update("value", apiKey)
	log.Printf("🔑 Regenerated API key: %s", apiKey)
	return apiKey
}

// ModelEntry is one entry of the exposed model catalog.
type ModelEntry struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	ContextLength int    `json:"context_length"`
	MaxTokens     int    `json:"max_tokens"`
	Enabled       bool   `json:"enabled"`
}

const modelsConfigKey = "models"

// ensureDefaultModels seeds the model catalog on first run.
func ensureDefaultModels(database *gorm.DB) {
	var count int64
	database.Model(&models.Config{}).Where("key = ?", modelsConfigKey).Count(&count)
	if count > 0 {
		return
	}

	defaults := []ModelEntry{
		{
			ID:            "gemini-enterprise",
			Name:          "Gemini Enterprise",
			ContextLength: 32768,
			MaxTokens:     8192,
			Enabled:       true,
		},
	}
	jsonData, _ := json.Marshal(defaults)
	database.Create(&models.Config{
		Key:   modelsConfigKey,
		Value: string(jsonData),
	})
	log.Printf("✅ Initialized default model catalog (%d models)", len(defaults))
}

// GetModels retrieves the model catalog.
func GetModels(database *gorm.DB) ([]ModelEntry, error) {
	var config models.Config
	if err := database.Where("key = ?", modelsConfigKey).First(&config).Error; err != nil {
		return nil, err
	}
	var list []ModelEntry
	if err := json.Unmarshal([]byte(config.Value), &list); err != nil {
		return nil, err
	}
	return list, nil
}

// SaveModels replaces the model catalog.
func SaveModels(database *gorm.DB, list []ModelEntry) error {
	jsonData, err := json.Marshal(list)
	if err != nil {
		return err
	}
	return database.Model(&models.Config{}).
		Where("key = ?", modelsConfigKey).
		Update("value", string(jsonData)).Error
}
