package models

import "gorm.io/gorm"

// MigrateModels keeps the settlement tables in sync with the structs.
// Called once from main() after the DB connection is established.
func MigrateModels(db *gorm.DB) error {
	return db.AutoMigrate(
		&Campaign{},
		&Donation{},
	)
}
