package models

import "gorm.io/gorm"

func MigrateTable(db *gorm.DB) error {
	return db.AutoMigrate(
		&Contact{},
		&QueueItem{},
		&Resource{},
		&Reservation{},
		&UsagePolicy{},
		&UsagePeriod{},
		&UsageTransaction{},
	)
}
