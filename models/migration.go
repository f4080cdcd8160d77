package models

import (
	"log"

	"bitbucket.org/mmtpdigital/recon_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&SupplierConfig{},
		&ReconciliationRun{},
		&TransactionMatch{},
		&AuditEvent{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
