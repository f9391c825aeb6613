package migration

import (
	"errors"

	credentialdomain "github.com/smallbiznis/depotsync/internal/credential/domain"
	ledgerdomain "github.com/smallbiznis/depotsync/internal/ledger/domain"
	mirrordomain "github.com/smallbiznis/depotsync/internal/mirror/domain"
	tenantdomain "github.com/smallbiznis/depotsync/internal/tenant/domain"
	"gorm.io/gorm"
)

// RunMigrations creates the synchronization tables on startup so a fresh
// deployment is usable out of the box on any supported dialect.
func RunMigrations(db *gorm.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	return db.AutoMigrate(
		&tenantdomain.SyncConfig{},
		&credentialdomain.Record{},
		&ledgerdomain.Entry{},
		&mirrordomain.Stock{},
	)
}
