package testing

import (
	"testing"
	"time"

	"github.com/aristath/riskengine/internal/database"
	"github.com/aristath/riskengine/internal/domain"
	"github.com/google/uuid"
)

// NewCalculationSet inserts a pending calculation set into a migrated
// analytics database and returns its id.
func NewCalculationSet(t *testing.T, db *database.DB, portfolioID int64, date time.Time) string {
	t.Helper()

	id := uuid.New().String()
	if _, err := db.Exec(
		"INSERT INTO calculation_sets (id, portfolio_id, calc_date, status, created_at) VALUES (?, ?, ?, 'pending', ?)",
		id, portfolioID, domain.DateKey(date), time.Now().Unix(),
	); err != nil {
		t.Fatalf("Failed to create calculation set: %v", err)
	}
	return id
}

// CommitCalculationSet marks a calculation set committed.
func CommitCalculationSet(t *testing.T, db *database.DB, id string) {
	t.Helper()

	if _, err := db.Exec(
		"UPDATE calculation_sets SET status = 'committed', committed_at = ? WHERE id = ?",
		time.Now().Unix(), id,
	); err != nil {
		t.Fatalf("Failed to commit calculation set %s: %v", id, err)
	}
}
