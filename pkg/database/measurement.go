package database

import (
	"context"
	"fmt"

	"perf-tester/pkg/models"
)

// InitMeasurementSchema creates the measurements table and its indexes
func (db *DB) InitMeasurementSchema(ctx context.Context) error {
	_, err := db.NewCreateTable().
		Model((*models.Measurement)(nil)).
		IfNotExists().
		Exec(ctx)

	if err != nil {
		return fmt.Errorf("failed to create measurements table: %v", err)
	}

	_, err = db.Exec(`
		CREATE INDEX IF NOT EXISTS measurements_run_id_idx ON measurements (run_id);
		CREATE INDEX IF NOT EXISTS measurements_test_name_idx ON measurements (test_name, time);
	`)
	if err != nil {
		return fmt.Errorf("failed to create indexes: %v", err)
	}

	return nil
}

func (db *DB) InsertMeasurement(ctx context.Context, measurement *models.Measurement) error {
	_, err := db.NewInsert().
		Model(measurement).
		Exec(ctx)

	if err != nil {
		return fmt.Errorf("error inserting measurement: %v", err)
	}

	return nil
}

// measurementsByRun returns every artifact row of a campaign run
func (db *DB) measurementsByRun(ctx context.Context, runID string) ([]models.Measurement, error) {
	var measurements []models.Measurement
	err := db.NewSelect().
		Model(&measurements).
		Where("run_id = ?", runID).
		Order("time", "id").
		Scan(ctx)

	if err != nil {
		return nil, fmt.Errorf("error retrieving measurements: %v", err)
	}

	return measurements, nil
}
