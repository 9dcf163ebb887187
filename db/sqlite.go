package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"diabetesrisk/ml"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
    CREATE TABLE IF NOT EXISTS training_log (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        run_id TEXT NOT NULL UNIQUE,
        model_name VARCHAR(50) NOT NULL,
        accuracy REAL,
        precision REAL,
        recall REAL,
        f1 REAL,
        cv_accuracy REAL,
        best_params TEXT,
        confusion_matrix TEXT,
        dataset_fingerprint TEXT,
        data_points INTEGER,
        trained_at DATETIME NOT NULL
    );
    CREATE TABLE IF NOT EXISTS predictions (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        request_id TEXT,
        features TEXT NOT NULL,
        label INTEGER NOT NULL,
        result TEXT NOT NULL,
        probability REAL,
        model_run_id TEXT,
        created_at DATETIME NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_predictions_created_at ON predictions(created_at);
    `

// Store keeps the training history and served predictions in SQLite.
type Store struct {
	db *sql.DB
}

// Open creates the database file and schema if needed.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}
	database, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	if _, err := database.Exec(schema); err != nil {
		database.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: database}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type TrainingLog struct {
	RunID              string             `json:"run_id"`
	ModelName          string             `json:"model_name"`
	Accuracy           float64            `json:"accuracy"`
	Precision          float64            `json:"precision"`
	Recall             float64            `json:"recall"`
	F1                 float64            `json:"f1"`
	CVAccuracy         float64            `json:"cv_accuracy"`
	BestParams         ml.ForestParams    `json:"best_params"`
	Confusion          ml.ConfusionMatrix `json:"confusion_matrix"`
	DatasetFingerprint string             `json:"dataset_fingerprint"`
	DataPoints         int                `json:"data_points"`
	TrainedAt          time.Time          `json:"trained_at"`
}

// TrainingLogFromArtifact summarizes a finished run. Precision, recall and
// F1 are those of the positive class.
func TrainingLogFromArtifact(a *ml.Artifact) TrainingLog {
	positive := a.Evaluation.Report.Classes[1]
	return TrainingLog{
		RunID:              a.RunID,
		ModelName:          a.ModelType,
		Accuracy:           a.Evaluation.Accuracy,
		Precision:          positive.Precision,
		Recall:             positive.Recall,
		F1:                 positive.F1,
		CVAccuracy:         a.CVAccuracy,
		BestParams:         a.BestParams,
		Confusion:          a.Evaluation.Confusion,
		DatasetFingerprint: a.DatasetFingerprint,
		DataPoints:         a.DatasetRows,
		TrainedAt:          a.CreatedAt,
	}
}

func (s *Store) SaveTrainingLog(ctx context.Context, log TrainingLog) error {
	params, err := json.Marshal(log.BestParams)
	if err != nil {
		return err
	}
	confusion, err := json.Marshal(log.Confusion)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT OR REPLACE INTO training_log (
            run_id, model_name, accuracy, precision, recall, f1, cv_accuracy,
            best_params, confusion_matrix, dataset_fingerprint, data_points, trained_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `,
		log.RunID,
		log.ModelName,
		log.Accuracy,
		log.Precision,
		log.Recall,
		log.F1,
		log.CVAccuracy,
		string(params),
		string(confusion),
		log.DatasetFingerprint,
		log.DataPoints,
		log.TrainedAt.UTC(),
	)
	return err
}

// LoadTrainingLog returns up to limit runs, newest first. limit <= 0 means all.
func (s *Store) LoadTrainingLog(ctx context.Context, limit int) ([]TrainingLog, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT run_id, model_name, accuracy, precision, recall, f1, cv_accuracy,
               best_params, confusion_matrix, dataset_fingerprint, data_points, trained_at
        FROM training_log
        ORDER BY trained_at DESC, id DESC
        LIMIT ?
    `, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]TrainingLog, 0)
	for rows.Next() {
		var log TrainingLog
		var params, confusion sql.NullString
		if err := rows.Scan(&log.RunID, &log.ModelName, &log.Accuracy, &log.Precision, &log.Recall, &log.F1, &log.CVAccuracy,
			&params, &confusion, &log.DatasetFingerprint, &log.DataPoints, &log.TrainedAt); err != nil {
			return nil, err
		}
		if params.Valid {
			if err := json.Unmarshal([]byte(params.String), &log.BestParams); err != nil {
				return nil, fmt.Errorf("run %s best_params: %w", log.RunID, err)
			}
		}
		if confusion.Valid {
			if err := json.Unmarshal([]byte(confusion.String), &log.Confusion); err != nil {
				return nil, fmt.Errorf("run %s confusion_matrix: %w", log.RunID, err)
			}
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

type PredictionRecord struct {
	RequestID   string    `json:"request_id,omitempty"`
	Features    []float64 `json:"features"`
	Label       int       `json:"label"`
	Result      string    `json:"result"`
	Probability float64   `json:"probability"`
	ModelRunID  string    `json:"model_version"`
	CreatedAt   time.Time `json:"created_at"`
}

func (s *Store) SavePrediction(ctx context.Context, rec PredictionRecord) error {
	features, err := json.Marshal(rec.Features)
	if err != nil {
		return err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO predictions (
            request_id, features, label, result, probability, model_run_id, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?)
    `,
		rec.RequestID,
		string(features),
		rec.Label,
		rec.Result,
		rec.Probability,
		rec.ModelRunID,
		rec.CreatedAt.UTC(),
	)
	return err
}

// RecentPredictions returns the newest predictions first.
func (s *Store) RecentPredictions(ctx context.Context, limit int) ([]PredictionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT request_id, features, label, result, probability, model_run_id, created_at
        FROM predictions
        ORDER BY created_at DESC, id DESC
        LIMIT ?
    `, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]PredictionRecord, 0, limit)
	for rows.Next() {
		var rec PredictionRecord
		var requestID, runID sql.NullString
		var features string
		if err := rows.Scan(&requestID, &features, &rec.Label, &rec.Result, &rec.Probability, &runID, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(features), &rec.Features); err != nil {
			return nil, fmt.Errorf("prediction features: %w", err)
		}
		rec.RequestID = requestID.String
		rec.ModelRunID = runID.String
		records = append(records, rec)
	}
	return records, rows.Err()
}
