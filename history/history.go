// Package history - Persists training runs and their per-epoch losses in SQLite.
package history

import (
	"database/sql"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/nvr-ai/go-ml-finetune/train"
	"github.com/pkg/errors"
)

// ErrNoEpochs is returned by Best for a run without recorded epochs.
var ErrNoEpochs = errors.New("run has no recorded epochs")

// RunRecord is one training run.
type RunRecord struct {
	ID        int64
	Name      string
	StartedAt time.Time
	// Config is the configuration the run was started with, as written by the caller.
	Config string
}

// EpochRecord is one stored epoch.
type EpochRecord struct {
	RunID      int64
	Epoch      int
	Train      train.Metrics
	Eval       *train.Metrics
	Checkpoint string
	Duration   time.Duration
}

// Score returns the evaluation total when the epoch was evaluated, and the training total
// otherwise.
func (r EpochRecord) Score() float32 {
	if r.Eval != nil {
		return r.Eval.Total()
	}
	return r.Train.Total()
}

// Store wraps the SQLite database with thread-safe access.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open opens or creates the history database at path.
//
// Arguments:
//   - path: The database file.
//
// Returns:
//   - *Store: The store, with its tables created.
//   - error: An error if the database cannot be opened or migrated.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, "open history")
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migrate history")
	}
	return s, nil
}

// migrate creates the tables if they don't exist.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		config TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS epochs (
		run_id INTEGER NOT NULL,
		epoch INTEGER NOT NULL,
		box_loss REAL NOT NULL,
		class_loss REAL NOT NULL,
		batches INTEGER NOT NULL,
		matched INTEGER NOT NULL,
		degenerate INTEGER NOT NULL,
		eval_box_loss REAL,
		eval_class_loss REAL,
		eval_batches INTEGER,
		eval_matched INTEGER,
		checkpoint TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL,
		PRIMARY KEY (run_id, epoch),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Run records the epochs of one training run.
type Run struct {
	ID    int64
	store *Store
}

// StartRun inserts a new run.
func (s *Store) StartRun(name, config string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`INSERT INTO runs (name, started_at, config) VALUES (?, ?, ?)`,
		name, time.Now().UTC(), config)
	if err != nil {
		return nil, errors.Wrap(err, "insert run")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(err, "run id")
	}
	return &Run{ID: id, store: s}, nil
}

// RecordEpoch stores an epoch of the run. Recording the same epoch again replaces it.
func (r *Run) RecordEpoch(e train.Epoch) error {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	var evalBox, evalClass sql.NullFloat64
	var evalBatches, evalMatched sql.NullInt64
	if e.Eval != nil {
		evalBox = sql.NullFloat64{Float64: float64(e.Eval.BoxLoss), Valid: true}
		evalClass = sql.NullFloat64{Float64: float64(e.Eval.ClassLoss), Valid: true}
		evalBatches = sql.NullInt64{Int64: int64(e.Eval.Batches), Valid: true}
		evalMatched = sql.NullInt64{Int64: int64(e.Eval.Matched), Valid: true}
	}

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO epochs (
			run_id, epoch, box_loss, class_loss, batches, matched, degenerate,
			eval_box_loss, eval_class_loss, eval_batches, eval_matched, checkpoint, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, e.Index, e.Train.BoxLoss, e.Train.ClassLoss, e.Train.Batches, e.Train.Matched,
		e.Train.Degenerate, evalBox, evalClass, evalBatches, evalMatched, e.Checkpoint,
		e.Duration.Milliseconds())
	if err != nil {
		return errors.Wrapf(err, "insert epoch %d of run %d", e.Index, r.ID)
	}
	return nil
}

// Runs returns every run, most recent first.
func (s *Store) Runs() ([]RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT id, name, started_at, config FROM runs ORDER BY id DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "query runs")
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var r RunRecord
		if err := rows.Scan(&r.ID, &r.Name, &r.StartedAt, &r.Config); err != nil {
			return nil, errors.Wrap(err, "scan run")
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Epochs returns the stored epochs of a run in order.
func (s *Store) Epochs(runID int64) ([]EpochRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT epoch, box_loss, class_loss, batches, matched, degenerate,
			eval_box_loss, eval_class_loss, eval_batches, eval_matched, checkpoint, duration_ms
		FROM epochs WHERE run_id = ? ORDER BY epoch
	`, runID)
	if err != nil {
		return nil, errors.Wrap(err, "query epochs")
	}
	defer rows.Close()

	var epochs []EpochRecord
	for rows.Next() {
		var (
			r                        = EpochRecord{RunID: runID}
			evalBox, evalClass       sql.NullFloat64
			evalBatches, evalMatched sql.NullInt64
			durationMS               int64
		)
		err := rows.Scan(&r.Epoch, &r.Train.BoxLoss, &r.Train.ClassLoss, &r.Train.Batches,
			&r.Train.Matched, &r.Train.Degenerate, &evalBox, &evalClass, &evalBatches, &evalMatched,
			&r.Checkpoint, &durationMS)
		if err != nil {
			return nil, errors.Wrap(err, "scan epoch")
		}
		if evalBox.Valid {
			r.Eval = &train.Metrics{
				BoxLoss:   float32(evalBox.Float64),
				ClassLoss: float32(evalClass.Float64),
				Batches:   int(evalBatches.Int64),
				Matched:   int(evalMatched.Int64),
			}
		}
		r.Duration = time.Duration(durationMS) * time.Millisecond
		epochs = append(epochs, r)
	}
	return epochs, rows.Err()
}

// Best returns the epoch of a run with the lowest Score.
func (s *Store) Best(runID int64) (EpochRecord, error) {
	epochs, err := s.Epochs(runID)
	if err != nil {
		return EpochRecord{}, err
	}
	if len(epochs) == 0 {
		return EpochRecord{}, errors.Wrapf(ErrNoEpochs, "run %d", runID)
	}

	best := epochs[0]
	for _, e := range epochs[1:] {
		if e.Score() < best.Score() {
			best = e
		}
	}
	return best, nil
}
