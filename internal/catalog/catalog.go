// Package catalog keeps a SQLite history of capture sessions and their
// analyzed segments.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	apperrors "github.com/GriffinCanCode/good-listener/backend/capture/internal/errors"
	"github.com/GriffinCanCode/good-listener/backend/capture/internal/pipeline"
	"github.com/GriffinCanCode/good-listener/backend/capture/internal/session"
)

// DefaultListLimit caps List when no limit is given.
const DefaultListLimit = 20

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id            TEXT PRIMARY KEY,
	started_at    INTEGER NOT NULL,
	stopped_at    INTEGER NOT NULL,
	audio_dir     TEXT NOT NULL,
	video_dir     TEXT NOT NULL,
	audio_summary TEXT NOT NULL,
	video_summary TEXT NOT NULL,
	audio_error   TEXT NOT NULL DEFAULT '',
	video_error   TEXT NOT NULL DEFAULT '',
	expired       INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS segments (
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	modality   TEXT NOT NULL,
	idx        INTEGER NOT NULL,
	path       TEXT NOT NULL,
	failed     INTEGER NOT NULL DEFAULT 0,
	text       TEXT NOT NULL DEFAULT '',
	error      TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (session_id, modality, idx)
);

CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);
`

// Session is one catalogued capture session.
type Session struct {
	ID           string    `json:"id"`
	StartedAt    time.Time `json:"started_at"`
	StoppedAt    time.Time `json:"stopped_at"`
	AudioDir     string    `json:"audio_dir"`
	VideoDir     string    `json:"video_dir"`
	AudioSummary string    `json:"audio_summary"`
	VideoSummary string    `json:"video_summary"`
	AudioError   string    `json:"audio_error,omitempty"`
	VideoError   string    `json:"video_error,omitempty"`
	Expired      bool      `json:"expired,omitempty"`
	Segments     int       `json:"segments"`
}

// Segment is one analyzed segment of a session.
type Segment struct {
	Modality pipeline.Modality `json:"modality"`
	Index    int               `json:"index"`
	Path     string            `json:"path"`
	Failed   bool              `json:"failed,omitempty"`
	Text     string            `json:"text,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// Detail is a session with its segments in modality then index order.
type Detail struct {
	Session
	SegmentList []Segment `json:"segment_list"`
}

// Store is the SQLite catalog. It implements session.Recorder.
type Store struct {
	db *sql.DB
}

var _ session.Recorder = (*Store)(nil)

// Open opens or creates the catalog at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, apperrors.Wrapf(err, apperrors.StorageFailed, "create catalog directory %s", dir)
		}
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.StorageFailed, "open catalog")
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, apperrors.Wrap(err, apperrors.StorageFailed, "ping catalog")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, apperrors.Wrap(err, apperrors.StorageFailed, "create catalog schema")
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores a finished session and its segment results.
func (s *Store) Record(ctx context.Context, rec session.Record) error {
	r := rec.Result
	if r.SessionID == "" {
		return apperrors.New(apperrors.ConfigInvalid, "session id is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(err, apperrors.StorageFailed, "begin catalog transaction")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions
			(id, started_at, stopped_at, audio_dir, video_dir, audio_summary, video_summary, audio_error, video_error, expired)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.SessionID, r.StartedAt.UnixMilli(), r.StoppedAt.UnixMilli(), r.AudioDir, r.VideoDir,
		r.AudioSummary, r.VideoSummary, r.AudioError, r.VideoError, r.Expired)
	if err != nil {
		return apperrors.Wrap(err, apperrors.StorageFailed, "insert session")
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO segments (session_id, modality, idx, path, failed, text, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return apperrors.Wrap(err, apperrors.StorageFailed, "prepare segment insert")
	}
	defer stmt.Close()

	for _, sum := range []pipeline.Summary{rec.Audio, rec.Video} {
		for _, res := range sum.Results {
			if _, err := stmt.ExecContext(ctx, r.SessionID, string(sum.Modality), res.Index, res.Path, res.Failed, res.Text, res.Error); err != nil {
				return apperrors.Wrapf(err, apperrors.StorageFailed, "insert %s segment %d", sum.Modality, res.Index)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(err, apperrors.StorageFailed, "commit session")
	}
	return nil
}

const sessionColumns = `
	s.id, s.started_at, s.stopped_at, s.audio_dir, s.video_dir, s.audio_summary, s.video_summary,
	s.audio_error, s.video_error, s.expired,
	(SELECT COUNT(*) FROM segments g WHERE g.session_id = s.id)`

// List returns the most recent sessions first.
func (s *Store) List(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+`
		FROM sessions s ORDER BY s.started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.StorageFailed, "list sessions")
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.StorageFailed, "list sessions")
	}
	return sessions, nil
}

// Get returns one session with its segments.
func (s *Store) Get(ctx context.Context, id string) (Detail, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions s WHERE s.id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Detail{}, apperrors.Newf(apperrors.NotFound, "session %s not found", id)
	}
	if err != nil {
		return Detail{}, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT modality, idx, path, failed, text, error
		FROM segments WHERE session_id = ? ORDER BY modality, idx`, id)
	if err != nil {
		return Detail{}, apperrors.Wrap(err, apperrors.StorageFailed, "query segments")
	}
	defer rows.Close()

	d := Detail{Session: sess, SegmentList: []Segment{}}
	for rows.Next() {
		var seg Segment
		var modality string
		if err := rows.Scan(&modality, &seg.Index, &seg.Path, &seg.Failed, &seg.Text, &seg.Error); err != nil {
			return Detail{}, apperrors.Wrap(err, apperrors.StorageFailed, "scan segment")
		}
		seg.Modality = pipeline.Modality(modality)
		d.SegmentList = append(d.SegmentList, seg)
	}
	if err := rows.Err(); err != nil {
		return Detail{}, apperrors.Wrap(err, apperrors.StorageFailed, "query segments")
	}
	return d, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (Session, error) {
	var sess Session
	var started, stopped int64
	err := sc.Scan(&sess.ID, &started, &stopped, &sess.AudioDir, &sess.VideoDir,
		&sess.AudioSummary, &sess.VideoSummary, &sess.AudioError, &sess.VideoError,
		&sess.Expired, &sess.Segments)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, err
	}
	if err != nil {
		return Session{}, apperrors.Wrap(err, apperrors.StorageFailed, "scan session")
	}
	sess.StartedAt = time.UnixMilli(started)
	sess.StoppedAt = time.UnixMilli(stopped)
	return sess, nil
}
