package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Video is one tracked video with its channel stats snapshot.
type Video struct {
	ID              string    `json:"id"`
	ChannelID       string    `json:"channel_id"`
	Title           string    `json:"title"`
	Views           int64     `json:"views"`
	Likes           int64     `json:"likes"`
	Comments        int64     `json:"comments"`
	DurationSeconds int       `json:"duration_seconds"`
	PublishedAt     time.Time `json:"published_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Baseline is a channel's aggregate performance.
type Baseline struct {
	ChannelID  string  `json:"channel_id"`
	AvgViews   float64 `json:"avg_views"`
	VideoCount int     `json:"video_count"`
}

// Report is a stored analysis report. Payload is the report document as
// produced by the analysis pipeline; the store does not interpret it.
type Report struct {
	ID         string    `json:"id"`
	VideoID    string    `json:"video_id"`
	Mode       string    `json:"mode"`
	Confidence float64   `json:"confidence"`
	Payload    []byte    `json:"payload"`
	CreatedAt  time.Time `json:"created_at"`
}

// User is an account row for the HTTP API.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store is the Postgres persistence layer.
type Store struct {
	db     *sql.DB
	logger *log.Logger
}

// New opens a Postgres connection pool and verifies it with a ping.
func New(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return NewWithDB(db), nil
}

// NewWithDB wraps an existing handle, mainly for tests.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db, logger: log.New(log.Writer(), "[STORE] ", log.LstdFlags)}
}

// Close releases the pool.
func (s *Store) Close() error { return s.db.Close() }

// GetVideo fetches one video by id.
func (s *Store) GetVideo(ctx context.Context, id string) (*Video, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, channel_id, title, views, likes, comments, duration_seconds, published_at, updated_at
		FROM videos WHERE id = $1`, id)
	var v Video
	err := row.Scan(&v.ID, &v.ChannelID, &v.Title, &v.Views, &v.Likes, &v.Comments, &v.DurationSeconds, &v.PublishedAt, &v.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("video %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching video %s: %w", id, err)
	}
	return &v, nil
}

// UpsertVideo inserts or refreshes a video row.
func (s *Store) UpsertVideo(ctx context.Context, v Video) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO videos (id, channel_id, title, views, likes, comments, duration_seconds, published_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			views = EXCLUDED.views,
			likes = EXCLUDED.likes,
			comments = EXCLUDED.comments,
			updated_at = NOW()`,
		v.ID, v.ChannelID, v.Title, v.Views, v.Likes, v.Comments, v.DurationSeconds, v.PublishedAt)
	if err != nil {
		return fmt.Errorf("upserting video %s: %w", v.ID, err)
	}
	return nil
}

// ChannelBaseline computes a channel's average views and video count.
func (s *Store) ChannelBaseline(ctx context.Context, channelID string) (*Baseline, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(AVG(views), 0), COUNT(*) FROM videos WHERE channel_id = $1`, channelID)
	b := Baseline{ChannelID: channelID}
	if err := row.Scan(&b.AvgViews, &b.VideoCount); err != nil {
		return nil, fmt.Errorf("computing baseline for %s: %w", channelID, err)
	}
	if b.VideoCount == 0 {
		return nil, fmt.Errorf("channel %s has no videos: %w", channelID, ErrNotFound)
	}
	return &b, nil
}

// HighPerformers returns channel videos whose views exceed the channel
// average by at least minRatio, best first.
func (s *Store) HighPerformers(ctx context.Context, channelID string, minRatio float64, limit int) ([]Video, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.id, v.channel_id, v.title, v.views, v.likes, v.comments, v.duration_seconds, v.published_at, v.updated_at
		FROM videos v
		JOIN (SELECT channel_id, AVG(views) AS avg_views FROM videos GROUP BY channel_id) a
			ON a.channel_id = v.channel_id
		WHERE v.channel_id = $1 AND a.avg_views > 0 AND v.views >= a.avg_views * $2
		ORDER BY v.views::float / a.avg_views DESC
		LIMIT $3`, channelID, minRatio, limit)
	if err != nil {
		return nil, fmt.Errorf("querying high performers for %s: %w", channelID, err)
	}
	defer rows.Close()
	return scanVideos(rows)
}

// ListVideos streams every video row, used to rebuild the title index.
func (s *Store) ListVideos(ctx context.Context) ([]Video, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel_id, title, views, likes, comments, duration_seconds, published_at, updated_at
		FROM videos ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing videos: %w", err)
	}
	defer rows.Close()
	return scanVideos(rows)
}

// ListChannelVideos returns all rows for one channel.
func (s *Store) ListChannelVideos(ctx context.Context, channelID string) ([]Video, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel_id, title, views, likes, comments, duration_seconds, published_at, updated_at
		FROM videos WHERE channel_id = $1 ORDER BY published_at DESC`, channelID)
	if err != nil {
		return nil, fmt.Errorf("listing channel %s: %w", channelID, err)
	}
	defer rows.Close()
	return scanVideos(rows)
}

func scanVideos(rows *sql.Rows) ([]Video, error) {
	var out []Video
	for rows.Next() {
		var v Video
		if err := rows.Scan(&v.ID, &v.ChannelID, &v.Title, &v.Views, &v.Likes, &v.Comments, &v.DurationSeconds, &v.PublishedAt, &v.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning video row: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// SaveReport persists an analysis report document.
func (s *Store) SaveReport(ctx context.Context, videoID, mode string, confidence float64, payload []byte) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reports (id, video_id, mode, confidence, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())`,
		id, videoID, mode, confidence, payload)
	if err != nil {
		return "", fmt.Errorf("saving report for %s: %w", videoID, err)
	}
	return id, nil
}

// GetLatestReport returns the most recent report for a video.
func (s *Store) GetLatestReport(ctx context.Context, videoID string) (*Report, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, video_id, mode, confidence, payload, created_at
		FROM reports WHERE video_id = $1
		ORDER BY created_at DESC LIMIT 1`, videoID)
	var r Report
	err := row.Scan(&r.ID, &r.VideoID, &r.Mode, &r.Confidence, &r.Payload, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("report for %s: %w", videoID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching report for %s: %w", videoID, err)
	}
	return &r, nil
}

// ListStaleReportVideos returns video ids whose newest report is older than
// the cutoff. The reanalysis scheduler feeds these back into the pipeline.
func (s *Store) ListStaleReportVideos(ctx context.Context, olderThan time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT video_id FROM reports
		GROUP BY video_id
		HAVING MAX(created_at) < $1
		ORDER BY MAX(created_at) ASC
		LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("listing stale reports: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning stale report row: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CreateUser inserts an account row.
func (s *Store) CreateUser(ctx context.Context, email, passwordHash string) (*User, error) {
	u := User{ID: uuid.NewString(), Email: email, PasswordHash: passwordHash}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, email, password_hash, created_at)
		VALUES ($1, $2, $3, NOW())
		RETURNING created_at`, u.ID, u.Email, u.PasswordHash)
	if err := row.Scan(&u.CreatedAt); err != nil {
		return nil, fmt.Errorf("creating user %s: %w", email, err)
	}
	return &u, nil
}

// GetUserByEmail fetches an account by email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, created_at FROM users WHERE email = $1`, email)
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", email, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching user %s: %w", email, err)
	}
	return &u, nil
}
