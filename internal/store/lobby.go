package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Ban is a hub-wide ban propagated to every instance.
type Ban struct {
	PlayerID  string    `json:"player_id"`
	Reason    string    `json:"reason"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// AccessKey authorizes a dedicated instance to register with the hub.
type AccessKey struct {
	Key       string    `json:"key"`
	Label     string    `json:"label"`
	CreatedAt time.Time `json:"created_at"`
}

// MapEntry is one map offered to instances, in rotation order.
type MapEntry struct {
	Package    string `json:"package"`
	Title      string `json:"title"`
	Screenshot string `json:"screenshot"`
}

// MatchRecord summarises a match after it left the live set.
type MatchRecord struct {
	MatchID     string    `json:"match_id"`
	InstanceID  uint32    `json:"instance_id"`
	OwnerID     string    `json:"owner_id"`
	GameMode    string    `json:"game_mode"`
	MapName     string    `json:"map_name"`
	Dedicated   bool      `json:"dedicated"`
	Players     int       `json:"players"`
	GamesPlayed int       `json:"games_played"`
	Reason      string    `json:"reason"`
	CreatedAt   time.Time `json:"created_at"`
	EndedAt     time.Time `json:"ended_at"`
}

// LobbyStore holds the hub's persistent tables.
type LobbyStore struct {
	db *Database
}

// Open opens the database at path and migrates its schema.
func Open(path string) (*LobbyStore, error) {
	database, err := NewDatabase(path)
	if err != nil {
		return nil, err
	}

	s := &LobbyStore{db: database}
	if err := s.migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate lobby database: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *LobbyStore) Close() error {
	return s.db.Close()
}

func (s *LobbyStore) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS bans (
			player_id TEXT PRIMARY KEY,
			reason TEXT NOT NULL DEFAULT '',
			created_by TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS access_keys (
			key TEXT PRIMARY KEY,
			label TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS maps (
			position INTEGER PRIMARY KEY,
			package TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			screenshot TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS match_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			match_id TEXT NOT NULL,
			instance_id INTEGER NOT NULL DEFAULT 0,
			owner_id TEXT NOT NULL DEFAULT '',
			game_mode TEXT NOT NULL DEFAULT '',
			map_name TEXT NOT NULL DEFAULT '',
			dedicated INTEGER NOT NULL DEFAULT 0,
			players INTEGER NOT NULL DEFAULT 0,
			games_played INTEGER NOT NULL DEFAULT 0,
			reason TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			ended_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_match_history_ended ON match_history(ended_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}

	log.Debug().Msg("lobby schema migrated")
	return nil
}

// ---- Bans ----

// AddBan inserts or replaces a ban.
func (s *LobbyStore) AddBan(ban Ban) error {
	if ban.PlayerID == "" {
		return fmt.Errorf("ban requires a player id")
	}
	if ban.CreatedAt.IsZero() {
		ban.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO bans (player_id, reason, created_by, created_at) VALUES (?, ?, ?, ?)`,
		ban.PlayerID, ban.Reason, ban.CreatedBy, ban.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to add ban: %w", err)
	}
	return nil
}

// RemoveBan deletes a ban and reports whether one existed.
func (s *LobbyStore) RemoveBan(playerID string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM bans WHERE player_id = ?`, playerID)
	if err != nil {
		return false, fmt.Errorf("failed to remove ban: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListBans returns every ban, oldest first.
func (s *LobbyStore) ListBans() ([]Ban, error) {
	rows, err := s.db.Query(`SELECT player_id, reason, created_by, created_at FROM bans ORDER BY created_at, player_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list bans: %w", err)
	}
	defer rows.Close()

	var bans []Ban
	for rows.Next() {
		var b Ban
		var created int64
		if err := rows.Scan(&b.PlayerID, &b.Reason, &b.CreatedBy, &created); err != nil {
			return nil, err
		}
		b.CreatedAt = time.Unix(created, 0)
		bans = append(bans, b)
	}
	return bans, rows.Err()
}

// BanIDs returns the banned player ids in the same order as ListBans.
func (s *LobbyStore) BanIDs() ([]string, error) {
	bans, err := s.ListBans()
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(bans))
	for i, b := range bans {
		ids[i] = b.PlayerID
	}
	return ids, nil
}

// ---- Access keys ----

// AddAccessKey stores a dedicated-instance key.
func (s *LobbyStore) AddAccessKey(key AccessKey) error {
	if key.Key == "" {
		return fmt.Errorf("access key must not be empty")
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO access_keys (key, label, created_at) VALUES (?, ?, ?)`,
		key.Key, key.Label, key.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to add access key: %w", err)
	}
	return nil
}

// RemoveAccessKey deletes a key and reports whether it existed.
func (s *LobbyStore) RemoveAccessKey(key string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM access_keys WHERE key = ?`, key)
	if err != nil {
		return false, fmt.Errorf("failed to remove access key: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// AccessKeys returns every stored key value.
func (s *LobbyStore) AccessKeys() ([]string, error) {
	rows, err := s.db.Query(`SELECT key FROM access_keys ORDER BY created_at, key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list access keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// ---- Maps ----

// SetMaps replaces the map rotation.
func (s *LobbyStore) SetMaps(maps []MapEntry) error {
	return s.db.Transaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM maps`); err != nil {
			return fmt.Errorf("failed to clear maps: %w", err)
		}
		for i, m := range maps {
			if _, err := tx.Exec(
				`INSERT INTO maps (position, package, title, screenshot) VALUES (?, ?, ?, ?)`,
				i, m.Package, m.Title, m.Screenshot,
			); err != nil {
				return fmt.Errorf("failed to insert map %s: %w", m.Package, err)
			}
		}
		return nil
	})
}

// Maps returns the rotation in order.
func (s *LobbyStore) Maps() ([]MapEntry, error) {
	rows, err := s.db.Query(`SELECT package, title, screenshot FROM maps ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("failed to list maps: %w", err)
	}
	defer rows.Close()

	var maps []MapEntry
	for rows.Next() {
		var m MapEntry
		if err := rows.Scan(&m.Package, &m.Title, &m.Screenshot); err != nil {
			return nil, err
		}
		maps = append(maps, m)
	}
	return maps, rows.Err()
}

// ---- History ----

// RecordMatch appends a finished match.
func (s *LobbyStore) RecordMatch(rec MatchRecord) error {
	if rec.EndedAt.IsZero() {
		rec.EndedAt = time.Now()
	}
	dedicated := 0
	if rec.Dedicated {
		dedicated = 1
	}
	_, err := s.db.Exec(
		`INSERT INTO match_history
			(match_id, instance_id, owner_id, game_mode, map_name, dedicated, players, games_played, reason, created_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.MatchID, rec.InstanceID, rec.OwnerID, rec.GameMode, rec.MapName, dedicated,
		rec.Players, rec.GamesPlayed, rec.Reason, rec.CreatedAt.Unix(), rec.EndedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to record match %s: %w", rec.MatchID, err)
	}
	return nil
}

// RecentMatches returns up to limit records, newest first.
func (s *LobbyStore) RecentMatches(limit int) ([]MatchRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT match_id, instance_id, owner_id, game_mode, map_name, dedicated, players, games_played, reason, created_at, ended_at
		 FROM match_history ORDER BY ended_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list match history: %w", err)
	}
	defer rows.Close()

	var out []MatchRecord
	for rows.Next() {
		var r MatchRecord
		var dedicated int
		var created, ended int64
		if err := rows.Scan(&r.MatchID, &r.InstanceID, &r.OwnerID, &r.GameMode, &r.MapName,
			&dedicated, &r.Players, &r.GamesPlayed, &r.Reason, &created, &ended); err != nil {
			return nil, err
		}
		r.Dedicated = dedicated != 0
		r.CreatedAt = time.Unix(created, 0)
		r.EndedAt = time.Unix(ended, 0)
		out = append(out, r)
	}
	return out, rows.Err()
}

// PruneHistory deletes records that ended before cutoff.
func (s *LobbyStore) PruneHistory(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM match_history WHERE ended_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to prune match history: %w", err)
	}
	return res.RowsAffected()
}

// HistorySince counts matches that ended at or after since, and the games
// they played.
func (s *LobbyStore) HistorySince(since time.Time) (matches, games int, err error) {
	err = s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(games_played), 0) FROM match_history WHERE ended_at >= ?`,
		since.Unix(),
	).Scan(&matches, &games)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count match history: %w", err)
	}
	return matches, games, nil
}
