// Package store persists the entity registry to SQLite so a peer restarts
// with the scene, tombstones and sequence watermarks it had when it stopped.
package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/scenesync/db"
	"github.com/teranos/scenesync/errors"
	"github.com/teranos/scenesync/logger"
	"github.com/teranos/scenesync/registry"
	"github.com/teranos/scenesync/scene"
)

// SQLStore saves and loads registry state. Each save replaces the previous
// one in a single transaction.
type SQLStore struct {
	db     *sql.DB
	peer   scene.PeerID
	logger *zap.SugaredLogger
}

// Stats summarizes what the store holds.
type Stats struct {
	Entities   int            `json:"entities"`
	Tombstones int            `json:"tombstones"`
	Origins    int            `json:"origins"`
	ByType     map[string]int `json:"by_type"`
	Saves      int            `json:"saves"`
	LastSaved  *time.Time     `json:"last_saved,omitempty"`
}

// New creates a store on an already migrated database.
func New(database *sql.DB, peer scene.PeerID, log *zap.SugaredLogger) *SQLStore {
	if log == nil {
		log = logger.ComponentLogger("store")
	}
	return &SQLStore{db: database, peer: peer, logger: log}
}

// SaveRegistry writes a snapshot of reg.
func (s *SQLStore) SaveRegistry(reg *registry.Registry) error {
	st := reg.Snapshot()

	tx, err := s.db.Begin()
	if err != nil {
		return s.wrap(err, "begin save")
	}
	defer tx.Rollback()

	for _, table := range []string{"entities", "tombstones", "watermarks"} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return s.wrap(err, "clear "+table)
		}
	}

	for _, e := range st.Entities {
		attrs, err := json.Marshal(e.Attrs)
		if err != nil {
			return errors.Wrapf(err, "encode attributes of %s", e.ID)
		}
		if _, err := tx.Exec(
			"INSERT INTO entities (id, type, attrs) VALUES (?, ?, ?)",
			string(e.ID), string(e.Type), string(attrs),
		); err != nil {
			return s.wrap(err, "save entity "+string(e.ID))
		}
	}
	for id, typ := range st.Tombstones {
		if _, err := tx.Exec("INSERT INTO tombstones (id, type) VALUES (?, ?)", string(id), string(typ)); err != nil {
			return s.wrap(err, "save tombstone "+string(id))
		}
	}
	for origin, seq := range st.Watermarks {
		if _, err := tx.Exec("INSERT INTO watermarks (origin, seq) VALUES (?, ?)", string(origin), int64(seq)); err != nil {
			return s.wrap(err, "save watermark "+string(origin))
		}
	}
	if _, err := tx.Exec(
		"INSERT INTO save_log (peer, entities, tombstones) VALUES (?, ?, ?)",
		string(s.peer), len(st.Entities), len(st.Tombstones),
	); err != nil {
		return s.wrap(err, "record save")
	}

	if err := tx.Commit(); err != nil {
		return s.wrap(err, "commit save")
	}
	s.logger.Debugw("Registry saved",
		logger.FieldCount, len(st.Entities),
		"tombstones", len(st.Tombstones))
	return nil
}

// LoadRegistry replaces the contents of reg with the last saved snapshot.
// An empty store leaves reg empty.
func (s *SQLStore) LoadRegistry(reg *registry.Registry) error {
	st := registry.State{
		Tombstones: make(map[scene.EntityID]scene.EntityType),
		Watermarks: make(map[scene.PeerID]uint64),
	}

	rows, err := s.db.Query("SELECT id, type, attrs FROM entities ORDER BY id")
	if err != nil {
		return s.wrap(err, "query entities")
	}
	for rows.Next() {
		var id, typ, raw string
		if err := rows.Scan(&id, &typ, &raw); err != nil {
			rows.Close()
			return s.wrap(err, "scan entity")
		}
		var attrs scene.Attributes
		if err := json.Unmarshal([]byte(raw), &attrs); err != nil {
			rows.Close()
			return errors.Wrapf(err, "decode attributes of %s", id)
		}
		st.Entities = append(st.Entities, &scene.Entity{
			ID:    scene.EntityID(id),
			Type:  scene.EntityType(typ),
			Attrs: attrs,
		})
	}
	if err := closeRows(rows); err != nil {
		return s.wrap(err, "read entities")
	}

	rows, err = s.db.Query("SELECT id, type FROM tombstones")
	if err != nil {
		return s.wrap(err, "query tombstones")
	}
	for rows.Next() {
		var id, typ string
		if err := rows.Scan(&id, &typ); err != nil {
			rows.Close()
			return s.wrap(err, "scan tombstone")
		}
		st.Tombstones[scene.EntityID(id)] = scene.EntityType(typ)
	}
	if err := closeRows(rows); err != nil {
		return s.wrap(err, "read tombstones")
	}

	rows, err = s.db.Query("SELECT origin, seq FROM watermarks")
	if err != nil {
		return s.wrap(err, "query watermarks")
	}
	for rows.Next() {
		var origin string
		var seq int64
		if err := rows.Scan(&origin, &seq); err != nil {
			rows.Close()
			return s.wrap(err, "scan watermark")
		}
		st.Watermarks[scene.PeerID(origin)] = uint64(seq)
	}
	if err := closeRows(rows); err != nil {
		return s.wrap(err, "read watermarks")
	}

	if err := reg.Restore(st); err != nil {
		return errors.WithHint(
			errors.Wrap(err, "stored registry is inconsistent"),
			"delete the database file to start from an empty scene",
		)
	}
	s.logger.Infow("Registry loaded",
		logger.FieldCount, len(st.Entities),
		"tombstones", len(st.Tombstones),
		"origins", len(st.Watermarks))
	return nil
}

// Stats reports row counts and the time of the last save.
func (s *SQLStore) Stats() (*Stats, error) {
	stats := &Stats{ByType: make(map[string]int)}

	rows, err := s.db.Query("SELECT type, COUNT(*) FROM entities GROUP BY type")
	if err != nil {
		return nil, s.wrap(err, "count entities")
	}
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			rows.Close()
			return nil, s.wrap(err, "scan entity count")
		}
		stats.ByType[typ] = n
		stats.Entities += n
	}
	if err := closeRows(rows); err != nil {
		return nil, s.wrap(err, "read entity counts")
	}

	if err := s.db.QueryRow("SELECT COUNT(*) FROM tombstones").Scan(&stats.Tombstones); err != nil {
		return nil, s.wrap(err, "count tombstones")
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM watermarks").Scan(&stats.Origins); err != nil {
		return nil, s.wrap(err, "count watermarks")
	}

	if err := s.db.QueryRow("SELECT COUNT(*) FROM save_log").Scan(&stats.Saves); err != nil {
		return nil, s.wrap(err, "count saves")
	}
	var last time.Time
	err = s.db.QueryRow("SELECT saved_at FROM save_log ORDER BY id DESC LIMIT 1").Scan(&last)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, s.wrap(err, "read last save")
	default:
		stats.LastSaved = &last
	}
	return stats, nil
}

// LastPeer returns the peer id of the most recent save, so a restarted
// peer keeps its identity and its sequence numbers. ok is false when
// nothing was saved yet.
func (s *SQLStore) LastPeer() (peer scene.PeerID, ok bool, err error) {
	var id string
	err = s.db.QueryRow("SELECT peer FROM save_log ORDER BY id DESC LIMIT 1").Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", false, nil
	case err != nil:
		return "", false, s.wrap(err, "read last peer")
	}
	return scene.PeerID(id), true, nil
}

func (s *SQLStore) wrap(err error, what string) error {
	if db.IsDatabaseClosed(err) {
		return errors.Wrap(db.ErrDatabaseClosed, what)
	}
	return errors.Wrap(err, what)
}

func closeRows(rows *sql.Rows) error {
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	return rows.Close()
}
