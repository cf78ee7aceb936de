package commands

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/scenesync/am"
	"github.com/teranos/scenesync/codec"
	"github.com/teranos/scenesync/db"
	"github.com/teranos/scenesync/errors"
	"github.com/teranos/scenesync/host"
	"github.com/teranos/scenesync/logger"
	"github.com/teranos/scenesync/registry"
	"github.com/teranos/scenesync/replica"
	"github.com/teranos/scenesync/scene"
	"github.com/teranos/scenesync/server"
	"github.com/teranos/scenesync/store"
	syncPkg "github.com/teranos/scenesync/sync"
)

// peerFlags are the flags shared by serve and join.
type peerFlags struct {
	dbPath  string
	name    string
	fixture string
	listen  string
}

// apply overrides config values with the flags that were set.
func (f peerFlags) apply(cfg *am.Config) {
	if f.dbPath != "" {
		cfg.Database.Path = f.dbPath
	}
	if f.name != "" {
		cfg.Peer.Name = f.name
	}
	if f.listen != "" {
		cfg.Session.Listen = f.listen
	}
}

// peer is a headless scenesync peer: an in-memory scene, its replica, the
// SQLite snapshot behind it and the server that replicates it.
type peer struct {
	cfg      *am.Config
	database *sql.DB
	store    *store.SQLStore
	scene    *host.MemoryScene
	replica  *replica.Replica
	server   *server.SceneServer
	watcher  *am.ConfigWatcher
	logger   *zap.SugaredLogger
}

// loadConfig loads and validates the configuration, applying flag overrides.
func loadConfig(flags peerFlags) (*am.Config, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	flags.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "configuration validation failed")
	}
	return cfg, nil
}

// openPeer restores the saved scene, seeds it from fixture when the saved
// scene is empty, and wires the replica and server around it.
func openPeer(cfg *am.Config, fixture string, log *zap.SugaredLogger) (*peer, error) {
	if log == nil {
		log = logger.ComponentLogger("peer")
	}
	rules, err := cfg.PolicyTable()
	if err != nil {
		return nil, err
	}

	database, err := db.OpenWithMigrations(cfg.GetDatabasePath(), log.Named("db"))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", cfg.GetDatabasePath())
	}

	p := &peer{cfg: cfg, database: database, logger: log}
	ok := false
	defer func() {
		if !ok {
			database.Close()
		}
	}()

	id, err := resolvePeerID(cfg, database)
	if err != nil {
		return nil, err
	}
	p.store = store.New(database, id, log.Named("store"))

	reg := registry.New(log.Named("registry"))
	if err := p.store.LoadRegistry(reg); err != nil {
		return nil, err
	}
	p.scene = host.NewMemoryScene()
	for _, e := range reg.All() {
		if err := p.scene.CreateInHost(e); err != nil {
			return nil, errors.Wrapf(err, "failed to restore %s into the scene", e.ID)
		}
	}

	p.replica, err = replica.New(replica.Config{
		Peer:        id,
		Name:        cfg.Peer.Name,
		DefaultMode: cfg.GetDefaultMode(),
		PendingTTL:  cfg.PendingTTL(),
		Rules:       rules,
	}, reg, p.scene, log.Named("replica"))
	if err != nil {
		return nil, err
	}

	if fixture != "" {
		if err := p.seed(fixture); err != nil {
			return nil, err
		}
	}

	p.server, err = server.New(p.replica, serverConfig(cfg), log.Named("server"))
	if err != nil {
		return nil, err
	}

	ok = true
	log.Infow("Peer ready",
		logger.FieldPeer, id.Short(),
		logger.FieldPath, cfg.GetDatabasePath(),
		logger.FieldCount, reg.Len())
	return p, nil
}

// resolvePeerID keeps the peer id of the last save when none is configured,
// so sequence numbers continue across restarts.
func resolvePeerID(cfg *am.Config, database *sql.DB) (scene.PeerID, error) {
	if cfg.Peer.ID != "" {
		return cfg.GetPeerID(), nil
	}
	last, found, err := store.New(database, "", nil).LastPeer()
	if err != nil {
		return "", err
	}
	if found {
		return last, nil
	}
	return cfg.GetPeerID(), nil
}

// seed replays a fixture as local edits. A scene restored from the database
// is left alone.
func (p *peer) seed(path string) error {
	if p.replica.Registry().Len() > 0 {
		p.logger.Warnw("Ignoring fixture, scene was restored from the database",
			logger.FieldPath, path,
			logger.FieldCount, p.replica.Registry().Len())
		return nil
	}
	events, err := host.LoadFixture(path)
	if err != nil {
		return err
	}
	for _, ev := range events {
		if err := p.scene.Apply(ev); err != nil {
			return errors.Wrapf(err, "fixture %s", path)
		}
	}
	if err := p.replica.Observe(events...); err != nil {
		return errors.Wrapf(err, "fixture %s", path)
	}
	if err := p.replica.Commit(); err != nil {
		return errors.Wrapf(err, "fixture %s", path)
	}
	p.logger.Infow("Seeded scene from fixture",
		logger.FieldPath, path,
		logger.FieldCount, p.replica.Registry().Len())
	return nil
}

// serverConfig maps the session settings onto the server and every
// session it starts.
func serverConfig(cfg *am.Config) server.Config {
	opts := []codec.Option{codec.WithCompressThreshold(cfg.Session.CompressThresholdBytes)}
	if cfg.Session.MaxFrameBytes > 0 {
		opts = append(opts, codec.WithMaxFrameSize(cfg.Session.MaxFrameBytes))
	}
	sc := server.Config{
		Session: syncPkg.Config{
			HandshakeTimeout: cfg.HandshakeTimeout(),
			SnapshotChunk:    cfg.Session.SnapshotChunk,
			QueueSize:        cfg.Session.QueueSize,
			FramesPerSecond:  cfg.Session.FramesPerSecond,
			Burst:            cfg.Session.Burst,
		},
		Codec:           opts,
		AllowedOrigins:  cfg.Session.AllowedOrigins,
		MaxMessageBytes: int64(cfg.Session.MaxFrameBytes),
	}
	if cfg.Metrics.Enabled {
		sc.MetricsPath = cfg.GetMetricsPath()
	}
	return sc
}

// watchConfig applies policy changes from the project config while the
// peer runs.
func (p *peer) watchConfig() {
	path := am.ProjectConfigPath()
	if path == "" {
		return
	}
	w, err := am.NewConfigWatcher(path, p.logger.Named("am"))
	if err != nil {
		p.logger.Warnw("Config hot reload disabled", logger.FieldPath, path, logger.FieldError, err)
		return
	}
	w.OnReload(func(cfg *am.Config) error {
		rules, err := cfg.PolicyTable()
		if err != nil {
			return err
		}
		p.replica.SetRules(rules)
		p.logger.Infow("Policy rules reloaded", logger.FieldPath, path, logger.FieldCount, len(rules.Entries()))
		return nil
	})
	w.Start()
	am.SetGlobalWatcher(w)
	p.watcher = w
}

// run drives the replica's timers and periodic saves until ctx ends.
func (p *peer) run(ctx context.Context) {
	interval := p.cfg.SettleInterval()
	if sweep := p.cfg.SweepInterval(); sweep < interval {
		interval = sweep
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()

	var saves <-chan time.Time
	if n := p.cfg.Database.SaveIntervalSeconds; n > 0 {
		t := time.NewTicker(time.Duration(n) * time.Second)
		defer t.Stop()
		saves = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			for _, err := range p.replica.Tick() {
				p.logger.Warnw("Dropped pending update", logger.FieldError, err)
			}
			// a headless peer never reads the call log
			p.scene.ResetRecords()
		case <-saves:
			if err := p.save(); err != nil {
				p.logger.Errorw("Periodic save failed", logger.FieldError, err)
			}
		}
	}
}

func (p *peer) save() error {
	return p.store.SaveRegistry(p.replica.Registry())
}

// close stops the server, saves the scene when configured and releases the
// database.
func (p *peer) close() error {
	var result error
	if err := p.server.Close(); err != nil {
		result = errors.CombineErrors(result, err)
	}
	if p.watcher != nil {
		if err := p.watcher.Stop(); err != nil {
			result = errors.CombineErrors(result, err)
		}
	}
	if p.cfg.Database.PersistOnExit {
		if err := p.save(); err != nil {
			result = errors.CombineErrors(result, errors.Wrap(err, "failed to save scene"))
		} else {
			p.logger.Infow("Scene saved",
				logger.FieldPath, p.cfg.GetDatabasePath(),
				logger.FieldCount, p.replica.Registry().Len())
		}
	}
	if err := p.database.Close(); err != nil {
		result = errors.CombineErrors(result, err)
	}
	return result
}
