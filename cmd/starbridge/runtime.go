package main

import (
	"context"
	"log/slog"

	"github.com/silentstar/starbridge/internal/api"
	"github.com/silentstar/starbridge/internal/auth"
	"github.com/silentstar/starbridge/internal/bridge"
	"github.com/silentstar/starbridge/internal/config"
	"github.com/silentstar/starbridge/internal/events"
	"github.com/silentstar/starbridge/internal/fsstore"
	"github.com/silentstar/starbridge/internal/history"
	"github.com/silentstar/starbridge/internal/job"
	"github.com/silentstar/starbridge/internal/lock"
	"github.com/silentstar/starbridge/internal/stream"
	"github.com/silentstar/starbridge/internal/upload"
	"github.com/silentstar/starbridge/internal/vocab"
)

// runtime holds every wired component of a running service.
type runtime struct {
	cfg     *config.Config
	ledger  *job.Ledger
	tracker *bridge.Tracker
	streams *stream.Channel
	uploads *upload.Store
	turns   *history.Store
	server  *api.Server
}

// buildRuntime wires the storage, domain and HTTP layers from a validated
// config.
func buildRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	jobsStore, err := fsstore.New(cfg.JobsDir())
	if err != nil {
		return nil, err
	}
	stateStore, err := fsstore.New(cfg.StateDir())
	if err != nil {
		return nil, err
	}
	gate, err := lock.NewGate(cfg.StateDir())
	if err != nil {
		return nil, err
	}

	ledger := job.NewLedger(jobsStore, gate, job.Options{
		StaleTTL:    cfg.Jobs.StaleTTL,
		TriggerPath: cfg.TriggerPath(),
	}, logger)

	tracker := bridge.NewTracker(stateStore, gate, cfg.Bridge.OnlineTTL, logger)

	streams, err := stream.New(cfg.StateDir())
	if err != nil {
		return nil, err
	}
	if cfg.Stream.MaxFollow > 0 {
		streams.MaxFollow = cfg.Stream.MaxFollow
	}

	uploads, err := upload.NewStore(cfg.UploadsDir(), cfg.Jobs.MaxUploadBytes)
	if err != nil {
		return nil, err
	}

	turns, err := history.Open(ctx, cfg.HistoryPath())
	if err != nil {
		return nil, err
	}

	server := api.New(api.Config{
		Listen:          cfg.API.Listen,
		AppPasswordHash: cfg.Auth.AppPasswordHash,
		BridgeSecret:    cfg.Auth.BridgeSecret,
		SecureCookies:   cfg.API.SecureCookies,
	}, api.Deps{
		Ledger:   ledger,
		Tracker:  tracker,
		Streams:  streams,
		Uploads:  uploads,
		Turns:    turns,
		Hub:      events.NewHub(64),
		Sessions: auth.NewSessions(cfg.Auth.SessionTTL),
		Vocab:    vocabFromConfig(cfg),
	}, logger)

	return &runtime{
		cfg:     cfg,
		ledger:  ledger,
		tracker: tracker,
		streams: streams,
		uploads: uploads,
		turns:   turns,
		server:  server,
	}, nil
}

// vocabFromConfig applies any configured overrides on top of the built-in
// vocabulary.
func vocabFromConfig(cfg *config.Config) *vocab.Vocab {
	v := vocab.Default()
	if len(cfg.Vocab.Actors) > 0 {
		v.Actors = cfg.Vocab.Actors
	}
	if len(cfg.Vocab.Tags) > 0 {
		v.Tags = cfg.Vocab.Tags
	}
	if cfg.Vocab.DefaultActor != "" {
		v.DefaultActor = cfg.Vocab.DefaultActor
	}
	if cfg.Vocab.ReplyActor != "" {
		v.ReplyActor = cfg.Vocab.ReplyActor
	}
	return v
}

func (rt *runtime) close() {
	if rt.turns != nil {
		_ = rt.turns.Close()
	}
}
