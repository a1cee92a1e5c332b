package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"prism-live/api"
	"prism-live/board"
	"prism-live/config"
	"prism-live/fetch"
	"prism-live/live"
	"prism-live/origin"
	"prism-live/session"
	"prism-live/transport"
)

const jwksCacheTTL = 10 * time.Minute

var errCredentialExpired = errors.New("credential expired, log in again")

// runtime is everything the commands share: the session, the REST client
// behind the board and the origin tracker every view consults.
type runtime struct {
	cfg     config.Config
	logger  *log.Logger
	session *session.Session
	board   *board.Board
	tracker origin.Tracker

	closeTracker func()
}

func setupLogging(cfg config.Config) *log.Logger {
	logger := log.StandardLogger()
	if cfg.Debug {
		logger.SetLevel(log.DebugLevel)
	}
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&log.JSONFormatter{})
	}
	return logger
}

func newRuntime(ctx context.Context, cfg config.Config, logger *log.Logger) (*runtime, error) {
	validator, err := newValidator(cfg)
	if err != nil {
		return nil, err
	}
	tracker, closeTracker, err := newTracker(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	sess := session.New(session.Config{
		Validator: validator,
		Logger:    logger,
		Dial: func(ctx context.Context, credential string) *transport.Adapter {
			settings := transport.DefaultSettings()
			settings.ReconnectTimeout = cfg.ReconnectTimeout
			return transport.Connect(ctx, cfg.SocketEndpoint(), credential, settings, logger)
		},
	})
	client := fetch.New(fetch.Config{
		BaseURL:     cfg.APIURL,
		Timeout:     cfg.RequestTimeout,
		ReadRetries: cfg.ReadRetries,
	}, sess, logger)

	return &runtime{
		cfg:          cfg,
		logger:       logger,
		session:      sess,
		board:        board.New(client, cfg.PageSize),
		tracker:      tracker,
		closeTracker: closeTracker,
	}, nil
}

func (r *runtime) login(ctx context.Context) error {
	if r.cfg.Token == "" {
		return errors.New("missing PRISM_TOKEN")
	}
	return r.session.Login(ctx, r.cfg.Token)
}

func (r *runtime) close() {
	r.session.Logout()
	r.closeTracker()
}

func (r *runtime) deps() live.Deps {
	return live.Deps{
		Transport: r.session.Transport(),
		Tracker:   r.tracker,
		Logger:    r.logger,
	}
}

// mount builds and mounts the view v describes.
func (r *runtime) mount(ctx context.Context, v config.View) (api.View, error) {
	deps := r.deps()
	switch v.Kind {
	case config.ViewTasks:
		return mountAs(ctx, deps, v.Name, r.board.TaskList(v.Project, v.Filter))
	case config.ViewComments:
		return mountAs(ctx, deps, v.Name, r.board.CommentThread(v.Task))
	case config.ViewMembers:
		return mountAs(ctx, deps, v.Name, r.board.MemberList(v.Project))
	case config.ViewProjects:
		return mountAs(ctx, deps, v.Name, r.board.ProjectList(r.session.UserID()))
	}
	return nil, fmt.Errorf("unknown view kind %q", v.Kind)
}

func mountAs[T any](ctx context.Context, deps live.Deps, name string, spec live.Spec[T]) (api.View, error) {
	if name != "" {
		spec.Name = name
	}
	v, err := live.Mount(ctx, deps, spec)
	if err != nil {
		return nil, err
	}
	v.OnError(func(e live.Error) {
		deps.Logger.WithError(e.Err).WithFields(log.Fields{"view": name, "op": e.Op, "entity": e.ID}).Warn("view operation failed")
	})
	return api.Bind(v), nil
}

func newValidator(cfg config.Config) (session.Validator, error) {
	if cfg.LocalAuthSharedSecret != "" {
		return session.NewHS256([]byte(cfg.LocalAuthSharedSecret), cfg.Auth0Audience, ""), nil
	}
	if cfg.Auth0Domain == "" {
		return nil, nil
	}
	if cfg.Auth0Audience == "" {
		return nil, errors.New("missing Auth0 config")
	}
	keys, err := session.FetchJWKS(cfg.Auth0Domain)
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	return session.NewJWKS(keys, cfg.Auth0Audience, "https://"+cfg.Auth0Domain+"/", jwksCacheTTL), nil
}

// newTracker shares origin marks through Redis when a connection string
// is configured and keeps them in memory otherwise.
func newTracker(ctx context.Context, cfg config.Config, logger *log.Logger) (origin.Tracker, func(), error) {
	if cfg.RedisConnectionString == "" {
		m := origin.NewMemory(cfg.OriginWindow)
		return m, m.Close, nil
	}
	opts, err := config.RedisOptions(cfg.RedisConnectionString)
	if err != nil {
		return nil, nil, err
	}
	rc := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rc.Ping(pingCtx).Err(); err != nil {
		_ = rc.Close()
		return nil, nil, fmt.Errorf("redis: %w", err)
	}
	closeFn := func() {
		if err := rc.Close(); err != nil {
			logger.WithError(err).Debug("close redis")
		}
	}
	return origin.NewRedis(rc, cfg.RedisPrefix, cfg.OriginWindow, logger), closeFn, nil
}
