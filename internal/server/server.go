package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/quizlive/quizlive/internal/api"
	"github.com/quizlive/quizlive/internal/event"
	"github.com/quizlive/quizlive/internal/history"
	"github.com/quizlive/quizlive/internal/identity"
	"github.com/quizlive/quizlive/internal/lobby"
	"github.com/quizlive/quizlive/internal/question"
	"github.com/quizlive/quizlive/internal/telemetry"
	"github.com/quizlive/quizlive/internal/token"
	"github.com/quizlive/quizlive/internal/ws"
)

type Config struct {
	HTTP struct {
		Port int32
	}

	Auth struct {
		JWTSecret        string
		ResolverCacheTTL time.Duration
	}

	Redis struct {
		Addrs  []string
		Pass   string
		Prefix string
	}

	Postgres struct {
		Question struct {
			Addr string
			User string
			Pass string
			Name string
		}

		History struct {
			Addr string
			User string
			Pass string
			Name string
		}
	}

	Lobby struct {
		DefaultMaxPlayers int
		PremiumMaxPlayers int
		MinPlayersToStart int
		MaxLifetime       time.Duration
		ExamCountdown     time.Duration
		TokenTTL          time.Duration
	}

	WS struct {
		PerLobbyMax   int
		GlobalMax     int
		ProbeInterval time.Duration
		IdleAfter     time.Duration
	}
}

const (
	defaultMaxPlayers        = 8
	defaultPremiumMaxPlayers = 35
	defaultMinPlayersToStart = 1
)

type Server struct {
	c Config

	eb *event.Bus

	infra struct {
		redis redis.UniversalClient

		postgres struct {
			question *pgxpool.Pool
			history  *pgxpool.Pool
		}
	}

	service struct {
		question *question.Service
		history  *history.Service
		token    *token.Service
		lobby    *lobby.Service
	}

	socket struct {
		registry   *ws.Registry
		dispatcher *ws.Dispatcher
		monitor    *ws.Monitor
	}

	http *http.Server
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}

	s.eb = event.NewBus()

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	s.initService()
	s.initAPI()
	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if err := s.initPostgres(); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	return nil
}

func (s *Server) initRedis() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	r := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    s.c.Redis.Addrs,
		Password: s.c.Redis.Pass,
	})

	if err := telemetry.MonitorRedis(r); err != nil {
		return err
	}

	if err := r.Ping(ctx).Err(); err != nil {
		return err
	}

	s.infra.redis = r
	return nil
}

func (s *Server) initPostgres() (err error) {
	connect := func(addr, user, pass, name string) (*pgxpool.Pool, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s", user, pass, addr, name))
		if err != nil {
			return nil, err
		}

		db, err := pgxpool.NewWithConfig(ctx, cc)
		if err != nil {
			return nil, err
		}

		if err := db.Ping(ctx); err != nil {
			return nil, err
		}

		return db, nil
	}

	s.infra.postgres.question, err = connect(s.c.Postgres.Question.Addr, s.c.Postgres.Question.User, s.c.Postgres.Question.Pass, s.c.Postgres.Question.Name)
	if err != nil {
		return fmt.Errorf("question: %w", err)
	}

	s.infra.postgres.history, err = connect(s.c.Postgres.History.Addr, s.c.Postgres.History.User, s.c.Postgres.History.Pass, s.c.Postgres.History.Name)
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}

	return nil
}

func (s *Server) initService() {
	s.service.question = question.NewService(question.Config{
		DB: s.infra.postgres.question,
	})

	s.service.history = history.NewService(history.Config{
		DB: s.infra.postgres.history,
	})

	s.service.token = token.NewService(token.Config{
		Redis:  s.infra.redis,
		Prefix: s.c.Redis.Prefix,
		TTL:    s.c.Lobby.TokenTTL,
	})

	guard := lobby.Guard{
		DefaultMaxPlayers: s.c.Lobby.DefaultMaxPlayers,
		PremiumMaxPlayers: s.c.Lobby.PremiumMaxPlayers,
		MinPlayersToStart: s.c.Lobby.MinPlayersToStart,
	}
	if guard.DefaultMaxPlayers <= 0 {
		guard.DefaultMaxPlayers = defaultMaxPlayers
	}
	if guard.PremiumMaxPlayers <= 0 {
		guard.PremiumMaxPlayers = defaultPremiumMaxPlayers
	}
	if guard.MinPlayersToStart <= 0 {
		guard.MinPlayersToStart = defaultMinPlayersToStart
	}

	s.service.lobby = lobby.NewService(lobby.Config{
		Store:         lobby.NewStore(s.infra.redis, s.c.Redis.Prefix, s.c.Lobby.MaxLifetime),
		Bank:          s.service.question,
		Tokens:        s.service.token,
		Results:       s.service.history,
		EventBus:      s.eb,
		Guard:         guard,
		MaxLifetime:   s.c.Lobby.MaxLifetime,
		ExamCountdown: s.c.Lobby.ExamCountdown,
	})

	s.socket.registry = ws.NewRegistry(ws.RegistryConfig{
		EventBus:    s.eb,
		PerLobbyMax: s.c.WS.PerLobbyMax,
		GlobalMax:   s.c.WS.GlobalMax,
	})
	s.socket.dispatcher = ws.NewDispatcher(s.socket.registry)
	s.socket.monitor = ws.NewMonitor(ws.MonitorConfig{
		Registry:      s.socket.registry,
		ProbeInterval: s.c.WS.ProbeInterval,
		IdleAfter:     s.c.WS.IdleAfter,
	})
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery(), telemetry.HTTPRequestLogger())

	api.New(api.Config{
		Engine:     e,
		EventBus:   s.eb,
		Lobby:      s.service.lobby,
		Results:    s.service.history,
		Tokens:     s.service.token,
		Verifier:   identity.NewJWTVerifier(s.c.Auth.JWTSecret),
		Resolver:   identity.NewCachedResolver(identity.LocalResolver{}, s.c.Auth.ResolverCacheTTL),
		Bank:       s.service.question,
		Registry:   s.socket.registry,
		Dispatcher: s.socket.dispatcher,
	})

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

func (s *Server) Start() {
	ctx := context.TODO()

	var eg errgroup.Group
	eg.Go(func() error {
		slog.InfoContext(ctx, "server: liveness monitor started")
		s.socket.monitor.Run(context.Background())
		return nil
	})

	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	err := eg.Wait()
	if err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.socket.monitor.Stop()

	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	for _, id := range s.socket.registry.LobbyIDs() {
		s.socket.registry.CloseLobby(ctx, id)
	}

	s.eb.Stop()

	slog.InfoContext(ctx, "server: shutdown completed")
}
