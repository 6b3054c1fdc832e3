package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/quizlive/quizlive/internal/domain"
	"github.com/quizlive/quizlive/internal/errors"
	"github.com/quizlive/quizlive/internal/event"
	"github.com/quizlive/quizlive/internal/history"
	"github.com/quizlive/quizlive/internal/identity"
	"github.com/quizlive/quizlive/internal/lobby"
	"github.com/quizlive/quizlive/internal/question"
	"github.com/quizlive/quizlive/internal/ws"
)

const (
	ctxActorKey = "quizlive.actor"

	maxInboundBytes = 4 << 10
)

// TokenConsumer redeems a session token. Consumption is one-shot: the token
// is deleted before the upgrade proceeds.
type TokenConsumer interface {
	Consume(ctx context.Context, token, lobbyID string) (string, error)
}

// ResultReader serves persisted results of finished lobbies.
type ResultReader interface {
	ListResults(ctx context.Context, req history.ListResultsRequest) ([]domain.Result, error)
}

type Config struct {
	Engine     *gin.Engine
	EventBus   *event.Bus
	Lobby      *lobby.Service
	Results    ResultReader
	Tokens     TokenConsumer
	Verifier   identity.Verifier
	Resolver   identity.Resolver
	Bank       question.Bank
	Registry   *ws.Registry
	Dispatcher *ws.Dispatcher
}

// API is the HTTP surface: REST handlers for lobby lifecycle and the
// websocket upgrade endpoint. It also owns the announcer that turns domain
// events into socket broadcasts.
type API struct {
	ls       *lobby.Service
	results  ResultReader
	tokens   TokenConsumer
	verifier identity.Verifier
	resolver identity.Resolver
	bank     question.Bank

	registry   *ws.Registry
	dispatcher *ws.Dispatcher
	router     *ws.Router

	upgrader websocket.Upgrader
}

func New(c Config) *API {
	a := &API{
		ls:         c.Lobby,
		results:    c.Results,
		tokens:     c.Tokens,
		verifier:   c.Verifier,
		resolver:   c.Resolver,
		bank:       c.Bank,
		registry:   c.Registry,
		dispatcher: c.Dispatcher,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin checks belong to the gateway in front of this service.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	a.router = ws.NewRouter(ws.RouterConfig{
		Actions:  c.Lobby,
		Presence: a.participantList,
	})

	// REST APIs
	v1 := c.Engine.Group("/v1")
	v1.GET("/lobbies/:id/ws", a.handleSocket)

	authed := v1.Group("", a.authenticate)
	authed.POST("/lobbies", a.handleCreate)
	authed.POST("/lobbies/:id/join", a.handleJoin)
	authed.POST("/lobbies/:id/token", a.handleToken)
	authed.GET("/lobbies/:id", a.handleSnapshot)
	authed.GET("/lobbies/:id/results", a.handleResults)

	// Register event handlers
	a.subscribe(c.EventBus)

	return a
}

// authenticate resolves the caller from the Authorization header. A request
// without one is admitted as a guest with a synthetic identity.
func (a *API) authenticate(c *gin.Context) {
	h := c.GetHeader("Authorization")
	if h == "" {
		c.Set(ctxActorKey, domain.Actor{
			ID:          "guest-" + uuid.NewString(),
			DisplayName: "Guest",
			Guest:       true,
			Tier:        domain.TierFree,
		})
		return
	}

	actor, err := a.verifier.Verify(c.Request.Context(), strings.TrimPrefix(h, "Bearer "))
	if err != nil {
		abortError(c, err)
		return
	}

	c.Set(ctxActorKey, actor)
}

func callerOf(c *gin.Context) domain.Actor {
	return c.MustGet(ctxActorKey).(domain.Actor)
}

type createLobbyBody struct {
	QuestionIDs     []string `json:"question_ids"`
	ExamMode        bool     `json:"exam_mode"`
	ShowAnswers     bool     `json:"show_answers"`
	MaxParticipants int      `json:"max_participants"`
}

func (a *API) handleCreate(c *gin.Context) {
	var body createLobbyBody
	if err := c.ShouldBindJSON(&body); err != nil {
		abortError(c, errors.New(errors.CodeValidation,
			errors.WithMessagef("malformed request body"),
			errors.WithCause(err)))
		return
	}

	caller := callerOf(c)

	l, err := a.ls.CreateLobby(c.Request.Context(), lobby.CreateLobbyRequest{
		Host:        caller,
		QuestionIDs: body.QuestionIDs,
		ExamMode:    body.ExamMode,
		ShowAnswers: body.ShowAnswers,
		MaxPlayers:  body.MaxParticipants,
	})
	if err != nil {
		abortError(c, err)
		return
	}

	tok, err := a.ls.IssueToken(c.Request.Context(), l.ID, caller.ID)
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"lobby": lobbyViewOf(l),
		"token": tok,
	})
}

func (a *API) handleJoin(c *gin.Context) {
	resp, err := a.ls.Join(c.Request.Context(), lobby.JoinRequest{
		LobbyID: c.Param("id"),
		Actor:   callerOf(c),
	})
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"lobby": lobbyViewOf(resp.Lobby),
		"token": resp.Token,
	})
}

func (a *API) handleToken(c *gin.Context) {
	tok, err := a.ls.IssueToken(c.Request.Context(), c.Param("id"), callerOf(c).ID)
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": tok})
}

func (a *API) handleSnapshot(c *gin.Context) {
	l, err := a.ls.Snapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortError(c, err)
		return
	}

	v := lobbyViewOf(l)
	v.Online = a.registry.OnlineActors(l.ID)

	c.JSON(http.StatusOK, gin.H{"lobby": v})
}

func (a *API) handleResults(c *gin.Context) {
	results, err := a.results.ListResults(c.Request.Context(), history.ListResultsRequest{
		LobbyID: c.Param("id"),
	})
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"results": resultViewsOf(results)})
}

// handleSocket upgrades one authorized connection. The session token is
// consumed before the upgrade, so a token authorizes at most one transport.
func (a *API) handleSocket(c *gin.Context) {
	lobbyID := c.Param("id")
	ctx := c.Request.Context()

	tok := c.Query("token")
	if tok == "" {
		abortError(c, errors.New(errors.CodeTokenInvalid,
			errors.WithMessagef("missing session token")))
		return
	}

	// Rejecting a full lobby before Consume keeps the single-use token
	// redeemable for a retry. Register still enforces the ceiling.
	if err := a.registry.Headroom(lobbyID); err != nil {
		abortError(c, err)
		return
	}

	actor, err := a.tokens.Consume(ctx, tok, lobbyID)
	if err != nil {
		abortError(c, err)
		return
	}

	transport, err := a.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		return
	}

	conn := ws.NewConnection(transport, lobbyID, actor)

	if err := a.registry.Register(ctx, conn); err != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, errors.Convert(err).Message)
		_ = transport.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
		return
	}

	a.readLoop(ctx, conn, transport)
}

// readLoop pumps inbound frames into the router until the transport errors.
// It runs on the handler goroutine, which gorilla requires to be the sole
// reader.
func (a *API) readLoop(ctx context.Context, conn *ws.Connection, transport *websocket.Conn) {
	defer func() {
		a.registry.Unregister(ctx, conn)
		conn.Close()
	}()

	transport.SetReadLimit(maxInboundBytes)

	for {
		_, msg, err := transport.ReadMessage()
		if err != nil {
			return
		}

		a.router.Handle(ctx, conn, msg)
	}
}

func abortError(c *gin.Context, err error) {
	e := errors.Convert(err)

	c.AbortWithStatusJSON(e.HTTPStatusCode(), gin.H{
		"error": gin.H{
			"code":    e.Code.String(),
			"message": e.Message,
		},
	})
}
