package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"pov-board/reorder"
)

const sseDataPrefix = "data: "

type boardUpdate struct {
	PhaseID string `json:"phaseId"`
}

// BoardUpdates fans board change signals out to SSE subscribers. With a
// Redis client, changes are published on a channel so every instance sees
// them; without one, they are delivered in-process only.
type BoardUpdates struct {
	redis   *redis.Client
	channel string
	logger  *log.Logger

	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

// NewBoardUpdates creates a broker publishing on channel.
func NewBoardUpdates(rc *redis.Client, channel string, logger *log.Logger) *BoardUpdates {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &BoardUpdates{
		redis:   rc,
		channel: channel,
		logger:  logger,
		subs:    make(map[string]map[chan struct{}]struct{}),
	}
}

// Publish announces a change of phaseID.
func (b *BoardUpdates) Publish(ctx context.Context, phaseID string) error {
	if b.redis == nil {
		b.notify(phaseID)
		return nil
	}
	data, err := sonic.Marshal(boardUpdate{PhaseID: phaseID})
	if err != nil {
		return err
	}
	return b.redis.Publish(ctx, b.channel, data).Err()
}

// Run relays published changes to local subscribers until ctx is done. It
// resubscribes when the Redis channel closes.
func (b *BoardUpdates) Run(ctx context.Context) {
	if b.redis == nil {
		<-ctx.Done()
		return
	}
	for {
		sub := b.redis.Subscribe(ctx, b.channel)
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				var upd boardUpdate
				if err := sonic.UnmarshalString(msg.Payload, &upd); err != nil || upd.PhaseID == "" {
					b.logger.WithField("payload", msg.Payload).Warn("unable to parse board update")
					continue
				}
				b.notify(upd.PhaseID)
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		b.logger.Error("board updates channel closed, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (b *BoardUpdates) subscribe(phaseID string) chan struct{} {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	if b.subs[phaseID] == nil {
		b.subs[phaseID] = make(map[chan struct{}]struct{})
	}
	b.subs[phaseID][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *BoardUpdates) unsubscribe(phaseID string, ch chan struct{}) {
	b.mu.Lock()
	delete(b.subs[phaseID], ch)
	if len(b.subs[phaseID]) == 0 {
		delete(b.subs, phaseID)
	}
	b.mu.Unlock()
}

func (b *BoardUpdates) notify(phaseID string) {
	b.mu.Lock()
	for ch := range b.subs[phaseID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	b.mu.Unlock()
}

// streamBoard writes the phase board as an SSE event on connect and again
// after every change. EventSource clients cannot set headers, so the token
// may also be passed as the access_token query parameter.
func streamBoard(store Storage, auth Authenticator, updates *BoardUpdates) echo.HandlerFunc {
	return func(c echo.Context) error {
		authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
		if token := c.QueryParam("access_token"); authHeader == "" && token != "" {
			authHeader = "Bearer " + token
		}
		if _, err := auth.UserIDFromAuthHeader(authHeader); err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
		}
		phaseID := c.Param("phaseId")

		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}

		ctx := c.Request().Context()
		ch := updates.subscribe(phaseID)
		defer updates.unsubscribe(phaseID, ch)
		for {
			stages, err := store.FetchStages(ctx, phaseID)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				c.Logger().Error(err)
				return err
			}
			data, err := sonic.Marshal(stagesResponse{Stages: reorder.Normalize(stages)})
			if err != nil {
				return err
			}
			w := c.Response()
			if _, err := w.Write([]byte(sseDataPrefix)); err != nil {
				return err
			}
			if _, err := w.Write(data); err != nil {
				return err
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return err
			}
			flusher.Flush()

			select {
			case <-ctx.Done():
				return nil
			case <-ch:
			}
		}
	}
}
