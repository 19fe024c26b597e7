package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/deadletter"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/ingest"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/pipeline"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/registry"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/resolver"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/signal"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/store"
)

// sourceAPI is the provenance recorded for signals submitted over HTTP.
const sourceAPI = "api"

// maxSignalBody caps direct submissions; queue transports carry the same
// payloads and none come close to this.
const maxSignalBody = 1 << 20

// SubmitResponse is the response body for POST /api/v1/signals.
type SubmitResponse struct {
	SignalID string `json:"signal_id"`
	Status   string `json:"status"`
}

// EntityListResponse is the response body for GET /api/v1/entities.
type EntityListResponse struct {
	Entities []*signal.Entity `json:"entities"`
	Count    int              `json:"count"`
}

// DeactivateResponse is the response body for POST /api/v1/entities/:id/deactivate.
type DeactivateResponse struct {
	EntityID string `json:"entity_id"`
	Active   bool   `json:"active"`
}

// DeadLetterListResponse is the response body for GET /api/v1/deadletters.
type DeadLetterListResponse struct {
	DeadLetters []*store.DeadLetter `json:"dead_letters"`
	Count       int                 `json:"count"`
}

// RequeueResponse is the response body for POST /api/v1/deadletters/:id/requeue.
type RequeueResponse struct {
	ID     int64  `json:"id"`
	Status string `json:"status"`
}

// OperatorQueueResponse is the response body for GET /api/v1/operator/queue.
type OperatorQueueResponse struct {
	Items []*store.OperatorItem `json:"items"`
	Count int                   `json:"count"`
}

// ResolveResponse is the response body for POST /api/v1/operator/queue/:id/resolve.
type ResolveResponse struct {
	ID     int64  `json:"id"`
	Status string `json:"status"`
}

// StatsResponse is the response body for GET /api/v1/stats: the durable
// rollup next to the live pipeline counters.
type StatsResponse struct {
	Store    *store.Stats      `json:"store"`
	Pipeline pipeline.Snapshot `json:"pipeline"`
}

// handleSubmitSignal accepts a signal document and hands it to the
// pipeline. The pipeline validates again on intake; the checks here exist
// so a bad submission gets a 400 with the reason instead of being silently
// consumed the way a poison queue message is.
func (s *Server) handleSubmitSignal(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxSignalBody+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}
	if len(body) > maxSignalBody {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "signal payload too large")
	}

	sig, err := signal.Decode(body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if err := s.intake.Handle(c.Request().Context(), ingest.Message{Source: sourceAPI, Data: body}); err != nil {
		s.logger.Warn("signal submission refused",
			zap.String("signal_id", sig.ID),
			zap.Error(err))
		return echo.NewHTTPError(http.StatusServiceUnavailable, "pipeline is not accepting signals")
	}

	// Duplicates are absorbed, not rejected: redelivery is normal for
	// every other transport and the ledger already holds the signal.
	return c.JSON(http.StatusAccepted, SubmitResponse{SignalID: sig.ID, Status: "accepted"})
}

// handleGetEntity returns one registry entity by ID.
func (s *Server) handleGetEntity(c echo.Context) error {
	entity, err := s.registry.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, registry.ErrEntityNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "entity not found")
		}
		s.logger.Error("entity lookup failed", zap.String("entity_id", c.Param("id")), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load entity")
	}
	return c.JSON(http.StatusOK, entity)
}

// handleSearchEntities lists registry entities, optionally filtered by
// type and by a name query matched against normalized canonical names and
// aliases. The filter applies within the newest `limit` entities; full
// matching belongs to the resolver, this is an operator lookup.
func (s *Server) handleSearchEntities(c echo.Context) error {
	limit := intQueryParam(c, "limit", 100)
	entities, err := s.registry.List(c.Request().Context(), c.QueryParam("type"), limit)
	if err != nil {
		s.logger.Error("entity list failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list entities")
	}

	if name := c.QueryParam("name"); name != "" {
		entities = filterByName(entities, name)
	}

	return c.JSON(http.StatusOK, EntityListResponse{Entities: entities, Count: len(entities)})
}

// filterByName keeps entities whose normalized canonical name or alias
// contains the normalized query.
func filterByName(entities []*signal.Entity, query string) []*signal.Entity {
	q := resolver.Normalize(query)
	matched := make([]*signal.Entity, 0, len(entities))
	for _, e := range entities {
		if strings.Contains(resolver.Normalize(e.CanonicalName), q) {
			matched = append(matched, e)
			continue
		}
		for _, alias := range e.Aliases {
			if strings.Contains(resolver.Normalize(alias), q) {
				matched = append(matched, e)
				break
			}
		}
	}
	return matched
}

// handleDeactivateEntity retires an entity. Retired entities are excluded
// from candidate matching but never deleted.
func (s *Server) handleDeactivateEntity(c echo.Context) error {
	id := c.Param("id")
	if err := s.registry.Retire(c.Request().Context(), id); err != nil {
		if errors.Is(err, registry.ErrEntityNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "entity not found")
		}
		s.logger.Error("entity deactivation failed", zap.String("entity_id", id), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to deactivate entity")
	}
	return c.JSON(http.StatusOK, DeactivateResponse{EntityID: id, Active: false})
}

// handleListDeadLetters returns dead letters, newest first. pending=true
// (the default) hides records already requeued.
func (s *Server) handleListDeadLetters(c echo.Context) error {
	pending := boolQueryParam(c, "pending", true)
	limit := intQueryParam(c, "limit", 100)

	letters, err := s.deadletters.List(c.Request().Context(), pending, limit)
	if err != nil {
		s.logger.Error("dead-letter list failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list dead letters")
	}
	return c.JSON(http.StatusOK, DeadLetterListResponse{DeadLetters: letters, Count: len(letters)})
}

// handleRequeueDeadLetter pushes a dead letter's payload back onto the
// inbound queue.
func (s *Server) handleRequeueDeadLetter(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid dead-letter id")
	}

	if err := s.deadletters.Requeue(c.Request().Context(), id); err != nil {
		switch {
		case errors.Is(err, store.ErrDeadLetterNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "dead letter not found")
		case errors.Is(err, deadletter.ErrAlreadyRequeued):
			return echo.NewHTTPError(http.StatusConflict, "dead letter already requeued")
		default:
			s.logger.Error("requeue failed", zap.Int64("dead_letter_id", id), zap.Error(err))
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to requeue dead letter")
		}
	}
	return c.JSON(http.StatusOK, RequeueResponse{ID: id, Status: "requeued"})
}

// handleOperatorQueue returns the manual review queue. open=true (the
// default) hides resolved items.
func (s *Server) handleOperatorQueue(c echo.Context) error {
	open := boolQueryParam(c, "open", true)
	limit := intQueryParam(c, "limit", 100)

	items, err := s.deadletters.OperatorItems(c.Request().Context(), open, limit)
	if err != nil {
		s.logger.Error("operator queue list failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list operator queue")
	}
	return c.JSON(http.StatusOK, OperatorQueueResponse{Items: items, Count: len(items)})
}

// handleResolveOperatorItem closes a review queue item.
func (s *Server) handleResolveOperatorItem(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid operator item id")
	}

	if err := s.deadletters.ResolveOperatorItem(c.Request().Context(), id); err != nil {
		if errors.Is(err, store.ErrOperatorItemNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "operator item not found")
		}
		s.logger.Error("operator item resolve failed", zap.Int64("item_id", id), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to resolve operator item")
	}
	return c.JSON(http.StatusOK, ResolveResponse{ID: id, Status: "resolved"})
}

// handleStats merges the durable rollup with the live pipeline counters.
func (s *Server) handleStats(c echo.Context) error {
	stats, err := s.stats.CollectStats(c.Request().Context())
	if err != nil {
		s.logger.Error("stats collection failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to collect stats")
	}
	return c.JSON(http.StatusOK, StatsResponse{Store: stats, Pipeline: s.intake.Snapshot()})
}

// intQueryParam parses an integer query parameter, returning def when the
// parameter is absent or malformed.
func intQueryParam(c echo.Context, name string, def int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

// boolQueryParam parses a boolean query parameter, returning def when the
// parameter is absent or malformed.
func boolQueryParam(c echo.Context, name string, def bool) bool {
	raw := c.QueryParam(name)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}
