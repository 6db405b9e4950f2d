package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ledgerline/crmcache/internal/crm"
	"github.com/ledgerline/crmcache/internal/feed"
	"github.com/ledgerline/crmcache/internal/remote"
)

type contactsResponsePayload struct {
	Contacts          []crm.Contact `json:"contacts"`
	FromCache         bool          `json:"from_cache"`
	Stale             bool          `json:"stale"`
	CapturedAtSeconds int64         `json:"captured_at_s"`
	Provenance        string        `json:"provenance"`
}

func (h *httpHandler) handleContacts(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	force := c.Query("refresh") == "1"

	result, err := h.engine.Snapshot().Read(c.Request.Context(), userID, force)
	if err != nil {
		h.logger.Warn("contact snapshot read failed", zap.String("user_id", userID), zap.Error(err))
		respondServiceError(c, http.StatusBadGateway, "fetch_failed", err)
		return
	}

	c.JSON(http.StatusOK, contactsResponsePayload{
		Contacts:          result.Contacts,
		FromCache:         result.Info.FromCache,
		Stale:             result.Info.Stale,
		CapturedAtSeconds: result.Info.CapturedAt.Unix(),
		Provenance:        result.Info.Provenance,
	})
}

func (h *httpHandler) handleContactsCacheClear(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	h.engine.Snapshot().Clear(userID)
	c.JSON(http.StatusOK, gin.H{"cleared": true})
}

type resolveRequestPayload struct {
	Labels []string `json:"labels"`
}

type resolveResponsePayload struct {
	Templates        []crm.Template `json:"templates"`
	Labels           []crm.Label    `json:"labels"`
	LabelCombination []string       `json:"label_combination"`
	FromCache        bool           `json:"from_cache"`
	LoadTimeMillis   int64          `json:"load_time_ms"`
}

func (h *httpHandler) handleTemplatesResolve(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	var request resolveRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Labels) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	resolution, err := h.engine.Templates().Resolve(c.Request.Context(), userID, request.Labels)
	if err != nil {
		h.logger.Warn("template resolution failed", zap.String("user_id", userID), zap.Error(err))
		respondServiceError(c, http.StatusBadGateway, "resolve_failed", err)
		return
	}

	c.JSON(http.StatusOK, resolveResponsePayload{
		Templates:        resolution.Templates,
		Labels:           resolution.Labels,
		LabelCombination: resolution.LabelCombination,
		FromCache:        resolution.FromCache,
		LoadTimeMillis:   resolution.LoadTime.Milliseconds(),
	})
}

func (h *httpHandler) handleTemplatesPreload(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	snap, err := h.engine.Snapshot().Read(c.Request.Context(), userID, false)
	if err != nil {
		respondServiceError(c, http.StatusBadGateway, "preload_failed", err)
		return
	}
	resolved, err := h.engine.Templates().Preload(c.Request.Context(), userID, snap.Contacts)
	if err != nil {
		h.logger.Warn("template preload failed", zap.String("user_id", userID), zap.Error(err))
		respondServiceError(c, http.StatusBadGateway, "preload_failed", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"resolved": resolved, "contacts": len(snap.Contacts)})
}

func (h *httpHandler) handleTemplatesInvalidate(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	removed, err := h.engine.Templates().InvalidateAll(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("template invalidation failed", zap.String("user_id", userID), zap.Error(err))
		respondServiceError(c, http.StatusInternalServerError, "invalidate_failed", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

type bumpRequestPayload struct {
	Table string `json:"table"`
}

func (h *httpHandler) handleMetadataBump(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	request := bumpRequestPayload{Table: string(feed.TableLabels)}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}
	table := feed.Table(strings.ToLower(strings.TrimSpace(request.Table)))
	if table != feed.TableLabels && table != feed.TableTemplates {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_table"})
		return
	}

	epoch, err := h.engine.MetadataBump(c.Request.Context(), userID, table)
	if err != nil {
		h.logger.Error("metadata bump failed", zap.String("user_id", userID), zap.Error(err))
		respondServiceError(c, http.StatusInternalServerError, "bump_failed", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"epoch": epoch})
}

type followupsResponsePayload struct {
	Buckets           map[string][]crm.Contact `json:"buckets"`
	ContactIDs        []string                 `json:"contact_ids"`
	SelectedLabels    []string                 `json:"selected_labels"`
	ComputedAtSeconds int64                    `json:"computed_at_s"`
	FromCache         bool                     `json:"from_cache"`
	Recommend         string                   `json:"recommend"`
	SnapshotStale     bool                     `json:"snapshot_stale"`
}

func splitLabelsQuery(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	labels := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			labels = append(labels, trimmed)
		}
	}
	return labels
}

func (h *httpHandler) handleFollowups(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	selectedLabels := splitLabelsQuery(c.Query("labels"))

	result, info, err := h.engine.ComputeFollowups(c.Request.Context(), userID, selectedLabels)
	if err != nil {
		h.logger.Warn("follow-up computation failed", zap.String("user_id", userID), zap.Error(err))
		if errors.Is(err, remote.ErrFetchFailed) {
			respondServiceError(c, http.StatusBadGateway, "fetch_failed", err)
			return
		}
		respondServiceError(c, http.StatusInternalServerError, "compute_failed", err)
		return
	}

	c.JSON(http.StatusOK, followupsResponsePayload{
		Buckets:           result.Calculations.Buckets,
		ContactIDs:        result.Calculations.ContactIDs,
		SelectedLabels:    result.Calculations.SelectedLabels,
		ComputedAtSeconds: result.Calculations.ComputedAtSeconds,
		FromCache:         result.FromCache,
		Recommend:         string(result.Recommend),
		SnapshotStale:     info.Stale,
	})
}

type contactedRequestPayload struct {
	ContactID         string   `json:"contact_id"`
	Bucket            string   `json:"bucket"`
	Labels            []string `json:"labels"`
	Kind              string   `json:"kind"`
	Note              string   `json:"note"`
	OccurredAtSeconds int64    `json:"occurred_at_s"`
}

func (h *httpHandler) handleFollowupContacted(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	var request contactedRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.ContactID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	bucket, err := crm.NewBucketName(request.Bucket)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_bucket"})
		return
	}
	kind := strings.TrimSpace(request.Kind)
	if kind == "" {
		kind = "contact"
	}

	outcome, err := h.engine.MarkContacted(c.Request.Context(), userID, request.Labels, request.ContactID, bucket, crm.Activity{
		ContactID:         request.ContactID,
		Kind:              kind,
		Note:              request.Note,
		OccurredAtSeconds: request.OccurredAtSeconds,
	})
	if err != nil {
		h.logger.Error("contact touch enqueue failed", zap.String("user_id", userID), zap.Error(err))
		respondServiceError(c, http.StatusInternalServerError, "enqueue_failed", err)
		return
	}

	c.JSON(http.StatusOK, outcome)
}

type followupStatusResponsePayload struct {
	State                  string `json:"state"`
	SinceComputationSecond int64  `json:"since_last_computation_s"`
	HasComputation         bool   `json:"has_computation"`
}

func (h *httpHandler) handleFollowupStatus(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	state, since, known := h.engine.Followups().IdleStatus(userID)
	c.JSON(http.StatusOK, followupStatusResponsePayload{
		State:                  string(state),
		SinceComputationSecond: int64(since.Seconds()),
		HasComputation:         known,
	})
}

func (h *httpHandler) handleActivities(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	view, err := h.engine.Activities(c.Request.Context(), userID)
	if err != nil {
		respondServiceError(c, http.StatusInternalServerError, "activities_failed", err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *httpHandler) handleActivityRetry(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	localID := c.Param("id")

	if err := h.engine.Outbox().Retry(c.Request.Context(), userID, localID); err != nil {
		var coded codedError
		if errors.As(err, &coded) {
			switch {
			case strings.HasSuffix(coded.Code(), ".unknown_item"):
				c.JSON(http.StatusNotFound, gin.H{"error": "unknown_item", "code": coded.Code()})
				return
			case strings.HasSuffix(coded.Code(), ".not_failed"):
				c.JSON(http.StatusConflict, gin.H{"error": "not_failed", "code": coded.Code()})
				return
			}
		}
		h.logger.Error("activity retry failed", zap.String("user_id", userID), zap.Error(err))
		respondServiceError(c, http.StatusInternalServerError, "retry_failed", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"retried": localID})
}

type cacheStatsResponsePayload struct {
	Entries                int64 `json:"entries"`
	ApproxBytes            int64 `json:"approx_bytes"`
	OldestCreatedAtSeconds int64 `json:"oldest_created_at_s"`
	NewestCreatedAtSeconds int64 `json:"newest_created_at_s"`
	Expired                int64 `json:"expired"`
}

func (h *httpHandler) handleCacheStats(c *gin.Context) {
	stats, err := h.engine.Store().Stats(c.Request.Context())
	if err != nil {
		respondServiceError(c, http.StatusServiceUnavailable, "stats_failed", err)
		return
	}
	c.JSON(http.StatusOK, cacheStatsResponsePayload{
		Entries:                stats.Entries,
		ApproxBytes:            stats.ApproxBytes,
		OldestCreatedAtSeconds: stats.OldestCreatedAtSeconds,
		NewestCreatedAtSeconds: stats.NewestCreatedAtSeconds,
		Expired:                stats.Expired,
	})
}

func (h *httpHandler) handleCacheGC(c *gin.Context) {
	report, err := h.engine.Store().GarbageCollect(c.Request.Context())
	if err != nil {
		respondServiceError(c, http.StatusServiceUnavailable, "gc_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": report.Removed, "total": report.Total})
}

func (h *httpHandler) handleSessionEnd(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	teardown, err := h.engine.EndSession(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("session teardown failed", zap.String("user_id", userID), zap.Error(err))
		respondServiceError(c, http.StatusInternalServerError, "teardown_failed", err)
		return
	}
	c.JSON(http.StatusOK, teardown)
}
