package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xtxerr/powerwatch/internal/errors"
	"github.com/xtxerr/powerwatch/internal/scheduler"
	"github.com/xtxerr/powerwatch/internal/usage/archive"
	"github.com/xtxerr/powerwatch/internal/usage/engine"
	"github.com/xtxerr/powerwatch/internal/usage/persist"
	"github.com/xtxerr/powerwatch/internal/usage/types"
)

const (
	initializingMessage = "system is initializing, retry shortly"
	backendStatsTimeout = 2 * time.Second
	maxArchiveLimit     = 10000
)

// =============================================================================
// Responses
// =============================================================================

type listResponse struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
	Count   int  `json:"count"`
}

type meterData struct {
	types.Reading
	UpdateTime string `json:"update_time"`
}

type refreshResponse struct {
	Success bool       `json:"success"`
	Message string     `json:"message"`
	Data    *meterData `json:"data,omitempty"`
	Delta   string     `json:"delta,omitempty"`
	Warning string     `json:"warning,omitempty"`
}

type backendStatus struct {
	Name      string         `json:"name"`
	Available bool           `json:"available"`
	Stats     map[string]any `json:"stats,omitempty"`
	Error     string         `json:"error,omitempty"`
}

type statusResponse struct {
	ServerTime        time.Time        `json:"server_time"`
	DataAvailable     bool             `json:"data_available"`
	HistoricalRecords int              `json:"historical_records"`
	HourlyRecords     int              `json:"hourly_records"`
	RecordCounts      map[string]int   `json:"record_counts"`
	LastUpdate        string           `json:"last_update,omitempty"`
	MeterName         string           `json:"meter_name,omitempty"`
	LastError         string           `json:"last_error,omitempty"`
	Engine            engine.Status    `json:"engine"`
	Scheduler         scheduler.Status `json:"scheduler"`
	Backend           *backendStatus   `json:"backend,omitempty"`
	SummaryCacheHits  int64            `json:"summary_cache_hits"`
	SummaryCacheMiss  int64            `json:"summary_cache_misses"`
}

type archiveResponse struct {
	Success    bool             `json:"success"`
	Resolution string           `json:"resolution"`
	Data       []archive.Record `json:"data"`
	Count      int              `json:"count"`
	Totals     archive.Totals   `json:"totals"`
}

func newMeterData(r types.Reading) *meterData {
	return &meterData{Reading: r, UpdateTime: r.Timestamp.Format("2006-01-02 15:04:05")}
}

func respondError(c *gin.Context, err error) {
	status := errors.HTTPStatus(err)
	body := gin.H{"success": false, "error": err.Error()}
	if errors.Is(err, errors.ErrNoData) {
		body["message"] = initializingMessage
	}
	if status >= http.StatusInternalServerError {
		log.Warn("request failed", "path", c.Request.URL.Path, "status", status, "error", err)
	}
	c.JSON(status, body)
}

// =============================================================================
// Handlers
// =============================================================================

func (s *Server) handleMeterData(c *gin.Context) {
	r, ok := s.deps.Engine.Latest()
	if !ok {
		respondError(c, errors.ErrNoData)
		return
	}
	c.JSON(http.StatusOK, newMeterData(r))
}

func (s *Server) handleRefresh(c *gin.Context) {
	cycle, err := s.deps.Scheduler.Trigger(c.Request.Context())

	// A reading that was ingested but not persisted is still fresh data.
	if cycle != nil && cycle.Result != nil {
		s.summary.invalidate()
		resp := refreshResponse{
			Success: true,
			Message: "data refreshed",
			Data:    newMeterData(cycle.Result.Reading),
			Delta:   cycle.Result.Delta.String(),
		}
		if err != nil {
			resp.Warning = err.Error()
		}
		c.JSON(http.StatusOK, resp)
		return
	}

	if err == nil {
		err = errors.New("cycle produced no reading")
	}
	c.JSON(errors.HTTPStatus(err), refreshResponse{
		Success: false,
		Message: "refresh failed: " + err.Error(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	es := s.deps.Engine.Status()
	hits, misses := s.summary.stats()

	resp := statusResponse{
		ServerTime:        s.now(),
		DataAvailable:     es.HasData,
		HistoricalRecords: es.History.Count,
		HourlyRecords:     es.BucketCounts[types.ResolutionHourly.String()],
		RecordCounts:      es.BucketCounts,
		Engine:            es,
		Scheduler:         s.deps.Scheduler.Status(),
		SummaryCacheHits:  hits,
		SummaryCacheMiss:  misses,
	}
	if es.LastReading != nil {
		resp.LastUpdate = es.LastReading.Timestamp.Format("2006-01-02 15:04:05")
		resp.MeterName = es.LastReading.MeterName
	}
	resp.LastError = resp.Scheduler.LastError
	if resp.LastError == "" {
		resp.LastError = es.LastFlushError
	}

	if b := s.deps.Backend; b != nil {
		resp.Backend = &backendStatus{Name: b.Name(), Available: b.Available()}
		if st, ok := b.(persist.Stats); ok && b.Available() {
			ctx, cancel := context.WithTimeout(c.Request.Context(), backendStatsTimeout)
			stats, err := st.Stats(ctx)
			cancel()
			if err != nil {
				resp.Backend.Error = err.Error()
			} else {
				resp.Backend.Stats = stats
			}
		}
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleHistory(c *gin.Context) {
	limit := s.cfg.RecentWindow
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	data := s.deps.Engine.History(limit)
	c.JSON(http.StatusOK, listResponse{Success: true, Data: data, Count: len(data)})
}

func (s *Server) handleUsage(res types.Resolution) gin.HandlerFunc {
	return func(c *gin.Context) {
		data := s.deps.Engine.Buckets(res)
		c.JSON(http.StatusOK, listResponse{Success: true, Data: data, Count: len(data)})
	}
}

func (s *Server) handleSummary(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    s.summary.get(s.now()),
	})
}

func (s *Server) handleArchive(c *gin.Context) {
	if s.deps.Archive == nil {
		respondError(c, errors.ErrArchiveDisabled)
		return
	}

	res, err := types.ParseResolution(c.Param("resolution"))
	if err != nil {
		respondError(c, errors.Wrap(errors.ErrUnknownResolution, c.Param("resolution")))
		return
	}

	q := archive.BucketQuery{Resolution: res}
	loc := s.location()
	if q.From, err = parseTimeParam(c.Query("from"), loc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "from: " + err.Error()})
		return
	}
	if q.To, err = parseTimeParam(c.Query("to"), loc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "to: " + err.Error()})
		return
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > maxArchiveLimit {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "limit must be between 0 and " + strconv.Itoa(maxArchiveLimit)})
			return
		}
		q.Limit = n
	}

	records, err := s.deps.Archive.Buckets(c.Request.Context(), q)
	if err != nil {
		respondError(c, err)
		return
	}
	totals, err := s.deps.Archive.Totals(c.Request.Context(), res)
	if err != nil {
		respondError(c, err)
		return
	}
	if records == nil {
		records = []archive.Record{}
	}

	c.JSON(http.StatusOK, archiveResponse{
		Success:    true,
		Resolution: res.String(),
		Data:       records,
		Count:      len(records),
		Totals:     totals,
	})
}

func (s *Server) location() *time.Location {
	if l, ok := s.deps.Engine.(interface{ Location() *time.Location }); ok {
		return l.Location()
	}
	return time.Local
}

// parseTimeParam accepts RFC 3339 or a bare date in loc. Empty is zero.
func parseTimeParam(v string, loc *time.Location) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.ParseInLocation(types.DailyLayout, v, loc)
}
