// Package http binds the Service Facade (C8) to net/http, mapping the
// request surface of SPEC_FULL.md §6 onto JSON-over-HTTP. Grounded on the
// reference storage node's internal/handler (one method per operation,
// validate-then-delegate, structured error mapping) with the transport
// itself rebound from gRPC to net/http per SPEC_FULL.md's design notes, and
// on internal/health/health_check.go for the liveness/readiness handler
// shape.
package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/replicatedkv/node/internal/facade"
	nodeerrors "github.com/devrev/replicatedkv/node/internal/errors"
	"github.com/devrev/replicatedkv/node/internal/model"
	"github.com/devrev/replicatedkv/node/internal/validation"
)

// handlers holds the dependencies every route needs.
type handlers struct {
	facade *facade.Facade
	logger *zap.Logger
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError maps a NodeError (or plain error) onto an HTTP status and a
// structured error body, per SPEC_FULL.md §7's propagation policy.
func writeError(w http.ResponseWriter, err error) {
	code := nodeerrors.GetCode(err)
	status := http.StatusInternalServerError
	switch code {
	case nodeerrors.ErrCodeInvalidArgument:
		status = http.StatusBadRequest
	case nodeerrors.ErrCodeKeyNotFound:
		status = http.StatusNotFound
	case nodeerrors.ErrCodeVersionConflict:
		writeJSON(w, http.StatusConflict, conflictResponse{
			Status:         "error",
			CurrentVersion: currentVersionFromError(err),
		})
		return
	case nodeerrors.ErrCodeDiskFull, nodeerrors.ErrCodeDiskThrottled, nodeerrors.ErrCodeUnavailable:
		status = http.StatusServiceUnavailable
	case nodeerrors.ErrCodeChecksumFailed, nodeerrors.ErrCodeCorruptRecord:
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, errorResponse{Status: "error", Error: err.Error(), Code: int(code)})
}

func currentVersionFromError(err error) uint64 {
	ne, ok := err.(*nodeerrors.NodeError)
	if !ok {
		return 0
	}
	if v, ok := ne.Details["current_version"].(uint64); ok {
		return v
	}
	return 0
}

// handlePut implements PUT /keys/{key}.
func (h *handlers) handlePut(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := validation.ValidateKey(key); err != nil {
		writeError(w, err)
		return
	}

	var body writeRequestBody
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, nodeerrors.InvalidArgument("malformed request body", err))
			return
		}
	}

	clientID := r.URL.Query().Get("client_id")
	requestID := r.URL.Query().Get("request_id")
	if err := validation.ValidateIdentifier("client_id", clientID); err != nil {
		writeError(w, err)
		return
	}
	if err := validation.ValidateIdentifier("request_id", requestID); err != nil {
		writeError(w, err)
		return
	}

	result, err := h.facade.Set(facade.WriteRequest{
		ClientID:        clientID,
		RequestID:       requestID,
		Key:             key,
		Value:           body.Value,
		ExpectedVersion: body.ExpectedVersion,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, writeResponse{Status: "ok", ID: result.ID, Key: key, Version: result.Version})
}

// handleGet implements GET /keys/{key}.
func (h *handlers) handleGet(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := validation.ValidateKey(key); err != nil {
		writeError(w, err)
		return
	}

	if raw := r.URL.Query().Get("version"); raw != "" {
		version, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, nodeerrors.InvalidArgument("version must be a positive integer", err))
			return
		}
		value, err := h.facade.GetVersion(key, version)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, getResponse{Key: key, Value: value, Version: version})
		return
	}

	value, version, err := h.facade.Get(key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, getResponse{Key: key, Value: value, Version: version})
}

// handleDelete implements DELETE /keys/{key}.
func (h *handlers) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := validation.ValidateKey(key); err != nil {
		writeError(w, err)
		return
	}
	clientID := r.URL.Query().Get("client_id")
	requestID := r.URL.Query().Get("request_id")

	id, err := h.facade.Delete(clientID, requestID, key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deleteResponse{Status: "ok", ID: id})
}

// handleHistory implements GET /keys/{key}/history.
func (h *handlers) handleHistory(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	hist, err := h.facade.History(key)
	if err != nil {
		writeError(w, err)
		return
	}
	versions, _ := h.facade.Versions(key)
	writeJSON(w, http.StatusOK, historyResponse{Key: key, Versions: versions, History: hist})
}

// handleVersions implements GET /keys/{key}/versions.
func (h *handlers) handleVersions(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	versions, err := h.facade.Versions(key)
	if err != nil {
		writeError(w, err)
		return
	}
	latest := uint64(0)
	if len(versions) > 0 {
		latest = versions[0]
	}
	writeJSON(w, http.StatusOK, versionsResponse{Key: key, Versions: versions, LatestVersion: latest})
}

// handleSegments implements GET /segments.
func (h *handlers) handleSegments(w http.ResponseWriter, r *http.Request) {
	segs, err := h.facade.Segments()
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]segmentInfo, len(segs))
	for i, s := range segs {
		out[i] = segmentInfo{Path: s.Path, Size: s.SizeBytes, IsActive: s.IsActive}
	}
	writeJSON(w, http.StatusOK, segmentsResponse{
		Segments:       out,
		TotalSegments:  len(out),
		MaxSegmentSize: h.facade.MaxSegmentSize(),
	})
}

// handleDedupStats implements GET /dedup/stats.
func (h *handlers) handleDedupStats(w http.ResponseWriter, r *http.Request) {
	s := h.facade.DedupStats()
	writeJSON(w, http.StatusOK, dedupStatsResponse{
		CurrentCacheSize:             s.CurrentCacheSize,
		UniqueRequestIDs:             s.UniqueRequestIDs,
		TotalClientCount:             s.TotalClientCount,
		TotalRequestsCached:          s.TotalRequestsCached,
		TotalDuplicatesDetected:      s.TotalDuplicatesDetected,
		SameOperationDuplicates:      s.SameOperationDuplicates,
		DifferentOperationDuplicates: s.DifferentOperationDuplicates,
		TotalCacheCleanups:           s.TotalCacheCleanups,
	})
}

// handleClusterStatus implements GET /cluster/status.
func (h *handlers) handleClusterStatus(w http.ResponseWriter, r *http.Request) {
	peers := h.facade.ClusterStatus()
	out := make([]peerStatusWire, len(peers))
	for i, p := range peers {
		wire := peerStatusWire{
			PeerID:                    p.PeerID,
			URL:                       p.URL,
			Status:                    string(p.Status),
			SecondsSinceLastHeartbeat: p.SecondsSinceHB,
		}
		if p.HasHeartbeat {
			wire.LastHeartbeat = p.LastHeartbeat.Format(time.RFC3339)
		}
		out[i] = wire
	}
	writeJSON(w, http.StatusOK, clusterStatusResponse{Role: h.facade.Role, Peers: out})
}

// handleCompactionRun implements POST /compaction/run.
func (h *handlers) handleCompactionRun(w http.ResponseWriter, r *http.Request) {
	if err := h.facade.RunCompaction(); err != nil {
		writeError(w, err)
		return
	}
	run, _ := h.facade.CompactionStatus()
	writeJSON(w, http.StatusAccepted, compactionRunResponse{
		Status:            "ok",
		SegmentsCompacted: run.SegmentsCompacted,
		EntriesRemoved:    run.EntriesRemoved,
	})
}

// handleCompactionStatus implements GET /compaction/status.
func (h *handlers) handleCompactionStatus(w http.ResponseWriter, r *http.Request) {
	enabled, interval := h.facade.CompactionConfig()
	resp := compactionStatusResponse{
		Config:  compactionConfigWire{Enabled: enabled, IntervalSeconds: interval.Seconds()},
		History: make([]compactionRunWire, 0),
	}
	for _, run := range h.facade.CompactionHistory() {
		resp.History = append(resp.History, compactionRunWire{
			StartedAt:         run.StartedAt.Format(time.RFC3339),
			DurationSeconds:   run.Duration.Seconds(),
			SegmentsCompacted: run.SegmentsCompacted,
			EntriesRemoved:    run.EntriesRemoved,
			Status:            string(run.Status),
			Error:             run.Error,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCompactionConfigure implements POST /compaction/config.
func (h *handlers) handleCompactionConfigure(w http.ResponseWriter, r *http.Request) {
	var body compactionConfigureRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, nodeerrors.InvalidArgument("malformed request body", err))
		return
	}

	enabled, interval := h.facade.CompactionConfig()
	if body.Enabled != nil {
		enabled = *body.Enabled
	}
	if body.Interval != nil {
		interval = time.Duration(*body.Interval) * time.Second
	}
	h.facade.ConfigureCompaction(enabled, interval)

	writeJSON(w, http.StatusOK, compactionConfigureResponse{
		Status:  "ok",
		Changes: compactionConfigWire{Enabled: enabled, IntervalSeconds: interval.Seconds()},
	})
}

// handleReplicate implements POST /internal/replicate — the follower-side
// entry point for a leader-pushed LogEntry.
func (h *handlers) handleReplicate(w http.ResponseWriter, r *http.Request) {
	var entry model.LogEntry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		writeError(w, nodeerrors.InvalidArgument("malformed log entry", err))
		return
	}
	if err := h.facade.ReceiveReplicated(entry); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReplicateRange implements GET /internal/replicate/range — the
// leader-side range-fetch a follower uses to close a detected gap. The
// response body is newline-delimited JSON, one LogEntry per line, matching
// the on-disk segment format so a follower can append it directly.
func (h *handlers) handleReplicateRange(w http.ResponseWriter, r *http.Request) {
	from, err := strconv.ParseUint(r.URL.Query().Get("from_id"), 10, 64)
	if err != nil {
		writeError(w, nodeerrors.InvalidArgument("from_id must be a positive integer", err))
		return
	}
	to, err := strconv.ParseUint(r.URL.Query().Get("to_id"), 10, 64)
	if err != nil {
		writeError(w, nodeerrors.InvalidArgument("to_id must be a positive integer", err))
		return
	}

	entries, err := h.facade.RangeFetch(from, to)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			h.logger.Error("range fetch encode failed", zap.Error(err))
			return
		}
	}
}

// handleHeartbeat implements POST /internal/heartbeat.
func (h *handlers) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var body heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, nodeerrors.InvalidArgument("malformed heartbeat", err))
		return
	}
	h.facade.ReceiveHeartbeat(body.PeerID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ack"})
}
