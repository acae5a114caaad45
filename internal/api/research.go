package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/parcelscope/property-research/internal/model"
	"github.com/parcelscope/property-research/internal/research"
	"github.com/parcelscope/property-research/internal/store"
)

// errResearchBusy is returned when another request holds the research
// lock for a subject and no cached result appeared within the wait window.
var errResearchBusy = eris.New("api: research already in progress")

type researchRequest struct {
	Address      string `json:"address"`
	City         string `json:"city"`
	State        string `json:"state"`
	ForceRefresh bool   `json:"force_refresh"`
}

type researchResponse struct {
	Cached          bool               `json:"cached"`
	CacheAgeSeconds float64            `json:"cache_age_seconds,omitempty"`
	Result          *model.BatchResult `json:"result"`
}

func (s *Server) research(w http.ResponseWriter, r *http.Request) {
	var req researchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.handleResearch(w, r, req)
}

func (s *Server) property(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	force, _ := strconv.ParseBool(q.Get("force_refresh"))
	s.handleResearch(w, r, researchRequest{
		Address:      q.Get("address"),
		City:         q.Get("city"),
		State:        q.Get("state"),
		ForceRefresh: force,
	})
}

func (s *Server) handleResearch(w http.ResponseWriter, r *http.Request, req researchRequest) {
	subject, err := normalizeSubject(req.Address, req.City, req.State)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, cached, err := s.researchSubject(r.Context(), subject, req.ForceRefresh)
	switch {
	case eris.Is(err, errResearchBusy):
		writeError(w, http.StatusConflict, "research already in progress for this property")
		return
	case eris.Is(err, research.ErrMissingParam):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		zap.L().Error("api: research failed",
			zap.String("subject", subject.FullAddress()),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "research failed")
		return
	}

	resp := researchResponse{Cached: cached, Result: result}
	if cached && !result.Metadata.ResearchedAt.IsZero() {
		resp.CacheAgeSeconds = time.Since(result.Metadata.ResearchedAt).Seconds()
	}
	writeJSON(w, http.StatusOK, resp)
}

// researchSubject is the cache-first research flow. A cached batch is
// returned as-is; otherwise the caller either wins the per-subject lock
// and researches, or polls the cache while the winner works.
func (s *Server) researchSubject(ctx context.Context, subject model.Subject, forceRefresh bool) (*model.BatchResult, bool, error) {
	key := cacheKey(subject)

	if forceRefresh {
		if err := s.store.CacheDelete(ctx, key); err != nil {
			return nil, false, err
		}
	} else {
		cached, err := s.cachedResult(ctx, key)
		if err != nil {
			return nil, false, err
		}
		if cached != nil {
			s.cacheHits.Add(1)
			zap.L().Debug("api: cache hit", zap.String("subject", subject.FullAddress()))
			return cached, true, nil
		}
	}
	s.cacheMisses.Add(1)

	lockTTL := time.Duration(s.cacheCfg.LockTTLSecs) * time.Second
	acquired, err := s.store.AcquireLock(ctx, key, lockTTL)
	if err != nil {
		return nil, false, err
	}
	if !acquired {
		result, err := s.awaitResult(ctx, key)
		return result, true, err
	}
	defer func() {
		if err := s.store.ReleaseLock(context.WithoutCancel(ctx), key); err != nil {
			zap.L().Warn("api: release lock failed", zap.String("key", key), zap.Error(err))
		}
	}()

	result, err := s.researcher.Run(ctx, subject)
	if err != nil {
		return nil, false, err
	}

	s.persist(ctx, subject, result, key)
	return result, false, nil
}

// awaitResult polls the cache while another request researches the same
// subject, until the result lands or the wait window closes.
func (s *Server) awaitResult(ctx context.Context, key string) (*model.BatchResult, error) {
	poll := time.Duration(s.cacheCfg.WaitPollSecs) * time.Second
	if poll <= 0 {
		poll = time.Second
	}
	deadline := time.Now().Add(time.Duration(s.cacheCfg.WaitMaxSecs) * time.Second)

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, eris.Wrap(ctx.Err(), "api: wait for research")
		case <-ticker.C:
			cached, err := s.cachedResult(ctx, key)
			if err != nil {
				return nil, err
			}
			if cached != nil {
				return cached, nil
			}
			if time.Now().After(deadline) {
				return nil, errResearchBusy
			}
		}
	}
}

func (s *Server) cachedResult(ctx context.Context, key string) (*model.BatchResult, error) {
	raw, err := s.store.CacheGet(ctx, key)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	var result model.BatchResult
	if err := json.Unmarshal(raw, &result); err != nil {
		// A corrupt entry should not block fresh research.
		zap.L().Warn("api: dropping corrupt cache entry", zap.String("key", key), zap.Error(err))
		if delErr := s.store.CacheDelete(ctx, key); delErr != nil {
			return nil, delErr
		}
		return nil, nil
	}
	return &result, nil
}

// persist writes the batch to the cache and the property table. Failures
// are logged, not raised: the research itself succeeded.
func (s *Server) persist(ctx context.Context, subject model.Subject, result *model.BatchResult, key string) {
	ctx = context.WithoutCancel(ctx)

	raw, err := json.Marshal(result)
	if err != nil {
		zap.L().Error("api: marshal batch", zap.Error(err))
		return
	}
	ttl := time.Duration(s.cacheCfg.TTLHours) * time.Hour
	if err := s.store.CacheSet(ctx, key, raw, ttl); err != nil {
		zap.L().Warn("api: cache write failed", zap.String("key", key), zap.Error(err))
	}

	if _, err := s.store.SaveProperty(ctx, &model.Property{
		Address:             subject.Address,
		City:                subject.City,
		State:               subject.State,
		Research:            result,
		ResearchTimeSeconds: result.Metadata.ElapsedSeconds,
		RolesUsed:           result.Metadata.TotalRoles,
		CostUSD:             result.Metadata.CostUSD,
	}); err != nil {
		zap.L().Warn("api: property write failed",
			zap.String("subject", subject.FullAddress()),
			zap.Error(err),
		)
	}
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	props, err := s.store.SearchProperties(r.Context(), store.PropertyFilter{
		City:    q.Get("city"),
		State:   q.Get("state"),
		Address: q.Get("address"),
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		zap.L().Error("api: search failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	if props == nil {
		props = []model.Property{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":      len(props),
		"properties": props,
	})
}
