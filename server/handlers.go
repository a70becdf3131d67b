package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"k8s.io/klog/v2"

	"github.com/ditsuke/go-stealth/stealth/engine"
	"github.com/ditsuke/go-stealth/stealth/instrumentation"
	"github.com/ditsuke/go-stealth/stealth/remote"
)

// maxPayloadBytes bounds the size of a wire request accepted by the forward endpoint.
const maxPayloadBytes = 32 << 20

// cacheFullRetryAfter is advertised to callers turned away by a full session cache.
const cacheFullRetryAfter = 30 * time.Second

type errorResponse struct {
	Error string `json:"error"`
}

type rateLimitedErrorResponse struct {
	Error             string `json:"error"`
	RetryAfterSeconds int64  `json:"retry_after_seconds"`
}

type openSessionResponse struct {
	SessionID string `json:"sessionId"`
	Success   bool   `json:"success"`
}

type freeSessionRequest struct {
	SessionID string `json:"sessionId"`
}

type freeSessionResponse struct {
	SessionID string `json:"sessionId"`
	Success   bool   `json:"success"`
}

type healthResponse struct {
	Status       string `json:"status"`
	Sessions     int    `json:"sessions"`
	IdleSessions int    `json:"idleSessions"`
	LiveHandles  int    `json:"liveHandles"`
}

func allowMethod(writer http.ResponseWriter, request *http.Request, method string) bool {
	if request.Method == method {
		return true
	}
	writer.Header().Set("Allow", method)
	writeJSON(writer, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
	return false
}

// handleOpenSession opens the engine session for a sessionId ahead of its first call.
// Opening an id that is already open with the same profile succeeds.
func (s *ApiServer) handleOpenSession(writer http.ResponseWriter, request *http.Request) {
	if !allowMethod(writer, request, http.MethodPost) {
		return
	}

	var body remote.OpenSessionRequest
	if err := json.NewDecoder(io.LimitReader(request.Body, 64<<10)).Decode(&body); err != nil {
		writeJSON(writer, http.StatusBadRequest, errorResponse{Error: "failed to decode request body"})
		return
	}
	if body.SessionID == "" || body.TLSClientIdentifier == "" {
		writeJSON(writer, http.StatusBadRequest, errorResponse{Error: "sessionId and tlsClientIdentifier are required"})
		return
	}

	if _, err := s.sessions.getOrCreate(body.SessionID, body.TLSClientIdentifier, body.Config()); err != nil {
		if !writeCacheError(writer, err) {
			instrumentation.RecordError(request.Context(), "engine_init", err)
			writeJSON(writer, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
		}
		return
	}
	writeJSON(writer, http.StatusOK, openSessionResponse{SessionID: body.SessionID, Success: true})
}

// writeCacheError answers the session cache refusals and reports whether err was one.
func writeCacheError(writer http.ResponseWriter, err error) bool {
	switch {
	case errors.Is(err, errCacheFull):
		retryAfterSeconds := int64(math.Ceil(cacheFullRetryAfter.Seconds()))
		writer.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSeconds))
		writeJSON(writer, http.StatusTooManyRequests, rateLimitedErrorResponse{
			Error:             err.Error(),
			RetryAfterSeconds: retryAfterSeconds,
		})
	case errors.Is(err, errProfileMismatch):
		writeJSON(writer, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, errCacheClosed):
		writeJSON(writer, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	default:
		return false
	}
	return true
}

// handleForward performs one engine call for the wire request in the body. Sessions are
// opened on first use of a sessionId and reused until freed or expired.
func (s *ApiServer) handleForward(writer http.ResponseWriter, request *http.Request) {
	if !allowMethod(writer, request, http.MethodPost) {
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(writer, request.Body, maxPayloadBytes))
	if err != nil {
		writeJSON(writer, http.StatusBadRequest, errorResponse{Error: "failed to read request body"})
		return
	}
	req, err := engine.DecodeRequest(payload)
	if err != nil {
		writeJSON(writer, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if req.SessionID == "" || req.TLSClientIdentifier == "" {
		writeJSON(writer, http.StatusBadRequest, errorResponse{Error: "sessionId and tlsClientIdentifier are required"})
		return
	}

	clientID := req.SessionID
	resp, err := s.forward(clientID, req)
	if err != nil {
		var callErr *engine.CallError
		switch {
		case errors.As(err, &callErr):
			writeJSON(writer, http.StatusOK, &engine.Response{
				SessionID: clientID,
				Error:     &engine.Failure{Category: callErr.Category, Message: callErr.Message},
			})
		case writeCacheError(writer, err):
		default:
			// The engine could not open a session for the profile.
			instrumentation.RecordError(request.Context(), "engine_init", err)
			writeJSON(writer, http.StatusOK, engine.FailureResponse(clientID, engine.CategoryRequest, err))
		}
		return
	}

	resp.SessionID = clientID
	writeJSON(writer, http.StatusOK, resp)
}

// forward runs req on the cached session for clientID. A session that expired between
// lookup and call is reopened once.
func (s *ApiServer) forward(clientID string, req *engine.Request) (*engine.Response, error) {
	cfg := engine.Config{
		ProxyURL:           req.ProxyURL,
		InsecureSkipVerify: req.InsecureSkipVerify,
		ForceHTTP1:         req.ForceHTTP1,
		Timeout:            req.Timeout(),
		FollowRedirects:    req.FollowRedirects,
	}
	profile := req.TLSClientIdentifier

	for attempt := 0; ; attempt++ {
		session, err := s.sessions.getOrCreate(clientID, profile, cfg)
		if err != nil {
			return nil, err
		}
		resp, err := session.invoke(req)
		if errors.Is(err, engine.ErrHandleClosed) && attempt == 0 {
			klog.V(2).Infof("Engine session %s closed during call, reopening", clientID)
			_ = s.sessions.Delete(clientID)
			continue
		}
		return resp, err
	}
}

func (s *ApiServer) handleFreeSession(writer http.ResponseWriter, request *http.Request) {
	if !allowMethod(writer, request, http.MethodPost) {
		return
	}

	var body freeSessionRequest
	if err := json.NewDecoder(io.LimitReader(request.Body, 4096)).Decode(&body); err != nil || body.SessionID == "" {
		writeJSON(writer, http.StatusBadRequest, errorResponse{Error: "sessionId is required"})
		return
	}

	if err := s.sessions.Delete(body.SessionID); err != nil {
		klog.Warningf("Failed to free engine session %s: %s", body.SessionID, err)
		writeJSON(writer, http.StatusInternalServerError, errorResponse{Error: "failed to free session"})
		return
	}
	writeJSON(writer, http.StatusOK, freeSessionResponse{SessionID: body.SessionID, Success: true})
}

func (s *ApiServer) handleHealth(writer http.ResponseWriter, request *http.Request) {
	if !allowMethod(writer, request, http.MethodGet) {
		return
	}

	total, idle := s.sessions.Stats()
	writeJSON(writer, http.StatusOK, healthResponse{
		Status:       "ok",
		Sessions:     total,
		IdleSessions: idle,
		LiveHandles:  engine.LiveHandles(),
	})
}

// requireAPIKey rejects requests that do not carry the configured key. An empty key
// disables the check.
func (s *ApiServer) requireAPIKey(next http.Handler) http.Handler {
	if s.config.APIKey == "" {
		return next
	}
	want := []byte(s.config.APIKey)
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		got := []byte(request.Header.Get(remote.APIKeyHeader))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			writeJSON(writer, http.StatusUnauthorized, errorResponse{Error: "invalid api key"})
			return
		}
		next.ServeHTTP(writer, request)
	})
}

func writeJSON(writer http.ResponseWriter, statusCode int, body any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(statusCode)
	_ = json.NewEncoder(writer).Encode(body)
}
