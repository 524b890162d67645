package gateway

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ccmate/internal/config"
	"ccmate/internal/events"
	"ccmate/internal/logger"
	"ccmate/internal/statsdb"
	"ccmate/internal/transformer"
	"ccmate/internal/usage"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// requestRecord accumulates everything handleMessages learns about one
// request, for the request log and the event feed.
type requestRecord struct {
	requestID     string
	provider      *config.Provider
	model         string
	upstreamModel string
	transformerID string
	startedAt     time.Time
	streamed      bool
	statusCode    int
	errMsg        string
	tokens        usage.Tokens
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errTypeInvalidRequest,
			fmt.Sprintf("method %s not allowed on /v1/messages", r.Method))
		return
	}

	rec := &requestRecord{
		requestID: uuid.New().String(),
		startedAt: time.Now(),
	}
	rlog := logger.NewRequestLogger(rec.requestID)

	if token := strings.TrimSpace(s.cfg.AccessToken); token != "" && !isAuthorized(r, token) {
		rec.statusCode = http.StatusUnauthorized
		rec.errMsg = "invalid access token"
		s.record(rec)
		writeError(w, http.StatusUnauthorized, errTypeAuthentication, "invalid access token")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		rec.statusCode = http.StatusBadRequest
		rec.errMsg = "unreadable request body"
		s.record(rec)
		writeError(w, http.StatusBadRequest, errTypeInvalidRequest, "failed to read request body")
		return
	}
	defer r.Body.Close()

	stream := gjson.GetBytes(body, "stream").Bool()
	rec.model = gjson.GetBytes(body, "model").String()
	rec.streamed = stream

	// Provider selection never falls back: a broken selection is surfaced,
	// not silently replaced.
	provider, err := s.cfg.ActiveProvider()
	if err != nil {
		rec.statusCode = http.StatusInternalServerError
		rec.errMsg = err.Error()
		s.record(rec)
		rlog.Error("provider resolution failed: %v", err)
		writeError(w, http.StatusInternalServerError, errTypeAPI, err.Error())
		return
	}
	rec.provider = provider

	strategy, err := transformer.Resolve(provider.TransformerID, provider.Type)
	if err != nil {
		rec.statusCode = http.StatusInternalServerError
		rec.errMsg = err.Error()
		s.record(rec)
		rlog.Error("transformer resolution failed for provider %q: %v", provider.Name, err)
		writeError(w, http.StatusInternalServerError, errTypeAPI,
			fmt.Sprintf("provider %q: %v", provider.Name, err))
		return
	}
	rec.transformerID = strategy.ID()

	rec.upstreamModel = provider.UpstreamModel(rec.model)
	if rec.upstreamModel != rec.model {
		if rewritten, err := sjson.SetBytes(body, "model", rec.upstreamModel); err == nil {
			body = rewritten
		}
		rlog.Info("model alias %q -> %q", rec.model, rec.upstreamModel)
	}

	upstreamBody, err := strategy.TransformRequest(body, stream)
	if err != nil {
		rec.statusCode = http.StatusBadRequest
		rec.errMsg = err.Error()
		s.record(rec)
		writeError(w, http.StatusBadRequest, errTypeInvalidRequest,
			fmt.Sprintf("request transformation failed: %v", err))
		return
	}

	targetURL, err := buildTargetURL(provider.APIBaseURL, strategy.TargetPath(stream, rec.upstreamModel))
	if err != nil {
		rec.statusCode = http.StatusInternalServerError
		rec.errMsg = err.Error()
		s.record(rec)
		writeError(w, http.StatusInternalServerError, errTypeAPI,
			fmt.Sprintf("provider %q: %v", provider.Name, err))
		return
	}

	upstreamReq, err := http.NewRequestWithContext(r.Context(), http.MethodPost, targetURL, bytes.NewReader(upstreamBody))
	if err != nil {
		rec.statusCode = http.StatusInternalServerError
		rec.errMsg = err.Error()
		s.record(rec)
		writeError(w, http.StatusInternalServerError, errTypeAPI, "failed to build upstream request")
		return
	}
	upstreamReq.Header.Set("Content-Type", "application/json")
	copyPassthroughHeaders(upstreamReq, r)
	strategy.ApplyAuth(upstreamReq, provider.APIKey, stream)
	applyProviderHeaders(upstreamReq, provider)

	rlog.Info("forward: provider=%s transformer=%s target=%s stream=%v", provider.Name, rec.transformerID, targetURL, stream)

	resp, err := s.client.Do(upstreamReq)
	if err != nil {
		rec.errMsg = err.Error()
		if errors.Is(err, context.Canceled) {
			rec.statusCode = 499
			s.record(rec)
			return
		}
		rec.statusCode = http.StatusBadGateway
		s.record(rec)
		rlog.Error("upstream request failed: %v", err)
		writeError(w, http.StatusBadGateway, errTypeAPI,
			fmt.Sprintf("upstream request failed: %v", err))
		return
	}
	defer resp.Body.Close()
	rec.statusCode = resp.StatusCode

	// Upstream errors pass through verbatim: status, headers and body land
	// on the client untouched.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.passthroughError(w, resp, rec, rlog)
		return
	}

	if stream {
		s.streamResponse(w, r, resp, strategy, rec, rlog)
		return
	}
	s.completeResponse(w, resp, strategy, rec, rlog)
}

func isAuthorized(r *http.Request, token string) bool {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if strings.TrimSpace(strings.TrimPrefix(auth, "Bearer ")) == token {
			return true
		}
	}
	return r.Header.Get("x-api-key") == token
}

// copyPassthroughHeaders forwards the protocol headers the upstream needs to
// see. Everything else is gateway-owned.
func copyPassthroughHeaders(dst *http.Request, src *http.Request) {
	for _, key := range []string{"anthropic-version", "anthropic-beta", "Accept"} {
		if v := src.Header.Get(key); v != "" {
			dst.Header.Set(key, v)
		}
	}
}

func applyProviderHeaders(req *http.Request, provider *config.Provider) {
	for key, value := range provider.Headers {
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key != "" && value != "" {
			req.Header.Set(key, value)
		}
	}
}

func (s *Server) passthroughError(w http.ResponseWriter, resp *http.Response, rec *requestRecord, rlog *logger.RequestLogger) {
	body, headers, err := readUpstreamBody(resp)
	if err != nil {
		rec.errMsg = err.Error()
		s.record(rec)
		writeError(w, http.StatusBadGateway, errTypeAPI,
			fmt.Sprintf("failed to read upstream error: %v", err))
		return
	}
	rec.errMsg = fmt.Sprintf("upstream HTTP %d", resp.StatusCode)
	s.record(rec)
	rlog.Warn("upstream error %d (%d bytes)", resp.StatusCode, len(body))

	for key, values := range headers {
		if strings.EqualFold(key, "Content-Length") {
			continue
		}
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(body)
}

func (s *Server) completeResponse(w http.ResponseWriter, resp *http.Response, strategy transformer.Transformer, rec *requestRecord, rlog *logger.RequestLogger) {
	body, _, err := readUpstreamBody(resp)
	if err != nil {
		rec.errMsg = err.Error()
		rec.statusCode = http.StatusBadGateway
		s.record(rec)
		writeError(w, http.StatusBadGateway, errTypeAPI,
			fmt.Sprintf("failed to read upstream response: %v", err))
		return
	}

	canonical, err := strategy.TransformResponse(body, rec.model)
	if err != nil {
		rec.errMsg = err.Error()
		rec.statusCode = http.StatusBadGateway
		s.record(rec)
		rlog.Error("response transformation failed: %v", err)
		writeError(w, http.StatusBadGateway, errTypeAPI,
			fmt.Sprintf("response transformation failed: %v", err))
		return
	}

	rec.tokens = usage.FromResponse(canonical)
	s.record(rec)

	w.Header().Set("Content-Type", strategy.OutputContentType(false))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(canonical)
}

// streamResponse re-frames the upstream stream chunk by chunk. Client
// disconnects cancel the request context, which aborts the upstream read.
func (s *Server) streamResponse(w http.ResponseWriter, r *http.Request, resp *http.Response, strategy transformer.Transformer, rec *requestRecord, rlog *logger.RequestLogger) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		rec.errMsg = "response writer does not support flushing"
		rec.statusCode = http.StatusInternalServerError
		s.record(rec)
		writeError(w, http.StatusInternalServerError, errTypeAPI, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", strategy.OutputContentType(true))
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	var state any
	buf := make([]byte, 32*1024)

	writeFrames := func(frames [][]byte) bool {
		for _, frame := range frames {
			if tokens, ok := usage.FromEvent(frame); ok {
				rec.tokens.Add(tokens)
			}
			if _, err := w.Write(frame); err != nil {
				return false
			}
			flusher.Flush()
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			rec.errMsg = ctx.Err().Error()
			s.record(rec)
			rlog.Info("client disconnected, aborting upstream")
			return
		default:
		}

		n, err := resp.Body.Read(buf)
		if n > 0 {
			frames, terr := strategy.TransformStreamChunk(buf[:n], rec.model, &state)
			if terr != nil {
				rec.errMsg = terr.Error()
				s.record(rec)
				rlog.Error("stream transformation failed: %v", terr)
				return
			}
			if !writeFrames(frames) {
				rec.errMsg = "client write failed"
				s.record(rec)
				return
			}
		}
		if err == io.EOF {
			writeFrames(strategy.FinishStream(&state))
			s.record(rec)
			return
		}
		if err != nil {
			rec.errMsg = err.Error()
			s.record(rec)
			if ctx.Err() == nil {
				rlog.Error("upstream stream read failed: %v", err)
			}
			return
		}
	}
}

// readUpstreamBody reads the response body, transparently inflating an
// explicit gzip encoding.
func readUpstreamBody(resp *http.Response) ([]byte, http.Header, error) {
	headers := resp.Header.Clone()
	var reader io.Reader = resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		gzipReader, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, headers, fmt.Errorf("init gzip reader: %w", err)
		}
		defer gzipReader.Close()
		reader = gzipReader
		headers.Del("Content-Encoding")
		headers.Del("Content-Length")
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, headers, fmt.Errorf("read body: %w", err)
	}
	return body, headers, nil
}

// record persists the request log and publishes it on the event bus.
func (s *Server) record(rec *requestRecord) {
	entry := statsdb.RequestLog{
		RequestID:     rec.requestID,
		Model:         rec.model,
		UpstreamModel: rec.upstreamModel,
		Transformer:   rec.transformerID,
		Date:          rec.startedAt.Format("2006-01-02"),
		StartedAt:     rec.startedAt.Format(time.RFC3339),
		DurationMs:    time.Since(rec.startedAt).Milliseconds(),
		StatusCode:    rec.statusCode,
		Streamed:      rec.streamed,
		Error:         rec.errMsg,
		InputTokens:   rec.tokens.InputTokens,
		OutputTokens:  rec.tokens.OutputTokens,
		CacheCreate:   rec.tokens.CacheCreate,
		CacheRead:     rec.tokens.CacheRead,
	}
	if rec.provider != nil {
		entry.ProviderID = rec.provider.ID
		entry.ProviderName = rec.provider.Name
	}

	if s.logs != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.logs.Insert(ctx, entry); err != nil {
			logger.Warn("[gateway] insert request log failed: %v", err)
		}
	}
	if s.bus != nil {
		s.bus.Publish(events.TypeRequestLog, entry)
	}
}
