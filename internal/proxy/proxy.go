// Package proxy implements the Request Gateway's Request Proxy: it
// picks an upstream via the balancer, forwards the client's body, streams
// or buffers the response, retries once on a transient unary failure,
// falls back from chat to plain-completion framing when an engine has no
// chat template, estimates token usage, and records a usage row.
//
// Forwarding is built on stdlib net/http with manual request construction
// rather than httputil.ReverseProxy — the chat-template fallback and
// result-variant retry policy need to inspect and sometimes rewrite the
// body, which ReverseProxy's director/ModifyResponse hooks make far more
// awkward than building the request directly.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/aulendur/cortex/internal/balancer"
	"github.com/aulendur/cortex/internal/breaker"
	"github.com/aulendur/cortex/internal/cortexerr"
	"github.com/aulendur/cortex/internal/ratelimit"
	"github.com/aulendur/cortex/internal/store"
	pkgmw "github.com/aulendur/cortex/pkg/middleware"
	"github.com/aulendur/cortex/pkg/models"
)

// outcome classifies an upstream attempt so the caller's state machine, not
// a thrown exception, decides whether to retry.
type outcome int

const (
	outcomeOK outcome = iota
	outcomeRetryable
	outcomeFatal
)

const retryBackoff = 150 * time.Millisecond

// Tracker is satisfied by the shutdown coordinator; named here so the
// proxy doesn't import internal/shutdown just for one method.
type Tracker interface {
	Track() func()
}

// Proxy is the Request Proxy. One instance serves all three client routes.
type Proxy struct {
	balancer   *balancer.Balancer
	breakers   *breaker.Registry
	store      store.Store
	streamGate *ratelimit.StreamGate
	httpClient *http.Client
	tracker    Tracker

	unaryTimeout  time.Duration
	streamTimeout time.Duration
}

// Config tunes request deadlines; zero values fall back to the defaults
// (120s unary, 600s streaming).
type Config struct {
	UnaryTimeout  time.Duration
	StreamTimeout time.Duration
	Tracker       Tracker
}

// New builds a Proxy over its collaborators.
func New(bal *balancer.Balancer, breakers *breaker.Registry, st store.Store, gate *ratelimit.StreamGate, cfg Config) *Proxy {
	if cfg.UnaryTimeout <= 0 {
		cfg.UnaryTimeout = 120 * time.Second
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = 600 * time.Second
	}
	return &Proxy{
		balancer:      bal,
		breakers:      breakers,
		store:         st,
		streamGate:    gate,
		httpClient:    &http.Client{},
		tracker:       cfg.Tracker,
		unaryTimeout:  cfg.UnaryTimeout,
		streamTimeout: cfg.StreamTimeout,
	}
}

// clientPeek is the minimal shape the proxy needs to read off the client
// body before forwarding it unchanged: the served name and the streaming
// flag. Every other field is opaque and passed through byte-for-byte.
type clientPeek struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

// Handle serves one client-surface route. path is the upstream path to
// forward to (identical to the client-facing path — engines speak the same
// OpenAI shape); task is what the served name must be registered for.
func (p *Proxy) Handle(w http.ResponseWriter, r *http.Request, path string, task models.TaskKind) {
	if p.tracker != nil {
		release := p.tracker.Track()
		defer release()
	}

	requestID := uuid.New().String()
	started := time.Now()

	body, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
	_ = r.Body.Close()
	if err != nil {
		cortexerr.WriteJSON(w, cortexerr.New(cortexerr.KindInvalidRequest, "failed to read request body"))
		return
	}

	var peek clientPeek
	if err := json.Unmarshal(body, &peek); err != nil || peek.Model == "" {
		cortexerr.WriteJSON(w, cortexerr.New(cortexerr.KindInvalidRequest, "request body must be JSON with a non-empty \"model\""))
		return
	}

	identityID := "anonymous"
	if ident := pkgmw.GetIdentity(r.Context()); ident != nil {
		identityID = ident.ID
	}

	url, err := p.balancer.Choose(peek.Model, task)
	if err != nil {
		status := http.StatusServiceUnavailable
		kind := cortexerr.KindNoUpstream
		if err == balancer.ErrTaskMismatch {
			status = http.StatusBadRequest
			kind = cortexerr.KindTaskMismatch
		}
		p.recordUsage(requestID, identityID, peek.Model, task, 0, 0, started, status)
		cortexerr.WriteJSON(w, cortexerr.New(kind, err.Error()))
		return
	}

	if peek.Stream {
		p.handleStream(w, r, url, path, body, requestID, identityID, peek.Model, task, started)
		return
	}
	p.handleUnary(w, r, url, path, body, requestID, identityID, peek.Model, task, started)
}

// ── Unary (buffered) path ───────────────────────────────────

func (p *Proxy) handleUnary(w http.ResponseWriter, r *http.Request, url, path string, body []byte, requestID, identityID, servedName string, task models.TaskKind, started time.Time) {
	ctx, cancel := context.WithTimeout(r.Context(), p.unaryTimeout)
	defer cancel()

	status, respBody, contentType, oc, err := p.doUnary(ctx, url, path, body)

	if oc == outcomeRetryable {
		time.Sleep(retryBackoff)
		if retryURL, rerr := p.balancer.Choose(servedName, task); rerr == nil {
			url = retryURL
		}
		status, respBody, contentType, oc, err = p.doUnary(ctx, url, path, body)
	}

	if oc != outcomeOK {
		p.breakers.RecordOutcome(url, false)
		kind := cortexerr.KindUpstreamError
		httpStatus := http.StatusBadGateway
		if ctx.Err() == context.DeadlineExceeded {
			kind = cortexerr.KindUpstreamTimeout
			httpStatus = http.StatusGatewayTimeout
		}
		p.recordUsage(requestID, identityID, servedName, task, 0, 0, started, httpStatus)
		msg := "upstream request failed"
		if err != nil {
			msg = err.Error()
		}
		cortexerr.WriteJSON(w, cortexerr.New(kind, msg))
		return
	}

	if isChatTemplateMissing(respBody) && path == "/v1/chat/completions" {
		completionBody, rerr := chatToCompletionRequest(body)
		if rerr == nil {
			fallbackStatus, fallbackBody, _, fallbackOC, ferr := p.doUnary(ctx, url, "/v1/completions", completionBody)
			if fallbackOC == outcomeOK && ferr == nil {
				if wrapped, werr := completionToChatResponse(fallbackBody, servedName); werr == nil {
					status, respBody, contentType = fallbackStatus, wrapped, "application/json"
				}
			}
		}
	}

	if status >= http.StatusInternalServerError {
		p.breakers.RecordOutcome(url, false)
	}

	promptTokens, completionTokens := extractOrEstimateTokens(body, respBody)

	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.WriteHeader(status)
	_, _ = w.Write(respBody)

	p.recordUsage(requestID, identityID, servedName, task, promptTokens, completionTokens, started, status)
}

// doUnary issues one buffered attempt against url and classifies the
// outcome: a connection error or an early-closed response before headers
// is retryable; a successful round trip (any status code) is ok; a context
// deadline firing is fatal.
func (p *Proxy) doUnary(ctx context.Context, url, path string, body []byte) (status int, respBody []byte, contentType string, oc outcome, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+url+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, "", outcomeFatal, fmt.Errorf("proxy: build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return 0, nil, "", outcomeFatal, err
		}
		if isRetryableNetError(err) {
			return 0, nil, "", outcomeRetryable, err
		}
		return 0, nil, "", outcomeFatal, err
	}
	defer resp.Body.Close()

	out, rerr := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if rerr != nil {
		return 0, nil, "", outcomeRetryable, fmt.Errorf("proxy: read upstream body: %w", rerr)
	}
	return resp.StatusCode, out, resp.Header.Get("Content-Type"), outcomeOK, nil
}

func isRetryableNetError(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := err.(net.Error); ok {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "EOF") ||
		strings.Contains(msg, "broken pipe")
}

// ── Streaming path ──────────────────────────────────────────

func (p *Proxy) handleStream(w http.ResponseWriter, r *http.Request, url, path string, body []byte, requestID, identityID, servedName string, task models.TaskKind, started time.Time) {
	if p.streamGate != nil {
		if err := p.streamGate.Acquire(r.Context()); err != nil {
			cortexerr.WriteJSON(w, cortexerr.New(cortexerr.KindConcurrencyLimited, "too many concurrent streamed requests"))
			return
		}
		defer p.streamGate.Release()
	}

	ctx, cancel := context.WithTimeout(r.Context(), p.streamTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+url+path, bytes.NewReader(body))
	if err != nil {
		cortexerr.WriteJSON(w, cortexerr.New(cortexerr.KindInternal, "failed to build upstream request"))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.breakers.RecordOutcome(url, false)
		kind := cortexerr.KindUpstreamError
		if ctx.Err() == context.DeadlineExceeded {
			kind = cortexerr.KindUpstreamTimeout
		}
		p.recordUsage(requestID, identityID, servedName, task, 0, 0, started, http.StatusBadGateway)
		cortexerr.WriteJSON(w, cortexerr.New(kind, "upstream connection failed"))
		return
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/event-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(resp.StatusCode)

	flusher, canFlush := w.(http.Flusher)

	promptTokens, _ := extractOrEstimateTokens(body, nil)
	var completionBytes int64

	buf := make([]byte, 4096)
	streamErr := error(nil)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			completionBytes += int64(n)
			if _, werr := w.Write(buf[:n]); werr != nil {
				streamErr = werr
				break
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if rerr != nil {
			if rerr != io.EOF {
				streamErr = rerr
			}
			break
		}
		select {
		case <-ctx.Done():
			streamErr = ctx.Err()
		default:
		}
		if streamErr != nil {
			break
		}
	}

	status := resp.StatusCode
	if streamErr != nil {
		p.breakers.RecordOutcome(url, false)
		status = http.StatusBadGateway
		if _, werr := io.WriteString(w, cortexerr.SSEEvent(cortexerr.New(cortexerr.KindUpstreamError, "stream interrupted: "+streamErr.Error()))); werr == nil && canFlush {
			flusher.Flush()
		}
	} else if resp.StatusCode >= http.StatusInternalServerError {
		p.breakers.RecordOutcome(url, false)
	}

	completionTokens := estimateTokensFromBytes(completionBytes)
	p.recordUsage(requestID, identityID, servedName, task, promptTokens, completionTokens, started, status)
}

// ── Token accounting ────────────────────────────────────────

type usageFields struct {
	Usage *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

// extractOrEstimateTokens prefers the upstream-reported usage block; when
// absent (or respBody is nil, as for the in-flight streaming estimate) it
// falls back to estimateTokensFromBytes's bytes-to-token ratio over the
// request/response text; words are not counted.
func extractOrEstimateTokens(reqBody, respBody []byte) (prompt, completion int64) {
	if respBody != nil {
		var u usageFields
		if json.Unmarshal(respBody, &u) == nil && u.Usage != nil && (u.Usage.PromptTokens > 0 || u.Usage.CompletionTokens > 0) {
			return u.Usage.PromptTokens, u.Usage.CompletionTokens
		}
	}
	prompt = estimateTokensFromBytes(int64(estimateTextLen(reqBody)))
	if respBody != nil {
		completion = estimateTokensFromBytes(int64(estimateTextLen(respBody)))
	}
	return prompt, completion
}

// estimateTextLen approximates the "natural language content" length of a
// JSON request/response body by counting non-structural characters; good
// enough for a rough token estimate, not for precise accounting.
func estimateTextLen(body []byte) int {
	n := 0
	for _, c := range body {
		switch c {
		case '{', '}', '[', ']', '"', ':', ',':
		default:
			n++
		}
	}
	return n
}

// estimateTokensFromBytes applies a coarse bytes-to-tokens ratio (roughly
// 4 bytes per token for English text), the documented fallback when the
// upstream does not report token counts.
func estimateTokensFromBytes(n int64) int64 {
	if n <= 0 {
		return 0
	}
	est := n / 4
	if est == 0 {
		est = 1
	}
	return est
}

func (p *Proxy) recordUsage(requestID, identityID, servedName string, task models.TaskKind, promptTokens, completionTokens int64, started time.Time, status int) {
	row := &models.UsageRow{
		RequestID:        requestID,
		IdentityID:       identityID,
		ServedName:       servedName,
		Task:             task,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		LatencyMs:        time.Since(started).Milliseconds(),
		Status:           status,
		StartedAt:        started,
	}
	go func() {
		if err := p.store.AppendUsageRow(context.Background(), row); err != nil {
			log.Warn().Err(err).Str("request_id", requestID).Msg("proxy: failed to persist usage row")
		}
	}()
}

// ── Chat-template fallback ──────────────────────────────────

type chatTemplateError struct {
	Error *struct {
		Code string `json:"code"`
	} `json:"error"`
}

// isChatTemplateMissing detects the engine-reported CHAT_TEMPLATE_MISSING
// condition, which never surfaces to the client — the proxy transparently
// retries as a plain completion instead.
func isChatTemplateMissing(body []byte) bool {
	var e chatTemplateError
	if json.Unmarshal(body, &e) != nil || e.Error == nil {
		return false
	}
	return e.Error.Code == string(cortexerr.KindChatTemplateMissing)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model            string          `json:"model"`
	Messages         []chatMessage   `json:"messages"`
	Temperature      json.RawMessage `json:"temperature,omitempty"`
	TopP             json.RawMessage `json:"top_p,omitempty"`
	MaxTokens        json.RawMessage `json:"max_tokens,omitempty"`
	Stop             json.RawMessage `json:"stop,omitempty"`
	RepetitionPenalty json.RawMessage `json:"repetition_penalty,omitempty"`
	PresencePenalty  json.RawMessage `json:"presence_penalty,omitempty"`
	FrequencyPenalty json.RawMessage `json:"frequency_penalty,omitempty"`
}

// chatTurnDelimiter separates concatenated message contents when a chat
// request is rewritten as a plain completion.
const chatTurnDelimiter = "\n\n### "

// chatToCompletionRequest concatenates a chat request's message contents
// with chatTurnDelimiter, carrying through the shared sampling parameters,
// producing the body a plain /v1/completions endpoint expects.
func chatToCompletionRequest(body []byte) ([]byte, error) {
	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("proxy: decode chat request for fallback: %w", err)
	}

	var sb strings.Builder
	for i, m := range req.Messages {
		if i > 0 {
			sb.WriteString(chatTurnDelimiter)
		}
		sb.WriteString(strings.ToUpper(m.Role))
		sb.WriteString(": ")
		sb.WriteString(m.Content)
	}
	sb.WriteString(chatTurnDelimiter)
	sb.WriteString("ASSISTANT: ")

	out := map[string]any{
		"model":  req.Model,
		"prompt": sb.String(),
	}
	setIfPresent(out, "max_tokens", req.MaxTokens)
	setIfPresent(out, "temperature", req.Temperature)
	setIfPresent(out, "top_p", req.TopP)
	setIfPresent(out, "stop", req.Stop)
	setIfPresent(out, "repetition_penalty", req.RepetitionPenalty)
	setIfPresent(out, "presence_penalty", req.PresencePenalty)
	setIfPresent(out, "frequency_penalty", req.FrequencyPenalty)

	return json.Marshal(out)
}

func setIfPresent(out map[string]any, key string, raw json.RawMessage) {
	if len(raw) == 0 {
		return
	}
	var v any
	if json.Unmarshal(raw, &v) == nil {
		out[key] = v
	}
}

type completionChoice struct {
	Text         string `json:"text"`
	Index        int    `json:"index"`
	FinishReason string `json:"finish_reason"`
}

type completionResponse struct {
	ID      string              `json:"id"`
	Created int64               `json:"created"`
	Choices []completionChoice  `json:"choices"`
	Usage   json.RawMessage     `json:"usage,omitempty"`
}

// completionToChatResponse wraps a plain completion response back into a
// chat-completion envelope, the other half of the transparent fallback.
func completionToChatResponse(body []byte, servedName string) ([]byte, error) {
	var comp completionResponse
	if err := json.Unmarshal(body, &comp); err != nil {
		return nil, fmt.Errorf("proxy: decode completion fallback response: %w", err)
	}

	choices := make([]map[string]any, 0, len(comp.Choices))
	for _, c := range comp.Choices {
		choices = append(choices, map[string]any{
			"index": c.Index,
			"message": map[string]string{
				"role":    "assistant",
				"content": c.Text,
			},
			"finish_reason": c.FinishReason,
		})
	}

	out := map[string]any{
		"id":      comp.ID,
		"object":  "chat.completion",
		"created": comp.Created,
		"model":   servedName,
		"choices": choices,
	}
	if len(comp.Usage) > 0 {
		var usage any
		if json.Unmarshal(comp.Usage, &usage) == nil {
			out["usage"] = usage
		}
	}
	return json.Marshal(out)
}
