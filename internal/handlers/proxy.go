package handlers

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/pkoukk/tiktoken-go"

	"github.com/mihaisavezi/claude-gate/internal/billing"
	"github.com/mihaisavezi/claude-gate/internal/config"
	"github.com/mihaisavezi/claude-gate/internal/translator"
)

// ProxyHandler is the dispatcher: it translates the inbound Anthropic
// request, forwards it to the configured chat-completions upstream, and
// routes the upstream response through the streaming or buffered translator.
type ProxyHandler struct {
	config   *config.Manager
	request  *translator.RequestTranslator
	response *translator.ResponseTranslator
	engine   *billing.Engine
	client   *http.Client
	logger   *slog.Logger
}

func NewProxyHandler(cfg *config.Manager, engine *billing.Engine, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		config:   cfg,
		request:  translator.NewRequestTranslator(logger),
		response: translator.NewResponseTranslator(engine, logger),
		engine:   engine,
		client:   http.DefaultClient,
		logger:   logger,
	}
}

func (h *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := h.config.Get()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeClientError(w, fmt.Sprintf("failed to read request body: %v", err))
		return
	}

	inputTokens := h.countInputTokens(string(body))

	outBody, meta, err := h.request.Translate(body)
	if err != nil {
		var clientErr *translator.ClientError
		if errors.As(err, &clientErr) {
			h.writeClientError(w, clientErr.Message)
			return
		}

		h.httpError(w, http.StatusInternalServerError, "request translation failed: %v", err)

		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, cfg.Upstream.BaseURL, strings.NewReader(string(outBody)))
	if err != nil {
		h.httpError(w, http.StatusInternalServerError, "failed to create upstream request: %v", err)
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.bearerToken(r, cfg))

	h.logger.Info("Proxying request",
		"model", meta.Model,
		"stream", meta.Stream,
		"ttl_mode", meta.CacheControl.TTLMode,
		"input_tokens", inputTokens,
	)

	resp, err := h.client.Do(req)
	if err != nil {
		h.httpError(w, http.StatusBadGateway, "upstream request failed: %v", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Upstream errors pass through unmodified, never reinterpreted.
		h.passthrough(w, resp)
		return
	}

	if isStreaming(resp.Header) {
		h.handleStreaming(w, r, resp, meta)
	} else {
		h.handleResponse(w, r, resp, meta)
	}
}

// bearerToken extracts the caller's credential from either the proprietary
// API-key header or standard bearer auth, falling back to the configured
// upstream key.
func (h *ProxyHandler) bearerToken(r *http.Request, cfg *config.Config) string {
	if key := r.Header.Get("X-Api-Key"); key != "" {
		return key
	}

	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}

	return cfg.Upstream.APIKey
}

func (h *ProxyHandler) handleStreaming(w http.ResponseWriter, r *http.Request, resp *http.Response, meta translator.Meta) {
	bodyReader, err := h.decompressReader(resp)
	if err != nil {
		h.httpError(w, http.StatusBadGateway, "decompression error: %v", err)
		return
	}

	if closer, ok := bodyReader.(io.Closer); ok {
		defer closer.Close()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	st := translator.NewStreamTranslator(meta, h.engine, h.logger)
	ctx := r.Context()

	// Bytes are consumed at whatever chunk granularity the network delivers
	// and written out as soon as they translate; nothing is buffered beyond
	// the current partial line.
	buf := make([]byte, 4096)

	for {
		if ctx.Err() != nil {
			// Downstream went away; stop reading upstream.
			return
		}

		n, readErr := bodyReader.Read(buf)
		if n > 0 {
			if events := st.Feed(ctx, buf[:n]); len(events) > 0 {
				if _, err := w.Write(events); err != nil {
					return
				}

				h.flushResponse(w)
			}
		}

		if readErr != nil {
			if readErr != io.EOF {
				h.logger.Error("Stream read error", "error", readErr)
			}

			break
		}

		if st.Done() {
			break
		}
	}

	// An upstream drop without [DONE] still finalizes with the usage
	// snapshot accumulated so far.
	if !st.Done() {
		if events := st.Finish(ctx); len(events) > 0 {
			w.Write(events)
			h.flushResponse(w)
		}
	}

	if bill := st.Billing(); bill != nil {
		h.logger.Info("Completed streaming response",
			"cost", bill.Costs.Total,
			"cache_write_tokens", bill.Tokens.CacheWrite,
			"billing_source", bill.Source,
		)
	}
}

func (h *ProxyHandler) handleResponse(w http.ResponseWriter, r *http.Request, resp *http.Response, meta translator.Meta) {
	bodyReader, err := h.decompressReader(resp)
	if err != nil {
		h.httpError(w, http.StatusBadGateway, "decompression error: %v", err)
		return
	}

	if closer, ok := bodyReader.(io.Closer); ok {
		defer closer.Close()
	}

	respBody, err := io.ReadAll(bodyReader)
	if err != nil {
		h.httpError(w, http.StatusBadGateway, "failed to read upstream response: %v", err)
		return
	}

	wire, bill, err := h.response.Translate(r.Context(), respBody, meta)
	if err != nil {
		h.logger.Warn("Response translation failed, using original", "error", err)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.StatusCode)
		w.Write(respBody)

		return
	}

	// Billing detail rides on custom headers; the body stays wire-compatible.
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Gateway-Cost", strconv.FormatFloat(bill.Costs.Total, 'f', -1, 64))
	w.Header().Set("X-Gateway-Cache-Write-Tokens", strconv.Itoa(bill.Tokens.CacheWrite))
	w.Header().Set("X-Gateway-Billing-Source", string(bill.Source))
	w.WriteHeader(http.StatusOK)
	w.Write(wire)

	h.logger.Info("Successful response",
		"input_tokens", bill.Tokens.Input,
		"output_tokens", bill.Tokens.Output,
		"cache_read_tokens", bill.Tokens.CacheRead,
		"cache_write_tokens", bill.Tokens.CacheWrite,
		"cost", bill.Costs.Total,
		"billing_source", bill.Source,
	)
}

// passthrough copies an upstream error status and body verbatim.
func (h *ProxyHandler) passthrough(w http.ResponseWriter, resp *http.Response) {
	for key, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}

	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		h.logger.Error("Failed to copy upstream error body", "error", err)
	}
}

func isStreaming(headers http.Header) bool {
	contentType := headers.Get("Content-Type")
	return strings.Contains(contentType, "text/event-stream") || strings.Contains(contentType, "stream")
}

func (h *ProxyHandler) countInputTokens(text string) int {
	tke, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		h.logger.Error("Failed to get tiktoken encoding", "error", err)
		return 0
	}

	return len(tke.Encode(text, nil, nil))
}

func (h *ProxyHandler) decompressReader(resp *http.Response) (io.Reader, error) {
	var bodyReader io.Reader = resp.Body

	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		gzipReader, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}

		bodyReader = gzipReader
	case "br":
		bodyReader = brotli.NewReader(resp.Body)
	}

	return bodyReader, nil
}

func (h *ProxyHandler) flushResponse(w http.ResponseWriter) {
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

// writeClientError reports a malformed request as the structured error
// object the source protocol expects.
func (h *ProxyHandler) writeClientError(w http.ResponseWriter, message string) {
	h.logger.Warn("Client error", "message", message)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)

	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    "invalid_request_error",
		},
	})
}

func (h *ProxyHandler) httpError(w http.ResponseWriter, code int, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	h.logger.Error("HTTP Error", "code", code, "message", msg)
	http.Error(w, msg, code)
}
