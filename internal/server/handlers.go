package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/egress-gateway/internal/core/domain"
	"github.com/tjfontaine/egress-gateway/internal/core/ports"
	"github.com/tjfontaine/egress-gateway/internal/egress"
)

// maxRequestBody bounds control API request bodies.
const maxRequestBody = 10 << 20

// DefaultMaxFetchBody caps the upstream body returned by /v1/fetch.
const DefaultMaxFetchBody = 10 << 20

type handlers struct {
	clients      ClientSource
	policy       ports.RequestPolicy
	audit        ports.AuditStore
	events       ports.EventPublisher
	logger       *slog.Logger
	maxFetchBody int64
}

// policyOverrides are the per-request policy fields shared by validate and fetch.
type policyOverrides struct {
	AllowLocalRequests *bool    `json:"allow_local_requests,omitempty"`
	ExtraAllowedURIs   []string `json:"extra_allowed_uris,omitempty"`
}

// requested names the overrides that relax the outbound policy. Turning local
// requests off only tightens it.
func (p policyOverrides) requested() []string {
	var names []string
	if p.AllowLocalRequests != nil && *p.AllowLocalRequests {
		names = append(names, "allow_local_requests")
	}
	if len(p.ExtraAllowedURIs) > 0 {
		names = append(names, "extra_allowed_uris")
	}
	return names
}

func (p policyOverrides) apply(opts *egress.RequestOptions) error {
	opts.AllowLocalRequests = p.AllowLocalRequests
	for _, raw := range p.ExtraAllowedURIs {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return fmt.Errorf("invalid extra_allowed_uris entry %q", raw)
		}
		opts.ExtraAllowedURIs = append(opts.ExtraAllowedURIs, u)
	}
	return nil
}

type validateRequest struct {
	URL string `json:"url"`
	policyOverrides
}

type validateResponse struct {
	Allowed  bool   `json:"allowed"`
	URI      string `json:"uri,omitempty"`
	Hostname string `json:"hostname,omitempty"`
	UseProxy bool   `json:"use_proxy"`
}

type fetchRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
	// Timeout is a Go duration string such as "5s".
	Timeout      string         `json:"timeout,omitempty"`
	SilentMode   bool           `json:"silent_mode,omitempty"`
	ExtraLogInfo map[string]any `json:"extra_log_info,omitempty"`
	policyOverrides
}

type fetchResponse struct {
	Status  int                 `json:"status"`
	Headers map[string][]string `json:"headers"`
	// Body is base64 encoded by encoding/json.
	Body []byte `json:"body"`
	Size int64  `json:"size"`
	URL  string `json:"url"`
}

type auditResponse struct {
	Events []*domain.AuditEvent `json:"events"`
}

type errorBody struct {
	Error *domain.Error `json:"error"`
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) validate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "url is required")
		return
	}

	var opts egress.RequestOptions
	if err := req.apply(&opts); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	if !h.allowed(w, r, &ports.PolicyRequest{
		ClientID:  callerID(r),
		URL:       req.URL,
		Overrides: req.requested(),
	}) {
		return
	}

	client := h.clients.Client()
	res, err := client.Guard().Validate(r.Context(), req.URL, client.Policy(opts))
	if err != nil {
		h.writeGatewayError(w, r, err)
		return
	}

	resp := validateResponse{Allowed: true, Hostname: res.Hostname, UseProxy: res.UseProxy}
	if res.URI != nil {
		resp.URI = res.URI.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) fetch(w http.ResponseWriter, r *http.Request) {
	var req fetchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "url is required")
		return
	}
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	opts := egress.RequestOptions{
		SilentModeEnabled: req.SilentMode,
		MaxBodySize:       h.maxFetchBody,
	}
	if err := req.apply(&opts); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("invalid timeout %q", req.Timeout))
			return
		}
		opts.Timeout = d
	}
	if len(req.Headers) > 0 {
		opts.Header = make(http.Header, len(req.Headers))
		for k, v := range req.Headers {
			opts.Header.Set(k, v)
		}
	}
	if req.Body != "" {
		opts.Body = []byte(req.Body)
	}

	clientID := callerID(r)
	extra := map[string]any{"request_id": GetRequestID(r.Context())}
	if clientID != "" {
		extra["client_id"] = clientID
	}
	for k, v := range req.ExtraLogInfo {
		extra[k] = v
	}
	opts.ExtraLogInfo = extra

	AddLogField(r.Context(), "fetch_method", method)

	if !h.allowed(w, r, &ports.PolicyRequest{
		ClientID:  clientID,
		Method:    method,
		URL:       req.URL,
		Overrides: req.requested(),
	}) {
		return
	}

	resp, err := h.clients.Client().Do(r.Context(), method, req.URL, opts)
	if err != nil {
		h.writeGatewayError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, fetchResponse{
		Status:  resp.StatusCode,
		Headers: resp.Header,
		Body:    resp.Body,
		Size:    resp.Size,
		URL:     resp.URL,
	})
}

func callerID(r *http.Request) string {
	if ac := GetAuthContext(r.Context()); ac != nil {
		return ac.ClientID
	}
	return ""
}

// allowed runs the caller's request policy and writes the refusal when denied.
// Without a policy, requests that relax the outbound policy are refused.
func (h *handlers) allowed(w http.ResponseWriter, r *http.Request, req *ports.PolicyRequest) bool {
	decision := &ports.PolicyDecision{Allow: true}
	if h.policy != nil {
		var err error
		decision, err = h.policy.CheckRequest(r.Context(), req)
		if err != nil {
			AddError(r.Context(), err)
			writeError(w, http.StatusInternalServerError, "internal_error", "policy check failed")
			return false
		}
	} else if len(req.Overrides) > 0 {
		decision = &ports.PolicyDecision{
			Reason: fmt.Sprintf("policy overrides are disabled: %s", strings.Join(req.Overrides, ", ")),
		}
	}
	if decision.Allow {
		return true
	}

	AddLogField(r.Context(), "policy_reason", decision.Reason)
	if h.events != nil {
		event := &domain.AuditEvent{
			ID:        uuid.NewString(),
			Kind:      domain.AuditPolicyDenied,
			Method:    req.Method,
			URL:       req.URL,
			Message:   decision.Reason,
			Extra:     map[string]any{"client_id": req.ClientID},
			CreatedAt: time.Now().UTC(),
		}
		if err := h.events.Publish(r.Context(), event); err != nil {
			h.logger.WarnContext(r.Context(), "failed to publish audit event",
				slog.String("event_id", event.ID),
				slog.String("error", err.Error()))
		}
	}
	writeError(w, http.StatusForbidden, "policy_denied", decision.Reason)
	return false
}

func (h *handlers) listAudit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeError(w, http.StatusServiceUnavailable, "storage_disabled", "audit storage is disabled")
		return
	}

	q := r.URL.Query()
	opts := ports.ListOptions{Kind: domain.AuditEventKind(q.Get("kind"))}

	var err error
	if opts.Limit, err = intParam(q, "limit"); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if opts.Offset, err = intParam(q, "offset"); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if since := q.Get("since"); since != "" {
		if opts.Since, err = time.Parse(time.RFC3339, since); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "since must be RFC 3339")
			return
		}
	}

	events, err := h.audit.ListAuditEvents(r.Context(), opts)
	if err != nil {
		AddError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list audit events")
		return
	}
	if events == nil {
		events = []*domain.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, auditResponse{Events: events})
}

func (h *handlers) writeGatewayError(w http.ResponseWriter, r *http.Request, err error) {
	AddError(r.Context(), err)

	var gerr *domain.Error
	if errors.As(err, &gerr) {
		AddLogField(r.Context(), "error_kind", string(gerr.Kind))
		writeJSON(w, gerr.HTTPStatusCode(), errorBody{Error: gerr})
		return
	}
	writeError(w, http.StatusBadGateway, "upstream_error", err.Error())
}

func intParam(q url.Values, name string) (int, error) {
	raw := q.Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		AddError(r.Context(), err)
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorBody{Error: &domain.Error{Kind: domain.ErrorKind(kind), Message: message}})
}
