package service

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/timzifer/fumewatch/runtime/alerts"
	"github.com/timzifer/fumewatch/runtime/commands"
	"github.com/timzifer/fumewatch/runtime/history"
	"github.com/timzifer/fumewatch/runtime/poller"
	"github.com/timzifer/fumewatch/runtime/state"
)

const commandOrigin = "live_view"

type liveViewServer struct {
	logger  zerolog.Logger
	service *Service
	server  *http.Server
	ln      net.Listener
}

type liveStateResponse struct {
	Model     string         `json:"model"`
	Version   uint64         `json:"version"`
	UpdatedAt time.Time      `json:"updated_at"`
	ReadOnly  bool           `json:"read_only"`
	Link      liveLink       `json:"link"`
	Registers []liveRegister `json:"registers"`
	Control   poller.Status  `json:"control"`
	Alerts    []alerts.Alert `json:"alerts"`
	Stats     Stats          `json:"stats"`
	Events    []liveEvent    `json:"events"`
}

type liveLink struct {
	state.LinkHealth
	Disconnected bool `json:"disconnected"`
}

type liveRegister struct {
	Address      uint16     `json:"address"`
	Key          string     `json:"key"`
	Name         string     `json:"name"`
	Unit         string     `json:"unit,omitempty"`
	Writable     bool       `json:"writable"`
	Value        *string    `json:"value"`
	Displayed    *string    `json:"displayed"`
	Stale        bool       `json:"stale"`
	Pending      bool       `json:"pending"`
	PendingValue *string    `json:"pending_value,omitempty"`
	CommandID    string     `json:"command_id,omitempty"`
	UpdatedAt    *time.Time `json:"updated_at,omitempty"`
}

type liveEvent struct {
	commands.Event
	Message string `json:"message"`
}

type commandRequest struct {
	// Action is one of toggle, set, adjust or write.
	Action   string           `json:"action"`
	Value    *json.RawMessage `json:"value,omitempty"`
	Delta    *int64           `json:"delta,omitempty"`
	Register string           `json:"register,omitempty"`
}

type readOnlyRequest struct {
	ReadOnly *bool `json:"read_only"`
}

type controlRequest struct {
	Action     string `json:"action"`
	DurationMS *int64 `json:"duration_ms,omitempty"`
}

func decimalPtr(v decimal.Decimal) *string {
	s := v.String()
	return &s
}

func toLiveRegister(reg state.RegisterState) liveRegister {
	out := liveRegister{
		Address:   reg.Address,
		Key:       reg.Key,
		Name:      reg.Name,
		Unit:      reg.Unit,
		Writable:  reg.Writable,
		Stale:     reg.Stale,
		Pending:   reg.Pending,
		CommandID: reg.CommandID,
	}
	if reg.HasValue {
		out.Value = decimalPtr(reg.Value)
		updated := reg.LastUpdated
		out.UpdatedAt = &updated
	}
	if shown, ok := reg.Displayed(); ok {
		out.Displayed = decimalPtr(shown)
	}
	if reg.Pending {
		out.PendingValue = decimalPtr(reg.PendingValue)
	}
	return out
}

func toLiveEvents(events []commands.Event) []liveEvent {
	out := make([]liveEvent, 0, len(events))
	for _, ev := range events {
		out = append(out, liveEvent{Event: ev, Message: ev.Message()})
	}
	return out
}

func newLiveViewServer(listen string, svc *Service, logger zerolog.Logger) (*liveViewServer, error) {
	server := &liveViewServer{logger: logger, service: svc}
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{Handler: server.routes(), ReadHeaderTimeout: 5 * time.Second}
	server.server = srv
	server.ln = ln

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("live view server stopped")
		}
	}()

	logger.Info().Str("listen", ln.Addr().String()).Msg("live view started")
	return server, nil
}

func (s *liveViewServer) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/api/state", s.handleState)
	mux.HandleFunc("/api/command", s.handleCommand)
	mux.HandleFunc("/api/read-only", s.handleReadOnly)
	mux.HandleFunc("/api/control", s.handleControl)
	mux.HandleFunc("/api/history", s.handleHistory)
	mux.HandleFunc("/api/alerts", s.handleAlerts)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func (s *liveViewServer) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := liveViewTemplate.Execute(w, s.service.Snapshot().Model); err != nil {
		s.logger.Error().Err(err).Msg("render live view page")
	}
}

func (s *liveViewServer) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap := s.service.Snapshot()
	regs := snap.Registers()
	out := make([]liveRegister, 0, len(regs))
	for _, reg := range regs {
		out = append(out, toLiveRegister(reg))
	}
	resp := liveStateResponse{
		Model:     snap.Model,
		Version:   snap.Version,
		UpdatedAt: snap.UpdatedAt,
		ReadOnly:  snap.ReadOnly,
		Link:      liveLink{LinkHealth: snap.Link, Disconnected: s.service.Disconnected()},
		Registers: out,
		Control:   s.service.Control().Status(),
		Alerts:    s.service.Alerts(),
		Stats:     s.service.Stats(),
		Events:    toLiveEvents(s.service.RecentEvents()),
	}
	s.writeJSON(w, http.StatusOK, resp, "encode live view state")
}

func (s *liveViewServer) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	cmd, err := s.buildCommand(req)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	cmd.Origin = commandOrigin
	accepted, err := s.service.Submit(cmd)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	s.writeJSON(w, http.StatusAccepted, accepted, "encode accepted command")
}

func (s *liveViewServer) buildCommand(req commandRequest) (commands.Command, error) {
	snap := s.service.Snapshot()
	switch strings.ToLower(strings.TrimSpace(req.Action)) {
	case "toggle":
		return commands.PowerToggle(snap)
	case "adjust":
		if req.Delta == nil {
			return commands.Command{}, errors.New("delta required")
		}
		return commands.AdjustTargetFlow(snap, *req.Delta)
	case "set":
		value, err := parseValue(req.Value)
		if err != nil {
			return commands.Command{}, err
		}
		return commands.SetTargetFlow(snap, value)
	case "write":
		value, err := parseValue(req.Value)
		if err != nil {
			return commands.Command{}, err
		}
		target, err := s.resolveRegister(req.Register)
		if err != nil {
			return commands.Command{}, err
		}
		return commands.Command{Target: target, Value: value}, nil
	default:
		return commands.Command{}, errors.New("unknown action")
	}
}

// resolveRegister accepts a register key, a decimal address or a 0x prefixed address.
func (s *liveViewServer) resolveRegister(ref string) (uint16, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return 0, errors.New("register required")
	}
	if desc, ok := s.service.Registers().ByKey(ref); ok {
		return desc.Address, nil
	}
	addr, err := strconv.ParseUint(ref, 0, 16)
	if err != nil {
		return 0, errors.New("unknown register " + strconv.Quote(ref))
	}
	return uint16(addr), nil
}

func parseValue(raw *json.RawMessage) (decimal.Decimal, error) {
	if raw == nil {
		return decimal.Decimal{}, errors.New("value required")
	}
	text := strings.Trim(strings.TrimSpace(string(*raw)), `"`)
	value, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Decimal{}, errors.New("invalid value")
	}
	return value, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, commands.ErrReadOnly):
		return http.StatusForbidden
	case errors.Is(err, commands.ErrBusy):
		return http.StatusServiceUnavailable
	case errors.Is(err, commands.ErrUnknownState):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func (s *liveViewServer) handleReadOnly(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()
	var req readOnlyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.ReadOnly == nil {
		http.Error(w, "read_only flag required", http.StatusBadRequest)
		return
	}
	s.service.SetReadOnly(*req.ReadOnly)
	s.writeJSON(w, http.StatusOK, readOnlyRequest{ReadOnly: req.ReadOnly}, "encode read-only state")
}

func (s *liveViewServer) handleControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()
	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	control := s.service.Control()
	switch req.Action {
	case "run":
		control.Resume()
	case "pause":
		control.Pause()
	case "step":
		control.Step()
	case "speed":
		if req.DurationMS == nil {
			http.Error(w, "duration required", http.StatusBadRequest)
			return
		}
		if err := control.SetInterval(time.Duration(*req.DurationMS) * time.Millisecond); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	default:
		http.Error(w, "unknown action", http.StatusBadRequest)
		return
	}
	s.writeJSON(w, http.StatusOK, control.Status(), "encode control status")
}

func (s *liveViewServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	all := s.service.History()
	if key := strings.ToLower(r.URL.Query().Get("key")); key != "" {
		series, ok := all[key]
		if !ok {
			http.NotFound(w, r)
			return
		}
		all = map[string][]history.Sample{key: series}
	}
	s.writeJSON(w, http.StatusOK, all, "encode history")
}

func (s *liveViewServer) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.service.Alerts(), "encode alerts")
}

func (s *liveViewServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, toLiveEvents(s.service.RecentEvents()), "encode events")
}

func (s *liveViewServer) writeJSON(w http.ResponseWriter, status int, v interface{}, what string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg(what)
	}
}

func (s *liveViewServer) close() {
	if s == nil || s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil && err != context.Canceled {
		s.logger.Error().Err(err).Msg("shutdown live view")
	}
}

var liveViewTemplate = template.Must(template.New("liveview").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>fumewatch {{.}}</title>
<style>
body { font-family: Arial, sans-serif; margin: 2rem; background: #f7f7f7; color: #222; }
h1 { margin-bottom: 0.5rem; }
.controls { display: flex; flex-wrap: wrap; gap: 0.5rem; align-items: center; margin-bottom: 1rem; }
.status { margin-bottom: 1rem; }
.link-down { color: #b00020; font-weight: bold; }
table { border-collapse: collapse; width: 100%; background: #fff; }
th, td { border: 1px solid #ddd; padding: 0.4rem 0.6rem; text-align: left; }
tr.stale td { color: #999; }
tr.pending td.value { font-style: italic; color: #0055aa; }
ul.events { font-family: monospace; font-size: 0.9rem; }
</style>
</head>
<body>
<h1>fumewatch <small>{{.}}</small></h1>
<div class="status" id="status"></div>
<div class="controls">
<button onclick="send({action: 'toggle'})">Power</button>
<button onclick="send({action: 'adjust', delta: -1})">Flow -</button>
<button onclick="send({action: 'adjust', delta: 1})">Flow +</button>
<input id="flow" type="number" min="0" max="50" step="1" placeholder="target flow">
<button onclick="send({action: 'set', value: document.getElementById('flow').value})">Set</button>
<label><input id="readonly" type="checkbox" onchange="setReadOnly(this.checked)"> read-only</label>
</div>
<table>
<thead><tr><th>Address</th><th>Register</th><th>Value</th><th>Unit</th><th>Updated</th></tr></thead>
<tbody id="registers"></tbody>
</table>
<h2>Alerts</h2>
<ul id="alerts"></ul>
<h2>Events</h2>
<ul class="events" id="events"></ul>
<script>
function escapeHtml(value) {
  return String(value).replace(/[&<>"']/g, function (c) {
    return {'&': '&amp;', '<': '&lt;', '>': '&gt;', '"': '&quot;', "'": '&#39;'}[c];
  });
}
function hex(addr) {
  return '0x' + addr.toString(16).toUpperCase().padStart(4, '0');
}
function render(state) {
  const link = state.link;
  const status = document.getElementById('status');
  status.className = 'status' + (link.disconnected ? ' link-down' : '');
  status.textContent = (link.disconnected ? 'link down' : 'link ok') +
    ' | failures ' + link.consecutive_failures + ' | ' + (state.read_only ? 'read-only' : 'writable') +
    ' | ' + state.control.mode + ' every ' + state.control.interval_ms + 'ms';
  document.getElementById('readonly').checked = state.read_only;
  document.getElementById('registers').innerHTML = state.registers.map(function (r) {
    const cls = (r.stale ? 'stale ' : '') + (r.pending ? 'pending' : '');
    const shown = r.displayed === null ? '--' : r.displayed;
    return '<tr class="' + cls + '"><td>' + hex(r.address) + '</td><td>' + escapeHtml(r.name) +
      '</td><td class="value">' + escapeHtml(shown) + '</td><td>' + escapeHtml(r.unit || '') +
      '</td><td>' + (r.updated_at ? new Date(r.updated_at).toLocaleTimeString() : '') + '</td></tr>';
  }).join('');
  document.getElementById('alerts').innerHTML = (state.alerts || []).map(function (a) {
    return '<li>[' + escapeHtml(a.severity) + '] ' + escapeHtml(a.message) + '</li>';
  }).join('');
  document.getElementById('events').innerHTML = (state.events || []).slice().reverse().map(function (e) {
    return '<li>' + escapeHtml(e.message) + '</li>';
  }).join('');
}
function refresh() {
  fetch('/api/state').then(function (r) { return r.json(); }).then(render).catch(function () {});
}
function send(body) {
  fetch('/api/command', {method: 'POST', headers: {'Content-Type': 'application/json'}, body: JSON.stringify(body)})
    .then(function (r) { if (!r.ok) { return r.text().then(function (t) { alert(t); }); } })
    .then(refresh);
}
function setReadOnly(flag) {
  fetch('/api/read-only', {method: 'POST', headers: {'Content-Type': 'application/json'}, body: JSON.stringify({read_only: flag})})
    .then(refresh);
}
refresh();
setInterval(refresh, 500);
</script>
</body>
</html>
`))
