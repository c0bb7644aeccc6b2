// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks, and the built-in test page.
package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
)

// WebSocketHandler subscribes the caller to one project's event stream.
// Anonymous users, non-members and disallowed origins get a bare 403 before
// any upgrade takes place.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	projectID, err := strconv.ParseInt(ps.ByName("project_id"), 10, 64)
	if err != nil || projectID <= 0 {
		http.NotFound(w, r)
		return
	}

	user := s.identity.Identify(r)
	session := newSession(s.cfg, sessionDeps{registry: s.registry, publisher: s.pub, log: s.log}, user, projectID, r.RemoteAddr)

	if !s.admit(r, session) {
		session.reject()
		session.Close()
		w.WriteHeader(http.StatusForbidden)
		return
	}

	session.join()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Infow("websocket upgrade failed", "project_id", projectID, "error", err)
		session.Close()
		return
	}

	session.attach(s.hub.Context(), conn, s.cfg.MaxMessageSize, s.hub.forget)
	if !s.hub.Start(session) {
		session.Close()
		_ = conn.Close()
	}
}

func (s *Server) admit(r *http.Request, session *Session) bool {
	user := session.User()
	if user.Anonymous() {
		s.log.Infow("rejected anonymous subscription", "project_id", session.ProjectID(), "remote_addr", r.RemoteAddr)
		return false
	}
	if !s.origins.check(r) {
		return false
	}
	if s.gate == nil || !s.gate.Authorize(r.Context(), user, session.ProjectID()) {
		s.log.Infow("rejected subscription without project access", "project_id", session.ProjectID(), "user_id", user.UserID)
		return false
	}
	return true
}

// HealthHandler provides a simple liveness endpoint that returns server status.
func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Bug tracker realtime server is running!")
}

// ReadinessHandler reports whether the backplane is reachable.
func (s *Server) ReadinessHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "text/plain")
	if s.pub == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprint(w, "publisher not configured")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.pub.Health(ctx); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "backplane unavailable: %v", err)
		return
	}
	_, _ = fmt.Fprintf(w, "ok sessions=%d groups=%d", s.hub.Count(), len(s.registry.Groups()))
}

// TestPageHandler serves an HTML page that subscribes to a project stream and
// can send typing indicators.
func (s *Server) TestPageHandler(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, testPageHTML); err != nil {
		s.log.Warnw("error writing HTML response", "error", err)
	}
}

const testPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>Bug Tracker Live Updates</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #events { border: 1px solid #ccc; height: 300px; padding: 10px; overflow-y: scroll; margin: 10px 0; background-color: #f9f9f9; font-family: monospace; }
        input[type="text"] { width: 200px; padding: 5px; margin-right: 10px; }
        button { padding: 5px 15px; background-color: #007cba; color: white; border: none; cursor: pointer; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>Bug Tracker Live Updates</h1>
    <div id="status" class="status disconnected">Disconnected</div>
    <div>
        <input type="text" id="project" placeholder="Project id">
        <input type="text" id="token" placeholder="Access token">
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>
    <div>
        <input type="text" id="bug" placeholder="Bug id">
        <button onclick="typing(true)">Start typing</button>
        <button onclick="typing(false)">Stop typing</button>
    </div>
    <div id="events"></div>
    <script>
        let ws = null;
        const eventsDiv = document.getElementById('events');
        const statusDiv = document.getElementById('status');
        const connectButton = document.getElementById('connectButton');

        function addLine(text) {
            const line = document.createElement('div');
            line.textContent = text;
            eventsDiv.appendChild(line);
            eventsDiv.scrollTop = eventsDiv.scrollHeight;
        }

        function updateStatus(connected) {
            statusDiv.textContent = connected ? 'Connected' : 'Disconnected';
            statusDiv.className = 'status ' + (connected ? 'connected' : 'disconnected');
            connectButton.textContent = connected ? 'Disconnect' : 'Connect';
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.close();
                return;
            }
            const project = document.getElementById('project').value.trim();
            const token = encodeURIComponent(document.getElementById('token').value.trim());
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws/projects/' + project + '/?token=' + token);
            ws.onopen = function() { addLine('subscribed to project ' + project); updateStatus(true); };
            ws.onmessage = function(event) { addLine(event.data); };
            ws.onclose = function() { addLine('connection closed'); updateStatus(false); ws = null; };
        }

        function typing(isTyping) {
            if (!ws || ws.readyState !== WebSocket.OPEN) { return; }
            const bugId = parseInt(document.getElementById('bug').value, 10);
            ws.send(JSON.stringify({type: 'typing_indicator', bug_id: bugId, is_typing: isTyping}));
        }
    </script>
</body>
</html>`
