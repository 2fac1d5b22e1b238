package webchat

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/relaychat/pkg/protocol"
)

const (
	msgHistoryRemoved = "Chat history removed."
	msgNoHistory      = "No active history to remove."

	// maxFieldBytes bounds the text fields of a chat form and the JSON bodies.
	maxFieldBytes = 1 << 20
)

type errorBody struct {
	Error string `json:"error"`
}

type deleteHistoryBody struct {
	SessionID string `json:"sessionId"`
}

type deleteHistoryResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type historyResponse struct {
	SessionID string      `json:"sessionId"`
	Exchanges interface{} `json:"exchanges"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Str("component", "webchat").Msg("failed to write json response")
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// httpResponder answers a POST /api/chat exchange with the sentinel or the SSE framing.
type httpResponder struct {
	w       http.ResponseWriter
	framing protocol.Framing
}

func (h *httpResponder) Reject(err error) {
	status, msg := errorResponse(err)
	writeJSONError(h.w, status, msg)
}

func (h *httpResponder) Commit(exchangeID string) protocol.Writer {
	hdr := h.w.Header()
	hdr.Set("X-Exchange-Id", exchangeID)
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("X-Content-Type-Options", "nosniff")
	if h.framing == protocol.FramingSSE {
		hdr.Set("Content-Type", "text/event-stream")
		h.w.WriteHeader(http.StatusOK)
		return protocol.NewSSEWriter(h.w)
	}
	hdr.Set("Content-Type", "text/plain; charset=utf-8")
	h.w.WriteHeader(http.StatusOK)
	return protocol.NewSentinelWriter(h.w)
}

// wsResponder answers an exchange submitted over the chat websocket.
type wsResponder struct {
	conn       *websocket.Conn
	sessionID  string
	exchangeID string
}

func (r *wsResponder) Reject(err error) {
	_, msg := errorResponse(err)
	_ = r.conn.WriteJSON(protocol.Frame{Type: protocol.EventError, Text: msg, SessionID: r.sessionID, ExchangeID: r.exchangeID})
}

func (r *wsResponder) Commit(string) protocol.Writer {
	return protocol.NewFrameWriter(r.conn, r.sessionID)
}

func framingFromRequest(req *http.Request) protocol.Framing {
	if strings.EqualFold(req.URL.Query().Get("framing"), string(protocol.FramingSSE)) {
		return protocol.FramingSSE
	}
	if strings.Contains(req.Header.Get("Accept"), "text/event-stream") {
		return protocol.FramingSSE
	}
	return protocol.FramingSentinel
}

func (r *Router) handleChat(w http.ResponseWriter, req *http.Request) {
	in, err := r.readChatRequest(req)
	if err != nil {
		status, msg := errorResponse(err)
		log.Debug().Err(err).Str("component", "webchat").Int("status", status).Msg("chat request rejected while reading body")
		writeJSONError(w, status, msg)
		return
	}
	in.ExchangeID = exchangeIDFromRequest(req, in.ExchangeID)
	r.relay.Run(req.Context(), in, &httpResponder{w: w, framing: framingFromRequest(req)})
}

// readChatRequest accepts multipart forms (the browser client), JSON and urlencoded bodies. An
// attached file is spooled to disk; on error nothing is left behind.
func (r *Router) readChatRequest(req *http.Request) (ChatRequest, error) {
	ct, _, err := mime.ParseMediaType(req.Header.Get("Content-Type"))
	if err != nil {
		ct = ""
	}
	switch ct {
	case "multipart/form-data":
		return r.readMultipart(req)
	case "application/json":
		var body protocol.ChatRequest
		var src io.Reader = req.Body
		if limit := r.bodyLimit(); limit > 0 {
			src = io.LimitReader(req.Body, limit)
		}
		if err := json.NewDecoder(src).Decode(&body); err != nil {
			return ChatRequest{}, newValidationError("Malformed request body.")
		}
		return r.fromProtocol(body)
	case "application/x-www-form-urlencoded":
		if err := req.ParseForm(); err != nil {
			return ChatRequest{}, newValidationError("Malformed request body.")
		}
		return ChatRequest{SessionID: req.PostForm.Get("sessionId"), Message: req.PostForm.Get("message")}, nil
	default:
		return ChatRequest{}, &ValidationError{Status: http.StatusUnsupportedMediaType, Message: "Unsupported content type."}
	}
}

func (r *Router) readMultipart(req *http.Request) (ChatRequest, error) {
	var out ChatRequest
	mr, err := req.MultipartReader()
	if err != nil {
		return out, newValidationError("Malformed request body.")
	}
	fail := func(err error) (ChatRequest, error) {
		_ = out.File.Release()
		return ChatRequest{}, err
	}
	for {
		part, err := mr.NextPart()
		if stderrors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return fail(newValidationError("Malformed request body."))
		}
		switch part.FormName() {
		case "sessionId", "message":
			b, err := io.ReadAll(io.LimitReader(part, maxFieldBytes+1))
			if err != nil {
				return fail(newValidationError("Malformed request body."))
			}
			if len(b) > maxFieldBytes {
				return fail(&ValidationError{Status: http.StatusRequestEntityTooLarge, Message: "Message is too large."})
			}
			if part.FormName() == "sessionId" {
				out.SessionID = string(b)
			} else {
				out.Message = string(b)
			}
		case "file":
			if part.FileName() == "" || out.File != nil {
				_, _ = io.Copy(io.Discard, part)
				break
			}
			f, err := r.spool.Save(part, part.FileName())
			if err != nil {
				return fail(err)
			}
			out.File = f
		default:
			_, _ = io.Copy(io.Discard, part)
		}
		_ = part.Close()
	}
}

// fromProtocol converts a JSON request, spooling inline file data.
func (r *Router) fromProtocol(in protocol.ChatRequest) (ChatRequest, error) {
	out := ChatRequest{SessionID: in.SessionID, Message: in.Message, ExchangeID: strings.TrimSpace(in.ExchangeID)}
	if len(in.FileData) > 0 {
		f, err := r.spool.Save(bytes.NewReader(in.FileData), in.FileName)
		if err != nil {
			return ChatRequest{}, err
		}
		out.File = f
	}
	return out, nil
}

// handleChatWS runs exchanges submitted as JSON messages, one at a time, answering with frames.
func (r *Router) handleChatWS(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Debug().Err(err).Str("component", "webchat").Msg("chat websocket upgrade failed")
		return
	}
	defer func() { _ = conn.Close() }()
	conn.SetReadLimit(r.bodyLimit())

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("component", "webchat").Msg("chat websocket closed")
			}
			return
		}
		var body protocol.ChatRequest
		if err := json.Unmarshal(data, &body); err != nil {
			_ = conn.WriteJSON(protocol.Frame{Type: protocol.EventError, Text: "Malformed request body."})
			continue
		}
		in, err := r.fromProtocol(body)
		in.ExchangeID = exchangeIDFromRequest(nil, body.ExchangeID)
		resp := &wsResponder{conn: conn, sessionID: body.SessionID, exchangeID: in.ExchangeID}
		if err != nil {
			resp.Reject(err)
			continue
		}
		r.relay.Run(req.Context(), in, resp)
	}
}

// bodyLimit allows a base64 encoded upload of the maximum size plus the text fields. Zero means
// unlimited.
func (r *Router) bodyLimit() int64 {
	if r.spool.MaxBytes() <= 0 {
		return 0
	}
	return r.spool.MaxBytes()*4/3 + 4 + 2*maxFieldBytes
}

func (r *Router) handleDeleteHistory(w http.ResponseWriter, req *http.Request) {
	var body deleteHistoryBody
	ct, _, _ := mime.ParseMediaType(req.Header.Get("Content-Type"))
	if ct == "application/json" {
		_ = json.NewDecoder(io.LimitReader(req.Body, maxFieldBytes)).Decode(&body)
	} else {
		if err := req.ParseForm(); err == nil {
			body.SessionID = req.PostForm.Get("sessionId")
		}
	}
	id := strings.TrimSpace(body.SessionID)

	removed := id != "" && r.registry.Delete(id)
	if id != "" && r.transcripts != nil {
		if n, err := r.transcripts.DeleteSession(req.Context(), id); err != nil {
			log.Warn().Err(err).Str("component", "webchat").Str("session_id", id).Msg("failed to delete transcripts")
		} else if n > 0 {
			log.Debug().Str("component", "webchat").Str("session_id", id).Int("exchanges", n).Msg("deleted transcripts")
		}
	}
	msg := msgNoHistory
	if removed {
		msg = msgHistoryRemoved
	}
	log.Info().Str("component", "webchat").Str("session_id", id).Bool("removed", removed).Msg("delete history")
	writeJSON(w, http.StatusOK, deleteHistoryResponse{Success: true, Message: msg})
}

func (r *Router) handleHistory(w http.ResponseWriter, req *http.Request) {
	if r.transcripts == nil {
		writeJSONError(w, http.StatusNotFound, "Transcripts are not enabled.")
		return
	}
	id := strings.TrimSpace(req.PathValue("id"))
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, msgMissingSession)
		return
	}
	limit := 0
	if s := strings.TrimSpace(req.URL.Query().Get("limit")); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 {
			writeJSONError(w, http.StatusBadRequest, "Invalid limit.")
			return
		}
		limit = v
	}
	recs, err := r.transcripts.History(req.Context(), id, limit)
	if err != nil {
		log.Error().Err(err).Str("component", "webchat").Str("session_id", id).Msg("history read failed")
		writeJSONError(w, http.StatusInternalServerError, msgInternal)
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{SessionID: id, Exchanges: recs})
}

func (r *Router) handleWatch(w http.ResponseWriter, req *http.Request) {
	id := strings.TrimSpace(req.PathValue("id"))
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, msgMissingSession)
		return
	}
	if _, err := r.hub.Ensure(req.Context(), id); err != nil {
		log.Error().Err(err).Str("component", "webchat").Str("session_id", id).Msg("failed to subscribe watcher")
		writeJSONError(w, http.StatusServiceUnavailable, "Event bus unavailable.")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Debug().Err(err).Str("component", "webchat").Msg("watch websocket upgrade failed")
		return
	}
	r.hub.Attach(id, conn)
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if err := r.bus.Ping(req.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "sessions": r.registry.Len()})
}
