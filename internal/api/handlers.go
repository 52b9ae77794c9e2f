package api

import (
	"context"
	"encoding/json"
	"html"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/strike/internal/quota"
	"github.com/npezzotti/strike/internal/session"
	"github.com/npezzotti/strike/internal/stats"
	"github.com/npezzotti/strike/internal/types"
	"github.com/teris-io/shortid"
)

const (
	defaultRoomTitle  = "New Chat"
	defaultChatRoomId = "default"
	freeChatsPerDay   = 10

	guestIdKey        = "sid"
	freeChatsDateKey  = "free_chats_date"
	freeChatsCountKey = "free_chats_count"
)

type CreateRoomRequest struct {
	Id    string `json:"id"`
	Title string `json:"title"`
}

type CreateRoomResponse struct {
	Message string `json:"message"`
	Id      string `json:"id"`
	Title   string `json:"title"`
}

type RenameRoomRequest struct {
	RoomId   string `json:"room_id"`
	NewTitle string `json:"new_title"`
}

type DeleteRoomRequest struct {
	RoomId string `json:"room_id"`
}

type ChatRequest struct {
	Message    *string `json:"message"`
	ChatRoomId string  `json:"chat_room_id"`
}

type ChatResponse struct {
	Response string `json:"response"`
}

type RoomsResponse struct {
	Rooms []types.RoomSummary `json:"rooms"`
}

type HistoryResponse struct {
	Messages []types.Message `json:"messages"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type PermanentRequest struct {
	Permanent bool `json:"permanent"`
}

type HealthResponse struct {
	Status       string `json:"status"`
	Database     string `json:"database"`
	DatabaseHost string `json:"database_host,omitempty"`
	Cache        string `json:"cache"`
}

func (s *StrikeApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *StrikeApp) writeError(w http.ResponseWriter, errResp *ApiError) {
	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *StrikeApp) incr(name string) {
	if s.stats != nil {
		s.stats.Incr(name)
	}
}

// guestId returns the guest id bound to the session, assigning one on first
// use.
func (s *StrikeApp) guestId(sess *session.Session) (string, error) {
	if id, ok := sess.GetString(guestIdKey); ok && id != "" {
		return id, nil
	}

	id := uuid.NewString()
	if err := sess.Set(guestIdKey, id); err != nil {
		return "", err
	}
	return id, nil
}

// consumeFreeChat counts one free chat against the guest session. The count
// resets when the local date changes.
func (s *StrikeApp) consumeFreeChat(sess *session.Session) (bool, error) {
	today := s.now().Format(time.DateOnly)
	if date, _ := sess.GetString(freeChatsDateKey); date != today {
		if err := sess.Set(freeChatsDateKey, today); err != nil {
			return false, err
		}
		if err := sess.Set(freeChatsCountKey, 0); err != nil {
			return false, err
		}
	}

	count, _ := sess.GetInt(freeChatsCountKey)
	if count >= freeChatsPerDay {
		return false, nil
	}

	if err := sess.Set(freeChatsCountKey, count+1); err != nil {
		return false, err
	}
	return true, nil
}

func (s *StrikeApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:   "ok",
		Database: "ok",
		Cache:    "local",
	}
	if s.sharedCache {
		resp.Cache = "shared"
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.db.Ping(ctx); err != nil {
		s.log.Printf("health check: %v", err)
		resp.Status = "unavailable"
		resp.Database = "unavailable"
		s.writeJson(w, http.StatusServiceUnavailable, resp)
		return
	}

	resp.DatabaseHost = s.db.Host()
	s.writeJson(w, http.StatusOK, resp)
}

func (s *StrikeApp) newChatRoom(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	if req.Id == "" {
		id, err := shortid.Generate()
		if err != nil {
			s.writeError(w, NewInternalServerError(err))
			return
		}
		req.Id = id
	}
	if req.Title == "" {
		req.Title = defaultRoomTitle
	}

	sess := session.FromContext(r.Context())
	ok, err := s.consumeFreeChat(sess)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}
	if !ok {
		s.incr(stats.FreeChatsRejected)
		s.writeError(w, NewFreeChatLimitError(freeChatsPerDay))
		return
	}

	sid, err := s.guestId(sess)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.rooms.CreateRoom(r.Context(), sid, req.Id, req.Title)
	s.incr(stats.RoomsCreated)

	s.writeJson(w, http.StatusCreated, CreateRoomResponse{
		Message: "ephemeral chat room created",
		Id:      req.Id,
		Title:   req.Title,
	})
}

// getChatRooms lists nothing for guests. Their rooms are only reachable by
// id from the client.
func (s *StrikeApp) getChatRooms(w http.ResponseWriter, r *http.Request) {
	s.writeJson(w, http.StatusOK, RoomsResponse{Rooms: []types.RoomSummary{}})
}

func (s *StrikeApp) getChatHistory(w http.ResponseWriter, r *http.Request) {
	roomId := r.URL.Query().Get("room_id")
	if roomId == "" {
		s.writeError(w, NewBadRequestError())
		return
	}

	sid, err := s.guestId(session.FromContext(r.Context()))
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}
	if !s.rooms.RoomExists(r.Context(), sid, roomId) {
		s.writeError(w, NewNotFoundError())
		return
	}

	s.writeJson(w, http.StatusOK, HistoryResponse{
		Messages: s.rooms.GetMessages(r.Context(), sid, roomId),
	})
}

func (s *StrikeApp) renameChatRoom(w http.ResponseWriter, r *http.Request) {
	var req RenameRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}
	if req.RoomId == "" || req.NewTitle == "" {
		s.writeError(w, NewBadRequestError())
		return
	}

	sid, err := s.guestId(session.FromContext(r.Context()))
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}
	if !s.rooms.RenameRoom(r.Context(), sid, req.RoomId, req.NewTitle) {
		s.writeError(w, NewNotFoundError())
		return
	}

	s.writeJson(w, http.StatusOK, MessageResponse{Message: "chat room renamed"})
}

func (s *StrikeApp) deleteChatRoom(w http.ResponseWriter, r *http.Request) {
	var req DeleteRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}
	if req.RoomId == "" {
		s.writeError(w, NewBadRequestError())
		return
	}

	sid, err := s.guestId(session.FromContext(r.Context()))
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}
	if !s.rooms.DeleteRoom(r.Context(), sid, req.RoomId) {
		s.writeError(w, NewNotFoundError())
		return
	}
	s.incr(stats.RoomsDeleted)

	s.writeJson(w, http.StatusOK, MessageResponse{Message: "ephemeral chat room deleted"})
}

func (s *StrikeApp) chat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == nil {
		s.writeError(w, NewBadRequestError())
		return
	}
	roomId := req.ChatRoomId
	if roomId == "" {
		roomId = defaultChatRoomId
	}

	ctx := r.Context()
	sess := session.FromContext(ctx)
	ok, err := s.consumeFreeChat(sess)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}
	if !ok {
		s.incr(stats.FreeChatsRejected)
		s.writeError(w, NewFreeChatLimitError(freeChatsPerDay))
		return
	}

	sid, err := s.guestId(sess)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}
	if !s.rooms.RoomExists(ctx, sid, roomId) {
		s.writeError(w, NewNotFoundError())
		return
	}

	content := strings.ReplaceAll(html.EscapeString(*req.Message), "\n", "<br>")
	if s.rooms.AppendMessage(ctx, sid, roomId, "user", content) {
		s.incr(stats.MessagesAppended)
	}

	res := s.quota.Consume(ctx, quota.LLM)
	if !res.Allowed {
		s.incr(stats.QuotaRejections)
		s.writeError(w, NewTooManyRequestsError(res.Limit))
		return
	}

	var reply string
	if s.responder != nil {
		reply, err = s.responder.Reply(ctx, s.rooms.GetMessages(ctx, sid, roomId))
		if err != nil {
			s.writeError(w, NewInternalServerError(err))
			return
		}
		if s.rooms.AppendMessage(ctx, sid, roomId, "assistant", reply) {
			s.incr(stats.MessagesAppended)
		}
	}

	s.writeJson(w, http.StatusOK, ChatResponse{Response: reply})
}

func (s *StrikeApp) setPermanent(w http.ResponseWriter, r *http.Request) {
	var req PermanentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	session.FromContext(r.Context()).SetPermanent(req.Permanent)
	s.writeJson(w, http.StatusOK, req)
}
