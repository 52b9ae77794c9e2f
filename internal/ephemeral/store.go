package ephemeral

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/npezzotti/strike/internal/types"
)

// Store keeps guest chat rooms for a bounded lifetime. Rooms live in the
// shared cache when one is available and in process memory otherwise.
//
// In memory mode expiry is enforced only by Cleanup, which callers run
// before most operations. No background sweeper is started.
type Store struct {
	expiration time.Duration
	client     *redis.Client
	log        *log.Logger
	now        func() time.Time

	mu    sync.Mutex
	rooms map[string]map[string]*types.Room
}

func New(expiration time.Duration, client *redis.Client, logger *log.Logger) *Store {
	return &Store{
		expiration: expiration,
		client:     client,
		log:        logger,
		now:        time.Now,
		rooms:      make(map[string]map[string]*types.Room),
	}
}

func roomKey(sessionId, roomId string) string {
	return fmt.Sprintf("ephemeral:%s:%s", sessionId, roomId)
}

func (s *Store) Expiration() time.Duration {
	return s.expiration
}

func (s *Store) expired(room *types.Room, now time.Time) bool {
	return now.Sub(room.CreatedAt) > s.expiration
}

// remainingTTL is the whole-second lifetime left for room.
func (s *Store) remainingTTL(room *types.Room) time.Duration {
	remaining := s.expiration - s.now().Sub(room.CreatedAt)
	return max(remaining.Truncate(time.Second), 0)
}

// Cleanup removes expired rooms from process memory. The shared cache
// expires its own keys, so with a cache this only sweeps rooms written
// while the cache was failing.
func (s *Store) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.rooms) == 0 {
		return
	}

	now := s.now()
	for sid, rooms := range s.rooms {
		for rid, room := range rooms {
			if s.expired(room, now) {
				delete(rooms, rid)
			}
		}
		if len(rooms) == 0 {
			delete(s.rooms, sid)
		}
	}
}

// LocalLen returns the number of rooms held in process memory.
func (s *Store) LocalLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, rooms := range s.rooms {
		n += len(rooms)
	}
	return n
}

func (s *Store) CreateRoom(ctx context.Context, sessionId, roomId, title string) {
	room := &types.Room{
		SessionId: sessionId,
		RoomId:    roomId,
		Title:     title,
		Messages:  []types.Message{},
		CreatedAt: s.now(),
	}

	if s.client != nil {
		err := s.setShared(ctx, room, s.expiration)
		if err == nil {
			return
		}
		s.log.Printf("create room %s: %v, storing in memory", roomKey(sessionId, roomId), err)
	}

	s.putLocal(room)
}

// GetRoom returns a copy of the room, or false when it does not exist or
// has expired.
func (s *Store) GetRoom(ctx context.Context, sessionId, roomId string) (*types.Room, bool) {
	if s.client != nil {
		room, err := s.getShared(ctx, sessionId, roomId)
		switch {
		case err == nil:
			return room, true
		case errors.Is(err, errExpired):
			return nil, false
		case !errors.Is(err, redis.Nil):
			s.log.Printf("get room %s: %v, reading from memory", roomKey(sessionId, roomId), err)
		}
	}

	return s.getLocal(sessionId, roomId)
}

func (s *Store) RoomExists(ctx context.Context, sessionId, roomId string) bool {
	_, ok := s.GetRoom(ctx, sessionId, roomId)
	return ok
}

// RenameRoom reports false when the room does not exist.
func (s *Store) RenameRoom(ctx context.Context, sessionId, roomId, title string) bool {
	room, ok := s.GetRoom(ctx, sessionId, roomId)
	if !ok {
		return false
	}

	room.Title = title
	return s.saveRoom(ctx, room)
}

// AppendMessage reports false when the room does not exist.
func (s *Store) AppendMessage(ctx context.Context, sessionId, roomId, role, content string) bool {
	room, ok := s.GetRoom(ctx, sessionId, roomId)
	if !ok {
		return false
	}

	room.Messages = append(room.Messages, types.Message{Role: role, Content: content})
	return s.saveRoom(ctx, room)
}

func (s *Store) GetMessages(ctx context.Context, sessionId, roomId string) []types.Message {
	room, ok := s.GetRoom(ctx, sessionId, roomId)
	if !ok {
		return []types.Message{}
	}
	return room.Messages
}

// DeleteRoom reports whether a room was removed.
func (s *Store) DeleteRoom(ctx context.Context, sessionId, roomId string) bool {
	deleted := false
	if s.client != nil {
		n, err := s.client.Del(ctx, roomKey(sessionId, roomId)).Result()
		if err != nil {
			s.log.Printf("delete room %s: %v", roomKey(sessionId, roomId), err)
		}
		deleted = n > 0
	}

	return s.deleteLocal(sessionId, roomId) || deleted
}

// saveRoom writes room back with whatever lifetime it has left. A room
// whose lifetime is used up is deleted rather than written, so it is never
// given a fresh TTL.
func (s *Store) saveRoom(ctx context.Context, room *types.Room) bool {
	ttl := s.remainingTTL(room)
	if ttl <= 0 {
		s.DeleteRoom(ctx, room.SessionId, room.RoomId)
		return false
	}

	if s.client != nil {
		err := s.setShared(ctx, room, ttl)
		if err == nil {
			s.deleteLocal(room.SessionId, room.RoomId)
			return true
		}
		s.log.Printf("save room %s: %v, storing in memory", roomKey(room.SessionId, room.RoomId), err)
	}

	s.putLocal(room)
	return true
}

var errExpired = errors.New("room expired")

func (s *Store) getShared(ctx context.Context, sessionId, roomId string) (*types.Room, error) {
	key := roomKey(sessionId, roomId)
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, err
	}

	var room types.Room
	if err := json.Unmarshal(data, &room); err != nil {
		return nil, fmt.Errorf("decode room: %w", err)
	}
	room.SessionId = sessionId
	room.RoomId = roomId
	if room.Messages == nil {
		room.Messages = []types.Message{}
	}

	// the key TTL alone is not trusted
	if s.expired(&room, s.now()) {
		if err := s.client.Del(ctx, key).Err(); err != nil {
			s.log.Printf("delete expired room %s: %v", key, err)
		}
		return nil, errExpired
	}

	return &room, nil
}

func (s *Store) setShared(ctx context.Context, room *types.Room, ttl time.Duration) error {
	data, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("encode room: %w", err)
	}
	return s.client.Set(ctx, roomKey(room.SessionId, room.RoomId), data, ttl).Err()
}

func (s *Store) getLocal(sessionId, roomId string) (*types.Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[sessionId][roomId]
	if !ok {
		return nil, false
	}
	return room.Clone(), true
}

func (s *Store) putLocal(room *types.Room) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rooms, ok := s.rooms[room.SessionId]
	if !ok {
		rooms = make(map[string]*types.Room)
		s.rooms[room.SessionId] = rooms
	}
	rooms[room.RoomId] = room.Clone()
}

func (s *Store) deleteLocal(sessionId, roomId string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rooms, ok := s.rooms[sessionId]
	if !ok {
		return false
	}
	if _, ok := rooms[roomId]; !ok {
		return false
	}

	delete(rooms, roomId)
	if len(rooms) == 0 {
		delete(s.rooms, sessionId)
	}
	return true
}
