package battle

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const ttlRoom = 24 * time.Hour

// clearPointerScript deletes a user's active-room pointer only if it still
// points at the given room.
var clearPointerScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`)

type Store struct{ rdb *redis.Client }

func NewStore(rdb *redis.Client) *Store { return &Store{rdb: rdb} }

func (s *Store) keyRoom(id string) string    { return "battle:room:" + strings.TrimSpace(id) }
func (s *Store) keyMembers(id string) string { return s.keyRoom(id) + ":members" }
func (s *Store) keyUser(uid string) string   { return "battle:user:" + strings.TrimSpace(uid) + ":room" }
func (s *Store) keyLobby() string            { return "battle:lobby" }

func (s *Store) Save(ctx context.Context, room *RoomState) error {
	raw, err := json.Marshal(room)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.keyRoom(room.RoomID), raw, ttlRoom)
	pipe.Del(ctx, s.keyMembers(room.RoomID))
	if members := room.Members(); len(members) > 0 {
		args := make([]any, len(members))
		for i, m := range members {
			args[i] = m
		}
		pipe.SAdd(ctx, s.keyMembers(room.RoomID), args...)
		pipe.Expire(ctx, s.keyMembers(room.RoomID), ttlRoom)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) Load(ctx context.Context, roomID string) (*RoomState, error) {
	raw, err := s.rdb.Get(ctx, s.keyRoom(roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var r RoomState
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	if r.Participants == nil {
		r.Participants = make(map[string]*ParticipantState)
	}
	return &r, nil
}

// Delete drops the room, its member set, its lobby entry and any pointer
// that still targets it.
func (s *Store) Delete(ctx context.Context, roomID string, users ...string) error {
	members, err := s.Members(ctx, roomID)
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, s.keyRoom(roomID), s.keyMembers(roomID))
	pipe.SRem(ctx, s.keyLobby(), roomID)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	for _, uid := range append(members, users...) {
		if err := s.ClearActive(ctx, uid, roomID); err != nil {
			return err
		}
	}
	return nil
}

// Members is the indexed member set, which can outlive a corrupt room blob.
func (s *Store) Members(ctx context.Context, roomID string) ([]string, error) {
	return s.rdb.SMembers(ctx, s.keyMembers(roomID)).Result()
}

func (s *Store) SetActive(ctx context.Context, userID, roomID string) error {
	return s.rdb.Set(ctx, s.keyUser(userID), roomID, ttlRoom).Err()
}

// Active returns the room id the user is bound to, or "".
func (s *Store) Active(ctx context.Context, userID string) (string, error) {
	id, err := s.rdb.Get(ctx, s.keyUser(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return id, err
}

func (s *Store) ClearActive(ctx context.Context, userID, roomID string) error {
	if strings.TrimSpace(userID) == "" {
		return nil
	}
	return clearPointerScript.Run(ctx, s.rdb, []string{s.keyUser(userID)}, roomID).Err()
}

func (s *Store) AddLobby(ctx context.Context, roomID string) error {
	if err := s.rdb.SAdd(ctx, s.keyLobby(), roomID).Err(); err != nil {
		return err
	}
	return s.rdb.Expire(ctx, s.keyLobby(), ttlRoom).Err()
}

func (s *Store) RemoveLobby(ctx context.Context, roomID string) error {
	return s.rdb.SRem(ctx, s.keyLobby(), roomID).Err()
}

// Lobby loads every indexed room, dropping ids whose room has expired.
func (s *Store) Lobby(ctx context.Context) ([]*RoomState, error) {
	ids, err := s.rdb.SMembers(ctx, s.keyLobby()).Result()
	if err != nil {
		return nil, err
	}
	var out []*RoomState
	for _, id := range ids {
		r, err := s.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		if r == nil {
			_ = s.RemoveLobby(ctx, id)
			continue
		}
		out = append(out, r)
	}
	return out, nil
}
