// Package seat implements the Redis-backed seat state machine for a room:
// take, leave, assign, remove, mute, lock, unlock, and invite. Every
// transition that must be atomic across instances is a single Lua script,
// so two Pods racing on the same room can never leave seats:{roomId} and
// userSeat:{roomId} out of sync with each other.
package seat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/flylive/msab/internal/v1/bus"
	"github.com/redis/go-redis/v9"
)

// Error values returned by repository operations. Handlers map these to
// the enumerated wire error codes in package protocol.
var (
	ErrSeatOccupied   = errors.New("seat is occupied")
	ErrSeatLocked     = errors.New("seat is locked")
	ErrSeatOutOfRange = errors.New("seat index out of range")
	ErrAlreadySeated  = errors.New("user already occupies a seat in this room")
	ErrNotSeated      = errors.New("user is not seated")
	ErrAlreadyLocked  = errors.New("seat is already locked")
	ErrNotLocked      = errors.New("seat is not locked")
	ErrInvitePending  = errors.New("an invite already exists for this seat or user")
	ErrNoInvite       = errors.New("no invite exists")
)

// State is the full observable state of a single seat.
type State struct {
	Index    int    `json:"index"`
	UserID   string `json:"userId,omitempty"`
	Muted    bool   `json:"muted"`
	Locked   bool   `json:"locked"`
	Occupied bool   `json:"occupied"`
}

// Invite is a pending offer of a seat to a specific user.
type Invite struct {
	SeatIndex     int    `json:"seatIndex"`
	TargetUserID  string `json:"targetUserId"`
	InviterUserID string `json:"inviterUserId"`
	CreatedAtMs   int64  `json:"createdAtMs"`
}

type seatRecord struct {
	UserID string `json:"userId"`
	Muted  bool   `json:"muted"`
}

func seatsKey(roomID string) string              { return fmt.Sprintf("seats:%s", roomID) }
func lockedKey(roomID string) string             { return fmt.Sprintf("locked:%s", roomID) }
func userSeatKey(roomID string) string           { return fmt.Sprintf("userSeat:%s", roomID) }
func inviteKey(roomID string, idx int) string    { return fmt.Sprintf("invite:%s:%d", roomID, idx) }
func inviteUserKey(roomID, userID string) string { return fmt.Sprintf("invuser:%s:%s", roomID, userID) }

// Repository is the Redis-backed seat state machine.
type Repository struct {
	redis *bus.Service
}

// NewRepository builds a Repository over an existing bus.Service.
func NewRepository(redisSvc *bus.Service) *Repository {
	return &Repository{redis: redisSvc}
}

// takeScript atomically claims an empty, unlocked seat for a user who does
// not already occupy a different seat in the room.
var takeScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[2], ARGV[1]) == 1 then
  return 'LOCKED'
end
local existing = redis.call('HGET', KEYS[1], ARGV[1])
if existing then
  local seat = cjson.decode(existing)
  if seat.userId and seat.userId ~= '' then
    return 'TAKEN'
  end
end
if redis.call('HGET', KEYS[3], ARGV[2]) then
  return 'ALREADY_SEATED'
end
redis.call('HSET', KEYS[1], ARGV[1], cjson.encode({userId=ARGV[2], muted=false}))
redis.call('HSET', KEYS[3], ARGV[2], ARGV[1])
return 'OK'
`)

// Take claims seatIdx in roomID for userID. maxSeats bounds the valid
// index range. Fails if the seat is occupied, locked, out of range, or the
// user already occupies a different seat in the room.
func (r *Repository) Take(ctx context.Context, roomID string, seatIdx int, userID string, maxSeats int) error {
	if seatIdx < 0 || seatIdx >= maxSeats {
		return ErrSeatOutOfRange
	}
	client := r.redis.Client()
	if client == nil {
		return nil // single-instance degenerate mode; caller holds local truth
	}

	res, err := takeScript.Run(ctx, client, []string{seatsKey(roomID), lockedKey(roomID), userSeatKey(roomID)},
		strconv.Itoa(seatIdx), userID).Text()
	if err != nil {
		return fmt.Errorf("take seat script failed: %w", err)
	}
	switch res {
	case "OK":
		return nil
	case "LOCKED":
		return ErrSeatLocked
	case "TAKEN":
		return ErrSeatOccupied
	case "ALREADY_SEATED":
		return ErrAlreadySeated
	default:
		return fmt.Errorf("unexpected take result: %s", res)
	}
}

// leaveScript clears whichever seat userID currently occupies and returns
// its index.
var leaveScript = redis.NewScript(`
local idx = redis.call('HGET', KEYS[2], ARGV[1])
if not idx then
  return 'NOT_SEATED'
end
redis.call('HSET', KEYS[1], idx, cjson.encode({userId='', muted=false}))
redis.call('HDEL', KEYS[2], ARGV[1])
return idx
`)

// Leave vacates whichever seat userID occupies in roomID.
func (r *Repository) Leave(ctx context.Context, roomID, userID string) (int, error) {
	client := r.redis.Client()
	if client == nil {
		return 0, nil
	}

	res, err := leaveScript.Run(ctx, client, []string{seatsKey(roomID), userSeatKey(roomID)}, userID).Text()
	if err != nil {
		return 0, fmt.Errorf("leave seat script failed: %w", err)
	}
	if res == "NOT_SEATED" {
		return 0, ErrNotSeated
	}
	idx, err := strconv.Atoi(res)
	if err != nil {
		return 0, fmt.Errorf("unexpected leave result: %s", res)
	}
	return idx, nil
}

// Remove force-clears whichever seat userID occupies, used by room admins.
// Identical state transition to Leave; only the caller's authorization
// check differs.
func (r *Repository) Remove(ctx context.Context, roomID, userID string) (int, error) {
	return r.Leave(ctx, roomID, userID)
}

// assignScript force-places userID into seatIdx, displacing any seat the
// user previously occupied. Fails only if seatIdx itself is occupied by
// someone else.
var assignScript = redis.NewScript(`
local existing = redis.call('HGET', KEYS[1], ARGV[1])
if existing then
  local seat = cjson.decode(existing)
  if seat.userId and seat.userId ~= '' and seat.userId ~= ARGV[2] then
    return 'TAKEN'
  end
end
local prior = redis.call('HGET', KEYS[2], ARGV[2])
if prior and prior ~= ARGV[1] then
  redis.call('HSET', KEYS[1], prior, cjson.encode({userId='', muted=false}))
end
redis.call('HSET', KEYS[1], ARGV[1], cjson.encode({userId=ARGV[2], muted=false}))
redis.call('HSET', KEYS[2], ARGV[2], ARGV[1])
return 'OK'
`)

// Assign force-places userID into seatIdx, bypassing the lock check (used
// by room admins and by invite acceptance, which explicitly bypasses a
// lock). Fails only if seatIdx is occupied by a different user.
func (r *Repository) Assign(ctx context.Context, roomID string, seatIdx int, userID string, maxSeats int) error {
	if seatIdx < 0 || seatIdx >= maxSeats {
		return ErrSeatOutOfRange
	}
	client := r.redis.Client()
	if client == nil {
		return nil
	}
	res, err := assignScript.Run(ctx, client, []string{seatsKey(roomID), userSeatKey(roomID)},
		strconv.Itoa(seatIdx), userID).Text()
	if err != nil {
		return fmt.Errorf("assign seat script failed: %w", err)
	}
	if res == "TAKEN" {
		return ErrSeatOccupied
	}
	return nil
}

// muteScript updates the mute flag on an occupied seat.
var muteScript = redis.NewScript(`
local existing = redis.call('HGET', KEYS[1], ARGV[1])
if not existing then
  return 'NOT_SEATED'
end
local seat = cjson.decode(existing)
if not seat.userId or seat.userId == '' then
  return 'NOT_SEATED'
end
seat.muted = (ARGV[2] == '1')
redis.call('HSET', KEYS[1], ARGV[1], cjson.encode(seat))
return 'OK'
`)

// SetMuted updates the mute flag on seatIdx. Fails if the seat is unoccupied.
func (r *Repository) SetMuted(ctx context.Context, roomID string, seatIdx int, muted bool) error {
	client := r.redis.Client()
	if client == nil {
		return nil
	}
	val := "0"
	if muted {
		val = "1"
	}
	res, err := muteScript.Run(ctx, client, []string{seatsKey(roomID)}, strconv.Itoa(seatIdx), val).Text()
	if err != nil {
		return fmt.Errorf("set muted script failed: %w", err)
	}
	if res == "NOT_SEATED" {
		return ErrNotSeated
	}
	return nil
}

// lockScript locks seatIdx and, if it was occupied, vacates the occupant
// and returns their userID so the caller can close their producer
// server-side. Refuses a seat that is already locked.
var lockScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[2], ARGV[1]) == 1 then
  return 'ALREADY_LOCKED'
end
redis.call('SADD', KEYS[2], ARGV[1])
local existing = redis.call('HGET', KEYS[1], ARGV[1])
local kicked = ''
if existing then
  local seat = cjson.decode(existing)
  if seat.userId and seat.userId ~= '' then
    kicked = seat.userId
    redis.call('HDEL', KEYS[3], seat.userId)
    redis.call('HSET', KEYS[1], ARGV[1], cjson.encode({userId='', muted=false}))
  end
end
return 'OK:' .. kicked
`)

// Lock prevents seatIdx from being taken, vacating its current occupant (if
// any) and returning their userID so the caller can close their producer.
// Fails if the seat is already locked.
func (r *Repository) Lock(ctx context.Context, roomID string, seatIdx int) (kickedUserID string, err error) {
	client := r.redis.Client()
	if client == nil {
		return "", nil
	}
	res, err := lockScript.Run(ctx, client, []string{seatsKey(roomID), lockedKey(roomID), userSeatKey(roomID)},
		strconv.Itoa(seatIdx)).Text()
	if err != nil {
		return "", fmt.Errorf("lock seat script failed: %w", err)
	}
	if res == "ALREADY_LOCKED" {
		return "", ErrAlreadyLocked
	}
	return strings.TrimPrefix(res, "OK:"), nil
}

// unlockScript clears the lock flag on seatIdx. Fails if it wasn't locked.
var unlockScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 0 then
  return 'NOT_LOCKED'
end
redis.call('SREM', KEYS[1], ARGV[1])
return 'OK'
`)

// Unlock clears the lock flag on seatIdx. Fails if it wasn't locked.
func (r *Repository) Unlock(ctx context.Context, roomID string, seatIdx int) error {
	client := r.redis.Client()
	if client == nil {
		return nil
	}
	res, err := unlockScript.Run(ctx, client, []string{lockedKey(roomID)}, strconv.Itoa(seatIdx)).Text()
	if err != nil {
		return fmt.Errorf("unlock seat script failed: %w", err)
	}
	if res == "NOT_LOCKED" {
		return ErrNotLocked
	}
	return nil
}

// createInviteScript enforces both uniqueness constraints (one invite per
// seat, one invite per target user) before writing either key.
var createInviteScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 'SEAT_PENDING'
end
if redis.call('EXISTS', KEYS[2]) == 1 then
  return 'USER_PENDING'
end
redis.call('SET', KEYS[1], ARGV[1], 'EX', ARGV[2])
redis.call('SET', KEYS[2], ARGV[3], 'EX', ARGV[2])
return 'OK'
`)

// CreateInvite records a pending invite of seatIdx to targetUserID, expiring
// after ttl. Fails if the seat already has a pending invite, or the target
// user already holds one elsewhere in the room.
func (r *Repository) CreateInvite(ctx context.Context, roomID string, seatIdx int, targetUserID, inviterUserID string, ttl time.Duration) error {
	client := r.redis.Client()
	if client == nil {
		return nil
	}

	inv := Invite{
		SeatIndex:     seatIdx,
		TargetUserID:  targetUserID,
		InviterUserID: inviterUserID,
		CreatedAtMs:   time.Now().UnixMilli(),
	}
	raw, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("failed to marshal invite: %w", err)
	}

	res, err := createInviteScript.Run(ctx, client,
		[]string{inviteKey(roomID, seatIdx), inviteUserKey(roomID, targetUserID)},
		string(raw), int(ttl.Seconds()), strconv.Itoa(seatIdx)).Text()
	if err != nil {
		return fmt.Errorf("create invite script failed: %w", err)
	}
	if res != "OK" {
		return ErrInvitePending
	}
	return nil
}

// GetInvite reads the pending invite for seatIdx, if any.
func (r *Repository) GetInvite(ctx context.Context, roomID string, seatIdx int) (*Invite, error) {
	client := r.redis.Client()
	if client == nil {
		return nil, nil
	}
	raw, err := client.Get(ctx, inviteKey(roomID, seatIdx)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read invite: %w", err)
	}
	var inv Invite
	if err := json.Unmarshal([]byte(raw), &inv); err != nil {
		return nil, fmt.Errorf("failed to decode invite: %w", err)
	}
	return &inv, nil
}

// GetInviteByUser finds the pending invite targeting userID, if any.
func (r *Repository) GetInviteByUser(ctx context.Context, roomID, userID string) (*Invite, error) {
	client := r.redis.Client()
	if client == nil {
		return nil, nil
	}
	idxStr, err := client.Get(ctx, inviteUserKey(roomID, userID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read invite index for user %s: %w", userID, err)
	}
	idx, err := strconv.Atoi(idxStr)
	if err != nil {
		return nil, fmt.Errorf("corrupt invite index for user %s: %w", userID, err)
	}
	return r.GetInvite(ctx, roomID, idx)
}

// DeleteInvite removes the pending invite for seatIdx, if any, along with
// its reverse per-target-user pointer.
func (r *Repository) DeleteInvite(ctx context.Context, roomID string, seatIdx int) error {
	client := r.redis.Client()
	if client == nil {
		return nil
	}
	inv, err := r.GetInvite(ctx, roomID, seatIdx)
	if err != nil {
		return err
	}
	pipe := client.TxPipeline()
	pipe.Del(ctx, inviteKey(roomID, seatIdx))
	if inv != nil {
		pipe.Del(ctx, inviteUserKey(roomID, inv.TargetUserID))
	}
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete invite: %w", err)
	}
	return nil
}

// Get reads the current state of seatIdx.
func (r *Repository) Get(ctx context.Context, roomID string, seatIdx int) (*State, error) {
	client := r.redis.Client()
	if client == nil {
		return &State{Index: seatIdx}, nil
	}

	raw, err := client.HGet(ctx, seatsKey(roomID), strconv.Itoa(seatIdx)).Result()
	st := &State{Index: seatIdx}
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to read seat: %w", err)
	}
	if err == nil {
		var rec seatRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode seat: %w", err)
		}
		st.UserID = rec.UserID
		st.Occupied = rec.UserID != ""
		st.Muted = rec.Muted
	}

	locked, err := client.SIsMember(ctx, lockedKey(roomID), strconv.Itoa(seatIdx)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read lock state: %w", err)
	}
	st.Locked = locked

	return st, nil
}

// GetSeats lists the state of every seat in [0, maxSeats).
func (r *Repository) GetSeats(ctx context.Context, roomID string, maxSeats int) ([]State, error) {
	client := r.redis.Client()
	if client == nil {
		out := make([]State, maxSeats)
		for i := range out {
			out[i] = State{Index: i}
		}
		return out, nil
	}

	fields, err := client.HGetAll(ctx, seatsKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list seats: %w", err)
	}
	lockedIdx, err := client.SMembers(ctx, lockedKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list locked seats: %w", err)
	}
	lockedSet := make(map[string]bool, len(lockedIdx))
	for _, idx := range lockedIdx {
		lockedSet[idx] = true
	}

	out := make([]State, maxSeats)
	for i := 0; i < maxSeats; i++ {
		st := State{Index: i, Locked: lockedSet[strconv.Itoa(i)]}
		if raw, ok := fields[strconv.Itoa(i)]; ok {
			var rec seatRecord
			if err := json.Unmarshal([]byte(raw), &rec); err == nil {
				st.UserID = rec.UserID
				st.Occupied = rec.UserID != ""
				st.Muted = rec.Muted
			}
		}
		out[i] = st
	}
	return out, nil
}

// ClearRoom wipes every seat occupant, every lock, the reverse user index,
// and every pending invite for roomID. A room closed and later reopened
// under the same ID starts completely fresh — locks do not survive a close.
func (r *Repository) ClearRoom(ctx context.Context, roomID string, maxSeats int) error {
	client := r.redis.Client()
	if client == nil {
		return nil
	}

	for i := 0; i < maxSeats; i++ {
		if err := r.DeleteInvite(ctx, roomID, i); err != nil {
			return err
		}
	}

	pipe := client.TxPipeline()
	pipe.Del(ctx, seatsKey(roomID))
	pipe.Del(ctx, lockedKey(roomID))
	pipe.Del(ctx, userSeatKey(roomID))
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to clear room seat state: %w", err)
	}
	return nil
}
