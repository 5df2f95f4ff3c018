package provision

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/agentrunner/internal/daily"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomCreate   = errors.New("room creation failed")
	ErrToken        = errors.New("failed to get token for room")
)

// Error is a provisioning failure. Kind is one of the sentinels above and
// Subject names the room reference involved.
type Error struct {
	Kind    error
	Subject string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Subject != "" {
		msg += ": " + e.Subject
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// RoomService is the subset of the Room Service the provisioner consumes.
type RoomService interface {
	CreateRoom(ctx context.Context, props daily.RoomProperties) (daily.Room, error)
	GetRoomFromURL(ctx context.Context, roomURL string) (daily.Room, error)
	GetToken(ctx context.Context, req daily.TokenRequest) (string, error)
}

// Grant is a complete provisioning result. It is never partially populated.
type Grant struct {
	Room       daily.Room
	BotToken   string
	UserToken  string
	ExpiresAt  time.Time
	DebugRoom  bool
	IssuedAt   time.Time
	SessionCap time.Duration
}

type Config struct {
	// DebugRoom, when set, is reused for every session instead of creating
	// rooms. A bare name is resolved against Domain.
	DebugRoom string
	Domain    string
	BotName   string
}

type Provisioner struct {
	rooms RoomService
	cfg   Config
	log   zerolog.Logger
	now   func() time.Time
}

func New(rooms RoomService, cfg Config, log zerolog.Logger) *Provisioner {
	return &Provisioner{
		rooms: rooms,
		cfg:   cfg,
		log:   log,
		now:   time.Now,
	}
}

// SetClock replaces the time source, for tests.
func (p *Provisioner) SetClock(now func() time.Time) {
	p.now = now
}

// DebugRoomURL returns the resolved debug room URL, or "" when unset.
func (p *Provisioner) DebugRoomURL() string {
	ref := strings.TrimSpace(p.cfg.DebugRoom)
	if ref == "" {
		return ""
	}
	if strings.Contains(ref, "://") {
		return ref
	}
	return strings.TrimRight(p.cfg.Domain, "/") + "/" + strings.TrimLeft(ref, "/")
}

// Provision resolves or creates a room and mints the bot and user tokens,
// both capped at sessionCap and never past the room's own expiry.
func (p *Provisioner) Provision(ctx context.Context, sessionCap time.Duration) (Grant, error) {
	if sessionCap <= 0 {
		return Grant{}, &Error{Kind: ErrToken, Err: errors.New("session cap must be positive")}
	}
	issued := p.now()

	room, debug, err := p.room(ctx, issued, sessionCap)
	if err != nil {
		return Grant{}, err
	}

	expiry := issued.Add(sessionCap)
	if roomExp := room.Expiry(); !roomExp.IsZero() && roomExp.Before(expiry) {
		expiry = roomExp
	}
	if !expiry.After(issued) {
		return Grant{}, &Error{Kind: ErrToken, Subject: room.Name, Err: errors.New("room already expired")}
	}

	botToken, err := p.rooms.GetToken(ctx, daily.TokenRequest{
		RoomURL:  room.URL,
		Expiry:   expiry,
		Owner:    true,
		UserName: p.cfg.BotName,
	})
	if err != nil || botToken == "" {
		p.log.Error().Err(err).Str("room", room.Name).Msg("bot token mint failed")
		return Grant{}, &Error{Kind: ErrToken, Subject: room.Name, Err: err}
	}
	userToken, err := p.rooms.GetToken(ctx, daily.TokenRequest{
		RoomURL: room.URL,
		Expiry:  expiry,
		Owner:   true,
	})
	if err != nil || userToken == "" {
		p.log.Error().Err(err).Str("room", room.Name).Msg("user token mint failed")
		return Grant{}, &Error{Kind: ErrToken, Subject: room.Name, Err: err}
	}

	return Grant{
		Room:       room,
		BotToken:   botToken,
		UserToken:  userToken,
		ExpiresAt:  expiry,
		DebugRoom:  debug,
		IssuedAt:   issued,
		SessionCap: sessionCap,
	}, nil
}

func (p *Provisioner) room(ctx context.Context, now time.Time, ttl time.Duration) (daily.Room, bool, error) {
	if debugURL := p.DebugRoomURL(); debugURL != "" {
		room, err := p.rooms.GetRoomFromURL(ctx, debugURL)
		if err != nil {
			p.log.Warn().Err(err).Str("room_url", debugURL).Msg("debug room lookup failed")
			return daily.Room{}, true, &Error{Kind: ErrRoomNotFound, Subject: p.cfg.DebugRoom, Err: err}
		}
		if room.URL == "" {
			room.URL = debugURL
		}
		return room, true, nil
	}

	room, err := p.rooms.CreateRoom(ctx, daily.DefaultRoomProperties(now, ttl))
	if err != nil {
		return daily.Room{}, false, &Error{Kind: ErrRoomCreate, Err: err}
	}
	return room, false, nil
}
