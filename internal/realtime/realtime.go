// Package realtime serves the SockJS push channel. Each session registers a
// hub client, joins rooms through join-room/leave-room control messages, and
// receives event envelopes as text frames.
package realtime

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"tableside/internal/auth"
	"tableside/internal/events"
	"tableside/internal/hub"
	"tableside/internal/logging"

	"github.com/igm/sockjs-go/sockjs"
	"go.uber.org/zap"
)

const Prefix = "/realtime"

// Close codes sent to the client before the session is dropped.
const (
	CloseUnauthorized = 4001
	CloseBadRoom      = 4002
	CloseForbidden    = 4003
)

var ErrUnknownRole = errors.New("unknown role")

// conn is the part of sockjs.Session the server uses.
type conn interface {
	Request() *http.Request
	Recv() (string, error)
	Send(string) error
	Close(status uint32, reason string) error
}

type Server struct {
	hub      *hub.Hub
	verifier *auth.Verifier
	logger   *zap.Logger
	buffer   int
}

// NewServer builds the push endpoint. With a nil verifier sessions are
// anonymous and may join any room.
func NewServer(h *hub.Hub, verifier *auth.Verifier, logger *zap.Logger) *Server {
	return &Server{
		hub:      h,
		verifier: verifier,
		logger:   logging.OrNop(logger),
		buffer:   hub.DefaultSendBuffer * 4,
	}
}

func (s *Server) Handler() http.Handler {
	return sockjs.NewHandler(Prefix, sockjs.DefaultOptions, func(session sockjs.Session) {
		s.serve(session)
	})
}

// RoomFor maps a join-room request to the room it names.
func RoomFor(role, userID string) (string, error) {
	role = strings.ToLower(strings.TrimSpace(role))
	userID = strings.TrimSpace(userID)
	if role == auth.RoleGuest {
		if userID == "" {
			return "", fmt.Errorf("guest room needs a userId")
		}
		return events.GuestRoom(userID), nil
	}
	if (auth.Principal{Role: role}).IsStaff() {
		return events.StaffRoom, nil
	}
	return "", fmt.Errorf("%w %q", ErrUnknownRole, role)
}

func (s *Server) serve(session conn) {
	var principal *auth.Principal
	if s.verifier != nil {
		p, err := s.verifier.Verify(auth.TokenFromRequest(session.Request()))
		if err != nil {
			_ = session.Close(CloseUnauthorized, "unauthorized")
			return
		}
		principal = &p
	}

	client := hub.NewClient(s.buffer)
	s.hub.Register(client)
	defer s.hub.Unregister(client)

	go func() {
		for msg := range client.Send {
			if err := session.Send(string(msg)); err != nil {
				return
			}
		}
	}()

	for {
		raw, err := session.Recv()
		if err != nil {
			return
		}
		msg, ok := hub.ParseControl([]byte(raw))
		if !ok {
			continue
		}
		room, err := RoomFor(msg.Role, msg.UserID)
		if err != nil {
			if msg.Action == hub.ActionLeaveRoom {
				continue
			}
			_ = session.Close(CloseBadRoom, err.Error())
			return
		}
		switch msg.Action {
		case hub.ActionJoinRoom:
			if !allowed(principal, room, msg.UserID) {
				s.logger.Warn("join-room refused",
					zap.String("client_id", client.ID),
					zap.String("room", room),
				)
				_ = session.Close(CloseForbidden, "access denied")
				return
			}
			s.hub.Join(client, room)
			s.logger.Debug("joined room", zap.String("client_id", client.ID), zap.String("room", room))
		case hub.ActionLeaveRoom:
			s.hub.Leave(client, room)
		}
	}
}

func allowed(principal *auth.Principal, room, userID string) bool {
	if principal == nil {
		return true
	}
	if room == events.StaffRoom {
		return principal.IsStaff()
	}
	return principal.UserID == strings.TrimSpace(userID)
}
