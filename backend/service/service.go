package service

import (
	"context"
	"errors"

	"github.com/adwski/peercall/backend/model"
	"github.com/rs/zerolog"
)

var (
	ErrGet        = errors.New("unable to get user")
	ErrFriends    = errors.New("unable to list friends")
	ErrBefriend   = errors.New("unable to add friend")
	ErrConnect    = errors.New("unable to connect")
	ErrDisconnect = errors.New("unable to disconnect")
)

type (
	Directory interface {
		GetUser(userID string) (*model.User, error)
		Friends(userID string) ([]model.User, error)
		AddFriendship(userID, friendID string) error
	}

	Switch interface {
		Connect(ctx context.Context, userID string, wire model.Wire) error
		Disconnect(userID string, wire model.Wire) error
		Online(userID string) bool
	}

	Service struct {
		dir    Directory
		sw     Switch
		logger zerolog.Logger
	}

	Config struct {
		Directory Directory
		Switch    Switch
		Logger    *zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		dir:    cfg.Directory,
		sw:     cfg.Switch,
		logger: cfg.Logger.With().Str("component", "service").Logger(),
	}
}

// CreateSignalingSession plugs a websocket session for a known user into the switch.
func (svc *Service) CreateSignalingSession(ctx context.Context, userID string, wire model.Wire) error {
	if _, err := svc.dir.GetUser(userID); err != nil {
		return errors.Join(ErrGet, err)
	}
	if err := svc.sw.Connect(ctx, userID, wire); err != nil {
		return errors.Join(ErrConnect, err)
	}
	svc.logger.Debug().
		Str("userID", userID).
		Msg("signaling session connected")
	return nil
}

func (svc *Service) DeleteSignalingSession(_ context.Context, userID string, wire model.Wire) error {
	if err := svc.sw.Disconnect(userID, wire); err != nil {
		return errors.Join(ErrDisconnect, err)
	}
	svc.logger.Debug().
		Str("userID", userID).
		Msg("signaling session deleted")
	return nil
}

func (svc *Service) Friends(userID string) ([]model.User, error) {
	friends, err := svc.dir.Friends(userID)
	if err != nil {
		return nil, errors.Join(ErrFriends, err)
	}
	return friends, nil
}

func (svc *Service) Befriend(userID, friendID string) error {
	if err := svc.dir.AddFriendship(userID, friendID); err != nil {
		return errors.Join(ErrBefriend, err)
	}
	svc.logger.Debug().
		Str("userID", userID).
		Str("friendID", friendID).
		Msg("friendship added")
	return nil
}

func (svc *Service) Online(userID string) bool {
	return svc.sw.Online(userID)
}
