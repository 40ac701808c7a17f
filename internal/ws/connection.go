package ws

import (
	"context"
	"errors"
	"sync"

	"studyhall/internal/models"
	"studyhall/internal/presence"
)

type wsConnection interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
}

type messageHub interface {
	Join(user models.User) (*presence.Session, chan models.ServerMessage, error)
	Leave(session *presence.Session)
	Dispatch(user models.User, msg models.ClientMessage)
}

type Connection struct {
	ws         wsConnection
	hub        messageHub
	user       models.User
	session    *presence.Session
	fromClient chan models.ClientMessage
	fromServer chan models.ServerMessage
	errorCh    chan error
}

func NewConnection(
	hub messageHub,
	ws wsConnection,
	user models.User,
) (*Connection, error) {
	session, fromServer, err := hub.Join(user)
	if err != nil {
		return nil, err
	}
	return &Connection{
		ws:         ws,
		hub:        hub,
		user:       user,
		session:    session,
		fromClient: make(chan models.ClientMessage),
		fromServer: fromServer,
		errorCh:    make(chan error, 3),
	}, nil
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		close(c.fromClient)
		close(c.errorCh)
		c.hub.Leave(c.session)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	// Keeps the presence entry fresh even when the client sends
	// nothing; stops and removes it when the socket dies.
	wg.Go(func() {
		c.errorCh <- c.session.Run(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		var msg models.ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			return err
		}
		select {
		case c.fromClient <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case msg := <-c.fromClient:
			if err := c.processClientMessage(msg); err != nil {
				return err
			}
		case msg := <-c.fromServer:
			if err := c.ws.WriteJSON(msg); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Connection) processClientMessage(msg models.ClientMessage) error {
	switch msg.Type {
	case models.ClientMessageTypeHeartbeat:
		// Carries the away flag, so it both refreshes the timestamp
		// and restores online when the tab regains focus.
		return c.session.SetAway(msg.Away)
	default:
		c.hub.Dispatch(c.user, msg)
	}

	return nil
}
