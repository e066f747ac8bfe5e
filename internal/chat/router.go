package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/redes-chat/chatserver/internal/auth"
	"github.com/redes-chat/chatserver/internal/store"
	"github.com/redes-chat/chatserver/pkg/protocol"
)

// UnknownTypePolicy selects how frames with an unrecognized type are treated.
type UnknownTypePolicy string

const (
	// UnknownIgnore drops the frame without answering.
	UnknownIgnore UnknownTypePolicy = "ignore"
	// UnknownError answers with "Unknown message type: <type>".
	UnknownError UnknownTypePolicy = "error"
)

// ParseUnknownTypePolicy validates a policy name; "" means UnknownIgnore.
func ParseUnknownTypePolicy(s string) (UnknownTypePolicy, error) {
	switch UnknownTypePolicy(s) {
	case "", UnknownIgnore:
		return UnknownIgnore, nil
	case UnknownError:
		return UnknownError, nil
	default:
		return "", fmt.Errorf("unknown type policy %q: want %q or %q", s, UnknownIgnore, UnknownError)
	}
}

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
	searchLimit         = 10
)

// Options tunes the Router; the zero value is usable.
type Options struct {
	UnknownTypes UnknownTypePolicy
	// HistoryLimit is the get_messages page size when the request has none.
	HistoryLimit int
}

func (o Options) withDefaults() Options {
	if o.UnknownTypes == "" {
		o.UnknownTypes = UnknownIgnore
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = DefaultHistoryLimit
	}
	if o.HistoryLimit > MaxHistoryLimit {
		o.HistoryLimit = MaxHistoryLimit
	}
	return o
}

// call is the state of one request while its handler runs. Events emitted
// by the handler are delivered after the direct response is queued.
type call struct {
	client    *Client
	session   store.Session
	requestID json.RawMessage
	events    []pendingEvent
}

type pendingEvent struct {
	to    []string
	event protocol.Event
}

func (c *call) userID() string {
	return c.session.UserID
}

func (c *call) emit(to []string, typ protocol.EventType, payload any) {
	c.events = append(c.events, pendingEvent{
		to:    to,
		event: protocol.Event{Type: typ, Payload: payload},
	})
}

type handlerFunc func(ctx context.Context, c *call, cmd protocol.Command) (any, error)

func handle[T protocol.Command](fn func(ctx context.Context, c *call, cmd T) (any, error)) handlerFunc {
	return func(ctx context.Context, c *call, cmd protocol.Command) (any, error) {
		return fn(ctx, c, cmd.(T))
	}
}

// Router decodes inbound frames, enforces authentication and runs the
// matching operation. Every handled request gets exactly one response.
type Router struct {
	store    store.Store
	auth     *auth.Service
	registry *Registry
	fanout   *Fanout
	opts     Options
	logger   zerolog.Logger
	handlers map[protocol.MessageType]handlerFunc
}

// NewRouter wires a Router to its store, session service and event fan-out.
func NewRouter(st store.Store, authSvc *auth.Service, registry *Registry, fanout *Fanout, opts Options, logger zerolog.Logger) *Router {
	r := &Router{
		store:    st,
		auth:     authSvc,
		registry: registry,
		fanout:   fanout,
		opts:     opts.withDefaults(),
		logger:   logger.With().Str("component", "router").Logger(),
	}
	r.handlers = map[protocol.MessageType]handlerFunc{
		protocol.TypeRegister:          handle(r.register),
		protocol.TypeLogin:             handle(r.login),
		protocol.TypeAuth:              handle(r.authenticate),
		protocol.TypeLogout:            handle(r.logout),
		protocol.TypeGetUserChats:      handle(r.getUserChats),
		protocol.TypeGetChat:           handle(r.getChat),
		protocol.TypeGetMessages:       handle(r.getMessages),
		protocol.TypeSendMessage:       handle(r.sendMessage),
		protocol.TypeMarkRead:          handle(r.markRead),
		protocol.TypeSearchUsers:       handle(r.searchUsers),
		protocol.TypeCreateDM:          handle(r.createDM),
		protocol.TypeCreateGroup:       handle(r.createGroup),
		protocol.TypeListGroups:        handle(r.listGroups),
		protocol.TypeAddGroupMember:    handle(r.addGroupMember),
		protocol.TypeRemoveGroupMember: handle(r.removeGroupMember),
		protocol.TypeUpdateGroupName:   handle(r.updateGroupName),
		protocol.TypeDeleteGroup:       handle(r.deleteGroup),
	}
	return r
}

// HandleFrame processes one inbound frame from client. It never fails: every
// problem is answered on the client's connection or logged.
func (r *Router) HandleFrame(ctx context.Context, client *Client, raw []byte) {
	logger := r.logger.With().Str("conn_id", client.ID).Logger()

	req, err := protocol.DecodeRequest(raw)
	if errors.Is(err, protocol.ErrInvalidJSON) {
		logger.Debug().Err(err).Msg("invalid frame")
		r.send(ctx, client, protocol.Fail(nil, protocol.MsgInvalidJSON), logger)
		return
	}
	var unknown *protocol.UnknownTypeError
	if errors.As(err, &unknown) {
		if r.opts.UnknownTypes == UnknownError {
			r.send(ctx, client, protocol.Fail(req.RequestID, unknown.Error()), logger)
			return
		}
		logger.Debug().Str("type", unknown.Type).Msg("ignoring unknown message type")
		return
	}

	logger = logger.With().Str("type", req.Type.String()).Logger()
	sess, authed := r.registry.Session(client.ID)
	if req.Type.RequiresSession() && !authed {
		r.send(ctx, client, protocol.Fail(req.RequestID, protocol.MsgNotAuthenticated), logger)
		return
	}
	if err != nil {
		msg, _ := clientMessage(err)
		r.send(ctx, client, protocol.Fail(req.RequestID, msg), logger)
		return
	}

	c := &call{client: client, session: sess, requestID: req.RequestID}
	body, err := r.dispatch(ctx, c, req)
	if err != nil {
		msg, known := clientMessage(err)
		if !known {
			logger.Error().Err(err).Msg("handler failed")
		}
		r.send(ctx, client, protocol.Fail(req.RequestID, msg), logger)
		return
	}

	r.send(ctx, client, protocol.OK(req.RequestID, body), logger)
	for _, ev := range c.events {
		r.fanout.Deliver(ev.to, ev.event)
	}
}

func (r *Router) dispatch(ctx context.Context, c *call, req protocol.Request) (body any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in %s handler: %v", req.Type, p)
		}
	}()
	h, ok := r.handlers[req.Type]
	if !ok {
		return nil, fmt.Errorf("no handler for %s", req.Type)
	}
	return h(ctx, c, req.Command)
}

func (r *Router) send(ctx context.Context, client *Client, resp protocol.Response, logger zerolog.Logger) {
	data, err := protocol.Encode(resp)
	if err != nil {
		logger.Error().Err(err).Msg("failed to encode response")
		data, err = protocol.Encode(protocol.Fail(resp.RequestID, protocol.MsgInternal))
		if err != nil {
			return
		}
	}
	if err := client.Reply(ctx, data); err != nil {
		logger.Debug().Err(err).Msg("response not delivered")
	}
}

type messageBody struct {
	Message string `json:"message"`
}

func okMessage(msg string) messageBody {
	return messageBody{Message: msg}
}
