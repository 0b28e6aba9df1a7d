// Package batch models a client or peer request and its single reply.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/ChuLiYu/pbs-jobcore/internal/attr"
	"github.com/ChuLiYu/pbs-jobcore/pkg/types"
)

var log = slog.Default()

var (
	// ErrAlreadyReplied is returned when a request is resolved twice.
	ErrAlreadyReplied = errors.New("request already replied")
	// ErrNoReply is returned by Wait on a NoReply request.
	ErrNoReply = errors.New("request expects no reply")
)

// Type identifies the request kind.
type Type int

const (
	TypeQueueJob Type = iota
	TypeModifyJob
	TypeAsyModifyJob
	TypeModifyArray
	TypeMoveJob
	TypeRouteJob
	TypeCheckpointCopy
)

var typeNames = map[Type]string{
	TypeQueueJob:       "QueueJob",
	TypeModifyJob:      "ModifyJob",
	TypeAsyModifyJob:   "AsyModifyJob",
	TypeModifyArray:    "ModifyArray",
	TypeMoveJob:        "MoveJob",
	TypeRouteJob:       "RouteJob",
	TypeCheckpointCopy: "CheckpointCopy",
}

func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// Extend strings understood by the modify handlers.
const (
	ExtendCheckpointHold = "CHECKPOINTHOLD"
	ExtendCheckpointCont = "CHECKPOINTCONT"
	ExtendArrayRange     = "ARRAY_RANGE="
)

// Reply is what the requester receives.
type Reply struct {
	Code     types.Code `json:"code"`
	Text     string     `json:"text,omitempty"`
	BadIndex int        `json:"bad_index,omitempty"` // 1-based index of the failing attribute
	BadAttr  string     `json:"bad_attr,omitempty"`
	BadAttrs []string   `json:"bad_attrs,omitempty"` // every attribute that failed to decode, in request order
	Data     string     `json:"data,omitempty"`
}

// Err converts a non-zero reply into a *types.Error.
func (r Reply) Err() error {
	if r.Code == types.CodeNone {
		return nil
	}
	return types.NewError(r.Code, r.Text)
}

// Request is a batch request. Exactly one of Ack, Reject or RejectBadAttr
// resolves it. Handoff passes the obligation to a deferred task.
type Request struct {
	ID          string
	Type        Type
	User        string
	Host        string
	Perm        attr.Perm
	ObjectID    string
	Attrs       []attr.Op
	Destination string
	Extend      string
	NoReply     bool

	replyCh   chan Reply
	resolved  atomic.Bool
	handedOff atomic.Bool
}

// New creates a request with a fresh id.
func New(typ Type, user, host string, perm attr.Perm, objectID string) *Request {
	return &Request{
		ID:       uuid.NewString(),
		Type:     typ,
		User:     user,
		Host:     host,
		Perm:     perm,
		ObjectID: objectID,
		replyCh:  make(chan Reply, 1),
	}
}

// Dup copies the request under a new id. The copy never sends a reply.
func (r *Request) Dup() *Request {
	d := New(r.Type, r.User, r.Host, r.Perm, r.ObjectID)
	d.Attrs = append([]attr.Op(nil), r.Attrs...)
	d.Destination = r.Destination
	d.Extend = r.Extend
	d.NoReply = true
	return d
}

// Requester is "user@host".
func (r *Request) Requester() string {
	return r.User + "@" + r.Host
}

// Done reports whether the request has been resolved.
func (r *Request) Done() bool { return r.resolved.Load() }

// HandedOff reports whether a deferred task owns the reply.
func (r *Request) HandedOff() bool { return r.handedOff.Load() }

// Ack resolves the request with success.
func (r *Request) Ack() error {
	return r.resolve(Reply{Code: types.CodeNone})
}

// AckWith resolves the request with success and a payload.
func (r *Request) AckWith(data string) error {
	return r.resolve(Reply{Code: types.CodeNone, Data: data})
}

// Reject resolves the request with an error code. An empty text uses the
// code's default message.
func (r *Request) Reject(code types.Code, text string) error {
	if code == types.CodeNone {
		code = types.CodeSystem
	}
	if text == "" {
		text = code.Text()
	}
	return r.resolve(Reply{Code: code, Text: text})
}

// RejectErr rejects with the code carried by err.
func (r *Request) RejectErr(err error) error {
	var te *types.Error
	if errors.As(err, &te) {
		return r.Reject(te.Code, te.Text)
	}
	return r.Reject(types.CodeOf(err), err.Error())
}

// RejectBadAttr rejects naming the failing attributes. index is the 1-based
// position of the first one, bad[0]; the reply lists all of them.
func (r *Request) RejectBadAttr(code types.Code, index int, bad ...attr.Op) error {
	rep := Reply{Code: code, Text: code.Text(), BadIndex: index}
	for i, op := range bad {
		if i == 0 {
			rep.BadAttr = op.Name
		}
		name := op.Name
		if op.Resource != "" {
			name += "." + op.Resource
		}
		rep.BadAttrs = append(rep.BadAttrs, name)
	}
	return r.resolve(rep)
}

// Handoff marks the reply as owned by a deferred task. The request is still
// unresolved afterwards.
func (r *Request) Handoff() error {
	if r.resolved.Load() || !r.handedOff.CompareAndSwap(false, true) {
		log.Error("Request handed off twice", "requestID", r.ID, "type", r.Type)
		return ErrAlreadyReplied
	}
	return nil
}

func (r *Request) resolve(rep Reply) error {
	if !r.resolved.CompareAndSwap(false, true) {
		log.Error("Request already replied", "requestID", r.ID, "type", r.Type, "code", rep.Code)
		return ErrAlreadyReplied
	}
	if r.NoReply {
		if rep.Code != types.CodeNone {
			log.Warn("Async request failed", "requestID", r.ID, "type", r.Type, "object", r.ObjectID,
				"code", int(rep.Code), "text", rep.Text)
		}
		return nil
	}
	r.replyCh <- rep
	return nil
}

// Wait blocks until the request is resolved or ctx ends.
func (r *Request) Wait(ctx context.Context) (Reply, error) {
	if r.NoReply {
		return Reply{}, ErrNoReply
	}
	select {
	case rep := <-r.replyCh:
		return rep, nil
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}
