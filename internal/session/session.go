// Package session tracks which viewer loop currently owns each camera. The
// newest start always wins; older loops observe that they were superseded and
// exit on their own.
package session

import (
	"context"
	"encoding/hex"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Controller hands out session tokens per camera.
type Controller struct {
	records sync.Map // camera name -> *record
	logger  *zap.Logger
}

type record struct {
	cur atomic.Pointer[state]
}

// state is immutable; transitions swap in a new value.
type state struct {
	token  string
	active bool
	cancel context.CancelFunc
}

// Session is one viewer's claim on a camera.
type Session struct {
	Camera string
	Token  string

	ctx    context.Context
	cancel context.CancelFunc
	ctrl   *Controller
}

// NewController creates an empty controller.
func NewController(logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{logger: logger.Named("session")}
}

func (c *Controller) record(name string) *record {
	if r, ok := c.records.Load(name); ok {
		return r.(*record)
	}
	r, _ := c.records.LoadOrStore(name, &record{})
	return r.(*record)
}

func newToken() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// Start makes a fresh token current for name, marks the camera active and
// cancels the context of whatever session it replaces.
func (c *Controller) Start(parent context.Context, name string) *Session {
	ctx, cancel := context.WithCancel(parent)
	next := &state{token: newToken(), active: true, cancel: cancel}

	prev := c.record(name).cur.Swap(next)
	if prev != nil {
		prev.cancel()
		if prev.active {
			c.logger.Info("session superseded", zap.String("camera", name))
		}
	}
	return &Session{Camera: name, Token: next.token, ctx: ctx, cancel: cancel, ctrl: c}
}

// IsCurrent reports whether token is the live session for name.
func (c *Controller) IsCurrent(name, token string) bool {
	r, ok := c.records.Load(name)
	if !ok {
		return false
	}
	st := r.(*record).cur.Load()
	return st != nil && st.active && st.token == token
}

// Stop clears the active flag for name. The token is kept so that a new Start
// is still required to resume. It reports whether a session was active.
func (c *Controller) Stop(name string) bool {
	r, ok := c.records.Load(name)
	if !ok {
		return false
	}
	if !deactivate(r.(*record), "") {
		return false
	}
	c.logger.Info("session stopped", zap.String("camera", name))
	return true
}

// End is called by a loop on exit. It clears the active flag only when the
// session is still current and always releases the session context.
func (c *Controller) End(s *Session) {
	defer s.cancel()
	r, ok := c.records.Load(s.Camera)
	if !ok {
		return
	}
	deactivate(r.(*record), s.Token)
}

// deactivate flips the current state to inactive. A non-empty token limits
// the transition to that session.
func deactivate(r *record, token string) bool {
	for {
		cur := r.cur.Load()
		if cur == nil || !cur.active {
			return false
		}
		if token != "" && cur.token != token {
			return false
		}
		next := &state{token: cur.token, active: false, cancel: cur.cancel}
		if r.cur.CompareAndSwap(cur, next) {
			cur.cancel()
			return true
		}
	}
}

// Active lists cameras with a live session.
func (c *Controller) Active() []string {
	var names []string
	c.records.Range(func(k, v any) bool {
		if st := v.(*record).cur.Load(); st != nil && st.active {
			names = append(names, k.(string))
		}
		return true
	})
	sort.Strings(names)
	return names
}

// Context is cancelled when the session is superseded, stopped or ended, or
// when the parent passed to Start is done.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Current reports whether this session still owns its camera.
func (s *Session) Current() bool {
	return s.ctrl.IsCurrent(s.Camera, s.Token)
}
