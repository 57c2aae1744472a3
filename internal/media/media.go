// Package media manages the local capture source for a meeting.
//
// Capture itself is an external capability behind the Provider
// interface; the controller only enforces the lifecycle rules: at most
// one active source, camera and screen share mutually exclusive, and a
// full release of the device on stop.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// ErrPermissionDenied is returned by a Provider when the user or the
// platform refused access to the capture device. Callers treat it as a
// non-fatal warning.
var ErrPermissionDenied = errors.New("media: permission denied")

// SourceKind distinguishes the two capture modes.
type SourceKind string

const (
	SourceCamera SourceKind = "camera"
	SourceScreen SourceKind = "screen"
)

// Source is one acquired capture device with its outgoing tracks.
// Close must release the underlying device and stop all tracks.
type Source interface {
	Kind() SourceKind
	Label() string
	Tracks() []webrtc.TrackLocal
	Close() error
}

// Provider acquires capture sources. Implementations may prompt the
// user, open files, or synthesize test patterns.
type Provider interface {
	OpenCamera(ctx context.Context) (Source, error)
	OpenScreen(ctx context.Context) (Source, error)
}

// State describes the controller's current capture mode for listeners.
type State struct {
	Active bool
	Kind   SourceKind
	Label  string
}

// Controller owns at most one active Source and serializes all
// transitions.
type Controller struct {
	provider Provider

	mu     sync.Mutex
	active Source

	onState   func(State)
	afterStop func()
}

// NewController creates a controller over provider. onState, if
// non-nil, fires after every successful transition. afterStop, if
// non-nil, runs after a source has been fully released; the meeting
// session uses it to close all peer links.
func NewController(provider Provider, onState func(State), afterStop func()) *Controller {
	return &Controller{provider: provider, onState: onState, afterStop: afterStop}
}

// StartCamera acquires the camera, stopping any screen share first. If
// the camera is already active this is a no-op.
func (c *Controller) StartCamera(ctx context.Context) error {
	return c.start(ctx, SourceCamera)
}

// StartScreenShare acquires the screen, stopping any camera first. If a
// screen share is already active this is a no-op.
func (c *Controller) StartScreenShare(ctx context.Context) error {
	return c.start(ctx, SourceScreen)
}

func (c *Controller) start(ctx context.Context, kind SourceKind) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil && c.active.Kind() == kind {
		return nil
	}

	// The old source stays alive until the new one is acquired, so a
	// failed acquisition never leaves the user with nothing.
	var next Source
	var err error
	switch kind {
	case SourceCamera:
		next, err = c.provider.OpenCamera(ctx)
	case SourceScreen:
		next, err = c.provider.OpenScreen(ctx)
	default:
		return fmt.Errorf("media: unknown source kind %q", kind)
	}
	if err != nil {
		return err
	}

	if c.active != nil {
		_ = c.active.Close()
	}
	c.active = next

	c.notifyLocked()
	return nil
}

// Stop releases the active source, notifies the state listener and runs
// the after-stop hook. Stopping with nothing active is a no-op.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.active == nil {
		c.mu.Unlock()
		return nil
	}
	err := c.active.Close()
	c.active = nil
	c.notifyLocked()
	afterStop := c.afterStop
	c.mu.Unlock()

	if afterStop != nil {
		afterStop()
	}
	return err
}

// Tracks returns the active source's outgoing tracks, or nil when
// nothing is capturing.
func (c *Controller) Tracks() []webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return nil
	}
	return c.active.Tracks()
}

// Active reports the current capture state.
func (c *Controller) Active() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Controller) stateLocked() State {
	if c.active == nil {
		return State{}
	}
	return State{Active: true, Kind: c.active.Kind(), Label: c.active.Label()}
}

func (c *Controller) notifyLocked() {
	if c.onState != nil {
		c.onState(c.stateLocked())
	}
}
