package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mikey-austin/spotd/internal/core"
	"github.com/mikey-austin/spotd/internal/ports"
	"github.com/mikey-austin/spotd/pkg/spot"
)

// DefaultScopes are the Web API scopes the control surface needs.
var DefaultScopes = []string{
	"user-read-playback-state",
	"user-modify-playback-state",
	"user-read-currently-playing",
}

const (
	// ExpiryMargin treats a token this close to expiry as expired.
	ExpiryMargin = 5 * time.Second
	refreshLead  = 60 * time.Second
	minRetry     = time.Second
	maxRetry     = time.Minute
)

// ErrTerminated is returned once the broker has failed unrecoverably.
var ErrTerminated = errors.New("token broker terminated")

// ErrShortLived rejects a grant that would already count as expired.
var ErrShortLived = errors.New("access token expires too soon")

// State is the broker's position in the refresh cycle.
type State int

const (
	NoToken State = iota
	Refreshing
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case NoToken:
		return "no_token"
	case Refreshing:
		return "refreshing"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Input drives a transition.
type Input int

const (
	InputNeed Input = iota
	InputSuccess
	InputFailure
)

// Action tells the owner what to do after a transition.
type Action int

const (
	ActionNone Action = iota
	ActionRequest
	ActionBuildSurface
	ActionReplaceToken
	ActionRetry
	ActionTerminate
)

func (a Action) String() string {
	switch a {
	case ActionRequest:
		return "request"
	case ActionBuildSurface:
		return "build_surface"
	case ActionReplaceToken:
		return "replace_token"
	case ActionRetry:
		return "retry"
	case ActionTerminate:
		return "terminate"
	default:
		return "none"
	}
}

type transitionKey struct {
	state   State
	input   Input
	surface bool
}

type transition struct {
	next   State
	action Action
}

var transitions = map[transitionKey]transition{
	{NoToken, InputNeed, false}:       {Refreshing, ActionRequest},
	{NoToken, InputNeed, true}:        {Refreshing, ActionRequest},
	{Ready, InputNeed, true}:          {Refreshing, ActionRequest},
	{Refreshing, InputSuccess, false}: {Ready, ActionBuildSurface},
	{Refreshing, InputSuccess, true}:  {Ready, ActionReplaceToken},
	{Refreshing, InputFailure, false}: {Failed, ActionTerminate},
	{Refreshing, InputFailure, true}:  {NoToken, ActionRetry},
}

// Next looks up the transition for state and input. Unknown combinations
// leave the state unchanged.
func Next(state State, input Input, surface bool) (State, Action) {
	t, ok := transitions[transitionKey{state, input, surface}]
	if !ok {
		return state, ActionNone
	}
	return t.next, t.action
}

// Requester issues token requests; ports.Session satisfies it.
type Requester interface {
	RequestToken(ctx context.Context, clientID string, scopes []string) (ports.Token, error)
}

// Result is the outcome of one token request.
type Result struct {
	Token spot.AccessToken
	Err   error
}

// Broker owns the access token. It is driven by one goroutine: call Need,
// select on Results, pass the value to Handle and act on the returned Action.
type Broker struct {
	requester Requester
	clock     ports.Clock
	clientID  string
	scopes    []string

	state   State
	token   spot.AccessToken
	surface bool
	results chan Result
	cancel  context.CancelFunc
	retry   time.Duration
}

// NewBroker creates a broker with no token.
func NewBroker(requester Requester, clock ports.Clock, clientID string, scopes []string) *Broker {
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	return &Broker{
		requester: requester,
		clock:     clock,
		clientID:  clientID,
		scopes:    scopes,
		retry:     minRetry,
	}
}

// State returns the current state.
func (b *Broker) State() State {
	return b.state
}

// Token returns the held token when it is usable now.
func (b *Broker) Token() (spot.AccessToken, bool) {
	if b.state != Ready || b.token.Expired(b.clock.Now(), ExpiryMargin) {
		return spot.AccessToken{}, false
	}
	return b.token, true
}

// NeedsRefresh reports whether the token is absent or expired and no request
// is in flight.
func (b *Broker) NeedsRefresh() bool {
	switch b.state {
	case NoToken:
		return true
	case Ready:
		return b.token.Expired(b.clock.Now(), ExpiryMargin)
	default:
		return false
	}
}

// Need starts a token request when the state table allows one.
func (b *Broker) Need(ctx context.Context) Action {
	next, action := Next(b.state, InputNeed, b.surface)
	if action != ActionRequest {
		return ActionNone
	}
	b.state = next

	reqCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	results := make(chan Result, 1)
	b.results = results
	go func() {
		grant, err := b.requester.RequestToken(reqCtx, b.clientID, b.scopes)
		if err != nil {
			results <- Result{Err: core.WrapError(core.KindCredential, "request token", err)}
			return
		}
		if grant.AccessToken == "" {
			results <- Result{Err: core.WrapError(core.KindCredential, "request token", errors.New("empty access token"))}
			return
		}
		if grant.ExpiresIn <= ExpiryMargin {
			results <- Result{Err: core.WrapError(core.KindCredential, "request token", fmt.Errorf("%w: expires in %s", ErrShortLived, grant.ExpiresIn))}
			return
		}
		scopes := grant.Scopes
		if len(scopes) == 0 {
			scopes = b.scopes
		}
		results <- Result{Token: spot.NewAccessToken(grant.AccessToken, scopes, grant.ExpiresIn, b.clock.Now())}
	}()
	return action
}

// Results delivers the in-flight request's outcome; nil when idle.
func (b *Broker) Results() <-chan Result {
	if b.state != Refreshing {
		return nil
	}
	return b.results
}

// Handle applies a request outcome and returns what the owner must do.
func (b *Broker) Handle(res Result) Action {
	input := InputSuccess
	if res.Err != nil {
		input = InputFailure
	}
	next, action := Next(b.state, input, b.surface)
	b.state = next
	b.results = nil
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}

	switch action {
	case ActionBuildSurface, ActionReplaceToken:
		b.token = res.Token
		b.retry = minRetry
	case ActionRetry:
		b.token = spot.AccessToken{}
	}
	return action
}

// SurfaceBuilt records that the control surface exists, so later successful
// refreshes replace the token in place.
func (b *Broker) SurfaceBuilt() {
	b.surface = true
}

// RefreshIn returns how long until the held token should be refreshed.
func (b *Broker) RefreshIn() time.Duration {
	if b.state != Ready {
		return 0
	}
	remaining := b.token.ExpiresAt.Sub(b.clock.Now())
	lead := refreshLead
	if half := remaining / 2; half < lead {
		lead = half
	}
	if d := remaining - lead; d > 0 {
		return d
	}
	return 0
}

// NextRetry returns the backoff before the next attempt after a failed
// refresh and grows it for the following failure.
func (b *Broker) NextRetry() time.Duration {
	d := b.retry
	b.retry *= 2
	if b.retry > maxRetry {
		b.retry = maxRetry
	}
	return d
}

// Close cancels an in-flight request.
func (b *Broker) Close() {
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
}

// Err describes a terminal broker state.
func (b *Broker) Err(cause error) error {
	if b.state != Failed {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTerminated, cause)
}
