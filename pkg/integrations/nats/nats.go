// Package nats exposes automata over NATS request-reply.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/nats-io/nats.go"

	fa "github.com/pancsta/automata-go/pkg/automata"
	"github.com/pancsta/automata-go/pkg/integrations"
)

// ExposeAutomaton exposes an automaton to NATS for requests of type
// - GetterReq
// - ValidateReq
// with responses of type
// - GetterResp
// - ValidateResp
//
// Each automaton subscribes to a dedicated subtopic "[topic].[automatonID]".
// Optional [queue] allows to load-balance requests across multiple subscribers.
// Subscriptions get removed when ctx is done.
func ExposeAutomaton(
	ctx context.Context, a fa.Automaton, nc *nats.Conn, topic, queue string,
) error {
	var (
		sub1 *nats.Subscription
		err  error
	)

	bind := func(msg *nats.Msg) {
		dispatcher(ctx, a, msg)
	}

	if queue != "" {
		sub1, err = nc.QueueSubscribe(topic, queue, bind)
	} else {
		sub1, err = nc.Subscribe(topic, bind)
	}
	if err != nil {
		return err
	}

	// dedicated subtopic for this automaton
	sub2, err := nc.Subscribe(topic+"."+a.Id(), bind)
	if err != nil {
		_ = sub1.Unsubscribe()
		return err
	}

	// dispose with ctx
	context.AfterFunc(ctx, func() {
		_ = sub1.Unsubscribe()
		_ = sub2.Unsubscribe()
	})

	return nil
}

// Validate is a helper to validate inputs with automaton [id], exposed under
// [topic]. An empty [id] sends to the shared topic. It will block until the
// response or the context expires.
func Validate(
	ctx context.Context, nc *nats.Conn, topic, id string, inputs ...string,
) ([]bool, error) {
	req := integrations.NewValidateReq(inputs...)
	resp, err := ValidateReq(ctx, nc, topic, id, req)
	if err != nil {
		return nil, err
	}

	return resp.Results, nil
}

// ValidateReq sends a prepared ValidateReq, eg with a start state.
func ValidateReq(
	ctx context.Context, nc *nats.Conn, topic, id string,
	req *integrations.ValidateReq,
) (*integrations.ValidateResp, error) {
	var resp integrations.ValidateResp
	if err := request(ctx, nc, subject(topic, id), req, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%w: %s", integrations.ErrRemote, resp.Error)
	}

	return &resp, nil
}

// Get is a helper to send a GetterReq to automaton [id] under [topic].
func Get(
	ctx context.Context, nc *nats.Conn, topic, id string,
	req *integrations.GetterReq,
) (*integrations.GetterResp, error) {
	var resp integrations.GetterResp
	if err := request(ctx, nc, subject(topic, id), req, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%w: %s", integrations.ErrRemote, resp.Error)
	}

	return &resp, nil
}

// ///// ///// /////

// ///// RETRIES

// ///// ///// /////

// RetryOpts are failsafe policies of ValidateRetry.
type RetryOpts struct {
	// Retries is the max number of retries.
	Retries int
	// Delay is the delay before the first retry, then doubles.
	Delay time.Duration
	// Backoff is the max time to wait between retries.
	Backoff time.Duration
	// MaxDuration is the max time to wait for a response.
	MaxDuration time.Duration
}

// NewRetryOpts returns the defaults - 10 retries, 100ms delay, 5s backoff, and
// 5s max duration.
func NewRetryOpts() *RetryOpts {
	return &RetryOpts{
		Retries:     10,
		Delay:       100 * time.Millisecond,
		Backoff:     5 * time.Second,
		MaxDuration: 5 * time.Second,
	}
}

// ValidateRetry is Validate with retries, eg for an automaton which isn't
// exposed yet. Remote handler errors aren't retried.
func ValidateRetry(
	ctx context.Context, nc *nats.Conn, topic, id string, opts *RetryOpts,
	inputs ...string,
) ([]bool, error) {
	if opts == nil {
		opts = NewRetryOpts()
	}

	// policies
	retry := retrypolicy.Builder[[]bool]().
		WithMaxDuration(opts.MaxDuration).
		WithMaxRetries(opts.Retries).
		AbortOnErrors(integrations.ErrRemote)
	if opts.Backoff != 0 {
		retry = retry.WithBackoff(opts.Delay, opts.Backoff)
	} else {
		retry = retry.WithDelay(opts.Delay)
	}

	return failsafe.NewExecutor[[]bool](retry.Build()).WithContext(ctx).
		Get(func() ([]bool, error) {
			return Validate(ctx, nc, topic, id, inputs...)
		})
}

// UTILS

func subject(topic, id string) string {
	if id == "" {
		return topic
	}
	return topic + "." + id
}

func request(
	ctx context.Context, nc *nats.Conn, subj string, req, resp any,
) error {
	reqJs, err := json.Marshal(req)
	if err != nil {
		return err
	}
	msg, err := nc.RequestWithContext(ctx, subj, reqJs)
	if err != nil {
		return err
	}

	return json.Unmarshal(msg.Data, resp)
}

func dispatcher(ctx context.Context, a fa.Automaton, msg *nats.Msg) {
	var (
		j    []byte
		err0 error
	)

	// disposed
	if ctx.Err() != nil {
		return
	}

	// check if this is something for us
	msgKind := integrations.MsgKindReq{}
	if err := json.Unmarshal(msg.Data, &msgKind); err != nil ||
		!integrations.KindEnum.Contains(msgKind.Kind) {

		// no match, exit
		return
	}

	switch msgKind.Kind {
	case integrations.KindReqGetter:
		get := &integrations.GetterReq{}
		if err0 = json.Unmarshal(msg.Data, get); err0 == nil {
			resp, err := integrations.HandlerGetter(ctx, a, get)
			if err != nil {
				resp = &integrations.GetterResp{
					Kind:        integrations.KindRespGetter,
					AutomatonId: a.Id(),
					Error:       err.Error(),
				}
			}
			j, err0 = json.Marshal(resp)
		}

	case integrations.KindReqValidate:
		val := &integrations.ValidateReq{}
		if err0 = json.Unmarshal(msg.Data, val); err0 == nil {
			resp, err := integrations.HandlerValidate(ctx, a, val)
			if err != nil {
				resp = &integrations.ValidateResp{
					Kind:        integrations.KindRespValidate,
					AutomatonId: a.Id(),
					Error:       err.Error(),
				}
			}
			j, err0 = json.Marshal(resp)
		}

	default:
		// responses on a shared topic
		return
	}

	// internal err
	if err0 != nil {
		a.Log("[error:nats] %s", err0)
		return
	}

	// sync response
	if msg.Reply == "" {
		return
	}
	if err0 = msg.Respond(j); err0 != nil {
		a.Log("[error:nats] %s", err0)
	}
}
