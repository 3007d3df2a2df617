// Package integrations defines transport-agnostic requests and responses for
// exposed automata, along with their handlers.
//
//nolint:lll
package integrations

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/orsinium-labs/enum"

	fa "github.com/pancsta/automata-go/pkg/automata"
)

// ErrRemote is a handler error returned by the remote side.
var ErrRemote = errors.New("remote error")

// Kind enum

type Kind enum.Member[string]

var (
	KindReqGetter    = Kind{"fa_req_getter"}
	KindReqValidate  = Kind{"fa_req_validate"}
	KindRespGetter   = Kind{"fa_resp_getter"}
	KindRespValidate = Kind{"fa_resp_validate"}
	KindEnum         = enum.New(KindReqGetter, KindReqValidate, KindRespGetter,
		KindRespValidate)
)

// flatten to a string in JSON

func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.Value)
}

func (k *Kind) UnmarshalJSON(b []byte) error {
	var s string
	err := json.Unmarshal(b, &s)
	if err != nil {
		return err
	}

	// success
	k.Value = s
	return nil
}

// MsgKindReq is a decoding helper.
type MsgKindReq struct {
	// The kind of the request.
	Kind Kind `json:"kind" jsonschema:"required,enum=fa_req_getter,enum=fa_req_validate"`
}

// MsgKindResp is a decoding helper.
type MsgKindResp struct {
	// The kind of the response.
	Kind Kind `json:"kind" jsonschema:"required,enum=fa_resp_getter,enum=fa_resp_validate"`
}

// VALIDATE

type ValidateReq struct {
	// The kind of the request.
	Kind Kind `json:"kind" jsonschema:"required,enum=fa_req_validate"`
	// The inputs to validate, each one separately.
	Inputs []string `json:"inputs" jsonschema:"required"`
	// The start state, only for NFAs. DFAs always start from 0.
	Start *fa.State `json:"start,omitempty"`
}

type ValidateResp struct {
	// The kind of the response.
	Kind Kind `json:"kind" jsonschema:"required,enum=fa_resp_validate"`
	// The ID of the automaton.
	AutomatonId string `json:"automaton_id"`
	// Acceptance of each input, in the requested order.
	Results []bool `json:"results,omitempty"`
	// The handler error, if any.
	Error string `json:"error,omitempty"`
}

// GETTER

// GetterReq is a generic request, which results in GetterResp with
// respective fields filled out.
type GetterReq struct {
	// The kind of the request.
	Kind Kind `json:"kind" jsonschema:"required,enum=fa_req_getter"`
	// Request the ID of the automaton
	Id bool `json:"id,omitempty"`
	// Request the kind of the automaton (dfa, nfa)
	AutomatonKind bool `json:"automaton_kind,omitempty"`
	// Request the final states
	Finals bool `json:"finals,omitempty"`
	// Request all the referenced states
	States bool `json:"states,omitempty"`
	// Request an importable definition of the automaton
	Export bool `json:"export,omitempty"`
}

// GetterResp is a response to GetterReq.
type GetterResp struct {
	// The kind of the response.
	Kind Kind `json:"kind" jsonschema:"required,enum=fa_resp_getter"`
	// The ID of the automaton.
	AutomatonId string `json:"automaton_id,omitempty"`
	// The ID of the automaton
	Id string `json:"id,omitempty"`
	// The kind of the automaton
	AutomatonKind string `json:"automaton_kind,omitempty"`
	// The final states
	Finals []fa.State `json:"finals,omitempty"`
	// All the referenced states
	States []fa.State `json:"states,omitempty"`
	// The importable definition of the automaton
	Export *fa.Definition `json:"export,omitempty"`
	// The handler error, if any.
	Error string `json:"error,omitempty"`
}

// UTILS & HANDLERS

// NewGetterReq creates a new getter request.
func NewGetterReq() *GetterReq {
	return &GetterReq{
		Kind: KindReqGetter,
	}
}

// NewValidateReq creates a new validation request.
func NewValidateReq(inputs ...string) *ValidateReq {
	return &ValidateReq{
		Kind:   KindReqValidate,
		Inputs: inputs,
	}
}

func HandlerValidate(
	ctx context.Context, a fa.Automaton, req *ValidateReq,
) (*ValidateResp, error) {
	resp := &ValidateResp{Kind: KindRespValidate, AutomatonId: a.Id()}

	// validate
	if len(req.Inputs) == 0 {
		return nil, errors.New("validation inputs missing")
	}
	nfa, isNfa := a.(*fa.NFA)

	resp.Results = make([]bool, len(req.Inputs))
	for i, input := range req.Inputs {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		// start override only for NFAs
		if req.Start != nil && isNfa {
			resp.Results[i] = nfa.ValidateFrom(input, *req.Start)
		} else {
			resp.Results[i] = a.Validate(input)
		}
	}

	return resp, nil
}

func HandlerGetter(
	ctx context.Context, a fa.Automaton, req *GetterReq,
) (*GetterResp, error) {
	resp := &GetterResp{Kind: KindRespGetter, AutomatonId: a.Id()}
	if req.Id {
		resp.Id = a.Id()
	}
	if req.AutomatonKind {
		resp.AutomatonKind = a.Kind().String()
	}
	if req.Finals {
		resp.Finals = a.Finals()
	}
	if req.States {
		resp.States = a.States()
	}
	if req.Export {
		resp.Export = fa.Export(a)
	}

	return resp, nil
}
