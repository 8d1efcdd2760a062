// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package qm

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/bpagent/lib/mpool"
)

// State names the pipeline stage a job runs next. Contact states carry
// bundles to and from CLAs; channel states to and from local
// applications. Stage abbreviations: BI bundle interface, EBP extension
// block processing, CT custody transfer, STOR storage, PI payload
// interface, CLA convergence layer, ADU application data unit.
type State uint8

const (
	NoNextState State = iota

	ContactInBIToEBP
	ContactInEBPToCT
	ContactInCTToSTOR
	ContactOutSTORToCT
	ContactOutCTToEBP
	ContactOutEBPToBI
	ContactOutBIToCLA

	ChannelInPIToEBP
	ChannelInEBPToCT
	ChannelInCTToSTOR
	ChannelOutSTORToCT
	ChannelOutCTToEBP
	ChannelOutEBPToPI
	ChannelOutPIToADU

	stateCount
)

var stateNames = [stateCount]string{
	NoNextState:        "no_next_state",
	ContactInBIToEBP:   "contact_in_bi_to_ebp",
	ContactInEBPToCT:   "contact_in_ebp_to_ct",
	ContactInCTToSTOR:  "contact_in_ct_to_stor",
	ContactOutSTORToCT: "contact_out_stor_to_ct",
	ContactOutCTToEBP:  "contact_out_ct_to_ebp",
	ContactOutEBPToBI:  "contact_out_ebp_to_bi",
	ContactOutBIToCLA:  "contact_out_bi_to_cla",
	ChannelInPIToEBP:   "channel_in_pi_to_ebp",
	ChannelInEBPToCT:   "channel_in_ebp_to_ct",
	ChannelInCTToSTOR:  "channel_in_ct_to_stor",
	ChannelOutSTORToCT: "channel_out_stor_to_ct",
	ChannelOutCTToEBP:  "channel_out_ct_to_ebp",
	ChannelOutEBPToPI:  "channel_out_ebp_to_pi",
	ChannelOutPIToADU:  "channel_out_pi_to_adu",
}

func (s State) String() string {
	if s < stateCount {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Valid reports whether s is one of the defined states.
func (s State) Valid() bool { return s < stateCount }

// Job is one bundle at one point in the pipeline. Jobs are copied by
// value; the bundle reference is owned by whoever holds the job.
type Job struct {
	Bundle   mpool.Ref
	State    State
	Priority uint8
}

// Handler runs the stage for job.State and returns the next state. On
// NoNextState the handler must already have stored, queued or
// released the bundle.
type Handler interface {
	Handle(ctx context.Context, job Job) State
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job Job) State

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, job Job) State { return f(ctx, job) }
