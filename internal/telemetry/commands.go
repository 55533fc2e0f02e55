package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/holla2040/sensorsim/internal/control"
	"github.com/holla2040/sensorsim/internal/protocol"
	"github.com/holla2040/sensorsim/internal/registers"
)

// commandLoop subscribes to the instance's command channel, resubscribing
// after a dropped subscription.
func (p *Publisher) commandLoop(ctx context.Context) {
	channel := CommandChannel(p.cfg.Instance)

	for {
		if ctx.Err() != nil {
			return
		}

		sub := p.rdb.Subscribe(ctx, channel)
		ch := sub.Channel()

		func() {
			defer sub.Close()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-ch:
					if !ok {
						log.Printf("telemetry: command subscription closed, resubscribing")
						return
					}
					p.handleCommand(ctx, msg.Payload)
				}
			}
		}()

		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}

func (p *Publisher) handleCommand(ctx context.Context, data string) {
	req, err := protocol.Parse([]byte(data))
	if err != nil {
		log.Printf("telemetry: command parse error: %v", err)
		return
	}
	if err := protocol.Validate(req); err != nil {
		log.Printf("telemetry: rejected command %s: %v", req.Envelope.ID, err)
		if req.Envelope.ReplyTo != "" && req.Envelope.CorrelationID != "" {
			p.reply(ctx, req, protocol.ControlResponsePayload{
				Success: false,
				Error:   &protocol.Error{Code: "invalid", Message: err.Error()},
			})
		}
		return
	}

	payload, err := protocol.ParseControlRequest(req)
	if err != nil {
		log.Printf("telemetry: %v", err)
		return
	}

	resp := protocol.ControlResponsePayload{Operation: payload.Operation}
	result, err := Execute(p.plane, payload)
	if err != nil {
		resp.Error = &protocol.Error{Code: control.Result(err), Message: err.Error()}
	} else {
		data, merr := json.Marshal(result)
		if merr != nil {
			resp.Error = &protocol.Error{Code: "error", Message: merr.Error()}
		} else {
			resp.Success = true
			resp.Result = data
		}
	}
	p.reply(ctx, req, resp)
}

func (p *Publisher) reply(ctx context.Context, req *protocol.Message, payload protocol.ControlResponsePayload) {
	msg, err := protocol.NewResponse(p.source(), req, payload)
	if err != nil {
		log.Printf("telemetry: build response: %v", err)
		return
	}
	p.send(ctx, "responses", req.Envelope.ReplyTo, msg)
}

// Execute runs one control request against plane and returns the value the
// equivalent HTTP endpoint would return.
func Execute(plane *control.Plane, req *protocol.ControlRequestPayload) (interface{}, error) {
	switch req.Operation {
	case protocol.OpStatus:
		return plane.GetStatus(), nil
	case protocol.OpRegisters:
		return plane.GetUnitRegisters(req.Unit)
	case protocol.OpDisable, protocol.OpEnable:
		if req.Index == nil {
			return nil, &registers.ValidationError{Field: "index", Reason: "signal index is required"}
		}
		toggle := plane.DisableSignal
		if req.Operation == protocol.OpEnable {
			toggle = plane.EnableSignal
		}
		set, err := toggle(req.Unit, *req.Index)
		return map[string]interface{}{"unit": req.Unit, "disabled": set}, err
	case protocol.OpBase:
		stored, err := plane.SetBaseHighs(req.Unit, req.Values)
		return map[string]interface{}{"unit": req.Unit, "base_highs": stored}, err
	case protocol.OpPause:
		paused, err := plane.SetPaused(req.Paused)
		return map[string]bool{"paused": paused}, err
	case protocol.OpPauseUnit:
		paused, err := plane.SetUnitPaused(req.Unit, req.Paused)
		return map[string]interface{}{"unit": req.Unit, "paused": paused}, err
	case protocol.OpParams:
		return plane.WaveformParams(req.Unit, registers.ParamsUpdate{
			Amplitudes:  req.Amplitudes,
			Periods:     req.Periods,
			JitterScale: req.JitterScale,
		})
	case protocol.OpSpike:
		return plane.InjectSpike(control.SpikeRequest{
			Unit:       req.Unit,
			Index:      req.Index,
			Magnitude:  req.Magnitude,
			DurationMs: req.DurationMs,
			Kind:       req.Kind,
		})
	}
	return nil, fmt.Errorf("unsupported operation %q", req.Operation)
}
