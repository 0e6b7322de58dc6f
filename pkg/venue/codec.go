package venue

import (
	"encoding/json"
	"errors"
	"fmt"
)

// frame is the tagged JSON form of an Event, as sent on feeds.
type frame struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

type disconnectWire struct {
	Cause string `json:"cause,omitempty"`
}

// EncodeEvent marshals ev as a tagged JSON frame.
func EncodeEvent(ev Event) ([]byte, error) {
	var payload any = ev
	if d, ok := ev.(Disconnect); ok {
		w := disconnectWire{}
		if d.Cause != nil {
			w.Cause = d.Cause.Error()
		}
		payload = w
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", ev.EventType(), err)
	}
	return json.Marshal(frame{Type: ev.EventType(), Data: data})
}

// DecodeEvent parses a tagged JSON frame.
func DecodeEvent(b []byte) (Event, error) {
	var f frame
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("decode event frame: %w", err)
	}
	var (
		ev  Event
		err error
	)
	switch f.Type {
	case EventSnapshot:
		var e SnapshotEvent
		err = json.Unmarshal(f.Data, &e)
		if err == nil && e.Snapshot == nil {
			err = errors.New("snapshot event without snapshot")
		}
		ev = e
	case EventDelta:
		var e Delta
		err = json.Unmarshal(f.Data, &e)
		ev = e
	case EventFill:
		var e Fill
		err = json.Unmarshal(f.Data, &e)
		ev = e
	case EventFunding:
		var e FundingSettlement
		err = json.Unmarshal(f.Data, &e)
		ev = e
	case EventDisconnect:
		var w disconnectWire
		err = json.Unmarshal(f.Data, &w)
		d := Disconnect{}
		if w.Cause != "" {
			d.Cause = errors.New(w.Cause)
		}
		ev = d
	default:
		return nil, fmt.Errorf("unknown event type %q", f.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s event: %w", f.Type, err)
	}
	return ev, nil
}
