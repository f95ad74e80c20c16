package stream

import (
	"fmt"

	"ematrader/internal/trader/model"
)

// transitions lists every legal ConnectionState move. Closed is terminal,
// and Failed becomes terminal once the ingestor gives up.
var transitions = map[model.ConnectionState][]model.ConnectionState{
	model.Disconnected:  {model.Connecting, model.Closed},
	model.Connecting:    {model.Authenticated, model.Failed, model.Closed},
	model.Authenticated: {model.Subscribed, model.Failed, model.Closed},
	model.Subscribed:    {model.Streaming, model.Failed, model.Closed},
	model.Streaming:     {model.Failed, model.Closed},
	model.Failed:        {model.Connecting, model.Closed},
}

func canTransition(from, to model.ConnectionState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// transitionError reports an illegal state move.
type transitionError struct {
	from, to model.ConnectionState
}

func (e *transitionError) Error() string {
	return fmt.Sprintf("illegal connection transition %s -> %s", e.from, e.to)
}
