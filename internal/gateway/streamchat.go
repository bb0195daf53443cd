package gateway

import (
	"context"
	"io"
	"log"
	"net/http"

	"github.com/modelgate/modelgate/internal/db/models"
	"github.com/modelgate/modelgate/internal/provider"
	"github.com/modelgate/modelgate/internal/retry"
	"github.com/modelgate/modelgate/internal/stream"
)

// EventStream is the pull iterator returned by StreamChat. Events
// arrive from a producer goroutine; Next blocks until the next event
// or stream end. Terminal errors arrive as error-kind events, never as
// Go errors.
type EventStream struct {
	ch     chan stream.Event
	cancel context.CancelFunc
}

// Next returns the next canonical event. ok is false once the stream
// has delivered its terminal event or was closed.
func (s *EventStream) Next() (ev stream.Event, ok bool) {
	ev, ok = <-s.ch
	return ev, ok
}

// Close cancels the stream, closing the provider connection and
// stopping the producer. Safe to call at any point, including after
// normal completion.
func (s *EventStream) Close() {
	s.cancel()
	for range s.ch {
	}
}

// StreamChat opens a streaming chat turn. Setup failures (unknown
// provider, missing session, validation) return synchronously; once an
// iterator is returned, all failures surface as error-kind events.
// Cancelling ctx closes the provider connection and ends the producer.
func (g *Gateway) StreamChat(ctx context.Context, providerName, sessionID string, req provider.ChatRequest) (*EventStream, error) {
	if req.Model == "" {
		return nil, &ValidationError{Msg: "model is required"}
	}
	if len(req.Messages) == 0 {
		return nil, &ValidationError{Msg: "at least one message is required"}
	}
	for _, m := range req.Messages {
		if m.Role == "" {
			return nil, &ValidationError{Msg: "message role is required"}
		}
		if m.Content == "" {
			return nil, &ValidationError{Msg: "empty message content for role " + m.Role}
		}
	}

	streamer, err := g.registry.Streaming(providerName)
	if err != nil {
		return nil, err
	}
	cred, err := g.findSessionCredential(providerName, sessionID)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	es := &EventStream{
		ch:     make(chan stream.Event),
		cancel: cancel,
	}
	go g.produce(streamCtx, es, streamer, providerName, cred, req)
	return es, nil
}

// produce runs one chat turn: open the provider stream, decode events
// onto the channel, and recover per the retry policy. Auth failures
// get one refresh-and-retry; transient failures get the backoff
// budget; a mid-stream drop restarts the turn once with prior partial
// output marked superseded.
func (g *Gateway) produce(ctx context.Context, es *EventStream, streamer provider.Streamer, providerName string, cred *models.Credential, req provider.ChatRequest) {
	defer close(es.ch)

	cred, err := g.ensureFresh(ctx, providerName, cred)
	if err != nil {
		g.emitTerminal(ctx, es, 1, err)
		return
	}

	authAttempts := 0
	restarts := 0
	lastSeq := 0

	for {
		resp, err := g.retry.Do(ctx, func() (*http.Response, error) {
			return streamer.OpenStream(ctx, cred, req)
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			switch retry.Classify(signalFor(err, false)) {
			case retry.ClassAuth:
				authAttempts++
				if authAttempts <= 1 {
					refreshed, rerr := g.refreshForRetry(ctx, providerName, cred)
					if rerr != nil {
						g.emitTerminal(ctx, es, lastSeq+1, rerr)
						return
					}
					cred = refreshed
					continue
				}
				g.emitTerminal(ctx, es, lastSeq+1, &AuthError{Key: cred.Key(), Err: err})
			case retry.ClassTransientNetwork:
				g.emitTerminal(ctx, es, lastSeq+1, &TransientNetworkError{Err: err})
			default:
				g.emitTerminal(ctx, es, lastSeq+1, &FatalProviderError{Err: err})
			}
			return
		}

		lastSeq, err = g.pump(ctx, es, resp, streamer.Mapping(), lastSeq)
		if err == nil || ctx.Err() != nil {
			return
		}

		// The connection dropped after partial delivery.
		restarts++
		if restarts > 1 {
			g.emitTerminal(ctx, es, lastSeq+1, &StreamInterruptedError{Err: err})
			return
		}
		log.Printf("🔄 Stream for %s interrupted (%v), restarting turn", cred.Key(), err)
		lastSeq++
		if !g.emit(ctx, es, stream.Event{
			Kind:       stream.KindError,
			Sequence:   lastSeq,
			Err:        "stream interrupted, restarting turn; prior partial output is superseded",
			Superseded: true,
		}) {
			return
		}
	}
}

// pump decodes one provider response onto the channel. It returns the
// last delivered sequence and a non-nil error only for a mid-stream
// transport failure; normal completion (terminal event delivered)
// returns a nil error.
func (g *Gateway) pump(ctx context.Context, es *EventStream, resp *http.Response, table stream.MappingTable, startSeq int) (int, error) {
	defer resp.Body.Close()

	// Close the body on cancellation so a blocked read returns.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			resp.Body.Close()
		case <-watchDone:
		}
	}()

	dec := stream.NewDecoder(resp.Body, table, startSeq)
	for {
		ev, err := dec.Next()
		if err == io.EOF {
			return dec.LastSequence(), nil
		}
		if err != nil {
			return dec.LastSequence(), err
		}
		if !g.emit(ctx, es, ev) {
			return dec.LastSequence(), nil
		}
	}
}

// emit delivers one event, honoring cancellation. Returns false when
// the stream context ended before delivery.
func (g *Gateway) emit(ctx context.Context, es *EventStream, ev stream.Event) bool {
	select {
	case es.ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// emitTerminal renders an exhausted-recovery error as the stream's
// single terminal event.
func (g *Gateway) emitTerminal(ctx context.Context, es *EventStream, seq int, err error) {
	g.emit(ctx, es, stream.Event{
		Kind:     stream.KindError,
		Sequence: seq,
		Err:      err.Error(),
		Terminal: true,
	})
}
