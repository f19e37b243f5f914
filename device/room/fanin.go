package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kabili207/feedroom/core"
	"github.com/kabili207/feedroom/core/dedupe"
	"github.com/kabili207/feedroom/core/message"
	"github.com/kabili207/feedroom/core/user"
	"github.com/kabili207/feedroom/transport"
)

// PollMessages reads new messages from every active participant's feed.
// Reads run in parallel; not-found and timeouts are skipped. Other read
// failures are counted against the participant and returned together.
func (r *Room) PollMessages(ctx context.Context) error {
	users := r.dir.active()
	if len(users) == 0 {
		return nil
	}

	var mu sync.Mutex
	var errs []error
	for _, u := range users {
		addr := u.Address
		r.readQueue.Enqueue(func(string) error {
			err := r.readUser(ctx, addr)
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := r.readQueue.Flush(ctx); err != nil {
		return err
	}
	return errors.Join(errs...)
}

// readUser reads up to MaxReadsPerPoll messages from addr's feed.
func (r *Room) readUser(ctx context.Context, addr core.Address) error {
	for range r.cfg.MaxReadsPerPoll {
		more, err := r.readNext(ctx, addr)
		if err != nil || !more {
			return err
		}
	}
	return nil
}

// readNext reads the message at addr's cursor. It reports whether the
// caller should keep reading.
func (r *Room) readNext(ctx context.Context, addr core.Address) (bool, error) {
	w, active, ok := r.dir.lookup(addr)
	if !ok || !active {
		return false, nil
	}

	var (
		upd *transport.FeedUpdate
		err error
	)
	if w.Index == user.UnknownIndex {
		// Unknown cursor: start from the message at the feed head.
		upd, err = r.timedRead(ctx, addr, nil)
	} else {
		i := uint64(w.Index)
		upd, err = r.timedRead(ctx, addr, &i)
	}

	switch {
	case err == nil:
	case transport.IsNotFound(err):
		if w.Index == user.UnknownIndex {
			r.dir.advance(addr, w.Index, 0)
		}
		return false, nil
	case transport.IsTimeout(err) && ctx.Err() == nil:
		r.log.Info("feed read timed out", "address", addr.String(), "index", w.Index)
		return false, nil
	default:
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		fails := r.activity.RecordFailure(addr)
		return false, fmt.Errorf("reading feed of %s (failure %d): %w", addr, fails, err)
	}

	if !r.dir.advance(addr, w.Index, int64(upd.NextIndex)) {
		// Another reader moved the cursor first.
		return false, nil
	}

	data, err := r.cfg.Store.Download(ctx, upd.Reference)
	if err != nil {
		// The slot is there but its content is not yet; read it again.
		r.dir.advance(addr, int64(upd.NextIndex), int64(upd.Index))
		if transport.IsNotFound(err) || transport.IsTimeout(err) {
			return false, nil
		}
		r.activity.RecordFailure(addr)
		return false, fmt.Errorf("downloading message of %s: %w", addr, err)
	}

	msg, err := message.Decode(data)
	if err != nil {
		r.log.Debug("dropped invalid message", "address", addr.String(), "index", upd.Index, "error", err)
		return true, nil
	}
	if msg.Address != addr {
		r.log.Debug("dropped message claiming another sender",
			"feed", addr.String(), "claimed", msg.Address.String(), "index", upd.Index)
		return true, nil
	}

	r.activity.Touch(addr, msg.Timestamp)
	if self := r.Self(); self != nil && self.Address == addr {
		r.outbox.Confirm(dedupe.CalculateKey(msg.Timestamp, msg.Message))
	}
	if r.history.Add(*msg) {
		r.metrics.messages.Inc()
		r.events.send(Event{Kind: EventLoadMessage, Messages: r.history.Messages()})
	}
	return true, nil
}

// timedRead reads a feed slot under the adaptive timeout and records the
// latency of successful reads.
func (r *Room) timedRead(ctx context.Context, addr core.Address, index *uint64) (*transport.FeedUpdate, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout.Timeout())
	defer cancel()

	start := time.Now()
	upd, err := r.cfg.Store.ReadFeed(ctx, addr, r.messagesTopic, index)
	elapsed := time.Since(start)

	r.metrics.feedRead("messages", err)
	if err == nil {
		r.timeout.Observe(elapsed)
		r.metrics.readLatency.Observe(elapsed.Seconds())
	}
	return upd, err
}
