package room

import (
	"context"
	"errors"
	"fmt"

	"github.com/kabili207/feedroom/core/clock"
	"github.com/kabili207/feedroom/core/dedupe"
	"github.com/kabili207/feedroom/core/feed"
	"github.com/kabili207/feedroom/core/message"
	"github.com/kabili207/feedroom/core/retry"
	"github.com/kabili207/feedroom/transport"
)

// SendMessage uploads text and appends it to the local user's feed. The
// message appears in Messages once the fan-in reads it back. If that does
// not happen within the send timeout it is written again.
func (r *Room) SendMessage(ctx context.Context, text string) error {
	if r.cfg.Signer == nil {
		return ErrNoIdentity
	}
	self := r.Self()
	if self == nil {
		return ErrNotRegistered
	}

	msg := message.Data{
		Message:   text,
		Username:  self.Username,
		Address:   self.Address,
		Timestamp: r.clk.NowUnique(),
	}
	data, err := msg.Encode()
	if err != nil {
		return err
	}

	var ref transport.Reference
	err = r.retry(ctx, func() error {
		ref, err = r.cfg.Store.Upload(ctx, data, r.cfg.Stamp)
		return err
	})
	if err != nil {
		return fmt.Errorf("uploading message: %w", err)
	}

	// Recorded before the write so a fan-in that reads it back at once
	// still finds the entry.
	key := dedupe.CalculateKey(msg.Timestamp, msg.Message)
	r.outbox.Add(key, ref, clock.Time(r.clk.Now()))

	if err := r.appendOwn(ctx, ref); err != nil {
		r.outbox.Drop(key)
		return fmt.Errorf("sending message: %w", err)
	}
	r.metrics.sent.Inc()
	return nil
}

// ResendUnconfirmed re-appends own messages the fan-in has not read back
// within the send timeout. Messages out of re-writes are dropped with a
// warning. Start runs it on the message poll interval.
func (r *Room) ResendUnconfirmed(ctx context.Context) error {
	resend, expired := r.outbox.Due(clock.Time(r.clk.Now()))
	for _, e := range expired {
		r.log.Warn("sent message never observed", "key", e.Key, "writes", e.Writes)
	}

	var errs []error
	for _, e := range resend {
		if err := r.appendOwn(ctx, e.Item); err != nil {
			errs = append(errs, fmt.Errorf("re-writing %s: %w", e.Key, err))
			continue
		}
		r.log.Debug("re-wrote unobserved message", "key", e.Key, "writes", e.Writes)
	}
	return errors.Join(errs...)
}

// appendOwn writes ref at the next slot of the local user's feed. Writes
// go one at a time through the indexed send queue.
func (r *Room) appendOwn(ctx context.Context, ref transport.Reference) error {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	r.sendQueue.Enqueue(func(index string) error {
		i, err := feed.ParseIndex(index)
		if err != nil {
			return err
		}
		return r.retry(ctx, func() error {
			_, err := r.cfg.Store.WriteFeed(ctx, r.cfg.Signer, r.messagesTopic, &i, ref, r.cfg.Stamp)
			if transport.IsSlotTaken(err) {
				return retry.Permanent(err)
			}
			return err
		})
	})
	err := r.sendQueue.Flush(ctx)
	if err != nil && !transport.IsTimeout(err) {
		// The slot may have been taken by an earlier process using the
		// same key; move to the real head before the next send.
		if next, perr := r.probeCursor(ctx, r.cfg.Signer.Address()); perr == nil {
			r.sendQueue.SetIndex(next)
		}
	}
	return err
}
