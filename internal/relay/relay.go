// Package relay routes signaling frames from one connection to one or more
// target connections without persisting message content.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cloudmeetx/meetrelay/internal/metrics"
	"github.com/cloudmeetx/meetrelay/internal/registry"
	"github.com/cloudmeetx/meetrelay/internal/wire"
)

// ErrGone is returned by a Deliverer when the target channel no longer
// exists. It is the only delivery failure that purges the target's
// registry record.
var ErrGone = errors.New("connection gone")

// Deliverer pushes an encoded frame to one connection's channel.
type Deliverer interface {
	Deliver(ctx context.Context, connectionID string, payload []byte) error
}

// Router resolves a SendRequest's target selector against the registry and
// fans the frame out. Fan-out is best-effort per target: a failed delivery
// never aborts the remaining deliveries and is never retried.
type Router struct {
	reg registry.Registry
	d   Deliverer
	log *slog.Logger
	m   *metrics.Metrics
	now func() time.Time
}

func NewRouter(reg registry.Registry, d Deliverer, log *slog.Logger, m *metrics.Metrics) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{reg: reg, d: d, log: log, m: m, now: time.Now}
}

// Route relays req's payload from senderConnID to the connection(s) its
// selector picks out.
//
// The only error Route returns is malformed input (the request failing
// Validate) or a registry failure during target resolution. Per-target
// delivery failures are absorbed into the receipt.
func (r *Router) Route(ctx context.Context, senderConnID string, req wire.SendRequest) (wire.Receipt, error) {
	if err := req.Validate(); err != nil {
		return wire.Receipt{}, err
	}
	r.m.Inc(metrics.FramesRouted)

	// The sender's record is read once, to stamp identity. A missing record
	// degrades to an identity with only the connection id set.
	from := wire.Identity{ConnectionID: senderConnID}
	if rec, err := r.reg.Get(ctx, senderConnID); err == nil {
		from.UserID = rec.UserID
		from.UserName = rec.UserName
	} else if !errors.Is(err, registry.ErrNotFound) {
		r.m.Inc(metrics.RegistryErrors)
		r.log.Warn("sender lookup failed", "connection_id", senderConnID, "err", err)
	}

	payload, err := json.Marshal(wire.Frame{
		Type:      req.Type,
		From:      from,
		Data:      req.Data,
		Timestamp: r.now().UTC(),
	})
	if err != nil {
		return wire.Receipt{}, fmt.Errorf("encode frame: %w", err)
	}

	targets, err := r.resolve(ctx, senderConnID, req)
	if err != nil {
		r.m.Inc(metrics.RegistryErrors)
		return wire.Receipt{}, fmt.Errorf("resolve targets: %w", err)
	}

	var sent, failed int
	for _, target := range targets {
		if err := r.d.Deliver(ctx, target, payload); err != nil {
			failed++
			r.m.Inc(metrics.DeliverFailed)
			if errors.Is(err, ErrGone) {
				// Stale connection: lazy purge. This is the registry's only
				// self-healing mechanism; there is no heartbeat.
				r.m.Inc(metrics.StalePurged)
				if derr := r.reg.Delete(ctx, target); derr != nil {
					r.log.Warn("stale purge failed", "connection_id", target, "err", derr)
				} else {
					r.log.Info("purged stale connection", "connection_id", target)
				}
				continue
			}
			r.log.Warn("delivery failed", "connection_id", target, "err", err)
			continue
		}
		sent++
		r.m.Inc(metrics.DeliverOK)
	}

	return wire.NewReceipt(sent, failed), nil
}

// resolve applies the selector precedence: connection id, then user id,
// then meeting broadcast (excluding the sender).
func (r *Router) resolve(ctx context.Context, senderConnID string, req wire.SendRequest) ([]string, error) {
	switch {
	case req.TargetConnectionID != "":
		// Deliberately not checked against the registry; delivery itself
		// decides whether the channel is still there.
		return []string{req.TargetConnectionID}, nil
	case req.TargetUserID != "":
		recs, err := r.reg.FindByUser(ctx, req.TargetUserID)
		if err != nil {
			return nil, err
		}
		return connectionIDs(recs), nil
	default:
		recs, err := r.reg.FindByMeeting(ctx, req.MeetingID, senderConnID)
		if err != nil {
			return nil, err
		}
		return connectionIDs(recs), nil
	}
}

func connectionIDs(recs []registry.Record) []string {
	ids := make([]string, 0, len(recs))
	for _, rec := range recs {
		ids = append(ids, rec.ConnectionID)
	}
	return ids
}
