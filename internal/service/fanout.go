package service

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/otcsettle/internal/crypto"
	"github.com/alanyoungcy/otcsettle/internal/domain"
	"github.com/alanyoungcy/otcsettle/internal/metrics"
)

// BatchHeader is appended to "<event stream>:batches" after each published
// run of events so consumers can check the run against the operator key.
type BatchHeader struct {
	FromSeq   uint64 `json:"from_seq"`
	ToSeq     uint64 `json:"to_seq"`
	Root      string `json:"root"`
	Signer    string `json:"signer"`
	Signature string `json:"sig"`
}

// fanoutPlan is everything delivered after a commit. It is computed while
// the engine is locked and delivered after.
type fanoutPlan struct {
	events  []domain.Event
	encoded [][]byte
	buyers  []domain.BuyerReputation
	makers  []domain.MakerReputation
}

// planFanout must be called with mu held.
func (s *Settlement) planFanout(events []domain.Event, now time.Time) fanoutPlan {
	plan := fanoutPlan{events: events}
	if len(events) == 0 {
		return plan
	}

	plan.encoded = make([][]byte, 0, len(events))
	touched := make(map[domain.AccountID]bool)
	for _, ev := range events {
		raw, err := json.Marshal(ev)
		if err != nil {
			s.logger.Error("encode event", slog.Uint64("seq", ev.Seq), slog.String("error", err.Error()))
			raw = nil
		}
		plan.encoded = append(plan.encoded, raw)
		metrics.EventsTotal.WithLabelValues(string(ev.Kind)).Inc()

		for _, a := range []domain.AccountID{ev.Account, ev.Counterparty} {
			if a != "" && strings.HasPrefix(string(a), "0x") {
				touched[a] = true
			}
		}
	}

	if s.deps.Reputation != nil {
		for a := range touched {
			plan.buyers = append(plan.buyers, s.eng.BuyerReputation(a, now))
			plan.makers = append(plan.makers, s.eng.MakerReputation(a, now))
		}
	}
	return plan
}

// fanout delivers a plan. Failures are logged and counted; the commit they
// follow is already durable.
func (s *Settlement) fanout(ctx context.Context, plan fanoutPlan) {
	if len(plan.events) == 0 {
		return
	}

	if bus := s.deps.Bus; bus != nil {
		for i, raw := range plan.encoded {
			if raw == nil {
				continue
			}
			if s.opts.EventStream != "" {
				if _, err := bus.StreamAppend(ctx, s.opts.EventStream, raw); err != nil {
					s.fanoutFailed("stream", plan.events[i], err)
				}
			}
			if s.opts.EventChannel != "" {
				if err := bus.Publish(ctx, s.opts.EventChannel, raw); err != nil {
					s.fanoutFailed("pubsub", plan.events[i], err)
				}
			}
		}
		s.publishHeader(ctx, plan)
	}

	if cache := s.deps.Reputation; cache != nil {
		for _, b := range plan.buyers {
			if err := cache.SetBuyer(ctx, b); err != nil {
				metrics.FanoutFailures.WithLabelValues("cache").Inc()
				s.logger.Warn("reputation cache write", slog.String("account", string(b.Account)), slog.String("error", err.Error()))
			}
		}
		for _, m := range plan.makers {
			if err := cache.SetMaker(ctx, m); err != nil {
				metrics.FanoutFailures.WithLabelValues("cache").Inc()
				s.logger.Warn("reputation cache write", slog.String("account", string(m.Account)), slog.String("error", err.Error()))
			}
		}
	}

	if n := s.deps.Notifier; n != nil {
		for _, ev := range plan.events {
			if err := n.NotifyEvent(ctx, ev); err != nil {
				s.fanoutFailed("notify", ev, err)
			}
		}
	}
}

func (s *Settlement) fanoutFailed(sink string, ev domain.Event, err error) {
	metrics.FanoutFailures.WithLabelValues(sink).Inc()
	s.logger.Warn("event fan-out failed",
		slog.String("sink", sink),
		slog.Uint64("seq", ev.Seq),
		slog.String("kind", string(ev.Kind)),
		slog.String("error", err.Error()),
	)
}

func (s *Settlement) publishHeader(ctx context.Context, plan fanoutPlan) {
	if s.deps.Signer == nil || s.opts.EventStream == "" {
		return
	}
	b := crypto.EventBatch{
		FromSeq: plan.events[0].Seq,
		ToSeq:   plan.events[len(plan.events)-1].Seq,
		Root:    EventRoot(plan.encoded),
	}
	sig, err := s.deps.Signer.SignBatch(b)
	if err != nil {
		s.fanoutFailed("stream", plan.events[0], err)
		return
	}
	raw, err := json.Marshal(BatchHeader{
		FromSeq:   b.FromSeq,
		ToSeq:     b.ToSeq,
		Root:      b.Root.Hex(),
		Signer:    strings.ToLower(s.deps.Signer.Address().Hex()),
		Signature: sig,
	})
	if err != nil {
		s.fanoutFailed("stream", plan.events[0], err)
		return
	}
	if _, err := s.deps.Bus.StreamAppend(ctx, s.opts.EventStream+":batches", raw); err != nil {
		s.fanoutFailed("stream", plan.events[0], err)
	}
}

// EventRoot chains the hashes of encoded events:
// root = keccak(...keccak(keccak(0 || h1) || h2)... || hn).
func EventRoot(encoded [][]byte) common.Hash {
	var root common.Hash
	for _, raw := range encoded {
		root = common.BytesToHash(ethcrypto.Keccak256(root.Bytes(), ethcrypto.Keccak256(raw)))
	}
	return root
}
