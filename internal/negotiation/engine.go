package negotiation

import (
	"math/rand"

	"github.com/ajisai-dev/coachbot/internal/config"
	"github.com/ajisai-dev/coachbot/internal/domain"
)

// Verdict is the engine's decision about how the session proceeds.
type Verdict int

const (
	// VerdictFinalize closes the session as agreed at Decision.Offer.
	VerdictFinalize Verdict = iota
	// VerdictCancel closes the session as cancelled.
	VerdictCancel
	// VerdictConcede lowers the offer to Decision.Offer.
	VerdictConcede
	// VerdictHold keeps the current offer on the table.
	VerdictHold
)

// Decision is the result of evaluating a user reply against session state.
type Decision struct {
	Verdict Verdict
	// Offer is the price on the table after this decision: the final price
	// for VerdictFinalize, the new offer for VerdictConcede, the held
	// offer for VerdictHold. Zero for VerdictCancel.
	Offer int
	// ConcessionsUsed is the updated concession count.
	ConcessionsUsed int
	// Final marks the offer as non-negotiable (no concessions remain or
	// the hard floor has been reached).
	Final  bool
	Intent Intent
}

// Engine computes offer decisions. Pure computation, no I/O; randomness for
// the stall branch comes from an injected source so tests can pin it.
type Engine struct {
	maxConcessions int
	rungs          []int
	stallChance    float64
	rng            *rand.Rand
}

// NewEngine builds an engine from validated pricing parameters.
func NewEngine(pricing config.Pricing, rng *rand.Rand) *Engine {
	rungs := make([]int, len(pricing.Rungs))
	copy(rungs, pricing.Rungs)
	return &Engine{
		maxConcessions: pricing.MaxConcessions,
		rungs:          rungs,
		stallChance:    pricing.StallChance,
		rng:            rng,
	}
}

// Decide evaluates the user's latest reply against the open session state.
// It never produces an offer below the session's hard floor and never grants
// more than the configured number of concessions.
func (e *Engine) Decide(sess *domain.NegotiationSession, text string) Decision {
	intent, amount := Classify(text)

	switch intent {
	case IntentDecline:
		return Decision{
			Verdict:         VerdictCancel,
			ConcessionsUsed: sess.ConcessionsUsed,
			Intent:          intent,
		}

	case IntentAccept:
		return Decision{
			Verdict:         VerdictFinalize,
			Offer:           sess.CurrentOffer,
			ConcessionsUsed: sess.ConcessionsUsed,
			Intent:          intent,
		}

	case IntentCounterOffer:
		return e.decideCounter(sess, amount, intent)

	default:
		return e.decideStall(sess, intent)
	}
}

func (e *Engine) decideCounter(sess *domain.NegotiationSession, amount int, intent Intent) Decision {
	// A matching or exceeding number closes at the current offer.
	if amount >= sess.CurrentOffer {
		return Decision{
			Verdict:         VerdictFinalize,
			Offer:           sess.CurrentOffer,
			ConcessionsUsed: sess.ConcessionsUsed,
			Intent:          intent,
		}
	}

	if sess.ConcessionsUsed >= e.maxConcessions {
		return Decision{
			Verdict:         VerdictHold,
			Offer:           sess.CurrentOffer,
			ConcessionsUsed: sess.ConcessionsUsed,
			Final:           true,
			Intent:          intent,
		}
	}

	next := e.nextOffer(sess, amount)
	if next >= sess.CurrentOffer {
		// No room left between the current offer and the hard floor.
		return Decision{
			Verdict:         VerdictHold,
			Offer:           sess.CurrentOffer,
			ConcessionsUsed: sess.ConcessionsUsed,
			Final:           true,
			Intent:          intent,
		}
	}

	used := sess.ConcessionsUsed + 1
	return Decision{
		Verdict:         VerdictConcede,
		Offer:           next,
		ConcessionsUsed: used,
		Final:           next == sess.HardFloor || used >= e.maxConcessions,
		Intent:          intent,
	}
}

// nextOffer picks the price granted for a counter-offer strictly below the
// current one. The user's number is met directly when it sits above the next
// ladder rung; otherwise the ladder rung closest to the counter from above
// the hard floor is used. The result never drops below the hard floor.
func (e *Engine) nextOffer(sess *domain.NegotiationSession, counter int) int {
	nextRung := sess.HardFloor
	for _, rung := range e.rungs {
		if rung < sess.CurrentOffer {
			nextRung = rung
			break
		}
	}

	if counter > nextRung {
		return clampFloor(counter, sess.HardFloor)
	}

	offer := sess.HardFloor
	for _, rung := range e.rungs {
		if rung < sess.CurrentOffer && rung <= counter {
			offer = rung
			break
		}
	}
	return clampFloor(offer, sess.HardFloor)
}

// decideStall handles objections with no clear number or accept/decline
// signal: occasionally a micro-concession one rung down, otherwise a hold
// with persuasive framing. The floor and concession-count invariants apply
// unchanged.
func (e *Engine) decideStall(sess *domain.NegotiationSession, intent Intent) Decision {
	exhausted := sess.ConcessionsUsed >= e.maxConcessions
	atFloor := sess.CurrentOffer <= sess.HardFloor

	if !exhausted && !atFloor && e.rng.Float64() < e.stallChance {
		next := e.rungBelow(sess)
		if next < sess.CurrentOffer {
			used := sess.ConcessionsUsed + 1
			return Decision{
				Verdict:         VerdictConcede,
				Offer:           next,
				ConcessionsUsed: used,
				Final:           next == sess.HardFloor || used >= e.maxConcessions,
				Intent:          intent,
			}
		}
	}

	return Decision{
		Verdict:         VerdictHold,
		Offer:           sess.CurrentOffer,
		ConcessionsUsed: sess.ConcessionsUsed,
		Final:           exhausted || atFloor,
		Intent:          intent,
	}
}

// rungBelow returns the first ladder rung under the current offer, clamped
// to the hard floor. Used for stall micro-concessions.
func (e *Engine) rungBelow(sess *domain.NegotiationSession) int {
	for _, rung := range e.rungs {
		if rung < sess.CurrentOffer {
			return clampFloor(rung, sess.HardFloor)
		}
	}
	return sess.HardFloor
}

func clampFloor(price, floor int) int {
	if price < floor {
		return floor
	}
	return price
}
