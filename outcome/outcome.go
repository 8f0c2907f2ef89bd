// Package outcome determines who won a match and what amounts move. It is
// a pure function of the two players' results; the settlement core feeds
// its output straight into the proposal builder.
package outcome

import "github.com/guess5/escrow"

// Fee schedule in basis points.
const (
	// DefaultFeeBps is the operator fee on a normal winning match (5%).
	DefaultFeeBps = 500
	// TimeoutFeeBps applies on timeout draw-style outcomes (5%).
	TimeoutFeeBps = 500
	// DrawPartialRefundBps is the fee on losing ties: both failed, each
	// gets a 95% refund.
	DrawPartialRefundBps = 500
	// DrawFullRefundBps is the fee on perfect ties (0%): identical solved
	// results refund in full.
	DrawFullRefundBps = 0
	// NoPlayFeeBps applies when both players deposited but the match never
	// resolved (10%).
	NoPlayFeeBps = 1000
)

// PlayerResult is one player's final game result.
type PlayerResult struct {
	Player    string
	Solved    bool
	Guesses   int
	TotalTime int // seconds
}

// Result is the settlement intent derived from two player results.
type Result struct {
	// Winner is empty on a tie.
	Winner string
	Tie    bool
	// PerfectTie means both players solved with identical guesses and time;
	// refunds are then fee-free.
	PerfectTie bool

	// WinnerAmount and FeeAmount are set for a winner outcome.
	WinnerAmount uint64
	FeeAmount    uint64
	// RefundAmount is the per-player refund for tie outcomes.
	RefundAmount uint64
}

// Determine picks a winner from two results and computes the amounts for an
// entry fee of entryFee lamports each (pot = 2x).
//
// Solved beats unsolved. Both solved: fewer guesses wins, then less total
// time. Identical results are a perfect tie (full refund). Both failed is a
// losing tie (95% refund each).
func Determine(a, b PlayerResult, entryFee uint64) Result {
	pot := entryFee * 2

	winner := ""
	switch {
	case a.Solved && !b.Solved:
		winner = a.Player
	case b.Solved && !a.Solved:
		winner = b.Player
	case a.Solved && b.Solved:
		switch {
		case a.Guesses < b.Guesses:
			winner = a.Player
		case b.Guesses < a.Guesses:
			winner = b.Player
		case a.TotalTime < b.TotalTime:
			winner = a.Player
		case b.TotalTime < a.TotalTime:
			winner = b.Player
		}
	}

	if winner != "" {
		fee := escrow.FeeBps(pot, DefaultFeeBps)
		return Result{
			Winner:       winner,
			WinnerAmount: pot - fee,
			FeeAmount:    fee,
		}
	}

	if a.Solved && b.Solved {
		// Perfect tie: identical guesses and time.
		return Result{Tie: true, PerfectTie: true, RefundAmount: entryFee - escrow.FeeBps(entryFee, DrawFullRefundBps)}
	}
	// Losing tie: both failed.
	return Result{Tie: true, RefundAmount: entryFee - escrow.FeeBps(entryFee, DrawPartialRefundBps)}
}

// NoPlayRefund is the per-player refund when both deposited but the game
// never resolved.
func NoPlayRefund(entryFee uint64) uint64 {
	return entryFee - escrow.FeeBps(entryFee, NoPlayFeeBps)
}

// TimeoutRefund is the per-player refund when a funded match timed out
// before or during play without a decidable winner.
func TimeoutRefund(entryFee uint64) uint64 {
	return entryFee - escrow.FeeBps(entryFee, TimeoutFeeBps)
}
