package outcome

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const fee = uint64(100_000_000) // 0.1 SOL

func TestSolvedBeatsUnsolved(t *testing.T) {
	r := Determine(
		PlayerResult{Player: "A", Solved: true, Guesses: 5},
		PlayerResult{Player: "B", Solved: false, Guesses: 5},
		fee,
	)
	require.Equal(t, "A", r.Winner)
	require.False(t, r.Tie)
	// 95/5 split of a 0.2 SOL pot.
	require.Equal(t, uint64(190_000_000), r.WinnerAmount)
	require.Equal(t, uint64(10_000_000), r.FeeAmount)
	require.Equal(t, r.WinnerAmount+r.FeeAmount, fee*2, "conservation")
}

func TestFewerGuessesWins(t *testing.T) {
	r := Determine(
		PlayerResult{Player: "A", Solved: true, Guesses: 4, TotalTime: 100},
		PlayerResult{Player: "B", Solved: true, Guesses: 3, TotalTime: 200},
		fee,
	)
	require.Equal(t, "B", r.Winner)
}

func TestTimeBreaksGuessTie(t *testing.T) {
	r := Determine(
		PlayerResult{Player: "A", Solved: true, Guesses: 3, TotalTime: 90},
		PlayerResult{Player: "B", Solved: true, Guesses: 3, TotalTime: 120},
		fee,
	)
	require.Equal(t, "A", r.Winner)
}

func TestPerfectTieRefundsInFull(t *testing.T) {
	r := Determine(
		PlayerResult{Player: "A", Solved: true, Guesses: 3, TotalTime: 100},
		PlayerResult{Player: "B", Solved: true, Guesses: 3, TotalTime: 100},
		fee,
	)
	require.True(t, r.Tie)
	require.True(t, r.PerfectTie)
	require.Equal(t, fee, r.RefundAmount)
}

func TestLosingTieRefunds95Percent(t *testing.T) {
	r := Determine(
		PlayerResult{Player: "A", Solved: false, Guesses: 5},
		PlayerResult{Player: "B", Solved: false, Guesses: 5},
		fee,
	)
	require.True(t, r.Tie)
	require.False(t, r.PerfectTie)
	require.Equal(t, uint64(95_000_000), r.RefundAmount)
}

func TestNoPlayRefundKeeps10PercentFee(t *testing.T) {
	require.Equal(t, uint64(90_000_000), NoPlayRefund(fee))
}
