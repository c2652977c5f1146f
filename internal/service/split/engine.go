package split

import (
	"fmt"
	"math"
)

// BillItem is one billable line supplied by the order collaborator.
type BillItem struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Subtotal float64 `json:"subtotal"`
}

// ComputeInput feeds one pure recomputation. PaidPercentTotal carries the
// historical percentages of participants who already paid this round, since
// they are no longer in Participants but still count toward the 100% sum.
type ComputeInput struct {
	SplitType        SplitType
	TotalAmount      float64
	Participants     []string
	Percentages      map[string]float64
	Amounts          map[string]float64
	ItemAssignments  map[string]string // itemID -> guestSessionID
	Items            []BillItem
	PaidPercentTotal float64
	RequesterID      string
}

type ComputeResult struct {
	SplitType    SplitType // effective type; BY_ITEMS falls back to EQUAL on trivial bills
	SplitAmounts map[string]float64
	// ItemAssignments is the resolved per-item assignee for BY_ITEMS, with
	// defaulted items pinned to their effective owner.
	ItemAssignments map[string]string
	IsValid         bool
	Warnings        []string
	Errors          []string
	PayBlocked      map[string]bool
}

// Compute is the validation engine: side-effect free, deterministic for a
// given input. It never mutates the maps it is given.
func Compute(in ComputeInput) ComputeResult {
	res := ComputeResult{
		SplitType:    in.SplitType,
		SplitAmounts: make(map[string]float64, len(in.Participants)),
		PayBlocked:   make(map[string]bool, len(in.Participants)),
	}

	if len(in.Participants) == 0 {
		res.Errors = append(res.Errors, "at least one participant is required")
		return res
	}
	if in.TotalAmount <= 0 {
		res.Errors = append(res.Errors, "no outstanding balance to split")
		return res
	}

	switch in.SplitType {
	case TypeEqual:
		computeEqual(in, &res)
	case TypeByPercentage:
		computeByPercentage(in, &res)
	case TypeByAmount:
		computeByAmount(in, &res)
	case TypeByItems:
		// Item-level splitting is meaningless with a single item.
		if len(in.Items) <= 1 {
			res.SplitType = TypeEqual
			res.Warnings = append(res.Warnings, "item split unavailable for a single-item bill, using equal split")
			computeEqual(in, &res)
		} else {
			computeByItems(in, &res)
		}
	default:
		res.Errors = append(res.Errors, fmt.Sprintf("unknown split type %q", in.SplitType))
		return res
	}

	for _, p := range in.Participants {
		amt := res.SplitAmounts[p]
		res.PayBlocked[p] = amt <= 0 || amt > in.TotalAmount+SumTolerance
	}
	return res
}

func computeEqual(in ComputeInput, res *ComputeResult) {
	n := len(in.Participants)
	share := round2(in.TotalAmount / float64(n))
	for _, p := range in.Participants {
		res.SplitAmounts[p] = share
	}
	// Cent remainder lands on the first participant so the shares always
	// sum back to the balance.
	remainder := round2(in.TotalAmount - share*float64(n))
	if remainder != 0 {
		first := in.Participants[0]
		res.SplitAmounts[first] = round2(res.SplitAmounts[first] + remainder)
	}
	res.IsValid = true
}

func computeByPercentage(in ComputeInput, res *ComputeResult) {
	var current float64
	for _, p := range in.Participants {
		current += in.Percentages[p]
	}
	sum := current + in.PaidPercentTotal

	// The balance shrank as earlier payers were removed, so the remaining
	// percentages are applied against the grossed-up round total. With no
	// payments yet this is exactly totalAmount * pct / 100.
	base := in.TotalAmount
	if in.PaidPercentTotal > 0 && in.PaidPercentTotal < 100 {
		base = in.TotalAmount * 100 / (100 - in.PaidPercentTotal)
	}
	for _, p := range in.Participants {
		res.SplitAmounts[p] = round2(base * in.Percentages[p] / 100)
	}

	switch {
	case sum > PercentageCeil:
		res.Errors = append(res.Errors, fmt.Sprintf("percentages exceed 100%% by %s%%", trimFloat(sum-100)))
	case sum < PercentageFloor:
		res.Warnings = append(res.Warnings, fmt.Sprintf("add %s%% more to reach 100%%", trimFloat(100-sum)))
	default:
		res.IsValid = true
		distributeRemainder(in.TotalAmount, in.Participants, res.SplitAmounts)
	}
}

func computeByAmount(in ComputeInput, res *ComputeResult) {
	var sum float64
	for _, p := range in.Participants {
		amt := in.Amounts[p]
		res.SplitAmounts[p] = round2(amt)
		sum += amt
	}
	sum = round2(sum)

	switch {
	case sum < in.TotalAmount-AmountUndershootSlack:
		res.Warnings = append(res.Warnings, fmt.Sprintf("add %.2f more to cover the bill", in.TotalAmount-sum))
	case sum > in.TotalAmount+AmountOvershootSlack:
		res.Errors = append(res.Errors, fmt.Sprintf("entered amounts exceed the bill by %.2f", sum-in.TotalAmount))
	default:
		res.IsValid = true
	}
}

func computeByItems(in ComputeInput, res *ComputeResult) {
	members := make(map[string]bool, len(in.Participants))
	for _, p := range in.Participants {
		members[p] = true
		res.SplitAmounts[p] = 0
	}
	res.ItemAssignments = make(map[string]string, len(in.Items))

	var sum float64
	for _, item := range in.Items {
		assignee := in.ItemAssignments[item.ID]
		if !members[assignee] {
			// Unassigned (or stale-assignee) items default to the requester.
			assignee = in.RequesterID
		}
		if !members[assignee] {
			res.Errors = append(res.Errors, fmt.Sprintf("item %q has no valid assignee", item.Name))
			continue
		}
		res.ItemAssignments[item.ID] = assignee
		res.SplitAmounts[assignee] = round2(res.SplitAmounts[assignee] + item.Subtotal)
		sum += item.Subtotal
	}

	if len(res.Errors) == 0 && math.Abs(sum-in.TotalAmount) <= SumTolerance {
		res.IsValid = true
	} else if len(res.Errors) == 0 {
		res.Warnings = append(res.Warnings, fmt.Sprintf("assigned items cover %.2f of %.2f", sum, in.TotalAmount))
	}
}

// distributeRemainder pins the rounded shares back onto the exact balance by
// handing the residual cent(s) to the first participant in order.
func distributeRemainder(total float64, participants []string, amounts map[string]float64) {
	var sum float64
	for _, p := range participants {
		sum += amounts[p]
	}
	diff := round2(total - sum)
	if diff == 0 || math.Abs(diff) > 0.05 {
		return
	}
	first := participants[0]
	amounts[first] = round2(amounts[first] + diff)
}

// PaidPercentSum totals the stored percentage snapshots of already-paid
// participants.
func PaidPercentSum(paid map[string]float64) float64 {
	var sum float64
	for _, v := range paid {
		sum += v
	}
	return sum
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// trimFloat renders a percentage delta without trailing zeros ("1" instead
// of "1.00", "0.5" instead of "0.50").
func trimFloat(v float64) string {
	s := fmt.Sprintf("%.2f", math.Abs(v))
	for len(s) > 0 && s[len(s)-1] == '0' {
		s = s[:len(s)-1]
	}
	if len(s) > 0 && s[len(s)-1] == '.' {
		s = s[:len(s)-1]
	}
	return s
}
