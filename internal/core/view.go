package core

import (
	"fmt"
	"strings"
)

// View is the rendered state of an operation handed to notification sinks.
type View struct {
	OperationID int64
	Kind        Kind
	Status      Status
	Outcome     Outcome
	Terminal    bool
	Text        string
}

// Names resolves user ids to display names for rendering.
type Names map[int64]string

func (n Names) of(id int64) string {
	if name, ok := n[id]; ok && name != "" {
		return name
	}
	return fmt.Sprintf("user #%d", id)
}

func (n Names) list(ids []int64) string {
	if len(ids) == 0 {
		return "-"
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = n.of(id)
	}
	return strings.Join(out, ", ")
}

// Render produces the view of an operation in its current state.
func Render(op Operation, names Names) View {
	v := View{
		OperationID: op.ID,
		Kind:        op.Kind,
		Status:      op.Status,
		Outcome:     op.Outcome,
		Terminal:    op.Status.IsTerminal(),
	}
	switch op.Kind {
	case KindBallot:
		v.Text = renderBallot(op, names)
	default:
		v.Text = renderCommunism(op, names)
	}
	return v
}

func renderCommunism(op Operation, names Names) string {
	creator := names.of(op.CreatorID)
	switch op.Outcome {
	case OutcomeAbandoned:
		return "Everyone left, the communism died"
	case OutcomeCancelled:
		return fmt.Sprintf("Communism by %s canceled", creator)
	case OutcomeExpired:
		return fmt.Sprintf("Communism by %s expired after inactivity", creator)
	}

	members := make([]string, 0, len(op.Participants))
	for _, p := range op.Participants {
		if p.Quantity > 1 {
			members = append(members, fmt.Sprintf("%s (x%d)", names.of(p.UserID), p.Quantity))
		} else {
			members = append(members, names.of(p.UserID))
		}
	}
	communists := "-"
	if len(members) > 0 {
		communists = strings.Join(members, ", ")
	}
	return fmt.Sprintf("Communism by %s\nAmount: %s\nReason: %s\nExterns: %d\nCommunists: %s\n",
		creator, Money{Cents: op.Amount}, op.Description, op.Externals, communists)
}

// RenderSettlement describes a finalized communism.
func RenderSettlement(op Operation, s Settlement, names Names) View {
	creator := names.of(op.CreatorID)
	var b strings.Builder
	fmt.Fprintf(&b, "Communism by %s\n", creator)
	for _, sh := range s.Shares {
		fmt.Fprintf(&b, "%s paid %s\n", names.of(sh.UserID), Money{Cents: sh.Amount})
	}
	fmt.Fprintf(&b, "%s received %s\n", creator, Money{Cents: s.CreatorNet})
	if op.Externals > 0 {
		fmt.Fprintf(&b, "%s has to be collected from %d externs\n", Money{Cents: s.ExternalsTotal}, op.Externals)
	}
	fmt.Fprintf(&b, "Description: %s", op.Description)
	return View{
		OperationID: op.ID,
		Kind:        op.Kind,
		Status:      op.Status,
		Outcome:     op.Outcome,
		Terminal:    true,
		Text:        b.String(),
	}
}

func renderBallot(op Operation, names Names) string {
	var yes, no, abstain []int64
	for _, v := range op.Votes {
		switch {
		case v.Value > 0:
			yes = append(yes, v.UserID)
		case v.Value < 0:
			no = append(no, v.UserID)
		default:
			abstain = append(abstain, v.UserID)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Ballot by %s\nQuestion: %s\n", names.of(op.CreatorID), op.Description)
	if op.Amount > 0 {
		fmt.Fprintf(&b, "Refund: %s\n", Money{Cents: op.Amount})
	}
	if op.Restricted {
		b.WriteString("Restricted to privileged users\n")
	}
	fmt.Fprintf(&b, "Approve: %s\nDisapprove: %s\nAbstain: %s\n", names.list(yes), names.list(no), names.list(abstain))
	switch op.Outcome {
	case OutcomePassed:
		b.WriteString("Result: accepted")
	case OutcomeRejected:
		b.WriteString("Result: rejected")
	case OutcomeCancelled:
		b.WriteString("Result: canceled")
	case OutcomeExpired:
		b.WriteString("Result: expired after inactivity")
	default:
		fmt.Fprintf(&b, "Mode: %s, threshold %d", op.TallyMode, op.Threshold)
	}
	return b.String()
}
