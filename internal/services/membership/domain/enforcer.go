package domain

// RepairAction is the outcome of inspecting a project after a deletion.
type RepairAction int

const (
	// RepairNone means the project still has an ACCEPTED admin.
	RepairNone RepairAction = iota
	// RepairLastMemberDeleted means no ACCEPTED memberships remain.
	RepairLastMemberDeleted
	// RepairPromote means ACCEPTED members remain but none is an admin.
	RepairPromote
)

// RepairDecision describes how to restore the project-admin invariant.
type RepairDecision struct {
	Action    RepairAction
	PromoteID string
}

// DecideRepair inspects the ACCEPTED memberships remaining in a project
// after a deletion and decides whether the admin invariant needs repair.
//
// When no admin survives, one remaining member is chosen by pick over the
// remaining set; any survivor may be chosen with non-zero probability. The
// decision must be applied in the same transaction that performed the
// deletion so concurrent deletions cannot both observe "no admin".
func DecideRepair(remaining []Membership, pick func(n int) int) RepairDecision {
	if len(remaining) == 0 {
		return RepairDecision{Action: RepairLastMemberDeleted}
	}
	for _, m := range remaining {
		if m.Role == RoleAdmin {
			return RepairDecision{Action: RepairNone}
		}
	}
	chosen := remaining[pick(len(remaining))]
	return RepairDecision{Action: RepairPromote, PromoteID: chosen.ID}
}
