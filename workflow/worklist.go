package workflow

// WorklistFor returns the batches a portal should list.
//
// Input batches are deduplicated by id, keeping the first occurrence. For
// view access, roles with a next action see only batches waiting on them;
// other roles see their full view set. For edit access, batches whose
// status is in the role's edit set are returned. Already-acted batches are
// not excluded here; submission rejects them.
func WorklistFor(all []Batch, role Role, access AccessType) []Batch {
	policy, ok := policies[role]
	if !ok {
		return nil
	}

	var keep func(Status) bool
	switch access {
	case AccessView:
		if next, ok := NextActionStatus(role); ok {
			keep = func(s Status) bool { return s == next }
		} else {
			keep = func(s Status) bool { return policy.CanView[s] }
		}
	case AccessEdit:
		keep = func(s Status) bool { return policy.CanEdit[s] }
	default:
		return nil
	}

	seen := make(map[string]bool, len(all))
	out := make([]Batch, 0)
	for _, b := range all {
		if seen[b.ID] {
			continue
		}
		seen[b.ID] = true
		if keep(DeriveStatus(b.Events)) {
			b.Refresh()
			out = append(out, b)
		}
	}
	return out
}
