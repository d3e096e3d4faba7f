package ot

// Conflict is a same-element pair the engine has no merge rule for
// (insert/delete, delete/update, ...). The incoming operation passes
// through unchanged; callers decide how loudly to report it.
type Conflict struct {
	Incoming Kind
	Accepted Kind
	With     string // id of the accepted operation
	Version  int64
}

type Report struct {
	Concurrent int
	Conflicts  []Conflict
}

// Transform folds op through every entry of log that is concurrent with it
// and returns the result. It never mutates its inputs.
func Transform(op Operation, log []Entry) Operation {
	out, _ := TransformWithReport(op, log)
	return out
}

// TransformWithReport is Transform plus a description of what was folded.
//
// An entry is concurrent with op when it was accepted strictly after op's
// causal timestamp and was written by someone else; an author's own edits are
// never concurrent with each other.
func TransformWithReport(op Operation, log []Entry) (Operation, Report) {
	var rep Report
	cur := op
	for i := range log {
		e := &log[i]
		if e.AcceptedAt <= op.Timestamp || e.AuthorID == op.AuthorID {
			continue
		}
		rep.Concurrent++
		if e.ElementID == cur.ElementID && !resolvable(cur.Kind, e.Kind) {
			rep.Conflicts = append(rep.Conflicts, Conflict{
				Incoming: cur.Kind,
				Accepted: e.Kind,
				With:     e.ID,
				Version:  e.Version,
			})
		}
		cur = Pair(cur, e.Operation)
	}
	return cur, rep
}

// Pair transforms a against an already accepted b.
func Pair(a, b Operation) Operation {
	if a.ElementID != b.ElementID {
		return a
	}
	switch {
	case a.Kind == KindUpdate && b.Kind == KindUpdate:
		// last writer wins; on a tie the accepted operation stays.
		if a.Timestamp > b.Timestamp {
			return a
		}
		return b
	case a.Kind == KindMove && b.Kind == KindMove:
		var sum Delta
		if a.Position != nil {
			sum = *a.Position
		}
		if b.Position != nil {
			sum.DX += b.Position.DX
			sum.DY += b.Position.DY
		}
		a.Position = &sum
		return a
	}
	return a
}

func resolvable(a, b Kind) bool {
	return a == b && (a == KindUpdate || a == KindMove)
}
