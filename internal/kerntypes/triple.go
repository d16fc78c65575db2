package kerntypes

// Triple is a four-field record: subject, predicate, object, and an
// optional named graph. Subject and predicate are interpreted as IRIs;
// object may be a plain string or a typed literal.
type Triple struct {
	Subject   string
	Predicate string
	Object    string
	Graph     string // empty means the default graph
}

// EncodedTriple is the dictionary-encoded form of a Triple: each field is
// a 64-bit term id, with UnboundTermID denoting a variable slot.
type EncodedTriple struct {
	Subject   uint64
	Predicate uint64
	Object    uint64
	Graph     uint64
}

// HasVariable reports whether any slot of e is unbound.
func (e EncodedTriple) HasVariable() bool {
	return e.Subject == UnboundTermID ||
		e.Predicate == UnboundTermID ||
		e.Object == UnboundTermID ||
		e.Graph == UnboundTermID
}

// OperationType is the delta's requested kernel operation, when specified
// explicitly by the producer.
type OperationType string

const (
	OpAsk      OperationType = "ask"
	OpCount    OperationType = "count"
	OpValidate OperationType = "validate"
	OpConstruct OperationType = "construct"
	OpTemplate  OperationType = "template"
	OpSelect    OperationType = "select"
	OpUpdate    OperationType = "update"
)

// Delta is a small knowledge update or workflow step submitted to the
// beat scheduler.
type Delta struct {
	Triples        []Triple
	EncodedTriples []EncodedTriple
	Operation      OperationType // empty if unspecified
	CycleID        uint64
}

// RequiresConstruct reports whether d must go through the warm-path
// CONSTRUCT pipeline rather than the hot-path ask/count/validate kernels,
// per spec.md's definition: an unbound encoded slot, a Construct/Template
// operation, or a raw triple referencing a blank node.
func (d Delta) RequiresConstruct() bool {
	if d.Operation == OpConstruct || d.Operation == OpTemplate {
		return true
	}
	for _, et := range d.EncodedTriples {
		if et.HasVariable() {
			return true
		}
	}
	for _, t := range d.Triples {
		if isBlankNode(t.Subject) || isBlankNode(t.Object) || isBlankNode(t.Graph) {
			return true
		}
	}
	return false
}

func isBlankNode(s string) bool {
	return len(s) >= 2 && s[0] == '_' && s[1] == ':'
}
