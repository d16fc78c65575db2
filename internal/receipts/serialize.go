package receipts

import (
	"encoding/json"
	"time"

	"github.com/mdzesseis/knhkd/internal/kerntypes"
)

// wireValue is the JSON-friendly projection of kerntypes.Value; Value's
// fields are unexported by design (it is a closed variant, not a struct
// callers should construct field-by-field), so the log's wire format
// goes through this explicit shadow type rather than reflecting into
// Value directly.
type wireValue struct {
	Kind string          `json:"kind"`
	Bool bool            `json:"bool,omitempty"`
	I64  int64           `json:"i64,omitempty"`
	F64  float64         `json:"f64,omitempty"`
	Str  string          `json:"str,omitempty"`
	List []wireValue     `json:"list,omitempty"`
}

func toWireValue(v kerntypes.Value) wireValue {
	switch v.Kind() {
	case kerntypes.KindBool:
		b, _ := v.AsBool()
		return wireValue{Kind: "bool", Bool: b}
	case kerntypes.KindI64:
		i, _ := v.AsI64()
		return wireValue{Kind: "i64", I64: i}
	case kerntypes.KindF64:
		f, _ := v.AsF64()
		return wireValue{Kind: "f64", F64: f}
	case kerntypes.KindString:
		s, _ := v.AsString()
		return wireValue{Kind: "string", Str: s}
	case kerntypes.KindList:
		list, _ := v.AsList()
		wl := make([]wireValue, len(list))
		for i, e := range list {
			wl[i] = toWireValue(e)
		}
		return wireValue{Kind: "list", List: wl}
	default:
		return wireValue{Kind: "null"}
	}
}

func fromWireValue(w wireValue) kerntypes.Value {
	switch w.Kind {
	case "bool":
		return kerntypes.Bool(w.Bool)
	case "i64":
		return kerntypes.I64(w.I64)
	case "f64":
		return kerntypes.F64(w.F64)
	case "string":
		return kerntypes.String(w.Str)
	case "list":
		vs := make([]kerntypes.Value, len(w.List))
		for i, e := range w.List {
			vs[i] = fromWireValue(e)
		}
		return kerntypes.List(vs)
	default:
		return kerntypes.Null()
	}
}

// wireReceipt is the JSON wire record written to the WAL.
type wireReceipt struct {
	ID              uint64                     `json:"id"`
	CaseID          string                     `json:"case_id"`
	PatternID       int                        `json:"pattern_id"`
	Timestamp       time.Time                  `json:"timestamp"`
	StateHash       uint64                     `json:"state_hash"`
	Inputs          map[string]wireValue       `json:"inputs,omitempty"`
	GuardsEvaluated []kerntypes.GuardEvaluation `json:"guards_evaluated,omitempty"`
	Decisions       []kerntypes.Decision        `json:"decisions,omitempty"`
	TimingTicks     int                        `json:"timing_ticks"`
	ParentReceipt   *uint64                    `json:"parent_receipt,omitempty"`
	Signature       []byte                     `json:"signature,omitempty"`
	CRC32           uint32                     `json:"crc32"`
	Kind            kerntypes.ReceiptKind      `json:"kind"`
	ErrorCode       string                     `json:"error_code,omitempty"`
}

func marshalReceipt(r *kerntypes.Receipt) ([]byte, error) {
	wr := wireReceipt{
		ID: r.ID, CaseID: r.CaseID, PatternID: r.PatternID, Timestamp: r.Timestamp,
		StateHash: r.StateHash, GuardsEvaluated: r.GuardsEvaluated, Decisions: r.Decisions,
		TimingTicks: r.TimingTicks, ParentReceipt: r.ParentReceipt, Signature: r.Signature,
		CRC32: r.CRC32, Kind: r.Kind, ErrorCode: r.ErrorCode,
	}
	if r.Inputs != nil {
		wr.Inputs = make(map[string]wireValue, len(r.Inputs))
		for k, v := range r.Inputs {
			wr.Inputs[k] = toWireValue(v)
		}
	}
	return json.Marshal(wr)
}

func unmarshalReceipt(b []byte) (*kerntypes.Receipt, error) {
	var wr wireReceipt
	if err := json.Unmarshal(b, &wr); err != nil {
		return nil, err
	}
	r := &kerntypes.Receipt{
		ID: wr.ID, CaseID: wr.CaseID, PatternID: wr.PatternID, Timestamp: wr.Timestamp,
		StateHash: wr.StateHash, GuardsEvaluated: wr.GuardsEvaluated, Decisions: wr.Decisions,
		TimingTicks: wr.TimingTicks, ParentReceipt: wr.ParentReceipt, Signature: wr.Signature,
		CRC32: wr.CRC32, Kind: wr.Kind, ErrorCode: wr.ErrorCode,
	}
	if wr.Inputs != nil {
		r.Inputs = make(map[string]kerntypes.Value, len(wr.Inputs))
		for k, v := range wr.Inputs {
			r.Inputs[k] = fromWireValue(v)
		}
	}
	return r, nil
}
