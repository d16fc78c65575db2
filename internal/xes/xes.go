// Package xes writes a case chain out as an XES 2.0 event log for
// process-mining tooling (spec.md §6): traces correspond to cases,
// events to receipts, event attributes to the receipt's guard and
// decision records. Γ is sufficient on its own to produce a valid log,
// so this package reads only from a receipts.Log and a case's own
// fields — no additional state is required. Standard-library
// encoding/xml: no repo in the retrieval pack imports an XES-specific or
// general process-mining library, and xml/Marshal's tag-driven struct
// mapping already fits XES's attribute-per-element shape without a
// third-party encoder.
package xes

import (
	"encoding/xml"
	"fmt"
	"io"
	"time"

	"github.com/mdzesseis/knhkd/internal/kerntypes"
)

// xesLog is the root <log> element.
type xesLog struct {
	XMLName   xml.Name      `xml:"log"`
	XESVer    string        `xml:"xes.version,attr"`
	XESFeat   string        `xml:"xes.features,attr"`
	OpenXES   string        `xml:"openxes.version,attr"`
	Extension []xesExt      `xml:"extension"`
	Global    []xesGlobal   `xml:"global"`
	Classifier []xesClassif `xml:"classifier"`
	Traces    []xesTrace    `xml:"trace"`
}

type xesExt struct {
	Name   string `xml:"name,attr"`
	Prefix string `xml:"prefix,attr"`
	URI    string `xml:"uri,attr"`
}

type xesGlobal struct {
	Scope     string       `xml:"scope,attr"`
	Attribute []xesAttrStr `xml:"string"`
}

type xesClassif struct {
	Name  string `xml:"name,attr"`
	Keys  string `xml:"keys,attr"`
}

type xesTrace struct {
	String []xesAttrStr `xml:"string,omitempty"`
	Events []xesEvent   `xml:"event"`
}

type xesEvent struct {
	String []xesAttrStr `xml:"string,omitempty"`
	Date   []xesAttrDate `xml:"date,omitempty"`
	Int    []xesAttrInt `xml:"int,omitempty"`
	Bool   []xesAttrBool `xml:"boolean,omitempty"`
}

type xesAttrStr struct {
	Key   string `xml:"key,attr"`
	Value string `xml:"value,attr"`
}

type xesAttrDate struct {
	Key   string `xml:"key,attr"`
	Value string `xml:"value,attr"`
}

type xesAttrInt struct {
	Key   string `xml:"key,attr"`
	Value int    `xml:"value,attr"`
}

type xesAttrBool struct {
	Key   string `xml:"key,attr"`
	Value bool   `xml:"value,attr"`
}

// CaseChain is the minimal shape WriteLog needs: the case itself plus
// its receipt chain, in the order receipts.Log.Chain returns them.
type CaseChain struct {
	Case     *kerntypes.Case
	Receipts []*kerntypes.Receipt
}

// WriteLog serializes chains into a single XES 2.0 log, one <trace> per
// case, written to w.
func WriteLog(w io.Writer, chains []CaseChain) error {
	log := xesLog{
		XESVer:  "2.0",
		XESFeat: "nested-attributes",
		OpenXES: "1.0RC7",
		Extension: []xesExt{
			{Name: "Concept", Prefix: "concept", URI: "http://www.xes-standard.org/concept.xesext"},
			{Name: "Time", Prefix: "time", URI: "http://www.xes-standard.org/time.xesext"},
			{Name: "Lifecycle", Prefix: "lifecycle", URI: "http://www.xes-standard.org/lifecycle.xesext"},
		},
		Global: []xesGlobal{
			{Scope: "event", Attribute: []xesAttrStr{{Key: "concept:name", Value: "UNKNOWN"}}},
			{Scope: "trace", Attribute: []xesAttrStr{{Key: "concept:name", Value: "UNKNOWN"}}},
		},
		Classifier: []xesClassif{
			{Name: "Activity", Keys: "concept:name"},
		},
	}

	for _, chain := range chains {
		log.Traces = append(log.Traces, traceFor(chain))
	}

	if _, err := w.Write([]byte(xml.Header)); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(log); err != nil {
		return fmt.Errorf("xes: encode log: %w", err)
	}
	return nil
}

func traceFor(chain CaseChain) xesTrace {
	c := chain.Case
	t := xesTrace{
		String: []xesAttrStr{
			{Key: "concept:name", Value: c.ID},
			{Key: "spec:id", Value: c.SpecID},
			{Key: "case:state", Value: string(c.State)},
		},
	}
	if c.Reason != "" {
		t.String = append(t.String, xesAttrStr{Key: "case:reason", Value: c.Reason})
	}

	for _, r := range chain.Receipts {
		t.Events = append(t.Events, eventFor(r))
	}
	return t
}

func eventFor(r *kerntypes.Receipt) xesEvent {
	e := xesEvent{
		String: []xesAttrStr{
			{Key: "concept:name", Value: fmt.Sprintf("pattern:%d", r.PatternID)},
			{Key: "lifecycle:transition", Value: lifecycleTransition(r.Kind)},
			{Key: "receipt:kind", Value: string(r.Kind)},
		},
		Date: []xesAttrDate{
			{Key: "time:timestamp", Value: r.Timestamp.UTC().Format(time.RFC3339Nano)},
		},
		Int: []xesAttrInt{
			{Key: "receipt:id", Value: int(r.ID)},
			{Key: "timing:ticks", Value: r.TimingTicks},
		},
	}
	if r.ErrorCode != "" {
		e.String = append(e.String, xesAttrStr{Key: "receipt:error_code", Value: r.ErrorCode})
	}
	for _, ge := range r.GuardsEvaluated {
		e.Bool = append(e.Bool, xesAttrBool{
			Key:   fmt.Sprintf("guard:%d", ge.PredicateID),
			Value: ge.Passed,
		})
	}
	for _, d := range r.Decisions {
		e.Bool = append(e.Bool, xesAttrBool{
			Key:   fmt.Sprintf("decision:%s", d.Description),
			Value: d.Taken,
		})
	}
	return e
}

func lifecycleTransition(kind kerntypes.ReceiptKind) string {
	switch kind {
	case kerntypes.ReceiptError:
		return "ate_abort"
	case kerntypes.ReceiptCancel:
		return "withdraw"
	case kerntypes.ReceiptTimeout:
		return "autoskip"
	default:
		return "complete"
	}
}

// TraceSummary is what ReadLog recovers for each trace: enough to verify
// a round trip (activity names and event ordering) without needing a
// full process-mining-grade reconstruction of every attribute.
type TraceSummary struct {
	CaseID     string
	ActivityNames []string // concept:name per event, in document order
}

// ReadLog parses an XES 2.0 log written by WriteLog back into one
// TraceSummary per trace, preserving event order.
func ReadLog(r io.Reader) ([]TraceSummary, error) {
	var log xesLog
	if err := xml.NewDecoder(r).Decode(&log); err != nil {
		return nil, fmt.Errorf("xes: decode log: %w", err)
	}

	summaries := make([]TraceSummary, 0, len(log.Traces))
	for _, tr := range log.Traces {
		s := TraceSummary{}
		for _, a := range tr.String {
			if a.Key == "concept:name" {
				s.CaseID = a.Value
				break
			}
		}
		for _, ev := range tr.Events {
			for _, a := range ev.String {
				if a.Key == "concept:name" {
					s.ActivityNames = append(s.ActivityNames, a.Value)
					break
				}
			}
		}
		summaries = append(summaries, s)
	}
	return summaries, nil
}
