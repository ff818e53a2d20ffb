package outcome

// ToolContext summarizes tool telemetry for a single turn. It is the
// cross-reference the resolver uses to tell a legitimately empty result
// apart from laziness, which are textually indistinguishable.
type ToolContext struct {
	Records []ToolExecutionRecord

	called     bool
	anyError   bool
	allEmpty   bool
	allSuccess bool
}

// Correlator derives a ToolContext from raw telemetry records.
type Correlator struct{}

// NewCorrelator creates a telemetry correlator.
func NewCorrelator() *Correlator {
	return &Correlator{}
}

// Correlate summarizes the telemetry for one turn. Records with status
// ToolNotCalled are treated as absent invocations.
func (c *Correlator) Correlate(records []ToolExecutionRecord) ToolContext {
	ctx := ToolContext{
		Records:    records,
		allEmpty:   true,
		allSuccess: true,
	}

	for _, rec := range records {
		if rec.Status == ToolNotCalled {
			continue
		}
		ctx.called = true
		switch rec.Status {
		case ToolError:
			ctx.anyError = true
			ctx.allEmpty = false
			ctx.allSuccess = false
		case ToolEmptyResult:
			ctx.allSuccess = false
		case ToolSuccess:
			ctx.allEmpty = false
		}
	}

	if !ctx.called {
		ctx.allEmpty = false
		ctx.allSuccess = false
	}

	return ctx
}

// Called reports whether any tool was actually invoked.
func (t ToolContext) Called() bool { return t.called }

// AnyError reports whether any invocation ended in an error.
func (t ToolContext) AnyError() bool { return t.anyError }

// AllEmpty reports whether every invocation returned an empty result.
func (t ToolContext) AllEmpty() bool { return t.called && t.allEmpty }

// AllSuccess reports whether every invocation returned data.
func (t ToolContext) AllSuccess() bool { return t.called && t.allSuccess }

// Unambiguous reports whether the telemetry points one way: nothing was
// called, or every call landed in the same terminal status.
func (t ToolContext) Unambiguous() bool {
	if !t.called {
		return true
	}
	return t.allEmpty || t.allSuccess || t.onlyErrors()
}

func (t ToolContext) onlyErrors() bool {
	for _, rec := range t.Records {
		if rec.Status == ToolNotCalled {
			continue
		}
		if rec.Status != ToolError {
			return false
		}
	}
	return t.anyError
}

// Summary renders a short human-readable description of the telemetry,
// used in rationales and nudge prompts.
func (t ToolContext) Summary() string {
	if !t.called {
		return "no tools were called"
	}
	switch {
	case t.AllEmpty():
		return "all tool calls returned empty results"
	case t.anyError:
		return "at least one tool call errored"
	case t.AllSuccess():
		return "all tool calls returned data"
	default:
		return "tool calls returned a mix of data and empty results"
	}
}
