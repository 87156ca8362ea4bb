package workflow

// GraphBuildError reports a malformed workflow definition: duplicate or
// missing task ids, unresolved dependency references, or cycles. It is fatal
// before a run starts; no tasks are ever dispatched from a definition that
// fails to build.
type GraphBuildError struct {
	Reason string
}

func (e *GraphBuildError) Error() string {
	return "workflow graph build: " + e.Reason
}
