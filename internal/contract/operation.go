package contract

import "fmt"

// Operation is one of the functions the worklog contract exposes.
type Operation int

const (
	OpInitLedger Operation = iota + 1
	OpCreateWorklog
	OpQueryWorklog
	OpQueryWorklogHistory
	OpQueryWorklogByString
)

var operationNames = map[Operation]string{
	OpInitLedger:           "initLedger",
	OpCreateWorklog:        "createSWWorklog",
	OpQueryWorklog:         "queryWorklog",
	OpQueryWorklogHistory:  "queryAllWorklogHist",
	OpQueryWorklogByString: "queryWorklogByString",
}

var operationsByName = func() map[string]Operation {
	m := make(map[string]Operation, len(operationNames))
	for op, name := range operationNames {
		m[name] = op
	}
	return m
}()

// String returns the wire name.
func (o Operation) String() string {
	if name, ok := operationNames[o]; ok {
		return name
	}
	return fmt.Sprintf("Operation(%d)", int(o))
}

// ParseOperation maps a wire function name to its operation. Names are case
// sensitive.
func ParseOperation(name string) (Operation, error) {
	op, ok := operationsByName[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownOperation, name)
	}
	return op, nil
}
