package server

import "github.com/23skdu/annbench/internal/schema"

// Action types accepted by DoAction.
const (
	ActionCreateClass = "schema.create"
	ActionGetClass    = "schema.get"
	ActionUpdateClass = "schema.update"
	ActionListClasses = "schema.list"
	ActionCountObjs   = "objects.count"
)

// Reserved column names of put and search records. Every other column is a property.
const (
	IDColumn       = "id"
	VectorColumn   = "vector"
	ResultIDColumn = "_id"
	DistanceColumn = "_distance"
)

// ErrorDomain is the ErrorInfo domain attached to status errors.
const ErrorDomain = "annbench"

// ClassRef names a class in action bodies.
type ClassRef struct {
	Class string `json:"class"`
}

// CountResult is the body of an objects.count reply.
type CountResult struct {
	Class string `json:"class"`
	Count int    `json:"count"`
}

// ClassList is the body of a schema.list reply.
type ClassList struct {
	Classes []schema.Class `json:"classes"`
}

// SearchTicket is the JSON payload of a DoGet ticket.
type SearchTicket struct {
	Class      string    `json:"class"`
	Vector     []float32 `json:"vector"`
	Limit      int       `json:"limit"`
	Properties []string  `json:"properties,omitempty"`
}

// ObjectError reports one rejected object of a put record.
type ObjectError struct {
	ID     string `json:"id"`
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error"`
}

// PutReport is the app metadata of the PutResult sent for each put record.
type PutReport struct {
	Accepted int           `json:"accepted"`
	Errors   []ObjectError `json:"errors,omitempty"`
}
