package model

import "time"

// ValueKind identifies which Parameter variant a value holds.
type ValueKind string

const (
	KindBool   ValueKind = "bool"
	KindInt    ValueKind = "int"
	KindChoice ValueKind = "choice"
	KindMulti  ValueKind = "multi"
)

// Value is the tagged union carried by a Parameter. Only the field
// matching Kind is meaningful.
type Value struct {
	Kind    ValueKind      `json:"kind"`
	Bool    bool           `json:"bool,omitempty"`
	Int     int            `json:"int,omitempty"`
	Choice  string         `json:"choice,omitempty"`
	Multi   map[string]any `json:"multi,omitempty"`
}

// BoolValue constructs a Value of kind bool.
func BoolValue(v bool) Value { return Value{Kind: KindBool, Bool: v} }

// IntValue constructs a Value of kind int.
func IntValue(v int) Value { return Value{Kind: KindInt, Int: v} }

// ChoiceValue constructs a Value of kind choice.
func ChoiceValue(v string) Value { return Value{Kind: KindChoice, Choice: v} }

// MultiValue constructs a Value of kind multi from derived wire fields.
func MultiValue(fields map[string]any) Value { return Value{Kind: KindMulti, Multi: fields} }

// Equal compares two Values for identical kind and payload.
func (v Value) Equal(other Value) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case KindBool:
		return v.Bool == other.Bool
	case KindInt:
		return v.Int == other.Int
	case KindChoice:
		return v.Choice == other.Choice
	case KindMulti:
		if len(v.Multi) != len(other.Multi) {
			return false
		}
		for k, val := range v.Multi {
			if other.Multi[k] != val {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Parameter is one named value within a ParameterGroup, carrying the
// current/lastRemote/pending triple used for edit arbitration
// (internal/parammodel).
type Parameter struct {
	Group      string    `json:"group"`
	Name       string    `json:"name"`
	Current    Value     `json:"current"`
	LastRemote Value     `json:"lastRemote"`
	Pending    *Value    `json:"pending,omitempty"`
	Dirty      bool      `json:"dirty"`
	Stale      bool      `json:"stale"`
	UpdatedAt  time.Time `json:"updatedAt"`
	Error      string    `json:"error,omitempty"`
}

// Path returns the "group.name" observe-path string for this parameter.
func (p Parameter) Path() string {
	return p.Group + "." + p.Name
}

// ParameterGroup is a named, fixed set of parameters, e.g. "Exposure".
type ParameterGroup struct {
	Name       string
	Parameters map[string]*Parameter
	// Unsupported is true once a 404 probe has determined the connected
	// camera model does not implement this group.
	Unsupported bool
}

// NewParameterGroup allocates an empty group with the given parameter names
// pre-populated at their zero value, per the parameter spec registry.
func NewParameterGroup(name string, paramNames []string, kinds map[string]ValueKind) *ParameterGroup {
	pg := &ParameterGroup{Name: name, Parameters: make(map[string]*Parameter, len(paramNames))}
	for _, n := range paramNames {
		zero := Value{Kind: kinds[n]}
		pg.Parameters[n] = &Parameter{Group: name, Name: n, Current: zero, LastRemote: zero}
	}
	return pg
}
