package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Value is one submitted field value: a scalar string, or a list for checkboxes.
type Value struct {
	scalar string
	list   []string
	isList bool
}

func String(s string) Value { return Value{scalar: s} }

func List(items []string) Value {
	if items == nil {
		items = []string{}
	}
	return Value{list: items, isList: true}
}

func (v Value) IsList() bool { return v.isList }

func (v Value) IsEmpty() bool {
	if v.isList {
		return len(v.list) == 0
	}
	return v.scalar == ""
}

// Values returns the scalar as a one element slice, or the list.
func (v Value) Values() []string {
	if v.isList {
		return v.list
	}
	return []string{v.scalar}
}

// String joins list values with ", ".
func (v Value) String() string {
	if v.isList {
		return strings.Join(v.list, ", ")
	}
	return v.scalar
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v.isList {
		return json.Marshal(v.list)
	}
	return json.Marshal(v.scalar)
}

func (v *Value) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*v = String(s)
		return nil
	}
	var items []string
	if err := json.Unmarshal(b, &items); err == nil {
		*v = List(items)
		return nil
	}
	// numbers and bools from older rows
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw == nil {
		*v = String("")
		return nil
	}
	*v = String(fmt.Sprint(raw))
	return nil
}

// SubmissionData maps field ids to submitted values.
type SubmissionData map[string]Value

func (d SubmissionData) Get(id string) Value {
	return d[id]
}
