package vector

import "strings"

// Op identifies a filter operator.
type Op int

const (
	// OpEq matches a field equal to a string literal.
	OpEq Op = iota
	// OpContainsAny matches an array field sharing at least one element
	// with the condition's values.
	OpContainsAny
	// OpPrefix matches a string field starting with the condition's value.
	OpPrefix
	// OpGT matches a string field lexicographically greater than the value.
	OpGT
	// OpLT matches a string field lexicographically less than the value.
	OpLT
	// OpNotExists matches records where the field is absent.
	OpNotExists
)

func (o Op) String() string {
	switch o {
	case OpEq:
		return "eq"
	case OpContainsAny:
		return "contains_any"
	case OpPrefix:
		return "prefix"
	case OpGT:
		return "gt"
	case OpLT:
		return "lt"
	case OpNotExists:
		return "not_exists"
	}
	return "unknown"
}

// Condition is a single field predicate. Value holds a string for
// Eq/Prefix/GT/LT, Values holds the list for ContainsAny, and both are
// empty for NotExists.
type Condition struct {
	Field  string
	Op     Op
	Value  string
	Values []string
}

// Matches reports whether a record's metadata satisfies the condition.
func (c Condition) Matches(meta Metadata) bool {
	switch c.Op {
	case OpEq:
		return meta.String(c.Field) == c.Value
	case OpContainsAny:
		var have []string
		if c.Field == "tags" {
			have = meta.Tags()
		} else if s, ok := meta[c.Field].([]string); ok {
			have = s
		}
		for _, want := range c.Values {
			for _, got := range have {
				if got == want {
					return true
				}
			}
		}
		return false
	case OpPrefix:
		s, ok := meta[c.Field].(string)
		return ok && strings.HasPrefix(s, c.Value)
	case OpGT:
		s, ok := meta[c.Field].(string)
		return ok && s > c.Value
	case OpLT:
		s, ok := meta[c.Field].(string)
		return ok && s < c.Value
	case OpNotExists:
		v, present := meta[c.Field]
		if !present {
			return true
		}
		s, isStr := v.(string)
		return isStr && s == ""
	}
	return false
}

// Filter is a conjunction of conditions.
type Filter struct {
	Conditions []Condition
}

// Where starts a new filter. Conditions are added with the Eq/ContainsAny/
// Prefix/GT/LT/NotExists builders.
func Where() *Filter { return &Filter{} }

func (f *Filter) Eq(field, value string) *Filter {
	f.Conditions = append(f.Conditions, Condition{Field: field, Op: OpEq, Value: value})
	return f
}

func (f *Filter) ContainsAny(field string, values []string) *Filter {
	f.Conditions = append(f.Conditions, Condition{Field: field, Op: OpContainsAny, Values: values})
	return f
}

func (f *Filter) Prefix(field, value string) *Filter {
	f.Conditions = append(f.Conditions, Condition{Field: field, Op: OpPrefix, Value: value})
	return f
}

func (f *Filter) GT(field, value string) *Filter {
	f.Conditions = append(f.Conditions, Condition{Field: field, Op: OpGT, Value: value})
	return f
}

func (f *Filter) LT(field, value string) *Filter {
	f.Conditions = append(f.Conditions, Condition{Field: field, Op: OpLT, Value: value})
	return f
}

func (f *Filter) NotExists(field string) *Filter {
	f.Conditions = append(f.Conditions, Condition{Field: field, Op: OpNotExists})
	return f
}

// Empty reports whether the filter has no conditions. A nil filter is empty.
func (f *Filter) Empty() bool {
	return f == nil || len(f.Conditions) == 0
}

// Matches reports whether metadata satisfies every condition. An empty
// filter matches everything.
func (f *Filter) Matches(meta Metadata) bool {
	if f == nil {
		return true
	}
	for _, c := range f.Conditions {
		if !c.Matches(meta) {
			return false
		}
	}
	return true
}

// Split partitions the filter into the sub-filter a backend can execute
// natively and the remainder to apply as a post-filter. Either part may be
// nil when empty.
func (f *Filter) Split(native func(Condition) bool) (*Filter, *Filter) {
	if f.Empty() {
		return nil, nil
	}
	var nat, post *Filter
	for _, c := range f.Conditions {
		if native(c) {
			if nat == nil {
				nat = &Filter{}
			}
			nat.Conditions = append(nat.Conditions, c)
		} else {
			if post == nil {
				post = &Filter{}
			}
			post.Conditions = append(post.Conditions, c)
		}
	}
	return nat, post
}
