package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/ldi/tasktrack/internal/apperr"
	"github.com/ldi/tasktrack/pkg/models"
)

// params reads typed fields out of a request's params object and collects
// every failure into one ValidationError.
type params struct {
	raw  map[string]json.RawMessage
	verr apperr.ValidationError
}

func parseParams(data json.RawMessage) (*params, error) {
	p := &params{raw: map[string]json.RawMessage{}}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return p, nil
	}
	if err := json.Unmarshal(trimmed, &p.raw); err != nil {
		return nil, apperr.Validation("params", "must be a JSON object")
	}
	return p, nil
}

func (p *params) err() error {
	return p.verr.OrNil()
}

func (p *params) has(name string) bool {
	_, ok := p.raw[name]
	return ok
}

func (p *params) isNull(name string) bool {
	v, ok := p.raw[name]
	return ok && bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

// integer decodes an integral JSON number. Strings, booleans and fractional
// numbers are rejected; 3.0 is accepted as 3.
func (p *params) integer(name string, required bool) *int64 {
	v, ok := p.raw[name]
	if !ok || p.isNull(name) {
		if required {
			p.verr.Add(name, "is required")
		}
		return nil
	}

	// json.Number would also accept a quoted number.
	if v = bytes.TrimSpace(v); len(v) == 0 || v[0] == '"' {
		p.verr.Add(name, "must be an integer")
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(v))
	dec.UseNumber()
	var n json.Number
	if err := dec.Decode(&n); err != nil {
		p.verr.Add(name, "must be an integer")
		return nil
	}

	if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
		return &i
	}
	f, err := strconv.ParseFloat(n.String(), 64)
	if err != nil || f != math.Trunc(f) || f >= 1<<63 || f < -1<<63 {
		p.verr.Add(name, "must be an integer")
		return nil
	}
	i := int64(f)
	return &i
}

// id decodes a positive integer identifier.
func (p *params) id(name string, required bool) *int64 {
	v := p.integer(name, required)
	if v != nil && *v <= 0 {
		p.verr.Add(name, "must be a positive integer")
		return nil
	}
	return v
}

func (p *params) str(name string, required bool) *string {
	v, ok := p.raw[name]
	if !ok || p.isNull(name) {
		if required {
			p.verr.Add(name, "is required")
		}
		return nil
	}

	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		p.verr.Add(name, "must be a string")
		return nil
	}
	return &s
}

func (p *params) dueDate(name string) *string {
	s := p.str(name, false)
	if s == nil {
		return nil
	}
	if _, err := models.ParseDueDate(*s); err != nil {
		p.verr.Add(name, "must be a calendar date in YYYY-MM-DD form")
		return nil
	}
	return s
}

func (p *params) status(name string) *models.TaskStatus {
	s := p.str(name, false)
	if s == nil {
		return nil
	}
	st := models.TaskStatus(*s)
	if !st.Valid() {
		p.verr.Add(name, fmt.Sprintf("must be one of %q, %q", models.TaskStatusOpen, models.TaskStatusCompleted))
		return nil
	}
	return &st
}
