package api

import (
	"bytes"
	"encoding/json"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/ChuLiYu/beaver-timer/internal/timer"
	"github.com/ChuLiYu/beaver-timer/internal/validation"
)

// maxBodyBytes bounds the size of a schedule request body.
const maxBodyBytes = 64 << 10

// decodeScheduleRequest parses a {hours, minutes, seconds, url} body. Shape
// errors (missing field, wrong type, malformed JSON) and value errors are
// reported together in field order.
func decodeScheduleRequest(body io.Reader) (timer.ScheduleRequest, error) {
	raw, err := io.ReadAll(io.LimitReader(body, maxBodyBytes))
	if err != nil {
		return timer.ScheduleRequest{}, jsonInvalid()
	}

	var fields map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil || fields == nil {
		return timer.ScheduleRequest{}, jsonInvalid()
	}

	var req timer.ScheduleRequest
	c := validation.NewCollector("body")

	intField := func(name string, dst *int) {
		v, ok := fields[name]
		if !ok {
			c.Add(name, validation.MsgRequired, validation.TypeMissing)
			return
		}
		n, ok := parseInt(v)
		if !ok {
			c.Add(name, validation.MsgInteger, validation.TypeInt)
			return
		}
		*dst = n
		c.NonNegative(name, n)
		c.AtMost(name, n, timer.DelayLimit(name))
	}
	intField("hours", &req.Hours)
	intField("minutes", &req.Minutes)
	intField("seconds", &req.Seconds)

	if v, ok := fields["url"]; !ok {
		c.Add("url", validation.MsgRequired, validation.TypeMissing)
	} else if err := json.Unmarshal(v, &req.URL); err != nil {
		c.Add("url", validation.MsgString, validation.TypeString)
	} else {
		c.URL("url", req.URL)
	}

	if err := c.Err(); err != nil {
		return timer.ScheduleRequest{}, err
	}
	return req, nil
}

// parseInt accepts JSON integers, integral floats and numeric strings.
func parseInt(v json.RawMessage) (int, bool) {
	var x any
	dec := json.NewDecoder(bytes.NewReader(v))
	dec.UseNumber()
	if err := dec.Decode(&x); err != nil {
		return 0, false
	}

	var s string
	switch t := x.(type) {
	case json.Number:
		s = t.String()
	case string:
		s = strings.TrimSpace(t)
	default:
		return 0, false
	}

	if n, err := strconv.ParseInt(s, 10, 0); err == nil {
		return int(n), true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return 0, false
	}
	return int(f), true
}

func jsonInvalid() error {
	c := validation.NewCollector("body")
	c.Add("", validation.MsgJSONInvalid, validation.TypeJSONInvalid)
	return c.Err()
}
