package validation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidURL(t *testing.T) {
	valid := []string{
		"https://www.google.com",
		"http://example.org/path?q=1&b=2",
		"https://sub.domain.co.uk/a/b#frag",
		"http://localhost.test:8080/x",
	}
	for _, u := range valid {
		assert.True(t, ValidURL(u), u)
	}

	invalid := []string{
		"https://www/google.com",
		"www.google.com",
		"google.com",
		"ftp://example.com",
		"https://",
		"",
	}
	for _, u := range invalid {
		assert.False(t, ValidURL(u), u)
	}
}

func TestCollectorReportsAllFieldsInOrder(t *testing.T) {
	c := NewCollector("body")
	c.NonNegative("hours", -1)
	c.NonNegative("minutes", -5)
	c.NonNegative("seconds", -1)
	c.URL("url", "nope")

	err := c.Err()
	require.Error(t, err)

	var verr *Error
	require.True(t, errors.As(err, &verr))
	require.Len(t, verr.Fields, 4)

	assert.Equal(t, []string{"body", "hours"}, verr.Fields[0].Loc)
	assert.Equal(t, "minutes", verr.Fields[1].Field())
	assert.Equal(t, "seconds", verr.Fields[2].Field())
	assert.Equal(t, "url", verr.Fields[3].Field())
	for _, f := range verr.Fields[:3] {
		assert.Equal(t, MsgNonNegative, f.Msg)
		assert.Equal(t, TypeValue, f.Type)
	}
	assert.Equal(t, MsgInvalidURL, verr.Fields[3].Msg)
	assert.Contains(t, err.Error(), "hours: "+MsgNonNegative)
}

func TestCollectorZeroIsValid(t *testing.T) {
	c := NewCollector("body")
	c.NonNegative("hours", 0)
	c.NonNegative("minutes", 0)
	c.NonNegative("seconds", 0)
	c.URL("url", "https://www.google.com")
	assert.NoError(t, c.Err())
}

func TestCollectorAtMost(t *testing.T) {
	c := NewCollector("body")
	c.AtMost("hours", 10, 10)
	assert.NoError(t, c.Err())

	c.AtMost("hours", 11, 10)
	var verr *Error
	require.True(t, errors.As(c.Err(), &verr))
	require.Len(t, verr.Fields, 1)
	assert.Equal(t, "Input should be less than or equal to 10", verr.Fields[0].Msg)
	assert.Equal(t, TypeLessEqual, verr.Fields[0].Type)
}

func TestCollectorErrIsDetached(t *testing.T) {
	c := NewCollector()
	c.Add("x", "bad", TypeValue)
	err := c.Err().(*Error)
	c.Add("y", "bad", TypeValue)
	assert.Len(t, err.Fields, 1)
	assert.Equal(t, []string{"x"}, err.Fields[0].Loc)
}
