package authform

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const loginPage = `
<html><body>
<form action="/login?next=/commitments" method="post">
  <input type="hidden" name="csrf_token" value="abc123">
  <input type="text" name="username" placeholder="user">
  <input type="password" name="password">
  <input type="submit" value="Log in">
</form>
</body></html>
`

func TestParseExtractsActionAndFields(t *testing.T) {
	assert := assert.New(t)

	formURL, params, err := Parse([]byte(loginPage), "alice", "hunter2")
	assert.NoError(err)
	assert.Equal("/login?next=/commitments", formURL)
	assert.Equal("abc123", params["csrf_token"])
	assert.Equal("alice", params["username"])
	assert.Equal("hunter2", params["password"])
}

func TestParseNoFormReturnsError(t *testing.T) {
	assert := assert.New(t)
	_, _, err := Parse([]byte("<html><body>no form here</body></html>"), "a", "b")
	assert.ErrorIs(err, ErrNoForm)
}
