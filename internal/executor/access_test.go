package executor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"gatehw/internal/config"
)

func TestPolicyAllowList(t *testing.T) {
	p := NewPolicy(config.Access{Allowed: []string{" rssmra80a01h501u "}})
	now := time.Unix(1_700_000_000, 0)
	assert.True(t, p.Authorize("RSSMRA80A01H501U", now).Granted)
	d := p.Authorize("VRDGPP80A01H501X", now)
	assert.False(t, d.Granted)
	assert.Equal(t, "not on the allow-list", d.Reason)
}

func TestPolicyRepeatedReads(t *testing.T) {
	p := NewPolicy(config.Access{Allowed: []string{testCard}, DebounceSeconds: 10, BlockSeconds: 60})
	t0 := time.Unix(1_700_000_000, 0)

	assert.True(t, p.Authorize(testCard, t0).Granted)
	d := p.Authorize(testCard, t0.Add(5*time.Second))
	assert.False(t, d.Granted)
	assert.True(t, d.Ignored)
	assert.Contains(t, d.Reason, "read again")

	d = p.Authorize(testCard, t0.Add(20*time.Second))
	assert.False(t, d.Granted)
	assert.False(t, d.Ignored)
	assert.Contains(t, d.Reason, "blocked")

	d = p.Authorize(testCard, t0.Add(70*time.Second))
	assert.False(t, d.Granted)
	assert.Equal(t, "blocked after repeated read", d.Reason)

	assert.True(t, p.Authorize(testCard, t0.Add(200*time.Second)).Granted)
}

func TestPolicyConfigureKeepsHistory(t *testing.T) {
	p := NewPolicy(config.Access{DebounceSeconds: 10, BlockSeconds: 60})
	t0 := time.Unix(1_700_000_000, 0)
	assert.False(t, p.Authorize(testCard, t0).Granted)

	p.Configure(config.Access{Allowed: []string{testCard}, DebounceSeconds: 10, BlockSeconds: 60})
	d := p.Authorize(testCard, t0.Add(time.Second))
	assert.False(t, d.Granted)
	assert.Contains(t, d.Reason, "read again")
}
