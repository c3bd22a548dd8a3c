package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNilPolicyAllowsEverything(t *testing.T) {
	var p *Policy
	assert.True(t, p.IsAllowed("anything at all"))
}

func TestBlockListHasPriority(t *testing.T) {
	p := &Policy{AllowList: []string{"report"}, BlockList: []string{"delete"}}
	assert.True(t, p.IsAllowed("summarize the report"))
	assert.False(t, p.IsAllowed("delete the report"))
}

func TestAllowListFilters(t *testing.T) {
	p := &Policy{AllowList: []string{"summarize", "translate"}}
	assert.True(t, p.IsAllowed("Translate this document"))
	assert.False(t, p.IsAllowed("wipe the database"))
}

func TestContextRoundTrip(t *testing.T) {
	p := &Policy{BlockList: []string{"x"}}
	ctx := WithPolicy(context.Background(), p)
	assert.Same(t, p, FromContext(ctx))
	assert.Nil(t, FromContext(context.Background()))
}
