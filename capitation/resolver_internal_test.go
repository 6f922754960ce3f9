package capitation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/warp/calcrule-engine/generic"
	"github.com/warp/calcrule-engine/generic/store"
)

func TestResolver_DepthBound(t *testing.T) {
	r := NewResolver(store.NewMemory())
	plan := &generic.PaymentPlan{ID: "pp", Calculation: RuleID}

	ok, err := r.matches(context.Background(), RuleID, plan, MaxResolveDepth)
	assert.NoError(t, err)
	assert.True(t, ok, "the last allowed level still answers")

	_, err = r.matches(context.Background(), RuleID, plan, MaxResolveDepth+1)
	assert.ErrorIs(t, err, generic.ErrResolveDepthExceeded)
}
