package capitation_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/calcrule-engine/capitation"
	"github.com/warp/calcrule-engine/generic"
)

func TestResolveScope(t *testing.T) {
	m := newFixture(t)
	m.PutLocation(generic.Location{ID: "1000", Code: "V1", Type: generic.LocationVillage, ParentID: locID("100")})

	tests := []struct {
		name     string
		location generic.LocationID
		want     capitation.Scope
	}{
		{"region", "1", capitation.Scope{RegionCode: "R1"}},
		{"district", "10", capitation.Scope{RegionCode: "R1", DistrictCode: "D1"}},
		{"ward walks up to district", "100", capitation.Scope{RegionCode: "R1", DistrictCode: "D1"}},
		{"village walks up to district", "1000", capitation.Scope{RegionCode: "R1", DistrictCode: "D1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := capitation.ResolveScope(context.Background(), m, tt.location)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want.DistrictCode != "", got.IsDistrict())
		})
	}
}

func TestResolveScope_Errors(t *testing.T) {
	m := newFixture(t)
	m.PutLocation(generic.Location{ID: "orphan", Code: "DX", Type: generic.LocationDistrict})

	_, err := capitation.ResolveScope(context.Background(), m, "missing")
	assert.True(t, generic.IsNotFound(err))

	_, err = capitation.ResolveScope(context.Background(), m, "orphan")
	assert.True(t, generic.IsNotFound(err), "district without region")
}
