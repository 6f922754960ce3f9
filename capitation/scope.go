package capitation

import (
	"context"
	"fmt"

	"github.com/warp/calcrule-engine/generic"
)

// maxLocationDepth covers village -> ward -> district -> region.
const maxLocationDepth = 4

// Scope is the geographic key of capitation payments. DistrictCode is empty
// when the batch run was made for a whole region.
type Scope struct {
	RegionCode   string
	DistrictCode string
}

func (s Scope) IsDistrict() bool { return s.DistrictCode != "" }

// ResolveScope returns the region code and, for locations below region
// level, the district code. Wards and villages resolve to their district.
func ResolveScope(ctx context.Context, store generic.ReferenceStore, id generic.LocationID) (Scope, error) {
	loc, err := store.GetLocation(ctx, id)
	if err != nil {
		return Scope{}, fmt.Errorf("resolve scope: %w", err)
	}

	for i := 0; i < maxLocationDepth; i++ {
		switch loc.Type {
		case generic.LocationRegion:
			return Scope{RegionCode: loc.Code}, nil

		case generic.LocationDistrict:
			if loc.ParentID == nil {
				return Scope{}, fmt.Errorf("resolve scope: district %s has no region: %w", loc.ID, generic.ErrEntityNotFound)
			}
			region, err := store.GetLocation(ctx, *loc.ParentID)
			if err != nil {
				return Scope{}, fmt.Errorf("resolve scope: %w", err)
			}
			return Scope{RegionCode: region.Code, DistrictCode: loc.Code}, nil
		}

		if loc.ParentID == nil {
			return Scope{}, fmt.Errorf("resolve scope: location %s has no district ancestor: %w", id, generic.ErrEntityNotFound)
		}
		loc, err = store.GetLocation(ctx, *loc.ParentID)
		if err != nil {
			return Scope{}, fmt.Errorf("resolve scope: %w", err)
		}
	}
	return Scope{}, generic.ErrResolveDepthExceeded
}
