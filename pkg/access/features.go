package access

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Features is a set of scope capabilities
type Features uint32

const (
	// FeatureBasic lets a scope manage its own tunnels
	FeatureBasic Features = 1 << iota
	// FeaturePingFall evicts the scope's tunnels whose remote fails health checks
	FeaturePingFall
)

// featureNames is the only mapping between features and their wire names
var featureNames = []struct {
	feature Features
	name    string
}{
	{FeatureBasic, "basic"},
	{FeaturePingFall, "pingfall"},
}

// ParseFeatures converts wire names into a set. Names are case-insensitive.
func ParseFeatures(names []string) (Features, error) {
	var f Features
	for _, n := range names {
		found := false
		for _, fn := range featureNames {
			if strings.EqualFold(n, fn.name) {
				f |= fn.feature
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown feature %q", n)
		}
	}
	return f, nil
}

// Has reports whether every feature in x is in f
func (f Features) Has(x Features) bool {
	return f&x == x
}

// Names lists the wire names of f in table order
func (f Features) Names() []string {
	names := []string{}
	for _, fn := range featureNames {
		if f.Has(fn.feature) {
			names = append(names, fn.name)
		}
	}
	return names
}

func (f Features) String() string {
	return strings.Join(f.Names(), "|")
}

func (f Features) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.Names())
}

func (f *Features) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	parsed, err := ParseFeatures(names)
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}
