package ca

import (
	"encoding/json"
	"fmt"

	"github.com/homeroute/homeroute/internal/apierr"
)

// WildcardKind discriminates the wildcard certificate patterns the CA
// issues for: the base-domain wildcard, the legacy code-server
// wildcard, and per-application wildcards.
type WildcardKind int

const (
	WildcardGlobal WildcardKind = iota
	WildcardLegacyCode
	WildcardApp
)

// Wildcard is the tagged sum serialized as "global" | "code" |
// {"app": "<slug>"}. The historical alias "main" is accepted on read
// as a synonym for "global" but never written back; only canonical
// forms are emitted.
type Wildcard struct {
	Kind WildcardKind
	Slug string // set only for WildcardApp
}

// AppWildcard builds the per-application variant.
func AppWildcard(slug string) Wildcard {
	return Wildcard{Kind: WildcardApp, Slug: slug}
}

// Pattern expands the wildcard to its domain pattern under base:
// global -> *.{base}, code -> *.code.{base}, app -> *.{slug}.{base}.
func (w Wildcard) Pattern(base string) string {
	switch w.Kind {
	case WildcardLegacyCode:
		return "*.code." + base
	case WildcardApp:
		return fmt.Sprintf("*.%s.%s", w.Slug, base)
	default:
		return "*." + base
	}
}

// MarshalJSON emits only canonical forms.
func (w Wildcard) MarshalJSON() ([]byte, error) {
	switch w.Kind {
	case WildcardGlobal:
		return json.Marshal("global")
	case WildcardLegacyCode:
		return json.Marshal("code")
	case WildcardApp:
		return json.Marshal(map[string]string{"app": w.Slug})
	}
	return nil, apierr.Validation("unknown wildcard kind %d", w.Kind)
}

// UnmarshalJSON accepts "global", the alias "main", "code", and
// {"app": slug}.
func (w *Wildcard) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		switch s {
		case "global", "main":
			*w = Wildcard{Kind: WildcardGlobal}
			return nil
		case "code":
			*w = Wildcard{Kind: WildcardLegacyCode}
			return nil
		default:
			return apierr.Validation("unknown wildcard type %q", s)
		}
	}
	var obj struct {
		App string `json:"app"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return apierr.ProtocolParse(err, "decode wildcard type")
	}
	if obj.App == "" {
		return apierr.Validation("wildcard app variant requires a slug")
	}
	*w = Wildcard{Kind: WildcardApp, Slug: obj.App}
	return nil
}
