package tag

import (
	"cmp"
	"regexp"
	"strconv"
	"strings"

	goversion "github.com/hashicorp/go-version"
)

// Tag is a release identifier of the managed unit. The zero value means unknown.
type Tag string

// Ordering is the outcome of comparing two tags.
type Ordering int

const (
	// Incomparable means at least one tag carried no usable signal.
	Incomparable Ordering = iota
	// Less means the first tag precedes the second.
	Less
	// Equal means both tags are identical after normalization.
	Equal
	// Greater means the first tag follows the second.
	Greater
)

// String returns the lower-case name of the ordering.
func (o Ordering) String() string {
	switch o {
	case Less:
		return "less"
	case Equal:
		return "equal"
	case Greater:
		return "greater"
	default:
		return "incomparable"
	}
}

// Normalize trims whitespace, lower-cases the tag and strips one leading "v".
func Normalize(t Tag) Tag {
	s := strings.ToLower(strings.TrimSpace(string(t)))
	s = strings.TrimPrefix(s, "v")

	return Tag(strings.TrimSpace(s))
}

// Known reports whether the tag carries any value after normalization.
func (t Tag) Known() bool {
	return Normalize(t) != ""
}

// String returns the normalized tag, or "unknown".
func (t Tag) String() string {
	n := Normalize(t)
	if n == "" {
		return "unknown"
	}

	return string(n)
}

// Display renders the tag for humans with a "v" prefix, as the dashboard shows it.
func (t Tag) Display() string {
	n := Normalize(t)
	if n == "" {
		return "Unknown"
	}

	return "v" + string(n)
}

// Compare orders a against b.
//
// Tags are ordered first by their numeric components, padded with zeros, so
// "1.10.0" follows "1.9.0" and "release-10" follows "release-7". For a tag
// go-version parses, the components are its core segments; otherwise every
// run of digits counts. Numerically equal tags are split by go-version
// (pre-releases first) when both parse, and lexically when neither carries
// digits. Distinct spellings that stay tied ("1.2" and "1.2.0", "1.2.0" and
// "1.2.0_hotfix") are Incomparable, so Equal always means identical tags and
// a respelled tag never reads as an update. Empty tags are Incomparable.
func Compare(a, b Tag) Ordering {
	na, nb := Normalize(a), Normalize(b)
	if na == "" || nb == "" {
		return Incomparable
	}

	if na == nb {
		return Equal
	}

	va, errA := goversion.NewVersion(string(na))
	vb, errB := goversion.NewVersion(string(nb))

	if c := compareNumbers(numbers(na, va, errA), numbers(nb, vb, errB)); c != 0 {
		return fromInt(c)
	}

	switch {
	case errA == nil && errB == nil:
		if c := va.Compare(vb); c != 0 {
			return fromInt(c)
		}
	case !digits.MatchString(string(na)) && !digits.MatchString(string(nb)):
		return fromInt(strings.Compare(string(na), string(nb)))
	}

	return Incomparable
}

// digits matches the numeric components of a tag.
var digits = regexp.MustCompile(`[0-9]+`)

// numbers returns the numeric components of a normalized tag without leading
// zeros. parseErr is the go-version parse result for the same tag.
func numbers(t Tag, v *goversion.Version, parseErr error) []string {
	if parseErr == nil {
		segments := v.Segments64()

		out := make([]string, 0, len(segments))
		for _, segment := range segments {
			out = append(out, strconv.FormatInt(segment, 10))
		}

		return out
	}

	runs := digits.FindAllString(string(t), -1)
	for i, run := range runs {
		if run = strings.TrimLeft(run, "0"); run == "" {
			run = "0"
		}

		runs[i] = run
	}

	return runs
}

// compareNumbers compares decimal component lists, padding the shorter one
// with zeros. Components carry no leading zeros, so longer means larger.
func compareNumbers(a, b []string) int {
	for i := range max(len(a), len(b)) {
		x, y := "0", "0"
		if i < len(a) {
			x = a[i]
		}

		if i < len(b) {
			y = b[i]
		}

		if c := cmp.Compare(len(x), len(y)); c != 0 {
			return c
		}

		if c := strings.Compare(x, y); c != 0 {
			return c
		}
	}

	return 0
}

// UpdateAvailable reports whether latest is strictly newer than current.
// Incomparable tags never signal an update.
func UpdateAvailable(current, latest Tag) bool {
	return Compare(current, latest) == Less
}

// FromImageRef extracts the tag of an image reference such as
// "ghcr.io/org/app:4.2.3" or "app@sha256:..." (no tag, returns "").
func FromImageRef(ref string) Tag {
	ref = strings.TrimSpace(ref)
	if i := strings.Index(ref, "@"); i >= 0 {
		ref = ref[:i]
	}

	slash := strings.LastIndex(ref, "/")
	colon := strings.LastIndex(ref, ":")

	// A colon before the last slash belongs to a registry port.
	if colon <= slash {
		return ""
	}

	return Tag(ref[colon+1:])
}

// fromInt converts a -1/0/1 comparison into an Ordering.
func fromInt(c int) Ordering {
	switch {
	case c < 0:
		return Less
	case c > 0:
		return Greater
	default:
		return Equal
	}
}
