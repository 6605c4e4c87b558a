package tag

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestNormalize covers whitespace, case and prefix handling.
func TestNormalize(t *testing.T) {
	t.Parallel()

	cases := map[Tag]Tag{
		"v4.2.3":     "4.2.3",
		"  V4.2.3\n": "4.2.3",
		"4.2.3":      "4.2.3",
		"Nightly":    "nightly",
		"v":          "",
		"   ":        "",
		"":           "",
	}
	for in, want := range cases {
		require.Equal(t, want, Normalize(in), string(in))
	}
}

// TestCompare checks structured, lexical and incomparable outcomes.
func TestCompare(t *testing.T) {
	t.Parallel()

	cases := []struct {
		a, b Tag
		want Ordering
	}{
		{"1.2.0", "1.3.0", Less},
		{"v1.3.0", "1.3.0", Equal},
		{"1.10.0", "1.9.0", Greater},
		{"4.2.3", "4.2.10", Less},
		{"2024.01.15", "2024.02.01", Less},
		{"1.2.0-beta.1", "1.2.0", Less},
		{"1.2", "1.2.0", Incomparable},
		{"4.2", "v4.2.0", Incomparable},
		{"1.2.0+build.5", "1.2.0", Incomparable},
		{"1.2.0_hotfix", "1.9.0", Less},
		{"1.10.0", "1.2.0_hotfix", Greater},
		{"1.2.0_hotfix", "1.2.0", Incomparable},
		{"release-7", "release-10", Less},
		{"build-007", "build-7", Incomparable},
		{"nightly", "1.0.0", Less},
		{"nightly", "stable", Less},
		{"1.2.0", "", Incomparable},
		{"", "", Incomparable},
		{" v ", "1.0.0", Incomparable},
	}

	for _, tc := range cases {
		require.Equal(t, tc.want, Compare(tc.a, tc.b), "%q vs %q", tc.a, tc.b)
	}
}

// TestCompare_Antisymmetric verifies Compare(a, b) mirrors Compare(b, a).
func TestCompare_Antisymmetric(t *testing.T) {
	t.Parallel()

	tags := []Tag{
		"1.0.0", "1.2", "1.2.0", "v1.2.0", "1.2.0_hotfix", "1.10.0", "2.0.0-rc.1", "2.0.0",
		"2024.01.15", "release-7", "nightly", "latest",
	}

	mirror := map[Ordering]Ordering{Less: Greater, Greater: Less, Equal: Equal, Incomparable: Incomparable}

	for _, a := range tags {
		for _, b := range tags {
			require.Equal(t, mirror[Compare(a, b)], Compare(b, a), "%q vs %q", a, b)
		}
	}
}

// TestCompare_Transitive verifies transitivity across structured, loose and lexical tags.
func TestCompare_Transitive(t *testing.T) {
	t.Parallel()

	tags := []Tag{
		"0.9.0", "1.0.0", "1.2", "1.2.0", "1.2.0-beta", "1.2.0_hotfix", "1.9.0", "1.10.0",
		"2.0.0", "2024.01.15", "release-7", "release-10", "alpha", "beta", "latest", "nightly", "stable",
	}

	for _, a := range tags {
		for _, b := range tags {
			for _, c := range tags {
				if Compare(a, b) == Less && Compare(b, c) == Less {
					require.Equal(t, Less, Compare(a, c), "%q < %q < %q", a, b, c)
				}
			}
		}
	}
}

// TestUpdateAvailable checks the update decision on typical pairs.
func TestUpdateAvailable(t *testing.T) {
	t.Parallel()

	require.True(t, UpdateAvailable("1.2.0", "1.3.0"))
	require.False(t, UpdateAvailable("1.3.0", "1.3.0"))
	require.False(t, UpdateAvailable("1.4.0", "1.3.0"))
	require.False(t, UpdateAvailable("", "1.3.0"))
	require.False(t, UpdateAvailable("1.3.0", ""))

	// A respelled release is not an update.
	require.False(t, UpdateAvailable("1.2", "v1.2.0"))
	require.False(t, UpdateAvailable("4.2.0", "4.2"))
	require.True(t, UpdateAvailable("1.2.0_hotfix", "1.9.0"))
}

// TestFromImageRef extracts tags from image references.
func TestFromImageRef(t *testing.T) {
	t.Parallel()

	cases := map[string]Tag{
		"ghcr.io/bitfocus/companion/companion:4.2.3": "4.2.3",
		"registry:5000/app":                          "",
		"registry:5000/app:v1":                       "v1",
		"app@sha256:abcdef":                          "",
		"app:1.0@sha256:abcdef":                      "1.0",
		"app":                                        "",
	}
	for ref, want := range cases {
		require.Equal(t, want, FromImageRef(ref), ref)
	}
}

// TestDisplay renders known and unknown tags.
func TestDisplay(t *testing.T) {
	t.Parallel()

	require.Equal(t, "v4.2.3", Tag("4.2.3").Display())
	require.Equal(t, "v4.2.3", Tag("v4.2.3").Display())
	require.Equal(t, "Unknown", Tag("").Display())
	require.Equal(t, "unknown", Tag(" ").String())
	require.False(t, Tag("v").Known())
}
